package filter

import (
	"bytes"
	"context"
	"fmt"

	"github.com/pkg/errors"

	"cabbageSI/metrics"
	"cabbageSI/storage"
	"cabbageSI/txn"
)

// ReturnCode classifies one cell version for the scanner.
type ReturnCode int

const (
	// Include the version in the result.
	Include ReturnCode = iota
	// Skip this version and keep scanning the same column.
	Skip
	// NextColumn: no older version of this column matters.
	NextColumn
	// NextRow: nothing else in this row matters.
	NextRow
	// Seek to the position returned by SeekHint.
	Seek
)

func (c ReturnCode) String() string {
	switch c {
	case Include:
		return "INCLUDE"
	case Skip:
		return "SKIP"
	case NextColumn:
		return "NEXT_COLUMN"
	case NextRow:
		return "NEXT_ROW"
	case Seek:
		return "SEEK"
	}
	return fmt.Sprintf("ReturnCode(%d)", int(c))
}

// MarkerResetsRow is the value of a row anti-tombstone written by a transaction that deleted
// the row earlier: the row is live again, and everything older than the writer is gone.
var MarkerResetsRow = []byte{0x01}

type Resolver interface {
	Lineage(ctx context.Context, id txn.Timestamp) (txn.Lineage, error)
	Ignore() *txn.IgnoreList
}

// RowPredicate may reject an assembled row regardless of visibility.
type RowPredicate func(cells []*storage.Cell) (bool, error)

// verdict is the visibility of one writer plus the point in time its data took effect.
type verdict struct {
	txn.Relation
	position txn.Timestamp
}

// TxnFilter decides which versions a reading transaction sees. One filter serves one scan;
// Reset is called at every row boundary.
type TxnFilter struct {
	reader    *txn.Txn
	level     txn.IsolationLevel
	txns      Resolver
	predicate RowPredicate
	metrics   *metrics.Metrics

	// admit further restricts visible versions by the time they took effect.
	admit func(position txn.Timestamp) bool

	// stable holds verdicts of writers whose lineage can no longer change.
	stable map[txn.Timestamp]verdict

	row        []byte
	rowLive    bool
	markerDone bool
	watermark  txn.Timestamp
	column     *storage.Cell
	columnDone bool
	included   int
	garbage    bool
	seekHint   *storage.Cell
}

func NewTxnFilter(reader *txn.Txn, txns Resolver, predicate RowPredicate, m *metrics.Metrics) *TxnFilter {
	return &TxnFilter{
		reader:    reader,
		level:     reader.Isolation,
		txns:      txns,
		predicate: predicate,
		metrics:   m,
		stable:    make(map[txn.Timestamp]verdict),
	}
}

func (f *TxnFilter) Reset() {
	f.row = nil
	f.rowLive = false
	f.markerDone = false
	f.watermark = 0
	f.column = nil
	f.columnDone = false
	f.included = 0
	f.garbage = false
	f.seekHint = nil
}

// valid after FilterCell returned Seek
func (f *TxnFilter) SeekHint() *storage.Cell {
	return f.seekHint
}

// HasGarbage reports whether the current row holds rolled-back versions.
func (f *TxnFilter) HasGarbage() bool {
	return f.garbage
}

// FilterCell classifies one version. Cells must arrive in storage order. An error means the
// visibility of the version could not be decided and the scan must fail.
func (f *TxnFilter) FilterCell(ctx context.Context, c *storage.Cell) (ReturnCode, error) {
	code, err := f.filterCell(ctx, c)
	if err != nil {
		return 0, err
	}
	f.metrics.RecordFilterDecision(code.String())
	if code == Include {
		f.included++
	}
	return code, nil
}

func (f *TxnFilter) filterCell(ctx context.Context, c *storage.Cell) (ReturnCode, error) {
	if f.row == nil || !bytes.Equal(f.row, c.Row) {
		f.Reset()
		f.row = c.Row
	}
	if f.column == nil || !f.column.SameColumn(c) {
		f.column = c
		f.columnDone = false
	}

	if c.IsMarker() {
		if f.markerDone {
			return NextColumn, nil
		}
	} else {
		if f.columnDone {
			return NextColumn, nil
		}
		if f.watermark != 0 && txn.Timestamp(c.Timestamp) < f.watermark {
			return NextColumn, nil
		}
	}

	writer := txn.Timestamp(c.Timestamp)
	if r, ok := f.txns.Ignore().Range(writer); ok && !f.reader.InChain(writer) {
		if r.Start <= 1 {
			return NextColumn, nil
		}
		hint := *c
		hint.Timestamp = uint64(r.Start - 1)
		f.seekHint = &hint
		return Seek, nil
	}

	v, err := f.verdict(ctx, c)
	if err != nil {
		return 0, err
	}
	if v.RolledBack {
		f.garbage = true
	}
	if !v.Visible || (f.admit != nil && !f.admit(v.position)) {
		return Skip, nil
	}

	if c.IsMarker() {
		return f.marker(c), nil
	}
	f.columnDone = true
	if c.Kind == storage.KindDeleteColumn {
		return NextColumn, nil
	}
	return Include, nil
}

// marker handles a visible version of the row marker column. The first one decides whether
// the row exists; the newest visible deletion behind it hides everything older.
func (f *TxnFilter) marker(c *storage.Cell) ReturnCode {
	resets := c.Kind == storage.KindRowAntiTombstone && bytes.Equal(c.Value, MarkerResetsRow)
	if !f.rowLive {
		if c.Kind == storage.KindRowTombstone {
			return NextRow
		}
		f.rowLive = true
		if !resets {
			return Skip
		}
	} else if c.Kind != storage.KindRowTombstone && !resets {
		return Skip
	}
	f.watermark = txn.Timestamp(c.Timestamp)
	f.markerDone = true
	return NextColumn
}

func (f *TxnFilter) verdict(ctx context.Context, c *storage.Cell) (verdict, error) {
	writer := txn.Timestamp(c.Timestamp)
	if v, ok := f.stable[writer]; ok {
		return v, nil
	}

	if c.CommitTS != 0 {
		v := verdict{
			Relation: txn.RelateResolved(f.reader, f.level, writer, txn.Timestamp(c.CommitTS)),
			position: txn.Timestamp(c.CommitTS),
		}
		f.stable[writer] = v
		return v, nil
	}

	if ignore := f.txns.Ignore(); ignore.Contains(writer) && !f.reader.InChain(writer) {
		return verdict{Relation: txn.Relation{RolledBack: ignore.RolledBack(writer)}}, nil
	}
	lineage, err := f.txns.Lineage(ctx, writer)
	if errors.Is(err, txn.ErrTransactionNotFound) || errors.Is(err, txn.ErrForeignNamespace) {
		v := verdict{}
		f.stable[writer] = v
		return v, nil
	}
	if err != nil {
		return verdict{}, errors.Wrapf(err, "resolve writer of %s", c)
	}

	v := verdict{Relation: txn.Relate(f.reader, f.level, lineage), position: writer}
	if effective, ok := lineage.EffectiveCommit(); ok {
		v.position = effective
	}
	if lineage.Terminal() {
		f.stable[writer] = v
	}
	return v, nil
}

// FilterRow is called once the row's included cells are assembled.
func (f *TxnFilter) FilterRow(ctx context.Context, cells []*storage.Cell) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if len(cells) == 0 {
		return false, nil
	}
	if f.predicate == nil {
		return true, nil
	}
	ok, err := f.predicate(cells)
	if err != nil {
		return false, errors.Wrap(err, "row predicate")
	}
	return ok, nil
}
