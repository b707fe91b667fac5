package region

import (
	"context"

	"github.com/pkg/errors"

	"cabbageSI/filter"
	"cabbageSI/storage"
	"cabbageSI/txn"
)

var directives = map[filter.ReturnCode]storage.Directive{
	filter.Include:    storage.Keep,
	filter.Skip:       storage.Skip,
	filter.NextColumn: storage.SkipColumn,
	filter.NextRow:    storage.SkipRow,
	filter.Seek:       storage.SeekTo,
}

// DDLScope restricts a scan to one side of a schema change.
type DDLScope struct {
	Txn  txn.Timestamp
	Side filter.SchemaSide
}

type ScanOptions struct {
	Start     []byte
	End       []byte
	Limit     int
	Predicate filter.RowPredicate
	DDL       *DDLScope
}

func (r *Region) AttachVisibilityFilter(ctx context.Context, id txn.Timestamp, predicate filter.RowPredicate) (*filter.TxnFilter, error) {
	t, err := r.txns.Readable(ctx, id)
	if err != nil {
		return nil, err
	}
	return filter.NewTxnFilter(t, r.txns, predicate, r.metrics), nil
}

func (r *Region) attachDDLFilter(ctx context.Context, id txn.Timestamp, predicate filter.RowPredicate, scope *DDLScope) (*filter.TxnFilter, error) {
	t, err := r.txns.Readable(ctx, id)
	if err != nil {
		return nil, err
	}
	ddl, err := r.txns.GetTransaction(ctx, scope.Txn)
	if err != nil {
		return nil, errors.Wrapf(err, "ddl txn %d", scope.Txn)
	}
	return filter.NewDDLFilter(t, ddl, scope.Side, r.txns, predicate, r.metrics), nil
}

type scanHook struct {
	filter    *filter.TxnFilter
	onGarbage func(row []byte)
}

// ScanHook wraps f for storage.Store.Scan. Rows f finds rolled-back versions in are queued
// for the next compaction pass.
func (r *Region) ScanHook(f *filter.TxnFilter) storage.CellHook {
	return &scanHook{filter: f, onGarbage: r.noteGarbage}
}

func (h *scanHook) StartRow([]byte) {
	h.filter.Reset()
}

func (h *scanHook) Cell(ctx context.Context, c *storage.Cell) (storage.Directive, *storage.Cell, error) {
	code, err := h.filter.FilterCell(ctx, c)
	if err != nil {
		return 0, nil, err
	}
	d, ok := directives[code]
	if !ok {
		return 0, nil, errors.Errorf("no scan directive for %s", code)
	}
	if d == storage.SeekTo {
		return d, h.filter.SeekHint(), nil
	}
	return d, nil, nil
}

func (h *scanHook) EndRow(ctx context.Context, row *storage.Row) (bool, error) {
	if h.filter.HasGarbage() && h.onGarbage != nil {
		h.onGarbage(row.Key)
	}
	return h.filter.FilterRow(ctx, row.Cells)
}

// Scan returns the rows of the range visible to id. A failure to decide visibility of any
// version fails the whole scan.
func (r *Region) Scan(ctx context.Context, id txn.Timestamp, opts ScanOptions) ([]*storage.Row, error) {
	var (
		f   *filter.TxnFilter
		err error
	)
	if opts.DDL != nil {
		f, err = r.attachDDLFilter(ctx, id, opts.Predicate, opts.DDL)
	} else {
		f, err = r.AttachVisibilityFilter(ctx, id, opts.Predicate)
	}
	if err != nil {
		return nil, err
	}
	rows, err := r.store.Scan(ctx, storage.ScanRange{Start: opts.Start, End: opts.End, Limit: opts.Limit}, r.ScanHook(f))
	if err != nil {
		return nil, errors.Wrapf(err, "scan by txn %d", id)
	}
	return rows, nil
}

// Get returns the visible columns of one row, or nil when id sees no such row.
func (r *Region) Get(ctx context.Context, id txn.Timestamp, row []byte) (*storage.Row, error) {
	end := append(append([]byte(nil), row...), 0x00)
	rows, err := r.Scan(ctx, id, ScanOptions{Start: row, End: end, Limit: 1})
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}
