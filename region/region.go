package region

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"cabbageSI/conflict"
	"cabbageSI/filter"
	"cabbageSI/logger"
	"cabbageSI/metrics"
	"cabbageSI/storage"
	"cabbageSI/txn"
)

const DefaultRowLockWait = 50 * time.Millisecond

var (
	// ErrRowLocked: the row lock could not be taken within the configured wait.
	ErrRowLocked = errors.New("row is locked")
	// ErrInvalidMutation: a column without a family, or a mutation without a row.
	ErrInvalidMutation = errors.New("invalid mutation")
)

type Column struct {
	Family    []byte
	Qualifier []byte
	Value     []byte
	Delete    bool
}

// Mutation changes one row. DeleteRow applies before Columns, so a mutation may replace the
// whole row in one step.
type Mutation struct {
	Row       []byte
	DeleteRow bool
	Columns   []Column
}

type WriteStatus int

const (
	Success WriteStatus = iota
	Conflict
	Error
)

func (s WriteStatus) String() string {
	switch s {
	case Success:
		return "success"
	case Conflict:
		return "conflict"
	case Error:
		return "error"
	}
	return fmt.Sprintf("WriteStatus(%d)", int(s))
}

type WriteResult struct {
	Row    []byte
	Status WriteStatus
	Err    error
}

type Options struct {
	// RowLockWait bounds how long a writer waits for another writer's check-then-write.
	RowLockWait time.Duration
	Metrics     *metrics.Metrics
}

// Region is the transactional view of a cell store: writes go through the conflict
// checker, reads through a visibility filter, compaction through SICompactionState.
type Region struct {
	store    *storage.Store
	txns     *txn.Store
	checker  *conflict.Checker
	metrics  *metrics.Metrics
	lockWait time.Duration
	garbage  *garbageRows
	log      *zap.SugaredLogger
}

func NewRegion(store *storage.Store, txns *txn.Store, opts Options) *Region {
	wait := opts.RowLockWait
	if wait <= 0 {
		wait = DefaultRowLockWait
	}
	return &Region{
		store:    store,
		txns:     txns,
		checker:  conflict.NewChecker(txns, store, opts.Metrics),
		metrics:  opts.Metrics,
		lockWait: wait,
		garbage:  newGarbageRows(),
		log:      logger.Named("region"),
	}
}

func (r *Region) noteGarbage(row []byte) {
	if r.garbage.note(row) {
		r.metrics.RecordGarbageRow()
	}
}

// GarbageRows is the number of rows waiting for compaction to drop rolled-back versions.
func (r *Region) GarbageRows() int {
	return r.garbage.len()
}

func (r *Region) Txns() *txn.Store {
	return r.txns
}

func (r *Region) Store() *storage.Store {
	return r.store
}

// BulkWrite applies mutations on behalf of id. Every row gets its own result; a row that
// conflicts or fails leaves the others alone. The error is set when the transaction itself
// may not write, in which case nothing is applied.
func (r *Region) BulkWrite(ctx context.Context, id txn.Timestamp, mutations []Mutation) ([]WriteResult, error) {
	t, err := r.txns.Writable(ctx, id)
	if err != nil {
		return nil, err
	}
	results := make([]WriteResult, 0, len(mutations))
	for _, m := range mutations {
		res := WriteResult{Row: m.Row, Status: Success}
		if err := r.write(ctx, t, m); err != nil {
			res.Err = err
			res.Status = Error
			if errors.Is(err, txn.ErrWriteConflict) {
				res.Status = Conflict
			}
		}
		r.metrics.RecordWriteResult(res.Status.String())
		results = append(results, res)
	}
	return results, nil
}

func validate(m Mutation) error {
	if len(m.Row) == 0 {
		return errors.Wrap(ErrInvalidMutation, "empty row key")
	}
	for _, c := range m.Columns {
		if len(c.Family) == 0 {
			return errors.Wrapf(ErrInvalidMutation, "column %q of row %q has no family", c.Qualifier, m.Row)
		}
	}
	if !m.DeleteRow && len(m.Columns) == 0 {
		return errors.Wrapf(ErrInvalidMutation, "nothing to write to row %q", m.Row)
	}
	return nil
}

func (r *Region) write(ctx context.Context, t *txn.Txn, m Mutation) error {
	if err := validate(m); err != nil {
		return err
	}
	if !r.store.TryLock(ctx, m.Row, r.lockWait) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return errors.Wrapf(ErrRowLocked, "row %q", m.Row)
	}
	defer r.store.Unlock(m.Row)

	if err := r.checker.Check(ctx, t, m.Row); err != nil {
		return err
	}
	if err := r.txns.RecordWrite(ctx, t.ID, m.Row); err != nil {
		return err
	}

	ts := uint64(t.ID)
	marker := storage.MarkerCell(m.Row, ts, storage.KindRowAntiTombstone)
	if m.DeleteRow {
		// Versions of this transaction share its timestamp, so a watermark cannot hide them:
		// they are removed instead.
		own, err := r.ownVersions(m.Row, ts)
		if err != nil {
			return err
		}
		if err := r.store.Delete(own...); err != nil {
			return err
		}
		if len(m.Columns) == 0 {
			marker.Kind = storage.KindRowTombstone
		} else {
			marker.Value = filter.MarkerResetsRow
		}
	} else {
		prev, err := r.ownMarker(m.Row, ts)
		if err != nil {
			return err
		}
		if prev != nil && (prev.Kind == storage.KindRowTombstone || string(prev.Value) == string(filter.MarkerResetsRow)) {
			marker.Value = filter.MarkerResetsRow
		}
	}

	cells := make([]*storage.Cell, 0, len(m.Columns)+1)
	cells = append(cells, marker)
	for _, c := range m.Columns {
		cell := &storage.Cell{Row: m.Row, Family: c.Family, Qualifier: c.Qualifier, Timestamp: ts, Kind: storage.KindPut, Value: c.Value}
		if c.Delete {
			cell.Kind = storage.KindDeleteColumn
			cell.Value = nil
		}
		cells = append(cells, cell)
	}
	if err := r.store.Put(cells...); err != nil {
		return err
	}
	r.log.Debugw("wrote row", "txn", t.ID, "row", string(m.Row), "cells", len(cells), "deleteRow", m.DeleteRow)
	return nil
}

func (r *Region) ownVersions(row []byte, ts uint64) ([]*storage.Cell, error) {
	history, err := r.store.Row(row)
	if err != nil {
		return nil, err
	}
	var own []*storage.Cell
	for _, c := range history {
		if c.Timestamp == ts {
			own = append(own, c)
		}
	}
	return own, nil
}

func (r *Region) ownMarker(row []byte, ts uint64) (*storage.Cell, error) {
	markers, err := r.store.Markers(row)
	if err != nil {
		return nil, err
	}
	for _, c := range markers {
		if c.Timestamp == ts {
			return c, nil
		}
	}
	return nil, nil
}

// ElevateToWritable promotes a read-only transaction after checking that none of rows was
// written since it began by anyone it would conflict with.
func (r *Region) ElevateToWritable(ctx context.Context, id txn.Timestamp, rows [][]byte) error {
	return r.txns.ElevateToWritable(ctx, id, func(ctx context.Context, t *txn.Txn) error {
		for _, row := range rows {
			if err := r.checker.Check(ctx, t, row); err != nil {
				return err
			}
		}
		return nil
	})
}
