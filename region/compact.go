package region

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"cabbageSI/compaction"
	"cabbageSI/storage"
	"cabbageSI/txn"
)

// CompactionFunc is the rewrite of one compaction pass: row history in, retained versions out.
type CompactionFunc func(ctx context.Context, versions []*storage.Cell) ([]*storage.Cell, error)

// CompactionHook snapshots the active transactions and returns the rewrite for a pass
// starting now.
func (r *Region) CompactionHook(ctx context.Context) (CompactionFunc, error) {
	state, err := compaction.NewCompactionState(ctx, r.txns, r.metrics)
	if err != nil {
		return nil, err
	}
	return state.Mutate, nil
}

type CompactionReport struct {
	Horizon     txn.Timestamp
	Rows        int
	FailedRows  int
	Resolved    int
	GarbageRows int // queued by scans, visited ahead of the rest
	Dropped     map[string]int
	Duration    time.Duration
}

// Compact rewrites every row of the range, rows queued by scans first. A row that fails is
// logged and left as it was; the other rows are still compacted and the failures are
// returned together.
func (r *Region) Compact(ctx context.Context, rng storage.ScanRange) (CompactionReport, error) {
	start := time.Now()
	state, err := compaction.NewCompactionState(ctx, r.txns, r.metrics)
	if err != nil {
		return CompactionReport{}, err
	}
	rows, err := r.store.RowKeys(rng)
	if err != nil {
		return CompactionReport{}, err
	}

	queued := r.garbage.within(rng)
	visited := make(map[string]struct{}, len(queued))
	report := CompactionReport{Horizon: state.Horizon(), GarbageRows: len(queued)}
	var errs error
	for _, row := range append(queued, rows...) {
		if _, ok := visited[string(row)]; ok {
			continue
		}
		visited[string(row)] = struct{}{}
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := r.compactRow(ctx, state, row); err != nil {
			r.log.Warnw("compaction of row failed", "row", string(row), "error", err)
			report.FailedRows++
			errs = multierr.Append(errs, errors.Wrapf(err, "compact row %q", row))
			continue
		}
		r.garbage.forget(row)
	}

	stats := state.Stats()
	report.Rows = stats.Rows
	report.Resolved = stats.Resolved
	report.Dropped = stats.Dropped
	report.Duration = time.Since(start)
	r.metrics.RecordCompaction(report.FailedRows, report.Duration)
	r.log.Infow("compaction pass done", "rows", report.Rows, "failed", report.FailedRows, "queued", report.GarbageRows,
		"resolved", report.Resolved, "dropped", report.Dropped, "horizon", report.Horizon, "took", report.Duration)
	return report, errs
}

// compactRow holds the row lock so the history cannot change between read and rewrite.
func (r *Region) compactRow(ctx context.Context, state *compaction.SICompactionState, row []byte) error {
	if !r.store.TryLock(ctx, row, r.lockWait) {
		return errors.Wrapf(ErrRowLocked, "row %q", row)
	}
	defer r.store.Unlock(row)

	history, err := r.store.Row(row)
	if err != nil {
		return err
	}
	retained, err := state.Mutate(ctx, history)
	if err != nil {
		return err
	}
	return r.store.Rewrite(history, retained)
}
