package conflict

import (
	"context"
	"sort"

	"github.com/pkg/errors"

	"cabbageSI/logger"
	"cabbageSI/metrics"
	"cabbageSI/storage"
	"cabbageSI/txn"
)

type Txns interface {
	Lineage(ctx context.Context, id txn.Timestamp) (txn.Lineage, error)
	Ignore() *txn.IgnoreList
	ActiveTransactionsConflictingWith(ctx context.Context, t *txn.Txn, row []byte) (map[txn.Timestamp]struct{}, error)
}

// one version per writer of the row
type Markers interface {
	Markers(row []byte) ([]*storage.Cell, error)
}

// Checker enforces first-committer-wins. It never waits for other transactions: an active
// writer of the same row is a conflict right away.
type Checker struct {
	txns    Txns
	markers Markers
	metrics *metrics.Metrics
}

func NewChecker(txns Txns, markers Markers, m *metrics.Metrics) *Checker {
	return &Checker{txns: txns, markers: markers, metrics: m}
}

// ConflictingWith returns every writer of row that t collides with: unrelated, not rolled
// back, and not part of t's snapshot. A live descendant of t that wrote row also counts,
// its versions carry a larger timestamp and would shadow anything t writes afterwards.
func (c *Checker) ConflictingWith(ctx context.Context, t *txn.Txn, row []byte) (map[txn.Timestamp]struct{}, error) {
	conflicting, err := c.txns.ActiveTransactionsConflictingWith(ctx, t, row)
	if err != nil {
		return nil, err
	}

	markers, err := c.markers.Markers(row)
	if err != nil {
		return nil, errors.Wrapf(err, "read writers of row %q", row)
	}
	for _, m := range markers {
		writer := txn.Timestamp(m.Timestamp)
		if _, seen := conflicting[writer]; seen || t.InChain(writer) || c.txns.Ignore().Contains(writer) {
			continue
		}
		if m.CommitTS != 0 {
			if txn.RelateResolved(t, txn.SnapshotIsolation, writer, txn.Timestamp(m.CommitTS)).Conflicts() {
				conflicting[writer] = struct{}{}
			}
			continue
		}
		lineage, err := c.txns.Lineage(ctx, writer)
		if errors.Is(err, txn.ErrTransactionNotFound) || errors.Is(err, txn.ErrForeignNamespace) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if rel := txn.Relate(t, txn.SnapshotIsolation, lineage); rel.Conflicts() || (rel.Related && !rel.RolledBack) {
			conflicting[writer] = struct{}{}
		}
	}
	return conflicting, nil
}

// Check returns a *txn.WriteConflictError when t may not write row.
func (c *Checker) Check(ctx context.Context, t *txn.Txn, row []byte) error {
	conflicting, err := c.ConflictingWith(ctx, t, row)
	if err != nil {
		return err
	}
	if len(conflicting) == 0 {
		return nil
	}

	writers := make([]txn.Timestamp, 0, len(conflicting))
	for w := range conflicting {
		writers = append(writers, w)
	}
	sort.Slice(writers, func(i, j int) bool { return writers[i] < writers[j] })

	c.metrics.RecordConflict()
	logger.Debugw("conflict: write-write conflict", "txn", t.ID, "row", string(row), "writers", writers)
	return &txn.WriteConflictError{Txn: t.ID, Row: append([]byte(nil), row...), Writers: writers}
}
