package compaction

import (
	"bytes"
	"context"
	"sync"

	"github.com/pkg/errors"

	"cabbageSI/filter"
	"cabbageSI/logger"
	"cabbageSI/metrics"
	"cabbageSI/storage"
	"cabbageSI/txn"
)

// Reasons a version is dropped.
const (
	ReasonRolledBack         = "rolled_back"
	ReasonSuperseded         = "superseded"
	ReasonBelowTombstone     = "below_tombstone"
	ReasonRedundantMarker    = "redundant_marker"
	ReasonRedundantTombstone = "redundant_tombstone"
)

type Txns interface {
	Lineage(ctx context.Context, id txn.Timestamp) (txn.Lineage, error)
	ActiveTransactions(ctx context.Context) ([]*txn.Record, error)
	CurrentTimestamp(ctx context.Context) (txn.Timestamp, error)
}

type status int

const (
	// statusUnknown: the record is gone or belongs to another namespace. Left untouched.
	statusUnknown status = iota
	statusPending
	statusCommitted
	statusRolledBack
)

type resolution struct {
	status   status
	commitTS txn.Timestamp
}

type Stats struct {
	Rows     int
	Resolved int
	Dropped  map[string]int
}

// SICompactionState rewrites row histories for one compaction pass. The active set is
// snapshotted at construction; every snapshot still live or started later reads at or above
// the horizon, so committed versions below it that a newer committed version hides are dropped.
type SICompactionState struct {
	txns    Txns
	metrics *metrics.Metrics
	horizon txn.Timestamp
	active  map[txn.Timestamp]struct{}

	mu       sync.Mutex
	resolved map[txn.Timestamp]resolution
	stats    Stats
}

func NewCompactionState(ctx context.Context, txns Txns, m *metrics.Metrics) (*SICompactionState, error) {
	// The fresh timestamp comes first: whatever begins after it is above the horizon.
	horizon, err := txns.CurrentTimestamp(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "compaction horizon")
	}
	records, err := txns.ActiveTransactions(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "snapshot active transactions")
	}
	active := make(map[txn.Timestamp]struct{}, len(records))
	for _, r := range records {
		active[r.ID] = struct{}{}
		if r.ID < horizon {
			horizon = r.ID
		}
	}
	logger.Debugw("compaction: new pass", "horizon", horizon, "active", len(active))
	return &SICompactionState{
		txns:     txns,
		metrics:  m,
		horizon:  horizon,
		active:   active,
		resolved: make(map[txn.Timestamp]resolution),
		stats:    Stats{Dropped: make(map[string]int)},
	}, nil
}

// Horizon is the oldest snapshot any transaction can read at during this pass.
func (s *SICompactionState) Horizon() txn.Timestamp {
	return s.horizon
}

func (s *SICompactionState) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := make(map[string]int, len(s.stats.Dropped))
	for k, v := range s.stats.Dropped {
		dropped[k] = v
	}
	return Stats{Rows: s.stats.Rows, Resolved: s.stats.Resolved, Dropped: dropped}
}

// Mutate returns the versions of one row worth keeping, in the order given, with the
// commit timestamp of fully committed writers filled in. versions must be the complete
// history of the row in storage order and is not modified. Mutate(Mutate(v)) == Mutate(v).
func (s *SICompactionState) Mutate(ctx context.Context, versions []*storage.Cell) ([]*storage.Cell, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, nil
	}
	res := make([]resolution, len(versions))
	for i, c := range versions {
		if !bytes.Equal(c.Row, versions[0].Row) {
			return nil, errors.Errorf("versions of rows %q and %q in one history", versions[0].Row, c.Row)
		}
		r, err := s.resolve(ctx, c)
		if err != nil {
			return nil, err
		}
		res[i] = r
	}

	p := &pass{versions: versions, res: res, keep: make([]bool, len(versions)), horizon: s.horizon, dropped: make(map[string]int)}
	for i, r := range res {
		p.keep[i] = r.status != statusRolledBack
		if !p.keep[i] {
			p.dropped[ReasonRolledBack]++
		}
	}

	var hidden txn.Timestamp
	for start := 0; start < len(versions); {
		end := start + 1
		for end < len(versions) && versions[end].SameColumn(versions[start]) {
			end++
		}
		if versions[start].IsMarker() {
			hidden = p.markers(start, end)
		} else {
			p.column(start, end, hidden)
		}
		start = end
	}
	p.markerOnly()

	retained := make([]*storage.Cell, 0, len(versions))
	resolved := 0
	for i, c := range versions {
		if !p.keep[i] {
			continue
		}
		if res[i].status == statusCommitted && c.CommitTS == 0 {
			cp := *c
			cp.CommitTS = uint64(res[i].commitTS)
			c = &cp
			resolved++
		}
		retained = append(retained, c)
	}

	s.mu.Lock()
	s.stats.Rows++
	s.stats.Resolved += resolved
	for reason, n := range p.dropped {
		s.stats.Dropped[reason] += n
	}
	s.mu.Unlock()
	for reason, n := range p.dropped {
		s.metrics.RecordCompactionDrop(reason, n)
	}
	return retained, nil
}

func (s *SICompactionState) resolve(ctx context.Context, c *storage.Cell) (resolution, error) {
	if c.CommitTS != 0 {
		return resolution{status: statusCommitted, commitTS: txn.Timestamp(c.CommitTS)}, nil
	}
	writer := txn.Timestamp(c.Timestamp)
	s.mu.Lock()
	r, ok := s.resolved[writer]
	s.mu.Unlock()
	if ok {
		return r, nil
	}

	if _, ok := s.active[writer]; ok {
		r = resolution{status: statusPending}
	} else {
		lineage, err := s.txns.Lineage(ctx, writer)
		switch {
		case errors.Is(err, txn.ErrTransactionNotFound), errors.Is(err, txn.ErrForeignNamespace):
			r = resolution{status: statusUnknown}
		case err != nil:
			return resolution{}, errors.Wrapf(err, "resolve writer of %s", c)
		default:
			r = resolveLineage(lineage)
		}
	}
	s.mu.Lock()
	s.resolved[writer] = r
	s.mu.Unlock()
	return r, nil
}

func resolveLineage(lineage txn.Lineage) resolution {
	for _, r := range lineage {
		if r.State == txn.RolledBack {
			return resolution{status: statusRolledBack}
		}
	}
	if commit, ok := lineage.EffectiveCommit(); ok {
		return resolution{status: statusCommitted, commitTS: commit}
	}
	return resolution{status: statusPending}
}

type pass struct {
	versions []*storage.Cell
	res      []resolution
	keep     []bool
	horizon  txn.Timestamp
	dropped  map[string]int
}

func (p *pass) drop(i int, reason string) {
	if p.keep[i] {
		p.keep[i] = false
		p.dropped[reason]++
	}
}

// settled reports whether version i is kept and committed at or below the horizon, so every
// live snapshot sees it.
func (p *pass) settled(i int) bool {
	return p.keep[i] && p.res[i].status == statusCommitted && p.res[i].commitTS <= p.horizon
}

func (p *pass) committed(i int) bool {
	return p.keep[i] && p.res[i].status == statusCommitted
}

// floor is the first version of [start, end) every live snapshot sees, or -1.
func (p *pass) floor(start, end int) int {
	for i := start; i < end; i++ {
		if p.settled(i) {
			return i
		}
	}
	return -1
}

func hides(c *storage.Cell) bool {
	return c.Kind == storage.KindRowTombstone ||
		(c.Kind == storage.KindRowAntiTombstone && bytes.Equal(c.Value, filter.MarkerResetsRow))
}

// markers trims the marker column and returns the timestamp below which every live snapshot
// sees the row as deleted, or zero.
func (p *pass) markers(start, end int) txn.Timestamp {
	floor := p.floor(start, end)
	if floor < 0 {
		return 0
	}
	watermark := -1
	if hides(p.versions[floor]) {
		watermark = floor
	} else {
		for i := floor + 1; i < end; i++ {
			if !p.committed(i) {
				continue
			}
			if hides(p.versions[i]) && p.settled(i) {
				watermark = i
				break
			}
			if !hides(p.versions[i]) {
				p.drop(i, ReasonRedundantMarker)
			}
		}
	}
	if watermark < 0 {
		return 0
	}
	for i := watermark + 1; i < end; i++ {
		if p.committed(i) {
			p.drop(i, ReasonRedundantMarker)
		}
	}
	return txn.Timestamp(p.versions[watermark].Timestamp)
}

func (p *pass) column(start, end int, hidden txn.Timestamp) {
	for i := start; i < end; i++ {
		if p.committed(i) && txn.Timestamp(p.versions[i].Timestamp) < hidden {
			p.drop(i, ReasonBelowTombstone)
		}
	}
	floor := p.floor(start, end)
	if floor < 0 {
		return
	}
	last := true
	for i := floor + 1; i < end; i++ {
		if p.committed(i) {
			p.drop(i, ReasonSuperseded)
		}
		if p.keep[i] {
			last = false
		}
	}
	if last && p.versions[floor].Kind == storage.KindDeleteColumn {
		p.drop(floor, ReasonRedundantTombstone)
	}
}

// markerOnly drops a row left with nothing but settled markers: it has no visible
// columns and no live snapshot can conflict with those writers.
func (p *pass) markerOnly() {
	for i, c := range p.versions {
		if p.keep[i] && (!c.IsMarker() || !p.settled(i)) {
			return
		}
	}
	for i, c := range p.versions {
		if p.keep[i] {
			reason := ReasonRedundantMarker
			if c.Kind == storage.KindRowTombstone {
				reason = ReasonRedundantTombstone
			}
			p.drop(i, reason)
		}
	}
}
