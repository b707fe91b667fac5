package txn

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"cabbageSI/logger"
	"cabbageSI/metrics"
	"cabbageSI/oracle"
)

type Options struct {
	// Namespace tags every record this store creates. Records of other namespaces sharing
	// the RecordStore are reported as ErrForeignNamespace.
	Namespace string
	// Timeout rolls back ACTIVE transactions whose last keep-alive is older. Zero disables it.
	Timeout   time.Duration
	CacheSize int
	Ignore    []IgnoreRange
	Metrics   *metrics.Metrics
	Clock     func() time.Time
}

// Store is the transaction record store: the only source of truth about transaction state.
type Store struct {
	records   RecordStore
	oracle    oracle.Oracle
	cache     *recordCache
	ignore    *IgnoreList
	namespace string
	timeout   time.Duration
	metrics   *metrics.Metrics
	now       func() time.Time

	// mu serializes client-issued transitions on this node. Cross-node atomicity comes from
	// RecordStore.Update.
	mu sync.Mutex
	// issue: a commit holds it exclusively from drawing its commit timestamp until the record
	// says COMMITTED, so no snapshot above that timestamp can see the writer still ACTIVE.
	issue sync.RWMutex
}

// transition already happened
var errNoop = errors.New("no-op transition")

func NewStore(records RecordStore, o oracle.Oracle, opts Options) *Store {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{
		records:   records,
		oracle:    o,
		cache:     newRecordCache(opts.CacheSize),
		ignore:    NewIgnoreList(opts.Ignore, opts.CacheSize),
		namespace: opts.Namespace,
		timeout:   opts.Timeout,
		metrics:   opts.Metrics,
		now:       clock,
	}
}

func (s *Store) Namespace() string {
	return s.namespace
}

func (s *Store) Ignore() *IgnoreList {
	return s.ignore
}

func (s *Store) Metrics() *metrics.Metrics {
	return s.metrics
}

// CurrentTimestamp draws a timestamp that every transaction beginning afterwards exceeds.
func (s *Store) CurrentTimestamp(ctx context.Context) (Timestamp, error) {
	return s.nextTimestamp(ctx)
}

func (s *Store) nextTimestamp(ctx context.Context) (Timestamp, error) {
	s.issue.RLock()
	defer s.issue.RUnlock()
	return s.oracle.Next(ctx)
}

// BeginTransaction starts a transaction, a child of parent when parent is non-zero.
func (s *Store) BeginTransaction(ctx context.Context, parent Timestamp, level IsolationLevel, readOnly bool) (*Txn, error) {
	var chain []Timestamp
	if parent != 0 {
		p, err := s.GetTransaction(ctx, parent)
		if err != nil {
			return nil, err
		}
		if p.State != Active || p.RollbackOnly {
			return nil, illegal(&p.Record, "begin child")
		}
		chain = p.Chain
	}

	id, err := s.nextTimestamp(ctx)
	if err != nil {
		return nil, err
	}
	rec := &Record{
		ID:            id,
		ParentID:      parent,
		State:         Active,
		BeginTS:       id,
		Isolation:     level,
		ReadOnly:      readOnly,
		Namespace:     s.namespace,
		LastKeepAlive: s.now().UnixNano(),
	}
	if err := s.records.Create(ctx, rec); err != nil {
		return nil, unavailable(err, "create txn %d", id)
	}
	s.metrics.TxnBegun()
	s.metrics.RecordTransition(Active.String(), "begin")
	logger.Debugw("txn: begin", "txn", id, "parent", parent, "isolation", level.String(), "readOnly", readOnly)

	return &Txn{Record: *rec, Chain: append([]Timestamp{id}, chain...)}, nil
}

func (s *Store) GetTransaction(ctx context.Context, id Timestamp) (*Txn, error) {
	lineage, err := s.Lineage(ctx, id)
	if err != nil {
		return nil, err
	}
	chain := make([]Timestamp, 0, len(lineage))
	for _, r := range lineage {
		chain = append(chain, r.ID)
	}
	return &Txn{Record: *lineage[0], Chain: chain}, nil
}

// Lineage returns the records of id and its ancestors, id first.
func (s *Store) Lineage(ctx context.Context, id Timestamp) (Lineage, error) {
	var lineage Lineage
	for next := id; next != 0; {
		rec, err := s.record(ctx, next)
		if err != nil {
			return nil, err
		}
		lineage = append(lineage, rec)
		next = rec.ParentID
		if len(lineage) > 1 && next == id {
			return nil, errors.Errorf("txn %d is its own ancestor", id)
		}
	}
	return lineage, nil
}

// record resolves one record: terminal ones from the cache, ACTIVE ones from the RecordStore
// every time. An expired ACTIVE record is rolled back on the way.
func (s *Store) record(ctx context.Context, id Timestamp) (*Record, error) {
	if rec, ok := s.cache.get(id); ok {
		s.metrics.RecordCacheLookup("cache")
		return rec, nil
	}
	s.metrics.RecordCacheLookup("store")
	rec, err := s.records.Get(ctx, id)
	if err != nil {
		return nil, unavailable(err, "read txn %d", id)
	}
	if rec.Namespace != s.namespace {
		s.ignore.Learn(id, false)
		return nil, errors.Wrapf(ErrForeignNamespace, "txn %d of namespace %q", id, rec.Namespace)
	}
	if rec.expired(s.now(), s.timeout) {
		if rec, err = s.expire(ctx, rec.ID); err != nil {
			return nil, err
		}
	}
	s.remember(rec)
	return rec, nil
}

func (s *Store) remember(rec *Record) {
	s.cache.add(rec)
	if rec.State == RolledBack {
		s.ignore.Learn(rec.ID, true)
	}
}

func (s *Store) expire(ctx context.Context, id Timestamp) (*Record, error) {
	rec, err := s.rollback(ctx, id, CauseTimeout, func(r *Record) error {
		if r.State == Active && !r.expired(s.now(), s.timeout) {
			return errNoop
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if rec.RollbackCause == CauseTimeout {
		logger.Infow("txn: rolled back expired transaction", "txn", id, "timeout", s.timeout)
	}
	return rec, nil
}

// rollback moves id to ROLLED_BACK and cascades to its active descendants. guard may
// return errNoop to leave the record alone. The resulting record is returned either way.
func (s *Store) rollback(ctx context.Context, id Timestamp, cause Cause, guard func(*Record) error) (*Record, error) {
	rec, err := s.records.Update(ctx, id, func(r *Record) error {
		if guard != nil {
			if err := guard(r); err != nil {
				return err
			}
		}
		switch r.State {
		case RolledBack:
			return errNoop
		case Committed:
			return illegal(r, "rollback")
		}
		r.State = RolledBack
		r.RollbackCause = cause
		r.FinishedAt = s.now().UnixNano()
		return nil
	})
	if errors.Is(err, errNoop) {
		if rec, err = s.records.Get(ctx, id); err != nil {
			return nil, unavailable(err, "read txn %d", id)
		}
		return rec, nil
	}
	if err != nil {
		return nil, unavailable(err, "roll back txn %d", id)
	}
	s.finished(ctx, rec, cause.String())

	if err := s.rollbackChildren(ctx, id); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) rollbackChildren(ctx context.Context, parent Timestamp) error {
	ids, err := s.records.Active(ctx)
	if err != nil {
		return unavailable(err, "list active txns")
	}
	var errs error
	for _, id := range ids {
		rec, err := s.records.Get(ctx, id)
		if errors.Is(err, ErrTransactionNotFound) {
			continue
		}
		if err != nil {
			errs = multierr.Append(errs, unavailable(err, "read txn %d", id))
			continue
		}
		if rec.ParentID != parent || rec.State != Active {
			continue
		}
		if _, err := s.rollback(ctx, id, CauseParent, nil); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (s *Store) finished(ctx context.Context, rec *Record, cause string) {
	s.remember(rec)
	s.metrics.RecordTransition(rec.State.String(), cause)
	s.metrics.TxnFinished()
	if err := s.records.ClearWrites(ctx, rec.ID); err != nil {
		logger.Warnw("txn: failed to clear write set", "txn", rec.ID, "error", err)
	}
}

// Commit makes the transaction's writes visible and returns its commit timestamp. Active
// children are rolled back first. Committing a committed transaction returns the same timestamp.
func (s *Store) Commit(ctx context.Context, id Timestamp) (Timestamp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.record(ctx, id)
	if err != nil {
		return 0, err
	}
	switch rec.State {
	case Committed:
		return rec.CommitTS, nil
	case RolledBack:
		return 0, aborted(rec)
	}
	if rec.RollbackOnly {
		if _, err := s.rollback(ctx, id, CauseRollbackOnly, nil); err != nil {
			return 0, err
		}
		return 0, errors.Wrapf(ErrTransactionTimeout, "txn %d was marked rollback-only", id)
	}
	if rec.ParentID != 0 {
		parent, err := s.record(ctx, rec.ParentID)
		if err != nil {
			return 0, err
		}
		if parent.State != Active {
			return 0, illegal(rec, "commit under finished parent")
		}
	}
	if err := s.rollbackChildren(ctx, id); err != nil {
		return 0, err
	}

	s.issue.Lock()
	commitTS, err := s.oracle.Next(ctx)
	if err != nil {
		s.issue.Unlock()
		return 0, err
	}
	rec, err = s.records.Update(ctx, id, func(r *Record) error {
		if r.State == RolledBack {
			return aborted(r)
		}
		if r.State != Active {
			return illegal(r, "commit")
		}
		if r.RollbackOnly {
			return errors.Wrapf(ErrTransactionTimeout, "txn %d was marked rollback-only", id)
		}
		r.State = Committed
		r.CommitTS = commitTS
		if r.ParentID == 0 {
			r.EffectiveCommitTS = commitTS
		}
		r.FinishedAt = s.now().UnixNano()
		return nil
	})
	s.issue.Unlock()
	if err != nil {
		return 0, unavailable(err, "commit txn %d", id)
	}
	s.finished(ctx, rec, "commit")
	logger.Debugw("txn: commit", "txn", id, "commitTS", commitTS)
	return commitTS, nil
}

// Rollback is idempotent from any state but COMMITTED.
func (s *Store) Rollback(ctx context.Context, id Timestamp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.record(ctx, id)
	if err != nil {
		return err
	}
	switch rec.State {
	case RolledBack:
		return nil
	case Committed:
		return illegal(rec, "rollback")
	}
	_, err = s.rollback(ctx, id, CauseClient, nil)
	return err
}

// MarkRollbackOnly dooms an active transaction: it stays ACTIVE but can only roll back.
func (s *Store) MarkRollbackOnly(ctx context.Context, id Timestamp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.record(ctx, id)
	if err != nil {
		return err
	}
	switch rec.State {
	case RolledBack:
		return nil
	case Committed:
		return illegal(rec, "mark rollback-only")
	}
	_, err = s.records.Update(ctx, id, func(r *Record) error {
		if r.State != Active {
			return errNoop
		}
		r.RollbackOnly = true
		return nil
	})
	if err != nil && !errors.Is(err, errNoop) {
		return unavailable(err, "mark txn %d rollback-only", id)
	}
	logger.Infow("txn: marked rollback-only", "txn", id)
	return nil
}

func (s *Store) KeepAlive(ctx context.Context, id Timestamp) error {
	rec, err := s.record(ctx, id)
	if err != nil {
		return err
	}
	if err := usable(rec); err != nil {
		return err
	}
	_, err = s.records.Update(ctx, id, func(r *Record) error {
		if err := usable(r); err != nil {
			return err
		}
		r.LastKeepAlive = s.now().UnixNano()
		return nil
	})
	return unavailable(err, "keep txn %d alive", id)
}

func usable(r *Record) error {
	switch r.State {
	case RolledBack:
		return aborted(r)
	case Committed:
		return illegal(r, "use")
	}
	if r.RollbackOnly {
		return errors.Wrapf(ErrTransactionTimeout, "txn %d was marked rollback-only", r.ID)
	}
	return nil
}

func (s *Store) Readable(ctx context.Context, id Timestamp) (*Txn, error) {
	t, err := s.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := usable(&t.Record); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Store) Writable(ctx context.Context, id Timestamp) (*Txn, error) {
	t, err := s.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := usable(&t.Record); err != nil {
		return nil, err
	}
	if t.ReadOnly {
		return nil, errors.Wrapf(ErrReadOnly, "txn %d", id)
	}
	return t, nil
}

// ElevateToWritable promotes a read-only transaction. validate re-checks that nothing
// committed since the transaction began conflicts with what it read; its error is returned as is.
func (s *Store) ElevateToWritable(ctx context.Context, id Timestamp, validate func(context.Context, *Txn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.GetTransaction(ctx, id)
	if err != nil {
		return err
	}
	if t.State != Active {
		return illegal(&t.Record, "elevate")
	}
	if err := usable(&t.Record); err != nil {
		return err
	}
	if !t.ReadOnly {
		return nil
	}
	if validate != nil {
		if err := validate(ctx, t); err != nil {
			return err
		}
	}
	_, err = s.records.Update(ctx, id, func(r *Record) error {
		if r.State != Active {
			return illegal(r, "elevate")
		}
		r.ReadOnly = false
		return nil
	})
	return unavailable(err, "elevate txn %d", id)
}

func (s *Store) RecordWrite(ctx context.Context, id Timestamp, row []byte) error {
	return unavailable(s.records.AddWrite(ctx, id, row), "record write of txn %d", id)
}

// ActiveTransactionsConflictingWith lists the active transactions that wrote row and
// conflict with t.
func (s *Store) ActiveTransactionsConflictingWith(ctx context.Context, t *Txn, row []byte) (map[Timestamp]struct{}, error) {
	ids, err := s.records.Active(ctx)
	if err != nil {
		return nil, unavailable(err, "list active txns")
	}
	conflicting := make(map[Timestamp]struct{})
	for _, id := range ids {
		if t.InChain(id) || s.ignore.Contains(id) {
			continue
		}
		wrote, err := s.records.HasWrite(ctx, id, row)
		if err != nil {
			return nil, unavailable(err, "read write set of txn %d", id)
		}
		if !wrote {
			continue
		}
		lineage, err := s.Lineage(ctx, id)
		if errors.Is(err, ErrTransactionNotFound) || errors.Is(err, ErrForeignNamespace) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if Relate(t, SnapshotIsolation, lineage).Conflicts() {
			conflicting[id] = struct{}{}
		}
	}
	return conflicting, nil
}

// oldest first
func (s *Store) ActiveTransactions(ctx context.Context) ([]*Record, error) {
	ids, err := s.records.Active(ctx)
	if err != nil {
		return nil, unavailable(err, "list active txns")
	}
	active := make([]*Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.records.Get(ctx, id)
		if errors.Is(err, ErrTransactionNotFound) {
			continue
		}
		if err != nil {
			return nil, unavailable(err, "read txn %d", id)
		}
		if rec.State == Active {
			active = append(active, rec)
		}
	}
	return active, nil
}

// any namespace
func (s *Store) OldestActive(ctx context.Context) (Timestamp, bool, error) {
	ids, err := s.records.Active(ctx)
	if err != nil {
		return 0, false, unavailable(err, "list active txns")
	}
	if len(ids) == 0 {
		return 0, false, nil
	}
	return ids[0], true, nil
}

// ReapExpired rolls back every ACTIVE transaction of this namespace past its timeout.
func (s *Store) ReapExpired(ctx context.Context) (int, error) {
	if s.timeout <= 0 {
		return 0, nil
	}
	ids, err := s.records.Active(ctx)
	if err != nil {
		return 0, unavailable(err, "list active txns")
	}
	var (
		reaped int
		errs   error
	)
	for _, id := range ids {
		rec, err := s.records.Get(ctx, id)
		if errors.Is(err, ErrTransactionNotFound) {
			continue
		}
		if err != nil {
			errs = multierr.Append(errs, unavailable(err, "read txn %d", id))
			continue
		}
		if rec.Namespace != s.namespace || !rec.expired(s.now(), s.timeout) {
			continue
		}
		rec, err = s.expire(ctx, id)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if rec.State == RolledBack && rec.RollbackCause == CauseTimeout {
			reaped++
		}
	}
	return reaped, errs
}

// Prune deletes terminal records of this namespace whose whole lineage finished before cutoff.
// A committed child under a live ancestor is kept: its data resolves only once the root commits.
// Data written by pruned records must already be resolved or dropped by compaction.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	finished, err := s.records.Finished(ctx)
	if err != nil {
		return 0, unavailable(err, "list finished txns")
	}
	// Descendants have larger ids, and go first so their ancestors are still there to read.
	sort.Slice(finished, func(i, j int) bool { return finished[i].ID > finished[j].ID })

	var pruned int
	for _, rec := range finished {
		if rec.Namespace != s.namespace {
			continue
		}
		ok, err := s.prunable(ctx, rec, cutoff.UnixNano())
		if err != nil {
			return pruned, err
		}
		if !ok {
			continue
		}
		if err := s.records.Delete(ctx, rec.ID); err != nil {
			return pruned, unavailable(err, "prune txn %d", rec.ID)
		}
		s.cache.remove(rec.ID)
		pruned++
	}
	if pruned > 0 {
		logger.Infow("txn: pruned finished transactions", "count", pruned, "cutoff", cutoff)
	}
	return pruned, nil
}

func (s *Store) prunable(ctx context.Context, rec *Record, cutoff int64) (bool, error) {
	if rec.FinishedAt >= cutoff {
		return false, nil
	}
	for next := rec.ParentID; next != 0; {
		anc, err := s.record(ctx, next)
		if errors.Is(err, ErrTransactionNotFound) {
			// Ancestors are only pruned once terminal, so the lineage is terminal too.
			return true, nil
		}
		if err != nil {
			return false, err
		}
		if anc.State == Active || anc.FinishedAt >= cutoff {
			return false, nil
		}
		next = anc.ParentID
	}
	return true, nil
}
