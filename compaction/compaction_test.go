package compaction

import (
	"context"
	"strconv"
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cabbageSI/metrics"
	"cabbageSI/oracle"
	"cabbageSI/storage"
	"cabbageSI/txn"
)

type fixture struct {
	t       *testing.T
	ctx     context.Context
	txns    *txn.Store
	cells   *storage.Store
	metrics *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	engine := storage.NewMemEngine()
	m := metrics.NewMetrics()
	return &fixture{
		t:       t,
		ctx:     context.Background(),
		txns:    txn.NewStore(txn.NewEngineRecordStore(engine), oracle.NewBatchOracle(oracle.NewEngineCounter(engine), 100, nil), txn.Options{Metrics: m}),
		cells:   storage.NewStore(engine),
		metrics: m,
	}
}

func (f *fixture) begin() *txn.Txn {
	t, err := f.txns.BeginTransaction(f.ctx, 0, txn.SnapshotIsolation, false)
	require.NoError(f.t, err)
	return t
}

func (f *fixture) commit(t *txn.Txn) txn.Timestamp {
	ts, err := f.txns.Commit(f.ctx, t.ID)
	require.NoError(f.t, err)
	return ts
}

func (f *fixture) put(t *txn.Txn, qual, value string) {
	require.NoError(f.t, f.cells.Put(
		storage.MarkerCell([]byte("R"), uint64(t.ID), storage.KindRowAntiTombstone),
		&storage.Cell{Row: []byte("R"), Family: []byte("f"), Qualifier: []byte(qual), Timestamp: uint64(t.ID), Kind: storage.KindPut, Value: []byte(value)},
	))
}

func (f *fixture) deleteColumn(t *txn.Txn, qual string) {
	require.NoError(f.t, f.cells.Put(
		storage.MarkerCell([]byte("R"), uint64(t.ID), storage.KindRowAntiTombstone),
		&storage.Cell{Row: []byte("R"), Family: []byte("f"), Qualifier: []byte(qual), Timestamp: uint64(t.ID), Kind: storage.KindDeleteColumn},
	))
}

func (f *fixture) deleteRow(t *txn.Txn) {
	require.NoError(f.t, f.cells.Put(storage.MarkerCell([]byte("R"), uint64(t.ID), storage.KindRowTombstone)))
}

func (f *fixture) history() []*storage.Cell {
	cells, err := f.cells.Row([]byte("R"))
	require.NoError(f.t, err)
	return cells
}

func (f *fixture) state() *SICompactionState {
	s, err := NewCompactionState(f.ctx, f.txns, f.metrics)
	require.NoError(f.t, err)
	return s
}

func (f *fixture) mutate(s *SICompactionState) []*storage.Cell {
	retained, err := s.Mutate(f.ctx, f.history())
	require.NoError(f.t, err)
	return retained
}

// shape renders retained versions as writer/column pairs.
func shape(cells []*storage.Cell) []string {
	out := make([]string, 0, len(cells))
	for _, c := range cells {
		col := "marker"
		if !c.IsMarker() {
			col = string(c.Qualifier)
		}
		out = append(out, col+"@"+strconv.FormatUint(c.Timestamp, 10))
	}
	return out
}

func at(t *txn.Txn) string {
	return strconv.FormatUint(uint64(t.ID), 10)
}

func TestRolledBackVersionsAreDropped(t *testing.T) {
	f := newFixture(t)
	a := f.begin()
	f.put(a, "q", "1")
	require.NoError(t, f.txns.Rollback(f.ctx, a.ID))

	s := f.state()
	assert.Empty(t, f.mutate(s))
	assert.Equal(t, 2, s.Stats().Dropped[ReasonRolledBack])
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.CompactionVersionsDropped.WithLabelValues(ReasonRolledBack)))
}

func TestCommittedVersionsAreRolledForward(t *testing.T) {
	f := newFixture(t)
	a := f.begin()
	f.put(a, "q", "1")
	commit := f.commit(a)

	s := f.state()
	retained := f.mutate(s)
	require.Len(t, retained, 2)
	for _, c := range retained {
		assert.Equal(t, uint64(commit), c.CommitTS)
	}
	assert.Equal(t, 2, s.Stats().Resolved)

	for _, c := range f.history() {
		assert.Zero(t, c.CommitTS, "input must not be modified")
	}
}

func TestSupersededVersionsAreDropped(t *testing.T) {
	f := newFixture(t)
	a := f.begin()
	f.put(a, "q", "1")
	f.commit(a)
	b := f.begin()
	f.put(b, "q", "2")
	f.commit(b)

	s := f.state()
	retained := f.mutate(s)
	assert.Equal(t, []string{"marker@" + at(b), "q@" + at(b)}, shape(retained))
	assert.Equal(t, 1, s.Stats().Dropped[ReasonSuperseded])
	assert.Equal(t, 1, s.Stats().Dropped[ReasonRedundantMarker])
}

func TestFloorIsKeptForOpenSnapshots(t *testing.T) {
	f := newFixture(t)
	a := f.begin()
	f.put(a, "q", "1")
	f.commit(a)
	reader := f.begin()
	b := f.begin()
	f.put(b, "q", "2")
	f.commit(b)

	s := f.state()
	assert.Equal(t, reader.ID, s.Horizon())
	retained := f.mutate(s)
	assert.Equal(t, []string{
		"marker@" + at(b), "marker@" + at(a),
		"q@" + at(b), "q@" + at(a),
	}, shape(retained))
}

func TestPendingVersionsAreUntouched(t *testing.T) {
	f := newFixture(t)
	a := f.begin()
	f.put(a, "q", "1")
	f.commit(a)
	b := f.begin()
	f.put(b, "q", "2")

	retained := f.mutate(f.state())
	require.Len(t, retained, 4)
	assert.Equal(t, uint64(b.ID), retained[0].Timestamp)
	assert.Zero(t, retained[0].CommitTS)
	assert.NotZero(t, retained[1].CommitTS)
}

func TestRowTombstoneHidesOlderVersions(t *testing.T) {
	f := newFixture(t)
	a := f.begin()
	f.put(a, "q", "1")
	f.commit(a)
	b := f.begin()
	f.deleteRow(b)
	f.commit(b)

	s := f.state()
	assert.Empty(t, f.mutate(s))
	stats := s.Stats()
	assert.Equal(t, 1, stats.Dropped[ReasonBelowTombstone])
	assert.Equal(t, 1, stats.Dropped[ReasonRedundantMarker])
	assert.Equal(t, 1, stats.Dropped[ReasonRedundantTombstone])
}

func TestRowTombstoneKeptWhileNewerDataPending(t *testing.T) {
	f := newFixture(t)
	a := f.begin()
	f.put(a, "q", "1")
	f.commit(a)
	b := f.begin()
	f.deleteRow(b)
	f.commit(b)
	c := f.begin()
	f.put(c, "q", "3")

	retained := f.mutate(f.state())
	assert.Equal(t, []string{
		"marker@" + at(c), "marker@" + at(b), "q@" + at(c),
	}, shape(retained))
}

func TestDeletedColumnIsReclaimed(t *testing.T) {
	f := newFixture(t)
	a := f.begin()
	f.put(a, "p", "1")
	f.put(a, "q", "1")
	f.commit(a)
	b := f.begin()
	f.deleteColumn(b, "q")
	f.commit(b)

	s := f.state()
	retained := f.mutate(s)
	assert.Equal(t, []string{"marker@" + at(b), "p@" + at(a)}, shape(retained))
	assert.Equal(t, 1, s.Stats().Dropped[ReasonSuperseded])
	assert.Equal(t, 1, s.Stats().Dropped[ReasonRedundantTombstone])
}

func TestResetMarkerActsAsWatermark(t *testing.T) {
	f := newFixture(t)
	a := f.begin()
	f.put(a, "p", "1")
	f.commit(a)

	b := f.begin()
	reset := storage.MarkerCell([]byte("R"), uint64(b.ID), storage.KindRowAntiTombstone)
	reset.Value = []byte{0x01}
	require.NoError(t, f.cells.Put(reset, &storage.Cell{
		Row: []byte("R"), Family: []byte("f"), Qualifier: []byte("q"), Timestamp: uint64(b.ID), Kind: storage.KindPut, Value: []byte("2"),
	}))
	f.commit(b)

	retained := f.mutate(f.state())
	assert.Equal(t, []string{"marker@" + at(b), "q@" + at(b)}, shape(retained))
}

func TestUnknownWritersAreKept(t *testing.T) {
	f := newFixture(t)
	ghost := &txn.Txn{Record: txn.Record{ID: 5000}}
	f.put(ghost, "q", "1")

	retained := f.mutate(f.state())
	require.Len(t, retained, 2)
	for _, c := range retained {
		assert.Zero(t, c.CommitTS)
	}
}

func TestMutateIsIdempotent(t *testing.T) {
	f := newFixture(t)
	a := f.begin()
	f.put(a, "p", "1")
	f.put(a, "q", "1")
	f.commit(a)
	rolled := f.begin()
	f.put(rolled, "q", "x")
	require.NoError(t, f.txns.Rollback(f.ctx, rolled.ID))
	reader := f.begin()
	b := f.begin()
	f.deleteColumn(b, "p")
	f.commit(b)
	c := f.begin()
	f.deleteRow(c)
	f.commit(c)
	d := f.begin()
	f.put(d, "q", "4")

	s := f.state()
	assert.Equal(t, reader.ID, s.Horizon())
	once, err := s.Mutate(f.ctx, f.history())
	require.NoError(t, err)
	twice, err := s.Mutate(f.ctx, once)
	require.NoError(t, err)
	assert.Equal(t, once, twice)

	require.NoError(t, f.cells.Rewrite(f.history(), once))
	assert.Equal(t, once, f.history())
}

type brokenTxns struct {
	lineage error
	now     error
}

func (b brokenTxns) Lineage(context.Context, txn.Timestamp) (txn.Lineage, error) {
	return nil, b.lineage
}

func (b brokenTxns) ActiveTransactions(context.Context) ([]*txn.Record, error) {
	return nil, nil
}

func (b brokenTxns) CurrentTimestamp(context.Context) (txn.Timestamp, error) {
	return 100, b.now
}

func TestLookupFailure(t *testing.T) {
	ctx := context.Background()
	_, err := NewCompactionState(ctx, brokenTxns{now: txn.ErrCoordinationUnavailable}, nil)
	assert.ErrorIs(t, err, txn.ErrCoordinationUnavailable)

	s, err := NewCompactionState(ctx, brokenTxns{lineage: txn.ErrCoordinationUnavailable}, nil)
	require.NoError(t, err)
	_, err = s.Mutate(ctx, []*storage.Cell{storage.MarkerCell([]byte("R"), 7, storage.KindRowAntiTombstone)})
	assert.ErrorIs(t, err, txn.ErrCoordinationUnavailable)
}

func TestMutateRejectsMixedRows(t *testing.T) {
	s, err := NewCompactionState(context.Background(), brokenTxns{lineage: errors.New("unused")}, nil)
	require.NoError(t, err)
	_, err = s.Mutate(context.Background(), []*storage.Cell{
		{Row: []byte("a"), Family: []byte{}, Qualifier: []byte{}, Timestamp: 1, Kind: storage.KindRowAntiTombstone, CommitTS: 2},
		{Row: []byte("b"), Family: []byte{}, Qualifier: []byte{}, Timestamp: 1, Kind: storage.KindRowAntiTombstone, CommitTS: 2},
	})
	assert.Error(t, err)
}
