package conflict

import (
	"context"
	"testing"

	"github.com/pkg/errors"
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
	checker *Checker
	metrics *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	engine := storage.NewMemEngine()
	m := metrics.NewMetrics()
	txns := txn.NewStore(txn.NewEngineRecordStore(engine), oracle.NewBatchOracle(oracle.NewEngineCounter(engine), 100, nil), txn.Options{})
	cells := storage.NewStore(engine)
	return &fixture{
		t:       t,
		ctx:     context.Background(),
		txns:    txns,
		cells:   cells,
		checker: NewChecker(txns, cells, m),
		metrics: m,
	}
}

func (f *fixture) begin(parent txn.Timestamp) *txn.Txn {
	t, err := f.txns.BeginTransaction(f.ctx, parent, txn.SnapshotIsolation, false)
	require.NoError(f.t, err)
	return t
}

func (f *fixture) write(t *txn.Txn, row string) {
	require.NoError(f.t, f.txns.RecordWrite(f.ctx, t.ID, []byte(row)))
	require.NoError(f.t, f.cells.Put(storage.MarkerCell([]byte(row), uint64(t.ID), storage.KindRowAntiTombstone)))
}

func (f *fixture) conflicts(t *txn.Txn, row string) []txn.Timestamp {
	err := f.checker.Check(f.ctx, t, []byte(row))
	if err == nil {
		return nil
	}
	var wc *txn.WriteConflictError
	require.True(f.t, errors.As(err, &wc), "unexpected error %v", err)
	assert.ErrorIs(f.t, err, txn.ErrWriteConflict)
	return wc.Writers
}

func TestActiveWriterConflicts(t *testing.T) {
	f := newFixture(t)
	a := f.begin(0)
	b := f.begin(0)
	f.write(a, "R")

	assert.Equal(t, []txn.Timestamp{a.ID}, f.conflicts(b, "R"))
	assert.Nil(t, f.conflicts(b, "other"))
	assert.Nil(t, f.conflicts(a, "R"), "writing a row twice is not a conflict")
}

func TestFirstCommitterWins(t *testing.T) {
	f := newFixture(t)
	a := f.begin(0)
	b := f.begin(0)
	f.write(a, "R")
	_, err := f.txns.Commit(f.ctx, a.ID)
	require.NoError(t, err)

	assert.Equal(t, []txn.Timestamp{a.ID}, f.conflicts(b, "R"))

	c := f.begin(0)
	assert.Nil(t, f.conflicts(c, "R"), "a commit before begin is part of the snapshot")
}

func TestRolledBackWriterDoesNotConflict(t *testing.T) {
	f := newFixture(t)
	a := f.begin(0)
	b := f.begin(0)
	f.write(a, "R")
	require.NoError(t, f.txns.Rollback(f.ctx, a.ID))

	assert.Nil(t, f.conflicts(b, "R"))
}

func TestFamilyNeverConflicts(t *testing.T) {
	f := newFixture(t)
	parent := f.begin(0)
	f.write(parent, "R")
	child := f.begin(parent.ID)
	assert.Nil(t, f.conflicts(child, "R"), "ancestors")

	f.write(child, "S")
	sibling := f.begin(parent.ID)
	assert.Equal(t, []txn.Timestamp{child.ID}, f.conflicts(sibling, "S"))
}

func TestDescendantWriteBlocksAncestor(t *testing.T) {
	f := newFixture(t)
	root := f.begin(0)
	child := f.begin(root.ID)
	grandchild := f.begin(child.ID)
	f.write(grandchild, "R")

	assert.Equal(t, []txn.Timestamp{grandchild.ID}, f.conflicts(root, "R"), "active descendant")
	_, err := f.txns.Commit(f.ctx, grandchild.ID)
	require.NoError(t, err)
	assert.Equal(t, []txn.Timestamp{grandchild.ID}, f.conflicts(child, "R"), "committed descendant")

	other := f.begin(root.ID)
	f.write(other, "S")
	require.NoError(t, f.txns.Rollback(f.ctx, other.ID))
	assert.Nil(t, f.conflicts(root, "S"), "rolled back descendant")
}

func TestResolvedMarkers(t *testing.T) {
	f := newFixture(t)
	f.begin(0)
	f.begin(0)
	reader := f.begin(0)
	writer := uint64(reader.ID) - 2

	require.NoError(t, f.cells.Put(&storage.Cell{
		Row: []byte("R"), Family: []byte{}, Qualifier: []byte{},
		Timestamp: writer, Kind: storage.KindRowAntiTombstone, CommitTS: uint64(reader.ID) + 5,
	}))
	require.NoError(t, f.cells.Put(&storage.Cell{
		Row: []byte("S"), Family: []byte{}, Qualifier: []byte{},
		Timestamp: writer, Kind: storage.KindRowAntiTombstone, CommitTS: writer + 1,
	}))

	assert.Equal(t, []txn.Timestamp{txn.Timestamp(writer)}, f.conflicts(reader, "R"))
	assert.Nil(t, f.conflicts(reader, "S"))
}

func TestWriteSetWithoutMarker(t *testing.T) {
	f := newFixture(t)
	a := f.begin(0)
	b := f.begin(0)
	require.NoError(t, f.txns.RecordWrite(f.ctx, a.ID, []byte("R")))

	conflicting, err := f.checker.ConflictingWith(f.ctx, b, []byte("R"))
	require.NoError(t, err)
	assert.Equal(t, map[txn.Timestamp]struct{}{a.ID: {}}, conflicting)
}

func TestWritersAreSorted(t *testing.T) {
	f := newFixture(t)
	var writers []txn.Timestamp
	for i := 0; i < 4; i++ {
		w := f.begin(0)
		writers = append(writers, w.ID)
	}
	reader := f.begin(0)
	for i := len(writers) - 1; i >= 0; i-- {
		f.write(&txn.Txn{Record: txn.Record{ID: writers[i]}, Chain: []txn.Timestamp{writers[i]}}, "R")
	}
	assert.Equal(t, writers, f.conflicts(reader, "R"))
}

type brokenMarkers struct{}

func (brokenMarkers) Markers([]byte) ([]*storage.Cell, error) {
	return nil, errors.New("disk on fire")
}

func TestMarkerReadFailure(t *testing.T) {
	f := newFixture(t)
	checker := NewChecker(f.txns, brokenMarkers{}, nil)
	err := checker.Check(f.ctx, f.begin(0), []byte("R"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, txn.ErrWriteConflict)
}
