package txn

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cabbageSI/bitcask"
)

func TestEngineRecordStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "txn")
	bc, err := bitcask.NewBitCask(path)
	require.NoError(t, err)
	s := NewEngineRecordStore(bc)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, &Record{ID: 3, State: Active, BeginTS: 3, Namespace: "ns"}))
	require.NoError(t, s.Create(ctx, &Record{ID: 1, State: Active, BeginTS: 1}))
	assert.Error(t, s.Create(ctx, &Record{ID: 3, State: Active}), "ids are never reused")

	active, err := s.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Timestamp{1, 3}, active)

	_, err = s.Update(ctx, 1, func(r *Record) error {
		r.State = Committed
		r.CommitTS = 4
		return nil
	})
	require.NoError(t, err)

	_, err = s.Update(ctx, 3, func(r *Record) error { return errNoop })
	assert.ErrorIs(t, err, errNoop)

	require.NoError(t, s.AddWrite(ctx, 3, []byte("a")))
	require.NoError(t, s.AddWrite(ctx, 3, []byte("b")))
	require.NoError(t, bc.Close())

	bc, err = bitcask.NewBitCask(path)
	require.NoError(t, err)
	defer bc.Close()
	s = NewEngineRecordStore(bc)

	got, err := s.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, Committed, got.State)
	assert.Equal(t, Timestamp(4), got.CommitTS)

	got, err = s.Get(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, "ns", got.Namespace)

	active, err = s.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Timestamp{3}, active)

	finished, err := s.Finished(ctx)
	require.NoError(t, err)
	require.Len(t, finished, 1)
	assert.Equal(t, Timestamp(1), finished[0].ID)

	wrote, err := s.HasWrite(ctx, 3, []byte("a"))
	require.NoError(t, err)
	assert.True(t, wrote)
	require.NoError(t, s.ClearWrites(ctx, 3))
	wrote, err = s.HasWrite(ctx, 3, []byte("a"))
	require.NoError(t, err)
	assert.False(t, wrote)

	require.NoError(t, s.Delete(ctx, 1))
	_, err = s.Get(ctx, 1)
	assert.True(t, errors.Is(err, ErrTransactionNotFound))
}
