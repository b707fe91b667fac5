package storage

import (
	"bytes"
	"context"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cabbageSI/bitcask"
)

func put(row, fam, qual string, ts uint64, value string) *Cell {
	return &Cell{Row: []byte(row), Family: []byte(fam), Qualifier: []byte(qual), Timestamp: ts, Kind: KindPut, Value: []byte(value)}
}

func TestCellKeyOrdering(t *testing.T) {
	cells := []*Cell{
		put("r2", "f", "a", 5, ""),
		put("r1", "f", "b", 9, ""),
		put("r1", "f", "a", 3, ""),
		MarkerCell([]byte("r1"), 3, KindRowAntiTombstone),
		put("r1", "f", "a", 7, ""),
		put("r1", "g", "a", 1, ""),
	}
	sort.Slice(cells, func(i, j int) bool {
		return bytes.Compare(EncodeCellKey(cells[i]), EncodeCellKey(cells[j])) < 0
	})

	got := []string{}
	for _, c := range cells {
		got = append(got, c.String())
	}
	assert.Equal(t, []string{
		`"r1"/:@3[RowAntiTombstone commit=0]`,
		`"r1"/f:a@7[Put commit=0]`,
		`"r1"/f:a@3[Put commit=0]`,
		`"r1"/f:b@9[Put commit=0]`,
		`"r1"/g:a@1[Put commit=0]`,
		`"r2"/f:a@5[Put commit=0]`,
	}, got)
}

func TestCellRoundTrip(t *testing.T) {
	in := put("row", "fam", "qual", 42, "value")
	in.CommitTS = 43
	out, err := DecodeCell(EncodeCellKey(in), EncodeCellValue(in))
	require.NoError(t, err)
	assert.Equal(t, in.String(), out.String())
	assert.Equal(t, in.Value, out.Value)

	_, err = DecodeCell(EncodeCellKey(in), []byte{1})
	assert.Error(t, err)
	_, err = DecodeCell(EncodeCellKey(in), append([]byte{99}, make([]byte, 8)...))
	assert.Error(t, err)
	_, err = DecodeCellKey([]byte{0x01, 0x02})
	assert.Error(t, err)
}

type scriptedHook struct {
	decide func(c *Cell) (Directive, *Cell)
	accept func(r *Row) bool
	rows   [][]byte
}

func (h *scriptedHook) StartRow(row []byte) { h.rows = append(h.rows, row) }

func (h *scriptedHook) Cell(_ context.Context, c *Cell) (Directive, *Cell, error) {
	d, hint := h.decide(c)
	return d, hint, nil
}

func (h *scriptedHook) EndRow(_ context.Context, r *Row) (bool, error) {
	if h.accept == nil {
		return len(r.Cells) > 0, nil
	}
	return h.accept(r), nil
}

func seededStore(t *testing.T) *Store {
	s := NewStore(NewMemEngine())
	require.NoError(t, s.Put(
		put("a", "f", "x", 3, "a-x-3"),
		put("a", "f", "x", 2, "a-x-2"),
		put("a", "f", "x", 1, "a-x-1"),
		put("a", "f", "y", 2, "a-y-2"),
		put("b", "f", "x", 4, "b-x-4"),
		put("b", "f", "y", 4, "b-y-4"),
		put("c", "f", "x", 1, "c-x-1"),
	))
	return s
}

func values(rows []*Row) []string {
	out := []string{}
	for _, r := range rows {
		for _, c := range r.Cells {
			out = append(out, string(c.Value))
		}
	}
	return out
}

func TestScanDirectives(t *testing.T) {
	tests := []struct {
		name   string
		decide func(c *Cell) (Directive, *Cell)
		want   []string
	}{
		{
			name:   "keep everything",
			decide: func(c *Cell) (Directive, *Cell) { return Keep, nil },
			want:   []string{"a-x-3", "a-x-2", "a-x-1", "a-y-2", "b-x-4", "b-y-4", "c-x-1"},
		},
		{
			name: "skip every column",
			decide: func(c *Cell) (Directive, *Cell) {
				return SkipColumn, nil
			},
			want: []string{},
		},
		{
			name: "skip row b",
			decide: func(c *Cell) (Directive, *Cell) {
				if string(c.Row) == "b" {
					return SkipRow, nil
				}
				return Keep, nil
			},
			want: []string{"a-x-3", "a-x-2", "a-x-1", "a-y-2", "c-x-1"},
		},
		{
			name: "seek below ts 2",
			decide: func(c *Cell) (Directive, *Cell) {
				if string(c.Row) == "a" && string(c.Qualifier) == "x" && c.Timestamp == 3 {
					hint := *c
					hint.Timestamp = 1
					return SeekTo, &hint
				}
				return Keep, nil
			},
			want: []string{"a-x-1", "a-y-2", "b-x-4", "b-y-4", "c-x-1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := seededStore(t)
			hook := &scriptedHook{decide: tt.decide}
			rows, err := s.Scan(context.Background(), ScanRange{}, hook)
			require.NoError(t, err)
			assert.Equal(t, tt.want, values(rows))
			assert.Len(t, hook.rows, 3)
		})
	}
}

func TestScanRangeAndLimit(t *testing.T) {
	s := seededStore(t)
	keep := &scriptedHook{decide: func(c *Cell) (Directive, *Cell) { return Keep, nil }}

	rows, err := s.Scan(context.Background(), ScanRange{Start: []byte("b"), End: []byte("c")}, keep)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, []byte("b"), rows[0].Key)

	rows, err = s.Scan(context.Background(), ScanRange{Limit: 2}, keep)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	keys, err := s.RowKeys(ScanRange{})
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, keys)
}

func TestScanStopsOnCancelledContext(t *testing.T) {
	s := seededStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Scan(ctx, ScanRange{}, &scriptedHook{decide: func(c *Cell) (Directive, *Cell) { return Keep, nil }})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRewrite(t *testing.T) {
	s := seededStore(t)
	original, err := s.Column([]byte("a"), []byte("f"), []byte("x"))
	require.NoError(t, err)
	require.Len(t, original, 3)

	resolved := original[0].Clone()
	resolved.CommitTS = 30
	require.NoError(t, s.Rewrite(original, []*Cell{resolved}))

	after, err := s.Column([]byte("a"), []byte("f"), []byte("x"))
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, uint64(30), after[0].CommitTS)
	assert.Equal(t, uint64(3), after[0].Timestamp)
}

func TestRowLocks(t *testing.T) {
	s := NewStore(NewMemEngine())
	ctx := context.Background()
	row := []byte("r")

	require.True(t, s.TryLock(ctx, row, 0))
	assert.False(t, s.TryLock(ctx, row, 10*time.Millisecond), "locks are not reentrant")
	assert.True(t, s.TryLock(ctx, []byte("other"), 0))

	go func() {
		time.Sleep(20 * time.Millisecond)
		s.Unlock(row)
	}()
	assert.True(t, s.TryLock(ctx, row, time.Second))
	s.Unlock(row)

	cancelled, cancel := context.WithCancel(ctx)
	require.True(t, s.TryLock(ctx, row, 0))
	cancel()
	assert.False(t, s.TryLock(cancelled, row, time.Second))
	s.Unlock(row)
	s.Unlock(row)
}

func TestStoreOverBitcask(t *testing.T) {
	bc, err := bitcask.NewBitCask(filepath.Join(t.TempDir(), "cells"))
	require.NoError(t, err)
	defer bc.Close()

	s := NewStore(bc)
	require.NoError(t, s.Put(put("r", "f", "q", 1, "v1"), MarkerCell([]byte("r"), 1, KindRowAntiTombstone)))

	cells, err := s.Row([]byte("r"))
	require.NoError(t, err)
	require.Len(t, cells, 2)
	assert.True(t, cells[0].IsMarker())
	assert.Equal(t, "v1", string(cells[1].Value))

	markers, err := s.Markers([]byte("r"))
	require.NoError(t, err)
	assert.Len(t, markers, 1)
}
