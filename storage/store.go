package storage

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"cabbageSI/bitcask"
	"cabbageSI/logger"
)

// Directive tells the scanner what to do with the cell it just handed to a hook.
type Directive int

const (
	Keep Directive = iota
	Skip
	SkipColumn
	SkipRow
	SeekTo
)

// CellHook is attached to a scan. Cell is called for every version in key order; when it
// returns SeekTo the returned hint is the first cell position to resume from.
type CellHook interface {
	StartRow(row []byte)
	Cell(ctx context.Context, c *Cell) (Directive, *Cell, error)
	EndRow(ctx context.Context, row *Row) (bool, error)
}

type Row struct {
	Key   []byte
	Cells []*Cell
}

// ScanRange selects rows with Start <= key < End. Nil bounds are open. Limit <= 0 means no limit.
type ScanRange struct {
	Start []byte
	End   []byte
	Limit int
}

// cells over an Engine, plus advisory row locks
type Store struct {
	engine Engine

	lockMu sync.Mutex
	locks  map[string]chan struct{}
}

func NewStore(engine Engine) *Store {
	return &Store{
		engine: engine,
		locks:  make(map[string]chan struct{}),
	}
}

func (s *Store) Engine() Engine {
	return s.engine
}

func (s *Store) Status() (*bitcask.Status, error) {
	return s.engine.Status()
}

// Callers writing several cells of one row hold its row lock.
func (s *Store) Put(cells ...*Cell) error {
	for _, c := range cells {
		if err := s.engine.Set(EncodeCellKey(c), EncodeCellValue(c)); err != nil {
			return errors.Wrapf(err, "put %s", c)
		}
	}
	return nil
}

func (s *Store) Delete(cells ...*Cell) error {
	for _, c := range cells {
		if err := s.engine.Delete(EncodeCellKey(c)); err != nil {
			return errors.Wrapf(err, "delete %s", c)
		}
	}
	return nil
}

// newest version first within each column
func (s *Store) Row(row []byte) ([]*Cell, error) {
	return s.scanCells(RowKeyPrefix(row))
}

func (s *Store) Column(row, family, qualifier []byte) ([]*Cell, error) {
	return s.scanCells(ColumnKeyPrefix(row, family, qualifier))
}

// Every writer of the row has a version in the marker column.
func (s *Store) Markers(row []byte) ([]*Cell, error) {
	return s.Column(row, nil, nil)
}

func (s *Store) scanCells(prefix []byte) ([]*Cell, error) {
	kvs, err := s.engine.ScanPrefix(prefix)
	if err != nil {
		return nil, errors.Wrap(err, "scan cells")
	}
	cells := make([]*Cell, 0, len(kvs))
	for _, kv := range kvs {
		c, err := DecodeCell(kv.Key, kv.Value)
		if err != nil {
			return nil, err
		}
		cells = append(cells, c)
	}
	return cells, nil
}

func rangeKeys(r ScanRange) ([]byte, []byte) {
	from := []byte{CellKeyPrefix}
	to := []byte{CellKeyPrefix + 1}
	if r.Start != nil {
		from = RowKeyPrefix(r.Start)
	}
	if r.End != nil {
		to = RowKeyPrefix(r.End)
	}
	return from, to
}

func (s *Store) RowKeys(r ScanRange) ([][]byte, error) {
	from, to := rangeKeys(r)
	kvs, err := s.engine.Scan(from, to)
	if err != nil {
		return nil, errors.Wrap(err, "scan row keys")
	}
	var rows [][]byte
	for _, kv := range kvs {
		c, err := DecodeCellKey(kv.Key)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 || !bytes.Equal(rows[len(rows)-1], c.Row) {
			rows = append(rows, c.Row)
		}
		if r.Limit > 0 && len(rows) == r.Limit {
			break
		}
	}
	return rows, nil
}

// Rewrite replaces the versions in original by retained: versions missing from retained are
// deleted, retained versions whose encoding changed are rewritten. Versions written after
// original was read are left alone.
func (s *Store) Rewrite(original, retained []*Cell) error {
	keep := make(map[string]*Cell, len(retained))
	for _, c := range retained {
		keep[string(EncodeCellKey(c))] = c
	}
	for _, c := range original {
		key := EncodeCellKey(c)
		r, ok := keep[string(key)]
		if !ok {
			if err := s.engine.Delete(key); err != nil {
				return errors.Wrapf(err, "drop %s", c)
			}
			continue
		}
		if !bytes.Equal(EncodeCellValue(r), EncodeCellValue(c)) {
			if err := s.engine.Set(key, EncodeCellValue(r)); err != nil {
				return errors.Wrapf(err, "rewrite %s", c)
			}
		}
	}
	return nil
}

// Scan walks the range, letting hook classify every version, and returns the rows hook
// accepted. Any hook error aborts the scan and no rows are returned.
func (s *Store) Scan(ctx context.Context, r ScanRange, hook CellHook) ([]*Row, error) {
	from, to := rangeKeys(r)
	kvs, err := s.engine.Scan(from, to)
	if err != nil {
		return nil, errors.Wrap(err, "scan range")
	}

	var (
		rows    []*Row
		current *Row
	)
	finish := func() error {
		if current == nil {
			return nil
		}
		ok, err := hook.EndRow(ctx, current)
		if err != nil {
			return err
		}
		if ok {
			rows = append(rows, current)
		}
		current = nil
		return nil
	}

	for i := 0; i < len(kvs); {
		c, err := DecodeCell(kvs[i].Key, kvs[i].Value)
		if err != nil {
			return nil, err
		}
		if current == nil || !bytes.Equal(current.Key, c.Row) {
			if err := finish(); err != nil {
				return nil, err
			}
			if r.Limit > 0 && len(rows) >= r.Limit {
				break
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			current = &Row{Key: c.Row}
			hook.StartRow(c.Row)
		}

		directive, hint, err := hook.Cell(ctx, c)
		if err != nil {
			return nil, err
		}
		switch directive {
		case Keep:
			current.Cells = append(current.Cells, c)
			i++
		case Skip:
			i++
		case SkipColumn:
			i = skipPrefix(kvs, i, ColumnKeyPrefix(c.Row, c.Family, c.Qualifier))
		case SkipRow:
			i = skipPrefix(kvs, i, RowKeyPrefix(c.Row))
		case SeekTo:
			i = seek(kvs, i, hint)
		default:
			return nil, errors.Errorf("unknown scan directive %d", directive)
		}
	}
	if err := finish(); err != nil {
		return nil, err
	}
	if r.Limit > 0 && len(rows) > r.Limit {
		rows = rows[:r.Limit]
	}
	return rows, nil
}

func skipPrefix(kvs []*bitcask.ByteMap, i int, prefix []byte) int {
	i++
	for i < len(kvs) && bytes.HasPrefix(kvs[i].Key, prefix) {
		i++
	}
	return i
}

// seek always makes progress: a hint at or before the current key behaves like Skip.
func seek(kvs []*bitcask.ByteMap, i int, hint *Cell) int {
	if hint == nil {
		return i + 1
	}
	target := EncodeCellKey(hint)
	rest := kvs[i+1:]
	return i + 1 + sort.Search(len(rest), func(j int) bool {
		return bytes.Compare(rest[j].Key, target) >= 0
	})
}

// TryLock takes the advisory lock of row, waiting at most wait for a current holder to
// release it. Locks are not reentrant: a holder calling TryLock again waits like anyone else.
func (s *Store) TryLock(ctx context.Context, row []byte, wait time.Duration) bool {
	key := string(row)
	deadline := time.Now().Add(wait)
	for {
		s.lockMu.Lock()
		released, held := s.locks[key]
		if !held {
			s.locks[key] = make(chan struct{})
			s.lockMu.Unlock()
			return true
		}
		s.lockMu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		timer := time.NewTimer(remaining)
		select {
		case <-released:
			timer.Stop()
		case <-timer.C:
			return false
		case <-ctx.Done():
			timer.Stop()
			return false
		}
	}
}

func (s *Store) Unlock(row []byte) {
	key := string(row)
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	released, held := s.locks[key]
	if !held {
		logger.Warnf("storage: unlock of row %q that is not locked", row)
		return
	}
	delete(s.locks, key)
	close(released)
}
