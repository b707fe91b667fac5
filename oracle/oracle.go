package oracle

//go:generate mockgen -source=oracle.go -destination=mock_oracle_test.go -package=oracle

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"cabbageSI/logger"
	"cabbageSI/metrics"
	"cabbageSI/storage"
	"cabbageSI/util"
)

// Timestamp orders every begin and commit in the system. A begin timestamp doubles as
// the transaction id. Zero is never issued.
type Timestamp uint64

var (
	// ErrCoordinationUnavailable is returned when the durable counter cannot be reached.
	// Callers retry with backoff; the oracle never substitutes a local guess.
	ErrCoordinationUnavailable = errors.New("coordination service unavailable")
	// ErrExhausted means the 64-bit id space is used up.
	ErrExhausted = errors.New("timestamp space exhausted")
)

// Counter is the coordination primitive behind the oracle. Reserve durably advances the
// high-water mark by n and returns the new mark hi; the caller owns (hi-n, hi].
type Counter interface {
	Reserve(ctx context.Context, n uint64) (uint64, error)
}

// strictly increasing
type Oracle interface {
	Next(ctx context.Context) (Timestamp, error)
}

const (
	CounterPrefix byte = 0x02

	DefaultBatchSize uint64 = 1000
)

// EngineCounter keeps the high-water mark under one engine key. Every process sharing the
// engine shares the counter.
type EngineCounter struct {
	mu     sync.Mutex
	engine storage.Engine
	key    []byte
}

func NewEngineCounter(engine storage.Engine) *EngineCounter {
	return &EngineCounter{
		engine: engine,
		key:    []byte{CounterPrefix},
	}
}

func (c *EngineCounter) Reserve(ctx context.Context, n uint64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	hi, err := c.current()
	if err != nil {
		return 0, err
	}
	if hi > math.MaxUint64-n {
		return 0, ErrExhausted
	}
	hi += n
	if err := c.engine.Set(c.key, util.BinaryToByte(hi)); err != nil {
		return 0, errors.Wrap(err, "persist high-water mark")
	}
	if err := c.engine.Flush(); err != nil {
		return 0, errors.Wrap(err, "flush high-water mark")
	}
	return hi, nil
}

func (c *EngineCounter) HighWater() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current()
}

func (c *EngineCounter) current() (uint64, error) {
	value, err := c.engine.Get(c.key)
	if err != nil {
		return 0, errors.Wrap(err, "read high-water mark")
	}
	var hi uint64
	if len(value) == 0 {
		return 0, nil
	}
	if err := util.ByteToInt(value, &hi); err != nil {
		return 0, errors.Wrap(err, "decode high-water mark")
	}
	return hi, nil
}

// BatchOracle serves timestamps from a leased batch (next, limit] and reserves a new batch
// from the Counter when it runs dry. A crash loses at most the unused tail of the batch.
type BatchOracle struct {
	mu        sync.Mutex
	counter   Counter
	batchSize uint64
	next      uint64
	limit     uint64

	// owner identifies this lease holder in logs.
	owner   string
	metrics *metrics.Metrics
}

func NewBatchOracle(counter Counter, batchSize uint64, m *metrics.Metrics) *BatchOracle {
	if batchSize == 0 {
		batchSize = DefaultBatchSize
	}
	return &BatchOracle{
		counter:   counter,
		batchSize: batchSize,
		owner:     uuid.NewString(),
		metrics:   m,
	}
}

func (o *BatchOracle) Next(ctx context.Context) (Timestamp, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.next >= o.limit {
		if err := o.refill(ctx); err != nil {
			return 0, err
		}
	}
	o.next++
	return Timestamp(o.next), nil
}

func (o *BatchOracle) refill(ctx context.Context) error {
	start := time.Now()
	hi, err := o.counter.Reserve(ctx, o.batchSize)
	o.metrics.RecordOracleRefill(err, time.Since(start))
	if err != nil {
		if errors.Is(err, ErrExhausted) {
			return err
		}
		return errors.Wrapf(ErrCoordinationUnavailable, "reserve %d timestamps: %v", o.batchSize, err)
	}
	if hi < o.batchSize || hi-o.batchSize < o.limit {
		return errors.Errorf("counter went backwards: reserved up to %d, already served up to %d", hi, o.limit)
	}
	o.next, o.limit = hi-o.batchSize, hi
	logger.Debugw("oracle: leased timestamp batch", "owner", o.owner, "from", o.next+1, "to", o.limit)
	return nil
}
