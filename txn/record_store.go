package txn

//go:generate mockgen -source=record_store.go -destination=mock_record_store_test.go -package=txn

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"cabbageSI/storage"
	"cabbageSI/util"
)

// RecordStore is the durable keyed record store shared by every node of a deployment.
// Update is an atomic read-modify-write: fn sees the current record and its changes are
// persisted only if fn returns nil.
type RecordStore interface {
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id Timestamp) (*Record, error)
	Update(ctx context.Context, id Timestamp, fn func(*Record) error) (*Record, error)
	Delete(ctx context.Context, id Timestamp) error
	// Active lists the ids of transactions whose record is ACTIVE, oldest first.
	Active(ctx context.Context) ([]Timestamp, error)
	// Finished lists terminal records.
	Finished(ctx context.Context) ([]*Record, error)

	// AddWrite remembers that the transaction wrote row; HasWrite answers it until ClearWrites.
	AddWrite(ctx context.Context, id Timestamp, row []byte) error
	HasWrite(ctx context.Context, id Timestamp, row []byte) (bool, error)
	ClearWrites(ctx context.Context, id Timestamp) error
}

const (
	TxnKeyPrefix    byte = 0x03
	TxnRecordPrefix byte = 0x01
	TxnActivePrefix byte = 0x02
	TxnWritePrefix  byte = 0x03
)

type txnRecordKey struct {
	ID Timestamp
}

func (k *txnRecordKey) Encode() []byte {
	return append([]byte{TxnKeyPrefix, TxnRecordPrefix}, util.BinaryToByte(uint64(k.ID))...)
}

// txnActiveKey exists while the transaction is ACTIVE, so the active set is a prefix scan.
type txnActiveKey struct {
	ID Timestamp
}

func (k *txnActiveKey) Encode() []byte {
	return append([]byte{TxnKeyPrefix, TxnActivePrefix}, util.BinaryToByte(uint64(k.ID))...)
}

type txnWriteKey struct {
	ID  Timestamp
	Row []byte
}

func (k *txnWriteKey) Encode() []byte {
	return util.BufferAppend([]byte{TxnKeyPrefix, TxnWritePrefix}, util.BinaryToByte(uint64(k.ID)), k.Row)
}

func decodeID(key []byte) (Timestamp, error) {
	var id uint64
	if len(key) < 10 {
		return 0, errors.Errorf("short txn key %q", key)
	}
	if err := util.ByteToInt(key[2:10], &id); err != nil {
		return 0, errors.Wrap(err, "decode txn id")
	}
	return Timestamp(id), nil
}

// EngineRecordStore keeps records gob encoded in a storage.Engine.
type EngineRecordStore struct {
	mu     sync.Mutex
	engine storage.Engine
}

var _ RecordStore = (*EngineRecordStore)(nil)

func NewEngineRecordStore(engine storage.Engine) *EngineRecordStore {
	return &EngineRecordStore{engine: engine}
}

func (s *EngineRecordStore) Create(ctx context.Context, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.engine.Get((&txnRecordKey{ID: rec.ID}).Encode())
	if err != nil {
		return errors.Wrapf(err, "create txn %d", rec.ID)
	}
	if existing != nil {
		return errors.Errorf("txn %d already exists", rec.ID)
	}
	return s.put(rec)
}

func (s *EngineRecordStore) put(rec *Record) error {
	value, err := util.GobEncode(rec)
	if err != nil {
		return err
	}
	if err := s.engine.Set((&txnRecordKey{ID: rec.ID}).Encode(), value); err != nil {
		return errors.Wrapf(err, "write txn %d", rec.ID)
	}
	active := (&txnActiveKey{ID: rec.ID}).Encode()
	if rec.State == Active {
		err = s.engine.Set(active, []byte{})
	} else {
		err = s.engine.Delete(active)
	}
	if err != nil {
		return errors.Wrapf(err, "write active marker of txn %d", rec.ID)
	}
	return s.engine.Flush()
}

func (s *EngineRecordStore) Get(ctx context.Context, id Timestamp) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.get(id)
}

func (s *EngineRecordStore) get(id Timestamp) (*Record, error) {
	value, err := s.engine.Get((&txnRecordKey{ID: id}).Encode())
	if err != nil {
		return nil, errors.Wrapf(err, "read txn %d", id)
	}
	if value == nil {
		return nil, notFound(id)
	}
	rec := &Record{}
	if err := util.GobDecode(value, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *EngineRecordStore) Update(ctx context.Context, id Timestamp, fn func(*Record) error) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.get(id)
	if err != nil {
		return nil, err
	}
	if err := fn(rec); err != nil {
		return nil, err
	}
	if rec.ID != id {
		return nil, errors.Errorf("update may not change the id of txn %d", id)
	}
	if err := s.put(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *EngineRecordStore) Delete(ctx context.Context, id Timestamp) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.engine.Delete((&txnActiveKey{ID: id}).Encode()); err != nil {
		return errors.Wrapf(err, "delete active marker of txn %d", id)
	}
	if err := s.engine.Delete((&txnRecordKey{ID: id}).Encode()); err != nil {
		return errors.Wrapf(err, "delete txn %d", id)
	}
	return nil
}

func (s *EngineRecordStore) Active(ctx context.Context) ([]Timestamp, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	kvs, err := s.engine.ScanPrefix([]byte{TxnKeyPrefix, TxnActivePrefix})
	if err != nil {
		return nil, errors.Wrap(err, "scan active txns")
	}
	ids := make([]Timestamp, 0, len(kvs))
	for _, kv := range kvs {
		id, err := decodeID(kv.Key)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *EngineRecordStore) Finished(ctx context.Context) ([]*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	kvs, err := s.engine.ScanPrefix([]byte{TxnKeyPrefix, TxnRecordPrefix})
	if err != nil {
		return nil, errors.Wrap(err, "scan txn records")
	}
	var finished []*Record
	for _, kv := range kvs {
		rec := &Record{}
		if err := util.GobDecode(kv.Value, rec); err != nil {
			return nil, err
		}
		if rec.State.Terminal() {
			finished = append(finished, rec)
		}
	}
	return finished, nil
}

func (s *EngineRecordStore) AddWrite(ctx context.Context, id Timestamp, row []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.engine.Set((&txnWriteKey{ID: id, Row: row}).Encode(), []byte{}); err != nil {
		return errors.Wrapf(err, "record write of txn %d", id)
	}
	return nil
}

func (s *EngineRecordStore) HasWrite(ctx context.Context, id Timestamp, row []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	value, err := s.engine.Get((&txnWriteKey{ID: id, Row: row}).Encode())
	if err != nil {
		return false, errors.Wrapf(err, "read write set of txn %d", id)
	}
	return value != nil, nil
}

func (s *EngineRecordStore) ClearWrites(ctx context.Context, id Timestamp) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	prefix := util.BufferAppend([]byte{TxnKeyPrefix, TxnWritePrefix}, util.BinaryToByte(uint64(id)))
	kvs, err := s.engine.ScanPrefix(prefix)
	if err != nil {
		return errors.Wrapf(err, "scan write set of txn %d", id)
	}
	for _, kv := range kvs {
		if err := s.engine.Delete(kv.Key); err != nil {
			return errors.Wrapf(err, "clear write set of txn %d", id)
		}
	}
	return nil
}
