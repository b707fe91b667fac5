package bitcask

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/btree"
	"github.com/pkg/errors"

	"cabbageSI/logger"
	"cabbageSI/util"
)

// ErrLocked is returned when another handle holds the log file.
var ErrLocked = errors.New("file is already locked")

// Pos is the offset in the file, Len the value length
type ValueOffset struct {
	Pos uint64
	Len uint32
}

// ByteItem is one keydir entry: Key -> (ValuePos, ValueLen).
type ByteItem struct {
	Key   []byte
	Value *ValueOffset
}

type ByteMap struct {
	Key   []byte
	Value []byte
}

func (bi *ByteItem) Less(than btree.Item) bool {
	other := than.(*ByteItem)
	return bytes.Compare(bi.Key, other.Key) < 0
}

const entryHeaderLen = 4 + 4

// append-only data file
type Log struct {
	Path string
	File *os.File
	size int64
}

// NewLog opens the log file at path, creating it if needed. The file is held under an exclusive
// lock until closed; an error is returned if another process holds it.
func NewLog(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return nil, errors.Wrap(err, "create data directory")
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		return nil, errors.Wrap(err, "open log file")
	}

	if err = lockExclusive(file); err != nil {
		_ = file.Close()
		return nil, errors.Wrapf(err, "lock %s", path)
	}

	return &Log{Path: path, File: file}, nil
}

// buildKeyDir scans the log and rebuilds the keydir. A torn entry at the tail (incomplete
// write) is truncated away; any other read error is returned.
func (log *Log) buildKeyDir() (*btree.BTree, error) {
	keyDir := btree.New(8)

	info, err := log.File.Stat()
	if err != nil {
		return nil, err
	}
	fileLen := info.Size()

	reader := bufio.NewReader(io.NewSectionReader(log.File, 0, fileLen))
	header := make([]byte, entryHeaderLen)
	pos := int64(0)

	truncate := func() (*btree.BTree, error) {
		logger.Warnf("bitcask: truncating torn entry in %s at offset %d", log.Path, pos)
		if err := log.File.Truncate(pos); err != nil {
			return nil, err
		}
		log.size = pos
		return keyDir, nil
	}

	for pos < fileLen {
		if _, err = io.ReadFull(reader, header); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return truncate()
			}
			return nil, err
		}
		keyLen := binary.BigEndian.Uint32(header[:4])
		valueLenOrTombstone := int32(binary.BigEndian.Uint32(header[4:]))

		key := make([]byte, keyLen)
		if _, err = io.ReadFull(reader, key); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return truncate()
			}
			return nil, err
		}
		valuePos := pos + entryHeaderLen + int64(keyLen)

		if valueLenOrTombstone < 0 {
			keyDir.Delete(&ByteItem{Key: key})
			pos = valuePos
			continue
		}

		if valuePos+int64(valueLenOrTombstone) > fileLen {
			return truncate()
		}
		if _, err = reader.Discard(int(valueLenOrTombstone)); err != nil {
			return nil, err
		}
		keyDir.ReplaceOrInsert(&ByteItem{
			Key:   key,
			Value: &ValueOffset{Pos: uint64(valuePos), Len: uint32(valueLenOrTombstone)},
		})
		pos = valuePos + int64(valueLenOrTombstone)
	}

	log.size = pos
	return keyDir, nil
}

// ReadAt keeps concurrent readers independent
func (log *Log) ReadValue(valuePos uint64, valueLen uint32) ([]byte, error) {
	buffer := make([]byte, valueLen)
	if valueLen == 0 {
		return buffer, nil
	}
	if _, err := log.File.ReadAt(buffer, int64(valuePos)); err != nil {
		return nil, errors.Wrapf(err, "read value at %d", valuePos)
	}
	return buffer, nil
}

// writeEntry appends key/value to the log; a nil value is a tombstone. It returns the
// position of the value and the entry length.
func (log *Log) writeEntry(key, value []byte) (uint64, uint32, error) {
	keyLen := uint32(len(key))
	valueLen := uint32(len(value))
	valueLenOrTombstone := int32(-1)
	if value != nil {
		valueLenOrTombstone = int32(valueLen)
	}

	buf := make([]byte, entryHeaderLen, entryHeaderLen+int(keyLen)+int(valueLen))
	binary.BigEndian.PutUint32(buf[:4], keyLen)
	binary.BigEndian.PutUint32(buf[4:], uint32(valueLenOrTombstone))
	buf = append(buf, key...)
	buf = append(buf, value...)

	pos := log.size
	if _, err := log.File.WriteAt(buf, pos); err != nil {
		return 0, 0, errors.Wrap(err, "append log entry")
	}
	log.size += int64(len(buf))

	return uint64(pos) + entryHeaderLen + uint64(keyLen), uint32(len(buf)), nil
}

// BitCask writes key/value pairs to an append-only log and keeps Key -> (ValuePos, ValueLen)
// in memory. Deletes append a tombstone entry.
type BitCask struct {
	mu     sync.RWMutex
	Log    *Log
	KeyDir *btree.BTree
	// SyncWrites fsyncs after every mutation.
	SyncWrites bool
}

// NewCompact opens a BitCask and compacts it when the garbage ratio reaches the threshold.
func NewCompact(path string, garbageRatioThreshold float64) (*BitCask, error) {
	bitCask, err := NewBitCask(path)
	if err != nil {
		return nil, err
	}
	status, err := bitCask.Status()
	if err != nil {
		return nil, err
	}
	if status.TotalDiskSize == 0 {
		return bitCask, nil
	}
	garbageRatio := float64(status.GarbageDiskSize) / float64(status.TotalDiskSize)
	if status.GarbageDiskSize > 0 && garbageRatio >= garbageRatioThreshold {
		logger.Infof("bitcask: compacting %s, garbage ratio %.2f", path, garbageRatio)
		if err := bitCask.Compact(); err != nil {
			return nil, err
		}
	}
	return bitCask, nil
}

// NewBitCask opens or creates a BitCask, truncating a torn tail entry.
func NewBitCask(path string) (*BitCask, error) {
	log, err := NewLog(path)
	if err != nil {
		return nil, err
	}

	keyDir, err := log.buildKeyDir()
	if err != nil {
		_ = log.File.Close()
		return nil, errors.Wrapf(err, "build keydir of %s", path)
	}
	return &BitCask{Log: log, KeyDir: keyDir}, nil
}

// Compact rewrites the live entries into a fresh file and swaps it in.
func (bitCask *BitCask) Compact() error {
	bitCask.mu.Lock()
	defer bitCask.mu.Unlock()

	tmpPath := bitCask.Log.Path + ".compact"
	_ = os.Remove(tmpPath)
	tmpLog, err := NewLog(tmpPath)
	if err != nil {
		return err
	}

	newKeyDir := btree.New(8)
	var copyErr error
	bitCask.KeyDir.Ascend(func(i btree.Item) bool {
		item := i.(*ByteItem)
		value, err := bitCask.Log.ReadValue(item.Value.Pos, item.Value.Len)
		if err != nil {
			copyErr = err
			return false
		}
		pos, _, err := tmpLog.writeEntry(item.Key, value)
		if err != nil {
			copyErr = err
			return false
		}
		newKeyDir.ReplaceOrInsert(&ByteItem{Key: item.Key, Value: &ValueOffset{Pos: pos, Len: item.Value.Len}})
		return true
	})
	if copyErr != nil {
		_ = tmpLog.File.Close()
		_ = os.Remove(tmpPath)
		return errors.Wrap(copyErr, "copy live entries")
	}
	if err := tmpLog.File.Sync(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, bitCask.Log.Path); err != nil {
		return errors.Wrap(err, "swap compacted log")
	}
	_ = bitCask.Log.File.Close()

	tmpLog.Path = bitCask.Log.Path
	bitCask.Log = tmpLog
	bitCask.KeyDir = newKeyDir
	return nil
}

func (bitCask *BitCask) Set(key, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	bitCask.mu.Lock()
	defer bitCask.mu.Unlock()

	valuePos, _, err := bitCask.Log.writeEntry(key, value)
	if err != nil {
		return err
	}
	bitCask.KeyDir.ReplaceOrInsert(&ByteItem{
		Key:   append([]byte(nil), key...),
		Value: &ValueOffset{Pos: valuePos, Len: uint32(len(value))},
	})
	return bitCask.maybeSync()
}

// nil when absent
func (bitCask *BitCask) Get(key []byte) ([]byte, error) {
	bitCask.mu.RLock()
	defer bitCask.mu.RUnlock()

	found := bitCask.KeyDir.Get(&ByteItem{Key: key})
	if found == nil {
		return nil, nil
	}
	byteItem := found.(*ByteItem)
	return bitCask.Log.ReadValue(byteItem.Value.Pos, byteItem.Value.Len)
}

func (bitCask *BitCask) Delete(key []byte) error {
	bitCask.mu.Lock()
	defer bitCask.mu.Unlock()

	if bitCask.KeyDir.Delete(&ByteItem{Key: key}) == nil {
		return nil
	}
	if _, _, err := bitCask.Log.writeEntry(key, nil); err != nil {
		return err
	}
	return bitCask.maybeSync()
}

// Scan returns the pairs with from <= key < to in key order. A nil to scans to the end.
func (bitCask *BitCask) Scan(from, to []byte) ([]*ByteMap, error) {
	bitCask.mu.RLock()
	defer bitCask.mu.RUnlock()

	byteMapList := []*ByteMap{}
	var readErr error
	visit := func(i btree.Item) bool {
		item := i.(*ByteItem)
		value, err := bitCask.Log.ReadValue(item.Value.Pos, item.Value.Len)
		if err != nil {
			readErr = err
			return false
		}
		byteMapList = append(byteMapList, &ByteMap{Key: item.Key, Value: value})
		return true
	}

	if to == nil {
		bitCask.KeyDir.AscendGreaterOrEqual(&ByteItem{Key: from}, visit)
	} else {
		bitCask.KeyDir.AscendRange(&ByteItem{Key: from}, &ByteItem{Key: to}, visit)
	}
	return byteMapList, readErr
}

func (bitCask *BitCask) ScanPrefix(prefix []byte) ([]*ByteMap, error) {
	return bitCask.Scan(prefix, util.PrefixEnd(prefix))
}


func (bitCask *BitCask) Status() (*Status, error) {
	bitCask.mu.RLock()
	defer bitCask.mu.RUnlock()

	keys := uint64(bitCask.KeyDir.Len())
	size := uint64(0)
	bitCask.KeyDir.Ascend(func(i btree.Item) bool {
		item := i.(*ByteItem)
		size += uint64(len(item.Key)) + uint64(item.Value.Len)
		return true
	})
	totalDiskSize := uint64(bitCask.Log.size)
	liveDiskSize := size + entryHeaderLen*keys
	garbageDiskSize := uint64(0)
	if totalDiskSize > liveDiskSize {
		garbageDiskSize = totalDiskSize - liveDiskSize
	}
	return &Status{
		Name:            "bitcask",
		Keys:            keys,
		Size:            size,
		TotalDiskSize:   totalDiskSize,
		GarbageDiskSize: garbageDiskSize,
		LiveDiskSize:    liveDiskSize,
		FileName:        bitCask.FileName(),
	}, nil
}

func (bitCask *BitCask) maybeSync() error {
	if !bitCask.SyncWrites {
		return nil
	}
	return bitCask.Log.File.Sync()
}

func (bitCask *BitCask) Flush() error {
	bitCask.mu.Lock()
	defer bitCask.mu.Unlock()
	return bitCask.Log.File.Sync()
}

func (bitCask *BitCask) Close() error {
	bitCask.mu.Lock()
	defer bitCask.mu.Unlock()
	if err := bitCask.Log.File.Sync(); err != nil {
		return err
	}
	return bitCask.Log.File.Close()
}

func (bitCask *BitCask) FileName() string {
	path, err := filepath.Abs(bitCask.Log.Path)
	if err != nil {
		return bitCask.Log.Path
	}
	return path
}

func (bitCask *BitCask) String() string {
	return fmt.Sprintf("bitcask(%s)", bitCask.Log.Path)
}
