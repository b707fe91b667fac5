package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"

	"cabbageSI/util"
)

const (
	CellKeyPrefix byte = 0x06
)

type Kind byte

const (
	KindPut Kind = iota + 1
	// KindDeleteColumn hides the column as of its writer.
	KindDeleteColumn
	// KindRowTombstone lives in the marker column and hides the whole row.
	KindRowTombstone
	// KindRowAntiTombstone lives in the marker column and records that the row was written.
	KindRowAntiTombstone
)

func (k Kind) String() string {
	switch k {
	case KindPut:
		return "Put"
	case KindDeleteColumn:
		return "DeleteColumn"
	case KindRowTombstone:
		return "RowTombstone"
	case KindRowAntiTombstone:
		return "RowAntiTombstone"
	}
	return fmt.Sprintf("Kind(%d)", byte(k))
}

// Cell is one version of one column of one row. Timestamp is the id of the writing
// transaction; CommitTS is zero until the version has been resolved to the writer's
// effective commit timestamp.
type Cell struct {
	Row       []byte
	Family    []byte
	Qualifier []byte
	Timestamp uint64
	Kind      Kind
	Value     []byte
	CommitTS  uint64
}

// IsMarker reports whether the cell belongs to the row-level marker column, which has an
// empty family and qualifier and sorts before every user column of the row.
func (c *Cell) IsMarker() bool {
	return len(c.Family) == 0 && len(c.Qualifier) == 0
}

func (c *Cell) SameColumn(o *Cell) bool {
	return bytes.Equal(c.Row, o.Row) && bytes.Equal(c.Family, o.Family) && bytes.Equal(c.Qualifier, o.Qualifier)
}

func (c *Cell) Clone() *Cell {
	cp := *c
	cp.Row = append([]byte(nil), c.Row...)
	cp.Family = append([]byte(nil), c.Family...)
	cp.Qualifier = append([]byte(nil), c.Qualifier...)
	cp.Value = append([]byte(nil), c.Value...)
	return &cp
}

func (c *Cell) String() string {
	return fmt.Sprintf("%q/%s:%s@%d[%s commit=%d]", c.Row, c.Family, c.Qualifier, c.Timestamp, c.Kind, c.CommitTS)
}

// written alongside every row mutation
func MarkerCell(row []byte, ts uint64, kind Kind) *Cell {
	return &Cell{Row: row, Family: []byte{}, Qualifier: []byte{}, Timestamp: ts, Kind: kind}
}

func RowKeyPrefix(row []byte) []byte {
	return util.EncodeBytes([]byte{CellKeyPrefix}, row)
}

func ColumnKeyPrefix(row, family, qualifier []byte) []byte {
	key := RowKeyPrefix(row)
	key = util.EncodeBytes(key, family)
	return util.EncodeBytes(key, qualifier)
}

// EncodeCellKey lays out prefix|row|family|qualifier|^ts so that keys sort by row, then
// column, then timestamp descending.
func EncodeCellKey(c *Cell) []byte {
	return util.AppendDescUint64(ColumnKeyPrefix(c.Row, c.Family, c.Qualifier), c.Timestamp)
}

func DecodeCellKey(key []byte) (*Cell, error) {
	if len(key) == 0 || key[0] != CellKeyPrefix {
		return nil, errors.Errorf("not a cell key: %q", key)
	}
	rest, row, err := util.DecodeBytes(key[1:])
	if err != nil {
		return nil, errors.Wrap(err, "decode row")
	}
	rest, family, err := util.DecodeBytes(rest)
	if err != nil {
		return nil, errors.Wrap(err, "decode family")
	}
	rest, qualifier, err := util.DecodeBytes(rest)
	if err != nil {
		return nil, errors.Wrap(err, "decode qualifier")
	}
	rest, ts, err := util.DecodeDescUint64(rest)
	if err != nil {
		return nil, errors.Wrap(err, "decode timestamp")
	}
	if len(rest) != 0 {
		return nil, errors.Errorf("trailing bytes in cell key: %q", key)
	}
	return &Cell{Row: row, Family: family, Qualifier: qualifier, Timestamp: ts}, nil
}

const cellValueHeader = 1 + 8

// kind|commitTS|value
func EncodeCellValue(c *Cell) []byte {
	buf := make([]byte, cellValueHeader, cellValueHeader+len(c.Value))
	buf[0] = byte(c.Kind)
	binary.BigEndian.PutUint64(buf[1:cellValueHeader], c.CommitTS)
	return append(buf, c.Value...)
}

func DecodeCell(key, value []byte) (*Cell, error) {
	c, err := DecodeCellKey(key)
	if err != nil {
		return nil, err
	}
	if len(value) < cellValueHeader {
		return nil, errors.Errorf("cell value too short (%d bytes) for %s", len(value), c)
	}
	c.Kind = Kind(value[0])
	if c.Kind < KindPut || c.Kind > KindRowAntiTombstone {
		return nil, errors.Errorf("unknown cell kind %d for %s", value[0], c)
	}
	c.CommitTS = binary.BigEndian.Uint64(value[1:cellValueHeader])
	c.Value = append([]byte{}, value[cellValueHeader:]...)
	return c, nil
}
