package filter

import (
	"math"

	"cabbageSI/metrics"
	"cabbageSI/txn"
)

// SchemaSide selects which side of a DDL change a DDLFilter reads.
type SchemaSide int

const (
	// OldSchema sees data that took effect before the DDL transaction committed.
	OldSchema SchemaSide = iota
	// NewSchema sees data that took effect after it.
	NewSchema
)

func (s SchemaSide) String() string {
	if s == NewSchema {
		return "NEW_SCHEMA"
	}
	return "OLD_SCHEMA"
}

// NewDDLFilter is a TxnFilter further restricted to one side of the commit of ddl. Data
// takes effect at its effective commit timestamp, or at its writer's begin while uncommitted.
// Until ddl commits everything is on the old side.
func NewDDLFilter(reader *txn.Txn, ddl *txn.Txn, side SchemaSide, txns Resolver, predicate RowPredicate, m *metrics.Metrics) *TxnFilter {
	boundary := txn.Timestamp(math.MaxUint64)
	if ddl.State == txn.Committed {
		boundary = ddl.EffectiveCommitTS
		if boundary == 0 {
			boundary = ddl.CommitTS
		}
	}

	f := NewTxnFilter(reader, txns, predicate, m)
	f.admit = func(position txn.Timestamp) bool {
		if side == NewSchema {
			return position > boundary
		}
		return position < boundary
	}
	return f
}
