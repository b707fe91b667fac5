package txn

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"cabbageSI/oracle"
)

type Timestamp = oracle.Timestamp

type State int

const (
	Active State = iota + 1
	Committed
	RolledBack
)

func (s State) String() string {
	switch s {
	case Active:
		return "ACTIVE"
	case Committed:
		return "COMMITTED"
	case RolledBack:
		return "ROLLED_BACK"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) Terminal() bool {
	return s == Committed || s == RolledBack
}

type IsolationLevel int

const (
	// SnapshotIsolation sees data committed before the root transaction began.
	SnapshotIsolation IsolationLevel = iota
	// ReadCommitted sees any effectively committed data.
	ReadCommitted
	// ReadUncommitted sees everything that has not been rolled back.
	ReadUncommitted
)

func (l IsolationLevel) String() string {
	switch l {
	case SnapshotIsolation:
		return "SNAPSHOT_ISOLATION"
	case ReadCommitted:
		return "READ_COMMITTED"
	case ReadUncommitted:
		return "READ_UNCOMMITTED"
	}
	return fmt.Sprintf("IsolationLevel(%d)", int(l))
}

func ParseIsolationLevel(s string) (IsolationLevel, error) {
	switch strings.ToUpper(strings.ReplaceAll(s, "-", "_")) {
	case "", "SI", "SNAPSHOT", "SNAPSHOT_ISOLATION":
		return SnapshotIsolation, nil
	case "RC", "READ_COMMITTED":
		return ReadCommitted, nil
	case "RU", "READ_UNCOMMITTED":
		return ReadUncommitted, nil
	}
	return 0, errors.Errorf("unknown isolation level %q", s)
}

// who rolled a transaction back
type Cause int

const (
	CauseNone Cause = iota
	CauseClient
	CauseTimeout
	CauseParent
	CauseRollbackOnly
)

func (c Cause) String() string {
	switch c {
	case CauseNone:
		return "none"
	case CauseClient:
		return "client"
	case CauseTimeout:
		return "timeout"
	case CauseParent:
		return "parent"
	case CauseRollbackOnly:
		return "rollback_only"
	}
	return fmt.Sprintf("Cause(%d)", int(c))
}

// Record is the durable state of one transaction.
type Record struct {
	ID       Timestamp
	ParentID Timestamp
	State    State
	BeginTS  Timestamp
	CommitTS Timestamp
	// EffectiveCommitTS is set on top-level transactions only; a child becomes visible
	// outside its tree when its root commits.
	EffectiveCommitTS Timestamp
	Isolation         IsolationLevel
	ReadOnly          bool
	RollbackOnly      bool
	RollbackCause     Cause
	Namespace         string
	// LastKeepAlive and FinishedAt are unix nanoseconds.
	LastKeepAlive int64
	FinishedAt    int64
}

func (r *Record) Clone() *Record {
	cp := *r
	return &cp
}

func (r *Record) String() string {
	return fmt.Sprintf("txn %d[%s parent=%d commit=%d]", r.ID, r.State, r.ParentID, r.CommitTS)
}

func (r *Record) expired(now time.Time, timeout time.Duration) bool {
	return timeout > 0 && r.State == Active && now.Sub(time.Unix(0, r.LastKeepAlive)) > timeout
}

// Txn is a read-only snapshot of a transaction handed to filters and checkers. Chain is the
// ancestor chain resolved at begin: the transaction itself first, its root last.
type Txn struct {
	Record
	Chain []Timestamp
}

// InChain reports whether id is the transaction itself or one of its ancestors.
func (t *Txn) InChain(id Timestamp) bool {
	return t.chainIndex(id) >= 0
}

func (t *Txn) chainIndex(id Timestamp) int {
	for i, c := range t.Chain {
		if c == id {
			return i
		}
	}
	return -1
}

func (t *Txn) Root() Timestamp {
	return t.Chain[len(t.Chain)-1]
}

// Snapshot is the point in time the transaction reads at: the root's begin timestamp.
func (t *Txn) Snapshot() Timestamp {
	return t.Root()
}

// Lineage is a writer's records from the writer itself up to its root.
type Lineage []*Record

func (l Lineage) Writer() *Record {
	return l[0]
}

// EffectiveCommit is the root's commit timestamp when every member has committed.
func (l Lineage) EffectiveCommit() (Timestamp, bool) {
	for _, r := range l {
		if r.State != Committed {
			return 0, false
		}
	}
	return l[len(l)-1].CommitTS, true
}

// Terminal reports whether the lineage can no longer change.
func (l Lineage) Terminal() bool {
	for _, r := range l {
		if r.State == RolledBack {
			return true
		}
	}
	for _, r := range l {
		if r.State != Committed {
			return false
		}
	}
	return true
}
