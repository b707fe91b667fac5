package txn

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"cabbageSI/oracle"
)

var (
	// ErrTransactionNotFound: the id was never issued or its record has been pruned. Reads
	// treat the data as invisible, commit and rollback treat it as fatal.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrWriteConflict is surfaced to the client, which aborts and retries the whole transaction.
	ErrWriteConflict = errors.New("write conflict")

	ErrIllegalTransition       = errors.New("illegal transaction state transition")
	ErrCoordinationUnavailable = oracle.ErrCoordinationUnavailable

	// ErrTransactionTimeout: the system rolled the transaction back on its own.
	ErrTransactionTimeout = errors.New("transaction rolled back by the system")

	// ErrForeignNamespace: the record belongs to another namespace sharing the record store.
	ErrForeignNamespace = errors.New("transaction belongs to another namespace")

	ErrReadOnly = errors.New("transaction is read-only")
)

// WriteConflictError names the row and the writers the transaction collided with.
type WriteConflictError struct {
	Txn     Timestamp
	Row     []byte
	Writers []Timestamp
}

func (e *WriteConflictError) Error() string {
	writers := make([]string, 0, len(e.Writers))
	for _, w := range e.Writers {
		writers = append(writers, fmt.Sprint(uint64(w)))
	}
	return fmt.Sprintf("write conflict: txn %d on row %q with [%s]", e.Txn, e.Row, strings.Join(writers, ","))
}

func (e *WriteConflictError) Is(target error) bool {
	return target == ErrWriteConflict
}

func notFound(id Timestamp) error {
	return errors.Wrapf(ErrTransactionNotFound, "txn %d", id)
}

func illegal(r *Record, op string) error {
	return errors.Wrapf(ErrIllegalTransition, "%s of %s", op, r)
}

// aborted explains why a transaction the client still thinks is alive was rolled back.
func aborted(r *Record) error {
	if r.RollbackCause == CauseClient {
		return illegal(r, "use")
	}
	return errors.Wrapf(ErrTransactionTimeout, "txn %d rolled back (%s)", r.ID, r.RollbackCause)
}

// unavailable marks a record store failure as a coordination outage. Errors that already
// carry a meaning of their own pass through untouched.
func unavailable(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{
		ErrCoordinationUnavailable, ErrTransactionNotFound, ErrIllegalTransition,
		ErrTransactionTimeout, ErrForeignNamespace, ErrWriteConflict, ErrReadOnly,
		context.Canceled, context.DeadlineExceeded,
	} {
		if errors.Is(err, known) {
			return err
		}
	}
	return errors.Wrapf(ErrCoordinationUnavailable, "%s: %v", fmt.Sprintf(format, args...), err)
}
