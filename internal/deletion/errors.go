package deletion

import (
	"cascadecore/pkg/domain"
	"fmt"

	"github.com/juju/errors"
)

// ErrPersistence matches every PersistenceError via errors.Is.
const ErrPersistence = errors.ConstError("deletion persistence failure")

// DeniedError reports that a veto fired. Nothing was mutated.
type DeniedError struct {
	Type    domain.EntityType
	ID      string
	Handler string
	Reason  string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("deletion of %s %q denied: %s", e.Type, e.ID, e.Reason)
}

// PersistenceError reports that the store failed while the deletion was in
// flight. The transaction was rolled back, so the request can be retried.
type PersistenceError struct {
	Type domain.EntityType
	ID   string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("delete %s %q: %v", e.Type, e.ID, e.Err)
}

// Unwrap returns the underlying store error.
func (e *PersistenceError) Unwrap() error { return e.Err }

// Is matches ErrPersistence.
func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

// Retryable is always true; retry policy belongs to the caller.
func (e *PersistenceError) Retryable() bool { return true }

// DeniedReason returns the veto reason when err is a DeniedError.
func DeniedReason(err error) (string, bool) {
	var denied *DeniedError
	if errors.As(err, &denied) {
		return denied.Reason, true
	}
	return "", false
}
