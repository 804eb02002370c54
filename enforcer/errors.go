package enforcer

import (
	"errors"
	"fmt"

	"github.com/Stowber/TigrisSecuritySystem/enforcer/store"
)

// Store sentinels re-exported so callers of the engine do not need to depend
// on the store package to classify failures.
var (
	ErrNotFound     = store.ErrNotFound
	ErrConflict     = store.ErrConflict
	ErrKindMismatch = store.ErrKindMismatch
)

// ErrAuthorizationDenied means the acting roles hold neither the required
// capability nor guild admin status. Never downgraded to a silent no-op.
var ErrAuthorizationDenied = errors.New("enforcer: capability denied")

// ValidationError rejects malformed input before any write happens.
type ValidationError struct {
	Field   string
	Problem string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Problem)
}

func validationErr(field, problem string) error {
	return &ValidationError{Field: field, Problem: problem}
}
