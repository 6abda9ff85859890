package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound indicates no audit record exists for the given identifier.
var ErrNotFound = errors.New("audit record not found")

// Repository persists audit records. Insert and UpdateOutcome are atomic per
// call; no partial record is ever observable. Concurrent UpdateOutcome calls
// for the same identifier are last-writer-wins.
type Repository interface {
	Insert(ctx context.Context, rec *Record) error
	GetByID(ctx context.Context, id uuid.UUID) (*Record, error)

	// UpdateOutcome replaces the outcome fields of an existing record and
	// bumps the amendment bookkeeping. It must never touch the identifier,
	// the patient hash, the inputs, or the calculations. Returns ErrNotFound
	// when the identifier is unknown.
	UpdateOutcome(ctx context.Context, id uuid.UUID, factors []string, amendedAt time.Time) error

	List(ctx context.Context, limit, offset int) ([]*Record, int, error)
}
