package consultation

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("consultation not found")

type Repository interface {
	Create(ctx context.Context, c *Consultation) error
	GetByID(ctx context.Context, id uuid.UUID) (*Consultation, error)
	ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*Consultation, int, error)
	// Finish moves an in_progress consultation to done. It reports false when
	// the consultation was not in progress.
	Finish(ctx context.Context, id uuid.UUID) (bool, error)
}
