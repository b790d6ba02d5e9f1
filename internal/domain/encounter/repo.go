package encounter

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("encounter not found")

type Repository interface {
	Create(ctx context.Context, enc *Encounter) error
	GetByID(ctx context.Context, id uuid.UUID) (*Encounter, error)
	List(ctx context.Context, f ListFilter, limit, offset int) ([]*Encounter, int, error)
	// UpdateStatus changes the workflow status only; queue fields are left
	// alone.
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) error

	// Status History
	AddStatusHistory(ctx context.Context, sh *EncounterStatusHistory) error
	CloseStatusHistory(ctx context.Context, encounterID uuid.UUID) error
	GetStatusHistory(ctx context.Context, encounterID uuid.UUID) ([]*EncounterStatusHistory, error)
}
