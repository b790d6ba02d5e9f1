package consultqueue

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/pocholosatoh/wellserv-portal-sub004/internal/platform/branch"
	"github.com/pocholosatoh/wellserv-portal-sub004/internal/platform/caldate"
)

var (
	ErrNotFound = errors.New("encounter not found")
	// ErrSlotTaken is returned when another active encounter already holds
	// the queue number for the branch and day.
	ErrSlotTaken = errors.New("queue number already taken")
)

type Repository interface {
	Get(ctx context.Context, encounterID uuid.UUID) (*Slot, error)
	// UsedNumbers lists queue numbers held by active encounters.
	UsedNumbers(ctx context.Context, b branch.Code, day caldate.Date) ([]int, error)
	// Assign queues the encounter under number n, only if it belongs to
	// (b, day) and holds no number yet.
	Assign(ctx context.Context, encounterID uuid.UUID, b branch.Code, day caldate.Date, n int) (bool, error)
	// Clear removes the encounter from the queue, leaving other fields.
	Clear(ctx context.Context, encounterID uuid.UUID) (bool, error)
	// ClearNumbers nulls the numbers of the listed active encounters.
	ClearNumbers(ctx context.Context, b branch.Code, ids []uuid.UUID) error
	// SetNumber renumbers an active encounter.
	SetNumber(ctx context.Context, b branch.Code, encounterID uuid.UUID, n int) (bool, error)
	ListActive(ctx context.Context, b branch.Code, day caldate.Date) ([]*Slot, error)
	// MarkInConsult moves a queued encounter to in_consult.
	MarkInConsult(ctx context.Context, encounterID uuid.UUID) (bool, error)
}
