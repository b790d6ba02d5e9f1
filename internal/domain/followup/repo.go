package followup

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/pocholosatoh/wellserv-portal-sub004/internal/platform/branch"
	"github.com/pocholosatoh/wellserv-portal-sub004/internal/platform/caldate"
)

var (
	ErrNotFound = errors.New("followup not found")
	// ErrScheduledExists is returned by Insert when the patient already has
	// a scheduled followup.
	ErrScheduledExists = errors.New("patient already has a scheduled followup")
)

// DueFilter selects the due board.
type DueFilter struct {
	Branch *branch.Code
	On     caldate.Date
}

type Repository interface {
	// LockPatient serialises writers for one patient until the surrounding
	// transaction ends.
	LockPatient(ctx context.Context, patientID string) error

	Insert(ctx context.Context, f *Followup) error
	GetByID(ctx context.Context, id uuid.UUID) (*Followup, error)
	// Active returns the patient's scheduled, non-deleted followup, or nil.
	Active(ctx context.Context, patientID string) (*Followup, error)
	ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*Followup, int, error)
	ListDue(ctx context.Context, f DueFilter, limit, offset int) ([]*Followup, int, error)

	// CancelScheduled cancels every active followup of the patient.
	CancelScheduled(ctx context.Context, patientID, reason, updatedBy string) (int64, error)
	// Transition applies t to id only while the row is active.
	Transition(ctx context.Context, id uuid.UUID, t Transition) (bool, error)
	// UpdateScheduled saves editable fields only while the row is active.
	UpdateScheduled(ctx context.Context, f *Followup) (bool, error)
	SoftDelete(ctx context.Context, id uuid.UUID, updatedBy string) (bool, error)

	// Attempts
	AddAttempt(ctx context.Context, a *Attempt) error
	ListAttempts(ctx context.Context, followupID uuid.UUID) ([]*Attempt, error)
}
