package encounter

import (
	"time"

	"github.com/google/uuid"

	"github.com/pocholosatoh/wellserv-portal-sub004/internal/domain/consultqueue"
	"github.com/pocholosatoh/wellserv-portal-sub004/internal/platform/branch"
	"github.com/pocholosatoh/wellserv-portal-sub004/internal/platform/caldate"
)

// Encounter maps to the encounters table: one patient visit to a branch on a
// branch-local calendar day.
type Encounter struct {
	ID            uuid.UUID                   `db:"id" json:"id"`
	PatientID     string                      `db:"patient_id" json:"patient_id"`
	Branch        branch.Code                 `db:"branch_code" json:"branch"`
	VisitDate     caldate.Date                `db:"visit_date_local" json:"visit_date_local"`
	Status        string                      `db:"status" json:"status"`
	Notes         *string                     `db:"notes" json:"notes,omitempty"`
	ForConsult    bool                        `db:"for_consult" json:"for_consult"`
	ConsultStatus *consultqueue.ConsultStatus `db:"consult_status" json:"consult_status"`
	QueueNumber   *int                        `db:"queue_number" json:"queue_number"`
	CreatedBy     *string                     `db:"created_by" json:"created_by,omitempty"`
	CreatedAt     time.Time                   `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time                   `db:"updated_at" json:"updated_at"`
}

// Encounter workflow statuses. These are independent of the consult queue.
const (
	StatusIntake        = "intake"
	StatusLabProcessing = "lab_processing"
	StatusReady         = "ready"
	StatusDone          = "done"
	StatusCanceled      = "canceled"
)

var validStatuses = map[string]bool{
	StatusIntake:        true,
	StatusLabProcessing: true,
	StatusReady:         true,
	StatusDone:          true,
	StatusCanceled:      true,
}

// EncounterStatusHistory maps to the encounter_status_history table.
type EncounterStatusHistory struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	EncounterID uuid.UUID  `db:"encounter_id" json:"encounter_id"`
	Status      string     `db:"status" json:"status"`
	ChangedBy   *string    `db:"changed_by" json:"changed_by,omitempty"`
	PeriodStart time.Time  `db:"period_start" json:"period_start"`
	PeriodEnd   *time.Time `db:"period_end" json:"period_end,omitempty"`
}

// CreateInput is the intake form.
type CreateInput struct {
	PatientID  string `json:"patient_id"`
	Branch     string `json:"branch"`
	Notes      string `json:"notes"`
	ForConsult bool   `json:"for_consult"`
}

// ListFilter selects a branch's encounters for one day.
type ListFilter struct {
	Branch branch.Code
	Date   caldate.Date
}
