package consultation

import (
	"time"

	"github.com/google/uuid"

	"github.com/pocholosatoh/wellserv-portal-sub004/internal/domain/followup"
	"github.com/pocholosatoh/wellserv-portal-sub004/internal/platform/branch"
)

// Consultation maps to the consultations table.
type Consultation struct {
	ID          uuid.UUID   `db:"id" json:"id"`
	PatientID   string      `db:"patient_id" json:"patient_id"`
	EncounterID *uuid.UUID  `db:"encounter_id" json:"encounter_id,omitempty"`
	DoctorID    string      `db:"doctor_id" json:"doctor_id"`
	Branch      branch.Code `db:"branch_code" json:"branch"`
	VisitAt     time.Time   `db:"visit_at" json:"visit_at"`
	Type        string      `db:"type" json:"type"`
	Status      string      `db:"status" json:"status"`
	FinishedAt  *time.Time  `db:"finished_at" json:"finished_at,omitempty"`
	CreatedAt   time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time   `db:"updated_at" json:"updated_at"`
}

const (
	StatusInProgress = "in_progress"
	StatusDone       = "done"
)

// Consultation type tags. Any other tag is stored as given.
const (
	TypeNew      = "new"
	TypeFollowup = followup.FollowupConsultType
)

// StartInput opens a consultation.
type StartInput struct {
	PatientID   string     `json:"patient_id"`
	EncounterID *uuid.UUID `json:"encounter_id"`
	Type        string     `json:"type"`
}

// FinishInput closes a consultation. Followup, when set, schedules the
// patient's next visit from this consultation.
type FinishInput struct {
	SkipFollowupClear bool                  `json:"skip_followup_clear"`
	Followup          *followup.UpsertInput `json:"followup,omitempty"`
}

// FinishResult reports what finishing changed. Finished is false when the
// consultation had already been finished by an earlier call.
type FinishResult struct {
	Consultation      *Consultation             `json:"consultation"`
	Finished          bool                      `json:"finished"`
	AutoClear         *followup.AutoClearResult `json:"auto_clear,omitempty"`
	ScheduledFollowup *followup.Followup        `json:"scheduled_followup,omitempty"`
}
