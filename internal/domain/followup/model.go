package followup

import (
	"time"

	"github.com/google/uuid"

	"github.com/pocholosatoh/wellserv-portal-sub004/internal/platform/branch"
	"github.com/pocholosatoh/wellserv-portal-sub004/internal/platform/caldate"
)

// Status is the lifecycle state of a followup. Only scheduled is open.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusCompleted Status = "completed"
	StatusCanceled  Status = "canceled"
	StatusSkipped   Status = "skipped"
)

func (s Status) Terminal() bool { return s != StatusScheduled }

// Cancel reasons. Automatic supersession is tagged apart from explicit
// cancellation.
const (
	ReasonRescheduled = "canceled_rescheduled"
	ReasonOther       = "other"
)

// AutoClearTag is appended to the completion note when a finishing
// consultation closes a followup.
const AutoClearTag = "auto_completed_by_consult_finish"

// DefaultToleranceDays applies when the caller does not send tolerance_days.
const DefaultToleranceDays = 7

// Followup maps to the followups table.
type Followup struct {
	ID                        uuid.UUID    `db:"id" json:"id"`
	PatientID                 string       `db:"patient_id" json:"patient_id"`
	CreatedFromConsultationID string       `db:"created_from_consultation_id" json:"created_from_consultation_id"`
	ReturnBranch              *branch.Code `db:"return_branch" json:"return_branch,omitempty"`
	DueDate                   caldate.Date `db:"due_date" json:"due_date"`
	ToleranceDays             int          `db:"tolerance_days" json:"tolerance_days"`
	ValidUntil                caldate.Date `db:"valid_until" json:"valid_until"`
	IntendedOutcome           *string      `db:"intended_outcome" json:"intended_outcome,omitempty"`
	ExpectedTests             *string      `db:"expected_tests" json:"expected_tests,omitempty"`
	Status                    Status       `db:"status" json:"status"`
	CancelReason              *string      `db:"cancel_reason" json:"cancel_reason,omitempty"`
	ClosedByConsultationID    *string      `db:"closed_by_consultation_id" json:"closed_by_consultation_id,omitempty"`
	CompletionNote            *string      `db:"completion_note" json:"completion_note,omitempty"`
	CreatedBy                 *string      `db:"created_by" json:"created_by,omitempty"`
	UpdatedBy                 *string      `db:"updated_by" json:"updated_by,omitempty"`
	CreatedAt                 time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt                 time.Time    `db:"updated_at" json:"updated_at"`
	DeletedAt                 *time.Time   `db:"deleted_at" json:"deleted_at,omitempty"`

	Attempts    []*Attempt  `json:"attempts,omitempty"`
	WindowState WindowState `json:"window_state,omitempty"`
}

// Active reports whether the row is scheduled and not soft-deleted.
func (f *Followup) Active() bool {
	return f.Status == StatusScheduled && f.DeletedAt == nil
}

// Window is the tolerance window around the due date.
func (f *Followup) Window() Window {
	return NewWindow(f.DueDate, f.ToleranceDays)
}

// Channel is how a contact attempt was made.
type Channel string

const (
	ChannelCall      Channel = "call"
	ChannelSMS       Channel = "sms"
	ChannelMessenger Channel = "messenger"
	ChannelEmail     Channel = "email"
	ChannelOther     Channel = "other"
)

var validChannels = map[Channel]bool{
	ChannelCall:      true,
	ChannelSMS:       true,
	ChannelMessenger: true,
	ChannelEmail:     true,
	ChannelOther:     true,
}

// Outcome is the result of a contact attempt.
type Outcome string

const (
	OutcomeReachedConfirmed  Outcome = "reached_confirmed"
	OutcomeReachedDeclined   Outcome = "reached_declined"
	OutcomeNoAnswer          Outcome = "no_answer"
	OutcomeWrongNumber       Outcome = "wrong_number"
	OutcomeCallbackRequested Outcome = "callback_requested"
	OutcomeOther             Outcome = "other"
)

var validOutcomes = map[Outcome]bool{
	OutcomeReachedConfirmed:  true,
	OutcomeReachedDeclined:   true,
	OutcomeNoAnswer:          true,
	OutcomeWrongNumber:       true,
	OutcomeCallbackRequested: true,
	OutcomeOther:             true,
}

// Attempt maps to the followup_attempts table. Attempts are append-only.
type Attempt struct {
	ID              uuid.UUID `db:"id" json:"id"`
	FollowupID      uuid.UUID `db:"followup_id" json:"followup_id"`
	Channel         Channel   `db:"channel" json:"channel"`
	Outcome         Outcome   `db:"outcome" json:"outcome"`
	Notes           *string   `db:"notes" json:"notes,omitempty"`
	AttemptedByName *string   `db:"attempted_by_name" json:"attempted_by_name,omitempty"`
	StaffID         *string   `db:"staff_id" json:"staff_id,omitempty"`
	AttemptedAt     time.Time `db:"attempted_at" json:"attempted_at"`
}

// Transition is a conditional status change applied only to an active row.
type Transition struct {
	To                     Status
	CancelReason           *string
	ClosedByConsultationID *string
	// CompletionNote replaces the stored note, or is appended after "; "
	// when AppendNote is set and a note already exists. Nil keeps the note.
	CompletionNote *string
	AppendNote     bool
	UpdatedBy      string
}

// TransitionResult reports whether a conditional update took effect. A
// false Changed means someone else closed the row first.
type TransitionResult struct {
	Changed  bool      `json:"changed"`
	Followup *Followup `json:"followup,omitempty"`
}

// RescheduleResult carries the new row and whether the old one was still
// open when it was canceled.
type RescheduleResult struct {
	PreviousCanceled bool      `json:"previous_canceled"`
	Superseded       int64     `json:"superseded"`
	Followup         *Followup `json:"followup"`
}
