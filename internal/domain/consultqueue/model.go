package consultqueue

import (
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/pocholosatoh/wellserv-portal-sub004/internal/platform/branch"
	"github.com/pocholosatoh/wellserv-portal-sub004/internal/platform/caldate"
)

// ConsultStatus is an encounter's position in the doctor's queue. Nil means
// the encounter is not queued.
type ConsultStatus string

const (
	StatusQueued    ConsultStatus = "queued_for_consult"
	StatusInConsult ConsultStatus = "in_consult"
)

// EncounterCanceled is the encounter workflow status that can never hold a
// queue number.
const EncounterCanceled = "canceled"

// ActiveStatuses hold a queue number that must be unique per branch and day.
var ActiveStatuses = []ConsultStatus{StatusQueued, StatusInConsult}

// Slot is the queue-relevant slice of an encounter row.
type Slot struct {
	EncounterID   uuid.UUID      `json:"encounter_id"`
	PatientID     string         `json:"patient_id"`
	Branch        branch.Code    `json:"branch"`
	VisitDate     caldate.Date   `json:"visit_date_local"`
	Status        string         `json:"status"`
	ForConsult    bool           `json:"for_consult"`
	ConsultStatus *ConsultStatus `json:"consult_status"`
	QueueNumber   *int           `json:"queue_number"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Active reports whether the slot holds a live queue position.
func (s *Slot) Active() bool {
	return s.ConsultStatus != nil && lo.Contains(ActiveStatuses, *s.ConsultStatus)
}

// EnableResult is returned by Enable.
type EnableResult struct {
	EncounterID   uuid.UUID     `json:"encounter_id"`
	QueueNumber   int           `json:"queue_number"`
	ConsultStatus ConsultStatus `json:"consult_status"`
	// Existing is set when the encounter was already queued and kept its
	// number.
	Existing bool `json:"existing,omitempty"`
}

// FirstFit returns the smallest positive integer missing from used, so
// numbers freed by disable are handed out again before the queue grows.
func FirstFit(used []int) int {
	taken := lo.SliceToMap(used, func(n int) (int, struct{}) { return n, struct{}{} })
	n := 1
	for {
		if _, ok := taken[n]; !ok {
			return n
		}
		n++
	}
}
