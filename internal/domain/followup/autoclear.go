package followup

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/pocholosatoh/wellserv-portal-sub004/internal/platform/branch"
	"github.com/pocholosatoh/wellserv-portal-sub004/internal/platform/caldate"
)

// AutoClearCode says why a finishing consultation did or did not close the
// patient's followup. Checks run in declaration order.
type AutoClearCode string

const (
	AutoClearSkipFlag         AutoClearCode = "skip_flag"
	AutoClearMissingData      AutoClearCode = "missing_data"
	AutoClearNotFollowupType  AutoClearCode = "not_followup_type"
	AutoClearNoActive         AutoClearCode = "no_active_followup"
	AutoClearAlreadyClosed    AutoClearCode = "already_closed"
	AutoClearSameConsultation AutoClearCode = "same_consultation"
	AutoClearOutsideWindow    AutoClearCode = "outside_window"
	AutoClearCleared          AutoClearCode = "cleared"
)

// FollowupConsultType is the consultation type tag that can close a followup.
const FollowupConsultType = "followup"

// FinishedConsultation describes the consultation that just ended.
type FinishedConsultation struct {
	PatientID         string      `json:"patient_id"`
	ConsultationID    string      `json:"consultation_id"`
	VisitAt           time.Time   `json:"visit_at"`
	Type              string      `json:"type"`
	Branch            branch.Code `json:"branch"`
	SkipFollowupClear bool        `json:"skip_followup_clear"`
}

// AutoClearResult is the outcome of AutoClear. Not clearing is not an error.
type AutoClearResult struct {
	Cleared     bool          `json:"cleared"`
	Code        AutoClearCode `json:"code"`
	FollowupID  *uuid.UUID    `json:"followup_id,omitempty"`
	ConsultDate *caldate.Date `json:"consult_date,omitempty"`
	Window      *Window       `json:"window,omitempty"`
}

// AutoClear completes the patient's scheduled followup when the finishing
// consultation is a followup visit, was not the one that scheduled it, and
// falls inside its tolerance window in the branch's calendar. The final
// write is conditional, so a concurrent cancel or attach wins cleanly.
func (s *Service) AutoClear(ctx context.Context, fc FinishedConsultation) (*AutoClearResult, error) {
	res, err := s.autoClear(ctx, fc)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordAutoClear(string(res.Code))
	lvl := zerolog.DebugLevel
	if res.Cleared {
		lvl = zerolog.InfoLevel
	}
	s.log(ctx).WithLevel(lvl).Str("patient_id", fc.PatientID).
		Str("consultation_id", fc.ConsultationID).
		Str("code", string(res.Code)).
		Msg("followup auto-clear evaluated")
	return res, nil
}

func (s *Service) autoClear(ctx context.Context, fc FinishedConsultation) (*AutoClearResult, error) {
	skip := func(code AutoClearCode) *AutoClearResult { return &AutoClearResult{Code: code} }

	if fc.SkipFollowupClear {
		return skip(AutoClearSkipFlag), nil
	}
	fc.PatientID = strings.TrimSpace(fc.PatientID)
	fc.ConsultationID = strings.TrimSpace(fc.ConsultationID)
	if fc.PatientID == "" || fc.ConsultationID == "" || fc.VisitAt.IsZero() {
		return skip(AutoClearMissingData), nil
	}
	if !strings.EqualFold(strings.TrimSpace(fc.Type), FollowupConsultType) {
		return skip(AutoClearNotFollowupType), nil
	}

	active, err := s.repo.Active(ctx, fc.PatientID)
	if err != nil {
		return nil, s.storeErr(ctx, "load active followup", err)
	}
	if active == nil {
		return skip(AutoClearNoActive), nil
	}
	res := &AutoClearResult{FollowupID: lo.ToPtr(active.ID)}
	if lo.FromPtr(active.ClosedByConsultationID) != "" {
		res.Code = AutoClearAlreadyClosed
		return res, nil
	}
	if active.CreatedFromConsultationID == fc.ConsultationID {
		res.Code = AutoClearSameConsultation
		return res, nil
	}

	day := s.branches.LocalDate(fc.Branch, fc.VisitAt)
	w := active.Window()
	res.ConsultDate, res.Window = &day, &w
	if !w.Contains(day) {
		res.Code = AutoClearOutsideWindow
		return res, nil
	}

	changed, err := s.repo.Transition(ctx, active.ID, Transition{
		To:                     StatusCompleted,
		ClosedByConsultationID: lo.ToPtr(fc.ConsultationID),
		CompletionNote:         lo.ToPtr(AutoClearTag),
		AppendNote:             true,
		UpdatedBy:              autoClearActor,
	})
	if err != nil {
		return nil, s.storeErr(ctx, "auto-clear followup", err)
	}
	if !changed {
		res.Code = AutoClearAlreadyClosed
		return res, nil
	}
	s.metrics.RecordFollowupTransition(string(StatusCompleted), "auto_clear")
	res.Cleared, res.Code = true, AutoClearCleared
	return res, nil
}
