package followup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/pocholosatoh/wellserv-portal-sub004/internal/platform/apperr"
	"github.com/pocholosatoh/wellserv-portal-sub004/internal/platform/auth"
	"github.com/pocholosatoh/wellserv-portal-sub004/internal/platform/branch"
	"github.com/pocholosatoh/wellserv-portal-sub004/internal/platform/caldate"
	"github.com/pocholosatoh/wellserv-portal-sub004/internal/platform/db"
)

// Metrics receives lifecycle counters.
type Metrics interface {
	RecordFollowupTransition(status, reason string)
	RecordAutoClear(code string)
	RecordAttempt(channel, outcome string)
}

type nopMetrics struct{}

func (nopMetrics) RecordFollowupTransition(string, string) {}
func (nopMetrics) RecordAutoClear(string)                  {}
func (nopMetrics) RecordAttempt(string, string)            {}

// autoClearActor is written to updated_by when a finishing consultation
// closes a followup.
const autoClearActor = "system:consult_finish"

type Service struct {
	repo      Repository
	tx        db.TxRunner
	branches  *branch.Registry
	logger    zerolog.Logger
	metrics   Metrics
	tolerance int
	now       func() time.Time
}

func NewService(repo Repository, tx db.TxRunner, branches *branch.Registry, logger zerolog.Logger) *Service {
	return &Service{
		repo:      repo,
		tx:        tx,
		branches:  branches,
		logger:    logger.With().Str("component", "followup").Logger(),
		metrics:   nopMetrics{},
		tolerance: DefaultToleranceDays,
		now:       time.Now,
	}
}

// SetMetrics attaches a metrics sink.
func (s *Service) SetMetrics(m Metrics) {
	if m != nil {
		s.metrics = m
	}
}

// SetDefaultTolerance changes the tolerance used when a request omits one.
func (s *Service) SetDefaultTolerance(days int) {
	if days >= 0 {
		s.tolerance = days
	}
}

func (s *Service) log(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &s.logger
}

func requireStaff(a auth.Actor) error {
	if !a.Is(auth.RoleStaff, auth.RoleDoctor) {
		return apperr.Forbidden("staff or doctor role required")
	}
	return nil
}

// UpsertInput schedules a new followup for a patient.
type UpsertInput struct {
	PatientID                 string       `json:"patient_id"`
	CreatedFromConsultationID string       `json:"created_from_consultation_id"`
	ReturnBranch              string       `json:"return_branch"`
	DueDate                   caldate.Date `json:"due_date"`
	ToleranceDays             *int         `json:"tolerance_days"`
	IntendedOutcome           string       `json:"intended_outcome"`
	ExpectedTests             string       `json:"expected_tests"`
}

// Upsert supersedes the patient's scheduled followup, if any, and inserts
// the new one in a single transaction.
func (s *Service) Upsert(ctx context.Context, actor auth.Actor, in UpsertInput) (*Followup, error) {
	if err := requireStaff(actor); err != nil {
		return nil, err
	}
	in.PatientID = strings.TrimSpace(in.PatientID)
	in.CreatedFromConsultationID = strings.TrimSpace(in.CreatedFromConsultationID)
	if in.PatientID == "" {
		return nil, apperr.Validation("patient_id is required")
	}
	if in.CreatedFromConsultationID == "" {
		return nil, apperr.Validation("created_from_consultation_id is required")
	}
	if in.DueDate.IsZero() {
		return nil, apperr.Validation("due_date is required")
	}
	tol, err := s.toleranceOr(in.ToleranceDays, s.tolerance)
	if err != nil {
		return nil, err
	}
	rb, err := parseReturnBranch(in.ReturnBranch)
	if err != nil {
		return nil, err
	}

	f := &Followup{
		PatientID:                 in.PatientID,
		CreatedFromConsultationID: in.CreatedFromConsultationID,
		ReturnBranch:              rb,
		DueDate:                   in.DueDate,
		ToleranceDays:             tol,
		ValidUntil:                ValidUntil(in.DueDate, tol),
		IntendedOutcome:           lo.EmptyableToPtr(strings.TrimSpace(in.IntendedOutcome)),
		ExpectedTests:             lo.EmptyableToPtr(strings.TrimSpace(in.ExpectedTests)),
		Status:                    StatusScheduled,
		CreatedBy:                 lo.ToPtr(actor.Label()),
		UpdatedBy:                 lo.ToPtr(actor.Label()),
	}

	var superseded int64
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.repo.LockPatient(ctx, f.PatientID); err != nil {
			return err
		}
		n, err := s.repo.CancelScheduled(ctx, f.PatientID, ReasonRescheduled, actor.Label())
		if err != nil {
			return err
		}
		superseded = n
		return s.repo.Insert(ctx, f)
	})
	if err != nil {
		return nil, s.storeErr(ctx, "upsert followup", err)
	}

	s.recordSuperseded(superseded)
	s.metrics.RecordFollowupTransition(string(StatusScheduled), "upsert")
	s.log(ctx).Info().
		Str("followup_id", f.ID.String()).
		Str("patient_id", f.PatientID).
		Str("due_date", f.DueDate.String()).
		Int64("superseded", superseded).
		Str("actor", actor.Label()).
		Msg("followup scheduled")
	return f, nil
}

// RescheduleInput moves a followup to a new due date. Nil overrides inherit
// from the followup being replaced.
type RescheduleInput struct {
	PatientID                 string       `json:"patient_id"`
	CreatedFromConsultationID string       `json:"created_from_consultation_id"`
	NewDueDate                caldate.Date `json:"new_due_date"`
	ReturnBranch              *string      `json:"return_branch"`
	ToleranceDays             *int         `json:"tolerance_days"`
	IntendedOutcome           *string      `json:"intended_outcome"`
	ExpectedTests             *string      `json:"expected_tests"`
}

// Reschedule cancels id and inserts its replacement atomically. If id was
// already closed the replacement is still created.
func (s *Service) Reschedule(ctx context.Context, actor auth.Actor, id uuid.UUID, in RescheduleInput) (*RescheduleResult, error) {
	if err := requireStaff(actor); err != nil {
		return nil, err
	}
	in.PatientID = strings.TrimSpace(in.PatientID)
	in.CreatedFromConsultationID = strings.TrimSpace(in.CreatedFromConsultationID)
	if id == uuid.Nil {
		return nil, apperr.Validation("followup_id is required")
	}
	if in.PatientID == "" {
		return nil, apperr.Validation("patient_id is required")
	}
	if in.CreatedFromConsultationID == "" {
		return nil, apperr.Validation("created_from_consultation_id is required")
	}
	if in.NewDueDate.IsZero() {
		return nil, apperr.Validation("new_due_date is required")
	}
	if in.ToleranceDays != nil && *in.ToleranceDays < 0 {
		return nil, apperr.Validation("tolerance_days must be zero or more")
	}
	var overrideBranch *branch.Code
	if in.ReturnBranch != nil {
		rb, err := parseReturnBranch(*in.ReturnBranch)
		if err != nil {
			return nil, err
		}
		overrideBranch = rb
	}

	res := &RescheduleResult{}
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.repo.LockPatient(ctx, in.PatientID); err != nil {
			return err
		}
		old, err := s.repo.GetByID(ctx, id)
		switch {
		case errors.Is(err, ErrNotFound):
			old = nil
		case err != nil:
			return err
		case old.PatientID != in.PatientID:
			return apperr.Validation("followup %s belongs to another patient", id)
		}

		changed, err := s.repo.Transition(ctx, id, Transition{
			To:           StatusCanceled,
			CancelReason: lo.ToPtr(ReasonRescheduled),
			UpdatedBy:    actor.Label(),
		})
		if err != nil {
			return err
		}
		res.PreviousCanceled = changed

		others, err := s.repo.CancelScheduled(ctx, in.PatientID, ReasonRescheduled, actor.Label())
		if err != nil {
			return err
		}
		res.Superseded = others

		next := &Followup{
			PatientID:                 in.PatientID,
			CreatedFromConsultationID: in.CreatedFromConsultationID,
			DueDate:                   in.NewDueDate,
			Status:                    StatusScheduled,
			CreatedBy:                 lo.ToPtr(actor.Label()),
			UpdatedBy:                 lo.ToPtr(actor.Label()),
		}
		inherit := old != nil
		next.ToleranceDays = s.tolerance
		if inherit {
			next.ToleranceDays = old.ToleranceDays
			next.ReturnBranch = old.ReturnBranch
			next.IntendedOutcome = old.IntendedOutcome
			next.ExpectedTests = old.ExpectedTests
		}
		if in.ToleranceDays != nil {
			next.ToleranceDays = *in.ToleranceDays
		}
		if in.ReturnBranch != nil {
			next.ReturnBranch = overrideBranch
		}
		if in.IntendedOutcome != nil {
			next.IntendedOutcome = lo.EmptyableToPtr(strings.TrimSpace(*in.IntendedOutcome))
		}
		if in.ExpectedTests != nil {
			next.ExpectedTests = lo.EmptyableToPtr(strings.TrimSpace(*in.ExpectedTests))
		}
		next.ValidUntil = ValidUntil(next.DueDate, next.ToleranceDays)

		if err := s.repo.Insert(ctx, next); err != nil {
			return err
		}
		res.Followup = next
		return nil
	})
	if err != nil {
		return nil, s.storeErr(ctx, "reschedule followup", err)
	}

	if res.PreviousCanceled {
		s.metrics.RecordFollowupTransition(string(StatusCanceled), ReasonRescheduled)
	}
	s.recordSuperseded(res.Superseded)
	s.metrics.RecordFollowupTransition(string(StatusScheduled), "reschedule")
	s.log(ctx).Info().
		Str("previous_id", id.String()).
		Bool("previous_canceled", res.PreviousCanceled).
		Str("followup_id", res.Followup.ID.String()).
		Str("due_date", res.Followup.DueDate.String()).
		Str("actor", actor.Label()).
		Msg("followup rescheduled")
	return res, nil
}

// Cancel closes a scheduled followup. A closed followup is left as is.
func (s *Service) Cancel(ctx context.Context, actor auth.Actor, id uuid.UUID, reason string) (*TransitionResult, error) {
	if err := requireStaff(actor); err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = ReasonOther
	}
	return s.transition(ctx, id, Transition{
		To:           StatusCanceled,
		CancelReason: &reason,
		UpdatedBy:    actor.Label(),
	}, reason)
}

// Skip marks a scheduled followup as intentionally not pursued.
func (s *Service) Skip(ctx context.Context, actor auth.Actor, id uuid.UUID, note string) (*TransitionResult, error) {
	if err := requireStaff(actor); err != nil {
		return nil, err
	}
	return s.transition(ctx, id, Transition{
		To:             StatusSkipped,
		CompletionNote: lo.EmptyableToPtr(strings.TrimSpace(note)),
		UpdatedBy:      actor.Label(),
	}, "skip")
}

// Attach closes a scheduled followup on behalf of a consultation. Calling it
// again for a closed followup changes nothing.
func (s *Service) Attach(ctx context.Context, actor auth.Actor, id uuid.UUID, consultationID, note string) (*TransitionResult, error) {
	if err := requireStaff(actor); err != nil {
		return nil, err
	}
	consultationID = strings.TrimSpace(consultationID)
	if consultationID == "" {
		return nil, apperr.Validation("closed_by_consultation_id is required")
	}
	return s.transition(ctx, id, Transition{
		To:                     StatusCompleted,
		ClosedByConsultationID: &consultationID,
		CompletionNote:         lo.EmptyableToPtr(strings.TrimSpace(note)),
		UpdatedBy:              actor.Label(),
	}, "attach")
}

func (s *Service) transition(ctx context.Context, id uuid.UUID, t Transition, reason string) (*TransitionResult, error) {
	if id == uuid.Nil {
		return nil, apperr.Validation("followup_id is required")
	}
	changed, err := s.repo.Transition(ctx, id, t)
	if err != nil {
		return nil, s.storeErr(ctx, "transition followup", err)
	}
	f, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) || (err == nil && !changed && f.DeletedAt != nil) {
		return nil, apperr.NotFound("followup %s not found", id)
	}
	if err != nil {
		return nil, s.storeErr(ctx, "get followup", err)
	}

	if changed {
		s.metrics.RecordFollowupTransition(string(t.To), reason)
		s.log(ctx).Info().
			Str("followup_id", id.String()).
			Str("status", string(t.To)).
			Str("reason", reason).
			Str("actor", t.UpdatedBy).
			Msg("followup closed")
	} else {
		s.log(ctx).Debug().
			Str("followup_id", id.String()).
			Str("status", string(f.Status)).
			Msg("followup already closed, transition skipped")
	}
	return &TransitionResult{Changed: changed, Followup: f}, nil
}

// UpdateInput patches a scheduled followup. Nil fields are left unchanged.
type UpdateInput struct {
	ReturnBranch    *string       `json:"return_branch"`
	DueDate         *caldate.Date `json:"due_date"`
	ToleranceDays   *int          `json:"tolerance_days"`
	IntendedOutcome *string       `json:"intended_outcome"`
	ExpectedTests   *string       `json:"expected_tests"`
}

// Update edits a followup while it is still scheduled.
func (s *Service) Update(ctx context.Context, actor auth.Actor, id uuid.UUID, in UpdateInput) (*Followup, error) {
	if err := requireStaff(actor); err != nil {
		return nil, err
	}
	f, err := s.getLive(ctx, id)
	if err != nil {
		return nil, err
	}
	if !f.Active() {
		return nil, apperr.Conflict("followup_closed", fmt.Sprintf("followup is %s and can no longer be edited", f.Status))
	}

	if in.ReturnBranch != nil {
		rb, err := parseReturnBranch(*in.ReturnBranch)
		if err != nil {
			return nil, err
		}
		f.ReturnBranch = rb
	}
	if in.DueDate != nil {
		if in.DueDate.IsZero() {
			return nil, apperr.Validation("due_date cannot be cleared")
		}
		f.DueDate = *in.DueDate
	}
	if in.ToleranceDays != nil {
		if *in.ToleranceDays < 0 {
			return nil, apperr.Validation("tolerance_days must be zero or more")
		}
		f.ToleranceDays = *in.ToleranceDays
	}
	if in.IntendedOutcome != nil {
		f.IntendedOutcome = lo.EmptyableToPtr(strings.TrimSpace(*in.IntendedOutcome))
	}
	if in.ExpectedTests != nil {
		f.ExpectedTests = lo.EmptyableToPtr(strings.TrimSpace(*in.ExpectedTests))
	}
	f.ValidUntil = ValidUntil(f.DueDate, f.ToleranceDays)
	f.UpdatedBy = lo.ToPtr(actor.Label())

	ok, err := s.repo.UpdateScheduled(ctx, f)
	if err != nil {
		return nil, s.storeErr(ctx, "update followup", err)
	}
	if !ok {
		return nil, apperr.Conflict("followup_closed", "followup was closed before the update was saved")
	}
	return f, nil
}

// Delete soft-deletes a followup; it then drops out of every listing.
func (s *Service) Delete(ctx context.Context, actor auth.Actor, id uuid.UUID) error {
	if err := requireStaff(actor); err != nil {
		return err
	}
	ok, err := s.repo.SoftDelete(ctx, id, actor.Label())
	if err != nil {
		return s.storeErr(ctx, "delete followup", err)
	}
	if !ok {
		return apperr.NotFound("followup %s not found", id)
	}
	s.log(ctx).Info().Str("followup_id", id.String()).Str("actor", actor.Label()).Msg("followup deleted")
	return nil
}

// Get returns a live followup with its attempts.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Followup, error) {
	f, err := s.getLive(ctx, id)
	if err != nil {
		return nil, err
	}
	attempts, err := s.repo.ListAttempts(ctx, id)
	if err != nil {
		return nil, s.storeErr(ctx, "list attempts", err)
	}
	f.Attempts = attempts
	return f, nil
}

func (s *Service) getLive(ctx context.Context, id uuid.UUID) (*Followup, error) {
	f, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) || (err == nil && f.DeletedAt != nil) {
		return nil, apperr.NotFound("followup %s not found", id)
	}
	if err != nil {
		return nil, s.storeErr(ctx, "get followup", err)
	}
	return f, nil
}

// ListByPatient pages through a patient's followups, newest first.
func (s *Service) ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*Followup, int, error) {
	patientID = strings.TrimSpace(patientID)
	if patientID == "" {
		return nil, 0, apperr.Validation("patient_id is required")
	}
	out, total, err := s.repo.ListByPatient(ctx, patientID, limit, offset)
	if err != nil {
		return nil, 0, s.storeErr(ctx, "list followups", err)
	}
	return out, total, nil
}

// DueBoard lists scheduled followups whose window has opened by the given
// day, overdue ones included. A zero day means today in the branch.
func (s *Service) DueBoard(ctx context.Context, f DueFilter, limit, offset int) ([]*Followup, int, error) {
	if f.On.IsZero() {
		f.On = s.branches.Today(lo.FromPtr(f.Branch), s.now())
	}
	out, total, err := s.repo.ListDue(ctx, f, limit, offset)
	if err != nil {
		return nil, 0, s.storeErr(ctx, "list due followups", err)
	}
	for _, fu := range out {
		fu.WindowState = fu.Window().StateOn(f.On)
	}
	return out, total, nil
}

// AttemptInput records one contact attempt.
type AttemptInput struct {
	Channel Channel `json:"channel"`
	Outcome Outcome `json:"outcome"`
	Notes   string  `json:"notes"`
}

// LogAttempt appends a contact attempt to a followup.
func (s *Service) LogAttempt(ctx context.Context, actor auth.Actor, id uuid.UUID, in AttemptInput) (*Attempt, error) {
	if err := requireStaff(actor); err != nil {
		return nil, err
	}
	in.Channel = Channel(strings.ToLower(strings.TrimSpace(string(in.Channel))))
	in.Outcome = Outcome(strings.ToLower(strings.TrimSpace(string(in.Outcome))))
	if !validChannels[in.Channel] {
		return nil, apperr.Validation("invalid channel %q", in.Channel)
	}
	if !validOutcomes[in.Outcome] {
		return nil, apperr.Validation("invalid outcome %q", in.Outcome)
	}
	if _, err := s.getLive(ctx, id); err != nil {
		return nil, err
	}

	a := &Attempt{
		FollowupID:      id,
		Channel:         in.Channel,
		Outcome:         in.Outcome,
		Notes:           lo.EmptyableToPtr(strings.TrimSpace(in.Notes)),
		AttemptedByName: lo.ToPtr(actor.Label()),
		StaffID:         lo.EmptyableToPtr(actor.ID),
	}
	if err := s.repo.AddAttempt(ctx, a); err != nil {
		return nil, s.storeErr(ctx, "log attempt", err)
	}
	s.metrics.RecordAttempt(string(a.Channel), string(a.Outcome))
	return a, nil
}

// ListAttempts returns a followup's attempts, oldest first.
func (s *Service) ListAttempts(ctx context.Context, id uuid.UUID) ([]*Attempt, error) {
	if _, err := s.getLive(ctx, id); err != nil {
		return nil, err
	}
	out, err := s.repo.ListAttempts(ctx, id)
	if err != nil {
		return nil, s.storeErr(ctx, "list attempts", err)
	}
	if out == nil {
		out = []*Attempt{}
	}
	return out, nil
}

func (s *Service) toleranceOr(v *int, def int) (int, error) {
	if v == nil {
		return def, nil
	}
	if *v < 0 {
		return 0, apperr.Validation("tolerance_days must be zero or more")
	}
	return *v, nil
}

func (s *Service) recordSuperseded(n int64) {
	for i := int64(0); i < n; i++ {
		s.metrics.RecordFollowupTransition(string(StatusCanceled), ReasonRescheduled)
	}
}

func (s *Service) storeErr(ctx context.Context, op string, err error) error {
	if _, ok := apperr.As(err); ok {
		return err
	}
	if errors.Is(err, ErrScheduledExists) {
		return apperr.Conflict("followup_exists", "patient already has a scheduled followup, try again")
	}
	s.log(ctx).Error().Err(err).Str("op", op).Msg("followup store failure")
	return fmt.Errorf("%s: %w", op, err)
}

func parseReturnBranch(s string) (*branch.Code, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	c, err := branch.ParseCode(s)
	if err != nil {
		return nil, apperr.Validation("return_branch: %v", err)
	}
	return &c, nil
}
