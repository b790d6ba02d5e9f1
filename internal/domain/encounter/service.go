// Package encounter records front-desk intake: one row per patient visit to a
// branch on a branch-local day. Intake can put the visit straight into the
// consult queue.
package encounter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/pocholosatoh/wellserv-portal-sub004/internal/domain/consultqueue"
	"github.com/pocholosatoh/wellserv-portal-sub004/internal/platform/apperr"
	"github.com/pocholosatoh/wellserv-portal-sub004/internal/platform/auth"
	"github.com/pocholosatoh/wellserv-portal-sub004/internal/platform/branch"
	"github.com/pocholosatoh/wellserv-portal-sub004/internal/platform/db"
)

// Queue is the part of the consult queue allocator intake relies on.
type Queue interface {
	Enable(ctx context.Context, actor auth.Actor, encounterID uuid.UUID, b branch.Code) (*consultqueue.EnableResult, error)
	Release(ctx context.Context, encounterID uuid.UUID) error
}

// CreateResult is the intake outcome. QueueError is set when the encounter
// was saved but could not be queued; staff can retry the enable.
type CreateResult struct {
	*Encounter
	QueueError string `json:"queue_error,omitempty"`
}

type Service struct {
	repo     Repository
	tx       db.TxRunner
	queue    Queue
	branches *branch.Registry
	logger   zerolog.Logger
	now      func() time.Time
}

func NewService(repo Repository, tx db.TxRunner, queue Queue, branches *branch.Registry, logger zerolog.Logger) *Service {
	return &Service{
		repo:     repo,
		tx:       tx,
		queue:    queue,
		branches: branches,
		logger:   logger.With().Str("component", "encounter").Logger(),
		now:      time.Now,
	}
}

func (s *Service) log(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &s.logger
}

func authorize(a auth.Actor, b branch.Code) error {
	if !a.Is(auth.RoleStaff, auth.RoleDoctor) {
		return apperr.Forbidden("staff or doctor role required")
	}
	if !a.CanActInBranch(b) {
		return apperr.Forbidden("not allowed to act in branch %s", b)
	}
	return nil
}

func (s *Service) CreateEncounter(ctx context.Context, actor auth.Actor, in CreateInput) (*CreateResult, error) {
	patientID := strings.TrimSpace(in.PatientID)
	if patientID == "" {
		return nil, apperr.Validation("patient_id is required")
	}
	b := actor.Branch
	if in.Branch != "" {
		var err error
		if b, err = branch.ParseCode(in.Branch); err != nil {
			return nil, apperr.Validation("%v", err)
		}
	}
	if b == "" {
		return nil, apperr.Validation("branch is required")
	}
	if err := authorize(actor, b); err != nil {
		return nil, err
	}

	enc := &Encounter{
		PatientID: patientID,
		Branch:    b,
		VisitDate: s.branches.Today(b, s.now()),
		Status:    StatusIntake,
		Notes:     lo.EmptyableToPtr(strings.TrimSpace(in.Notes)),
		CreatedBy: lo.ToPtr(actor.Label()),
	}
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.repo.Create(ctx, enc); err != nil {
			return err
		}
		return s.repo.AddStatusHistory(ctx, &EncounterStatusHistory{
			EncounterID: enc.ID,
			Status:      enc.Status,
			ChangedBy:   enc.CreatedBy,
			PeriodStart: s.now().UTC(),
		})
	})
	if err != nil {
		return nil, s.storeErr(ctx, "create encounter", err)
	}
	s.log(ctx).Info().
		Str("encounter_id", enc.ID.String()).
		Str("patient_id", enc.PatientID).
		Str("branch", string(b)).
		Str("day", enc.VisitDate.String()).
		Msg("encounter created")

	res := &CreateResult{Encounter: enc}
	if !in.ForConsult {
		return res, nil
	}
	q, err := s.queue.Enable(ctx, actor, enc.ID, b)
	if err != nil {
		s.log(ctx).Warn().Err(err).Str("encounter_id", enc.ID.String()).Msg("intake saved but not queued")
		if ae, ok := apperr.As(err); ok {
			res.QueueError = ae.Message
		} else {
			res.QueueError = "could not add to consult queue"
		}
		return res, nil
	}
	enc.ForConsult = true
	enc.ConsultStatus = lo.ToPtr(q.ConsultStatus)
	enc.QueueNumber = lo.ToPtr(q.QueueNumber)
	return res, nil
}

func (s *Service) GetEncounter(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Encounter, error) {
	enc, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.NotFound("encounter %s not found", id)
	}
	if err != nil {
		return nil, s.storeErr(ctx, "get encounter", err)
	}
	if err := authorize(actor, enc.Branch); err != nil {
		return nil, err
	}
	return enc, nil
}

// ListEncounters returns a branch's encounters for a day; a zero date means
// the branch's today.
func (s *Service) ListEncounters(ctx context.Context, actor auth.Actor, f ListFilter, limit, offset int) ([]*Encounter, int, error) {
	if err := authorize(actor, f.Branch); err != nil {
		return nil, 0, err
	}
	if f.Date.IsZero() {
		f.Date = s.branches.Today(f.Branch, s.now())
	}
	encs, total, err := s.repo.List(ctx, f, limit, offset)
	if err != nil {
		return nil, 0, s.storeErr(ctx, "list encounters", err)
	}
	if encs == nil {
		encs = []*Encounter{}
	}
	return encs, total, nil
}

// UpdateEncounterStatus moves the encounter through its workflow and records
// the change in the status history. Canceling also frees its queue number.
func (s *Service) UpdateEncounterStatus(ctx context.Context, actor auth.Actor, id uuid.UUID, status string) (*Encounter, error) {
	if !validStatuses[status] {
		return nil, apperr.Validation("invalid status: %s", status)
	}
	enc, err := s.GetEncounter(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if enc.Status == status {
		return enc, nil
	}
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.repo.CloseStatusHistory(ctx, id); err != nil {
			return err
		}
		if err := s.repo.UpdateStatus(ctx, id, status); err != nil {
			return err
		}
		if err := s.repo.AddStatusHistory(ctx, &EncounterStatusHistory{
			EncounterID: id,
			Status:      status,
			ChangedBy:   lo.ToPtr(actor.Label()),
			PeriodStart: s.now().UTC(),
		}); err != nil {
			return err
		}
		if status == StatusCanceled {
			return s.queue.Release(ctx, id)
		}
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.NotFound("encounter %s not found", id)
	}
	if err != nil {
		return nil, s.storeErr(ctx, "update encounter status", err)
	}

	s.log(ctx).Info().
		Str("encounter_id", id.String()).
		Str("from", enc.Status).
		Str("to", status).
		Str("actor", actor.Label()).
		Msg("encounter status changed")
	return s.GetEncounter(ctx, actor, id)
}

func (s *Service) GetStatusHistory(ctx context.Context, actor auth.Actor, id uuid.UUID) ([]*EncounterStatusHistory, error) {
	if _, err := s.GetEncounter(ctx, actor, id); err != nil {
		return nil, err
	}
	history, err := s.repo.GetStatusHistory(ctx, id)
	if err != nil {
		return nil, s.storeErr(ctx, "get status history", err)
	}
	if history == nil {
		history = []*EncounterStatusHistory{}
	}
	return history, nil
}

func (s *Service) storeErr(ctx context.Context, op string, err error) error {
	if _, ok := apperr.As(err); ok {
		return err
	}
	s.log(ctx).Error().Err(err).Str("op", op).Msg("encounter store failure")
	return fmt.Errorf("%s: %w", op, err)
}
