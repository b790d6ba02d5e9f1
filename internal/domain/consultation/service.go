// Package consultation opens and closes doctor consultations. Finishing one
// frees its consult queue slot and gives the follow-up lifecycle a chance to
// close the patient's scheduled return visit.
package consultation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/pocholosatoh/wellserv-portal-sub004/internal/domain/followup"
	"github.com/pocholosatoh/wellserv-portal-sub004/internal/platform/apperr"
	"github.com/pocholosatoh/wellserv-portal-sub004/internal/platform/auth"
	"github.com/pocholosatoh/wellserv-portal-sub004/internal/platform/db"
)

// Queue is the consult queue as seen from a consultation.
type Queue interface {
	StartConsult(ctx context.Context, encounterID uuid.UUID) (bool, error)
	Release(ctx context.Context, encounterID uuid.UUID) error
}

// Followups is the follow-up lifecycle as seen from a consultation.
type Followups interface {
	AutoClear(ctx context.Context, fc followup.FinishedConsultation) (*followup.AutoClearResult, error)
	Upsert(ctx context.Context, actor auth.Actor, in followup.UpsertInput) (*followup.Followup, error)
}

type Service struct {
	repo      Repository
	tx        db.TxRunner
	queue     Queue
	followups Followups
	logger    zerolog.Logger
	now       func() time.Time
}

func NewService(repo Repository, tx db.TxRunner, queue Queue, followups Followups, logger zerolog.Logger) *Service {
	return &Service{
		repo:      repo,
		tx:        tx,
		queue:     queue,
		followups: followups,
		logger:    logger.With().Str("component", "consultation").Logger(),
		now:       time.Now,
	}
}

func (s *Service) log(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &s.logger
}

func requireDoctor(a auth.Actor) error {
	if !a.Is(auth.RoleDoctor) {
		return apperr.Forbidden("doctor role required")
	}
	if a.Branch == "" {
		return apperr.Validation("doctor has no branch assigned")
	}
	return nil
}

// Start opens a consultation in the doctor's branch. A linked encounter that
// is waiting in the consult queue moves to in_consult.
func (s *Service) Start(ctx context.Context, actor auth.Actor, in StartInput) (*Consultation, error) {
	if err := requireDoctor(actor); err != nil {
		return nil, err
	}
	patientID := strings.TrimSpace(in.PatientID)
	if patientID == "" {
		return nil, apperr.Validation("patient_id is required")
	}
	typ := strings.ToLower(strings.TrimSpace(in.Type))
	if typ == "" {
		typ = TypeNew
	}

	c := &Consultation{
		PatientID:   patientID,
		EncounterID: in.EncounterID,
		DoctorID:    actor.ID,
		Branch:      actor.Branch,
		VisitAt:     s.now().UTC(),
		Type:        typ,
		Status:      StatusInProgress,
	}
	if err := s.repo.Create(ctx, c); err != nil {
		return nil, s.storeErr(ctx, "start consultation", err)
	}
	if c.EncounterID != nil {
		moved, err := s.queue.StartConsult(ctx, *c.EncounterID)
		if err != nil {
			return nil, err
		}
		if !moved {
			s.log(ctx).Debug().Str("encounter_id", c.EncounterID.String()).Msg("encounter was not waiting in the consult queue")
		}
	}

	s.log(ctx).Info().
		Str("consultation_id", c.ID.String()).
		Str("patient_id", c.PatientID).
		Str("type", c.Type).
		Str("doctor", actor.Label()).
		Msg("consultation started")
	return c, nil
}

// Finish closes the consultation, frees the encounter's queue slot and runs
// follow-up auto-clear, all in one transaction: if any step fails the
// consultation stays in progress and the call can be repeated. A call on a
// finished consultation does not re-run the side effects.
func (s *Service) Finish(ctx context.Context, actor auth.Actor, id uuid.UUID, in FinishInput) (*FinishResult, error) {
	if err := requireDoctor(actor); err != nil {
		return nil, err
	}
	c, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.CanActInBranch(c.Branch) {
		return nil, apperr.Forbidden("not allowed to act in branch %s", c.Branch)
	}

	res := &FinishResult{}
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		finished, err := s.repo.Finish(ctx, id)
		if err != nil {
			return s.storeErr(ctx, "finish consultation", err)
		}
		if !finished {
			return nil
		}
		res.Finished = true

		if c.EncounterID != nil {
			if err := s.queue.Release(ctx, *c.EncounterID); err != nil {
				return err
			}
		}
		res.AutoClear, err = s.followups.AutoClear(ctx, followup.FinishedConsultation{
			PatientID:         c.PatientID,
			ConsultationID:    c.ID.String(),
			VisitAt:           c.VisitAt,
			Type:              c.Type,
			Branch:            c.Branch,
			SkipFollowupClear: in.SkipFollowupClear,
		})
		if err != nil {
			return err
		}
		if in.Followup != nil {
			next := *in.Followup
			next.PatientID = c.PatientID
			next.CreatedFromConsultationID = c.ID.String()
			if next.ReturnBranch == "" {
				next.ReturnBranch = string(c.Branch)
			}
			if res.ScheduledFollowup, err = s.followups.Upsert(ctx, actor, next); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.log(ctx).Warn().Err(err).Str("consultation_id", id.String()).Msg("finish rolled back")
		return nil, err
	}

	if res.Consultation, err = s.get(ctx, id); err != nil {
		return nil, err
	}
	if !res.Finished {
		return res, nil
	}
	s.log(ctx).Info().
		Str("consultation_id", id.String()).
		Str("auto_clear", string(res.AutoClear.Code)).
		Bool("scheduled_followup", res.ScheduledFollowup != nil).
		Msg("consultation finished")
	return res, nil
}

func (s *Service) Get(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Consultation, error) {
	c, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.Role == auth.RolePatient && c.PatientID != actor.PatientID {
		return nil, apperr.NotFound("consultation %s not found", id)
	}
	return c, nil
}

func (s *Service) ListByPatient(ctx context.Context, actor auth.Actor, patientID string, limit, offset int) ([]*Consultation, int, error) {
	if actor.Role == auth.RolePatient {
		patientID = actor.PatientID
	}
	if strings.TrimSpace(patientID) == "" {
		return nil, 0, apperr.Validation("patient_id is required")
	}
	out, total, err := s.repo.ListByPatient(ctx, patientID, limit, offset)
	if err != nil {
		return nil, 0, s.storeErr(ctx, "list consultations", err)
	}
	return lo.Ternary(out == nil, []*Consultation{}, out), total, nil
}

func (s *Service) get(ctx context.Context, id uuid.UUID) (*Consultation, error) {
	c, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.NotFound("consultation %s not found", id)
	}
	if err != nil {
		return nil, s.storeErr(ctx, "get consultation", err)
	}
	return c, nil
}

func (s *Service) storeErr(ctx context.Context, op string, err error) error {
	if _, ok := apperr.As(err); ok {
		return err
	}
	s.log(ctx).Error().Err(err).Str("op", op).Msg("consultation store failure")
	return fmt.Errorf("%s: %w", op, err)
}
