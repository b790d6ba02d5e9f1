// Package consultqueue hands out per-branch, per-day consult queue numbers.
// Numbers are allocated first-fit and guarded by a partial unique index;
// concurrent enables that collide re-read and try again a bounded number of
// times.
package consultqueue

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
	"github.com/pocholosatoh/wellserv-portal-sub004/internal/platform/retry"
)

// Metrics receives allocator counters.
type Metrics interface {
	RecordQueueEnable(branch, outcome string)
	RecordQueueRetry(branch string)
}

type nopMetrics struct{}

func (nopMetrics) RecordQueueEnable(string, string) {}
func (nopMetrics) RecordQueueRetry(string)          {}

// Enable outcomes reported to Metrics.
const (
	OutcomeAssigned  = "assigned"
	OutcomeExisting  = "existing"
	OutcomeExhausted = "exhausted"
	OutcomeNotFound  = "not_found"
	OutcomeCanceled  = "canceled"
)

// errOutOfScope means the conditional assign matched no row.
var errOutOfScope = errors.New("encounter not assignable")

type Service struct {
	repo     Repository
	tx       db.TxRunner
	branches *branch.Registry
	policy   retry.Policy
	logger   zerolog.Logger
	metrics  Metrics
	now      func() time.Time
}

func NewService(repo Repository, tx db.TxRunner, branches *branch.Registry, policy retry.Policy, logger zerolog.Logger) *Service {
	return &Service{
		repo:     repo,
		tx:       tx,
		branches: branches,
		policy:   policy,
		logger:   logger.With().Str("component", "consultqueue").Logger(),
		metrics:  nopMetrics{},
		now:      time.Now,
	}
}

// SetMetrics attaches a metrics sink.
func (s *Service) SetMetrics(m Metrics) {
	if m != nil {
		s.metrics = m
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

// Today is the branch-local date the queue is kept for.
func (s *Service) Today(b branch.Code) caldate.Date {
	return s.branches.Today(b, s.now())
}

// Enable puts an encounter of today's branch queue at the first free number.
// An encounter that is already queued keeps its number.
func (s *Service) Enable(ctx context.Context, actor auth.Actor, encounterID uuid.UUID, b branch.Code) (*EnableResult, error) {
	if encounterID == uuid.Nil {
		return nil, apperr.Validation("encounter_id is required")
	}
	if err := authorize(actor, b); err != nil {
		return nil, err
	}
	day := s.Today(b)

	if res, err := s.existing(ctx, encounterID, b, day); res != nil || err != nil {
		return res, err
	}

	n, err := retry.Optimistic(ctx, s.policy, isSlotTaken,
		func(ctx context.Context) (int, error) {
			used, err := s.repo.UsedNumbers(ctx, b, day)
			if err != nil {
				return 0, err
			}
			return FirstFit(used), nil
		},
		func(ctx context.Context, n int) error {
			ok, err := s.repo.Assign(ctx, encounterID, b, day, n)
			if err != nil {
				return err
			}
			if !ok {
				return errOutOfScope
			}
			return nil
		},
		func(attempt int, err error) {
			s.metrics.RecordQueueRetry(string(b))
			s.log(ctx).Warn().
				Str("encounter_id", encounterID.String()).
				Str("branch", string(b)).
				Int("attempt", attempt).
				Msg("queue number collision, retrying")
		},
	)
	switch {
	case retry.IsExhausted(err):
		s.metrics.RecordQueueEnable(string(b), OutcomeExhausted)
		s.log(ctx).Warn().Err(err).Str("encounter_id", encounterID.String()).Msg("queue allocation gave up")
		return nil, apperr.Transient("queue_busy", "the consult queue is busy, please try again", err)
	case errors.Is(err, errOutOfScope):
		// Lost to a concurrent enable of the same encounter, or not ours.
		if res, rerr := s.existing(ctx, encounterID, b, day); res != nil || rerr != nil {
			return res, rerr
		}
		s.metrics.RecordQueueEnable(string(b), OutcomeNotFound)
		return nil, notInQueueScope(encounterID, b)
	case err != nil:
		return nil, s.storeErr(ctx, "enable consult queue", err)
	}

	s.metrics.RecordQueueEnable(string(b), OutcomeAssigned)
	s.log(ctx).Info().
		Str("encounter_id", encounterID.String()).
		Str("branch", string(b)).
		Str("day", day.String()).
		Int("queue_number", n).
		Str("actor", actor.Label()).
		Msg("encounter queued for consult")
	return &EnableResult{EncounterID: encounterID, QueueNumber: n, ConsultStatus: StatusQueued}, nil
}

// existing returns the current assignment when the encounter already holds a
// live number, and a not-found error when it is outside (b, day).
func (s *Service) existing(ctx context.Context, encounterID uuid.UUID, b branch.Code, day caldate.Date) (*EnableResult, error) {
	cur, err := s.repo.Get(ctx, encounterID)
	if errors.Is(err, ErrNotFound) {
		s.metrics.RecordQueueEnable(string(b), OutcomeNotFound)
		return nil, notInQueueScope(encounterID, b)
	}
	if err != nil {
		return nil, s.storeErr(ctx, "load encounter", err)
	}
	if cur.Branch != b || !cur.VisitDate.Equal(day) {
		s.metrics.RecordQueueEnable(string(b), OutcomeNotFound)
		return nil, notInQueueScope(encounterID, b)
	}
	if cur.Status == EncounterCanceled {
		s.metrics.RecordQueueEnable(string(b), OutcomeCanceled)
		return nil, apperr.Conflict("encounter_canceled",
			fmt.Sprintf("encounter %s is canceled and cannot be queued", encounterID))
	}
	if cur.Active() && cur.QueueNumber != nil {
		s.metrics.RecordQueueEnable(string(b), OutcomeExisting)
		return &EnableResult{
			EncounterID:   encounterID,
			QueueNumber:   *cur.QueueNumber,
			ConsultStatus: *cur.ConsultStatus,
			Existing:      true,
		}, nil
	}
	return nil, nil
}

func notInQueueScope(id uuid.UUID, b branch.Code) error {
	return apperr.NotFound("encounter %s not found for branch %s today", id, b)
}

func isSlotTaken(err error) bool { return errors.Is(err, ErrSlotTaken) }

// Disable takes an encounter out of the queue. Only the queue fields change.
func (s *Service) Disable(ctx context.Context, actor auth.Actor, encounterID uuid.UUID) (*Slot, error) {
	if encounterID == uuid.Nil {
		return nil, apperr.Validation("encounter_id is required")
	}
	cur, err := s.repo.Get(ctx, encounterID)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.NotFound("encounter %s not found", encounterID)
	}
	if err != nil {
		return nil, s.storeErr(ctx, "load encounter", err)
	}
	if err := authorize(actor, cur.Branch); err != nil {
		return nil, err
	}
	if _, err := s.repo.Clear(ctx, encounterID); err != nil {
		return nil, s.storeErr(ctx, "disable consult queue", err)
	}
	cur.ForConsult, cur.ConsultStatus, cur.QueueNumber = false, nil, nil

	s.log(ctx).Info().
		Str("encounter_id", encounterID.String()).
		Str("actor", actor.Label()).
		Msg("encounter removed from consult queue")
	return cur, nil
}

// Reorder renumbers the listed encounters 1..n in the given order, in one
// transaction. Numbers are cleared first so swaps never collide. Encounters
// that are not listed, or not active, are left alone.
func (s *Service) Reorder(ctx context.Context, actor auth.Actor, b branch.Code, ids []uuid.UUID) ([]*Slot, error) {
	if err := authorize(actor, b); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, apperr.Validation("encounter_ids must not be empty")
	}
	if lo.Contains(ids, uuid.Nil) {
		return nil, apperr.Validation("encounter_ids must be valid ids")
	}
	if dups := lo.FindDuplicates(ids); len(dups) > 0 {
		return nil, apperr.Validation("duplicate encounter ids: %s",
			strings.Join(lo.Map(dups, func(id uuid.UUID, _ int) string { return id.String() }), ", "))
	}

	var renumbered int
	// Two reorders of the same branch can deadlock; the loser reruns.
	err := retry.Do(ctx, s.policy, db.IsContention, func(ctx context.Context, _ int) error {
		renumbered = 0
		return s.tx.InTx(ctx, func(ctx context.Context) error {
			if err := s.repo.ClearNumbers(ctx, b, ids); err != nil {
				return err
			}
			for i, id := range ids {
				ok, err := s.repo.SetNumber(ctx, b, id, i+1)
				if err != nil {
					return err
				}
				if ok {
					renumbered++
				}
			}
			return nil
		})
	}, func(attempt int, err error) {
		s.log(ctx).Warn().Err(err).
			Str("branch", string(b)).
			Int("attempt", attempt).
			Msg("consult queue reorder hit contention, retrying")
	})
	if errors.Is(err, ErrSlotTaken) {
		return nil, apperr.Conflict("queue_number_taken",
			"an encounter missing from the list already holds one of the new numbers")
	}
	if retry.IsExhausted(err) {
		return nil, apperr.Transient("queue_busy", "the consult queue is busy, please try again", err)
	}
	if err != nil {
		return nil, s.storeErr(ctx, "reorder consult queue", err)
	}

	s.log(ctx).Info().
		Str("branch", string(b)).
		Int("requested", len(ids)).
		Int("renumbered", renumbered).
		Str("actor", actor.Label()).
		Msg("consult queue reordered")
	return s.List(ctx, actor, b)
}

// List returns today's active queue for a branch, front first.
func (s *Service) List(ctx context.Context, actor auth.Actor, b branch.Code) ([]*Slot, error) {
	if err := authorize(actor, b); err != nil {
		return nil, err
	}
	out, err := s.repo.ListActive(ctx, b, s.Today(b))
	if err != nil {
		return nil, s.storeErr(ctx, "list consult queue", err)
	}
	if out == nil {
		out = []*Slot{}
	}
	return out, nil
}

// StartConsult moves a queued encounter to in_consult. It reports false when
// the encounter was not waiting in the queue.
func (s *Service) StartConsult(ctx context.Context, encounterID uuid.UUID) (bool, error) {
	ok, err := s.repo.MarkInConsult(ctx, encounterID)
	if err != nil {
		return false, s.storeErr(ctx, "start consult", err)
	}
	return ok, nil
}

// Release frees the encounter's queue number once its consultation is over.
func (s *Service) Release(ctx context.Context, encounterID uuid.UUID) error {
	if _, err := s.repo.Clear(ctx, encounterID); err != nil {
		return s.storeErr(ctx, "release queue slot", err)
	}
	return nil
}

func (s *Service) storeErr(ctx context.Context, op string, err error) error {
	if _, ok := apperr.As(err); ok {
		return err
	}
	s.log(ctx).Error().Err(err).Str("op", op).Msg("consult queue store failure")
	return fmt.Errorf("%s: %w", op, err)
}
