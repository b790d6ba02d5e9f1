package consultation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pocholosatoh/wellserv-portal-sub004/internal/domain/followup"
	"github.com/pocholosatoh/wellserv-portal-sub004/internal/platform/apperr"
	"github.com/pocholosatoh/wellserv-portal-sub004/internal/platform/auth"
	"github.com/pocholosatoh/wellserv-portal-sub004/internal/platform/branch"
)

var (
	doctor    = auth.Actor{ID: "doc-1", Name: "Dr. Reyes", Role: auth.RoleDoctor, Branch: branch.SI}
	slDoctor  = auth.Actor{ID: "doc-2", Name: "Dr. Cruz", Role: auth.RoleDoctor, Branch: branch.SL}
	frontDesk = auth.Actor{ID: "staff-1", Name: "Front Desk", Role: auth.RoleStaff, Branch: branch.SI}
	patient   = auth.Actor{ID: "P1", Role: auth.RolePatient, PatientID: "P1"}
)

// memRepo doubles as the TxRunner and restores its rows when the
// transaction fails.
type memRepo struct {
	rows map[uuid.UUID]*Consultation
}

func (m *memRepo) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	snapshot := make(map[uuid.UUID]*Consultation, len(m.rows))
	for id, c := range m.rows {
		cp := *c
		snapshot[id] = &cp
	}
	if err := fn(ctx); err != nil {
		m.rows = snapshot
		return err
	}
	return nil
}

func (m *memRepo) Create(_ context.Context, c *Consultation) error {
	c.ID = uuid.New()
	c.CreatedAt, c.UpdatedAt = c.VisitAt, c.VisitAt
	cp := *c
	m.rows[c.ID] = &cp
	return nil
}

func (m *memRepo) GetByID(_ context.Context, id uuid.UUID) (*Consultation, error) {
	c, ok := m.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memRepo) ListByPatient(_ context.Context, patientID string, _, _ int) ([]*Consultation, int, error) {
	out := lo.Filter(lo.Values(m.rows), func(c *Consultation, _ int) bool { return c.PatientID == patientID })
	return out, len(out), nil
}

func (m *memRepo) Finish(_ context.Context, id uuid.UUID) (bool, error) {
	c, ok := m.rows[id]
	if !ok || c.Status != StatusInProgress {
		return false, nil
	}
	c.Status = StatusDone
	c.FinishedAt = lo.ToPtr(c.VisitAt.Add(20 * time.Minute))
	return true, nil
}

type fakeQueue struct {
	started  []uuid.UUID
	released []uuid.UUID
}

func (q *fakeQueue) StartConsult(_ context.Context, id uuid.UUID) (bool, error) {
	q.started = append(q.started, id)
	return true, nil
}

func (q *fakeQueue) Release(_ context.Context, id uuid.UUID) error {
	q.released = append(q.released, id)
	return nil
}

type fakeFollowups struct {
	finished []followup.FinishedConsultation
	upserts  []followup.UpsertInput
	code     followup.AutoClearCode
	err      error
}

func (f *fakeFollowups) AutoClear(_ context.Context, fc followup.FinishedConsultation) (*followup.AutoClearResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.finished = append(f.finished, fc)
	return &followup.AutoClearResult{Cleared: f.code == followup.AutoClearCleared, Code: f.code}, nil
}

func (f *fakeFollowups) Upsert(_ context.Context, _ auth.Actor, in followup.UpsertInput) (*followup.Followup, error) {
	f.upserts = append(f.upserts, in)
	return &followup.Followup{
		ID:                        uuid.New(),
		PatientID:                 in.PatientID,
		CreatedFromConsultationID: in.CreatedFromConsultationID,
		DueDate:                   in.DueDate,
		Status:                    followup.StatusScheduled,
	}, nil
}

func newTestService(t *testing.T) (*Service, *memRepo, *fakeQueue, *fakeFollowups) {
	t.Helper()
	repo := &memRepo{rows: make(map[uuid.UUID]*Consultation)}
	q := &fakeQueue{}
	f := &fakeFollowups{code: followup.AutoClearCleared}
	svc := NewService(repo, repo, q, f, zerolog.Nop())
	svc.now = func() time.Time { return time.Date(2024, 5, 3, 2, 0, 0, 0, time.UTC) }
	return svc, repo, q, f
}

func TestStart(t *testing.T) {
	svc, _, q, _ := newTestService(t)
	enc := uuid.New()

	c, err := svc.Start(context.Background(), doctor, StartInput{PatientID: "P1", EncounterID: &enc, Type: " FollowUp "})
	require.NoError(t, err)

	assert.Equal(t, StatusInProgress, c.Status)
	assert.Equal(t, "followup", c.Type)
	assert.Equal(t, branch.SI, c.Branch)
	assert.Equal(t, "doc-1", c.DoctorID)
	assert.Equal(t, time.Date(2024, 5, 3, 2, 0, 0, 0, time.UTC), c.VisitAt)
	assert.Equal(t, []uuid.UUID{enc}, q.started)
}

func TestStart_DefaultsAndValidation(t *testing.T) {
	svc, _, q, _ := newTestService(t)
	ctx := context.Background()

	c, err := svc.Start(ctx, doctor, StartInput{PatientID: "P1"})
	require.NoError(t, err)
	assert.Equal(t, TypeNew, c.Type)
	assert.Empty(t, q.started)

	_, err = svc.Start(ctx, doctor, StartInput{})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = svc.Start(ctx, frontDesk, StartInput{PatientID: "P1"})
	assert.True(t, apperr.Is(err, apperr.KindForbidden))

	_, err = svc.Start(ctx, auth.Actor{ID: "doc-x", Role: auth.RoleDoctor}, StartInput{PatientID: "P1"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestFinish_ReleasesSlotAndAutoClears(t *testing.T) {
	svc, _, q, f := newTestService(t)
	ctx := context.Background()
	enc := uuid.New()
	c, err := svc.Start(ctx, doctor, StartInput{PatientID: "P1", EncounterID: &enc, Type: TypeFollowup})
	require.NoError(t, err)

	res, err := svc.Finish(ctx, doctor, c.ID, FinishInput{})
	require.NoError(t, err)

	assert.True(t, res.Finished)
	assert.Equal(t, StatusDone, res.Consultation.Status)
	assert.NotNil(t, res.Consultation.FinishedAt)
	assert.Equal(t, []uuid.UUID{enc}, q.released)
	require.NotNil(t, res.AutoClear)
	assert.Equal(t, followup.AutoClearCleared, res.AutoClear.Code)

	require.Len(t, f.finished, 1)
	fc := f.finished[0]
	assert.Equal(t, "P1", fc.PatientID)
	assert.Equal(t, c.ID.String(), fc.ConsultationID)
	assert.Equal(t, TypeFollowup, fc.Type)
	assert.Equal(t, branch.SI, fc.Branch)
	assert.Equal(t, c.VisitAt, fc.VisitAt)
	assert.False(t, fc.SkipFollowupClear)
}

func TestFinish_Twice(t *testing.T) {
	svc, _, q, f := newTestService(t)
	ctx := context.Background()
	enc := uuid.New()
	c, _ := svc.Start(ctx, doctor, StartInput{PatientID: "P1", EncounterID: &enc})

	_, err := svc.Finish(ctx, doctor, c.ID, FinishInput{})
	require.NoError(t, err)
	res, err := svc.Finish(ctx, doctor, c.ID, FinishInput{})
	require.NoError(t, err)

	assert.False(t, res.Finished)
	assert.Nil(t, res.AutoClear)
	assert.Equal(t, StatusDone, res.Consultation.Status)
	assert.Len(t, q.released, 1)
	assert.Len(t, f.finished, 1)
}

func TestFinish_PassesSkipFlag(t *testing.T) {
	svc, _, _, f := newTestService(t)
	f.code = followup.AutoClearSkipFlag
	c, _ := svc.Start(context.Background(), doctor, StartInput{PatientID: "P1", Type: TypeFollowup})

	res, err := svc.Finish(context.Background(), doctor, c.ID, FinishInput{SkipFollowupClear: true})
	require.NoError(t, err)

	assert.False(t, res.AutoClear.Cleared)
	assert.Equal(t, followup.AutoClearSkipFlag, res.AutoClear.Code)
	assert.True(t, f.finished[0].SkipFollowupClear)
}

func TestFinish_SchedulesNextFollowup(t *testing.T) {
	svc, _, _, f := newTestService(t)
	c, _ := svc.Start(context.Background(), doctor, StartInput{PatientID: "P1"})

	res, err := svc.Finish(context.Background(), doctor, c.ID, FinishInput{
		Followup: &followup.UpsertInput{PatientID: "ignored", IntendedOutcome: "review labs"},
	})
	require.NoError(t, err)

	require.Len(t, f.upserts, 1)
	in := f.upserts[0]
	assert.Equal(t, "P1", in.PatientID)
	assert.Equal(t, c.ID.String(), in.CreatedFromConsultationID)
	assert.Equal(t, "SI", in.ReturnBranch)
	assert.Equal(t, "review labs", in.IntendedOutcome)
	require.NotNil(t, res.ScheduledFollowup)
	assert.Equal(t, c.ID.String(), res.ScheduledFollowup.CreatedFromConsultationID)
}

func TestFinish_Errors(t *testing.T) {
	svc, _, _, f := newTestService(t)
	ctx := context.Background()
	c, _ := svc.Start(ctx, doctor, StartInput{PatientID: "P1"})

	_, err := svc.Finish(ctx, doctor, uuid.New(), FinishInput{})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	_, err = svc.Finish(ctx, slDoctor, c.ID, FinishInput{})
	assert.True(t, apperr.Is(err, apperr.KindForbidden))

	f.err = errors.New("db down")
	_, err = svc.Finish(ctx, doctor, c.ID, FinishInput{})
	assert.ErrorIs(t, err, f.err)
}

func TestFinish_FailedAutoClearCanBeRetried(t *testing.T) {
	svc, repo, q, f := newTestService(t)
	ctx := context.Background()
	enc := uuid.New()
	c, err := svc.Start(ctx, doctor, StartInput{PatientID: "P1", EncounterID: &enc, Type: TypeFollowup})
	require.NoError(t, err)

	f.err = errors.New("db down")
	_, err = svc.Finish(ctx, doctor, c.ID, FinishInput{})
	require.ErrorIs(t, err, f.err)
	assert.Equal(t, StatusInProgress, repo.rows[c.ID].Status, "consultation must stay open after a failed finish")
	assert.Nil(t, repo.rows[c.ID].FinishedAt)

	f.err = nil
	res, err := svc.Finish(ctx, doctor, c.ID, FinishInput{})
	require.NoError(t, err)
	assert.True(t, res.Finished)
	require.NotNil(t, res.AutoClear)
	assert.Equal(t, followup.AutoClearCleared, res.AutoClear.Code)
	assert.Len(t, f.finished, 1)
	assert.Equal(t, StatusDone, res.Consultation.Status)
	assert.Contains(t, q.released, enc)
}

func TestGet_PatientScope(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()
	own, _ := svc.Start(ctx, doctor, StartInput{PatientID: "P1"})
	other, _ := svc.Start(ctx, doctor, StartInput{PatientID: "P2"})

	_, err := svc.Get(ctx, patient, own.ID)
	assert.NoError(t, err)

	_, err = svc.Get(ctx, patient, other.ID)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	out, total, err := svc.ListByPatient(ctx, patient, "P2", 20, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "P1", out[0].PatientID)
}
