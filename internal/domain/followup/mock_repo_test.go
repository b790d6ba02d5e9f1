package followup

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// memRepo mirrors the SQL predicates of repoPG. It doubles as the TxRunner:
// a failing transaction restores the rows it started with.
type memRepo struct {
	mu       sync.Mutex
	rows     map[uuid.UUID]*Followup
	attempts []*Attempt
	clock    time.Time
	locks    []string

	failInsert       error
	beforeTransition func(id uuid.UUID)
}

func newMemRepo() *memRepo {
	return &memRepo{
		rows:  make(map[uuid.UUID]*Followup),
		clock: time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (m *memRepo) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	m.mu.Lock()
	snapshot := make(map[uuid.UUID]*Followup, len(m.rows))
	for id, f := range m.rows {
		snapshot[id] = clone(f)
	}
	m.mu.Unlock()

	if err := fn(ctx); err != nil {
		m.mu.Lock()
		m.rows = snapshot
		m.mu.Unlock()
		return err
	}
	return nil
}

func clone(f *Followup) *Followup {
	c := *f
	c.Attempts = nil
	return &c
}

func (m *memRepo) tick() time.Time {
	m.clock = m.clock.Add(time.Second)
	return m.clock
}

func (m *memRepo) scheduled(patientID string) []*Followup {
	return lo.Filter(lo.Values(m.rows), func(f *Followup, _ int) bool {
		return f.PatientID == patientID && f.Active()
	})
}

func (m *memRepo) LockPatient(_ context.Context, patientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locks = append(m.locks, patientID)
	return nil
}

func (m *memRepo) Insert(_ context.Context, f *Followup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failInsert != nil {
		return m.failInsert
	}
	if f.Status == StatusScheduled && len(m.scheduled(f.PatientID)) > 0 {
		return ErrScheduledExists
	}
	f.ID = uuid.New()
	f.CreatedAt = m.tick()
	f.UpdatedAt = f.CreatedAt
	m.rows[f.ID] = clone(f)
	return nil
}

func (m *memRepo) GetByID(_ context.Context, id uuid.UUID) (*Followup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(f), nil
}

func (m *memRepo) Active(_ context.Context, patientID string) (*Followup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.scheduled(patientID)
	if len(rows) == 0 {
		return nil, nil
	}
	latest := lo.MaxBy(rows, func(a, b *Followup) bool { return a.CreatedAt.After(b.CreatedAt) })
	return clone(latest), nil
}

func (m *memRepo) ListByPatient(_ context.Context, patientID string, limit, offset int) ([]*Followup, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := lo.Filter(lo.Values(m.rows), func(f *Followup, _ int) bool {
		return f.PatientID == patientID && f.DeletedAt == nil
	})
	sort.Slice(rows, func(i, j int) bool { return rows[i].CreatedAt.After(rows[j].CreatedAt) })
	return page(rows, limit, offset), len(rows), nil
}

func (m *memRepo) ListDue(_ context.Context, filter DueFilter, limit, offset int) ([]*Followup, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := lo.Filter(lo.Values(m.rows), func(f *Followup, _ int) bool {
		if !f.Active() {
			return false
		}
		if filter.Branch != nil && (f.ReturnBranch == nil || *f.ReturnBranch != *filter.Branch) {
			return false
		}
		return !f.DueDate.AddDays(-f.ToleranceDays).After(filter.On)
	})
	sort.Slice(rows, func(i, j int) bool {
		if c := rows[i].DueDate.Compare(rows[j].DueDate); c != 0 {
			return c < 0
		}
		return rows[i].CreatedAt.Before(rows[j].CreatedAt)
	})
	return page(rows, limit, offset), len(rows), nil
}

func page(rows []*Followup, limit, offset int) []*Followup {
	if offset >= len(rows) {
		return nil
	}
	end := lo.Min([]int{offset + limit, len(rows)})
	return lo.Map(rows[offset:end], func(f *Followup, _ int) *Followup { return clone(f) })
}

func (m *memRepo) CancelScheduled(_ context.Context, patientID, reason, updatedBy string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, f := range m.scheduled(patientID) {
		f.Status = StatusCanceled
		f.CancelReason = lo.ToPtr(reason)
		f.UpdatedBy = lo.ToPtr(updatedBy)
		f.UpdatedAt = m.tick()
		n++
	}
	return n, nil
}

func (m *memRepo) Transition(_ context.Context, id uuid.UUID, t Transition) (bool, error) {
	if m.beforeTransition != nil {
		m.beforeTransition(id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.rows[id]
	if !ok || !f.Active() {
		return false, nil
	}
	f.Status = t.To
	if t.CancelReason != nil {
		f.CancelReason = t.CancelReason
	}
	if t.ClosedByConsultationID != nil {
		f.ClosedByConsultationID = t.ClosedByConsultationID
	}
	if t.CompletionNote != nil {
		if t.AppendNote && lo.FromPtr(f.CompletionNote) != "" {
			f.CompletionNote = lo.ToPtr(*f.CompletionNote + "; " + *t.CompletionNote)
		} else {
			f.CompletionNote = t.CompletionNote
		}
	}
	f.UpdatedBy = lo.ToPtr(t.UpdatedBy)
	f.UpdatedAt = m.tick()
	return true, nil
}

func (m *memRepo) UpdateScheduled(_ context.Context, f *Followup) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rows[f.ID]
	if !ok || !cur.Active() {
		return false, nil
	}
	cur.ReturnBranch = f.ReturnBranch
	cur.DueDate = f.DueDate
	cur.ToleranceDays = f.ToleranceDays
	cur.ValidUntil = f.ValidUntil
	cur.IntendedOutcome = f.IntendedOutcome
	cur.ExpectedTests = f.ExpectedTests
	cur.UpdatedBy = f.UpdatedBy
	cur.UpdatedAt = m.tick()
	f.UpdatedAt = cur.UpdatedAt
	return true, nil
}

func (m *memRepo) SoftDelete(_ context.Context, id uuid.UUID, updatedBy string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.rows[id]
	if !ok || f.DeletedAt != nil {
		return false, nil
	}
	now := m.tick()
	f.DeletedAt = &now
	f.UpdatedBy = lo.ToPtr(updatedBy)
	return true, nil
}

func (m *memRepo) AddAttempt(_ context.Context, a *Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ID = uuid.New()
	a.AttemptedAt = m.tick()
	cp := *a
	m.attempts = append(m.attempts, &cp)
	return nil
}

func (m *memRepo) ListAttempts(_ context.Context, followupID uuid.UUID) ([]*Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lo.Filter(m.attempts, func(a *Attempt, _ int) bool { return a.FollowupID == followupID }), nil
}

// put stores a row directly, bypassing the service.
func (m *memRepo) put(f *Followup) *Followup {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	if f.Status == "" {
		f.Status = StatusScheduled
	}
	f.CreatedAt = m.tick()
	m.rows[f.ID] = clone(f)
	return f
}

func (m *memRepo) scheduledCount(patientID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.scheduled(patientID))
}

var errStore = errors.New("connection reset")
