package consultqueue

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/pocholosatoh/wellserv-portal-sub004/internal/platform/branch"
	"github.com/pocholosatoh/wellserv-portal-sub004/internal/platform/caldate"
)

// memRepo mirrors repoPG, including the partial unique index on
// (branch, day, queue_number) among active encounters. It doubles as the
// TxRunner and rolls back to a snapshot when the transaction fails.
type memRepo struct {
	mu    sync.Mutex
	slots map[uuid.UUID]*Slot

	// beforeAssign runs ahead of every Assign, outside the lock, so tests can
	// slip a competing writer in between read and write.
	beforeAssign func(n int)
	assignCalls  int

	// setNumberErrs are returned, in order, by the next SetNumber calls.
	setNumberErrs []error
}

func newMemRepo() *memRepo {
	return &memRepo{slots: make(map[uuid.UUID]*Slot)}
}

func (m *memRepo) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	m.mu.Lock()
	snapshot := make(map[uuid.UUID]*Slot, len(m.slots))
	for id, s := range m.slots {
		c := *s
		snapshot[id] = &c
	}
	m.mu.Unlock()

	if err := fn(ctx); err != nil {
		m.mu.Lock()
		m.slots = snapshot
		m.mu.Unlock()
		return err
	}
	return nil
}

// put stores an encounter, optionally already queued under n (n > 0).
func (m *memRepo) put(b branch.Code, day caldate.Date, n int) *Slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &Slot{EncounterID: uuid.New(), PatientID: "P-" + uuid.NewString()[:8], Branch: b, VisitDate: day, Status: "intake"}
	if n > 0 {
		s.ForConsult = true
		s.ConsultStatus = lo.ToPtr(StatusQueued)
		s.QueueNumber = lo.ToPtr(n)
	}
	m.slots[s.EncounterID] = s
	return s
}

func (m *memRepo) number(id uuid.UUID) *int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slots[id].QueueNumber
}

func (m *memRepo) taken(b branch.Code, day caldate.Date, n int, except uuid.UUID) bool {
	for _, s := range m.slots {
		if s.EncounterID != except && s.Branch == b && s.VisitDate.Equal(day) &&
			s.Active() && s.QueueNumber != nil && *s.QueueNumber == n {
			return true
		}
	}
	return false
}

func (m *memRepo) Get(_ context.Context, id uuid.UUID) (*Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *s
	return &c, nil
}

func (m *memRepo) UsedNumbers(_ context.Context, b branch.Code, day caldate.Date) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var used []int
	for _, s := range m.slots {
		if s.Branch == b && s.VisitDate.Equal(day) && s.Active() && s.QueueNumber != nil {
			used = append(used, *s.QueueNumber)
		}
	}
	return used, nil
}

func (m *memRepo) Assign(_ context.Context, id uuid.UUID, b branch.Code, day caldate.Date, n int) (bool, error) {
	if m.beforeAssign != nil {
		m.beforeAssign(n)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignCalls++
	s, ok := m.slots[id]
	if !ok || s.Branch != b || !s.VisitDate.Equal(day) || s.QueueNumber != nil || s.Status == EncounterCanceled {
		return false, nil
	}
	if m.taken(b, day, n, id) {
		return false, ErrSlotTaken
	}
	s.ForConsult = true
	s.ConsultStatus = lo.ToPtr(StatusQueued)
	s.QueueNumber = lo.ToPtr(n)
	return true, nil
}

func (m *memRepo) Clear(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[id]
	if !ok {
		return false, nil
	}
	s.ForConsult, s.ConsultStatus, s.QueueNumber = false, nil, nil
	return true, nil
}

func (m *memRepo) ClearNumbers(_ context.Context, b branch.Code, ids []uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if s, ok := m.slots[id]; ok && s.Branch == b && s.Active() {
			s.QueueNumber = nil
		}
	}
	return nil
}

func (m *memRepo) SetNumber(_ context.Context, b branch.Code, id uuid.UUID, n int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.setNumberErrs) > 0 {
		err := m.setNumberErrs[0]
		m.setNumberErrs = m.setNumberErrs[1:]
		return false, err
	}
	s, ok := m.slots[id]
	if !ok || s.Branch != b || !s.Active() {
		return false, nil
	}
	if m.taken(b, s.VisitDate, n, id) {
		return false, ErrSlotTaken
	}
	s.QueueNumber = lo.ToPtr(n)
	return true, nil
}

func (m *memRepo) ListActive(_ context.Context, b branch.Code, day caldate.Date) ([]*Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := lo.FilterMap(lo.Values(m.slots), func(s *Slot, _ int) (*Slot, bool) {
		c := *s
		return &c, s.Branch == b && s.VisitDate.Equal(day) && s.Active()
	})
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].QueueNumber, out[j].QueueNumber
		if a == nil || b == nil {
			return b == nil && a != nil
		}
		return *a < *b
	})
	return out, nil
}

func (m *memRepo) MarkInConsult(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[id]
	if !ok || s.ConsultStatus == nil || *s.ConsultStatus != StatusQueued {
		return false, nil
	}
	s.ConsultStatus = lo.ToPtr(StatusInConsult)
	return true, nil
}
