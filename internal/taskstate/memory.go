package taskstate

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a single-process Store with lazy expiry.
type MemoryStore struct {
	mu    sync.Mutex
	tasks map[string]*memoryTask
	now   func() time.Time
}

type memoryTask struct {
	task      Task
	uploaded  int64
	pending   map[int]struct{}
	claimed   bool
	expiresAt time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: make(map[string]*memoryTask),
		now:   time.Now,
	}
}

// SetClock replaces the clock used for expiry.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// get must be called with mu held.
func (m *MemoryStore) get(taskID string) (*memoryTask, bool) {
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, false
	}
	if !m.now().Before(t.expiresAt) {
		delete(m.tasks, taskID)
		return nil, false
	}
	return t, true
}

func (m *MemoryStore) Create(_ context.Context, task Task, ttl time.Duration) error {
	if err := validateTask(task, ttl); err != nil {
		return err
	}
	pending := make(map[int]struct{}, task.TotalChunks)
	for i := 1; i <= task.TotalChunks; i++ {
		pending[i] = struct{}{}
	}
	task.Uploaded = 0

	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[task.TaskID] = &memoryTask{
		task:      task,
		pending:   pending,
		expiresAt: m.now().Add(ttl),
	}
	return nil
}

func (m *MemoryStore) Load(_ context.Context, taskID string) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.get(taskID)
	if !ok {
		return Task{}, ErrNotFound
	}
	task := t.task
	task.Uploaded = t.uploaded
	return task, nil
}

func (m *MemoryStore) RemovePending(_ context.Context, taskID string, index int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.get(taskID)
	if !ok {
		return false, nil
	}
	if _, member := t.pending[index]; !member {
		return false, nil
	}
	delete(t.pending, index)
	return true, nil
}

func (m *MemoryStore) AddPending(_ context.Context, taskID string, index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.get(taskID)
	if !ok {
		return ErrNotFound
	}
	t.pending[index] = struct{}{}
	return nil
}

func (m *MemoryStore) IncrementUploaded(_ context.Context, taskID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.get(taskID)
	if !ok {
		return 0, ErrNotFound
	}
	t.uploaded++
	return t.uploaded, nil
}

func (m *MemoryStore) Pending(_ context.Context, taskID string) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.get(taskID)
	if !ok {
		return []int{}, nil
	}
	out := make([]int, 0, len(t.pending))
	for i := range t.pending {
		out = append(out, i)
	}
	sort.Ints(out)
	return out, nil
}

func (m *MemoryStore) ClaimAssembly(_ context.Context, taskID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.get(taskID)
	if !ok {
		return false, ErrNotFound
	}
	if t.claimed {
		return false, nil
	}
	t.claimed = true
	return true, nil
}

func (m *MemoryStore) Delete(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, taskID)
	return nil
}

func (m *MemoryStore) Exists(_ context.Context, taskID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.get(taskID)
	return ok, nil
}
