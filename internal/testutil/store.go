package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/univy/docpipe/internal/dedup"
	"github.com/univy/docpipe/internal/task"
)

// MemStore is an in-memory task store for unit tests. It mirrors the
// semantics of task.Store — transition legality, idempotent retries, and
// the single-active-task guard — without a database.
//
// Error fields inject faults for failure-path tests; when set, the matching
// method returns that error without touching state.
type MemStore struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*task.Task

	CreateErr     error
	TransitionErr error
	GetErr        error
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{tasks: make(map[uuid.UUID]*task.Task)}
}

// Add seeds a task directly, bypassing lifecycle checks. Test setup only.
func (m *MemStore) Add(t *task.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.tasks[t.ID] = &cp
}

// Len returns the number of stored tasks.
func (m *MemStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

func (m *MemStore) Create(ctx context.Context, kind task.Kind, inputRef, contentHash string) (*task.Task, error) {
	if m.CreateErr != nil {
		return nil, m.CreateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &task.Task{
		ID:          uuid.New(),
		Kind:        kind,
		Status:      task.StatusPending,
		InputRef:    inputRef,
		ContentHash: contentHash,
		CreatedAt:   time.Now().UTC(),
	}
	m.tasks[t.ID] = t
	cp := *t
	return &cp, nil
}

func (m *MemStore) CreateIfAbsent(ctx context.Context, kind task.Kind, inputRef, contentHash string) (*task.Task, bool, error) {
	if m.CreateErr != nil {
		return nil, false, m.CreateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing := m.findActiveLocked(kind, contentHash); existing != nil {
		cp := *existing
		return &cp, false, nil
	}
	t := &task.Task{
		ID:          uuid.New(),
		Kind:        kind,
		Status:      task.StatusPending,
		InputRef:    inputRef,
		ContentHash: contentHash,
		CreatedAt:   time.Now().UTC(),
	}
	m.tasks[t.ID] = t
	cp := *t
	return &cp, true, nil
}

func (m *MemStore) findActiveLocked(kind task.Kind, contentHash string) *task.Task {
	for _, t := range m.tasks {
		if t.Status.Terminal() {
			continue
		}
		if kind == task.KindParse {
			if t.Kind == task.KindParse && t.ContentHash == contentHash {
				return t
			}
		} else if t.Kind == kind {
			return t
		}
	}
	return nil
}

func (m *MemStore) Transition(ctx context.Context, id uuid.UUID, to task.Status, p task.Payload) error {
	if m.TransitionErr != nil {
		return m.TransitionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return task.ErrNotFound
	}
	if t.Status == to {
		return nil // idempotent retry
	}
	if !task.CanTransition(t.Status, to) {
		return &task.TransitionError{TaskID: id, From: t.Status, To: to}
	}
	now := time.Now().UTC()
	t.Status = to
	switch to {
	case task.StatusRunning:
		t.StartedAt = &now
	case task.StatusSucceeded:
		t.FinishedAt = &now
		t.Result = p.Result
	case task.StatusFailed:
		t.FinishedAt = &now
		t.Failure = p.Failure
	}
	return nil
}

func (m *MemStore) Get(ctx context.Context, id uuid.UUID) (*task.Task, error) {
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, task.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemStore) List(ctx context.Context, f task.Filter) ([]*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*task.Task
	for _, t := range m.tasks {
		if f.Kind != "" && t.Kind != f.Kind {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	limit := f.Limit
	if limit <= 0 {
		limit = task.DefaultListLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) ActiveParseByHash(ctx context.Context, contentHash string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t := m.findActiveLocked(task.KindParse, contentHash); t != nil {
		cp := *t
		return &cp, nil
	}
	return nil, task.ErrNotFound
}

func (m *MemStore) ActiveByKind(ctx context.Context, kind task.Kind) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t := m.findActiveLocked(kind, ""); t != nil {
		cp := *t
		return &cp, nil
	}
	return nil, task.ErrNotFound
}

// MemIndex is an in-memory dedup index for unit tests.
type MemIndex struct {
	mu  sync.Mutex
	fps map[string]dedup.Fingerprint

	RecordErr error
	LookupErr error
}

// NewMemIndex returns an empty MemIndex.
func NewMemIndex() *MemIndex {
	return &MemIndex{fps: make(map[string]dedup.Fingerprint)}
}

func (m *MemIndex) Lookup(ctx context.Context, contentHash string) (*dedup.Fingerprint, error) {
	if m.LookupErr != nil {
		return nil, m.LookupErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	fp, ok := m.fps[contentHash]
	if !ok {
		return nil, dedup.ErrNotFound
	}
	cp := fp
	return &cp, nil
}

func (m *MemIndex) Record(ctx context.Context, contentHash, sourcePath string, taskID uuid.UUID) error {
	if m.RecordErr != nil {
		return m.RecordErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fps[contentHash] = dedup.Fingerprint{
		ContentHash: contentHash,
		SourcePath:  sourcePath,
		TaskID:      taskID,
		RecordedAt:  time.Now().UTC(),
	}
	return nil
}

func (m *MemIndex) Remove(ctx context.Context, contentHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.fps, contentHash)
	return nil
}

// Len returns the number of recorded fingerprints.
func (m *MemIndex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.fps)
}
