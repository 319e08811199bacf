package runstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/flexinfer/clusterflow/pkg/types"
)

var _ RunStore = (*MemoryStore)(nil)

type memoryRun struct {
	mu        sync.RWMutex
	meta      types.RunMeta
	tasks     []string
	taskRuns  map[string]*types.TaskRun
	cancelled bool

	// events is a ring of at most maxEvents entries; IDs are the decimal
	// sequence numbers starting at 1.
	events    []*types.Event
	seq       int64
	maxEvents int64
	subs      map[chan *types.Event]struct{}
}

// release closes every subscriber channel. Callers hold mu.
func (r *memoryRun) release() {
	for ch := range r.subs {
		close(ch)
		delete(r.subs, ch)
	}
}

// finish stamps FinishedAt once and releases subscribers. Callers hold mu.
func (r *memoryRun) finish(now time.Time) {
	if r.meta.FinishedAt == nil {
		r.meta.FinishedAt = &now
	}
	r.release()
}

// MemoryStore keeps runs in process memory. Finished runs older than the
// configured TTL are dropped lazily on create and list.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]*memoryRun
	cfg  *Config
	now  func() time.Time
}

// NewMemoryStore creates an in-memory RunStore.
func NewMemoryStore(cfg *Config) *MemoryStore {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &MemoryStore{
		runs: make(map[string]*memoryRun),
		cfg:  cfg,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) lookup(runID string) (*memoryRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.runs[runID]; ok {
		return r, nil
	}
	return nil, ErrRunNotFound
}

// sweep removes expired finished runs. Callers hold s.mu for writing.
func (s *MemoryStore) sweep() {
	if s.cfg.TTLSeconds <= 0 {
		return
	}
	cutoff := s.now().Add(-time.Duration(s.cfg.TTLSeconds) * time.Second)
	for id, r := range s.runs {
		r.mu.RLock()
		expired := r.meta.FinishedAt != nil && r.meta.FinishedAt.Before(cutoff)
		r.mu.RUnlock()
		if expired {
			delete(s.runs, id)
		}
	}
}

func (s *MemoryStore) CreateRun(ctx context.Context, workflow string, tasks []string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep()

	id := generateRunID()
	now := s.now()
	r := &memoryRun{
		meta: types.RunMeta{
			ID:        id,
			Workflow:  workflow,
			Status:    types.RunStatusQueued,
			CreatedAt: now,
			UpdatedAt: now,
		},
		tasks:     append([]string(nil), tasks...),
		taskRuns:  make(map[string]*types.TaskRun, len(tasks)),
		maxEvents: s.cfg.EventMaxLen,
		subs:      make(map[chan *types.Event]struct{}),
	}
	for _, name := range tasks {
		r.taskRuns[name] = &types.TaskRun{Task: name, Status: types.TaskNotStarted}
	}
	s.runs[id] = r
	observe("create", nil)
	return id, nil
}

func (s *MemoryStore) GetRunMeta(ctx context.Context, runID string) (*types.RunMeta, error) {
	r, err := s.lookup(runID)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	meta := r.meta
	return &meta, nil
}

func (s *MemoryStore) GetRun(ctx context.Context, runID string) (*types.Run, error) {
	r, err := s.lookup(runID)
	observe("get", err)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	run := &types.Run{
		ID:         r.meta.ID,
		Workflow:   r.meta.Workflow,
		Status:     r.meta.Status,
		Tasks:      append([]string(nil), r.tasks...),
		TaskRuns:   make(map[string]*types.TaskRun, len(r.taskRuns)),
		StartedAt:  r.meta.StartedAt,
		FinishedAt: r.meta.FinishedAt,
		Error:      r.meta.Error,
		CreatedAt:  r.meta.CreatedAt,
		UpdatedAt:  r.meta.UpdatedAt,
	}
	for name, tr := range r.taskRuns {
		cp := *tr
		run.TaskRuns[name] = &cp
	}
	return run, nil
}

// ListRuns returns run IDs, newest first.
func (s *MemoryStore) ListRuns(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	s.sweep()
	type entry struct {
		id      string
		created time.Time
	}
	entries := make([]entry, 0, len(s.runs))
	for id, r := range s.runs {
		r.mu.RLock()
		entries = append(entries, entry{id, r.meta.CreatedAt})
		r.mu.RUnlock()
	}
	s.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].created.Equal(entries[j].created) {
			return entries[i].id < entries[j].id
		}
		return entries[i].created.After(entries[j].created)
	})
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	return ids, nil
}

func (s *MemoryStore) UpdateRunStatus(ctx context.Context, runID string, status types.RunStatus, errMsg string) error {
	r, err := s.lookup(runID)
	observe("update", err)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := s.now()
	r.meta.Status, r.meta.UpdatedAt = status, now
	if errMsg != "" {
		r.meta.Error = errMsg
	}
	if status == types.RunStatusRunning && r.meta.StartedAt == nil {
		r.meta.StartedAt = &now
	}
	if status.IsTerminal() {
		r.finish(now)
	}
	return nil
}

func (s *MemoryStore) CancelRun(ctx context.Context, runID string) error {
	r, err := s.lookup(runID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.meta.Status.IsTerminal() {
		return ErrRunFinished
	}

	now := s.now()
	r.cancelled = true
	r.meta.Status, r.meta.UpdatedAt = types.RunStatusCancelled, now
	r.finish(now)
	return nil
}

func (s *MemoryStore) IsCancelled(ctx context.Context, runID string) (bool, error) {
	r, err := s.lookup(runID)
	if err != nil {
		return false, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cancelled, nil
}

func (s *MemoryStore) UpdateTaskRun(ctx context.Context, runID string, tr *types.TaskRun) error {
	r, err := s.lookup(runID)
	observe("update_task", err)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *tr
	r.taskRuns[tr.Task] = &cp
	r.meta.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) GetTaskRun(ctx context.Context, runID, task string) (*types.TaskRun, error) {
	r, err := s.lookup(runID)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	tr, ok := r.taskRuns[task]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, task)
	}
	cp := *tr
	return &cp, nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, runID string, input *types.EventInput) (*types.Event, error) {
	r, err := s.lookup(runID)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(input.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal event data: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	ev := &types.Event{
		ID:        strconv.FormatInt(r.seq, 10),
		RunID:     runID,
		Type:      input.Type,
		Task:      input.Task,
		Timestamp: s.now(),
		Data:      data,
	}
	if r.maxEvents > 0 && int64(len(r.events)) >= r.maxEvents {
		r.events = append(r.events[:0], r.events[1:]...)
	}
	r.events = append(r.events, ev)
	r.meta.UpdatedAt = ev.Timestamp

	// Slow subscribers miss live events and catch up through replay.
	for ch := range r.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	return ev, nil
}

// GetEventsSince returns the retained events with a sequence number above
// lastEventID. An empty or unparseable ID returns everything retained, so a
// client that fell behind the ring resumes at the oldest event kept.
func (s *MemoryStore) GetEventsSince(ctx context.Context, runID string, lastEventID string) ([]*types.Event, error) {
	r, err := s.lookup(runID)
	if err != nil {
		return nil, err
	}
	after, err := strconv.ParseInt(lastEventID, 10, 64)
	if err != nil {
		after = 0
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	// Sequence numbers are contiguous within the ring.
	skip := 0
	if len(r.events) > 0 {
		first, _ := strconv.ParseInt(r.events[0].ID, 10, 64)
		if after >= first {
			skip = int(after - first + 1)
		}
	}
	if skip >= len(r.events) {
		return []*types.Event{}, nil
	}
	return append([]*types.Event(nil), r.events[skip:]...), nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, runID string) (<-chan *types.Event, func(), error) {
	r, err := s.lookup(runID)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan *types.Event, 100)
	r.mu.Lock()
	if r.meta.Status.IsTerminal() {
		close(ch)
	} else {
		r.subs[ch] = struct{}{}
	}
	r.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if _, ok := r.subs[ch]; ok {
				delete(r.subs, ch)
				close(ch)
			}
		})
	}
	return ch, cleanup, nil
}

func (s *MemoryStore) AdapterInfo(ctx context.Context) (map[string]interface{}, error) {
	s.mu.RLock()
	n := len(s.runs)
	s.mu.RUnlock()

	return map[string]interface{}{
		"adapter":     "memory",
		"healthy":     true,
		"run_count":   n,
		"max_events":  s.cfg.EventMaxLen,
		"ttl_seconds": s.cfg.TTLSeconds,
	}, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.runs {
		r.mu.Lock()
		r.release()
		r.mu.Unlock()
	}
	return nil
}
