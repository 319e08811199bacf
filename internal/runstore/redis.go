package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flexinfer/clusterflow/pkg/types"
)

// RedisStore implements RunStore backed by Redis.
// Uses Redis Streams for event streaming and hashes for run metadata and
// task runs.
type RedisStore struct {
	client    *redis.Client
	prefix    string
	ttl       time.Duration
	maxEvents int64
	mu        sync.Mutex
	closed    bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (redis://host:port/db)
	URL string

	// Password for Redis authentication
	Password string

	// DB is the database number
	DB int

	// Prefix for all keys (default: "clusterflow:runs")
	Prefix string

	// TTL for run data (default: 7 days)
	TTL time.Duration

	// EventMaxLen caps each run's event stream (approximate)
	EventMaxLen int64

	// Connection pool settings
	PoolSize     int
	MinIdleConns int

	// Timeouts
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		URL:          "redis://localhost:6379/0",
		Prefix:       "clusterflow:runs",
		TTL:          7 * 24 * time.Hour,
		EventMaxLen:  5000,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewRedisStore creates a new Redis-backed RunStore.
func NewRedisStore(cfg *RedisConfig) (*RedisStore, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}

	opts := &redis.Options{
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Password:     cfg.Password,
		DB:           cfg.DB,
	}

	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts.Addr = parsed.Addr
		if parsed.Password != "" && cfg.Password == "" {
			opts.Password = parsed.Password
		}
		if parsed.DB != 0 && cfg.DB == 0 {
			opts.DB = parsed.DB
		}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "clusterflow:runs"
	}
	maxEvents := cfg.EventMaxLen
	if maxEvents <= 0 {
		maxEvents = 5000
	}

	return &RedisStore{
		client:    client,
		prefix:    prefix,
		ttl:       cfg.TTL,
		maxEvents: maxEvents,
	}, nil
}

// Key helpers
func (s *RedisStore) keyMeta(runID string) string   { return fmt.Sprintf("%s:%s:meta", s.prefix, runID) }
func (s *RedisStore) keyTasks(runID string) string  { return fmt.Sprintf("%s:%s:tasks", s.prefix, runID) }
func (s *RedisStore) keyEvents(runID string) string { return fmt.Sprintf("%s:%s:events", s.prefix, runID) }
func (s *RedisStore) keySeq(runID string) string    { return fmt.Sprintf("%s:%s:seq", s.prefix, runID) }

// setTTL refreshes TTL on all keys for a run.
func (s *RedisStore) setTTL(ctx context.Context, runID string) {
	if s.ttl <= 0 {
		return
	}
	pipe := s.client.Pipeline()
	pipe.Expire(ctx, s.keyMeta(runID), s.ttl)
	pipe.Expire(ctx, s.keyTasks(runID), s.ttl)
	pipe.Expire(ctx, s.keyEvents(runID), s.ttl)
	pipe.Expire(ctx, s.keySeq(runID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("failed to set TTL for run", slog.String("run_id", runID), slog.Any("error", err))
	}
}

func (s *RedisStore) exists(ctx context.Context, runID string) error {
	n, err := s.client.Exists(ctx, s.keyMeta(runID)).Result()
	if err != nil {
		return fmt.Errorf("check run exists: %w", err)
	}
	if n == 0 {
		return ErrRunNotFound
	}
	return nil
}

// CreateRun creates a new run record.
func (s *RedisStore) CreateRun(ctx context.Context, workflow string, tasks []string) (string, error) {
	runID := generateRunID()
	now := time.Now().UTC().Format(time.RFC3339Nano)
	tasksJSON, _ := json.Marshal(tasks)

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, s.keyMeta(runID), map[string]interface{}{
		"runId":      runID,
		"workflow":   workflow,
		"tasks":      string(tasksJSON),
		"status":     string(types.RunStatusQueued),
		"startedAt":  "",
		"finishedAt": "",
		"error":      "",
		"createdAt":  now,
		"updatedAt":  now,
		"cancelled":  "false",
	})
	if len(tasks) > 0 {
		fields := make(map[string]interface{}, len(tasks))
		for _, name := range tasks {
			b, _ := json.Marshal(&types.TaskRun{Task: name, Status: types.TaskNotStarted})
			fields[name] = string(b)
		}
		pipe.HSet(ctx, s.keyTasks(runID), fields)
	}
	pipe.Set(ctx, s.keySeq(runID), "0", 0)

	_, err := pipe.Exec(ctx)
	observe("create", err)
	if err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}
	s.setTTL(ctx, runID)
	return runID, nil
}

func parseTime(v string) *time.Time {
	if v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil
	}
	return &t
}

func metaFromHash(runID string, meta map[string]string) *types.RunMeta {
	m := &types.RunMeta{
		ID:         runID,
		Workflow:   meta["workflow"],
		Status:     types.RunStatus(meta["status"]),
		Error:      meta["error"],
		StartedAt:  parseTime(meta["startedAt"]),
		FinishedAt: parseTime(meta["finishedAt"]),
	}
	if t := parseTime(meta["createdAt"]); t != nil {
		m.CreatedAt = *t
	}
	if t := parseTime(meta["updatedAt"]); t != nil {
		m.UpdatedAt = *t
	}
	return m
}

// GetRunMeta returns lightweight run metadata.
func (s *RedisStore) GetRunMeta(ctx context.Context, runID string) (*types.RunMeta, error) {
	meta, err := s.client.HGetAll(ctx, s.keyMeta(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get run meta: %w", err)
	}
	if len(meta) == 0 {
		return nil, ErrRunNotFound
	}
	return metaFromHash(runID, meta), nil
}

// GetRun returns the full run including task runs.
func (s *RedisStore) GetRun(ctx context.Context, runID string) (*types.Run, error) {
	pipe := s.client.Pipeline()
	metaCmd := pipe.HGetAll(ctx, s.keyMeta(runID))
	tasksCmd := pipe.HGetAll(ctx, s.keyTasks(runID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		observe("get", err)
		return nil, fmt.Errorf("get run: %w", err)
	}

	meta, err := metaCmd.Result()
	if err != nil || len(meta) == 0 {
		observe("get", ErrRunNotFound)
		return nil, ErrRunNotFound
	}
	m := metaFromHash(runID, meta)

	run := &types.Run{
		ID:         m.ID,
		Workflow:   m.Workflow,
		Status:     m.Status,
		StartedAt:  m.StartedAt,
		FinishedAt: m.FinishedAt,
		Error:      m.Error,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
		TaskRuns:   make(map[string]*types.TaskRun),
	}
	if v := meta["tasks"]; v != "" {
		json.Unmarshal([]byte(v), &run.Tasks)
	}
	for name, v := range tasksCmd.Val() {
		var tr types.TaskRun
		if json.Unmarshal([]byte(v), &tr) == nil {
			run.TaskRuns[name] = &tr
		}
	}
	observe("get", nil)
	return run, nil
}

// ListRuns returns all run IDs.
func (s *RedisStore) ListRuns(ctx context.Context) ([]string, error) {
	pattern := fmt.Sprintf("%s:*:meta", s.prefix)
	var runIDs []string
	var cursor uint64

	for {
		keys, nextCursor, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan runs: %w", err)
		}
		for _, key := range keys {
			// prefix:runID:meta, where prefix may contain colons
			id := strings.TrimSuffix(strings.TrimPrefix(key, s.prefix+":"), ":meta")
			if id != "" && id != key {
				runIDs = append(runIDs, id)
			}
		}
		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}
	return runIDs, nil
}

// UpdateRunStatus updates the run's status and timestamps.
func (s *RedisStore) UpdateRunStatus(ctx context.Context, runID string, status types.RunStatus, errMsg string) error {
	if err := s.exists(ctx, runID); err != nil {
		observe("update", err)
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	fields := map[string]interface{}{
		"status":    string(status),
		"updatedAt": now,
	}
	if errMsg != "" {
		fields["error"] = errMsg
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, s.keyMeta(runID), fields)
	if status == types.RunStatusRunning {
		pipe.HSetNX(ctx, s.keyMeta(runID), "startedAt", now)
	}
	if status.IsTerminal() {
		pipe.HSet(ctx, s.keyMeta(runID), "finishedAt", now)
	}
	_, err := pipe.Exec(ctx)
	observe("update", err)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}

	s.setTTL(ctx, runID)
	return nil
}

// CancelRun marks the run as cancelled unless it already finished.
func (s *RedisStore) CancelRun(ctx context.Context, runID string) error {
	status, err := s.client.HGet(ctx, s.keyMeta(runID), "status").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrRunNotFound
		}
		return fmt.Errorf("get run status: %w", err)
	}
	if types.RunStatus(status).IsTerminal() {
		return ErrRunFinished
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	fields := map[string]interface{}{
		"status":     string(types.RunStatusCancelled),
		"cancelled":  "true",
		"updatedAt":  now,
		"finishedAt": now,
	}
	if err := s.client.HSet(ctx, s.keyMeta(runID), fields).Err(); err != nil {
		return fmt.Errorf("cancel run: %w", err)
	}
	return nil
}

// IsCancelled checks if the run has been cancelled.
func (s *RedisStore) IsCancelled(ctx context.Context, runID string) (bool, error) {
	val, err := s.client.HGet(ctx, s.keyMeta(runID), "cancelled").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, ErrRunNotFound
		}
		return false, fmt.Errorf("get cancelled: %w", err)
	}
	return val == "true", nil
}

// UpdateTaskRun stores a task's runtime record.
func (s *RedisStore) UpdateTaskRun(ctx context.Context, runID string, tr *types.TaskRun) error {
	if err := s.exists(ctx, runID); err != nil {
		observe("update_task", err)
		return err
	}
	b, err := json.Marshal(tr)
	if err != nil {
		return fmt.Errorf("marshal task run: %w", err)
	}
	err = s.client.HSet(ctx, s.keyTasks(runID), tr.Task, string(b)).Err()
	observe("update_task", err)
	if err != nil {
		return fmt.Errorf("update task run: %w", err)
	}
	s.setTTL(ctx, runID)
	return nil
}

// GetTaskRun retrieves a task's runtime record.
func (s *RedisStore) GetTaskRun(ctx context.Context, runID, task string) (*types.TaskRun, error) {
	v, err := s.client.HGet(ctx, s.keyTasks(runID), task).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			if err := s.exists(ctx, runID); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, task)
		}
		return nil, fmt.Errorf("get task run: %w", err)
	}
	var tr types.TaskRun
	if err := json.Unmarshal([]byte(v), &tr); err != nil {
		return nil, fmt.Errorf("unmarshal task run: %w", err)
	}
	return &tr, nil
}

// AppendEvent adds an event to the run's stream.
func (s *RedisStore) AppendEvent(ctx context.Context, runID string, input *types.EventInput) (*types.Event, error) {
	seq, err := s.client.Incr(ctx, s.keySeq(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("incr seq: %w", err)
	}

	now := time.Now().UTC()
	eventID := strconv.FormatInt(seq, 10)
	dataBytes, err := json.Marshal(input.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal event data: %w", err)
	}

	event := &types.Event{
		ID:        eventID,
		RunID:     runID,
		Type:      input.Type,
		Task:      input.Task,
		Timestamp: now,
		Data:      dataBytes,
	}

	if err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.keyEvents(runID),
		MaxLen: s.maxEvents,
		Approx: true,
		Values: map[string]interface{}{
			"seq":  eventID,
			"ts":   now.Format(time.RFC3339Nano),
			"type": string(input.Type),
			"data": string(dataBytes),
			"task": input.Task,
		},
	}).Err(); err != nil {
		return nil, fmt.Errorf("xadd: %w", err)
	}

	s.setTTL(ctx, runID)
	return event, nil
}

func eventFromEntry(runID string, entry redis.XMessage) *types.Event {
	seqStr, _ := entry.Values["seq"].(string)
	ts, _ := entry.Values["ts"].(string)
	eventType, _ := entry.Values["type"].(string)
	data, _ := entry.Values["data"].(string)
	task, _ := entry.Values["task"].(string)

	ev := &types.Event{
		ID:    seqStr,
		RunID: runID,
		Type:  types.EventType(eventType),
		Task:  task,
		Data:  json.RawMessage(data),
	}
	if t := parseTime(ts); t != nil {
		ev.Timestamp = *t
	}
	return ev
}

// GetEventsSince returns events after the given event ID.
func (s *RedisStore) GetEventsSince(ctx context.Context, runID string, lastEventID string) ([]*types.Event, error) {
	entries, err := s.client.XRange(ctx, s.keyEvents(runID), "-", "+").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*types.Event{}, nil
		}
		return nil, fmt.Errorf("xrange: %w", err)
	}

	var lastSeq int64
	if lastEventID != "" {
		lastSeq, _ = strconv.ParseInt(lastEventID, 10, 64)
	}

	var events []*types.Event
	for _, entry := range entries {
		ev := eventFromEntry(runID, entry)
		seq, _ := strconv.ParseInt(ev.ID, 10, 64)
		if lastSeq > 0 && seq <= lastSeq {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// Subscribe returns a channel that receives new events. A background reader
// follows the run's stream until cleanup is called or the run finishes.
func (s *RedisStore) Subscribe(ctx context.Context, runID string) (<-chan *types.Event, func(), error) {
	if err := s.exists(ctx, runID); err != nil {
		return nil, nil, err
	}

	ch := make(chan *types.Event, 100)
	rctx, cancel := context.WithCancel(ctx)
	go s.streamReader(rctx, runID, ch)

	return ch, cancel, nil
}

// streamReader reads from the Redis Stream and pushes to ch, closing it on
// exit.
func (s *RedisStore) streamReader(ctx context.Context, runID string, ch chan *types.Event) {
	defer close(ch)
	lastID := "$"

	for ctx.Err() == nil {
		streams, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.keyEvents(runID), lastID},
			Count:   10,
			Block:   time.Second,
		}).Result()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !errors.Is(err, redis.Nil) {
				time.Sleep(100 * time.Millisecond)
			}
			if meta, _ := s.GetRunMeta(ctx, runID); meta != nil && meta.Status.IsTerminal() {
				return
			}
			continue
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				lastID = entry.ID
				select {
				case ch <- eventFromEntry(runID, entry):
				case <-ctx.Done():
					return
				default:
					// Channel full, skip event
				}
			}
		}
	}
}

// AdapterInfo returns diagnostic information.
func (s *RedisStore) AdapterInfo(ctx context.Context) (map[string]interface{}, error) {
	pingStart := time.Now()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return map[string]interface{}{
			"adapter": "redis",
			"healthy": false,
			"error":   err.Error(),
		}, nil
	}
	pingLatency := time.Since(pingStart)

	poolStats := s.client.PoolStats()

	return map[string]interface{}{
		"adapter": "redis",
		"healthy": true,
		"details": map[string]interface{}{
			"prefix":       s.prefix,
			"ttl_hours":    s.ttl.Hours(),
			"ping_latency": pingLatency.String(),
			"pool": map[string]interface{}{
				"hits":       poolStats.Hits,
				"misses":     poolStats.Misses,
				"timeouts":   poolStats.Timeouts,
				"total_conn": poolStats.TotalConns,
				"idle_conn":  poolStats.IdleConns,
				"stale_conn": poolStats.StaleConns,
			},
		},
	}, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

// Ensure RedisStore implements RunStore
var _ RunStore = (*RedisStore)(nil)
