package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "clusterflow:workflows"

// RedisStore implements Store using Redis. Each entry is a JSON string key;
// a set indexes the names.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to the Redis server at url (redis://host:port/db).
func NewRedisStore(ctx context.Context, url, password string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if password != "" {
		opts.Password = password
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisStore{client: client, prefix: defaultPrefix}, nil
}

// NewRedisStoreWithClient creates a store using an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) entryKey(name string) string { return s.prefix + ":" + name }
func (s *RedisStore) indexKey() string            { return s.prefix + ":index" }

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) load(ctx context.Context, c getter, name string) (*Entry, error) {
	data, err := c.Get(ctx, s.entryKey(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("unmarshal workflow: %w", err)
	}
	return &e, nil
}

// Put creates or replaces an entry. The read-modify-write runs under WATCH
// so concurrent writers bump the version one at a time.
func (s *RedisStore) Put(ctx context.Context, req *PutRequest) (*Entry, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var saved *Entry
	key := s.entryKey(req.Name)
	txf := func(tx *redis.Tx) error {
		prev, err := s.load(ctx, tx, req.Name)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		e, err := apply(prev, req, time.Now().UTC())
		if err != nil {
			return err
		}
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal workflow: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.SAdd(ctx, s.indexKey(), req.Name)
			return nil
		})
		if err != nil {
			return err
		}
		saved = e
		return nil
	}

	for attempt := 0; attempt < 3; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return saved, nil
	}
	return nil, ErrVersionSkew
}

// Get retrieves an entry by name.
func (s *RedisStore) Get(ctx context.Context, name string) (*Entry, error) {
	return s.load(ctx, s.client, name)
}

// Delete removes an entry.
func (s *RedisStore) Delete(ctx context.Context, name string) error {
	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, s.entryKey(name))
	pipe.SRem(ctx, s.indexKey(), name)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	if del.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns entries matching the options.
func (s *RedisStore) List(ctx context.Context, opts *ListOptions) ([]*Entry, error) {
	if opts == nil {
		opts = &ListOptions{}
	}

	names, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list workflow names: %w", err)
	}
	sort.Strings(names)

	entries := make([]*Entry, 0, len(names))
	for _, name := range names {
		e, err := s.Get(ctx, name)
		if errors.Is(err, ErrNotFound) {
			// Stale reference, clean up
			s.client.SRem(ctx, s.indexKey(), name)
			continue
		}
		if err != nil {
			return nil, err
		}
		if opts.CreatedBy != "" && e.CreatedBy != opts.CreatedBy {
			continue
		}
		entries = append(entries, e)
	}
	return page(entries, opts), nil
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
