// Package archive stores scheduled reports in object storage.
package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/flexinfer/clusterflow/pkg/types"
)

var (
	// ErrNotFound is returned for a key with no stored object.
	ErrNotFound = errors.New("object not found")

	// ErrPresignUnsupported is returned by Link for stores without
	// temporary download links.
	ErrPresignUnsupported = errors.New("store does not support presigned links")
)

// Ref identifies a stored object.
type Ref struct {
	URI         string    `json:"uri"`
	Key         string    `json:"key"`
	ContentType string    `json:"content_type,omitempty"`
	Size        int64     `json:"size"`
	Checksum    string    `json:"checksum,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store is an object store.
type Store interface {
	Put(ctx context.Context, key string, data io.Reader, contentType string) (*Ref, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]*Ref, error)
}

// Presigner is implemented by stores that can hand out temporary download
// links.
type Presigner interface {
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// Archive writes reports as JSON objects keyed by day.
type Archive struct {
	store  Store
	prefix string
}

// New creates an archive writing under prefix (default "reports").
func New(store Store, prefix string) *Archive {
	if prefix == "" {
		prefix = "reports"
	}
	return &Archive{store: store, prefix: strings.Trim(prefix, "/")}
}

// ReportKey is the object key for a report taken at ts.
func (a *Archive) ReportKey(ts time.Time) string {
	ts = ts.UTC()
	return path.Join(a.prefix, ts.Format("2006/01/02"), ts.Format("20060102T150405.000Z")+".json")
}

// SaveReport stores r under its timestamp.
func (a *Archive) SaveReport(ctx context.Context, r *types.Report) (*Ref, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal report: %w", err)
	}
	ref, err := a.store.Put(ctx, a.ReportKey(r.Timestamp), bytes.NewReader(b), "application/json")
	if err != nil {
		return nil, fmt.Errorf("archive report: %w", err)
	}
	return ref, nil
}

// LoadReport reads a stored report.
func (a *Archive) LoadReport(ctx context.Context, key string) (*types.Report, error) {
	rc, err := a.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var r types.Report
	if err := json.NewDecoder(rc).Decode(&r); err != nil {
		return nil, fmt.Errorf("decode report %s: %w", key, err)
	}
	return &r, nil
}

// ListReports lists reports archived on the given day, oldest first.
func (a *Archive) ListReports(ctx context.Context, day time.Time) ([]*Ref, error) {
	refs, err := a.store.List(ctx, path.Join(a.prefix, day.UTC().Format("2006/01/02"))+"/")
	if err != nil {
		return nil, err
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Key < refs[j].Key })
	return refs, nil
}

// Link returns a temporary download URL when the store supports it.
func (a *Archive) Link(ctx context.Context, key string, expiry time.Duration) (string, error) {
	p, ok := a.store.(Presigner)
	if !ok {
		return "", ErrPresignUnsupported
	}
	return p.PresignGet(ctx, key, expiry)
}

func checksum(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

// MemoryStore keeps objects in memory.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	refs    map[string]*Ref
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte), refs: make(map[string]*Ref)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Put(ctx context.Context, key string, data io.Reader, contentType string) (*Ref, error) {
	b, err := io.ReadAll(data)
	if err != nil {
		return nil, fmt.Errorf("read data: %w", err)
	}
	ref := &Ref{
		URI:         "mem://" + key,
		Key:         key,
		ContentType: contentType,
		Size:        int64(len(b)),
		Checksum:    checksum(b),
		CreatedAt:   time.Now().UTC(),
	}
	m.mu.Lock()
	m.objects[key] = b
	m.refs[key] = ref
	m.mu.Unlock()
	cp := *ref
	return &cp, nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *MemoryStore) List(ctx context.Context, prefix string) ([]*Ref, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Ref
	for k, ref := range m.refs {
		if strings.HasPrefix(k, prefix) {
			cp := *ref
			out = append(out, &cp)
		}
	}
	return out, nil
}
