// Package catalog stores named workflow documents so runs can be started by
// name instead of resubmitting the YAML each time.
package catalog

import (
	"context"
	"errors"
	"regexp"
	"time"
)

// Common errors returned by Store implementations.
var (
	ErrNotFound    = errors.New("workflow not found")
	ErrVersionSkew = errors.New("workflow version does not match")
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Entry is a saved workflow document.
type Entry struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Source      string    `json:"source"`
	Tasks       []string  `json:"tasks"`
	Version     int       `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	CreatedBy   string    `json:"created_by,omitempty"`
	UpdatedBy   string    `json:"updated_by,omitempty"`
}

func (e *Entry) clone() *Entry {
	cp := *e
	cp.Tasks = append([]string(nil), e.Tasks...)
	return &cp
}

// PutRequest saves a document under Name, creating or replacing it.
type PutRequest struct {
	Name        string
	Description string
	Source      string
	Tasks       []string
	By          string

	// IfVersion, when non-zero, makes the write conditional on the stored
	// version. Use it to avoid overwriting a concurrent edit.
	IfVersion int
}

// Validate checks if a PutRequest is valid.
func (r *PutRequest) Validate() error {
	if !namePattern.MatchString(r.Name) {
		return errors.New("workflow name must be 1-128 letters, digits, '.', '_' or '-'")
	}
	if r.Source == "" {
		return errors.New("workflow source is required")
	}
	return nil
}

// ListOptions configures list queries.
type ListOptions struct {
	Limit     int
	Offset    int
	CreatedBy string
}

// Store persists workflow documents. Implementations must be safe for
// concurrent use. List returns entries sorted by name.
type Store interface {
	// Put creates or replaces an entry, bumping its version.
	Put(ctx context.Context, req *PutRequest) (*Entry, error)

	// Get retrieves an entry by name. Returns ErrNotFound if missing.
	Get(ctx context.Context, name string) (*Entry, error)

	// Delete removes an entry. Returns ErrNotFound if missing.
	Delete(ctx context.Context, name string) error

	List(ctx context.Context, opts *ListOptions) ([]*Entry, error)

	Close() error
}

// apply builds the entry that results from writing req over prev, which
// may be nil.
func apply(prev *Entry, req *PutRequest, now time.Time) (*Entry, error) {
	if req.IfVersion != 0 {
		if prev == nil || prev.Version != req.IfVersion {
			return nil, ErrVersionSkew
		}
	}
	e := &Entry{
		Name:        req.Name,
		Description: req.Description,
		Source:      req.Source,
		Tasks:       append([]string(nil), req.Tasks...),
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
		CreatedBy:   req.By,
		UpdatedBy:   req.By,
	}
	if prev != nil {
		e.Version = prev.Version + 1
		e.CreatedAt = prev.CreatedAt
		e.CreatedBy = prev.CreatedBy
	}
	return e, nil
}

func page(entries []*Entry, opts *ListOptions) []*Entry {
	if opts.Offset > 0 {
		if opts.Offset >= len(entries) {
			return []*Entry{}
		}
		entries = entries[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(entries) {
		entries = entries[:opts.Limit]
	}
	return entries
}
