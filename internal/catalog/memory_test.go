package catalog

import (
	"context"
	"errors"
	"testing"
)

const source = "name: nightly\ntasks:\n  - name: a\n    command: [echo, a]\n"

func TestMemoryStore_Put(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	t.Run("creates entry", func(t *testing.T) {
		e, err := store.Put(ctx, &PutRequest{Name: "nightly", Source: source, Tasks: []string{"a"}, By: "alice"})
		if err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if e.Version != 1 || e.CreatedBy != "alice" || e.CreatedAt.IsZero() {
			t.Errorf("entry = %+v", e)
		}
	})

	t.Run("replace bumps version and keeps creator", func(t *testing.T) {
		e, err := store.Put(ctx, &PutRequest{Name: "nightly", Source: source, By: "bob"})
		if err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if e.Version != 2 || e.CreatedBy != "alice" || e.UpdatedBy != "bob" {
			t.Errorf("entry = %+v", e)
		}
		if e.UpdatedAt.Before(e.CreatedAt) {
			t.Errorf("UpdatedAt %v before CreatedAt %v", e.UpdatedAt, e.CreatedAt)
		}
	})

	t.Run("conditional write", func(t *testing.T) {
		if _, err := store.Put(ctx, &PutRequest{Name: "nightly", Source: source, IfVersion: 1}); !errors.Is(err, ErrVersionSkew) {
			t.Errorf("stale version: err = %v", err)
		}
		e, err := store.Put(ctx, &PutRequest{Name: "nightly", Source: source, IfVersion: 2})
		if err != nil || e.Version != 3 {
			t.Errorf("current version: %+v, %v", e, err)
		}
		if _, err := store.Put(ctx, &PutRequest{Name: "fresh", Source: source, IfVersion: 1}); !errors.Is(err, ErrVersionSkew) {
			t.Errorf("missing entry: err = %v", err)
		}
	})

	t.Run("validates required fields", func(t *testing.T) {
		tests := []struct {
			name string
			req  *PutRequest
		}{
			{"missing name", &PutRequest{Source: source}},
			{"bad name", &PutRequest{Name: "../etc", Source: source}},
			{"missing source", &PutRequest{Name: "x"}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				if _, err := store.Put(ctx, tt.req); err == nil {
					t.Error("expected validation error")
				}
			})
		}
	})
}

func TestMemoryStore_GetDelete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	store.Put(ctx, &PutRequest{Name: "nightly", Source: source, Tasks: []string{"a"}})

	e, err := store.Get(ctx, "nightly")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	e.Tasks[0] = "mutated"
	again, _ := store.Get(ctx, "nightly")
	if again.Tasks[0] != "a" {
		t.Errorf("stored entry was mutated through a returned copy: %v", again.Tasks)
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := store.Delete(ctx, "nightly"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := store.Delete(ctx, "nightly"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete: %v", err)
	}
}

func TestMemoryStore_List(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for _, p := range []struct{ name, by string }{{"c", "alice"}, {"a", "bob"}, {"b", "alice"}} {
		if _, err := store.Put(ctx, &PutRequest{Name: p.name, Source: source, By: p.by}); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name string
		opts *ListOptions
		want []string
	}{
		{"all sorted", nil, []string{"a", "b", "c"}},
		{"by creator", &ListOptions{CreatedBy: "alice"}, []string{"b", "c"}},
		{"offset", &ListOptions{Offset: 1}, []string{"b", "c"}},
		{"limit", &ListOptions{Limit: 1}, []string{"a"}},
		{"offset past end", &ListOptions{Offset: 5}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.List(ctx, tt.opts)
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d entries, want %d", len(got), len(tt.want))
			}
			for i, e := range got {
				if e.Name != tt.want[i] {
					t.Errorf("entry %d = %q, want %q", i, e.Name, tt.want[i])
				}
			}
		})
	}
}
