package joblog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func writeLog(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFind(t *testing.T) {
	logs, cwd := t.TempDir(), t.TempDir()
	named := writeLog(t, logs, "train_4242.log", "x")
	other := writeLog(t, logs, "retry_4242.log", "x")
	slurm := writeLog(t, cwd, "slurm-4242.out", "x")
	writeLog(t, logs, "train_42.log", "x")

	got, err := Find([]string{logs, "", cwd}, "4242", "train")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	want := []string{named, other, slurm}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("Find = %v, want %v", got, want)
	}

	got, err = Find([]string{logs}, "4242", "")
	if err != nil || len(got) != 2 {
		t.Errorf("without name = %v, %v", got, err)
	}

	if _, err := Find([]string{logs}, "7", "train"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing job err = %v", err)
	}
	if _, err := Find([]string{logs}, "../4242", ""); err == nil || errors.Is(err, ErrNotFound) {
		t.Errorf("path job id err = %v", err)
	}
}

func TestTail(t *testing.T) {
	dir := t.TempDir()
	var lines []string
	for i := 1; i <= 100; i++ {
		lines = append(lines, fmt.Sprintf("line %d", i))
	}
	full := strings.Join(lines, "\n") + "\n"
	path := writeLog(t, dir, "job_1.log", full)

	tests := []struct {
		name string
		path string
		n    int
		want string
	}{
		{"whole file", path, 0, full},
		{"last three", path, 3, "line 98\nline 99\nline 100\n"},
		{"more than available", path, 500, full},
		{"no trailing newline", writeLog(t, dir, "job_2.log", "a\nb\nc"), 2, "b\nc"},
		{"empty file", writeLog(t, dir, "job_3.log", ""), 5, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			off, err := Tail(tt.path, tt.n, &buf)
			if err != nil {
				t.Fatalf("Tail: %v", err)
			}
			if buf.String() != tt.want {
				t.Errorf("got %q, want %q", buf.String(), tt.want)
			}
			fi, _ := os.Stat(tt.path)
			if off != fi.Size() {
				t.Errorf("offset = %d, want %d", off, fi.Size())
			}
		})
	}

	t.Run("spans chunks", func(t *testing.T) {
		long := strings.Repeat("x", chunkSize+10)
		p := writeLog(t, dir, "job_4.log", "first\n"+long+"\nlast\n")
		var buf bytes.Buffer
		if _, err := Tail(p, 2, &buf); err != nil {
			t.Fatal(err)
		}
		if buf.String() != long+"\nlast\n" {
			t.Errorf("got %d bytes", buf.Len())
		}
	})

	if _, err := Tail(filepath.Join(dir, "missing.log"), 1, &bytes.Buffer{}); !os.IsNotExist(err) {
		t.Errorf("missing file err = %v", err)
	}
}

// syncBuffer guards a buffer written by Follow and read by the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestFollow(t *testing.T) {
	path := writeLog(t, t.TempDir(), "train_9.log", "old\n")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var (
		mu       sync.Mutex
		finished bool
	)
	done := func(context.Context) (bool, error) {
		mu.Lock()
		defer mu.Unlock()
		return finished, nil
	}

	out := &syncBuffer{}
	errc := make(chan error, 1)
	go func() { errc <- Follow(ctx, path, 4, out, time.Millisecond, done) }()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	f.WriteString("epoch 1\n")
	for !strings.Contains(out.String(), "epoch 1") {
		if ctx.Err() != nil {
			t.Fatal("appended line never followed")
		}
		time.Sleep(time.Millisecond)
	}

	f.WriteString("epoch 2\n")
	mu.Lock()
	finished = true
	mu.Unlock()

	if err := <-errc; err != nil {
		t.Fatalf("Follow: %v", err)
	}
	if got := out.String(); got != "epoch 1\nepoch 2\n" {
		t.Errorf("followed %q", got)
	}

	t.Run("context cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		never := func(context.Context) (bool, error) { return false, nil }
		if err := Follow(ctx, path, 0, &bytes.Buffer{}, time.Hour, never); !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("done error", func(t *testing.T) {
		boom := errors.New("squeue unavailable")
		fail := func(context.Context) (bool, error) { return false, boom }
		if err := Follow(context.Background(), path, 0, &bytes.Buffer{}, time.Hour, fail); !errors.Is(err, boom) {
			t.Errorf("err = %v", err)
		}
	})
}
