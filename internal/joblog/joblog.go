// Package joblog locates and reads the output files of cluster jobs.
//
// The Slurm gateway writes each job's output to <log_dir>/<name>_<job id>.log
// (the %x_%j pattern). Files written by scripts submitted outside this tool
// follow Slurm's own defaults, so those names are searched as well.
package joblog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// ErrNotFound is returned when no log file exists for a job.
var ErrNotFound = errors.New("no log file found")

const chunkSize = 64 << 10

// patterns returns the file name globs for a job, most specific first.
func patterns(jobID, name string) []string {
	var p []string
	if name != "" {
		p = append(p, name+"_"+jobID+".log", name+"_"+jobID+".out")
	}
	return append(p,
		"*_"+jobID+".log",
		"*_"+jobID+".out",
		"slurm-"+jobID+".out",
		"slurm-"+jobID+".err",
		jobID+".log",
	)
}

// Find returns the log files of a job found in dirs, best match first:
// earlier patterns win, then earlier dirs, then the most recently written.
// name is the job name and may be empty.
func Find(dirs []string, jobID, name string) ([]string, error) {
	if jobID == "" || filepath.Base(jobID) != jobID {
		return nil, fmt.Errorf("invalid job id %q", jobID)
	}

	seen := make(map[string]bool)
	var found []string
	for _, pattern := range patterns(jobID, name) {
		for _, dir := range dirs {
			if dir == "" {
				continue
			}
			matches, err := filepath.Glob(filepath.Join(dir, pattern))
			if err != nil {
				return nil, err
			}
			sort.Slice(matches, func(i, j int) bool { return modTime(matches[i]).After(modTime(matches[j])) })
			for _, m := range matches {
				if !seen[m] {
					seen[m] = true
					found = append(found, m)
				}
			}
		}
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("%w for job %s in %v", ErrNotFound, jobID, dirs)
	}
	return found, nil
}

func modTime(path string) time.Time {
	fi, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return fi.ModTime()
}

// Tail copies the last n lines of path to w, or the whole file when n <= 0.
// It returns the offset reached, for Follow to resume from.
func Tail(path string, n int, w io.Writer) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}
	var start int64
	if n > 0 {
		if start, err = lineStart(f, fi.Size(), n); err != nil {
			return 0, err
		}
	}
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return 0, err
	}
	copied, err := io.Copy(w, f)
	return start + copied, err
}

// lineStart returns the offset of the n-th line from the end. A final
// newline ends the last line rather than starting an empty one.
func lineStart(r io.ReaderAt, size int64, n int) (int64, error) {
	buf := make([]byte, chunkSize)
	seen := 0
	for end := size; end > 0; {
		off := end - chunkSize
		if off < 0 {
			off = 0
		}
		chunk := buf[:end-off]
		if _, err := r.ReadAt(chunk, off); err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
		for i := len(chunk) - 1; i >= 0; i-- {
			pos := off + int64(i)
			if chunk[i] != '\n' || pos == size-1 {
				continue
			}
			if seen++; seen == n {
				return pos + 1, nil
			}
		}
		end = off
	}
	return 0, nil
}

// DoneFunc reports whether the job writing a log has finished.
type DoneFunc func(ctx context.Context) (bool, error)

// Follow copies whatever is appended to path after offset until done
// reports true, then copies the remainder once more and returns. done is
// consulted every poll interval.
func Follow(ctx context.Context, path string, offset int64, w io.Writer, poll time.Duration, done DoneFunc) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return err
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		if _, err := io.Copy(w, f); err != nil {
			return err
		}
		finished, err := done(ctx)
		if err != nil {
			return err
		}
		if finished {
			_, err := io.Copy(w, f)
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
