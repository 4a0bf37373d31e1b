// Package gctrace writes one line per collection to a trace file. Several
// processes may share the same file; every line is appended under a file lock
// so that lines never interleave.
package gctrace

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/inhies/go-bytesize"
)

// Event describes one finished collection.
type Event struct {
	Index      uint64
	Elapsed    time.Duration // since the heap was created
	Depth      string
	Reason     string
	Background bool
	Pause      time.Duration // time the world was stopped, the final pause for background collections
	Duration   time.Duration
	Before     uint64 // heap size before
	After      uint64 // heap size after
	Promoted   uint64
	Finalized  int
}

// Format returns the trace line of e, without a trailing newline. It has
// the form:
//
//	gc 12 @1.520s pid 4711: gen1 alloc_soh pause 0.210ms 6MB->2MB promoted 512KB finalized 3
func (e Event) Format(pid int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "gc %d @%.3fs pid %d: %s", e.Index, e.Elapsed.Seconds(), pid, e.Depth)
	if e.Background {
		b.WriteString(" (background)")
	}
	fmt.Fprintf(&b, " %s pause %.3fms", e.Reason, float64(e.Pause)/float64(time.Millisecond))
	if e.Background {
		fmt.Fprintf(&b, " total %.3fms", float64(e.Duration)/float64(time.Millisecond))
	}
	fmt.Fprintf(&b, " %s->%s", bytesize.New(float64(e.Before)), bytesize.New(float64(e.After)))
	if e.Promoted != 0 {
		fmt.Fprintf(&b, " promoted %s", bytesize.New(float64(e.Promoted)))
	}
	if e.Finalized != 0 {
		fmt.Fprintf(&b, " finalized %d", e.Finalized)
	}
	return b.String()
}

// Writer appends events to a trace file.
type Writer struct {
	path string
	lock *flock.Flock
	pid  int

	mu sync.Mutex
}

// Open prepares path for tracing. The file is created if needed; the lock file
// lives next to it.
func Open(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
	if err != nil {
		return nil, fmt.Errorf("could not open trace file: %w", err)
	}
	f.Close()
	return &Writer{
		path: path,
		lock: flock.New(path + ".lock"),
		pid:  os.Getpid(),
	}, nil
}

// Path returns the trace file name.
func (w *Writer) Path() string {
	return w.path
}

// Write appends the line of e to the trace file.
func (w *Writer) Write(e Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.lock.Lock(); err != nil {
		return fmt.Errorf("could not lock trace file: %w", err)
	}
	defer w.lock.Unlock()

	f, err := os.OpenFile(w.path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return err
	}
	_, err = f.WriteString(e.Format(w.pid) + "\n")
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}
