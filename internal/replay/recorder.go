package replay

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"snapsync/broker/internal/logging"
	"snapsync/broker/internal/snapshot"
)

// Recorder owns the active recording and starts a new one after every roll.
type Recorder struct {
	mu       sync.Mutex
	root     string
	name     string
	opts     WriterOptions
	log      *logging.Logger
	writer   *Writer
	rolls    int64
	lastRoll time.Time
	lastDir  string
}

// Stats summarises recorder state for monitoring endpoints.
type Stats struct {
	ActiveDir    string
	Frames       int
	Bytes        int64
	Rolls        int64
	LastRollDir  string
	LastRollTime time.Time
}

// NewRecorder prepares root; the first recording opens with the first frame or event.
func NewRecorder(root, name string, opts WriterOptions, logger *logging.Logger) (*Recorder, error) {
	if root == "" {
		return nil, fmt.Errorf("replay directory must be provided")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if logger == nil {
		logger = logging.L()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Recorder{root: root, name: name, opts: opts, log: logger.With(logging.String("component", "replay"))}, nil
}

func (r *Recorder) activeLocked() (*Writer, error) {
	if r.writer != nil {
		return r.writer, nil
	}
	writer, _, err := NewWriter(r.root, r.name, r.opts)
	if err != nil {
		return nil, err
	}
	r.writer = writer
	r.log.Info("replay recording started", logging.String("directory", writer.Directory()))
	return writer, nil
}

// RecordTick appends snap to the active recording.
func (r *Recorder) RecordTick(tick int32, snap *snapshot.Snapshot) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	writer, err := r.activeLocked()
	if err != nil {
		return err
	}
	return writer.AppendSnapshot(tick, snap)
}

// RecordEvent appends an event line to the active recording.
func (r *Recorder) RecordEvent(tick int32, kind string, fields map[string]any) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	writer, err := r.activeLocked()
	if err != nil {
		return err
	}
	return writer.AppendEvent(tick, kind, fields)
}

// Roll finalises the active recording and returns its directory. The next
// frame starts a new recording.
func (r *Recorder) Roll() (string, error) {
	if r == nil {
		return "", fmt.Errorf("recorder not configured")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writer == nil || r.writer.Frames() == 0 {
		return "", fmt.Errorf("no replay frames recorded")
	}
	dir := r.writer.Directory()
	err := r.writer.Close()
	r.writer = nil
	if err != nil {
		return "", err
	}
	r.rolls++
	r.lastRoll = r.opts.Clock().UTC()
	r.lastDir = dir
	r.log.Info("replay recording rolled", logging.String("directory", dir))
	return dir, nil
}

// DumpReplay rolls the active recording on request of an operator endpoint.
func (r *Recorder) DumpReplay(context.Context) (string, error) {
	return r.Roll()
}

// Close finalises the active recording, if any.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writer == nil {
		return nil
	}
	err := r.writer.Close()
	r.writer = nil
	return err
}

// Stats returns a copy of the recorder counters.
func (r *Recorder) Stats() Stats {
	if r == nil {
		return Stats{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := Stats{Rolls: r.rolls, LastRollDir: r.lastDir, LastRollTime: r.lastRoll}
	if r.writer != nil {
		stats.ActiveDir = r.writer.Directory()
		stats.Frames = r.writer.Frames()
		stats.Bytes = r.writer.Bytes()
	}
	return stats
}
