// Package replay records the snapshots a broker produced so sessions can be
// inspected offline.
//
// A recording is a directory holding manifest.json, header.json, a zstd
// stream of delta frames (frames.bin.zst) and a snappy-framed JSONL event log
// (events.jsonl.sz). Each frame is the varint-packed delta of a snapshot
// against the previous frame, with a full keyframe at a fixed interval.
package replay

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"snapsync/broker/internal/delta"
	"snapsync/broker/internal/pipeline"
	"snapsync/broker/internal/snapshot"
	"snapsync/broker/internal/varint"
)

const (
	manifestVersion = 1
	frameHeaderSize = 4 + 4 + 8 + 4 + 4

	// DefaultFlushInterval bounds how long frames stay buffered in memory.
	DefaultFlushInterval = 200 * time.Millisecond
	// DefaultKeyframeInterval is the number of delta frames between full frames.
	DefaultKeyframeInterval = 250
)

// ErrTickNotIncreasing reports a frame that does not advance the recording.
var ErrTickNotIncreasing = errors.New("replay: tick not increasing")

var nameCleaner = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// Manifest describes the recording layout so tooling can locate artefacts.
type Manifest struct {
	Version         int    `json:"version"`
	CreatedAt       string `json:"created_at"`
	FlushIntervalMs int    `json:"flush_interval_ms"`
	Keyframes       int    `json:"keyframe_interval"`
	EventsPath      string `json:"events_path"`
	FramesPath      string `json:"frames_path"`
	HeaderPath      string `json:"header_path"`
}

// WriterOptions configures a Writer. Zero values select the defaults.
type WriterOptions struct {
	Clock            func() time.Time
	Variant          delta.Variant
	TickRate         int
	StaticSizes      []StaticSize
	FlushInterval    time.Duration
	KeyframeInterval int
}

type frameRecord struct {
	tick       int32
	deltaTick  int32
	capturedAt time.Time
	crc        uint32
	payload    []byte
}

// Writer streams snapshots and events of one recording to disk.
type Writer struct {
	mu          sync.Mutex
	dir         string
	opts        WriterOptions
	codec       *delta.Codec
	header      Header
	eventFile   *os.File
	eventStream *snappy.Writer
	frameFile   *os.File
	frameStream *zstd.Encoder
	pending     []frameRecord
	lastFlush   time.Time

	prev     *snapshot.Snapshot
	prevTick int32
	sinceKey int
	frames   int
	bytes    int64
	deltaBuf []int32
	closed   bool
	closeErr error
}

// NewWriter creates a fresh recording directory under root and opens its sinks.
func NewWriter(root, name string, opts WriterOptions) (*Writer, Manifest, error) {
	if root == "" {
		return nil, Manifest{}, fmt.Errorf("replay root must be provided")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.KeyframeInterval <= 0 {
		opts.KeyframeInterval = DefaultKeyframeInterval
	}
	header := Header{
		SchemaVersion: HeaderSchemaVersion,
		Variant:       opts.Variant.String(),
		TickRate:      opts.TickRate,
		StaticSizes:   append([]StaticSize(nil), opts.StaticSizes...),
		FilePointer:   "manifest.json",
	}
	//1.- Build the codec from the header so the loader decodes with the same table.
	codec, _, err := header.Codec()
	if err != nil {
		return nil, Manifest{}, err
	}

	cleaned := nameCleaner.ReplaceAllString(name, "")
	if cleaned == "" {
		cleaned = "session"
	}
	created := opts.Clock().UTC()
	path := filepath.Join(root, fmt.Sprintf("%s-%s", cleaned, created.Format("20060102T150405.000Z")))
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, Manifest{}, err
	}

	manifest := Manifest{
		Version:         manifestVersion,
		CreatedAt:       created.Format(time.RFC3339Nano),
		FlushIntervalMs: int(opts.FlushInterval / time.Millisecond),
		Keyframes:       opts.KeyframeInterval,
		EventsPath:      "events.jsonl.sz",
		FramesPath:      "frames.bin.zst",
		HeaderPath:      "header.json",
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, Manifest{}, err
	}
	if err := os.WriteFile(filepath.Join(path, "manifest.json"), data, 0o644); err != nil {
		return nil, Manifest{}, err
	}

	eventFile, err := os.Create(filepath.Join(path, manifest.EventsPath))
	if err != nil {
		return nil, Manifest{}, err
	}
	frameFile, err := os.Create(filepath.Join(path, manifest.FramesPath))
	if err != nil {
		eventFile.Close()
		return nil, Manifest{}, err
	}
	frameStream, err := zstd.NewWriter(frameFile, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		eventFile.Close()
		frameFile.Close()
		return nil, Manifest{}, err
	}

	return &Writer{
		dir:         path,
		opts:        opts,
		codec:       codec,
		header:      header,
		eventFile:   eventFile,
		eventStream: snappy.NewBufferedWriter(eventFile),
		frameFile:   frameFile,
		frameStream: frameStream,
		prevTick:    pipeline.NoTick,
	}, manifest, nil
}

// Directory exposes the directory backing the recording.
func (w *Writer) Directory() string {
	if w == nil {
		return ""
	}
	return w.dir
}

// Frames returns the number of frames accepted so far.
func (w *Writer) Frames() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frames
}

// Bytes returns the packed payload bytes accepted so far.
func (w *Writer) Bytes() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bytes
}

// AppendSnapshot diffs snap against the previous frame and stages the result.
// Ticks must strictly increase.
func (w *Writer) AppendSnapshot(tick int32, snap *snapshot.Snapshot) error {
	if w == nil {
		return fmt.Errorf("writer not initialised")
	}
	captured := w.opts.Clock().UTC()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("writer closed")
	}
	if tick <= w.prevTick {
		return fmt.Errorf("%w: %d after %d", ErrTickNotIncreasing, tick, w.prevTick)
	}

	//1.- Diff against the previous frame unless a keyframe is due.
	base, deltaTick := w.prev, w.prevTick
	if base == nil || w.sinceKey >= w.opts.KeyframeInterval {
		base, deltaTick = snapshot.Empty(), pipeline.NoTick
		w.sinceKey = 0
	}
	words, err := w.codec.AppendDelta(w.deltaBuf[:0], w.opts.Variant, base, snap)
	if err != nil {
		return fmt.Errorf("delta for tick %d: %w", tick, err)
	}
	w.deltaBuf = words

	//2.- Stage the varint-packed words so cadence enforcement can persist batches together.
	payload := varint.AppendCompressed(nil, words)
	w.pending = append(w.pending, frameRecord{tick: tick, deltaTick: deltaTick, capturedAt: captured, crc: snap.Crc(), payload: payload})
	w.prev, w.prevTick = snap, tick
	w.sinceKey++
	w.frames++
	w.bytes += int64(len(payload))

	if w.lastFlush.IsZero() {
		w.lastFlush = captured
		return nil
	}
	if captured.Sub(w.lastFlush) >= w.opts.FlushInterval {
		if err := w.flushLocked(); err != nil {
			return err
		}
		w.lastFlush = captured
	}
	return nil
}

// AppendEvent writes one JSON line to the compressed event log.
func (w *Writer) AppendEvent(tick int32, kind string, fields map[string]any) error {
	if w == nil {
		return fmt.Errorf("writer not initialised")
	}
	record := eventRecord{
		Tick:       tick,
		CapturedAt: w.opts.Clock().UTC().Format(time.RFC3339Nano),
		Type:       kind,
		Fields:     fields,
	}
	line, err := json.Marshal(record)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("writer closed")
	}
	if _, err := w.eventStream.Write(append(line, '\n')); err != nil {
		return err
	}
	return w.eventStream.Flush()
}

type eventRecord struct {
	Tick       int32          `json:"tick"`
	CapturedAt string         `json:"captured_at"`
	Type       string         `json:"type"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// Flush forces staged frames to be written regardless of cadence.
func (w *Writer) Flush() error {
	if w == nil {
		return fmt.Errorf("writer not initialised")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.flushLocked(); err != nil {
		return err
	}
	w.lastFlush = w.opts.Clock().UTC()
	return nil
}

// Close writes the header, flushes every buffer and releases the files.
// Subsequent calls return the first result.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return w.closeErr
	}
	w.closed = true

	//1.- Attempt every step and surface the first failure.
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	keep(WriteHeader(filepath.Join(w.dir, "header.json"), w.header))
	keep(w.flushLocked())
	keep(w.eventStream.Close())
	keep(w.eventFile.Close())
	keep(w.frameStream.Close())
	keep(w.frameFile.Close())
	w.closeErr = firstErr
	return firstErr
}

// flushLocked writes staged frames to the zstd stream; callers must hold the mutex.
func (w *Writer) flushLocked() error {
	var head [frameHeaderSize]byte
	for _, frame := range w.pending {
		binary.LittleEndian.PutUint32(head[0:4], uint32(frame.tick))
		binary.LittleEndian.PutUint32(head[4:8], uint32(frame.deltaTick))
		binary.LittleEndian.PutUint64(head[8:16], uint64(frame.capturedAt.UnixNano()))
		binary.LittleEndian.PutUint32(head[16:20], frame.crc)
		binary.LittleEndian.PutUint32(head[20:24], uint32(len(frame.payload)))
		if _, err := w.frameStream.Write(head[:]); err != nil {
			return err
		}
		if _, err := w.frameStream.Write(frame.payload); err != nil {
			return err
		}
	}
	w.pending = w.pending[:0]
	return nil
}
