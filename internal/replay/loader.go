package replay

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"snapsync/broker/internal/delta"
	"snapsync/broker/internal/pipeline"
	"snapsync/broker/internal/snapshot"
	"snapsync/broker/internal/varint"
)

// ErrCorrupt reports a recording whose frames do not rebuild consistently.
var ErrCorrupt = errors.New("replay: corrupt recording")

// Frame is one rebuilt snapshot of a recording.
type Frame struct {
	Tick       int32
	DeltaTick  int32
	CapturedAt time.Time
	Crc        uint32
	// PackedSize is the varint-packed delta size in bytes.
	PackedSize int
	Snapshot   *snapshot.Snapshot
}

// Keyframe reports whether the frame was stored against the empty snapshot.
func (f Frame) Keyframe() bool { return f.DeltaTick == pipeline.NoTick }

// Event is one line of the event log.
type Event struct {
	Tick       int32
	CapturedAt time.Time
	Type       string
	Fields     map[string]any
}

// Recording is a fully decoded recording directory.
type Recording struct {
	Dir      string
	Manifest Manifest
	Header   Header
	Frames   []Frame
	Events   []Event
}

// Load decodes the recording at path, which may name the directory or its
// manifest.json, and rebuilds every frame through the delta codec.
func Load(path string) (*Recording, error) {
	if path == "" {
		return nil, fmt.Errorf("replay path must be provided")
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	dir := path
	if !info.IsDir() {
		dir = filepath.Dir(path)
	}

	//1.- Resolve the manifest and header so the frame codec matches the writer's.
	raw, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		return nil, err
	}
	var manifest Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if manifest.Version != manifestVersion {
		return nil, fmt.Errorf("unsupported manifest version %d", manifest.Version)
	}
	headerPath := manifest.HeaderPath
	if headerPath == "" {
		headerPath = "header.json"
	}
	header, err := ReadHeader(filepath.Join(dir, headerPath))
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	codec, variant, err := header.Codec()
	if err != nil {
		return nil, err
	}

	rec := &Recording{Dir: dir, Manifest: manifest, Header: header}
	if rec.Events, err = loadEvents(filepath.Join(dir, manifest.EventsPath)); err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	if rec.Frames, err = loadFrames(filepath.Join(dir, manifest.FramesPath), codec, variant); err != nil {
		return nil, fmt.Errorf("load frames: %w", err)
	}
	return rec, nil
}

// Replay calls apply for every frame in recording order.
func (r *Recording) Replay(apply func(Frame) error) error {
	if r == nil {
		return fmt.Errorf("recording not loaded")
	}
	if apply == nil {
		return fmt.Errorf("replay callback must be provided")
	}
	for _, frame := range r.Frames {
		if err := apply(frame); err != nil {
			return err
		}
	}
	return nil
}

func loadEvents(path string) ([]Event, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(snappy.NewReader(file))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var events []Event
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var record eventRecord
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			return nil, err
		}
		captured, err := time.Parse(time.RFC3339Nano, record.CapturedAt)
		if err != nil {
			return nil, err
		}
		events = append(events, Event{Tick: record.Tick, CapturedAt: captured, Type: record.Type, Fields: record.Fields})
	}
	return events, scanner.Err()
}

func loadFrames(path string, codec *delta.Codec, variant delta.Variant) ([]Frame, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	reader, err := zstd.NewReader(file)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	var (
		frames   []Frame
		head     [frameHeaderSize]byte
		prev     = snapshot.Empty()
		prevTick = pipeline.NoTick
	)
	for {
		//1.- Read the fixed header; a clean EOF between frames ends the stream.
		if _, err := io.ReadFull(reader, head[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return frames, nil
			}
			return nil, fmt.Errorf("%w: frame header: %v", ErrCorrupt, err)
		}
		frame := Frame{
			Tick:       int32(binary.LittleEndian.Uint32(head[0:4])),
			DeltaTick:  int32(binary.LittleEndian.Uint32(head[4:8])),
			CapturedAt: time.Unix(0, int64(binary.LittleEndian.Uint64(head[8:16]))).UTC(),
			Crc:        binary.LittleEndian.Uint32(head[16:20]),
			PackedSize: int(binary.LittleEndian.Uint32(head[20:24])),
		}
		if frame.PackedSize > delta.MaxWords*varint.MaxBytesPacked {
			return nil, fmt.Errorf("%w: tick %d payload of %d bytes", ErrCorrupt, frame.Tick, frame.PackedSize)
		}
		payload := make([]byte, frame.PackedSize)
		if _, err := io.ReadFull(reader, payload); err != nil {
			return nil, fmt.Errorf("%w: tick %d payload: %v", ErrCorrupt, frame.Tick, err)
		}

		//2.- Deltas always reference the frame right before them.
		base := snapshot.Empty()
		if !frame.Keyframe() {
			if frame.DeltaTick != prevTick {
				return nil, fmt.Errorf("%w: tick %d references %d, previous frame is %d", ErrCorrupt, frame.Tick, frame.DeltaTick, prevTick)
			}
			base = prev
		}
		words, err := varint.AppendDecompressed(nil, payload, delta.MaxWords)
		if err != nil {
			return nil, fmt.Errorf("%w: tick %d: %v", ErrCorrupt, frame.Tick, err)
		}
		snap, err := codec.UnpackDelta(variant, base, words)
		if err != nil {
			return nil, fmt.Errorf("%w: tick %d: %v", ErrCorrupt, frame.Tick, err)
		}
		if snap.Crc() != frame.Crc {
			return nil, fmt.Errorf("%w: tick %d crc mismatch", ErrCorrupt, frame.Tick)
		}
		frame.Snapshot = snap
		frames = append(frames, frame)
		prev, prevTick = snap, frame.Tick
	}
}
