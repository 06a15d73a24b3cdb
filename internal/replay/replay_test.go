package replay

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"snapsync/broker/internal/delta"
	"snapsync/broker/internal/logging"
	"snapsync/broker/internal/pipeline"
	"snapsync/broker/internal/snapshot"
)

func steppingClock(start time.Time, step time.Duration) func() time.Time {
	now := start
	return func() time.Time {
		now = now.Add(step)
		return now
	}
}

func worldAt(tick int32) *snapshot.Snapshot {
	b := snapshot.NewBuilder()
	_ = b.AddItem(1, 0, []int32{tick, 50})
	for id := 0; id < 4; id++ {
		_ = b.AddItem(9, id, []int32{int32(id) * 10, tick % 3, 100 - tick, int32(id)})
	}
	if tick%2 == 0 {
		_ = b.AddItem(3, int(tick), []int32{7})
	}
	return b.Finish()
}

func TestWriterLoaderRoundTrip(t *testing.T) {
	root := t.TempDir()
	writer, manifest, err := NewWriter(root, "demo session!", WriterOptions{
		Clock:            steppingClock(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), 20*time.Millisecond),
		Variant:          delta.Variant07,
		TickRate:         50,
		StaticSizes:      []StaticSize{{Type: 1, Words: 2}},
		KeyframeInterval: 3,
	})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if manifest.FramesPath != "frames.bin.zst" || manifest.EventsPath != "events.jsonl.sz" || manifest.Keyframes != 3 {
		t.Fatalf("unexpected manifest %+v", manifest)
	}
	if filepath.Base(writer.Directory())[:11] != "demosession" {
		t.Fatalf("unexpected directory name %q", writer.Directory())
	}

	if err := writer.AppendEvent(0, "client_connected", map[string]any{"client": 2}); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	for tick := int32(1); tick <= 10; tick++ {
		if err := writer.AppendSnapshot(tick, worldAt(tick)); err != nil {
			t.Fatalf("AppendSnapshot(%d): %v", tick, err)
		}
	}
	if err := writer.AppendSnapshot(10, worldAt(10)); !errors.Is(err, ErrTickNotIncreasing) {
		t.Fatalf("expected ErrTickNotIncreasing, got %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := writer.AppendSnapshot(11, worldAt(11)); err == nil {
		t.Fatalf("expected append after close to fail")
	}

	rec, err := Load(filepath.Join(writer.Directory(), "manifest.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rec.Header.Variant != "0.7" || rec.Header.TickRate != 50 {
		t.Fatalf("unexpected header %+v", rec.Header)
	}
	if len(rec.Events) != 1 || rec.Events[0].Type != "client_connected" || rec.Events[0].Fields["client"] != float64(2) {
		t.Fatalf("unexpected events %+v", rec.Events)
	}
	if len(rec.Frames) != 10 {
		t.Fatalf("expected 10 frames, got %d", len(rec.Frames))
	}
	keyframes := 0
	err = rec.Replay(func(f Frame) error {
		if !f.Snapshot.Equal(worldAt(f.Tick)) {
			t.Fatalf("tick %d rebuilt differently", f.Tick)
		}
		if f.Keyframe() {
			keyframes++
		} else if f.DeltaTick != f.Tick-1 {
			t.Fatalf("tick %d diffed against %d", f.Tick, f.DeltaTick)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	// Ticks 1, 4, 7 and 10 are keyframes.
	if keyframes != 4 {
		t.Fatalf("expected 4 keyframes, got %d", keyframes)
	}
}

func TestWriterRejectsStaticSizeViolations(t *testing.T) {
	writer, _, err := NewWriter(t.TempDir(), "s", WriterOptions{Variant: delta.Variant06, StaticSizes: []StaticSize{{Type: 1, Words: 5}}})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer writer.Close()
	if err := writer.AppendSnapshot(1, worldAt(1)); !errors.Is(err, delta.ErrStaticSizeMismatch) {
		t.Fatalf("expected ErrStaticSizeMismatch, got %v", err)
	}
}

func TestLoadDetectsCorruptFrames(t *testing.T) {
	writer, _, err := NewWriter(t.TempDir(), "corrupt", WriterOptions{})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	for tick := int32(1); tick <= 3; tick++ {
		if err := writer.AppendSnapshot(tick, worldAt(tick)); err != nil {
			t.Fatalf("AppendSnapshot: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	//1.- Flip the checksum of the first frame and re-compress the stream.
	path := filepath.Join(writer.Directory(), "frames.bin.zst")
	compressed, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read frames: %v", err)
	}
	decoder, _ := zstd.NewReader(nil)
	raw, err := decoder.DecodeAll(compressed, nil)
	decoder.Close()
	if err != nil {
		t.Fatalf("decode frames: %v", err)
	}
	raw[16] ^= 0xff
	encoder, _ := zstd.NewWriter(nil)
	if err := os.WriteFile(path, encoder.EncodeAll(raw, nil), 0o644); err != nil {
		t.Fatalf("write frames: %v", err)
	}
	encoder.Close()

	if _, err := Load(writer.Directory()); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func TestHeaderValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "header.json")
	header := Header{SchemaVersion: HeaderSchemaVersion, Variant: "0.6", TickRate: 50, FilePointer: "manifest.json"}
	if err := WriteHeader(path, header); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	loaded, err := ReadHeader(path)
	if err != nil || loaded.Variant != "0.6" || loaded.TickRate != 50 {
		t.Fatalf("ReadHeader = %+v, %v", loaded, err)
	}
	for _, bad := range []Header{
		{Variant: "0.6", FilePointer: "m"},
		{SchemaVersion: 1, Variant: "0.9", FilePointer: "m"},
		{SchemaVersion: 1, Variant: "0.6"},
	} {
		if err := bad.Validate(); err == nil {
			t.Fatalf("expected %+v to be rejected", bad)
		}
	}
}

func TestRecorderRollsRecordings(t *testing.T) {
	root := t.TempDir()
	recorder, err := NewRecorder(root, "broker", WriterOptions{Clock: steppingClock(time.Unix(1700000000, 0), time.Second)}, logging.NewTestLogger())
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	if _, err := recorder.Roll(); err == nil {
		t.Fatalf("expected roll without frames to fail")
	}
	for tick := int32(1); tick <= 5; tick++ {
		if err := recorder.RecordTick(tick, worldAt(tick)); err != nil {
			t.Fatalf("RecordTick: %v", err)
		}
	}
	if stats := recorder.Stats(); stats.Frames != 5 || stats.ActiveDir == "" || stats.Bytes == 0 {
		t.Fatalf("unexpected active stats %+v", stats)
	}
	dir, err := recorder.Roll()
	if err != nil {
		t.Fatalf("Roll: %v", err)
	}

	//1.- A new recording starts after the roll and may restart the tick count.
	if err := recorder.RecordTick(1, worldAt(1)); err != nil {
		t.Fatalf("RecordTick after roll: %v", err)
	}
	stats := recorder.Stats()
	if stats.Rolls != 1 || stats.LastRollDir != dir || stats.ActiveDir == dir {
		t.Fatalf("unexpected stats after roll %+v", stats)
	}
	if err := recorder.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	rec, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(rec.Frames) != 5 || rec.Frames[0].DeltaTick != pipeline.NoTick {
		t.Fatalf("unexpected rolled recording: %d frames", len(rec.Frames))
	}
}
