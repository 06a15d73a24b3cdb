// Package replayplayer inspects recordings written by the broker and replays
// them through the snapshot pipeline to estimate what clients would receive.
package replayplayer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"snapsync/broker/internal/compression"
	"snapsync/broker/internal/logging"
	"snapsync/broker/internal/pipeline"
	"snapsync/broker/internal/receiver"
	"snapsync/broker/internal/replay"
	"snapsync/broker/internal/wire"
)

// Summary describes a recording without its frame payloads.
type Summary struct {
	Dir         string         `json:"dir"`
	Variant     string         `json:"variant"`
	TickRate    int            `json:"tick_rate"`
	Frames      int            `json:"frames"`
	Keyframes   int            `json:"keyframes"`
	FirstTick   int32          `json:"first_tick"`
	LastTick    int32          `json:"last_tick"`
	Duration    string         `json:"duration"`
	PackedBytes int64          `json:"packed_bytes"`
	MaxItems    int            `json:"max_items"`
	Events      map[string]int `json:"events"`
}

// Summarize loads the recording at path, which may name the directory or its
// manifest.json.
func Summarize(path string) (*replay.Recording, Summary, error) {
	rec, err := replay.Load(path)
	if err != nil {
		return nil, Summary{}, err
	}
	summary := Summary{
		Dir:      rec.Dir,
		Variant:  rec.Header.Variant,
		TickRate: rec.Header.TickRate,
		Frames:   len(rec.Frames),
		Events:   make(map[string]int),
	}
	for _, frame := range rec.Frames {
		if frame.Keyframe() {
			summary.Keyframes++
		}
		summary.PackedBytes += int64(frame.PackedSize)
		if n := frame.Snapshot.NumItems(); n > summary.MaxItems {
			summary.MaxItems = n
		}
	}
	if len(rec.Frames) > 0 {
		first, last := rec.Frames[0], rec.Frames[len(rec.Frames)-1]
		summary.FirstTick, summary.LastTick = first.Tick, last.Tick
		summary.Duration = last.CapturedAt.Sub(first.CapturedAt).String()
	}
	for _, event := range rec.Events {
		summary.Events[event.Type]++
	}
	return rec, summary, nil
}

// TransmitOptions configures Transmit.
type TransmitOptions struct {
	MaxPacketSize int
	Compressor    string
	// AckLag is how many ticks the simulated client acknowledges behind.
	AckLag int
}

// TransmitReport estimates the network cost of streaming a recording.
type TransmitReport struct {
	Snapshots   int     `json:"snapshots"`
	Packets     int     `json:"packets"`
	Bytes       int64   `json:"bytes"`
	EmptyTicks  int     `json:"empty_ticks"`
	BytesPerSec float64 `json:"bytes_per_second"`
	Verified    int     `json:"verified"`
}

// Transmit streams every frame of rec to a single simulated client through a
// live pipeline and checks that a receiver rebuilds each tick.
func Transmit(ctx context.Context, rec *replay.Recording, opts TransmitOptions) (TransmitReport, error) {
	if rec == nil {
		return TransmitReport{}, fmt.Errorf("recording not loaded")
	}
	codec, variant, err := rec.Header.Codec()
	if err != nil {
		return TransmitReport{}, err
	}
	compressor, err := compression.New(opts.Compressor)
	if err != nil {
		return TransmitReport{}, err
	}
	logger := logging.L()
	pipe := pipeline.New(pipeline.Options{
		MaxClients:    1,
		TickRate:      rec.Header.TickRate,
		MaxPacketSize: opts.MaxPacketSize,
		Compressor:    compressor,
		Codec:         codec,
		Logger:        logger,
	})
	pipe.Start(ctx)
	defer pipe.Stop()
	recv := receiver.New(receiver.Options{Variant: variant, Codec: codec, MaxPacketSize: pipe.MaxPacketSize(), Logger: logger})

	var report TransmitReport
	acks := make([]int32, 0, len(rec.Frames))
	for _, frame := range rec.Frames {
		//1.- The client acknowledges AckLag ticks behind what it rebuilt.
		ack := pipeline.NoTick
		if n := len(acks) - 1 - opts.AckLag; n >= 0 {
			ack = acks[n]
		}
		if err := pipe.EnqueueSnapshot(0, frame.Tick, variant, ack, frame.Snapshot.Marshal()); err != nil {
			return report, err
		}
		if err := pipe.WaitIdle(ctx); err != nil {
			return report, err
		}
		result, ok := pipe.TryPopResult()
		if !ok {
			return report, fmt.Errorf("tick %d produced no result", frame.Tick)
		}
		report.Snapshots++
		if result.Empty {
			report.EmptyTicks++
		}

		//2.- Feed the framed packets to the receiver and check the rebuilt tick.
		for _, packet := range wire.Messages(result) {
			report.Packets++
			report.Bytes += int64(len(packet))
			snap, err := recv.Handle(packet)
			if err != nil {
				return report, fmt.Errorf("tick %d: %w", frame.Tick, err)
			}
			if snap != nil && snap.Equal(frame.Snapshot) {
				report.Verified++
			}
		}
		acks = append(acks, recv.AckTick())
	}
	if seconds := float64(report.Snapshots) / float64(max(rec.Header.TickRate, 1)); seconds > 0 {
		report.BytesPerSec = float64(report.Bytes) / seconds
	}
	return report, nil
}

// EventTypes returns the recorded event types in name order.
func (s Summary) EventTypes() []string {
	types := make([]string, 0, len(s.Events))
	for kind := range s.Events {
		types = append(types, kind)
	}
	sort.Strings(types)
	return types
}

// FrameInterval returns the nominal spacing between ticks.
func (s Summary) FrameInterval() time.Duration {
	if s.TickRate <= 0 {
		return 0
	}
	return time.Second / time.Duration(s.TickRate)
}
