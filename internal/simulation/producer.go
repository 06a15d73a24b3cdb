// Package simulation runs the demo world that feeds the snapshot pipeline:
// a fixed-step loop advances an arena of entities and the producer turns
// every tick into one snapshot per connected client.
package simulation

import (
	"sync"
	"time"

	"snapsync/broker/internal/delta"
	"snapsync/broker/internal/logging"
	"snapsync/broker/internal/snapshot"
	"snapsync/broker/internal/transport/ws"
)

// Sink accepts per-client snapshots for delta encoding.
type Sink interface {
	EnqueueSnapshot(clientID int, tick int32, variant delta.Variant, lastAckedTick int32, data []byte) error
}

// Recorder persists the shared world snapshot and client lifecycle events.
type Recorder interface {
	RecordTick(tick int32, snap *snapshot.Snapshot) error
	RecordEvent(tick int32, kind string, fields map[string]any) error
}

// ProducerStats counts producer activity.
type ProducerStats struct {
	Ticks    int64
	Enqueued int64
	Failed   int64
}

// Producer turns world ticks into pipeline submissions.
type Producer struct {
	world    *World
	sink     Sink
	clients  func() []ws.ClientInfo
	recorder Recorder
	log      *logging.Logger

	mu    sync.Mutex
	known map[int]ws.ClientInfo
	stats ProducerStats
}

// NewProducer wires world to sink. clients lists the current recipients and
// recorder may be nil.
func NewProducer(world *World, sink Sink, clients func() []ws.ClientInfo, recorder Recorder, logger *logging.Logger) *Producer {
	if logger == nil {
		logger = logging.L()
	}
	if clients == nil {
		clients = func() []ws.ClientInfo { return nil }
	}
	return &Producer{
		world:    world,
		sink:     sink,
		clients:  clients,
		recorder: recorder,
		log:      logger.With(logging.String("component", "producer")),
		known:    make(map[int]ws.ClientInfo),
	}
}

// Step advances the world and submits tick for every connected client. It
// matches StepFunc so it can drive a Loop directly.
func (p *Producer) Step(tick int32, step time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.world.Step(step)
	p.stats.Ticks++
	clients := p.clients()

	//1.- Record the shared world state and any roster changes.
	if p.recorder != nil {
		p.recordRosterLocked(tick, clients)
		world, err := p.world.Snapshot(tick, nil)
		if err == nil {
			err = p.recorder.RecordTick(tick, world)
		}
		if err != nil {
			p.log.Warn("record tick failed", logging.Int64("tick", int64(tick)), logging.Error(err))
		}
	}

	//2.- Each client sees the world plus an item describing its own connection.
	for _, info := range clients {
		snap, err := p.world.Snapshot(tick, func(b *snapshot.Builder) error {
			return b.AddItem(ItemClientInfo, info.ID, []int32{int32(info.ID), info.AckTick})
		})
		if err == nil {
			err = p.sink.EnqueueSnapshot(info.ID, tick, info.Variant, info.AckTick, snap.Marshal())
		}
		if err != nil {
			p.stats.Failed++
			p.log.Warn("enqueue snapshot failed",
				logging.Int("client", info.ID),
				logging.Int64("tick", int64(tick)),
				logging.Error(err),
			)
			continue
		}
		p.stats.Enqueued++
	}
}

func (p *Producer) recordRosterLocked(tick int32, clients []ws.ClientInfo) {
	seen := make(map[int]struct{}, len(clients))
	for _, info := range clients {
		seen[info.ID] = struct{}{}
		if prev, ok := p.known[info.ID]; ok && prev.Connected.Equal(info.Connected) {
			continue
		}
		p.known[info.ID] = info
		p.recordEvent(tick, "client_connected", map[string]any{
			"client":  info.ID,
			"subject": info.Subject,
			"variant": info.Variant.String(),
		})
	}
	for id := range p.known {
		if _, ok := seen[id]; ok {
			continue
		}
		delete(p.known, id)
		p.recordEvent(tick, "client_disconnected", map[string]any{"client": id})
	}
}

func (p *Producer) recordEvent(tick int32, kind string, fields map[string]any) {
	if err := p.recorder.RecordEvent(tick, kind, fields); err != nil {
		p.log.Warn("record event failed", logging.String("event", kind), logging.Error(err))
	}
}

// Stats returns a copy of the producer counters.
func (p *Producer) Stats() ProducerStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
