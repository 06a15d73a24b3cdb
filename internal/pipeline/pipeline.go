// Package pipeline moves snapshot delta work off the simulation goroutine.
//
// The simulation enqueues one raw snapshot per client per tick. A single worker
// stores it in the client's history, diffs it against the snapshot the client
// last acknowledged, packs and compresses the delta and slices the payload
// into transport-sized packets. The network side polls finished results.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"snapsync/broker/internal/compression"
	"snapsync/broker/internal/delta"
	"snapsync/broker/internal/history"
	"snapsync/broker/internal/logging"
	"snapsync/broker/internal/snapshot"
	"snapsync/broker/internal/tagring"
	"snapsync/broker/internal/varint"
)

// NoTick marks an absent tick: no acknowledged snapshot or no delta baseline.
const NoTick int32 = -1

const (
	// DefaultMaxClients is the number of client slots allocated up front.
	DefaultMaxClients = 64
	// DefaultTickRate is the simulation frequency used to size the retention window.
	DefaultTickRate = 50
	// DefaultRetention is how long produced snapshots stay available as baselines.
	DefaultRetention = 3 * time.Second
	// DefaultMaxPacketSize bounds the payload bytes of one transport packet.
	DefaultMaxPacketSize = 900
)

// ErrUnknownClient reports a client id outside the configured slots.
var ErrUnknownClient = errors.New("pipeline: client id out of range")

// Options configures a Pipeline. Zero values select the defaults.
type Options struct {
	MaxClients      int
	TickRate        int
	Retention       time.Duration
	MaxPacketSize   int
	TagRingCapacity int
	Compressor      compression.Compressor
	Codec           *delta.Codec
	Logger          *logging.Logger
	Metrics         *Metrics
	Clock           func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MaxClients <= 0 {
		o.MaxClients = DefaultMaxClients
	}
	if o.TickRate <= 0 {
		o.TickRate = DefaultTickRate
	}
	if o.Retention <= 0 {
		o.Retention = DefaultRetention
	}
	if o.MaxPacketSize <= 0 {
		o.MaxPacketSize = DefaultMaxPacketSize
	}
	if o.TagRingCapacity <= 0 {
		o.TagRingCapacity = tagring.DefaultCapacity
	}
	if o.Compressor == nil {
		o.Compressor = compression.Default()
	}
	if o.Codec == nil {
		o.Codec = delta.NewCodec()
	}
	if o.Logger == nil {
		o.Logger = logging.L()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// RetentionTicks converts the retention window into ticks, rounding up.
func (o Options) RetentionTicks() int32 {
	o = o.withDefaults()
	perTick := time.Second / time.Duration(o.TickRate)
	return int32((o.Retention + perTick - 1) / perTick)
}

// Slice is a view into a result payload that fits one transport packet.
type Slice struct {
	Offset int
	Length int
}

// Result is the outcome of one snapshot task.
type Result struct {
	ClientID int
	Variant  delta.Variant
	Tick     int32
	// DeltaTick is the baseline the payload was diffed against, or NoTick for
	// the empty baseline.
	DeltaTick int32
	// Crc is the checksum of the full target snapshot.
	Crc uint32
	// Empty marks a result without payload: nothing changed or nothing usable
	// could be produced.
	Empty bool
	// Payload is shared by every slice and must be treated as read-only.
	Payload []byte
	Slices  []Slice
}

// NumParts returns the number of transport packets the result spans.
func (r Result) NumParts() int { return len(r.Slices) }

// Packet returns slice i as a view of the shared payload.
func (r Result) Packet(i int) []byte {
	s := r.Slices[i]
	return r.Payload[s.Offset : s.Offset+s.Length : s.Offset+s.Length]
}

type taskKind int

const (
	taskSnapshot taskKind = iota
	taskReset
)

type task struct {
	kind          taskKind
	clientID      int
	tick          int32
	variant       delta.Variant
	lastAckedTick int32
	data          []byte
}

type clientState struct {
	history *history.History
	tags    *tagring.Ring
}

// Pipeline owns every per-client history and the worker that fills them.
type Pipeline struct {
	opts           Options
	log            *logging.Logger
	retentionTicks int32
	clients        []clientState
	proc           *Processor[task, Result]

	// Worker-only scratch buffers.
	deltaBuf  []int32
	varintBuf []byte

	counters struct {
		snapshots, resets, compressed, empty, fallbacks, payloadBytes atomic.Uint64
	}
}

// Stats summarises pipeline activity since construction.
type Stats struct {
	Pending      int
	Ready        int
	Snapshots    uint64
	Resets       uint64
	Compressed   uint64
	Empty        uint64
	Fallbacks    uint64
	PayloadBytes uint64
}

// Stats returns a point-in-time copy of the counters. Safe from any goroutine.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Pending:      p.proc.Pending(),
		Ready:        p.proc.Ready(),
		Snapshots:    p.counters.snapshots.Load(),
		Resets:       p.counters.resets.Load(),
		Compressed:   p.counters.compressed.Load(),
		Empty:        p.counters.empty.Load(),
		Fallbacks:    p.counters.fallbacks.Load(),
		PayloadBytes: p.counters.payloadBytes.Load(),
	}
}

// New allocates the client slots and the worker. Call Start to begin processing.
func New(opts Options) *Pipeline {
	opts = opts.withDefaults()
	p := &Pipeline{
		opts:           opts,
		log:            opts.Logger.With(logging.String("component", "pipeline")),
		retentionTicks: opts.RetentionTicks(),
		clients:        make([]clientState, opts.MaxClients),
		varintBuf:      make([]byte, snapshot.MaxSize),
	}
	for i := range p.clients {
		p.clients[i] = clientState{
			history: history.New(int(p.retentionTicks) + 1),
			tags:    tagring.New(opts.TagRingCapacity),
		}
	}
	p.proc = NewProcessor[task, Result](p.handle)
	return p
}

// Codec returns the delta codec, whose static sizes must be configured before Start.
func (p *Pipeline) Codec() *delta.Codec { return p.opts.Codec }

// MaxClients returns the number of client slots.
func (p *Pipeline) MaxClients() int { return len(p.clients) }

// MaxPacketSize returns the slice size limit.
func (p *Pipeline) MaxPacketSize() int { return p.opts.MaxPacketSize }

// SetStaticSize fixes the payload size of an item type for a protocol variant.
func (p *Pipeline) SetStaticSize(variant delta.Variant, itemType, words int) error {
	return p.opts.Codec.SetStaticSize(variant, itemType, words)
}

// Start launches the worker goroutine.
func (p *Pipeline) Start(ctx context.Context) { p.proc.Start(ctx) }

// Stop halts the worker after the task in flight.
func (p *Pipeline) Stop() { p.proc.Stop() }

// WaitIdle blocks until every queued task has been processed.
func (p *Pipeline) WaitIdle(ctx context.Context) error { return p.proc.WaitIdle(ctx) }

// Pending returns the queued task count so producers can apply backpressure.
func (p *Pipeline) Pending() int { return p.proc.Pending() }

// EnqueueSnapshot hands a serialized snapshot to the worker. Ownership of data
// moves to the pipeline: the caller must not read or write it afterwards.
func (p *Pipeline) EnqueueSnapshot(clientID int, tick int32, variant delta.Variant, lastAckedTick int32, data []byte) error {
	if clientID < 0 || clientID >= len(p.clients) {
		return fmt.Errorf("%w: %d", ErrUnknownClient, clientID)
	}
	p.proc.Enqueue(task{
		kind:          taskSnapshot,
		clientID:      clientID,
		tick:          tick,
		variant:       variant,
		lastAckedTick: lastAckedTick,
		data:          data,
	})
	return nil
}

// EnqueueReset discards a client's history once every earlier task has run.
func (p *Pipeline) EnqueueReset(clientID int) error {
	if clientID < 0 || clientID >= len(p.clients) {
		return fmt.Errorf("%w: %d", ErrUnknownClient, clientID)
	}
	p.proc.Enqueue(task{kind: taskReset, clientID: clientID})
	return nil
}

// TryPopResult returns the oldest finished result without blocking.
func (p *Pipeline) TryPopResult() (Result, bool) { return p.proc.TryDequeueResult() }

// TryGetTagTime reports when the worker processed tick for a client. It never
// blocks and is safe from any goroutine.
func (p *Pipeline) TryGetTagTime(clientID int, tick int32) (time.Time, bool) {
	if clientID < 0 || clientID >= len(p.clients) {
		return time.Time{}, false
	}
	nanos, ok := p.clients[clientID].tags.TryGet(tick)
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(0, nanos), true
}

func (p *Pipeline) handle(t task) (Result, bool) {
	if t.kind == taskReset {
		//1.- Reset tasks only drop the stored baselines; nothing is emitted.
		p.clients[t.clientID].history.PurgeAll()
		p.counters.resets.Add(1)
		p.opts.Metrics.task("reset")
		p.log.Debug("client history reset", logging.Int("client_id", t.clientID))
		return Result{}, false
	}
	p.opts.Metrics.task("snapshot")
	started := time.Now()
	result := p.processSnapshot(t)
	p.opts.Metrics.observeDuration(time.Since(started))
	p.counters.snapshots.Add(1)
	if result.Empty {
		p.counters.empty.Add(1)
	} else {
		p.counters.compressed.Add(1)
		p.counters.payloadBytes.Add(uint64(len(result.Payload)))
	}
	return result, true
}

func (p *Pipeline) processSnapshot(t task) Result {
	client := &p.clients[t.clientID]
	now := p.opts.Clock()
	result := Result{ClientID: t.clientID, Variant: t.variant, Tick: t.tick, DeltaTick: NoTick}
	logger := p.log.With(logging.Int("client_id", t.clientID), logging.Int64("tick", int64(t.tick)))

	//1.- The tag time is recorded for every processed snapshot, usable or not.
	defer client.tags.Push(t.tick, now.UnixNano())
	p.opts.Metrics.snapshotIn(len(t.data))

	//2.- Corrupt simulation output degrades to an empty result.
	target, err := snapshot.Parse(t.data)
	if err != nil {
		logger.Warn("dropping invalid snapshot", logging.Int("size", len(t.data)), logging.Error(err))
		p.opts.Metrics.result(OutcomeInvalid)
		return emptyResult(result)
	}

	//3.- Evict before inserting so the stored window never exceeds the retention horizon.
	client.history.PurgeUntil(t.tick - p.retentionTicks)
	if err := client.history.Add(t.tick, now, t.data); err != nil {
		logger.Warn("snapshot not stored", logging.Error(err))
	}

	//4.- Resolve the acknowledged baseline; anything unusable means the empty snapshot.
	base := snapshot.Empty()
	if t.lastAckedTick != NoTick {
		if entry, ok := client.history.Get(t.lastAckedTick); ok {
			if parsed, err := snapshot.Parse(entry.Data); err == nil {
				base = parsed
				result.DeltaTick = t.lastAckedTick
			} else {
				logger.Warn("stored baseline invalid", logging.Int64("delta_tick", int64(t.lastAckedTick)), logging.Error(err))
			}
		}
		if result.DeltaTick == NoTick {
			p.counters.fallbacks.Add(1)
			p.opts.Metrics.baselineFallback()
		}
	}
	result.Crc = target.Crc()

	//5.- Diff; an empty delta means the client already holds this state.
	p.deltaBuf, err = p.opts.Codec.AppendDelta(p.deltaBuf[:0], t.variant, base, target)
	if err != nil {
		logger.Warn("delta failed", logging.Error(err))
		p.opts.Metrics.result(OutcomeFailed)
		return emptyResult(result)
	}
	if len(p.deltaBuf) == 0 {
		p.opts.Metrics.result(OutcomeUnchanged)
		return emptyResult(result)
	}

	//6.- Pack into the fixed varint buffer; overflow drops the tick instead of truncating.
	n, err := varint.Compress(p.deltaBuf, p.varintBuf)
	if err != nil {
		logger.Warn("varint overflow", logging.Int("words", len(p.deltaBuf)), logging.Error(err))
		p.opts.Metrics.result(OutcomeOverflow)
		return emptyResult(result)
	}
	payload, err := p.opts.Compressor.Compress(make([]byte, 0, compression.Bound(n)), p.varintBuf[:n])
	if err != nil {
		logger.Warn("compression failed", logging.String("compressor", p.opts.Compressor.Name()), logging.Error(err))
		p.opts.Metrics.result(OutcomeFailed)
		return emptyResult(result)
	}

	//7.- Slice the shared payload into packet-sized views.
	slices := split(len(payload), p.opts.MaxPacketSize)
	if len(slices) > snapshot.MaxParts {
		logger.Warn("payload exceeds part limit", logging.Int("bytes", len(payload)), logging.Int("parts", len(slices)))
		p.opts.Metrics.result(OutcomeOverflow)
		return emptyResult(result)
	}
	result.Payload = payload
	result.Slices = slices
	p.opts.Metrics.result(OutcomeCompressed)
	p.opts.Metrics.payload(len(payload), len(slices))
	return result
}

func emptyResult(r Result) Result {
	r.Empty = true
	r.Payload = nil
	r.Slices = nil
	return r
}

func split(size, max int) []Slice {
	slices := make([]Slice, 0, (size+max-1)/max)
	for offset := 0; offset < size; offset += max {
		length := size - offset
		if length > max {
			length = max
		}
		slices = append(slices, Slice{Offset: offset, Length: length})
	}
	return slices
}
