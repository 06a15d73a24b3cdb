// Package receiver rebuilds snapshots on the client side from the messages
// produced by package wire.
package receiver

import (
	"errors"
	"fmt"
	"time"

	"snapsync/broker/internal/compression"
	"snapsync/broker/internal/delta"
	"snapsync/broker/internal/history"
	"snapsync/broker/internal/logging"
	"snapsync/broker/internal/pipeline"
	"snapsync/broker/internal/snapshot"
	"snapsync/broker/internal/varint"
	"snapsync/broker/internal/wire"
)

// MaxCrcErrors is how many checksum failures are tolerated before the receiver
// forces a full resend.
const MaxCrcErrors = 10

var (
	// ErrBaselineMissing reports a delta against a tick the receiver no longer holds.
	ErrBaselineMissing = errors.New("receiver: delta baseline missing")
	// ErrCrcMismatch reports a rebuilt snapshot whose checksum differs from the sender's.
	ErrCrcMismatch = errors.New("receiver: crc mismatch")
	// ErrPartTooLarge reports a part above the packet size limit.
	ErrPartTooLarge = errors.New("receiver: part exceeds packet size")
)

// Options configures a Receiver.
type Options struct {
	Variant       delta.Variant
	Codec         *delta.Codec
	MaxPacketSize int
	Logger        *logging.Logger
	Clock         func() time.Time
}

// Receiver reassembles, decompresses and applies snapshot messages for one
// connection. It is not safe for concurrent use.
type Receiver struct {
	opts    Options
	log     *logging.Logger
	history *history.History

	ackTick  int32
	lastTick int32

	recvTick int32
	parts    uint64
	incoming []byte
	size     int

	crcErrors int
	received  int
	current   *snapshot.Snapshot
}

// New returns a receiver without any acknowledged snapshot.
func New(opts Options) *Receiver {
	if opts.Codec == nil {
		opts.Codec = delta.NewCodec()
	}
	if opts.MaxPacketSize <= 0 {
		opts.MaxPacketSize = pipeline.DefaultMaxPacketSize
	}
	if opts.Logger == nil {
		opts.Logger = logging.L()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Receiver{
		opts:     opts,
		log:      opts.Logger.With(logging.String("component", "receiver")),
		history:  history.New(0),
		ackTick:  pipeline.NoTick,
		lastTick: pipeline.NoTick,
		recvTick: pipeline.NoTick,
		incoming: make([]byte, snapshot.MaxParts*opts.MaxPacketSize),
	}
}

// AckTick is the tick the client reports back as its latest complete snapshot,
// or pipeline.NoTick to request a full resend.
func (r *Receiver) AckTick() int32 { return r.ackTick }

// Current returns the most recent rebuilt snapshot.
func (r *Receiver) Current() *snapshot.Snapshot { return r.current }

// Received returns how many snapshots were rebuilt.
func (r *Receiver) Received() int { return r.received }

// Handle consumes one packet. It returns the rebuilt snapshot once the last
// part of a tick arrives; parts of older or already acknowledged ticks are
// ignored.
func (r *Receiver) Handle(packet []byte) (*snapshot.Snapshot, error) {
	msg, err := wire.Decode(packet)
	if err != nil {
		return nil, err
	}
	if len(msg.Data) > r.opts.MaxPacketSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPartTooLarge, len(msg.Data))
	}
	if msg.ID == wire.MsgSnapEmpty {
		msg.NumParts = 1
	}
	if msg.Tick < r.recvTick || msg.Tick <= r.ackTick {
		return nil, nil
	}

	//1.- A newer tick abandons whatever parts of the previous one arrived.
	if msg.Tick != r.recvTick {
		r.parts = 0
		r.size = 0
		r.recvTick = msg.Tick
	}
	copy(r.incoming[msg.Part*r.opts.MaxPacketSize:], msg.Data)
	r.parts |= 1 << uint(msg.Part)
	if msg.Part == msg.NumParts-1 {
		r.size = (msg.NumParts-1)*r.opts.MaxPacketSize + len(msg.Data)
	}
	if !complete(r.parts, msg.NumParts) {
		return nil, nil
	}
	r.parts = 0
	return r.apply(msg)
}

func (r *Receiver) apply(msg wire.Message) (*snapshot.Snapshot, error) {
	logger := r.log.With(logging.Int64("tick", int64(msg.Tick)), logging.Int64("delta_tick", int64(msg.DeltaTick)))

	//1.- Resolve the baseline; a missing one means the sender must resync from scratch.
	base := snapshot.Empty()
	if msg.DeltaTick >= 0 {
		entry, ok := r.history.Get(msg.DeltaTick)
		if !ok {
			r.ackTick = pipeline.NoTick
			logger.Warn("delta baseline missing, requesting full snapshot")
			return nil, fmt.Errorf("%w: tick %d", ErrBaselineMissing, msg.DeltaTick)
		}
		parsed, err := snapshot.Parse(entry.Data)
		if err != nil {
			return nil, err
		}
		base = parsed
	}

	//2.- Undo the byte compressor and the varint packing.
	words := delta.EmptyDelta()
	if r.size > 0 {
		raw, err := compression.Decompress(nil, r.incoming[:r.size], snapshot.MaxSize)
		if err != nil {
			return nil, err
		}
		if words, err = varint.AppendDecompressed(nil, raw, delta.MaxWords); err != nil {
			return nil, err
		}
	}
	snap, err := r.opts.Codec.UnpackDelta(r.opts.Variant, base, words)
	if err != nil {
		return nil, err
	}
	encoded := snap.Marshal()
	if err := snapshot.Validate(encoded); err != nil {
		return nil, err
	}

	//3.- Repeated checksum failures force a resync; successes pay the count down.
	if msg.ID != wire.MsgSnapEmpty && snap.Crc() != msg.Crc {
		r.crcErrors++
		logger.Warn("snapshot crc mismatch", logging.Int("errors", r.crcErrors))
		if r.crcErrors > MaxCrcErrors {
			r.ackTick = pipeline.NoTick
			r.crcErrors = 0
		}
		return nil, fmt.Errorf("%w: want %d got %d", ErrCrcMismatch, msg.Crc, snap.Crc())
	}
	if r.crcErrors > 0 {
		r.crcErrors--
	}

	//4.- Keep the baseline and anything newer, then store the new tick.
	purge := msg.DeltaTick
	if r.lastTick != pipeline.NoTick && r.lastTick < purge {
		purge = r.lastTick
	}
	r.history.PurgeUntil(purge)
	if err := r.history.Add(msg.Tick, r.opts.Clock(), encoded); err != nil {
		return nil, err
	}
	r.lastTick = msg.Tick
	r.ackTick = msg.Tick
	r.current = snap
	r.received++
	return snap, nil
}

func complete(parts uint64, numParts int) bool {
	if numParts >= snapshot.MaxParts {
		return parts == ^uint64(0)
	}
	return parts == uint64(1)<<uint(numParts)-1
}
