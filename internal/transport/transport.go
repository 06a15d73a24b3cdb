// Package transport hands finished pipeline results to the network.
package transport

import (
	"context"
	"sync/atomic"
	"time"

	"snapsync/broker/internal/logging"
	"snapsync/broker/internal/pipeline"
	"snapsync/broker/internal/wire"
)

// DefaultPollInterval is how often Run drains the pipeline when idle.
const DefaultPollInterval = 2 * time.Millisecond

// Transport delivers one framed packet to a connected client.
type Transport interface {
	Send(clientID int, packet []byte) error
}

// Source yields finished results without blocking.
type Source interface {
	TryPopResult() (pipeline.Result, bool)
}

// Sender frames results with package wire and forwards them to a Transport.
type Sender struct {
	source    Source
	transport Transport
	log       *logging.Logger

	results atomic.Uint64
	packets atomic.Uint64
	failed  atomic.Uint64
}

// SenderStats summarises delivery since construction.
type SenderStats struct {
	Results uint64
	Packets uint64
	Failed  uint64
}

// NewSender wires a result source to a transport.
func NewSender(source Source, transport Transport, logger *logging.Logger) *Sender {
	if logger == nil {
		logger = logging.L()
	}
	return &Sender{source: source, transport: transport, log: logger.With(logging.String("component", "sender"))}
}

// Flush sends every result that is ready and returns how many were handled.
func (s *Sender) Flush() int {
	handled := 0
	for {
		result, ok := s.source.TryPopResult()
		if !ok {
			return handled
		}
		handled++
		s.results.Add(1)
		for part, packet := range wire.Messages(result) {
			//1.- A failed part is dropped; the client acks an older tick and the next delta covers it.
			if err := s.transport.Send(result.ClientID, packet); err != nil {
				s.failed.Add(1)
				s.log.Warn("send failed",
					logging.Int("client", result.ClientID),
					logging.Int64("tick", int64(result.Tick)),
					logging.Int("part", part),
					logging.Error(err),
				)
				break
			}
			s.packets.Add(1)
		}
	}
}

// Run flushes on every interval tick until ctx is cancelled.
func (s *Sender) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Flush()
			return
		case <-ticker.C:
			s.Flush()
		}
	}
}

// Stats returns the delivery counters.
func (s *Sender) Stats() SenderStats {
	return SenderStats{Results: s.results.Load(), Packets: s.packets.Load(), Failed: s.failed.Load()}
}
