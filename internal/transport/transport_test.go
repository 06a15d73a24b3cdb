package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"snapsync/broker/internal/delta"
	"snapsync/broker/internal/logging"
	"snapsync/broker/internal/pipeline"
	"snapsync/broker/internal/snapshot"
	"snapsync/broker/internal/wire"
)

type recordingTransport struct {
	packets map[int][][]byte
	fail    map[int]bool
}

func (r *recordingTransport) Send(clientID int, packet []byte) error {
	if r.fail[clientID] {
		return errors.New("closed")
	}
	if r.packets == nil {
		r.packets = make(map[int][][]byte)
	}
	r.packets[clientID] = append(r.packets[clientID], packet)
	return nil
}

func fill(t *testing.T, pipe *pipeline.Pipeline, clients int) {
	t.Helper()
	for id := 0; id < clients; id++ {
		b := snapshot.NewBuilder()
		_ = b.AddItem(4, id, make([]int32, 200))
		if err := pipe.EnqueueSnapshot(id, 1, delta.Variant06, pipeline.NoTick, b.Finish().Marshal()); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pipe.WaitIdle(ctx); err != nil {
		t.Fatalf("wait idle: %v", err)
	}
}

func TestSenderFlushFramesEveryPart(t *testing.T) {
	pipe := pipeline.New(pipeline.Options{MaxClients: 2, MaxPacketSize: 32, Logger: logging.NewTestLogger()})
	pipe.Start(context.Background())
	defer pipe.Stop()
	fill(t, pipe, 2)

	dst := &recordingTransport{}
	sender := NewSender(pipe, dst, logging.NewTestLogger())
	if handled := sender.Flush(); handled != 2 {
		t.Fatalf("expected two results, got %d", handled)
	}
	for id := 0; id < 2; id++ {
		packets := dst.packets[id]
		if len(packets) == 0 {
			t.Fatalf("client %d received nothing", id)
		}
		for part, packet := range packets {
			msg, err := wire.Decode(packet)
			if err != nil {
				t.Fatalf("client %d part %d: %v", id, part, err)
			}
			if msg.Tick != 1 || msg.Part != part {
				t.Fatalf("client %d: unexpected message %+v", id, msg)
			}
		}
	}
	if stats := sender.Stats(); stats.Results != 2 || stats.Failed != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestSenderCountsFailures(t *testing.T) {
	pipe := pipeline.New(pipeline.Options{MaxClients: 2, Logger: logging.NewTestLogger()})
	pipe.Start(context.Background())
	defer pipe.Stop()
	fill(t, pipe, 2)

	dst := &recordingTransport{fail: map[int]bool{1: true}}
	sender := NewSender(pipe, dst, logging.NewTestLogger())
	sender.Flush()
	if len(dst.packets[0]) == 0 || len(dst.packets[1]) != 0 {
		t.Fatalf("unexpected delivery %v", dst.packets)
	}
	if stats := sender.Stats(); stats.Failed != 1 {
		t.Fatalf("expected one failure, got %+v", stats)
	}
}

func TestSenderRunStopsWithContext(t *testing.T) {
	pipe := pipeline.New(pipeline.Options{MaxClients: 1, Logger: logging.NewTestLogger()})
	sender := NewSender(pipe, &recordingTransport{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sender.Run(ctx, time.Millisecond)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}
