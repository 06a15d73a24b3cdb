package simulation

import (
	"errors"
	"testing"
	"time"

	"snapsync/broker/internal/delta"
	"snapsync/broker/internal/logging"
	"snapsync/broker/internal/snapshot"
	"snapsync/broker/internal/transport/ws"
)

type submission struct {
	client  int
	tick    int32
	variant delta.Variant
	ack     int32
	snap    *snapshot.Snapshot
}

type recordingSink struct {
	got     []submission
	failFor int
}

func (s *recordingSink) EnqueueSnapshot(clientID int, tick int32, variant delta.Variant, ack int32, data []byte) error {
	if clientID == s.failFor {
		return errors.New("queue closed")
	}
	snap, err := snapshot.Parse(data)
	if err != nil {
		return err
	}
	s.got = append(s.got, submission{client: clientID, tick: tick, variant: variant, ack: ack, snap: snap})
	return nil
}

type memoryRecorder struct {
	ticks  []int32
	events []string
}

func (r *memoryRecorder) RecordTick(tick int32, snap *snapshot.Snapshot) error {
	r.ticks = append(r.ticks, tick)
	return nil
}

func (r *memoryRecorder) RecordEvent(tick int32, kind string, fields map[string]any) error {
	r.events = append(r.events, kind)
	return nil
}

func TestWorldIsDeterministicAndMoves(t *testing.T) {
	a, b := NewWorld(12, 7), NewWorld(12, 7)
	first, err := a.Snapshot(1, nil)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	for i := 0; i < 200; i++ {
		a.Step(20 * time.Millisecond)
		b.Step(20 * time.Millisecond)
	}
	sa, _ := a.Snapshot(201, nil)
	sb, _ := b.Snapshot(201, nil)
	if !sa.Equal(sb) {
		t.Fatalf("worlds with the same seed diverged")
	}
	if sa.NumItems() != 13 {
		t.Fatalf("expected world info plus 12 entities, got %d items", sa.NumItems())
	}
	moved, _ := sa.Find(ItemEntity, 0)
	start, _ := first.Find(ItemEntity, 0)
	if moved[0] == start[0] && moved[1] == start[1] {
		t.Fatalf("entity 0 did not move")
	}

	//1.- Entities never leave the arena.
	for id := 0; id < 12; id++ {
		data, _ := sa.Find(ItemEntity, id)
		if data[0] < 0 || data[0] > arenaWidth*positionScale || data[1] < 0 || data[1] > arenaHeight*positionScale {
			t.Fatalf("entity %d escaped to (%d,%d)", id, data[0], data[1])
		}
	}
}

func TestProducerSubmitsPerClientSnapshots(t *testing.T) {
	connected := time.Unix(1700000000, 0)
	roster := []ws.ClientInfo{
		{ID: 0, Variant: delta.Variant06, AckTick: -1, Connected: connected},
		{ID: 3, Variant: delta.Variant07, AckTick: 4, Connected: connected},
	}
	sink := &recordingSink{failFor: -1}
	recorder := &memoryRecorder{}
	producer := NewProducer(NewWorld(4, 1), sink, func() []ws.ClientInfo { return roster }, recorder, logging.NewTestLogger())

	producer.Step(5, 20*time.Millisecond)
	if len(sink.got) != 2 {
		t.Fatalf("expected two submissions, got %d", len(sink.got))
	}
	second := sink.got[1]
	if second.client != 3 || second.tick != 5 || second.variant != delta.Variant07 || second.ack != 4 {
		t.Fatalf("unexpected submission %+v", second)
	}
	own, ok := second.snap.Find(ItemClientInfo, 3)
	if !ok || own[0] != 3 || own[1] != 4 {
		t.Fatalf("client item missing or wrong: %v", own)
	}
	if _, ok := second.snap.Find(ItemClientInfo, 0); ok {
		t.Fatalf("client 3 must not see client 0's item")
	}

	//1.- Dropping a client records a disconnect; failures are counted.
	roster = roster[1:]
	sink.failFor = 3
	producer.Step(6, 20*time.Millisecond)

	stats := producer.Stats()
	if stats.Ticks != 2 || stats.Enqueued != 2 || stats.Failed != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if len(recorder.ticks) != 2 || recorder.ticks[1] != 6 {
		t.Fatalf("unexpected recorded ticks %v", recorder.ticks)
	}
	want := []string{"client_connected", "client_connected", "client_disconnected"}
	if len(recorder.events) != len(want) {
		t.Fatalf("unexpected events %v", recorder.events)
	}
	for i := range want {
		if recorder.events[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], recorder.events[i])
		}
	}
}
