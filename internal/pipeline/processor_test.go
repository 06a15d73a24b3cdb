package pipeline

import (
	"context"
	"testing"
	"time"
)

func TestProcessorPreservesOrderAndDiscards(t *testing.T) {
	proc := NewProcessor(HandleFunc[int, int](func(v int) (int, bool) {
		return v * 10, v%3 != 0
	}))
	for i := 1; i <= 9; i++ {
		proc.Enqueue(i)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	proc.Start(ctx)
	defer proc.Stop()
	if err := proc.WaitIdle(ctx); err != nil {
		t.Fatalf("wait idle: %v", err)
	}

	want := []int{10, 20, 40, 50, 70, 80}
	for _, w := range want {
		got, ok := proc.TryDequeueResult()
		if !ok || got != w {
			t.Fatalf("expected %d, got %d (%v)", w, got, ok)
		}
	}
	if _, ok := proc.TryDequeueResult(); ok {
		t.Fatalf("expected result queue to be drained")
	}
}

func TestProcessorStopLeavesQueuedTasks(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	proc := NewProcessor(HandleFunc[int, int](func(v int) (int, bool) {
		started <- struct{}{}
		<-release
		return v, true
	}))
	proc.Enqueue(1)
	proc.Enqueue(2)
	proc.Start(context.Background())
	<-started

	//1.- Stop must let the task in flight finish and leave the second one queued.
	stopped := make(chan struct{})
	go func() {
		proc.Stop()
		close(stopped)
	}()
	close(release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatalf("stop did not return")
	}
	if got, ok := proc.TryDequeueResult(); !ok || got != 1 {
		t.Fatalf("expected first result, got %d %v", got, ok)
	}
	if proc.Pending() != 1 {
		t.Fatalf("expected one queued task, got %d", proc.Pending())
	}
}

func TestTryDequeueNeverBlocks(t *testing.T) {
	proc := NewProcessor(HandleFunc[int, int](func(v int) (int, bool) { return v, true }))
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			proc.TryDequeueResult()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("TryDequeueResult blocked without a worker")
	}
}
