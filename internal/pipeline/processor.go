package pipeline

import (
	"context"
	"sync"
)

// HandleFunc turns one task into a result. Returning false discards the result.
type HandleFunc[T, R any] func(task T) (R, bool)

// Processor runs tasks through a single worker goroutine in enqueue order and
// collects the results in the same order.
type Processor[T, R any] struct {
	handle HandleFunc[T, R]

	mu      sync.Mutex
	tasks   []T
	results []R
	busy    bool

	wake     chan struct{}
	progress chan struct{}
	done     chan struct{}
	cancel   context.CancelFunc
}

// NewProcessor wires the handler that the worker applies to every task.
func NewProcessor[T, R any](handle HandleFunc[T, R]) *Processor[T, R] {
	return &Processor[T, R]{
		handle:   handle,
		wake:     make(chan struct{}, 1),
		progress: make(chan struct{}, 1),
	}
}

// Enqueue appends a task. It only holds the queue lock for the append.
func (p *Processor[T, R]) Enqueue(task T) {
	p.mu.Lock()
	p.tasks = append(p.tasks, task)
	p.mu.Unlock()
	signal(p.wake)
}

// TryDequeueResult pops the oldest result without blocking.
func (p *Processor[T, R]) TryDequeueResult() (R, bool) {
	var zero R
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.results) == 0 {
		return zero, false
	}
	r := p.results[0]
	p.results[0] = zero
	p.results = p.results[1:]
	if len(p.results) == 0 {
		p.results = nil
	}
	return r, true
}

// Pending returns the number of tasks queued or in flight.
func (p *Processor[T, R]) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.tasks)
	if p.busy {
		n++
	}
	return n
}

// Ready returns the number of results waiting to be dequeued.
func (p *Processor[T, R]) Ready() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.results)
}

// Start launches the worker. It runs until ctx is cancelled or Stop is called.
func (p *Processor[T, R]) Start(ctx context.Context) {
	if p == nil || p.done != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go p.run(ctx)
}

// Stop cancels the worker and waits for it to exit. Tasks still queued stay
// queued; the task in flight, if any, completes first.
func (p *Processor[T, R]) Stop() {
	if p == nil || p.done == nil {
		return
	}
	p.cancel()
	<-p.done
	p.done = nil
}

// WaitIdle blocks until every enqueued task has been handled or ctx ends.
func (p *Processor[T, R]) WaitIdle(ctx context.Context) error {
	for {
		if p.Pending() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.progress:
		}
	}
}

func (p *Processor[T, R]) run(ctx context.Context) {
	defer close(p.done)
	for {
		task, ok := p.next()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-p.wake:
				continue
			}
		}

		//1.- Handle outside the lock so producers never wait on the work itself.
		result, emit := p.handle(task)

		//2.- Publish the result and clear the busy flag together.
		p.mu.Lock()
		if emit {
			p.results = append(p.results, result)
		}
		p.busy = false
		p.mu.Unlock()
		signal(p.progress)

		if ctx.Err() != nil {
			return
		}
	}
}

func (p *Processor[T, R]) next() (T, bool) {
	var zero T
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.tasks) == 0 {
		return zero, false
	}
	task := p.tasks[0]
	p.tasks[0] = zero
	p.tasks = p.tasks[1:]
	if len(p.tasks) == 0 {
		p.tasks = nil
	}
	p.busy = true
	return task, true
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
