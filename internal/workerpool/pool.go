// Package workerpool implements a fixed-size pool of workers fed through a
// bounded queue. Submit blocks while the queue is full, WaitIdle joins on all
// outstanding work, and Shutdown drains and stops the workers.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"
)

var (
	// ErrPoolClosed is returned by Submit once Shutdown has started.
	ErrPoolClosed = errors.New("worker pool is shut down")
	// ErrInvalidSize is returned when a pool is built with fewer than one worker.
	ErrInvalidSize = errors.New("worker pool requires at least one worker")
)

// DefaultSize is the worker count used when callers do not pick one.
const DefaultSize = 8

// TaskFaultError wraps a panic raised by a task handler.
type TaskFaultError struct {
	Value any
	Stack []byte
}

func (e *TaskFaultError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}

// Observer receives pool activity notifications. Implementations must be
// safe for concurrent use.
type Observer interface {
	TaskQueued(depth int)
	TaskDone(d time.Duration, err error)
}

// Option configures a Pool.
type Option[T any] func(*Pool[T])

// WithFaultHandler registers fn to receive tasks whose handler returned an
// error or panicked. A faulting task still counts as completed.
func WithFaultHandler[T any](fn func(task T, err error)) Option[T] {
	return func(p *Pool[T]) {
		p.onFault = fn
	}
}

// WithObserver attaches an Observer.
func WithObserver[T any](o Observer) Option[T] {
	return func(p *Pool[T]) {
		p.observer = o
	}
}

// WithBaseContext sets the context handed to every handler call.
func WithBaseContext[T any](ctx context.Context) Option[T] {
	return func(p *Pool[T]) {
		if ctx != nil {
			p.ctx = ctx
		}
	}
}

type item[T any] struct {
	task T
	stop bool
}

// Pool runs tasks on a fixed set of worker goroutines. The queue holds at
// most Size tasks.
type Pool[T any] struct {
	handler  func(ctx context.Context, task T) error
	onFault  func(task T, err error)
	observer Observer
	ctx      context.Context

	size    int
	queue   chan item[T]
	workers sync.WaitGroup

	// submitMu is held shared by Submit and exclusively by Shutdown when it
	// flips closed, so no task can be enqueued behind the stop signals.
	submitMu sync.RWMutex
	closed   bool

	mu      sync.Mutex
	idle    *sync.Cond
	pending int

	shutdownOnce sync.Once
}

// New starts size workers running handler.
func New[T any](size int, handler func(ctx context.Context, task T) error, opts ...Option[T]) (*Pool[T], error) {
	if size < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidSize, size)
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is nil")
	}

	p := &Pool[T]{
		handler: handler,
		ctx:     context.Background(),
		size:    size,
		queue:   make(chan item[T], size),
	}
	p.idle = sync.NewCond(&p.mu)
	for _, opt := range opts {
		opt(p)
	}

	p.workers.Add(size)
	for i := 0; i < size; i++ {
		go p.work()
	}
	return p, nil
}

// Size returns the number of workers.
func (p *Pool[T]) Size() int {
	return p.size
}

// Pending returns the number of submitted tasks not yet completed.
func (p *Pool[T]) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}

// Submit enqueues task, blocking while the queue is full.
func (p *Pool[T]) Submit(task T) error {
	p.submitMu.RLock()
	defer p.submitMu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}

	p.mu.Lock()
	p.pending++
	p.mu.Unlock()

	p.queue <- item[T]{task: task}
	if p.observer != nil {
		p.observer.TaskQueued(len(p.queue))
	}
	return nil
}

// WaitIdle blocks until every task submitted so far has completed.
func (p *Pool[T]) WaitIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.pending > 0 {
		p.idle.Wait()
	}
}

// Shutdown waits for outstanding work, stops every worker and waits for them
// to exit. Calling it more than once is safe.
func (p *Pool[T]) Shutdown() {
	p.shutdownOnce.Do(func() {
		p.WaitIdle()

		p.submitMu.Lock()
		p.closed = true
		p.submitMu.Unlock()

		for i := 0; i < p.size; i++ {
			p.queue <- item[T]{stop: true}
		}
		p.workers.Wait()
	})
}

func (p *Pool[T]) work() {
	defer p.workers.Done()
	for it := range p.queue {
		if it.stop {
			return
		}
		p.run(it.task)
		p.complete()
	}
}

func (p *Pool[T]) run(task T) {
	start := time.Now()
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = &TaskFaultError{Value: r, Stack: debug.Stack()}
		}
		if err != nil && p.onFault != nil {
			p.onFault(task, err)
		}
		if p.observer != nil {
			p.observer.TaskDone(time.Since(start), err)
		}
	}()
	err = p.handler(p.ctx, task)
}

func (p *Pool[T]) complete() {
	p.mu.Lock()
	p.pending--
	if p.pending == 0 {
		p.idle.Broadcast()
	}
	p.mu.Unlock()
}
