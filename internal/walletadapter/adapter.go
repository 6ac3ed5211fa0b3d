// Package walletadapter serializes all access to a thread-unsafe wallet
// library handle onto a single worker goroutine.
package walletadapter

import (
	"context"
	"log"
	"sync"
)

// job is one named unit of work. Jobs with the same name waiting in the
// queue are coalesced — only the most recently enqueued one runs.
type job struct {
	name string
	fn   func(ctx context.Context)
}

// Adapter runs a FIFO queue of named wallet operations on a single worker.
type Adapter struct {
	mu     sync.Mutex
	queue  []job
	wakeup chan struct{}
	done   chan struct{}
}

// New starts the worker goroutine.
func New(ctx context.Context) *Adapter {
	a := &Adapter{
		wakeup: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go a.run(ctx)
	return a
}

// Enqueue schedules fn under name. If the queue's tail already holds a job
// with the same name, it is dropped in favor of this one (coalescing).
func (a *Adapter) Enqueue(name string, fn func(ctx context.Context)) {
	a.enqueue(job{name: name, fn: fn}, true)
}

func (a *Adapter) enqueue(j job, coalesce bool) {
	a.mu.Lock()
	if n := len(a.queue); coalesce && n > 0 && a.queue[n-1].name == j.name {
		a.queue[n-1] = j
	} else {
		a.queue = append(a.queue, j)
	}
	a.mu.Unlock()

	select {
	case a.wakeup <- struct{}{}:
	default:
	}
}

// Call schedules fn under name and blocks until it has run, returning
// whatever error it reports. Unlike Enqueue, a Call is never coalesced
// away — every blocked caller gets its result.
func (a *Adapter) Call(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	resultCh := make(chan error, 1)
	a.enqueue(job{name: name, fn: func(ctx context.Context) {
		resultCh <- fn(ctx)
	}}, false)
	select {
	case err := <-resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Adapter) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(a.done)
			return
		case <-a.wakeup:
		}
		for {
			a.mu.Lock()
			if len(a.queue) == 0 {
				a.mu.Unlock()
				break
			}
			j := a.queue[0]
			a.queue = a.queue[1:]
			a.mu.Unlock()

			func() {
				defer func() {
					if r := recover(); r != nil {
						log.Printf("[wallet] job %q panicked: %v", j.name, r)
					}
				}()
				j.fn(ctx)
			}()
		}
	}
}

// Done reports when the worker has exited.
func (a *Adapter) Done() <-chan struct{} { return a.done }
