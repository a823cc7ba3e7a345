package sequencer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/projecteru2/core/log"
)

// Locker guards the probe across processes. lock.Lock satisfies it.
type Locker interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}

// Runner starts operations on a worker goroutine, one at a time.
type Runner struct {
	seq    *Sequencer
	locker Locker

	mu     sync.Mutex
	active *Operation
}

// NewRunner returns a Runner for seq. locker may be nil.
func NewRunner(seq *Sequencer, locker Locker) *Runner {
	return &Runner{seq: seq, locker: locker}
}

// Active returns the running operation, if any.
func (r *Runner) Active() *Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Start launches req on a new worker. It fails with ErrBusy while another
// operation is still running and with ErrProbeLocked when another process
// holds the probe lock. Cancelling ctx cancels the in-flight probe call as
// well as setting the stop flag; Operation.Cancel only sets the flag.
func (r *Runner) Start(ctx context.Context, req Request) (*Operation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		return nil, ErrBusy
	}

	locked := false
	if r.locker != nil && req.Mode.TouchesProbe() {
		ok, err := r.locker.TryLock(ctx)
		if err != nil {
			return nil, fmt.Errorf("acquire probe lock: %w", err)
		}
		if !ok {
			return nil, ErrProbeLocked
		}
		locked = true
	}

	op := newOperation(uuid.NewString(), req)
	r.active = op

	go func() {
		defer func() {
			if locked {
				if err := r.locker.Unlock(context.WithoutCancel(ctx)); err != nil {
					log.WithFunc("sequencer.Runner").Warnf(ctx, "release probe lock: %v", err)
				}
			}
			r.mu.Lock()
			if r.active == op {
				r.active = nil
			}
			r.mu.Unlock()
			op.finish()
		}()
		op.outcome = r.seq.Run(ctx, op.id, req, &op.stop, op.queue.push)
	}()
	return op, nil
}

// Operation is a handle on one running request.
type Operation struct {
	id      string
	req     Request
	stop    StopFlag
	queue   *eventQueue
	done    chan struct{}
	outcome Outcome
}

func newOperation(id string, req Request) *Operation {
	return &Operation{
		id:    id,
		req:   req,
		queue: newEventQueue(),
		done:  make(chan struct{}),
	}
}

// ID returns the operation's unique identifier.
func (o *Operation) ID() string { return o.id }

// Request returns the request the operation runs.
func (o *Operation) Request() Request { return o.req }

// Events delivers the operation's events in order. The channel is closed
// after the outcome event.
func (o *Operation) Events() <-chan Event { return o.queue.out }

// Cancel sets the stop flag. The worker observes it at the next step
// boundary.
func (o *Operation) Cancel() { o.stop.Stop() }

// Done is closed once the worker has exited.
func (o *Operation) Done() <-chan struct{} { return o.done }

// Wait blocks until the worker exits or timeout elapses. A non-positive
// timeout waits indefinitely.
func (o *Operation) Wait(timeout time.Duration) (Outcome, bool) {
	if timeout <= 0 {
		<-o.done
		return o.outcome, true
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-o.done:
		return o.outcome, true
	case <-t.C:
		return Outcome{}, false
	}
}

func (o *Operation) finish() {
	o.queue.close()
	close(o.done)
}

// eventQueue relays events from the worker to a channel without ever
// blocking the worker on a slow consumer.
type eventQueue struct {
	mu      sync.Mutex
	pending []Event
	closed  bool
	notify  chan struct{}
	out     chan Event
}

func newEventQueue() *eventQueue {
	q := &eventQueue{
		notify: make(chan struct{}, 1),
		out:    make(chan Event, 16),
	}
	go q.pump()
	return q
}

func (q *eventQueue) push(e Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, e)
	q.mu.Unlock()
	q.signal()
}

func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *eventQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *eventQueue) pump() {
	defer close(q.out)
	for range q.notify {
		q.mu.Lock()
		batch := q.pending
		q.pending = nil
		closed := q.closed
		q.mu.Unlock()

		for _, e := range batch {
			q.out <- e
		}
		if closed {
			q.mu.Lock()
			rest := q.pending
			q.pending = nil
			q.mu.Unlock()
			for _, e := range rest {
				q.out <- e
			}
			return
		}
	}
}
