// Package cmdq serializes SCPI queries against a single transport. The
// instrument answers queries strictly in the order they were sent and its
// replies carry no correlation ID, so the queue keeps pending queries in an
// ordered sequence and matches each arriving line to the oldest unanswered
// one. Each pending query carries its own timeout; a cleared queue fails
// every outstanding query so no caller is left hanging after a disconnect or
// a protocol desync.
package cmdq

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/banshee-data/power.bench/internal/scpi"
	"github.com/banshee-data/power.bench/internal/timeutil"
)

var (
	// ErrTimeout is returned when a query receives no reply within its
	// deadline.
	ErrTimeout = errors.New("query timed out")

	// ErrCleared is returned for queries failed in bulk by Clear.
	ErrCleared = errors.New("queue cleared")

	// ErrNotQuery is returned when Query is called with a directive.
	ErrNotQuery = errors.New("command is not a query")
)

// DefaultTimeout is the per-query reply deadline.
const DefaultTimeout = 2000 * time.Millisecond

// Sender is the transport-facing half the queue needs.
type Sender interface {
	Send(command string) error
}

type result struct {
	line string
	err  error
}

// Pending is the deferred result of one in-flight query.
type Pending struct {
	ch chan result
}

// Wait blocks until the query resolves, fails, or ctx is done.
func (p *Pending) Wait(ctx context.Context) (string, error) {
	select {
	case r := <-p.ch:
		return r.line, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Fail returns a Pending that has already failed with err. It lets layers
// that hand out Pendings report "no session" through the same deferred-result
// shape as a live query.
func Fail(err error) *Pending {
	p := &Pending{ch: make(chan result, 1)}
	p.ch <- result{err: err}
	return p
}

type entry struct {
	pending *Pending
	timer   timeutil.Timer
	settled chan struct{}
	once    sync.Once
}

func (e *entry) settle(line string, err error) {
	e.once.Do(func() {
		close(e.settled)
		if e.timer != nil {
			e.timer.Stop()
		}
		e.pending.ch <- result{line: line, err: err}
	})
}

// Queue is the FIFO command/response matcher bound to one transport session.
type Queue struct {
	sender  Sender
	clock   timeutil.Clock
	timeout time.Duration

	mu      sync.Mutex
	entries []*entry
}

// Option configures a Queue.
type Option func(*Queue)

// WithTimeout overrides the per-query reply deadline.
func WithTimeout(d time.Duration) Option {
	return func(q *Queue) { q.timeout = d }
}

// WithClock injects the clock used for query timers.
func WithClock(c timeutil.Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// New creates a queue writing through to sender.
func New(sender Sender, opts ...Option) *Queue {
	q := &Queue{
		sender:  sender,
		clock:   timeutil.RealClock{},
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Query appends a pending entry and sends cmd. The enqueue and the send
// happen atomically with respect to other queue operations, so concurrent
// callers cannot interleave between them — FIFO matching depends on send
// order equalling enqueue order. The returned Pending resolves with the raw
// reply line or fails with ErrTimeout after the configured deadline.
func (q *Queue) Query(cmd scpi.Command) *Pending {
	p := &Pending{ch: make(chan result, 1)}
	e := &entry{pending: p, settled: make(chan struct{})}

	if !cmd.IsQuery() {
		e.settle("", ErrNotQuery)
		return p
	}

	q.mu.Lock()
	e.timer = q.clock.NewTimer(q.timeout)
	q.entries = append(q.entries, e)
	if err := q.sender.Send(cmd.String()); err != nil {
		q.removeLocked(e)
		q.mu.Unlock()
		e.settle("", err)
		return p
	}
	q.mu.Unlock()

	go q.watchTimeout(e)
	return p
}

// Send writes a directive straight through to the transport with no queue
// bookkeeping.
func (q *Queue) Send(cmd scpi.Command) error {
	return q.sender.Send(cmd.String())
}

// FeedLine matches an incoming reply line to the oldest pending query. It
// reports false when no query was pending (an unsolicited or stray line). No
// content inspection is attempted: FIFO order is the instrument's documented
// guarantee.
func (q *Queue) FeedLine(line string) bool {
	q.mu.Lock()
	if len(q.entries) == 0 {
		q.mu.Unlock()
		return false
	}
	e := q.entries[0]
	q.entries = q.entries[1:]
	q.mu.Unlock()

	e.settle(line, nil)
	return true
}

// Clear fails every pending query with ErrCleared and empties the sequence.
// Called whenever the channel is known to be desynchronized so a stale reply
// can never be matched to an unrelated later query.
func (q *Queue) Clear() {
	q.mu.Lock()
	cleared := q.entries
	q.entries = nil
	q.mu.Unlock()

	for _, e := range cleared {
		e.settle("", ErrCleared)
	}
}

// Len returns the number of pending queries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *Queue) watchTimeout(e *entry) {
	select {
	case <-e.timer.C():
		q.mu.Lock()
		removed := q.removeLocked(e)
		q.mu.Unlock()
		if removed {
			e.settle("", ErrTimeout)
		}
	case <-e.settled:
	}
}

// removeLocked removes e from the pending sequence, reporting whether it was
// still present. Callers must hold q.mu.
func (q *Queue) removeLocked(target *entry) bool {
	for i, e := range q.entries {
		if e == target {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return true
		}
	}
	return false
}
