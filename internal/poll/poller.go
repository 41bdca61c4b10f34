// Package poll drives periodic measurement of the supply. A reading poll and
// a coarser status poll share one command queue, so a single busy flag covers
// both: a tick that finds the previous cycle still in flight is skipped, never
// queued. That keeps a slow device from building an unbounded backlog and
// keeps the two pollers from interleaving sends mid-aggregate, which would
// corrupt the FIFO reply matching.
package poll

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/power.bench/internal/cmdq"
	"github.com/banshee-data/power.bench/internal/monitoring"
	"github.com/banshee-data/power.bench/internal/psu"
	"github.com/banshee-data/power.bench/internal/scpi"
	"github.com/banshee-data/power.bench/internal/timeutil"
	"github.com/banshee-data/power.bench/internal/transport"
)

// ErrAlreadyRunning is returned by Start/StartDemo when the poller is not
// idle.
var ErrAlreadyRunning = errors.New("poller already running")

const (
	// DefaultReadingInterval is the pace of the four-query measurement poll.
	DefaultReadingInterval = 1 * time.Second

	// DefaultStatusInterval is the coarser pace of the status-word poll.
	DefaultStatusInterval = 5 * time.Second
)

// Mode is the poller state.
type Mode int

const (
	ModeIdle Mode = iota
	ModePolling
	ModeDemo
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModePolling:
		return "polling"
	case ModeDemo:
		return "demo"
	default:
		return "invalid"
	}
}

// Session is the slice of the connection manager the poller needs.
type Session interface {
	Query(cmd scpi.Command) *cmdq.Pending
	Send(cmd scpi.Command) error
	Clear()
	Connected() bool
}

// Poller runs the measurement and status cycles and pushes results to
// registered sinks. Sinks are called from the poll goroutine and should
// return quickly.
type Poller struct {
	session Session
	clock   timeutil.Clock

	readingInterval time.Duration
	statusInterval  time.Duration

	// busy is shared by the reading and status cycles.
	busy atomic.Bool

	mu           sync.Mutex
	mode         Mode
	stop         chan struct{}
	done         chan struct{}
	readingSinks []func(psu.Reading)
	statusSinks  []func(scpi.Status)
}

// Option configures a Poller.
type Option func(*Poller)

// WithClock injects the clock driving the poll tickers.
func WithClock(c timeutil.Clock) Option {
	return func(p *Poller) { p.clock = c }
}

// WithIntervals overrides the reading and status poll intervals.
func WithIntervals(reading, status time.Duration) Option {
	return func(p *Poller) {
		p.readingInterval = reading
		p.statusInterval = status
	}
}

// New creates an idle poller over the given session.
func New(session Session, opts ...Option) *Poller {
	p := &Poller{
		session:         session,
		clock:           timeutil.RealClock{},
		readingInterval: DefaultReadingInterval,
		statusInterval:  DefaultStatusInterval,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AddReadingSink registers a consumer for each successful reading.
func (p *Poller) AddReadingSink(sink func(psu.Reading)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readingSinks = append(p.readingSinks, sink)
}

// AddStatusSink registers a consumer for each successful status decode.
func (p *Poller) AddStatusSink(sink func(scpi.Status)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statusSinks = append(p.statusSinks, sink)
}

// Mode reports the current poller state.
func (p *Poller) Mode() Mode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

// Start begins polling the device. It fails when the poller is already
// running or no session is open.
func (p *Poller) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mode != ModeIdle {
		return ErrAlreadyRunning
	}
	if !p.session.Connected() {
		return transport.ErrNotConnected
	}
	p.mode = ModePolling
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.run(p.stop, p.done, p.pollReading, p.pollStatus)
	monitoring.Logf("poll: started (%v readings, %v status)", p.readingInterval, p.statusInterval)
	return nil
}

// StartDemo begins generating synthetic readings with no device attached.
func (p *Poller) StartDemo() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mode != ModeIdle {
		return ErrAlreadyRunning
	}
	p.mode = ModeDemo
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	demo := newDemoSource(p.clock)
	go p.run(p.stop, p.done, func() bool {
		p.dispatchReading(demo.Reading())
		return true
	}, func() bool {
		p.dispatchStatus(demo.Status())
		return true
	})
	monitoring.Logf("poll: demo mode started")
	return nil
}

// Stop returns the poller to idle. It blocks until the poll goroutine has
// exited and is safe to call when already idle.
func (p *Poller) Stop() {
	p.mu.Lock()
	if p.mode == ModeIdle || p.stop == nil {
		p.mu.Unlock()
		return
	}
	p.mode = ModeIdle
	close(p.stop)
	p.stop = nil
	done := p.done
	p.mu.Unlock()

	<-done
	monitoring.Logf("poll: stopped")
}

// run multiplexes the two tickers until stopped or until a cycle reports the
// session is gone.
func (p *Poller) run(stop, done chan struct{}, reading, status func() bool) {
	defer close(done)

	readTicker := p.clock.NewTicker(p.readingInterval)
	defer readTicker.Stop()
	statusTicker := p.clock.NewTicker(p.statusInterval)
	defer statusTicker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-readTicker.C():
			if !reading() {
				p.stopFromRun(stop)
				return
			}
		case <-statusTicker.C():
			if !status() {
				p.stopFromRun(stop)
				return
			}
		}
	}
}

// stopFromRun transitions to idle from inside the poll goroutine, when a
// cycle finds the session disconnected.
func (p *Poller) stopFromRun(stop chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop == stop {
		p.mode = ModeIdle
		close(p.stop)
		p.stop = nil
	}
	monitoring.Logf("poll: session gone, polling stopped")
}

// pollReading runs one measurement cycle. It reports false when polling must
// stop because the session is gone. A failed aggregate clears the queue so
// stale replies cannot poison the next cycle's FIFO matching.
func (p *Poller) pollReading() bool {
	if !p.session.Connected() {
		return false
	}
	if !p.busy.CompareAndSwap(false, true) {
		monitoring.Logf("poll: previous cycle still in flight, skipping reading tick")
		return true
	}
	defer p.busy.Store(false)

	reading, err := psu.RequestReading(context.Background(), p.session)
	if err != nil {
		monitoring.Logf("poll: reading cycle failed: %v", err)
		p.session.Clear()
		return true
	}
	p.dispatchReading(reading)
	return true
}

// pollStatus runs one status cycle. An undecodable status word skips the
// update only; any other failure clears the queue like a failed reading.
func (p *Poller) pollStatus() bool {
	if !p.session.Connected() {
		return false
	}
	if !p.busy.CompareAndSwap(false, true) {
		monitoring.Logf("poll: previous cycle still in flight, skipping status tick")
		return true
	}
	defer p.busy.Store(false)

	status, err := psu.RequestStatus(context.Background(), p.session)
	if err != nil {
		monitoring.Logf("poll: status cycle failed: %v", err)
		if !errors.Is(err, psu.ErrBadStatus) {
			p.session.Clear()
		}
		return true
	}
	p.dispatchStatus(status)
	return true
}

func (p *Poller) dispatchReading(r psu.Reading) {
	p.mu.Lock()
	sinks := append([](func(psu.Reading))(nil), p.readingSinks...)
	p.mu.Unlock()
	for _, sink := range sinks {
		sink(r)
	}
}

func (p *Poller) dispatchStatus(s scpi.Status) {
	p.mu.Lock()
	sinks := append([](func(scpi.Status))(nil), p.statusSinks...)
	p.mu.Unlock()
	for _, sink := range sinks {
		sink(s)
	}
}
