// Package conn manages the single device session. At most one transport and
// one command queue exist at a time; the pair is created together on connect
// and torn down together on disconnect, so a stale reply from an old session
// can never be matched against a query from a new one.
//
// The manager re-emits the transport's event vocabulary unchanged through its
// own subscriber registry, which gives the HTTP layer and log tails one stable
// subscription point that survives reconnects and transport swaps.
package conn

import (
	"sync"
	"time"

	"github.com/banshee-data/power.bench/internal/cmdq"
	"github.com/banshee-data/power.bench/internal/monitoring"
	"github.com/banshee-data/power.bench/internal/scpi"
	"github.com/banshee-data/power.bench/internal/timeutil"
	"github.com/banshee-data/power.bench/internal/transport"
)

// Manager owns the active session. The zero value is not usable; construct
// with NewManager.
type Manager struct {
	transport.Emitter

	clock   timeutil.Clock
	timeout time.Duration

	// newChannel builds the transport for a connect attempt. Tests swap it
	// to inject a TestPort-backed channel.
	newChannel func(kind, target string) *transport.Channel

	mu      sync.Mutex
	channel *transport.Channel
	queue   *cmdq.Queue
	subID   string
	target  string
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock injects the clock handed to new transports and queues.
func WithClock(c timeutil.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithQueryTimeout overrides the per-query reply deadline for new sessions.
func WithQueryTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// WithChannelFactory replaces transport construction, for tests.
func WithChannelFactory(f func(kind, target string) *transport.Channel) Option {
	return func(m *Manager) { m.newChannel = f }
}

// NewManager creates a disconnected manager using the given serial options
// for serial sessions.
func NewManager(portOpts transport.PortOptions, opts ...Option) *Manager {
	m := &Manager{
		clock:   timeutil.RealClock{},
		timeout: cmdq.DefaultTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.newChannel == nil {
		m.newChannel = func(kind, target string) *transport.Channel {
			if kind == "relay" {
				return transport.NewRelayChannel(m.clock)
			}
			return transport.NewSerialChannel(portOpts, m.clock)
		}
	}
	return m
}

// ConnectSerial opens a session on a local serial device. Any existing
// session is torn down first; the old one never coexists with the new.
func (m *Manager) ConnectSerial(devicePath string) error {
	return m.connect("serial", devicePath)
}

// ConnectRelay opens a session through a TCP relay at addr (host:port).
func (m *Manager) ConnectRelay(addr string) error {
	return m.connect("relay", addr)
}

func (m *Manager) connect(kind, target string) error {
	m.Disconnect()

	ch := m.newChannel(kind, target)
	queue := cmdq.New(ch, cmdq.WithClock(m.clock), cmdq.WithTimeout(m.timeout))
	subID, events := ch.Subscribe()

	if err := ch.Connect(target); err != nil {
		ch.Unsubscribe(subID)
		m.Emit(transport.EventError, err.Error())
		return err
	}

	m.mu.Lock()
	m.channel = ch
	m.queue = queue
	m.subID = subID
	m.target = target
	m.mu.Unlock()

	go m.forward(ch, queue, events)
	monitoring.Logf("conn: %s session open to %s", kind, target)
	return nil
}

// forward drains one session's transport events: reply lines feed the queue,
// a disconnect fails its pending queries, and everything is re-emitted to the
// manager's own subscribers. The goroutine exits when the transport closes
// the subscription.
func (m *Manager) forward(ch *transport.Channel, queue *cmdq.Queue, events chan transport.Event) {
	for ev := range events {
		switch ev.Kind {
		case transport.EventLine:
			if !queue.FeedLine(ev.Payload) {
				monitoring.Logf("conn: unsolicited line %q", ev.Payload)
			}
		case transport.EventDisconnected:
			queue.Clear()
			m.detach(ch)
		}
		m.Emit(ev.Kind, ev.Payload)
	}
}

// detach clears the session fields if ch is still the active channel. A
// replacement session installed meanwhile is left alone.
func (m *Manager) detach(ch *transport.Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.channel == ch {
		m.channel = nil
		m.queue = nil
		m.subID = ""
		m.target = ""
	}
}

// Disconnect tears down the active session, if any. Pending queries fail with
// ErrCleared via the forwarded disconnected event. Safe to call when already
// disconnected.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	ch := m.channel
	m.mu.Unlock()
	if ch == nil {
		return nil
	}

	// Disconnect emits the disconnected event into the forward goroutine,
	// which clears the queue and detaches; Close then ends the subscription.
	return ch.Close()
}

// Connected reports whether a session is open.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channel != nil && m.channel.Connected()
}

// Kind names the active transport variant, or "" when disconnected.
func (m *Manager) Kind() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.channel == nil {
		return ""
	}
	return m.channel.Kind()
}

// Target reports the device path or relay address of the active session.
func (m *Manager) Target() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.target
}

// Query submits a query on the active session. With no session open it
// returns a Pending already failed with ErrNotConnected, so callers see the
// same deferred-result shape either way.
func (m *Manager) Query(cmd scpi.Command) *cmdq.Pending {
	m.mu.Lock()
	queue := m.queue
	m.mu.Unlock()
	if queue == nil {
		return cmdq.Fail(transport.ErrNotConnected)
	}
	return queue.Query(cmd)
}

// Send writes a directive on the active session.
func (m *Manager) Send(cmd scpi.Command) error {
	m.mu.Lock()
	queue := m.queue
	m.mu.Unlock()
	if queue == nil {
		return transport.ErrNotConnected
	}
	return queue.Send(cmd)
}

// Clear fails all pending queries on the active session. Used after an
// aggregate failure to resynchronize the reply stream.
func (m *Manager) Clear() {
	m.mu.Lock()
	queue := m.queue
	m.mu.Unlock()
	if queue != nil {
		queue.Clear()
	}
}

// Pending reports the number of in-flight queries on the active session.
func (m *Manager) Pending() int {
	m.mu.Lock()
	queue := m.queue
	m.mu.Unlock()
	if queue == nil {
		return 0
	}
	return queue.Len()
}

// Close disconnects and tears down the manager's own subscribers.
func (m *Manager) Close() error {
	err := m.Disconnect()
	m.CloseAll()
	return err
}
