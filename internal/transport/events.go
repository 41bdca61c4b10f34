package transport

import (
	crand "crypto/rand"
	"encoding/hex"
	"sync"
)

// EventKind enumerates the transport event vocabulary. Both transport
// variants emit exactly this set, which is what lets everything above the
// connection layer stay transport-agnostic.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventLine
	EventLog
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventLine:
		return "line"
	case EventLog:
		return "log"
	case EventError:
		return "error"
	default:
		return "invalid"
	}
}

// Event is one notification from a transport. Payload carries the line text
// for EventLine and a human-readable message for EventLog/EventError.
type Event struct {
	Kind    EventKind
	Payload string
}

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls this far behind starts missing events rather than blocking the read
// loop.
const subscriberBuffer = 64

// Emitter fans events out to subscriber channels, dispatching in order to all
// current subscribers. The zero value is ready to use; it is embedded by the
// transport channel and reused by the connection manager for re-emission.
type Emitter struct {
	mu   sync.Mutex
	subs map[string]chan Event
}

// randomID generates a random subscriber ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe creates a new channel for receiving transport events. The
// returned ID identifies the channel when unsubscribing.
func (e *Emitter) Subscribe() (string, chan Event) {
	id := randomID()
	ch := make(chan Event, subscriberBuffer)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.subs == nil {
		e.subs = make(map[string]chan Event)
	}
	e.subs[id] = ch
	return id, ch
}

// Unsubscribe removes and closes a subscriber channel.
func (e *Emitter) Unsubscribe(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ch, ok := e.subs[id]; ok {
		close(ch)
		delete(e.subs, id)
	}
}

func (e *Emitter) Emit(kind EventKind, payload string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- Event{Kind: kind, Payload: payload}:
		default:
			// Skip a full subscriber so the read loop never blocks. A line
			// event dropped this way orphans its pending query, which then
			// resolves through the queue's timeout and Clear path.
		}
	}
}

func (e *Emitter) CloseAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, ch := range e.subs {
		close(ch)
		delete(e.subs, id)
	}
}
