/*
Package audit records policy denial events.

Denials are expected, non-fatal outcomes and are tracked as structured
audit events rather than errors. The Log keeps the most recent events in
a fixed-size ring served by the admin /blocked endpoint, fans new events
out to subscribers (the admin /events websocket), and accumulates a
pending batch for the optional SQLite store.
*/
package audit

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Protocols a denial can originate from.
const (
	ProtocolHTTP       = "http"
	ProtocolConnect    = "http-connect"
	ProtocolMITM       = "mitm"
	ProtocolSocks5     = "socks5"
	ProtocolUnixSocket = "unix-socket"
)

// Event is a single denied request.
type Event struct {
	ID        string `json:"id"`
	Host      string `json:"host"`
	Reason    string `json:"reason"`
	Client    string `json:"client,omitempty"`
	Method    string `json:"method,omitempty"`
	Mode      string `json:"mode,omitempty"`
	Protocol  string `json:"protocol"`
	Timestamp int64  `json:"ts"`
}

// Subscriber receives new events via a channel. Slow subscribers drop
// events rather than block the recording path.
type Subscriber struct {
	C chan Event
}

// Log is a bounded ring of recent denial events with subscriber fan-out.
type Log struct {
	mu          sync.Mutex
	entries     []Event
	size        int
	pos         int
	count       int
	pending     []Event
	persist     bool
	subscribers map[*Subscriber]struct{}

	total atomic.Int64
}

// DefaultCapacity bounds the in-memory ring.
const DefaultCapacity = 200

// maxPending bounds the unpersisted batch between store flushes. When
// the store cannot keep up, the oldest unflushed events are dropped.
const maxPending = 4096

// NewLog creates a log with the given ring capacity.
func NewLog(size int) *Log {
	if size <= 0 {
		size = DefaultCapacity
	}
	return &Log{
		entries:     make([]Event, size),
		size:        size,
		subscribers: make(map[*Subscriber]struct{}),
	}
}

// Record stores an event, assigning an ID and timestamp if absent, and
// fans it out to subscribers.
func (l *Log) Record(e Event) Event {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().Unix()
	}
	l.total.Add(1)

	l.mu.Lock()
	l.entries[l.pos] = e
	l.pos = (l.pos + 1) % l.size
	l.count++
	if l.persist {
		if len(l.pending) >= maxPending {
			l.pending = l.pending[1:]
		}
		l.pending = append(l.pending, e)
	}

	for s := range l.subscribers {
		select {
		case s.C <- e:
		default:
			// A slow subscriber drops events rather than blocking the proxy.
		}
	}
	l.mu.Unlock()
	return e
}

// Recent returns the ring contents in chronological order. The ring is
// not drained; multiple consumers may read it.
func (l *Log) Recent() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	total := l.count
	if total > l.size {
		total = l.size
	}
	result := make([]Event, total)
	start := (l.pos - total + l.size) % l.size
	for i := 0; i < total; i++ {
		result[i] = l.entries[(start+i)%l.size]
	}
	return result
}

// Total returns the number of denials recorded since startup.
func (l *Log) Total() int64 {
	return l.total.Load()
}

// enablePending starts accumulating events for persistence. Only the
// store calls this; without a store the batch stays empty so a
// long-running proxy does not grow unbounded under denial traffic.
func (l *Log) enablePending() {
	l.mu.Lock()
	l.persist = true
	l.mu.Unlock()
}

// TakePending returns and clears the batch of events not yet persisted.
func (l *Log) TakePending() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	pending := l.pending
	l.pending = nil
	return pending
}

// Subscribe registers a new subscriber.
func (l *Log) Subscribe() *Subscriber {
	s := &Subscriber{C: make(chan Event, 256)}
	l.mu.Lock()
	l.subscribers[s] = struct{}{}
	l.mu.Unlock()
	return s
}

// Unsubscribe removes a subscriber.
func (l *Log) Unsubscribe(s *Subscriber) {
	l.mu.Lock()
	delete(l.subscribers, s)
	l.mu.Unlock()
}
