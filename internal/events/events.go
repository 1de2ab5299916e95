package events

import (
	"sync"
	"time"
)

// Kind names one of the session's notification channels
type Kind string

const (
	// KindConnected fires once the service handshake completes and its
	// voice inventory is known
	KindConnected Kind = "connected"
	// KindDisconnected fires when the connection drops or closes
	KindDisconnected Kind = "disconnected"
	// KindVoiceSet fires when the service acknowledges a voice change
	KindVoiceSet Kind = "voice_set"
	// KindStatus fires when the service starts working on a segment
	KindStatus Kind = "status"
	// KindAudio fires when a reassembled payload is handed to playback
	KindAudio Kind = "audio"
	// KindSegment fires exactly once per submitted segment with its
	// terminal outcome
	KindSegment Kind = "segment"
	// KindStale fires when heartbeat responses stop arriving
	KindStale Kind = "stale"
	// KindError fires on server-reported and protocol-level errors
	KindError Kind = "error"

	// KindAny subscribes to every kind
	KindAny Kind = "*"
)

// Event is one session notification. Kind decides which of the
// remaining fields are populated.
type Event struct {
	Kind Kind
	Time time.Time

	Voices    []string
	Voice     string
	MessageID string
	Segment   int
	Text      string
	Audio     []byte
	Err       error
}

// Handler receives published events. Handlers run synchronously on the
// publishing goroutine and must not block.
type Handler func(Event)

// Dispatcher fans events out to zero or more subscribers per kind
type Dispatcher struct {
	mu   sync.RWMutex
	subs map[Kind]map[int]Handler
	next int
}

// NewDispatcher creates an empty dispatcher
func NewDispatcher() *Dispatcher {
	return &Dispatcher{subs: make(map[Kind]map[int]Handler)}
}

// Subscribe registers a handler for one kind (or KindAny for all) and
// returns a function that removes it again
func (d *Dispatcher) Subscribe(kind Kind, h Handler) func() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.subs[kind] == nil {
		d.subs[kind] = make(map[int]Handler)
	}
	token := d.next
	d.next++
	d.subs[kind][token] = h

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.subs[kind], token)
	}
}

// Publish delivers the event to subscribers of its kind and of KindAny.
// Events without a timestamp are stamped on the way through.
func (d *Dispatcher) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	d.mu.RLock()
	handlers := make([]Handler, 0, len(d.subs[e.Kind])+len(d.subs[KindAny]))
	for _, h := range d.subs[e.Kind] {
		handlers = append(handlers, h)
	}
	for _, h := range d.subs[KindAny] {
		handlers = append(handlers, h)
	}
	d.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}
