// Package events carries the facts the handlers extract to whoever consumes
// them: loggers, the artifact writer, tests.
package events

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Type names an event kind.
type Type string

const (
	TypeParameters    Type = "parameters"
	TypeCredential    Type = "credential"
	TypeHostDetected  Type = "host:detected"
	TypeDNSRecord     Type = "dns:record"
	TypeAnomaly       Type = "anomaly"
	TypeVoIPCall      Type = "voip:call"
	TypeMessage       Type = "message"
	TypeAudio         Type = "audio"
	TypeFileCompleted Type = "file:completed"
)

// Event is one published fact. Data holds one of the payload structs of
// this package and is never modified after publication.
type Event struct {
	Type  Type      `json:"type"`
	Time  time.Time `json:"time"`
	Frame uint64    `json:"frame"`
	Data  any       `json:"data"`
}

// Handler receives published events.
type Handler func(ev *Event)

// Bus delivers events synchronously to subscribers. Handlers never block on
// the bus, so subscribers must be quick or hand work off themselves.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]Handler
	global   []Handler
	counter  *prometheus.CounterVec
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[Type][]Handler)}
}

// WithCounter counts published events per type on counter, which must have
// a single "type" label.
func (b *Bus) WithCounter(counter *prometheus.CounterVec) *Bus {
	b.mu.Lock()
	b.counter = counter
	b.mu.Unlock()
	return b
}

// Subscribe registers h for events of type t.
func (b *Bus) Subscribe(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// SubscribeAll registers h for every event.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.global = append(b.global, h)
}

// Publish delivers ev to the subscribers of its type, then to the global
// subscribers. A nil bus drops the event.
func (b *Bus) Publish(ev *Event) {
	if b == nil || ev == nil {
		return
	}
	b.mu.RLock()
	typed := b.handlers[ev.Type]
	global := b.global
	counter := b.counter
	b.mu.RUnlock()

	if counter != nil {
		counter.WithLabelValues(string(ev.Type)).Inc()
	}
	for _, h := range typed {
		h(ev)
	}
	for _, h := range global {
		h(ev)
	}
}

// Emit builds and publishes an event.
func (b *Bus) Emit(t Type, frame uint64, ts time.Time, data any) {
	b.Publish(&Event{Type: t, Time: ts, Frame: frame, Data: data})
}
