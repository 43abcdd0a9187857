package events

import "sync"

// Recorder subscribes to a bus and keeps every event. It is used by tests
// and by the CLI summary.
type Recorder struct {
	mu     sync.Mutex
	events []*Event
}

// NewRecorder attaches a recorder to bus.
func NewRecorder(bus *Bus) *Recorder {
	r := &Recorder{}
	bus.SubscribeAll(func(ev *Event) {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
	})
	return r
}

// All returns every recorded event.
func (r *Recorder) All() []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Event(nil), r.events...)
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t Type) []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// Parameters returns the Parameters payloads carrying label.
func (r *Recorder) Parameters(label string) []*Parameters {
	var out []*Parameters
	for _, ev := range r.OfType(TypeParameters) {
		if p, ok := ev.Data.(*Parameters); ok && p.Label == label {
			out = append(out, p)
		}
	}
	return out
}

// Files returns the completed artifacts.
func (r *Recorder) Files() []*FileCompleted {
	var out []*FileCompleted
	for _, ev := range r.OfType(TypeFileCompleted) {
		if f, ok := ev.Data.(*FileCompleted); ok {
			out = append(out, f)
		}
	}
	return out
}

// Credentials returns the credential payloads.
func (r *Recorder) Credentials() []*Credential {
	var out []*Credential
	for _, ev := range r.OfType(TypeCredential) {
		if c, ok := ev.Data.(*Credential); ok {
			out = append(out, c)
		}
	}
	return out
}

// Anomalies returns the anomaly payloads.
func (r *Recorder) Anomalies() []*Anomaly {
	var out []*Anomaly
	for _, ev := range r.OfType(TypeAnomaly) {
		if a, ok := ev.Data.(*Anomaly); ok {
			out = append(out, a)
		}
	}
	return out
}

// Reset forgets the recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
