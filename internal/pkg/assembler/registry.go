// Package assembler reconstructs files from protocol payloads. Sequential
// stream assemblers take bytes in order (HTTP bodies, emails); segment
// assemblers take writes at arbitrary offsets (SMB2, TFTP, HTTP/2, IEC-104).
// Both register in a shared bounded Registry so the handler that sees the
// data can find the assembler set up by the handler that saw the control
// message.
package assembler

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/cache"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/events"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/logger"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ErrNotActive is returned for data written before TryActivate.
	ErrNotActive = errors.New("assembler not active")
	// ErrClosed is returned for data written after the artifact was emitted.
	ErrClosed = errors.New("assembler closed")
	// ErrBadOffset is returned for negative segment offsets.
	ErrBadOffset = errors.New("invalid segment offset")
)

// Key identifies an assembler: the flow, the direction the file travels in
// and an optional sub-stream (HTTP/2 stream id, SMB2 file id, TFTP block
// transfer).
type Key struct {
	Flow           types.FiveTuple
	ClientToServer bool
	StreamID       string
}

// Options describes the artifact an assembler produces.
type Options struct {
	Flow           types.FiveTuple
	ClientToServer bool
	StreamID       string
	Kind           types.ArtifactKind
	Filename       string
	Location       string
	Details        string
	ContentType    string
	// DeclaredLength is the expected size, or -1 when unknown.
	DeclaredLength int64
	Encoding       ContentEncoding
	Chunked        bool
	// Truncated marks data known to be partial before assembly starts.
	Truncated      bool
	Frame          uint64
	Time           time.Time
}

// Assembler is the behavior shared by both assembler variants.
type Assembler interface {
	Key() Key
	TryActivate() bool
	IsActive() bool
	IsClosed() bool
	AssembleAndClose() bool
	Discard()
	evict()
}

// Registry tracks in-flight assemblers. It is bounded: when full, the least
// recently used assembler is evicted. Eviction flushes partial data as a
// truncated artifact; Reset discards everything silently.
type Registry struct {
	mu      sync.Mutex
	entries *cache.LRU[Key, Assembler]
	bus     *events.Bus
	maxSize int64
	log     *slog.Logger

	// victims collects evicted assemblers; they are flushed or discarded
	// once mu is released because finalizing re-enters the registry
	vmu     sync.Mutex
	victims []victim
}

type victim struct {
	a      Assembler
	reason cache.EvictReason
}

// NewRegistry creates a registry holding at most capacity assemblers, each
// capped at maxSize bytes.
func NewRegistry(capacity int, maxSize int64, bus *events.Bus) *Registry {
	r := &Registry{
		bus:     bus,
		maxSize: maxSize,
		log:     logger.With("component", "assembler"),
	}
	r.entries = cache.New[Key, Assembler](capacity, func(_ Key, a Assembler, reason cache.EvictReason) {
		r.vmu.Lock()
		r.victims = append(r.victims, victim{a, reason})
		r.vmu.Unlock()
	})
	return r
}

func (r *Registry) drainVictims() {
	r.vmu.Lock()
	victims := r.victims
	r.victims = nil
	r.vmu.Unlock()

	for _, v := range victims {
		if v.reason == cache.Capacity {
			v.a.evict()
		} else {
			v.a.Discard()
		}
	}
}

// WithEvictionCounter counts capacity evictions.
func (r *Registry) WithEvictionCounter(c prometheus.Counter) *Registry {
	r.entries.WithEvictionCounter(c)
	return r
}

// NewStream creates an inactive sequential assembler.
func (r *Registry) NewStream(opts Options) *StreamAssembler {
	return &StreamAssembler{core: newCore(r, opts)}
}

// NewSegment creates an inactive offset-addressed assembler.
func (r *Registry) NewSegment(opts Options) *SegmentAssembler {
	return &SegmentAssembler{core: newCore(r, opts), size: opts.DeclaredLength}
}

// Register makes a not yet active assembler visible to lookups. An inactive
// assembler already holding the key is discarded and replaced; an active one
// is kept and Register returns false.
func (r *Registry) Register(a Assembler) bool {
	r.mu.Lock()
	existing, ok := r.entries.Peek(a.Key())
	if ok && existing != a {
		if existing.IsActive() {
			r.mu.Unlock()
			return false
		}
		r.entries.Remove(a.Key())
		defer existing.Discard()
	}
	r.entries.Put(a.Key(), a)
	r.mu.Unlock()
	r.drainVictims()
	return true
}

// activate registers a (if needed) as the holder of its key.
func (r *Registry) activate(a Assembler) bool {
	r.mu.Lock()
	existing, ok := r.entries.Peek(a.Key())
	if ok && existing != a {
		if existing.IsActive() {
			r.mu.Unlock()
			return false
		}
		r.entries.Remove(a.Key())
		defer existing.Discard()
	}
	if !ok || existing != a {
		r.entries.Put(a.Key(), a)
	} else {
		r.entries.Get(a.Key())
	}
	r.mu.Unlock()
	r.drainVictims()
	return true
}

// Lookup returns the assembler registered under key.
func (r *Registry) Lookup(key Key) (Assembler, bool) {
	return r.entries.Get(key)
}

// Stream returns the sequential assembler registered under key.
func (r *Registry) Stream(key Key) (*StreamAssembler, bool) {
	a, ok := r.entries.Get(key)
	if !ok {
		return nil, false
	}
	s, ok := a.(*StreamAssembler)
	return s, ok
}

// Segment returns the segment assembler registered under key.
func (r *Registry) Segment(key Key) (*SegmentAssembler, bool) {
	a, ok := r.entries.Get(key)
	if !ok {
		return nil, false
	}
	s, ok := a.(*SegmentAssembler)
	return s, ok
}

// HasActiveStream reports whether an active sequential assembler without a
// sub-stream id is receiving data for the flow direction. The decoder uses it
// to stop interpreting body bytes as protocol messages.
func (r *Registry) HasActiveStream(flow types.FiveTuple, clientToServer bool) bool {
	a, ok := r.entries.Peek(Key{Flow: flow, ClientToServer: clientToServer})
	if !ok {
		return false
	}
	s, ok := a.(*StreamAssembler)
	return ok && s.IsActive() && !s.IsClosed()
}

// remove unregisters a if it still holds its key.
func (r *Registry) remove(a Assembler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.entries.Peek(a.Key()); ok && existing == a {
		r.entries.Remove(a.Key())
	}
}

// Remove discards and unregisters the assembler under key.
func (r *Registry) Remove(key Key) {
	r.mu.Lock()
	a, ok := r.entries.Remove(key)
	r.mu.Unlock()
	if ok {
		a.Discard()
	}
}

// Len returns the number of registered assemblers.
func (r *Registry) Len() int {
	return r.entries.Len()
}

// FlowAssemblers returns the assemblers registered for flow in either
// direction.
func (r *Registry) FlowAssemblers(flow types.FiveTuple) []Assembler {
	var out []Assembler
	r.entries.Range(func(k Key, a Assembler) bool {
		if k.Flow == flow {
			out = append(out, a)
		}
		return true
	})
	return out
}

// Flush finalizes every registered assembler and returns the number of
// artifacts emitted.
func (r *Registry) Flush() int {
	n := 0
	for _, a := range r.entries.Values() {
		if a.AssembleAndClose() {
			n++
		}
	}
	return n
}

// Reset discards every assembler without emitting artifacts.
func (r *Registry) Reset() {
	r.entries.Clear()
	r.drainVictims()
}

func (r *Registry) anomaly(opts *Options, msg string) {
	r.log.Debug("assembler anomaly", "flow", opts.Flow.String(), "file", opts.Filename, "message", msg)
	r.bus.Emit(events.TypeAnomaly, opts.Frame, opts.Time, &events.Anomaly{
		Handler: "assembler",
		Flow:    opts.Flow,
		Message: msg,
	})
}
