// Package dispatch fans decoded packet slices out to the registered
// protocol handlers.
package dispatch

import (
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/handler"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/logger"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/packet"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/types"
)

// Dispatcher invokes handlers in registration order.
type Dispatcher struct {
	env      *handler.Env
	mu       sync.RWMutex
	handlers []handler.Handler
}

// New creates an empty dispatcher.
func New(env *handler.Env) *Dispatcher {
	return &Dispatcher{env: env}
}

// Register appends h. Registration order is the priority order.
func (d *Dispatcher) Register(h handler.Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, h)
	logger.Debug("Registered handler", "handler", h.Name(), "kinds", h.ParsedTypes().String())
}

// Handlers returns the registered handlers in order.
func (d *Dispatcher) Handlers() []handler.Handler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]handler.Handler, len(d.handlers))
	copy(out, d.handlers)
	return out
}

// Handler returns the registered handler with the given name.
func (d *Dispatcher) Handler(name string) (handler.Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, h := range d.handlers {
		if h.Name() == name {
			return h, true
		}
	}
	return nil, false
}

// Dispatch hands one slice to every interested handler while holding the
// session lock and returns the largest byte count any handler consumed.
func (d *Dispatcher) Dispatch(s *types.Session, clientToServer bool, pkts []packet.Packet) int {
	if len(pkts) == 0 {
		return 0
	}
	present := packet.KindsOf(pkts)
	handlers := d.Handlers()

	s.Lock()
	defer s.Unlock()

	d.env.Metrics.Dispatched()
	consumed := 0
	for _, h := range handlers {
		if !h.CanParse(present) {
			continue
		}
		n := d.invoke(h, s, clientToServer, pkts)
		d.env.Metrics.Consumed(h.Name(), n)
		if n > consumed {
			consumed = n
		}
	}
	return consumed
}

func (d *Dispatcher) invoke(h handler.Handler, s *types.Session, clientToServer bool, pkts []packet.Packet) (n int) {
	defer func() {
		if r := recover(); r != nil {
			n = 0
			f := packet.FrameOf(pkts)
			logger.Warn("Handler panicked",
				"handler", h.Name(),
				"flow", s.Flow.String(),
				"frame", f.Number,
				"error", r,
				"stack", string(debug.Stack()))
			d.env.Metrics.Panic(h.Name())
			d.env.Anomaly(f, h.Name(), s.Flow, "%s handler failed: %v", h.Name(), fmt.Sprint(r))
		}
	}()
	return h.ExtractData(s, clientToServer, pkts)
}

// Close tells every Closer that s ended so it can emit what it held for
// the session.
func (d *Dispatcher) Close(s *types.Session) {
	s.Lock()
	defer s.Unlock()
	for _, h := range d.Handlers() {
		c, ok := h.(handler.Closer)
		if !ok {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Warn("Handler panicked closing session", "handler", h.Name(), "flow", s.Flow.String(), "error", r)
					d.env.Metrics.Panic(h.Name())
				}
			}()
			c.CloseSession(s)
		}()
	}
}

// Reset clears the state of every handler and of the shared assembler
// registry without emitting partial results.
func (d *Dispatcher) Reset() {
	for _, h := range d.Handlers() {
		h.Reset()
	}
	d.env.Files.Reset()
}
