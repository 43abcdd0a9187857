package types

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Session is one transport conversation (a TCP connection or a UDP
// pseudo-connection). Handlers key their per-flow state by the session flow.
// The session lock gives flow-scoped exclusion: at most one goroutine
// dispatches a slice of a given session at a time.
type Session struct {
	ID      string
	Flow    FiveTuple
	Client  *NetworkHost
	Server  *NetworkHost
	Started time.Time

	protocol    atomic.Int32
	clientBytes atomic.Uint64
	serverBytes atomic.Uint64
	lastSeen    atomic.Int64

	mu sync.Mutex
}

// NewSession creates a session for flow between the two hosts.
func NewSession(flow FiveTuple, client, server *NetworkHost, started time.Time) *Session {
	s := &Session{
		ID:      uuid.NewString(),
		Flow:    flow,
		Client:  client,
		Server:  server,
		Started: started,
	}
	s.lastSeen.Store(started.UnixNano())
	return s
}

// Protocol returns the current classification.
func (s *Session) Protocol() AppProtocol {
	return AppProtocol(s.protocol.Load())
}

// SetProtocol re-classifies the session.
func (s *Session) SetProtocol(p AppProtocol) {
	s.protocol.Store(int32(p))
}

// CompareAndSetProtocol re-classifies the session only if it still carries
// the expected classification.
func (s *Session) CompareAndSetProtocol(expected, p AppProtocol) bool {
	return s.protocol.CompareAndSwap(int32(expected), int32(p))
}

// Lock acquires the flow exclusion lock.
func (s *Session) Lock() { s.mu.Lock() }

// Unlock releases the flow exclusion lock.
func (s *Session) Unlock() { s.mu.Unlock() }

// AddBytes accounts payload bytes for a direction and refreshes the
// last-seen timestamp.
func (s *Session) AddBytes(clientToServer bool, n int, seen time.Time) {
	if n > 0 {
		if clientToServer {
			s.clientBytes.Add(uint64(n))
		} else {
			s.serverBytes.Add(uint64(n))
		}
	}
	s.lastSeen.Store(seen.UnixNano())
}

// ClientBytes returns the payload bytes sent by the client.
func (s *Session) ClientBytes() uint64 { return s.clientBytes.Load() }

// ServerBytes returns the payload bytes sent by the server.
func (s *Session) ServerBytes() uint64 { return s.serverBytes.Load() }

// LastSeen returns the timestamp of the latest packet.
func (s *Session) LastSeen() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

// SourceHost returns the sending host for the given direction.
func (s *Session) SourceHost(clientToServer bool) *NetworkHost {
	if clientToServer {
		return s.Client
	}
	return s.Server
}

// DestinationHost returns the receiving host for the given direction.
func (s *Session) DestinationHost(clientToServer bool) *NetworkHost {
	if clientToServer {
		return s.Server
	}
	return s.Client
}
