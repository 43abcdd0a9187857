// Package handler defines the contract between the dispatcher and the
// per-protocol extraction handlers, plus the shared environment handlers
// publish into.
package handler

import (
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/packet"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/types"
)

// Handler extracts application data from decoded packets of one flow.
//
// ExtractData receives every decoded packet of one reassembly slice and
// returns how many bytes of the transport payload it consumed. Zero means
// more data is needed and the same bytes will be offered again together
// with whatever arrives next. Handlers must never block and must keep all
// per-flow state in bounded caches.
type Handler interface {
	Name() string
	ParsedTypes() packet.KindSet
	CanParse(present packet.KindSet) bool
	ExtractData(s *types.Session, clientToServer bool, pkts []packet.Packet) int
	// Reset drops all session state without emitting partial results.
	Reset()
}

// Closer is implemented by handlers holding per-session results that are
// only complete once the session ends, such as typed keystrokes or a shell
// transcript. CloseSession runs with the session locked.
type Closer interface {
	CloseSession(s *types.Session)
}

// Base implements Name, ParsedTypes and the default CanParse, which
// matches when any parsed kind is present.
type Base struct {
	name  string
	kinds packet.KindSet
}

// NewBase creates a Base for a handler parsing the given kinds.
func NewBase(name string, kinds ...packet.Kind) Base {
	return Base{name: name, kinds: packet.Kinds(kinds...)}
}

func (b Base) Name() string                { return b.name }
func (b Base) ParsedTypes() packet.KindSet { return b.kinds }

func (b Base) CanParse(present packet.KindSet) bool {
	return b.kinds.Intersects(present)
}
