// Package vnc follows RFB sessions: the security handshake, the desktop
// the server announces, what the viewer types and copies, and what the
// server draws.
package vnc

import (
	"bytes"
	"strconv"

	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/packet"
)

const bannerLen = 12

// Packet carries the RFB bytes of one direction. RFB messages are only
// delimited by the session state, so the handler frames them.
type Packet struct {
	packet.Base
}

func (*Packet) Kind() packet.Kind { return packet.KindRFB }

// NewPacket wraps the pending RFB payload of a flow direction.
func NewPacket(f *packet.Frame, payload []byte) *Packet {
	return &Packet{Base: packet.Base{F: f, Data: payload}}
}

// LooksLikeRFB reports whether payload starts with a "RFB xxx.yyy\n"
// protocol version banner.
func LooksLikeRFB(payload []byte) bool {
	if len(payload) < bannerLen || !bytes.HasPrefix(payload, []byte("RFB ")) {
		return false
	}
	if payload[7] != '.' || payload[11] != '\n' {
		return false
	}
	for _, i := range []int{4, 5, 6, 8, 9, 10} {
		if payload[i] < '0' || payload[i] > '9' {
			return false
		}
	}
	return true
}

// bannerMinor returns the protocol minor version a banner selects. Minor
// versions other than 3.7 and 3.8 behave like 3.3 or 3.8.
func bannerMinor(banner []byte) int {
	minor, _ := strconv.Atoi(string(banner[8:11]))
	switch {
	case minor >= 8:
		return 8
	case minor == 7:
		return 7
	}
	return 3
}
