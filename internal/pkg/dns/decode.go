// Package dns extracts DNS questions and answers, over UDP, over TCP and
// from DNS-over-HTTPS bodies handed over by the HTTP/2 handler.
package dns

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/packet"
)

// ErrShortBuffer is returned when a TCP slice ends inside a message.
var ErrShortBuffer = errors.New("dns: incomplete message")

// Packet is one decoded DNS message.
type Packet struct {
	packet.Base
	Msg *layers.DNS
	// Length is the number of transport bytes the message occupies,
	// including the TCP length prefix.
	Length int
}

func (*Packet) Kind() packet.Kind { return packet.KindDNS }

// Decode parses a DNS message carried in one UDP datagram or DoH body.
func Decode(f *packet.Frame, payload []byte) (*Packet, error) {
	msg := &layers.DNS{}
	if err := msg.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
		return nil, fmt.Errorf("failed to decode dns message: %w", err)
	}
	return &Packet{Base: packet.Base{F: f, Data: payload}, Msg: msg, Length: len(payload)}, nil
}

// DecodeTCP parses every complete length-prefixed message at the start of
// payload. It returns ErrShortBuffer when not even one message is complete.
func DecodeTCP(f *packet.Frame, payload []byte) ([]*Packet, error) {
	var out []*Packet
	for off := 0; off+2 <= len(payload); {
		n := int(binary.BigEndian.Uint16(payload[off:]))
		if off+2+n > len(payload) {
			break
		}
		p, err := Decode(f, payload[off+2:off+2+n])
		if err != nil {
			if len(out) == 0 {
				return nil, err
			}
			break
		}
		p.Data = payload[off : off+2+n]
		p.Length = 2 + n
		out = append(out, p)
		off += 2 + n
	}
	if len(out) == 0 {
		return nil, ErrShortBuffer
	}
	return out, nil
}
