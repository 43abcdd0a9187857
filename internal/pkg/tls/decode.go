// Package tls follows TLS handshakes: client and server hellos with their
// JA3/JA3S fingerprints, server name indication and certificate chains.
package tls

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/constants"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/packet"
)

// TLS record types
const (
	RecordTypeChangeCipherSpec = 20
	RecordTypeAlert            = 21
	RecordTypeHandshake        = 22
	RecordTypeApplicationData  = 23
	RecordTypeHeartbeat        = 24
)

// Handshake types
const (
	HandshakeTypeClientHello        = 1
	HandshakeTypeServerHello        = 2
	HandshakeTypeCertificate        = 11
	HandshakeTypeServerKeyExchange  = 12
	HandshakeTypeCertificateRequest = 13
	HandshakeTypeServerHelloDone    = 14
	HandshakeTypeCertificateVerify  = 15
	HandshakeTypeClientKeyExchange  = 16
	HandshakeTypeFinished           = 20
)

// TLS versions
const (
	VersionSSL30  = 0x0300
	VersionTLS10  = 0x0301
	VersionTLS11  = 0x0302
	VersionTLS12  = 0x0303
	VersionTLS13  = 0x0304
	VersionTLS13D = 0x7F00 // TLS 1.3 draft versions start here
)

const recordHeaderLen = 5

var ErrIncomplete = errors.New("tls: incomplete record")

// Record is one TLS record. Oversized records are reported with a nil
// Fragment as soon as their header is read.
type Record struct {
	Type     uint8
	Version  uint16
	Length   int
	Fragment []byte
	// Pending is the part of an oversized record not in the slice yet.
	Pending int
}

// Oversized reports whether the record exceeds the plaintext record limit.
func (r *Record) Oversized() bool {
	return r.Length > constants.MaxTLSRecordLength
}

// Packet is a run of complete TLS records.
type Packet struct {
	packet.Base
	Records []Record
	// Length counts the bytes of every complete record.
	Length int
}

func (*Packet) Kind() packet.Kind { return packet.KindTLS }

// LooksLikeTLS reports whether payload starts with a plausible record
// header.
func LooksLikeTLS(payload []byte) bool {
	if len(payload) < recordHeaderLen {
		return false
	}
	return validHeader(payload)
}

func validHeader(h []byte) bool {
	if h[0] < RecordTypeChangeCipherSpec || h[0] > RecordTypeHeartbeat {
		return false
	}
	// SSL 3.0 through TLS 1.3
	return h[1] == 3 && h[2] <= 4
}

// Decode splits payload into complete records. Bytes of a partial record
// are left for the next slice, except for an oversized record, which is
// consumed as far as it goes.
func Decode(f *packet.Frame, payload []byte) (*Packet, error) {
	p := &Packet{Base: packet.Base{F: f, Data: payload}}
	rest := payload
	for len(rest) >= recordHeaderLen {
		if !validHeader(rest) {
			if len(p.Records) == 0 {
				return nil, fmt.Errorf("tls: invalid record header %x", rest[:recordHeaderLen])
			}
			break
		}
		length := int(binary.BigEndian.Uint16(rest[3:5]))
		total := recordHeaderLen + length
		r := Record{
			Type:    rest[0],
			Version: binary.BigEndian.Uint16(rest[1:3]),
			Length:  length,
		}
		if r.Oversized() {
			n := min(total, len(rest))
			r.Pending = total - n
			p.Records = append(p.Records, r)
			rest = rest[n:]
			p.Length += n
			continue
		}
		if len(rest) < total {
			break
		}
		r.Fragment = rest[recordHeaderLen:total]
		p.Records = append(p.Records, r)
		rest = rest[total:]
		p.Length += total
	}
	if len(p.Records) == 0 {
		return nil, ErrIncomplete
	}
	return p, nil
}

// VersionString returns a human-readable TLS version.
func VersionString(version uint16) string {
	switch version {
	case VersionSSL30:
		return "SSL 3.0"
	case VersionTLS10:
		return "TLS 1.0"
	case VersionTLS11:
		return "TLS 1.1"
	case VersionTLS12:
		return "TLS 1.2"
	case VersionTLS13:
		return "TLS 1.3"
	default:
		if version >= VersionTLS13D && version < 0x7F20 {
			return "TLS 1.3 (draft)"
		}
		return fmt.Sprintf("Unknown (0x%04x)", version)
	}
}
