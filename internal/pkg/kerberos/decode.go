// Package kerberos pulls principals, realms and crackable hashes out of
// Kerberos 5 KDC exchanges without a full ASN.1 schema.
package kerberos

import (
	"encoding/binary"
	"errors"

	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/packet"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

// Application tags of the KDC messages.
const (
	TagASReq    byte = 0x6a
	TagASRep    byte = 0x6b
	TagTGSReq   byte = 0x6c
	TagTGSRep   byte = 0x6d
	TagAPReq    byte = 0x6e
	TagAPRep    byte = 0x6f
	TagKRBError byte = 0x7e
)

const (
	maxMessage  = 1 << 20
	maxDepth    = 24
	maxElements = 4096
)

var (
	ErrIncomplete   = errors.New("kerberos: incomplete record")
	ErrNotKerberos  = errors.New("kerberos: not a KDC message")
	ErrTooLarge     = errors.New("kerberos: record too large")
	ErrMalformed    = errors.New("kerberos: malformed DER")
	errTooManyNodes = errors.New("kerberos: too many DER elements")
)

// Packet is one Kerberos message.
type Packet struct {
	packet.Base
	// Message is the DER encoded message starting at its application tag.
	Message []byte
	// Length includes the TCP record marker.
	Length int
}

func (*Packet) Kind() packet.Kind { return packet.KindKerberos }

// MessageType returns the application tag of the message.
func (p *Packet) MessageType() byte {
	return p.Message[0]
}

func knownTag(b byte) bool {
	switch b {
	case TagASReq, TagASRep, TagTGSReq, TagTGSRep, TagAPReq, TagAPRep, TagKRBError:
		return true
	}
	return false
}

// LooksLikeKerberos reports whether payload starts with a KDC message,
// optionally behind a TCP record marker.
func LooksLikeKerberos(payload []byte, stream bool) bool {
	if stream {
		if len(payload) < 5 {
			return false
		}
		payload = payload[4:]
	}
	return len(payload) > 0 && knownTag(payload[0])
}

// Decode parses a UDP datagram, or with stream set the first TCP record
// of payload.
func Decode(f *packet.Frame, payload []byte, stream bool) (*Packet, error) {
	p := &Packet{Base: packet.Base{F: f, Data: payload}}
	if stream {
		if len(payload) < 4 {
			return nil, ErrIncomplete
		}
		n := int(binary.BigEndian.Uint32(payload) & 0x7fffffff)
		if n > maxMessage {
			return nil, ErrTooLarge
		}
		if len(payload) < 4+n {
			return nil, ErrIncomplete
		}
		p.Message = payload[4 : 4+n]
		p.Length = 4 + n
	} else {
		p.Message = payload
		p.Length = len(payload)
	}
	if len(p.Message) == 0 || !knownTag(p.Message[0]) {
		return nil, ErrNotKerberos
	}
	return p, nil
}

// tagPath builds the lookup key of a tag path.
func tagPath(tags ...byte) string {
	return string(tags)
}

// walk visits every DER element of der depth first. The path of an element
// is the sequence of tags from the outermost element down to its own tag;
// constructed elements are descended into.
func walk(der []byte, visit func(path string, content []byte)) error {
	path := make([]byte, 0, maxDepth)
	nodes := 0
	var rec func(s cryptobyte.String) error
	rec = func(s cryptobyte.String) error {
		for !s.Empty() {
			var content cryptobyte.String
			var tag asn1.Tag
			if !s.ReadAnyASN1(&content, &tag) {
				return ErrMalformed
			}
			if nodes++; nodes > maxElements {
				return errTooManyNodes
			}
			path = append(path, byte(tag))
			visit(string(path), content)
			if byte(tag)&0x20 != 0 && len(path) < maxDepth {
				if err := rec(content); err != nil {
					return err
				}
			}
			path = path[:len(path)-1]
		}
		return nil
	}
	return rec(cryptobyte.String(der))
}

// integer decodes the content octets of a DER INTEGER.
func integer(content []byte) (int64, bool) {
	if len(content) == 0 || len(content) > 8 {
		return 0, false
	}
	v := int64(int8(content[0]))
	for _, b := range content[1:] {
		v = v<<8 | int64(b)
	}
	return v, true
}
