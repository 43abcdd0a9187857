// Package http2 follows cleartext and decrypted HTTP/2 connections:
// frames, HPACK header blocks, request and response bodies and DNS over
// HTTPS.
package http2

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/packet"
)

// HTTP/2 frame types (RFC 7540)
const (
	FrameData         = 0x0
	FrameHeaders      = 0x1
	FramePriority     = 0x2
	FrameRSTStream    = 0x3
	FrameSettings     = 0x4
	FramePushPromise  = 0x5
	FramePing         = 0x6
	FrameGoAway       = 0x7
	FrameWindowUpdate = 0x8
	FrameContinuation = 0x9
)

// HTTP/2 frame flags
const (
	FlagEndStream  = 0x1
	FlagAck        = 0x1
	FlagEndHeaders = 0x4
	FlagPadded     = 0x8
	FlagPriority   = 0x20
)

const (
	frameHeaderLen = 9
	// maxFrameSize is the largest SETTINGS_MAX_FRAME_SIZE
	maxFrameSize = 1<<24 - 1
)

// Preface is the client connection preface.
var Preface = []byte("PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n")

var (
	ErrIncomplete = errors.New("http2: incomplete frame")
	ErrPadding    = errors.New("http2: padding exceeds payload")
)

// Frame is one HTTP/2 frame.
type Frame struct {
	Length   uint32
	Type     uint8
	Flags    uint8
	StreamID uint32
	Payload  []byte
}

func (f *Frame) Has(flag uint8) bool {
	return f.Flags&flag != 0
}

// Packet is a run of complete frames.
type Packet struct {
	packet.Base
	Preface bool
	Frames  []Frame
	// Length counts the preface and every complete frame.
	Length int
}

func (*Packet) Kind() packet.Kind { return packet.KindHTTP2 }

// IsPreface reports whether data starts with the connection preface.
func IsPreface(data []byte) bool {
	return bytes.HasPrefix(data, Preface)
}

// Decode splits payload into complete frames. Trailing bytes of a partial
// frame are left for the next slice.
func Decode(f *packet.Frame, payload []byte) (*Packet, error) {
	p := &Packet{Base: packet.Base{F: f, Data: payload}}
	rest := payload
	if IsPreface(rest) {
		p.Preface = true
		rest = rest[len(Preface):]
		p.Length = len(Preface)
	} else if len(rest) < len(Preface) && bytes.HasPrefix(Preface, rest) {
		return nil, ErrIncomplete
	}
	for len(rest) >= frameHeaderLen {
		length := uint32(rest[0])<<16 | uint32(rest[1])<<8 | uint32(rest[2])
		if length > maxFrameSize {
			return nil, fmt.Errorf("http2: frame of %d bytes", length)
		}
		total := frameHeaderLen + int(length)
		if len(rest) < total {
			break
		}
		p.Frames = append(p.Frames, Frame{
			Length:   length,
			Type:     rest[3],
			Flags:    rest[4],
			StreamID: binary.BigEndian.Uint32(rest[5:9]) & 0x7fffffff,
			Payload:  rest[frameHeaderLen:total],
		})
		rest = rest[total:]
		p.Length += total
	}
	if p.Length == 0 {
		return nil, ErrIncomplete
	}
	return p, nil
}

// unpad strips the pad length byte and the padding of DATA, HEADERS and
// PUSH_PROMISE payloads.
func unpad(fr *Frame) ([]byte, error) {
	b := fr.Payload
	if !fr.Has(FlagPadded) {
		return b, nil
	}
	if len(b) < 1 {
		return nil, ErrPadding
	}
	pad := int(b[0])
	if pad >= len(b) {
		return nil, ErrPadding
	}
	return b[1 : len(b)-pad], nil
}

// headerFragment returns the header block fragment of a HEADERS frame.
func headerFragment(fr *Frame) ([]byte, error) {
	b, err := unpad(fr)
	if err != nil {
		return nil, err
	}
	if fr.Has(FlagPriority) {
		if len(b) < 5 {
			return nil, fmt.Errorf("http2: HEADERS priority block truncated")
		}
		b = b[5:]
	}
	return b, nil
}
