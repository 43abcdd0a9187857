// Package voip follows SIP calls, the media endpoints they negotiate in
// SDP and the G.711 RTP audio exchanged between them.
package voip

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/packet"
)

// maxSIPMessage caps a SIP message including its body
const maxSIPMessage = 64 * 1024

var (
	ErrIncomplete = errors.New("voip: incomplete SIP message")
	ErrNotSIP     = errors.New("voip: not a SIP message")
	ErrTooLarge   = errors.New("voip: SIP message too large")
)

var sipMethods = []string{
	"INVITE", "ACK", "BYE", "CANCEL", "OPTIONS", "REGISTER", "PRACK",
	"SUBSCRIBE", "NOTIFY", "PUBLISH", "INFO", "REFER", "MESSAGE", "UPDATE",
}

// Packet is one SIP request or response.
type Packet struct {
	packet.Base
	Msg  *layers.SIP
	Body []byte
	// Length is the size of the start line, headers and body.
	Length int
}

func (*Packet) Kind() packet.Kind { return packet.KindSIP }

// LooksLikeSIP reports whether payload starts with a SIP start line.
func LooksLikeSIP(payload []byte) bool {
	line := payload
	if i := bytes.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	s := strings.TrimSpace(string(line))
	if strings.HasPrefix(s, "SIP/2.0 ") {
		return true
	}
	if !strings.HasSuffix(s, "SIP/2.0") {
		return false
	}
	for _, m := range sipMethods {
		if strings.HasPrefix(s, m+" ") {
			return true
		}
	}
	return false
}

// Decode parses the SIP message at the start of payload. Datagrams carry
// exactly one message; on streams Content-Length frames the body.
func Decode(f *packet.Frame, payload []byte, stream bool) (*Packet, error) {
	if !LooksLikeSIP(payload) {
		return nil, ErrNotSIP
	}
	headerEnd := len(payload)
	if i := bytes.Index(payload, []byte("\r\n\r\n")); i >= 0 {
		headerEnd = i + 4
	} else if stream {
		if len(payload) > maxSIPMessage {
			return nil, ErrTooLarge
		}
		return nil, ErrIncomplete
	}

	msg := layers.NewSIP()
	if err := msg.DecodeFromBytes(payload[:headerEnd], gopacket.NilDecodeFeedback); err != nil {
		return nil, fmt.Errorf("failed to decode sip message: %w", err)
	}
	p := &Packet{Base: packet.Base{F: f, Data: payload}, Msg: msg}
	if !stream {
		p.Body = payload[headerEnd:]
		p.Length = len(payload)
		return p, nil
	}

	n := int(msg.GetContentLength())
	if n < 0 || headerEnd+n > maxSIPMessage {
		return nil, ErrTooLarge
	}
	if len(payload) < headerEnd+n {
		return nil, ErrIncomplete
	}
	p.Body = payload[headerEnd : headerEnd+n]
	p.Length = headerEnd + n
	p.Data = payload[:p.Length]
	return p, nil
}

// Method returns the request method, or for responses the method of the
// CSeq header.
func (p *Packet) Method() string {
	if p.Msg.IsResponse {
		_, m, _ := strings.Cut(p.Msg.GetFirstHeader("cseq"), " ")
		return strings.ToUpper(strings.TrimSpace(m))
	}
	return p.Msg.Method.String()
}
