// Package tftp reconstructs files moved over TFTP. The request goes to port
// 69 while the transfer runs between two ephemeral ports, so the handler
// follows transfers by the client endpoint.
package tftp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strconv"
	"strings"

	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/packet"
)

// Opcode is the TFTP packet type.
type Opcode uint16

const (
	OpRRQ Opcode = iota + 1
	OpWRQ
	OpDATA
	OpACK
	OpERROR
	OpOACK
)

func (o Opcode) String() string {
	switch o {
	case OpRRQ:
		return "RRQ"
	case OpWRQ:
		return "WRQ"
	case OpDATA:
		return "DATA"
	case OpACK:
		return "ACK"
	case OpERROR:
		return "ERROR"
	case OpOACK:
		return "OACK"
	}
	return "OP" + strconv.Itoa(int(o))
}

// Port is the well-known request port.
const Port = 69

const (
	defaultBlockSize = 512
	maxBlockSize     = 65464
)

var (
	ErrNotTFTP   = errors.New("tftp: not a TFTP packet")
	ErrMalformed = errors.New("tftp: malformed packet")
)

// Option is one negotiated option, in wire order.
type Option struct {
	Name  string
	Value string
}

// Packet is one TFTP datagram.
type Packet struct {
	packet.Base
	Opcode Opcode
	// Filename and Mode are set for RRQ and WRQ.
	Filename string
	Mode     string
	// Options are set for RRQ, WRQ and OACK.
	Options []Option
	// Block is set for DATA and ACK.
	Block uint16
	Data  []byte
	// ErrorCode and ErrorMessage are set for ERROR.
	ErrorCode    uint16
	ErrorMessage string
}

func (*Packet) Kind() packet.Kind { return packet.KindTFTP }

// Option returns the value of a negotiated option, case-insensitively.
func (p *Packet) Option(name string) (string, bool) {
	for _, o := range p.Options {
		if strings.EqualFold(o.Name, name) {
			return o.Value, true
		}
	}
	return "", false
}

// Decode parses one datagram.
func Decode(f *packet.Frame, payload []byte) (*Packet, error) {
	if len(payload) < 4 {
		return nil, ErrNotTFTP
	}
	p := &Packet{
		Base:   packet.Base{F: f, Data: payload},
		Opcode: Opcode(binary.BigEndian.Uint16(payload)),
	}
	body := payload[2:]
	switch p.Opcode {
	case OpRRQ, OpWRQ:
		fields := strings.Split(string(bytes.TrimRight(body, "\x00")), "\x00")
		if len(fields) < 2 || fields[0] == "" {
			return nil, ErrMalformed
		}
		p.Filename = fields[0]
		p.Mode = strings.ToLower(fields[1])
		if p.Mode != "octet" && p.Mode != "netascii" && p.Mode != "mail" {
			return nil, ErrNotTFTP
		}
		p.Options = options(fields[2:])
	case OpOACK:
		p.Options = options(strings.Split(string(bytes.TrimRight(body, "\x00")), "\x00"))
	case OpDATA, OpACK:
		p.Block = binary.BigEndian.Uint16(body)
		if p.Opcode == OpDATA {
			p.Data = body[2:]
		} else if len(body) != 2 {
			return nil, ErrMalformed
		}
	case OpERROR:
		p.ErrorCode = binary.BigEndian.Uint16(body)
		p.ErrorMessage = string(bytes.TrimRight(body[2:], "\x00"))
	default:
		return nil, ErrNotTFTP
	}
	return p, nil
}

func options(fields []string) []Option {
	var out []Option
	for i := 0; i+1 < len(fields); i += 2 {
		if fields[i] == "" {
			break
		}
		out = append(out, Option{Name: strings.ToLower(fields[i]), Value: fields[i+1]})
	}
	return out
}

// LooksLikeRequest reports whether payload is a read or write request.
func LooksLikeRequest(payload []byte) bool {
	p, err := Decode(nil, payload)
	return err == nil && (p.Opcode == OpRRQ || p.Opcode == OpWRQ)
}
