// Package iec104 follows IEC 60870-5-104 telecontrol sessions: the APDU
// framing, every ASDU of the companion standard's type table, and files
// moved with the file transfer types.
package iec104

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/packet"
)

// Port is the registered IEC-104 port.
const Port = 2404

const (
	startByte  = 0x68
	apciLen    = 6
	minAPDULen = 4
	maxAPDULen = 253
)

var (
	ErrIncomplete = errors.New("iec104: incomplete APDU")
	ErrNotIEC104  = errors.New("iec104: missing start byte")
	ErrMalformed  = errors.New("iec104: malformed APDU")
)

// Format is the APCI frame format.
type Format uint8

const (
	FormatI Format = iota
	FormatS
	FormatU
)

func (f Format) String() string {
	switch f {
	case FormatI:
		return "I"
	case FormatS:
		return "S"
	}
	return "U"
}

// UFunction is the control function of a U-format frame.
type UFunction uint8

const (
	StartDTAct UFunction = 0x04
	StartDTCon UFunction = 0x08
	StopDTAct  UFunction = 0x10
	StopDTCon  UFunction = 0x20
	TestFRAct  UFunction = 0x40
	TestFRCon  UFunction = 0x80
)

func (u UFunction) String() string {
	switch u {
	case StartDTAct:
		return "STARTDT act"
	case StartDTCon:
		return "STARTDT con"
	case StopDTAct:
		return "STOPDT act"
	case StopDTCon:
		return "STOPDT con"
	case TestFRAct:
		return "TESTFR act"
	case TestFRCon:
		return "TESTFR con"
	}
	return fmt.Sprintf("0x%02x", uint8(u))
}

// APDU is one application protocol data unit.
type APDU struct {
	Format   Format
	SendSeq  uint16
	RecvSeq  uint16
	Function UFunction
	// ASDU is set for I-format frames whose ASDU parsed
	ASDU *ASDU
	// Err reports why an I-format ASDU could not be parsed.
	Err error
}

// Packet is a run of complete APDUs.
type Packet struct {
	packet.Base
	APDUs []APDU
	// Length counts the bytes of every complete APDU.
	Length int
}

func (*Packet) Kind() packet.Kind { return packet.KindIEC104 }

// LooksLikeIEC104 reports whether payload starts with a plausible APCI.
func LooksLikeIEC104(payload []byte) bool {
	if len(payload) < apciLen || payload[0] != startByte {
		return false
	}
	l := int(payload[1])
	if l < minAPDULen || l > maxAPDULen {
		return false
	}
	ctl := payload[2]
	switch {
	case ctl&0x01 == 0:
		return l > minAPDULen
	case ctl&0x03 == 0x01:
		return l == minAPDULen
	}
	// exactly one U function bit
	u := ctl &^ 0x03
	return l == minAPDULen && u != 0 && u&(u-1) == 0
}

// Decode splits payload into complete APDUs.
func Decode(f *packet.Frame, payload []byte) (*Packet, error) {
	p := &Packet{Base: packet.Base{F: f, Data: payload}}
	rest := payload
	for len(rest) >= 2 {
		if rest[0] != startByte {
			if p.Length == 0 {
				return nil, ErrNotIEC104
			}
			break
		}
		l := int(rest[1])
		if l < minAPDULen || l > maxAPDULen {
			if p.Length == 0 {
				return nil, fmt.Errorf("%w: length %d", ErrMalformed, l)
			}
			break
		}
		total := 2 + l
		if len(rest) < total {
			break
		}
		p.APDUs = append(p.APDUs, parseAPDU(rest[2:total]))
		p.Length += total
		rest = rest[total:]
	}
	if p.Length == 0 {
		return nil, ErrIncomplete
	}
	return p, nil
}

func parseAPDU(b []byte) APDU {
	var a APDU
	switch {
	case b[0]&0x01 == 0:
		a.Format = FormatI
		a.SendSeq = binary.LittleEndian.Uint16(b) >> 1
		a.RecvSeq = binary.LittleEndian.Uint16(b[2:]) >> 1
		a.ASDU, a.Err = parseASDU(b[4:])
	case b[0]&0x03 == 0x01:
		a.Format = FormatS
		a.RecvSeq = binary.LittleEndian.Uint16(b[2:]) >> 1
	default:
		a.Format = FormatU
		a.Function = UFunction(b[0] &^ 0x03)
	}
	return a
}
