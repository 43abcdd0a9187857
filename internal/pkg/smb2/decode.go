// Package smb2 follows SMB2/SMB3 file sharing sessions: shares, directory
// listings, files read and written, and NTLMSSP authentication.
package smb2

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/packet"
)

// SMB2 commands
const (
	CommandNegotiate      uint16 = 0x0000
	CommandSessionSetup   uint16 = 0x0001
	CommandLogoff         uint16 = 0x0002
	CommandTreeConnect    uint16 = 0x0003
	CommandTreeDisconnect uint16 = 0x0004
	CommandCreate         uint16 = 0x0005
	CommandClose          uint16 = 0x0006
	CommandFlush          uint16 = 0x0007
	CommandRead           uint16 = 0x0008
	CommandWrite          uint16 = 0x0009
	CommandLock           uint16 = 0x000A
	CommandIOCTL          uint16 = 0x000B
	CommandCancel         uint16 = 0x000C
	CommandEcho           uint16 = 0x000D
	CommandQueryDirectory uint16 = 0x000E
	CommandChangeNotify   uint16 = 0x000F
	CommandQueryInfo      uint16 = 0x0010
	CommandSetInfo        uint16 = 0x0011
	CommandOplockBreak    uint16 = 0x0012
)

// SMB2 header flags
const (
	FlagsServerToRedir uint32 = 0x00000001
	FlagsAsyncCommand  uint32 = 0x00000002
	FlagsRelated       uint32 = 0x00000004
)

// NT status codes
const (
	StatusSuccess                uint32 = 0x00000000
	StatusPending                uint32 = 0x00000103
	StatusMoreProcessingRequired uint32 = 0xC0000016
	StatusEndOfFile              uint32 = 0xC0000011
	StatusNoMoreFiles            uint32 = 0x80000006
	StatusBufferOverflow         uint32 = 0x80000005
)

const (
	headerLen   = 64
	netbiosLen  = 4
	maxCompound = 64
)

var (
	protocolSMB2      = []byte{0xFE, 'S', 'M', 'B'}
	protocolTransform = []byte{0xFD, 'S', 'M', 'B'}
	protocolSMB1      = []byte{0xFF, 'S', 'M', 'B'}

	ErrIncomplete = errors.New("smb2: incomplete NetBIOS frame")
	ErrNotSMB2    = errors.New("smb2: not an SMB2 message")
)

// Header is the synchronous or asynchronous SMB2 header.
type Header struct {
	Status      uint32
	Command     uint16
	Flags       uint32
	NextCommand uint32
	MessageID   uint64
	AsyncID     uint64
	TreeID      uint32
	SessionID   uint64
}

// IsResponse reports whether the server sent the message.
func (h *Header) IsResponse() bool {
	return h.Flags&FlagsServerToRedir != 0
}

// Message is one SMB2 message of a compound chain. Field offsets inside
// SMB2 bodies are relative to the start of the header, which is Raw[0].
type Message struct {
	Header
	Raw []byte
}

// Body returns the bytes after the header.
func (m *Message) Body() []byte {
	return m.Raw[headerLen:]
}

// slice returns Raw[off:off+n] when in range.
func (m *Message) slice(off, n int) ([]byte, bool) {
	if off < 0 || n < 0 || off+n > len(m.Raw) {
		return nil, false
	}
	return m.Raw[off : off+n], true
}

// Packet is a run of complete NetBIOS session frames.
type Packet struct {
	packet.Base
	Messages []Message
	// Encrypted counts SMB3 transform frames, which are skipped.
	Encrypted int
	// Length counts every complete NetBIOS frame.
	Length int
}

func (*Packet) Kind() packet.Kind { return packet.KindSMB2 }

// LooksLikeSMB2 reports whether payload starts with a NetBIOS session
// message carrying SMB2 or SMB3.
func LooksLikeSMB2(payload []byte) bool {
	if len(payload) < netbiosLen+4 || payload[0] != 0 {
		return false
	}
	sig := payload[netbiosLen : netbiosLen+4]
	return bytes.Equal(sig, protocolSMB2) || bytes.Equal(sig, protocolTransform)
}

// Decode splits payload into complete NetBIOS frames and the SMB2
// messages they carry.
func Decode(f *packet.Frame, payload []byte) (*Packet, error) {
	p := &Packet{Base: packet.Base{F: f, Data: payload}}
	rest := payload
	for len(rest) >= netbiosLen {
		typ := rest[0]
		n := int(rest[1])<<16 | int(rest[2])<<8 | int(rest[3])
		total := netbiosLen + n
		if len(rest) < total {
			break
		}
		frame := rest[netbiosLen:total]
		rest = rest[total:]
		p.Length += total
		if typ != 0 || len(frame) < 4 {
			// keep-alive or other session service message
			continue
		}
		switch {
		case bytes.HasPrefix(frame, protocolSMB2):
			msgs, err := parseCompound(frame)
			if err != nil && len(msgs) == 0 {
				return nil, err
			}
			p.Messages = append(p.Messages, msgs...)
		case bytes.HasPrefix(frame, protocolTransform):
			p.Encrypted++
		case bytes.HasPrefix(frame, protocolSMB1):
			// SMB1 negotiate preceding an SMB2 upgrade
		default:
			return nil, ErrNotSMB2
		}
	}
	if p.Length == 0 {
		return nil, ErrIncomplete
	}
	return p, nil
}

// parseCompound splits a chain of related or unrelated SMB2 messages.
func parseCompound(frame []byte) ([]Message, error) {
	var out []Message
	for i := 0; i < maxCompound; i++ {
		if len(frame) < headerLen || !bytes.HasPrefix(frame, protocolSMB2) {
			return out, fmt.Errorf("smb2: short or invalid header of %d bytes", len(frame))
		}
		h := parseHeader(frame)
		end := len(frame)
		if h.NextCommand != 0 {
			if int(h.NextCommand) < headerLen || int(h.NextCommand) > len(frame) {
				return out, fmt.Errorf("smb2: invalid next command offset %d", h.NextCommand)
			}
			end = int(h.NextCommand)
		}
		out = append(out, Message{Header: h, Raw: frame[:end]})
		if h.NextCommand == 0 {
			return out, nil
		}
		frame = frame[end:]
	}
	return out, fmt.Errorf("smb2: more than %d compound messages", maxCompound)
}

func parseHeader(data []byte) Header {
	h := Header{
		Status:      binary.LittleEndian.Uint32(data[8:12]),
		Command:     binary.LittleEndian.Uint16(data[12:14]),
		Flags:       binary.LittleEndian.Uint32(data[16:20]),
		NextCommand: binary.LittleEndian.Uint32(data[20:24]),
		MessageID:   binary.LittleEndian.Uint64(data[24:32]),
		SessionID:   binary.LittleEndian.Uint64(data[40:48]),
	}
	if h.Flags&FlagsAsyncCommand != 0 {
		h.AsyncID = binary.LittleEndian.Uint64(data[32:40])
	} else {
		h.TreeID = binary.LittleEndian.Uint32(data[36:40])
	}
	return h
}

// CommandString returns the command name.
func CommandString(cmd uint16) string {
	names := map[uint16]string{
		CommandNegotiate:      "NEGOTIATE",
		CommandSessionSetup:   "SESSION_SETUP",
		CommandLogoff:         "LOGOFF",
		CommandTreeConnect:    "TREE_CONNECT",
		CommandTreeDisconnect: "TREE_DISCONNECT",
		CommandCreate:         "CREATE",
		CommandClose:          "CLOSE",
		CommandFlush:          "FLUSH",
		CommandRead:           "READ",
		CommandWrite:          "WRITE",
		CommandLock:           "LOCK",
		CommandIOCTL:          "IOCTL",
		CommandCancel:         "CANCEL",
		CommandEcho:           "ECHO",
		CommandQueryDirectory: "QUERY_DIRECTORY",
		CommandChangeNotify:   "CHANGE_NOTIFY",
		CommandQueryInfo:      "QUERY_INFO",
		CommandSetInfo:        "SET_INFO",
		CommandOplockBreak:    "OPLOCK_BREAK",
	}
	if n, ok := names[cmd]; ok {
		return n
	}
	return fmt.Sprintf("UNKNOWN(0x%04X)", cmd)
}

// file information classes of QUERY_DIRECTORY
const (
	classDirectory           = 1
	classFullDirectory       = 2
	classBothDirectory       = 3
	classNames               = 12
	classIDBothDirectory     = 37
	classIDFullDirectory     = 38
	maxDirectoryEntries      = 4096
	directoryNameLengthField = 60
)

// directoryNames walks a QUERY_DIRECTORY output buffer.
func directoryNames(buf []byte, class uint8) []string {
	nameAt := map[uint8]int{
		classDirectory:       64,
		classFullDirectory:   68,
		classBothDirectory:   94,
		classIDBothDirectory: 104,
		classIDFullDirectory: 80,
		classNames:           12,
	}
	at, ok := nameAt[class]
	if !ok {
		return nil
	}
	lengthAt := directoryNameLengthField
	if class == classNames {
		lengthAt = 8
	}

	var names []string
	for i := 0; i < maxDirectoryEntries && len(buf) >= at; i++ {
		next := int(binary.LittleEndian.Uint32(buf[0:4]))
		n := int(binary.LittleEndian.Uint32(buf[lengthAt : lengthAt+4]))
		if at+n > len(buf) {
			break
		}
		names = append(names, decodeUTF16LE(buf[at:at+n]))
		if next == 0 || next > len(buf) {
			break
		}
		buf = buf[next:]
	}
	return names
}
