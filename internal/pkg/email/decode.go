// Package email extracts credentials, messages and attachments from SMTP
// and IMAP sessions.
package email

import (
	"bytes"
	"strings"

	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/packet"
)

// Lines is the line view of a text protocol slice.
type Lines struct {
	packet.Base
	// Lines holds every complete line without its line ending.
	Lines []string
	// Complete is the number of bytes up to and including the last line
	// ending.
	Complete int
}

func splitLines(f *packet.Frame, payload []byte) Lines {
	l := Lines{Base: packet.Base{F: f, Data: payload}}
	for off := 0; off < len(payload); {
		i := bytes.IndexByte(payload[off:], '\n')
		if i < 0 {
			break
		}
		l.Lines = append(l.Lines, strings.TrimRight(string(payload[off:off+i]), "\r"))
		off += i + 1
		l.Complete = off
	}
	return l
}

// SMTPPacket is an SMTP command, response or DATA slice.
type SMTPPacket struct{ Lines }

func (*SMTPPacket) Kind() packet.Kind { return packet.KindSMTP }

// NewSMTP splits payload into lines.
func NewSMTP(f *packet.Frame, payload []byte) *SMTPPacket {
	return &SMTPPacket{splitLines(f, payload)}
}

// IMAPPacket is an IMAP command, response or literal slice.
type IMAPPacket struct{ Lines }

func (*IMAPPacket) Kind() packet.Kind { return packet.KindIMAP }

// NewIMAP splits payload into lines.
func NewIMAP(f *packet.Frame, payload []byte) *IMAPPacket {
	return &IMAPPacket{splitLines(f, payload)}
}

// lineAt returns the length of the first line of data including its
// terminator, or -1.
func lineAt(data []byte) int {
	i := bytes.IndexByte(data, '\n')
	if i < 0 {
		return -1
	}
	return i + 1
}
