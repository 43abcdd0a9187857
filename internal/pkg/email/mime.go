package email

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/events"
	"golang.org/x/text/encoding/htmlindex"
)

const maxParts = 128

func init() {
	message.CharsetReader = charsetReader
}

// charsetReader resolves labels through the WHATWG index first, so text
// labelled iso-8859-1 decodes as windows-1252 the way mail clients read it,
// and through the IANA registry otherwise.
func charsetReader(label string, input io.Reader) (io.Reader, error) {
	if enc, err := htmlindex.Get(label); err == nil {
		return enc.NewDecoder().Reader(input), nil
	}
	return charset.Reader(label, input)
}

// Attachment is a decoded MIME part carrying a file.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Message is a parsed RFC 5322 email.
type Message struct {
	// Headers keeps every top-level header in order, unfolded and with
	// encoded words decoded.
	Headers     []events.NameValue
	From        string
	To          string
	Cc          string
	Subject     string
	Date        string
	MessageID   string
	Body        string
	Attachments []Attachment
}

// Parse parses a raw email. A message whose body cannot be walked still
// returns the headers that could be read.
func Parse(raw []byte) (*Message, error) {
	r, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("failed to read email: %w", err)
	}

	h := r.Header
	m := &Message{
		Headers: orderedHeaders(h.Fields()),
		From:    text(&h, "From"),
		To:      text(&h, "To"),
		Cc:      text(&h, "Cc"),
		Subject: text(&h, "Subject"),
		Date:    h.Get("Date"),
	}
	if id, err := h.MessageID(); err == nil {
		m.MessageID = id
	} else {
		m.MessageID = strings.Trim(h.Get("Message-Id"), "<> ")
	}

	if err := m.walk(r); err != nil {
		return m, err
	}
	return m, nil
}

// text decodes the encoded words of a header, falling back to the raw
// value for unknown charsets.
func text(h *mail.Header, key string) string {
	v, err := h.Text(key)
	if err != nil {
		return h.Get(key)
	}
	return v
}

// orderedHeaders lists the header fields in order, duplicates included,
// under the names the sender wrote.
func orderedHeaders(fields message.HeaderFields) []events.NameValue {
	var out []events.NameValue
	for fields.Next() {
		name := fields.Key()
		if raw, err := fields.Raw(); err == nil {
			if n, _, ok := bytes.Cut(raw, []byte(":")); ok {
				name = string(bytes.TrimSpace(n))
			}
		}
		v, err := fields.Text()
		if err != nil {
			v = fields.Value()
		}
		out = append(out, events.NameValue{Name: name, Value: v})
	}
	return out
}

// walk collects the body text and the attachments. The first text part
// becomes the body unless a plain part follows an HTML one.
func (m *Message) walk(r *mail.Reader) error {
	for parts := 0; ; parts++ {
		if parts >= maxParts {
			return fmt.Errorf("email has more than %d parts", maxParts)
		}
		p, err := r.NextPart()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return fmt.Errorf("failed to read mime part: %w", err)
		}
		data, err := io.ReadAll(p.Body)
		if err != nil && len(data) == 0 {
			return fmt.Errorf("failed to decode mime part: %w", err)
		}

		var ah *mail.AttachmentHeader
		switch hdr := p.Header.(type) {
		case *mail.InlineHeader:
			ah = &mail.AttachmentHeader{Header: hdr.Header}
		case *mail.AttachmentHeader:
			ah = hdr
		default:
			continue
		}
		mediaType, _, _ := ah.ContentType()
		if mediaType == "" {
			mediaType = "text/plain"
		}
		name, _ := ah.Filename()
		_, inline := p.Header.(*mail.InlineHeader)
		if inline && name == "" && strings.HasPrefix(mediaType, "text/") {
			if m.Body == "" || (mediaType == "text/plain" && strings.HasPrefix(m.Body, "<")) {
				m.Body = string(data)
			}
			continue
		}
		m.attach(name, mediaType, data)
	}
}

func (m *Message) attach(filename, mediaType string, data []byte) {
	if filename == "" {
		filename = "attachment"
	}
	m.Attachments = append(m.Attachments, Attachment{
		Filename:    filename,
		ContentType: mediaType,
		Data:        data,
	})
}

// unstuff removes SMTP dot-stuffing from a DATA block.
func unstuff(data []byte) []byte {
	if !bytes.Contains(data, []byte("\n..")) && !bytes.HasPrefix(data, []byte("..")) {
		return data
	}
	out := make([]byte, 0, len(data))
	atLineStart := true
	for i := 0; i < len(data); i++ {
		if atLineStart && data[i] == '.' && i+1 < len(data) && data[i+1] == '.' {
			continue
		}
		out = append(out, data[i])
		atLineStart = data[i] == '\n'
	}
	return out
}
