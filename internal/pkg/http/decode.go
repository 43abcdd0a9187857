// Package http extracts hostnames, cookies, credentials, form parameters
// and transferred files from HTTP/1.x sessions.
package http

import (
	"bytes"
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/constants"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/events"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/packet"
)

var (
	// ErrIncomplete is returned while the header block is not complete.
	ErrIncomplete = errors.New("http: incomplete header")
	// ErrNotHTTP is returned when the first line is neither a request nor
	// a status line.
	ErrNotHTTP = errors.New("http: not an http message")
)

// HTTP methods (RFC 7231 + common extensions)
var validMethods = map[string]bool{
	"GET":      true,
	"HEAD":     true,
	"POST":     true,
	"PUT":      true,
	"DELETE":   true,
	"CONNECT":  true,
	"OPTIONS":  true,
	"TRACE":    true,
	"PATCH":    true,
	"PROPFIND": true,
}

var (
	// Request line: METHOD TARGET HTTP/VERSION
	requestLineRegex = regexp.MustCompile(`^([A-Z]+)\s+(\S+)\s+HTTP/(\d\.\d)\s*$`)
	// Status line: HTTP/VERSION STATUS REASON
	statusLineRegex = regexp.MustCompile(`^HTTP/(\d\.\d)\s+(\d{3})(?:\s+(.*))?$`)
)

// Packet is a parsed HTTP/1.x request or response header block. Body bytes
// that arrived in the same slice are reachable through Body.
type Packet struct {
	packet.Base
	Request bool

	Method string
	// Target is the request target as sent, Path and Query its parts.
	Target  string
	Path    string
	Query   string
	Version string

	StatusCode int
	Reason     string

	// Header keeps every header line in order.
	Header []events.NameValue
	// HeaderLength is the size of the start line and headers including the
	// empty line.
	HeaderLength int
}

func (*Packet) Kind() packet.Kind { return packet.KindHTTP }

// Body returns the bytes following the header block in this slice.
func (p *Packet) Body() []byte {
	return p.Data[p.HeaderLength:]
}

// Get returns the first value of the named header, case-insensitively.
func (p *Packet) Get(name string) string {
	for _, h := range p.Header {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// Values returns every value of the named header.
func (p *Packet) Values(name string) []string {
	var out []string
	for _, h := range p.Header {
		if strings.EqualFold(h.Name, name) {
			out = append(out, h.Value)
		}
	}
	return out
}

// ContentLength returns the Content-Length header, or -1.
func (p *Packet) ContentLength() int64 {
	v := p.Get("Content-Length")
	if v == "" {
		return -1
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return -1
	}
	return n
}

// Chunked reports whether the body uses chunked transfer coding.
func (p *Packet) Chunked() bool {
	return strings.Contains(strings.ToLower(p.Get("Transfer-Encoding")), "chunked")
}

// LooksLikeHTTP reports whether payload starts with a request or status
// line prefix.
func LooksLikeHTTP(payload []byte) bool {
	if bytes.HasPrefix(payload, []byte("HTTP/1.")) {
		return true
	}
	i := bytes.IndexByte(payload, ' ')
	if i < 3 || i > 8 {
		return false
	}
	return validMethods[string(payload[:i])]
}

// Decode parses the header block at the start of payload.
func Decode(f *packet.Frame, payload []byte) (*Packet, error) {
	end := bytes.Index(payload, []byte("\r\n\r\n"))
	sep := 4
	if lf := bytes.Index(payload, []byte("\n\n")); lf >= 0 && (end < 0 || lf < end) {
		end, sep = lf, 2
	}
	if end < 0 {
		if !LooksLikeHTTP(payload) {
			return nil, ErrNotHTTP
		}
		if len(payload) > constants.MaxLineLength {
			return nil, ErrNotHTTP
		}
		return nil, ErrIncomplete
	}

	lines := strings.Split(string(payload[:end]), "\n")
	for i := range lines {
		lines[i] = strings.TrimRight(lines[i], "\r")
	}

	p := &Packet{Base: packet.Base{F: f, Data: payload}, HeaderLength: end + sep}
	if m := requestLineRegex.FindStringSubmatch(lines[0]); m != nil && validMethods[m[1]] {
		p.Request = true
		p.Method = m[1]
		p.Target = m[2]
		p.Version = "HTTP/" + m[3]
		p.Path, p.Query, _ = strings.Cut(m[2], "?")
	} else if m := statusLineRegex.FindStringSubmatch(lines[0]); m != nil {
		p.Version = "HTTP/" + m[1]
		p.StatusCode, _ = strconv.Atoi(m[2])
		p.Reason = m[3]
	} else {
		return nil, ErrNotHTTP
	}

	for _, line := range lines[1:] {
		if (strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")) && len(p.Header) > 0 {
			p.Header[len(p.Header)-1].Value += " " + strings.TrimSpace(line)
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		p.Header = append(p.Header, events.NameValue{Name: strings.TrimSpace(name), Value: strings.TrimSpace(value)})
	}
	return p, nil
}
