package http2

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/assembler"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/cache"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/events"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/handler"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/http"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/packet"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/types"
)

// Name identifies the HTTP/2 handler.
const Name = "HTTP/2"

const (
	dnsMessageType = "application/dns-message"
	// maxDNSMessage is the largest DNS message carried over HTTPS
	maxDNSMessage = 65535
	// maxHeaderBlock bounds a header block spread over CONTINUATION frames
	maxHeaderBlock = 256 * 1024
)

// MessageFunc receives a DNS message carried in an HTTP/2 stream.
type MessageFunc func(s *types.Session, clientToServer bool, f *packet.Frame, raw []byte) error

func dir(clientToServer bool) int {
	if clientToServer {
		return 0
	}
	return 1
}

type headerBlock struct {
	stream    uint32
	endStream bool
	promise   bool
	buf       []byte
}

// conn is the per-connection state: one HPACK decoder and one pending
// header block per direction.
type conn struct {
	decoders [2]*Decoder
	pending  [2]*headerBlock
}

type streamKey struct {
	flow types.FiveTuple
	id   uint32
}

type stream struct {
	method    string
	path      string
	authority string
	status    string

	files   [2]*assembler.SegmentAssembler
	offsets [2]int64
	doh     [2]bool
	dohBuf  [2][]byte
	ended   [2]bool
	last    *packet.Frame
}

// Handler decodes HTTP/2 frames.
type Handler struct {
	handler.Base
	env     *handler.Env
	log     *slog.Logger
	conns   *cache.LRU[types.FiveTuple, *conn]
	streams *cache.LRU[streamKey, *stream]
	onDNS   MessageFunc
}

// NewHandler creates the HTTP/2 handler.
func NewHandler(env *handler.Env) *Handler {
	h := &Handler{
		Base: handler.NewBase(Name, packet.KindHTTP2),
		env:  env,
		log:  env.Log(Name),
		conns: cache.New[types.FiveTuple, *conn](env.StateCapacity(), nil).
			WithEvictionCounter(env.Metrics.Eviction("http2_connections")),
	}
	h.streams = cache.New[streamKey, *stream](env.RequestCapacity(), h.evicted).
		WithEvictionCounter(env.Metrics.Eviction("http2_streams"))
	return h
}

// evicted flushes the bodies of a stream pushed out before END_STREAM as
// truncated files. Reset discards them.
func (h *Handler) evicted(k streamKey, st *stream, reason cache.EvictReason) {
	for d, a := range st.files {
		if a == nil {
			continue
		}
		st.files[d] = nil
		if reason != cache.Capacity {
			a.Discard()
			continue
		}
		h.env.Anomaly(st.last, Name, k.flow, "stream %d evicted before END_STREAM", k.id)
		a.MarkTruncated()
		a.AssembleAndClose()
	}
}

// SetDNSHandler routes DNS over HTTPS messages to fn.
func (h *Handler) SetDNSHandler(fn MessageFunc) {
	h.onDNS = fn
}

// ExtractData consumes the preface and every complete frame.
func (h *Handler) ExtractData(s *types.Session, clientToServer bool, pkts []packet.Packet) int {
	p, ok := packet.Find[*Packet](pkts)
	if !ok {
		return 0
	}
	c, _ := h.conns.GetOrAdd(s.Flow, func() *conn {
		return &conn{decoders: [2]*Decoder{NewDecoder(), NewDecoder()}}
	})
	for i := range p.Frames {
		h.frame(s, clientToServer, p.Frame(), c, &p.Frames[i])
	}
	return p.Length
}

func (h *Handler) frame(s *types.Session, clientToServer bool, f *packet.Frame, c *conn, fr *Frame) {
	d := dir(clientToServer)
	switch fr.Type {
	case FrameHeaders:
		frag, err := headerFragment(fr)
		if err != nil {
			h.env.Anomaly(f, Name, s.Flow, "stream %d: %v", fr.StreamID, err)
			return
		}
		blk := &headerBlock{stream: fr.StreamID, endStream: fr.Has(FlagEndStream), buf: frag}
		h.headerBlock(s, clientToServer, f, c, blk, fr.Has(FlagEndHeaders))
	case FramePushPromise:
		b, err := unpad(fr)
		if err != nil || len(b) < 4 {
			h.env.Anomaly(f, Name, s.Flow, "stream %d: malformed PUSH_PROMISE", fr.StreamID)
			return
		}
		promised := binary.BigEndian.Uint32(b) & 0x7fffffff
		blk := &headerBlock{stream: promised, promise: true, buf: b[4:]}
		h.headerBlock(s, clientToServer, f, c, blk, fr.Has(FlagEndHeaders))
	case FrameContinuation:
		blk := c.pending[d]
		if blk == nil || blk.stream != fr.StreamID && !blk.promise {
			h.env.Anomaly(f, Name, s.Flow, "stream %d: CONTINUATION without HEADERS", fr.StreamID)
			return
		}
		if len(blk.buf)+len(fr.Payload) > maxHeaderBlock {
			h.env.Anomaly(f, Name, s.Flow, "stream %d: header block exceeds %d bytes", fr.StreamID, maxHeaderBlock)
			c.pending[d] = nil
			return
		}
		blk.buf = append(blk.buf, fr.Payload...)
		if fr.Has(FlagEndHeaders) {
			c.pending[d] = nil
			h.headers(s, clientToServer, f, c, blk)
		}
	case FrameData:
		data, err := unpad(fr)
		if err != nil {
			h.env.Anomaly(f, Name, s.Flow, "stream %d: %v", fr.StreamID, err)
			return
		}
		h.data(s, clientToServer, f, fr.StreamID, data, fr.Has(FlagEndStream))
	case FrameSettings:
		if fr.Has(FlagAck) {
			return
		}
		h.settings(s, clientToServer, f, c, fr.Payload)
	case FrameRSTStream:
		code := uint32(0)
		if len(fr.Payload) >= 4 {
			code = binary.BigEndian.Uint32(fr.Payload)
		}
		h.reset(s, f, fr.StreamID, code)
	case FrameGoAway:
		if len(fr.Payload) < 8 {
			return
		}
		last := binary.BigEndian.Uint32(fr.Payload) & 0x7fffffff
		code := binary.BigEndian.Uint32(fr.Payload[4:])
		h.log.Debug("GOAWAY", "flow", s.Flow.String(), "frame", f.Number, "last_stream", last, "code", code)
		if code != 0 {
			h.env.Anomaly(f, Name, s.Flow, "GOAWAY with error code %d after stream %d", code, last)
		}
	}
}

// headerBlock decodes blk now or keeps it until END_HEADERS.
func (h *Handler) headerBlock(s *types.Session, clientToServer bool, f *packet.Frame, c *conn, blk *headerBlock, complete bool) {
	if !complete {
		blk.buf = append([]byte(nil), blk.buf...)
		c.pending[dir(clientToServer)] = blk
		return
	}
	h.headers(s, clientToServer, f, c, blk)
}

func (h *Handler) settings(s *types.Session, clientToServer bool, f *packet.Frame, c *conn, b []byte) {
	if len(b)%6 != 0 {
		h.env.Anomaly(f, Name, s.Flow, "SETTINGS payload of %d bytes", len(b))
		return
	}
	var params []events.NameValue
	for ; len(b) >= 6; b = b[6:] {
		id := binary.BigEndian.Uint16(b)
		v := binary.BigEndian.Uint32(b[2:])
		params = append(params, events.NameValue{Name: settingName(id), Value: strconv.FormatUint(uint64(v), 10)})
		if id == 0x1 {
			// the sender decodes what the peer sends
			c.decoders[dir(!clientToServer)].SetLimit(int(v))
		}
	}
	h.env.Parameters(f, s, clientToServer, "HTTP/2 SETTINGS", params)
}

func settingName(id uint16) string {
	switch id {
	case 0x1:
		return "HEADER_TABLE_SIZE"
	case 0x2:
		return "ENABLE_PUSH"
	case 0x3:
		return "MAX_CONCURRENT_STREAMS"
	case 0x4:
		return "INITIAL_WINDOW_SIZE"
	case 0x5:
		return "MAX_FRAME_SIZE"
	case 0x6:
		return "MAX_HEADER_LIST_SIZE"
	default:
		return fmt.Sprintf("0x%x", id)
	}
}

func (h *Handler) headers(s *types.Session, clientToServer bool, f *packet.Frame, c *conn, blk *headerBlock) {
	d := dir(clientToServer)
	fields, err := c.decoders[d].Decode(blk.buf)
	if err != nil {
		h.env.Anomaly(f, Name, s.Flow, "stream %d: %v", blk.stream, err)
		if len(fields) == 0 {
			return
		}
	}
	st, _ := h.streams.GetOrAdd(streamKey{s.Flow, blk.stream}, func() *stream { return &stream{} })
	st.last = f

	switch {
	case blk.promise:
		// a pushed response has no request body
		h.request(s, f, blk.stream, st, fields)
		st.ended[0] = true
	case clientToServer:
		h.request(s, f, blk.stream, st, fields)
		if !blk.endStream {
			h.openRequestBody(s, f, blk.stream, st, fields)
		}
	default:
		h.response(s, f, blk.stream, st, fields, blk.endStream)
	}
	if !blk.promise && blk.endStream {
		h.finish(s, f, blk.stream, st, d)
	}
}

func get(fields []events.NameValue, name string) string {
	for _, nv := range fields {
		if nv.Name == name {
			return nv.Value
		}
	}
	return ""
}

func (h *Handler) request(s *types.Session, f *packet.Frame, id uint32, st *stream, fields []events.NameValue) {
	if st.method != "" {
		// trailers
		h.env.Parameters(f, s, true, "HTTP/2 trailer", fields)
		return
	}
	st.method = get(fields, ":method")
	st.path = get(fields, ":path")
	st.authority = get(fields, ":authority")
	if st.authority == "" {
		st.authority = get(fields, "host")
	}
	host := http.HostOnly(st.authority)
	if host != "" {
		s.Server.AddHostname(host)
	}
	if ua := get(fields, "user-agent"); ua != "" {
		s.Client.AddDetail("User-Agent", ua)
	}
	h.env.Parameters(f, s, true, "HTTP/2 request", fields)
	for _, nv := range fields {
		if nv.Name == "cookie" {
			h.env.Parameters(f, s, true, "HTTP/2 Cookie", cookiePairs(nv.Value))
		}
	}
	if auth := get(fields, "authorization"); strings.HasPrefix(strings.ToLower(auth), "basic ") {
		if raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(auth[6:])); err == nil {
			if user, pass, ok := strings.Cut(string(raw), ":"); ok {
				h.env.Credential(f, s.Flow.ClientIP, s.Flow.ServerIP, "HTTP/2 Basic Authentication", user, pass, false, host)
			}
		}
	}

	_, query, _ := strings.Cut(st.path, "?")
	if query == "" {
		return
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		h.env.Anomaly(f, Name, s.Flow, "stream %d: malformed query: %v", id, err)
	}
	var params []events.NameValue
	for _, pair := range strings.Split(query, "&") {
		name, value, _ := strings.Cut(pair, "=")
		if v, err := url.QueryUnescape(value); err == nil {
			value = v
		}
		params = append(params, events.NameValue{Name: name, Value: value})
	}
	label := host
	if label == "" {
		label = s.Flow.ServerIP.String()
	}
	h.env.Parameters(f, s, true, "HTTP/2 QueryString to "+label, params)

	if st.method == "GET" && values.Get("dns") != "" {
		raw, err := decodeBase64URL(values.Get("dns"))
		if err != nil {
			h.env.Anomaly(f, Name, s.Flow, "stream %d: malformed dns parameter: %v", id, err)
			return
		}
		h.dns(s, true, f, raw)
	}
}

func decodeBase64URL(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

func cookiePairs(v string) []events.NameValue {
	var out []events.NameValue
	for _, c := range strings.Split(v, ";") {
		name, value, _ := strings.Cut(strings.TrimSpace(c), "=")
		if name != "" {
			out = append(out, events.NameValue{Name: name, Value: value})
		}
	}
	return out
}

func (h *Handler) openRequestBody(s *types.Session, f *packet.Frame, id uint32, st *stream, fields []events.NameValue) {
	if st.files[0] != nil || st.doh[0] {
		return
	}
	ct := get(fields, "content-type")
	if strings.HasPrefix(ct, dnsMessageType) {
		st.doh[0] = true
		return
	}
	st.files[0] = h.newFile(s, f, id, true, http.RequestFilename(st.path)+".post", ct, fields)
}

func (h *Handler) response(s *types.Session, f *packet.Frame, id uint32, st *stream, fields []events.NameValue, endStream bool) {
	if st.status != "" {
		h.env.Parameters(f, s, false, "HTTP/2 trailer", fields)
		return
	}
	st.status = get(fields, ":status")
	if srv := get(fields, "server"); srv != "" {
		s.Server.AddBanner("HTTP/2: " + srv)
	}
	h.env.Parameters(f, s, false, "HTTP/2 response", fields)
	for _, nv := range fields {
		if nv.Name == "set-cookie" {
			first, _, _ := strings.Cut(nv.Value, ";")
			h.env.Parameters(f, s, false, "HTTP/2 Set-Cookie", cookiePairs(first))
		}
	}
	if endStream || strings.HasPrefix(st.status, "1") || st.status == "204" || st.status == "304" {
		return
	}
	ct := get(fields, "content-type")
	if strings.HasPrefix(ct, dnsMessageType) {
		st.doh[1] = true
		if st.files[1] != nil {
			st.files[1].Discard()
			st.files[1] = nil
		}
		return
	}
	name := http.RequestFilename(st.path)
	if st.path == "" {
		name = fmt.Sprintf("stream%d", id)
	}
	if fn := http.DispositionFilename(get(fields, "content-disposition")); fn != "" {
		name = fn
	}
	st.files[1] = h.newFile(s, f, id, false, name, ct, fields)
}

func (h *Handler) newFile(s *types.Session, f *packet.Frame, id uint32, clientToServer bool, name, contentType string, fields []events.NameValue) *assembler.SegmentAssembler {
	length := int64(-1)
	if v := get(fields, "content-length"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			length = n
		}
	}
	if length == 0 {
		return nil
	}
	a := h.env.Files.NewSegment(assembler.Options{
		Flow:           s.Flow,
		ClientToServer: clientToServer,
		StreamID:       "h2-" + strconv.FormatUint(uint64(id), 10),
		Kind:           types.ArtifactHTTP2,
		Filename:       name,
		Location:       handler.FileLocation(s, clientToServer, "HTTP2"),
		Details:        "stream " + strconv.FormatUint(uint64(id), 10),
		ContentType:    contentType,
		DeclaredLength: length,
		Encoding:       assembler.ParseContentEncoding(get(fields, "content-encoding")),
		Frame:          f.Number,
		Time:           f.Timestamp,
	})
	if !a.TryActivate() {
		h.env.Anomaly(f, Name, s.Flow, "stream %d: assembler busy", id)
		return nil
	}
	return a
}

func (h *Handler) data(s *types.Session, clientToServer bool, f *packet.Frame, id uint32, data []byte, endStream bool) {
	d := dir(clientToServer)
	st, ok := h.streams.Get(streamKey{s.Flow, id})
	if !ok {
		// headers were missed, keep the body anyway
		st = &stream{}
		h.streams.Put(streamKey{s.Flow, id}, st)
		st.files[d] = h.newFile(s, f, id, clientToServer, fmt.Sprintf("stream%d", id), "", nil)
	}
	st.last = f
	switch {
	case st.doh[d]:
		if len(st.dohBuf[d])+len(data) > maxDNSMessage {
			h.env.Anomaly(f, Name, s.Flow, "stream %d: DNS message exceeds %d bytes", id, maxDNSMessage)
			st.doh[d] = false
			st.dohBuf[d] = nil
			break
		}
		st.dohBuf[d] = append(st.dohBuf[d], data...)
	case st.files[d] != nil:
		if err := st.files[d].WriteAt(st.offsets[d], data); err != nil {
			h.log.Debug("stream write failed", "flow", s.Flow.String(), "stream", id, "error", err)
		}
		st.offsets[d] += int64(len(data))
	}
	if endStream {
		h.finish(s, f, id, st, d)
	}
}

// finish completes one direction of a stream.
func (h *Handler) finish(s *types.Session, f *packet.Frame, id uint32, st *stream, d int) {
	if st.ended[d] {
		return
	}
	st.ended[d] = true
	if st.files[d] != nil {
		st.files[d].AssembleAndClose()
		st.files[d] = nil
	}
	if st.doh[d] && len(st.dohBuf[d]) > 0 {
		h.dns(s, d == 0, f, st.dohBuf[d])
		st.dohBuf[d] = nil
	}
	if st.ended[0] && st.ended[1] {
		h.streams.Remove(streamKey{s.Flow, id})
	}
}

func (h *Handler) reset(s *types.Session, f *packet.Frame, id uint32, code uint32) {
	st, ok := h.streams.Remove(streamKey{s.Flow, id})
	if !ok {
		return
	}
	for d, a := range st.files {
		if a == nil {
			continue
		}
		a.MarkTruncated()
		a.AssembleAndClose()
		st.files[d] = nil
	}
	h.env.Anomaly(f, Name, s.Flow, "stream %d reset with error code %d", id, code)
}

func (h *Handler) dns(s *types.Session, clientToServer bool, f *packet.Frame, raw []byte) {
	if h.onDNS == nil {
		return
	}
	if err := h.onDNS(s, clientToServer, f, raw); err != nil {
		h.env.Anomaly(f, Name, s.Flow, "DNS over HTTPS: %v", err)
	}
}

// Reset drops every connection and stream.
func (h *Handler) Reset() {
	h.conns.Clear()
	h.streams.Clear()
}
