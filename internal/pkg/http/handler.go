package http

import (
	"encoding/base64"
	"log/slog"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/assembler"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/cache"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/events"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/handler"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/packet"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/types"
)

// Name identifies the HTTP handler.
const Name = "HTTP"

// maxPipelined bounds the requests waiting for a response per flow.
const maxPipelined = 32

type pendingRequest struct {
	method string
	target string
	host   string
	// bare is set when the request path has no file extension
	bare   bool
	file   *assembler.StreamAssembler
}

type httpSession struct {
	requests []*pendingRequest
}

// Handler extracts hostnames, cookies, credentials, form data and
// transferred files from HTTP/1.x.
type Handler struct {
	handler.Base
	env      *handler.Env
	log      *slog.Logger
	sessions *cache.LRU[types.FiveTuple, *httpSession]
}

// NewHandler creates the HTTP handler.
func NewHandler(env *handler.Env) *Handler {
	h := &Handler{
		Base: handler.NewBase(Name, packet.KindHTTP),
		env:  env,
		log:  env.Log(Name),
	}
	h.sessions = cache.New[types.FiveTuple, *httpSession](env.StateCapacity(), func(_ types.FiveTuple, st *httpSession, _ cache.EvictReason) {
		for _, r := range st.requests {
			if r.file != nil && !r.file.IsActive() {
				r.file.Discard()
			}
		}
	}).WithEvictionCounter(env.Metrics.Eviction("http_sessions"))
	return h
}

// CanParse also accepts bare TCP so body bytes reach the active
// assembler.
func (h *Handler) CanParse(present packet.KindSet) bool {
	return present.Intersects(packet.Kinds(packet.KindHTTP, packet.KindTCP))
}

// ExtractData consumes one header block and the body bytes that belong to
// it, or the body bytes an active assembler accepts. An incomplete POST
// body that fits the pending buffer consumes nothing so the request is
// offered again once complete.
func (h *Handler) ExtractData(s *types.Session, clientToServer bool, pkts []packet.Packet) int {
	if p, ok := packet.Find[*Packet](pkts); ok {
		if p.Request {
			return h.request(s, p)
		}
		return h.response(s, p)
	}
	tcp, ok := packet.Find[*packet.TCP](pkts)
	if !ok || s.Protocol() != types.ProtocolHTTP {
		return 0
	}
	a, ok := h.env.Files.Stream(assembler.Key{Flow: s.Flow, ClientToServer: clientToServer})
	if !ok || !a.IsActive() {
		return 0
	}
	n, err := a.AddData(tcp.Payload(), assembler.NoSequence)
	if err != nil {
		return 0
	}
	return n
}

func (h *Handler) request(s *types.Session, p *Packet) int {
	f := p.Frame()
	body := p.Body()
	length := p.ContentLength()
	chunked := p.Chunked()

	// wait for the whole body when it fits the pending buffer, without
	// side effects so the retry does not publish twice
	inline := !chunked && length > 0 && length <= int64(h.env.Config.Capture.MaxPendingBytes)
	if inline && int64(len(body)) < length {
		return 0
	}

	host := HostOnly(p.Get("Host"))
	if host != "" {
		s.Server.AddHostname(host)
	}
	if ua := p.Get("User-Agent"); ua != "" {
		s.Client.AddDetail("User-Agent", ua)
	}
	for _, c := range p.Values("Cookie") {
		h.env.Parameters(f, s, true, "HTTP Cookie", splitCookies(c))
	}
	if auth := p.Get("Authorization"); auth != "" {
		h.authorization(s, f, auth, host)
	}
	if p.Query != "" {
		h.env.Parameters(f, s, true, "HTTP QueryString to "+hostOrIP(host, s), splitPairs(p.Query))
	}

	st, _ := h.sessions.GetOrAdd(s.Flow, func() *httpSession { return &httpSession{} })
	req := &pendingRequest{method: p.Method, target: p.Target, host: host, bare: path.Ext(p.Path) == ""}
	if p.Method != "CONNECT" && p.Method != "HEAD" {
		req.file = h.env.Files.NewStream(assembler.Options{
			Flow:           s.Flow,
			ClientToServer: false,
			Kind:           types.ArtifactHTTPGet,
			Filename:       RequestFilename(p.Target),
			Location:       handler.FileLocation(s, false, Name),
			Details:        hostOrIP(host, s) + p.Path,
			DeclaredLength: -1,
			Frame:          f.Number,
			Time:           f.Timestamp,
		})
		if len(st.requests) == 0 {
			h.env.Files.Register(req.file)
		}
	}
	if len(st.requests) >= maxPipelined {
		h.env.Anomaly(f, Name, s.Flow, "more than %d requests without a response", maxPipelined)
		dropped := st.requests[0]
		st.requests = st.requests[1:]
		if dropped.file != nil {
			dropped.file.Discard()
		}
	}
	st.requests = append(st.requests, req)

	consumed := p.HeaderLength
	switch {
	case inline:
		h.body(s, p, body[:length])
		consumed += int(length)
	case chunked || length > 0:
		consumed += h.streamBody(s, p, host, body, length, chunked)
	}
	return consumed
}

func (h *Handler) authorization(s *types.Session, f *packet.Frame, auth, host string) {
	scheme, rest, _ := strings.Cut(strings.TrimSpace(auth), " ")
	switch strings.ToLower(scheme) {
	case "basic":
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(rest))
		if err != nil {
			h.env.Anomaly(f, Name, s.Flow, "malformed Basic authorization: %v", err)
			return
		}
		user, pass, ok := strings.Cut(string(raw), ":")
		if !ok {
			return
		}
		h.env.Credential(f, s.Flow.ClientIP, s.Flow.ServerIP, "HTTP Basic Authentication", user, pass, false, host)
	case "digest":
		params := DigestParams(rest)
		user := params["username"]
		if user == "" {
			return
		}
		h.env.Credential(f, s.Flow.ClientIP, s.Flow.ServerIP, "HTTP Digest Authentication", user, "response="+params["response"], true, params["realm"])
	}
}

// DigestParams parses the comma separated key=value list of a Digest
// header.
func DigestParams(s string) map[string]string {
	out := make(map[string]string)
	for len(s) > 0 {
		s = strings.TrimLeft(s, " ,")
		key, rest, ok := strings.Cut(s, "=")
		if !ok {
			break
		}
		var value string
		if strings.HasPrefix(rest, `"`) {
			end := strings.IndexByte(rest[1:], '"')
			if end < 0 {
				value, s = rest[1:], ""
			} else {
				value, s = rest[1:end+1], rest[end+2:]
			}
		} else {
			value, s, _ = strings.Cut(rest, ",")
		}
		out[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}
	return out
}

// body handles a complete request body.
func (h *Handler) body(s *types.Session, p *Packet, body []byte) {
	f := p.Frame()
	host := hostOrIP(HostOnly(p.Get("Host")), s)
	ct, params := mediaType(p.Get("Content-Type"))
	label := "HTTP " + p.Method + " to " + host

	var fields []events.NameValue
	switch ct {
	case "application/x-www-form-urlencoded":
		fields = splitPairs(string(body))
	case "application/json":
		var err error
		fields, err = flattenJSON(body)
		if err != nil {
			h.env.Anomaly(f, Name, s.Flow, "malformed JSON body: %v", err)
			h.rawBody(s, p, body)
			return
		}
	case "multipart/form-data":
		var files []formFile
		var err error
		fields, files, err = parseMultipart(body, params["boundary"], h.env.Config.Limits.MaxArtifactSize)
		if err != nil {
			h.env.Anomaly(f, Name, s.Flow, "malformed multipart body: %v", err)
		}
		for _, ff := range files {
			h.env.Artifact(f, assembler.Options{
				Flow:           s.Flow,
				ClientToServer: true,
				Kind:           types.ArtifactMultipart,
				Filename:       sanitize(path.Base(strings.ReplaceAll(ff.Filename, "\\", "/"))),
				Location:       handler.FileLocation(s, true, Name),
				Details:        "form field " + ff.Name + " to " + host + p.Path,
				ContentType:    ff.ContentType,
			}, ff.Data)
		}
	default:
		h.rawBody(s, p, body)
		return
	}

	h.env.Parameters(f, s, true, label, fields)
	if user, pass, ok := findCredential(fields); ok {
		h.env.Credential(f, s.Flow.ClientIP, s.Flow.ServerIP, "HTTP "+p.Method+" form", user, pass, false, host)
	}
}

func (h *Handler) rawBody(s *types.Session, p *Packet, body []byte) {
	h.env.Artifact(p.Frame(), assembler.Options{
		Flow:           s.Flow,
		ClientToServer: true,
		Kind:           types.ArtifactHTTPPost,
		Filename:       RequestFilename(p.Target) + ".post",
		Location:       handler.FileLocation(s, true, Name),
		Details:        hostOrIP(HostOnly(p.Get("Host")), s) + p.Path,
		ContentType:    p.Get("Content-Type"),
		Encoding:       assembler.ParseContentEncoding(p.Get("Content-Encoding")),
	}, body)
}

// streamBody hands a large or chunked request body to a client-to-server
// stream assembler.
func (h *Handler) streamBody(s *types.Session, p *Packet, host string, body []byte, length int64, chunked bool) int {
	f := p.Frame()
	a := h.env.Files.NewStream(assembler.Options{
		Flow:           s.Flow,
		ClientToServer: true,
		Kind:           types.ArtifactHTTPPost,
		Filename:       RequestFilename(p.Target) + ".post",
		Location:       handler.FileLocation(s, true, Name),
		Details:        hostOrIP(host, s) + p.Path,
		ContentType:    p.Get("Content-Type"),
		DeclaredLength: length,
		Chunked:        chunked,
		Encoding:       assembler.ParseContentEncoding(p.Get("Content-Encoding")),
		Frame:          f.Number,
		Time:           f.Timestamp,
	})
	if !a.TryActivate() {
		h.env.Anomaly(f, Name, s.Flow, "request body assembler busy, skipping %s body", p.Method)
		return 0
	}
	if len(body) == 0 {
		return 0
	}
	n, err := a.AddData(body, assembler.NoSequence)
	if err != nil {
		return 0
	}
	return n
}

func (h *Handler) response(s *types.Session, p *Packet) int {
	f := p.Frame()
	if srv := p.Get("Server"); srv != "" {
		s.Server.AddBanner("HTTP: " + srv)
	}
	for _, c := range p.Values("Set-Cookie") {
		h.env.Parameters(f, s, false, "HTTP Set-Cookie", splitCookies(strings.SplitN(c, ";", 2)[0]))
	}

	var req *pendingRequest
	st, ok := h.sessions.Get(s.Flow)
	if ok && len(st.requests) > 0 {
		if p.StatusCode >= 100 && p.StatusCode < 200 && p.StatusCode != 101 {
			// interim response, the request stays pending
			return p.HeaderLength
		}
		req = st.requests[0]
		st.requests = st.requests[1:]
	}
	if req == nil {
		h.env.Anomaly(f, Name, s.Flow, "response %d without a request", p.StatusCode)
		return p.HeaderLength
	}
	if req.method == "CONNECT" {
		if p.StatusCode == 200 {
			// the tunnel carries a new protocol, let the decoder detect it
			s.SetProtocol(types.ProtocolUnknown)
		}
		return p.HeaderLength
	}

	a := req.file
	length := p.ContentLength()
	chunked := p.Chunked()
	noBody := a == nil ||
		p.StatusCode < 200 || p.StatusCode == 204 || p.StatusCode == 304 ||
		(!chunked && length == 0) ||
		(p.StatusCode >= 300 && !chunked && length < 0)
	if noBody {
		if a != nil {
			a.Discard()
		}
		return p.HeaderLength
	}

	if chunked {
		a.SetChunked(true)
	} else {
		a.SetDeclaredLength(length)
	}
	a.SetEncoding(assembler.ParseContentEncoding(p.Get("Content-Encoding")))
	if ct := p.Get("Content-Type"); ct != "" {
		a.SetContentType(ct)
		if req.bare {
			a.SetFilename(a.Filename() + extensionOf(ct))
		}
	}
	if fn := DispositionFilename(p.Get("Content-Disposition")); fn != "" {
		a.SetFilename(fn)
	}
	if p.StatusCode != 200 {
		a.SetDetails(a.Filename() + " (" + p.Version + " " + p.Reason + ")")
	}
	if !a.TryActivate() {
		h.env.Anomaly(f, Name, s.Flow, "response body assembler busy, skipping %s", a.Filename())
		return p.HeaderLength
	}

	body := p.Body()
	if len(body) == 0 {
		return p.HeaderLength
	}
	n, err := a.AddData(body, assembler.NoSequence)
	if err != nil {
		return p.HeaderLength
	}
	return p.HeaderLength + n
}

// extensionOf returns the file extension of a content type.
func extensionOf(contentType string) string {
	mt, _ := mediaType(contentType)
	if m := mimetype.Lookup(mt); m != nil {
		return m.Extension()
	}
	return ""
}

func hostOrIP(host string, s *types.Session) string {
	if host != "" {
		return host
	}
	return s.Flow.ServerIP.String()
}

// Reset drops all pending requests.
func (h *Handler) Reset() {
	h.sessions.Clear()
}
