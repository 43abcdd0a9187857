package voip

import (
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"sync"

	"github.com/google/gopacket/layers"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/cache"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/events"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/handler"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/http"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/packet"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/types"
)

// Name identifies the SIP handler.
const Name = "SIP"

// call is one SIP dialog and the media negotiated for it.
type call struct {
	id          string
	from, to    string
	session     *types.Session
	start       *packet.Frame
	last        *packet.Frame
	established bool
	endpoints   []netip.AddrPort
	codecs      map[uint8]string
	streams     map[streamKey]*stream
	flows       []types.FiveTuple
}

func (c *call) addMediaFlow(flow types.FiveTuple) {
	for _, f := range c.flows {
		if f.EqualsIgnoreDirection(flow) {
			return
		}
	}
	c.flows = append(c.flows, flow)
}

// tracker is shared by the SIP and RTP handlers. Every cache operation
// runs with mu held, so the eviction callback never locks.
type tracker struct {
	mu        sync.Mutex
	calls     *cache.LRU[string, *call]
	endpoints map[netip.AddrPort]*call
	// ports indexes media by port alone, for endpoints behind NAT
	ports map[uint16]*call
}

func (t *tracker) index(c *call, ep netip.AddrPort) {
	for _, e := range c.endpoints {
		if e == ep {
			return
		}
	}
	c.endpoints = append(c.endpoints, ep)
	t.endpoints[ep] = c
	t.ports[ep.Port()] = c
}

func (t *tracker) unindex(c *call) {
	for _, ep := range c.endpoints {
		if t.endpoints[ep] == c {
			delete(t.endpoints, ep)
		}
		if t.ports[ep.Port()] == c {
			delete(t.ports, ep.Port())
		}
	}
}

// lookup finds the call a datagram between src and dst belongs to.
func (t *tracker) lookup(flow types.FiveTuple, src, dst netip.AddrPort) *call {
	if flow.Transport != types.TransportUDP {
		return nil
	}
	if c, ok := t.endpoints[dst]; ok {
		return c
	}
	if c, ok := t.endpoints[src]; ok {
		return c
	}
	if src.Port() < 1024 || dst.Port() < 1024 {
		return nil
	}
	if c, ok := t.ports[dst.Port()]; ok {
		return c
	}
	if c, ok := t.ports[src.Port()]; ok {
		return c
	}
	return nil
}

// Handler follows SIP signalling. It publishes message parameters and
// digest credentials, and tracks calls so the RTP handler can attach the
// media to them.
type Handler struct {
	handler.Base
	env     *handler.Env
	log     *slog.Logger
	tracker *tracker
	rtp     *RTPHandler
}

// NewHandler creates the SIP handler together with its RTP companion.
func NewHandler(env *handler.Env) *Handler {
	h := &Handler{
		Base: handler.NewBase(Name, packet.KindSIP),
		env:  env,
		log:  env.Log(Name),
	}
	h.tracker = &tracker{
		endpoints: make(map[netip.AddrPort]*call),
		ports:     make(map[uint16]*call),
	}
	h.tracker.calls = cache.New[string, *call](env.StateCapacity(), h.evicted).
		WithEvictionCounter(env.Metrics.Eviction("sip_calls"))
	h.rtp = &RTPHandler{
		Base:    handler.NewBase(RTPName, packet.KindUDP),
		env:     env,
		log:     env.Log(RTPName),
		tracker: h.tracker,
	}
	return h
}

// RTP returns the handler collecting the media of tracked calls. It must
// be registered after every other UDP handler.
func (h *Handler) RTP() *RTPHandler {
	return h.rtp
}

func (h *Handler) evicted(id string, c *call, reason cache.EvictReason) {
	if reason != cache.Capacity {
		h.tracker.unindex(c)
		return
	}
	h.env.Anomaly(c.last, Name, c.session.Flow, "call %s evicted before BYE", id)
	h.finish(c, c.last, true)
}

// ExtractData consumes one SIP message.
func (h *Handler) ExtractData(s *types.Session, clientToServer bool, pkts []packet.Packet) int {
	p, ok := packet.Find[*Packet](pkts)
	if !ok {
		return 0
	}
	f := p.Frame()
	msg := p.Msg
	method := p.Method()

	h.parameters(s, clientToServer, f, p)
	if ua := msg.GetUserAgent(); ua != "" {
		s.SourceHost(clientToServer).AddDetail("SIP User-Agent", ua)
	}
	if server := msg.GetFirstHeader("server"); server != "" {
		s.SourceHost(clientToServer).AddDetail("SIP Server", server)
	}
	for _, name := range []string{"authorization", "proxy-authorization"} {
		if v := msg.GetFirstHeader(name); v != "" {
			h.digest(s, clientToServer, f, method, v)
		}
	}

	id := msg.GetCallID()
	if id == "" {
		return p.Length
	}
	t := h.tracker
	t.mu.Lock()
	defer t.mu.Unlock()

	var c *call
	if !msg.IsResponse && msg.Method == layers.SIPMethodInvite {
		c, _ = t.calls.GetOrAdd(id, func() *call {
			return &call{
				id:      id,
				from:    sipAddress(msg.GetFrom()),
				to:      sipAddress(msg.GetTo()),
				session: s,
				start:   f,
				codecs:  make(map[uint8]string),
				streams: make(map[streamKey]*stream),
			}
		})
	} else if existing, ok := t.calls.Get(id); ok {
		c = existing
	}
	if c == nil {
		return p.Length
	}
	c.last = f

	if len(p.Body) > 0 && strings.Contains(strings.ToLower(msg.GetFirstHeader("content-type")), "application/sdp") {
		sd := ParseSDP(p.Body)
		for pt, name := range sd.Codecs {
			c.codecs[pt] = name
		}
		for _, ep := range sd.AudioEndpoints() {
			t.index(c, ep)
		}
	}

	switch {
	case msg.IsResponse && msg.Method == layers.SIPMethodInvite:
		code := msg.ResponseCode
		if code >= 200 && code < 300 {
			c.established = true
		} else if code >= 300 && code != 401 && code != 407 {
			t.calls.Remove(id)
			h.finish(c, f, false)
		}
	case !msg.IsResponse && (msg.Method == layers.SIPMethodBye || msg.Method == layers.SIPMethodCancel):
		t.calls.Remove(id)
		h.finish(c, f, false)
	}
	return p.Length
}

// CloseSession finishes the calls signalled over s that never saw a BYE.
func (h *Handler) CloseSession(s *types.Session) {
	t := h.tracker
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range t.calls.Keys() {
		c, ok := t.calls.Peek(id)
		if !ok || c.session.Flow != s.Flow {
			continue
		}
		t.calls.Remove(id)
		h.finish(c, c.last, true)
	}
}

// Reset drops every tracked call without emitting audio.
func (h *Handler) Reset() {
	t := h.tracker
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls.Clear()
	t.endpoints = make(map[netip.AddrPort]*call)
	t.ports = make(map[uint16]*call)
}

// finish emits the audio of c and its call summary. Callers hold the
// tracker lock and have already removed c from the cache.
func (h *Handler) finish(c *call, f *packet.Frame, truncated bool) {
	h.tracker.unindex(c)
	flushAudio(h.env, c, f, truncated)
	h.env.Bus.Emit(events.TypeVoIPCall, f.Number, f.Timestamp, &events.VoIPCall{
		CallID:      c.id,
		From:        c.from,
		To:          c.to,
		Start:       callTime(c.start),
		End:         callTime(f),
		MediaFlows:  c.flows,
		Established: c.established,
	})
	h.log.Debug("Call finished", "call_id", c.id, "streams", len(c.streams), "truncated", truncated)
}

func (h *Handler) parameters(s *types.Session, clientToServer bool, f *packet.Frame, p *Packet) {
	msg := p.Msg
	label := "SIP " + p.Method()
	var params []events.NameValue
	if msg.IsResponse {
		label = fmt.Sprintf("SIP %d %s", msg.ResponseCode, msg.ResponseStatus)
	} else if msg.RequestURI != "" {
		params = append(params, events.NameValue{Name: "Request-URI", Value: msg.RequestURI})
	}
	for _, name := range []string{"From", "To", "Call-ID", "Contact", "User-Agent", "Server", "Subject"} {
		if v := msg.GetFirstHeader(name); v != "" {
			params = append(params, events.NameValue{Name: name, Value: v})
		}
	}
	h.env.Parameters(f, s, clientToServer, label, params)
}

// digest publishes a Digest authorization in hashcat's SIP format.
func (h *Handler) digest(s *types.Session, clientToServer bool, f *packet.Frame, method, value string) {
	scheme, rest, ok := strings.Cut(strings.TrimSpace(value), " ")
	if !ok || !strings.EqualFold(scheme, "Digest") {
		return
	}
	params := http.DigestParams(rest)
	user := params["username"]
	if user == "" || params["response"] == "" {
		return
	}
	if alg := params["algorithm"]; alg != "" && !strings.EqualFold(alg, "MD5") {
		h.log.Debug("Unsupported digest algorithm", "flow", s.Flow.String(), "algorithm", alg)
		return
	}
	client, _ := s.Flow.Source(clientToServer)
	server, _ := s.Flow.Destination(clientToServer)
	prefix, resource, suffix := splitURI(params["uri"])
	hash := strings.Join([]string{
		"$sip$", server.String(), client.String(), user, params["realm"], method,
		prefix, resource, suffix, params["nonce"], params["cnonce"], params["nc"],
		params["qop"], "MD5", params["response"],
	}, "*")
	h.env.Credential(f, client, server, "SIP", user, hash, true, params["realm"])
}

// splitURI splits "sip:user@host:port;params" into scheme, resource and
// port.
func splitURI(uri string) (string, string, string) {
	scheme, rest, ok := strings.Cut(uri, ":")
	if !ok {
		return "", uri, ""
	}
	rest, _, _ = strings.Cut(rest, ";")
	at := strings.LastIndexByte(rest, '@')
	if i := strings.LastIndexByte(rest, ':'); i > at {
		return scheme, rest[:i], rest[i+1:]
	}
	return scheme, rest, ""
}

// sipAddress returns the URI of a From or To header, without display name
// and tag.
func sipAddress(v string) string {
	if i := strings.IndexByte(v, '<'); i >= 0 {
		if j := strings.IndexByte(v[i:], '>'); j > 0 {
			return v[i+1 : i+j]
		}
	}
	addr, _, _ := strings.Cut(v, ";")
	return strings.TrimSpace(addr)
}
