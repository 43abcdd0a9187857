package c2

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/netip"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/assembler"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/cache"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/constants"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/events"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/handler"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/packet"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/types"
)

// NjRATName identifies the njRAT handler.
const NjRATName = "njRAT"

// DefaultSplitter separates the fields of stock njRAT builds.
const DefaultSplitter = "|'|'|"

const (
	maxLengthDigits = 10
	maxTails        = 16
	maxTailWindow   = 256
	maxSplitterLen  = 32
	maxSamples      = 16
	maxSampleTail   = 4096
	maxUnknown      = 64
)

// NjRATPacket is a run of complete "<length>\0<message>" records.
type NjRATPacket struct {
	packet.Base
	Messages [][]byte
	// Length counts the bytes of every complete record.
	Length int
}

func (*NjRATPacket) Kind() packet.Kind { return packet.KindNjRAT }

func lengthPrefix(b []byte) (n, used int, err error) {
	end := -1
	for i := 0; i < len(b) && i <= maxLengthDigits; i++ {
		if b[i] == 0 {
			end = i
			break
		}
		if b[i] < '0' || b[i] > '9' {
			return 0, 0, ErrMalformed
		}
	}
	if end < 0 {
		if len(b) > maxLengthDigits {
			return 0, 0, ErrMalformed
		}
		return 0, 0, ErrIncomplete
	}
	if end == 0 {
		return 0, 0, ErrMalformed
	}
	v, err := strconv.Atoi(string(b[:end]))
	if err != nil || v > constants.MaxC2MessageSize {
		return 0, 0, ErrMalformed
	}
	return v, end + 1, nil
}

// LooksLikeNjRAT reports whether payload starts with a length prefix
// followed by a command.
func LooksLikeNjRAT(payload []byte) bool {
	n, used, err := lengthPrefix(payload)
	if err != nil || n == 0 || len(payload) <= used {
		return false
	}
	c := payload[used]
	return c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z'
}

// DecodeNjRAT collects the complete records at the start of payload.
func DecodeNjRAT(f *packet.Frame, payload []byte) (*NjRATPacket, error) {
	p := &NjRATPacket{Base: packet.Base{F: f, Data: payload}}
	rest := payload
	for len(rest) > 0 {
		n, used, err := lengthPrefix(rest)
		if err != nil {
			if p.Length == 0 {
				return nil, err
			}
			break
		}
		if len(rest) < used+n {
			break
		}
		if n > 0 {
			p.Messages = append(p.Messages, rest[used:used+n])
		}
		p.Length += used + n
		rest = rest[used+n:]
	}
	if p.Length == 0 {
		return nil, ErrIncomplete
	}
	return p, nil
}

type fieldEncoding uint8

const (
	plain fieldEncoding = iota
	base64Field
	// raw fields hold file contents and take the rest of the message
	raw
)

type njratField struct {
	name string
	enc  fieldEncoding
	ext  string
}

type njratCommand struct {
	description string
	fields      []njratField
	// fromVictim says which side sends the raw field
	fromVictim bool
}

var njratCommands = map[string]njratCommand{
	"ll": {"victim information", []njratField{
		{"Victim", base64Field, ""},
		{"Computer", plain, ""},
		{"User", plain, ""},
		{"Install Date", plain, ""},
		{"Country", plain, ""},
		{"OS", plain, ""},
		{"Camera", plain, ""},
		{"Version", plain, ""},
		{"Ping", plain, ""},
		{"Active Window", base64Field, ""},
	}, true},
	"act":  {"active window", []njratField{{"Active Window", base64Field, ""}}, true},
	"inf":  {"configuration", []njratField{{"Configuration", base64Field, ""}}, true},
	"CAP":  {"screenshot", []njratField{{"Screenshot", raw, ".jpg"}}, true},
	"kl":   {"keylog", []njratField{{"Keylog", raw, ".txt"}}, true},
	"rn":   {"run file", []njratField{{"Extension", plain, ""}, {"File", raw, ""}}, false},
	"up":   {"update", []njratField{{"File", raw, ".exe"}}, false},
	"MSG":  {"message box", []njratField{{"Message", plain, ""}}, false},
	"P":    {"ping", nil, false},
	"un":   {"uninstall", []njratField{{"Action", plain, ""}}, false},
	"prof": {"registry value", []njratField{{"Action", plain, ""}, {"Name", plain, ""}, {"Value", plain, ""}}, false},
	"RG":   {"registry", []njratField{{"Action", plain, ""}, {"Key", plain, ""}, {"Value", plain, ""}}, false},
	"Ex":   {"plugin command", []njratField{{"Plugin", plain, ""}}, false},
	"ret":  {"plugin result", []njratField{{"Plugin", plain, ""}, {"Result", raw, ".bin"}}, true},
}

func (c njratCommand) hasRaw() bool {
	return len(c.fields) > 0 && c.fields[len(c.fields)-1].enc == raw
}

type njratSample struct {
	cmd  njratCommand
	tail string
}

// splitterStats infers the field separator of one C2 server. The default
// separator holds while it leads most of the distinct message tails seen.
// Otherwise a candidate must recur inside one tail, lead at least two
// distinct tails and split the known-command samples into enough fields.
type splitterStats struct {
	// tails is a ring of distinct tail windows
	tails   []string
	next    int
	seen    map[string]bool
	samples []njratSample
	best    string
	unknown map[string]bool
}

func newSplitterStats() *splitterStats {
	return &splitterStats{best: DefaultSplitter, seen: map[string]bool{}, unknown: map[string]bool{}}
}

// split separates the command from the text after it.
func (st *splitterStats) split(msg string) (cmd, tail string) {
	if i := strings.Index(msg, st.best); i > 0 {
		return msg[:i], msg[i:]
	}
	for name := range njratCommands {
		if strings.HasPrefix(msg, name) && len(name) > len(cmd) {
			cmd = name
		}
	}
	if cmd == "" {
		i := 0
		for i < len(msg) && (msg[i] >= 'A' && msg[i] <= 'Z' || msg[i] >= 'a' && msg[i] <= 'z') {
			i++
		}
		cmd = msg[:i]
	}
	return cmd, msg[len(cmd):]
}

// observe records a message tail. Repeated tails, such as keepalives, are
// recorded once.
func (st *splitterStats) observe(cmd, tail string) {
	if tail == "" {
		return
	}
	window := tail[:min(len(tail), maxTailWindow)]
	if st.seen[window] {
		return
	}
	st.seen[window] = true
	if len(st.tails) < maxTails {
		st.tails = append(st.tails, window)
	} else {
		delete(st.seen, st.tails[st.next])
		st.tails[st.next] = window
		st.next = (st.next + 1) % maxTails
	}
	if known, ok := njratCommands[cmd]; ok && len(st.samples) < maxSamples {
		st.samples = append(st.samples, njratSample{cmd: known, tail: tail[:min(len(tail), maxSampleTail)]})
	}
}

// delimiters returns the prefixes of tail that occur again further on,
// with at least one byte of field content in between.
func delimiters(tail string) []string {
	var out []string
	for n := 1; n <= min(len(tail), maxSplitterLen); n++ {
		c := tail[:n]
		if n+1 < len(tail) && strings.Contains(tail[n+1:], c) {
			out = append(out, c)
		}
	}
	return out
}

// leading counts the distinct tails starting with c.
func (st *splitterStats) leading(c string) int {
	n := 0
	for _, t := range st.tails {
		if strings.HasPrefix(t, c) {
			n++
		}
	}
	return n
}

// valid reports whether most known-command samples split into at least
// the number of fields their command has.
func (st *splitterStats) valid(c string) bool {
	if len(st.samples) == 0 {
		return true
	}
	good := 0
	for _, s := range st.samples {
		if !strings.HasPrefix(s.tail, c) {
			continue
		}
		if strings.Count(s.tail[len(c):], c)+1 >= len(s.cmd.fields) {
			good++
		}
	}
	return good*2 > len(st.samples)
}

// infer keeps the default separator while it fits. Otherwise it ranks the
// recurring candidates by the number of tails they lead, then by length,
// and switches to the first one the samples agree with.
func (st *splitterStats) infer() {
	if len(st.tails) == 0 {
		return
	}
	if st.leading(DefaultSplitter)*2 > len(st.tails) {
		st.best = DefaultSplitter
		return
	}
	support := map[string]int{}
	for _, t := range st.tails {
		for _, c := range delimiters(t) {
			if _, ok := support[c]; !ok {
				support[c] = st.leading(c)
			}
		}
	}
	candidates := make([]string, 0, len(support))
	for c, n := range support {
		if n >= 2 {
			candidates = append(candidates, c)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if support[a] != support[b] {
			return support[a] > support[b]
		}
		if len(a) != len(b) {
			return len(a) > len(b)
		}
		return a < b
	})
	for _, c := range candidates {
		if st.valid(c) {
			st.best = c
			return
		}
	}
}

// NjRAT interprets njRAT commands and extracts the files they carry.
type NjRAT struct {
	handler.Base
	env *handler.Env
	log *slog.Logger

	mu      sync.Mutex
	servers *cache.LRU[netip.AddrPort, *splitterStats]
}

// NewNjRAT creates the njRAT handler.
func NewNjRAT(env *handler.Env) *NjRAT {
	return &NjRAT{
		Base: handler.NewBase(NjRATName, packet.KindNjRAT),
		env:  env,
		log:  env.Log(NjRATName),
		servers: cache.New[netip.AddrPort, *splitterStats](env.StateCapacity(), nil).
			WithEvictionCounter(env.Metrics.Eviction("njrat_servers")),
	}
}

// Splitter returns the separator currently inferred for a C2 server.
func (h *NjRAT) Splitter(server netip.AddrPort) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if st, ok := h.servers.Peek(server); ok {
		return st.best
	}
	return DefaultSplitter
}

// ExtractData observes every message of the packet before interpreting
// them so the splitter inference sees them all.
func (h *NjRAT) ExtractData(s *types.Session, clientToServer bool, pkts []packet.Packet) int {
	p, ok := packet.Find[*NjRATPacket](pkts)
	if !ok {
		return 0
	}
	s.CompareAndSetProtocol(types.ProtocolUnknown, types.ProtocolNjRAT)
	f := p.Frame()

	h.mu.Lock()
	defer h.mu.Unlock()
	server := netip.AddrPortFrom(s.Flow.ServerIP, s.Flow.ServerPort)
	st, _ := h.servers.GetOrAdd(server, newSplitterStats)
	for _, m := range p.Messages {
		st.observe(st.split(string(m)))
	}
	st.infer()
	for _, m := range p.Messages {
		h.message(st, s, clientToServer, f, string(m))
	}
	return p.Length
}

// Reset forgets every inferred splitter.
func (h *NjRAT) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.servers.Clear()
}

func (h *NjRAT) message(st *splitterStats, s *types.Session, clientToServer bool, f *packet.Frame, msg string) {
	cmd, tail := st.split(msg)
	known, ok := njratCommands[cmd]
	if !ok && !st.unknown[cmd] && len(st.unknown) < maxUnknown {
		st.unknown[cmd] = true
		h.env.Anomaly(f, NjRATName, s.Flow, "unknown njRAT command %q", printable(cmd))
	}

	var parts []string
	switch {
	case tail == "":
	case !strings.HasPrefix(tail, st.best):
		parts = []string{tail}
		known = njratCommand{}
	case ok && known.hasRaw() && known.fromVictim == clientToServer:
		parts = strings.SplitN(tail[len(st.best):], st.best, len(known.fields))
	default:
		parts = strings.Split(tail[len(st.best):], st.best)
	}
	rawOK := known.fromVictim == clientToServer

	params := []events.NameValue{{Name: "Command", Value: printable(cmd)}}
	if known.description != "" {
		params = append(params, events.NameValue{Name: "Description", Value: known.description})
	}
	values := map[string]string{}
	for i, part := range parts {
		if i >= len(known.fields) {
			if part != "" {
				params = append(params, events.NameValue{Name: fmt.Sprintf("Field %d", i+1), Value: printable(part)})
			}
			continue
		}
		fd := known.fields[i]
		var v string
		switch fd.enc {
		case base64Field:
			v = part
			if dec, err := base64.StdEncoding.DecodeString(part); err == nil {
				v = string(dec)
			}
		case raw:
			if !rawOK {
				v = part
				break
			}
			ext := fd.ext
			if e := values["Extension"]; ext == "" && e != "" {
				ext = "." + strings.TrimPrefix(e, ".")
			}
			h.artifact(s, clientToServer, f, cmd, ext, []byte(part))
			v = fmt.Sprintf("%d bytes", len(part))
		default:
			v = part
		}
		values[fd.name] = v
		params = append(params, events.NameValue{Name: fd.name, Value: printable(v)})
	}
	h.env.Parameters(f, s, clientToServer, "njRAT "+printable(cmd), params)

	if cmd == "ll" && clientToServer {
		victim := s.Client
		if c := values["Computer"]; c != "" {
			victim.AddHostname(c)
		}
		for _, d := range []struct{ key, field string }{
			{"njRAT Victim", "Victim"},
			{"njRAT User", "User"},
			{"njRAT OS", "OS"},
			{"njRAT Version", "Version"},
		} {
			if v := values[d.field]; v != "" {
				victim.AddDetail(d.key, printable(v))
			}
		}
	}
}

func (h *NjRAT) artifact(s *types.Session, clientToServer bool, f *packet.Frame, cmd, ext string, data []byte) {
	ok := h.env.Artifact(f, assembler.Options{
		Flow:           s.Flow,
		ClientToServer: clientToServer,
		Kind:           types.ArtifactC2,
		Filename:       fmt.Sprintf("njRAT_%s_%d%s", cmd, f.Number, ext),
		Location:       handler.FileLocation(s, clientToServer, NjRATName),
		Details:        "njRAT " + njratCommands[cmd].description,
	}, data)
	if !ok {
		h.log.Debug("Artifact dropped", "flow", s.Flow.String(), "frame", f.Number, "command", cmd)
	}
}
