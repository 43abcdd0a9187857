package email

import (
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/cache"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/constants"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/handler"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/packet"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/types"
)

// IMAPName identifies the IMAP handler.
const IMAPName = "IMAP"

var literalRe = regexp.MustCompile(`\{(\d+)\+?\}$`)

type imapCommand struct {
	tag  string
	verb string
	line string
}

type imapSession struct {
	last             imapCommand
	authPlainPending bool
	startTLSTag      string
	bannerSeen       bool
}

// literal is an email being read from an IMAP literal. buf never grows
// past the capacity derived from the announced size.
type literal struct {
	session        *types.Session
	clientToServer bool
	frame          *packet.Frame
	buf            []byte
	size           int
	received       int
	// parenthesis depth still open around the literal
	depth int
}

func (l *literal) filled() bool { return l.received >= l.size }

func (l *literal) add(data []byte) int {
	n := l.size - l.received
	if n > len(data) {
		n = len(data)
	}
	if room := cap(l.buf) - len(l.buf); room > 0 {
		keep := n
		if keep > room {
			keep = room
		}
		l.buf = append(l.buf, data[:keep]...)
	}
	l.received += n
	return n
}

func newLiteral(s *types.Session, clientToServer bool, f *packet.Frame, size, depth int) *literal {
	capacity := size
	if capacity > constants.MaxEmailSize {
		capacity = constants.MaxEmailSize
	}
	return &literal{
		session:        s,
		clientToServer: clientToServer,
		frame:          f,
		buf:            make([]byte, 0, capacity),
		size:           size,
		depth:          depth,
	}
}

// IMAPHandler extracts LOGIN and AUTHENTICATE PLAIN credentials and the
// emails carried by APPEND and FETCH literals.
type IMAPHandler struct {
	handler.Base
	env      *handler.Env
	log      *slog.Logger
	sessions *cache.LRU[types.FiveTuple, *imapSession]
	// appends holds client-to-server literals, fetches server-to-client ones
	appends *cache.LRU[types.FiveTuple, *literal]
	fetches *cache.LRU[types.FiveTuple, *literal]
	pending atomic.Int64
}

// NewIMAPHandler creates the IMAP handler.
func NewIMAPHandler(env *handler.Env) *IMAPHandler {
	h := &IMAPHandler{
		Base: handler.NewBase(IMAPName, packet.KindIMAP),
		env:  env,
		log:  env.Log(IMAPName),
	}
	h.sessions = cache.New[types.FiveTuple, *imapSession](env.StateCapacity(), nil).
		WithEvictionCounter(env.Metrics.Eviction("imap_sessions"))
	h.appends = cache.New[types.FiveTuple, *literal](env.StateCapacity(), h.literalEvicted)
	h.fetches = cache.New[types.FiveTuple, *literal](env.StateCapacity(), h.literalEvicted)
	return h
}

// CanParse also accepts bare TCP slices while a literal is being read.
func (h *IMAPHandler) CanParse(present packet.KindSet) bool {
	if h.Base.CanParse(present) {
		return true
	}
	return present.Has(packet.KindTCP) && h.pending.Load() > 0
}

func (h *IMAPHandler) literalEvicted(_ types.FiveTuple, l *literal, reason cache.EvictReason) {
	h.pending.Add(-1)
	if reason != cache.Capacity || l.filled() || l.received == 0 {
		return
	}
	h.env.Anomaly(l.frame, IMAPName, l.session.Flow, "literal evicted after %d of %d bytes", l.received, l.size)
	publish(h.env, l.session, l.clientToServer, l.frame, IMAPName, types.ArtifactIMAP, l.buf, true)
}

func (h *IMAPHandler) literals(clientToServer bool) *cache.LRU[types.FiveTuple, *literal] {
	if clientToServer {
		return h.appends
	}
	return h.fetches
}

func (h *IMAPHandler) startLiteral(s *types.Session, clientToServer bool, f *packet.Frame, size, depth int) {
	if size > constants.MaxEmailSize {
		h.env.Anomaly(f, IMAPName, s.Flow, "literal of %d bytes exceeds %d, truncating", size, constants.MaxEmailSize)
	}
	m := h.literals(clientToServer)
	if old, ok := m.Remove(s.Flow); ok {
		h.pending.Add(-1)
		h.log.Debug("Replacing unfinished literal", "flow", s.Flow.String(), "received", old.received)
	}
	h.pending.Add(1)
	m.Put(s.Flow, newLiteral(s, clientToServer, f, size, depth))
}

func (h *IMAPHandler) endLiteral(s *types.Session, clientToServer bool) {
	if _, ok := h.literals(clientToServer).Remove(s.Flow); ok {
		h.pending.Add(-1)
	}
}

// ExtractData consumes complete lines and literal bytes.
func (h *IMAPHandler) ExtractData(s *types.Session, clientToServer bool, pkts []packet.Packet) int {
	var data []byte
	var f *packet.Frame
	if p, ok := packet.Find[*IMAPPacket](pkts); ok {
		data, f = p.Payload(), p.Frame()
	} else if t, ok := packet.Find[*packet.TCP](pkts); ok && h.literals(clientToServer).Contains(s.Flow) {
		data, f = t.Payload(), t.Frame()
	} else {
		return 0
	}

	st, _ := h.sessions.GetOrAdd(s.Flow, func() *imapSession { return &imapSession{} })
	consumed := 0
	for consumed < len(data) {
		rest := data[consumed:]

		if lit, ok := h.literals(clientToServer).Get(s.Flow); ok {
			if !lit.filled() {
				lit.frame = f
				consumed += lit.add(rest)
				if lit.filled() {
					publish(h.env, s, clientToServer, f, IMAPName, types.ArtifactIMAP, lit.buf, lit.size > len(lit.buf))
				}
				continue
			}
			n := lineAt(rest)
			if n < 0 {
				break
			}
			consumed += n
			line := strings.TrimRight(string(rest[:n]), "\r\n")
			h.afterLiteral(s, clientToServer, f, lit, line)
			continue
		}

		n := lineAt(rest)
		if n < 0 {
			if len(rest) > constants.MaxLineLength {
				h.env.Anomaly(f, IMAPName, s.Flow, "line longer than %d bytes", constants.MaxLineLength)
				consumed = len(data)
			}
			break
		}
		consumed += n
		line := strings.TrimRight(string(rest[:n]), "\r\n")
		if clientToServer {
			h.clientLine(s, st, f, line)
		} else {
			h.serverLine(s, st, f, line)
		}
		if s.Protocol() == types.ProtocolTLS {
			return len(data)
		}
	}
	return consumed
}

// afterLiteral consumes the remainder of a response or command after a
// literal until the parenthesis opened before it is closed.
func (h *IMAPHandler) afterLiteral(s *types.Session, clientToServer bool, f *packet.Frame, lit *literal, line string) {
	depth := lit.depth + parenDelta(line)
	if size, ok := literalSize(line); ok {
		h.startLiteral(s, clientToServer, f, size, depth)
		return
	}
	if depth <= 0 {
		h.endLiteral(s, clientToServer)
		return
	}
	lit.depth = depth
}

func (h *IMAPHandler) clientLine(s *types.Session, st *imapSession, f *packet.Frame, line string) {
	if st.authPlainPending {
		st.authPlainPending = false
		if user, pass := decodePlain(line); user != "" {
			h.env.Credential(f, s.Flow.ClientIP, s.Flow.ServerIP, IMAPName, user, pass, false, "")
		}
		return
	}

	tag, rest, _ := strings.Cut(line, " ")
	verb, args, _ := strings.Cut(rest, " ")
	verb = strings.ToUpper(verb)
	st.last = imapCommand{tag: tag, verb: verb, line: line}

	switch verb {
	case "LOGIN":
		if fields := parseAStrings(args); len(fields) >= 2 {
			h.env.Credential(f, s.Flow.ClientIP, s.Flow.ServerIP, IMAPName, fields[0], fields[1], false, "")
		}
	case "AUTHENTICATE":
		mech, ir, _ := strings.Cut(args, " ")
		if !strings.EqualFold(mech, "PLAIN") {
			return
		}
		if ir == "" {
			st.authPlainPending = true
			return
		}
		if user, pass := decodePlain(ir); user != "" {
			h.env.Credential(f, s.Flow.ClientIP, s.Flow.ServerIP, IMAPName, user, pass, false, "")
		}
	case "APPEND":
		if size, ok := literalSize(line); ok {
			h.startLiteral(s, true, f, size, parenDelta(line))
		}
	case "STARTTLS":
		st.startTLSTag = tag
	}
}

func (h *IMAPHandler) serverLine(s *types.Session, st *imapSession, f *packet.Frame, line string) {
	if strings.HasPrefix(line, "* ") {
		untagged := line[2:]
		upper := strings.ToUpper(untagged)
		switch {
		case strings.HasPrefix(upper, "OK") && !st.bannerSeen:
			st.bannerSeen = true
			s.Server.AddBanner("IMAP: " + strings.TrimSpace(untagged[2:]))
		case strings.Contains(upper, " FETCH "):
			if st.last.verb != "FETCH" && st.last.verb != "UID" {
				h.log.Debug("FETCH response without FETCH command", "flow", s.Flow.String(), "last", st.last.line)
			}
			if size, ok := literalSize(line); ok {
				h.startLiteral(s, false, f, size, parenDelta(line))
			}
		}
		return
	}
	if strings.HasPrefix(line, "+") {
		return
	}

	tag, rest, _ := strings.Cut(line, " ")
	status, _, _ := strings.Cut(rest, " ")
	if tag == st.startTLSTag && tag != "" {
		st.startTLSTag = ""
		if strings.EqualFold(status, "OK") {
			s.SetProtocol(types.ProtocolTLS)
			h.log.Debug("IMAP session upgraded to TLS", "flow", s.Flow.String())
		}
	}
	if tag == st.last.tag && !strings.EqualFold(status, "OK") && st.last.verb == "APPEND" {
		h.endLiteral(s, true)
	}
}

// Reset discards every session and unfinished literal.
func (h *IMAPHandler) Reset() {
	h.sessions.Clear()
	h.appends.Clear()
	h.fetches.Clear()
}

func literalSize(line string) (int, bool) {
	m := literalRe.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// parenDelta counts unquoted parentheses.
func parenDelta(line string) int {
	depth := 0
	quoted := false
	for i := 0; i < len(line); i++ {
		switch c := line[i]; {
		case c == '\\' && quoted:
			i++
		case c == '"':
			quoted = !quoted
		case c == '(' && !quoted:
			depth++
		case c == ')' && !quoted:
			depth--
		}
	}
	return depth
}

// parseAStrings splits IMAP atoms and quoted strings.
func parseAStrings(s string) []string {
	var out []string
	for i := 0; i < len(s); {
		switch {
		case s[i] == ' ':
			i++
		case s[i] == '"':
			var b strings.Builder
			i++
			for i < len(s) && s[i] != '"' {
				if s[i] == '\\' && i+1 < len(s) {
					i++
				}
				b.WriteByte(s[i])
				i++
			}
			i++
			out = append(out, b.String())
		default:
			j := strings.IndexByte(s[i:], ' ')
			if j < 0 {
				j = len(s) - i
			}
			out = append(out, s[i:i+j])
			i += j
		}
	}
	return out
}
