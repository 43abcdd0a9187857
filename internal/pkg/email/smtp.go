package email

import (
	"bytes"
	"encoding/base64"
	"log/slog"
	"strconv"
	"strings"

	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/cache"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/constants"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/events"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/handler"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/packet"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/reassembly"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/types"
)

// SMTPName identifies the SMTP handler.
const SMTPName = "SMTP"

type smtpState uint8

const (
	smtpNone smtpState = iota
	// AUTH LOGIN sent, the next client line is the username
	smtpAuthLogin
	// username known, the next client line is the password
	smtpUsername
	// credentials complete, waiting for 235
	smtpPassword
	smtpAuthenticated
	smtpData
	// DATA terminated, waiting for the server to accept the message
	smtpFooter
	smtpStartTLSRequested
	smtpTLSEncrypted
)

type smtpSession struct {
	session      *types.Session
	state        smtpState
	plainPending bool
	username     string
	password     string
	data         *reassembly.Terminator
	bannerSeen   bool
	frame        *packet.Frame
}

// SMTPHandler follows SMTP sessions to extract AUTH credentials and the
// emails sent with DATA.
type SMTPHandler struct {
	handler.Base
	env      *handler.Env
	log      *slog.Logger
	sessions *cache.LRU[types.FiveTuple, *smtpSession]
}

// NewSMTPHandler creates the SMTP handler.
func NewSMTPHandler(env *handler.Env) *SMTPHandler {
	h := &SMTPHandler{
		Base: handler.NewBase(SMTPName, packet.KindSMTP),
		env:  env,
		log:  env.Log(SMTPName),
	}
	h.sessions = cache.New[types.FiveTuple, *smtpSession](env.StateCapacity(), h.evicted).
		WithEvictionCounter(env.Metrics.Eviction("smtp_sessions"))
	return h
}

func (h *SMTPHandler) evicted(_ types.FiveTuple, st *smtpSession, reason cache.EvictReason) {
	if reason != cache.Capacity || st.state != smtpData || st.data == nil || st.data.Len() == 0 {
		return
	}
	h.env.Anomaly(st.frame, SMTPName, st.session.Flow, "session evicted during DATA, flushing %d bytes", st.data.Len())
	publish(h.env, st.session, true, st.frame, SMTPName, types.ArtifactSMTP, unstuff(st.data.Bytes()), true)
}

// ExtractData consumes complete command and response lines. While a DATA
// block is open every client byte up to the end-of-data marker is
// consumed.
func (h *SMTPHandler) ExtractData(s *types.Session, clientToServer bool, pkts []packet.Packet) int {
	p, ok := packet.Find[*SMTPPacket](pkts)
	if !ok {
		return 0
	}
	st, _ := h.sessions.GetOrAdd(s.Flow, func() *smtpSession { return &smtpSession{session: s} })
	st.frame = p.Frame()
	if st.state == smtpTLSEncrypted {
		return len(p.Payload())
	}

	data := p.Payload()
	consumed := 0
	for consumed < len(data) {
		rest := data[consumed:]
		if clientToServer && st.state == smtpData {
			consumed += h.addData(s, st, rest)
			continue
		}
		n := lineAt(rest)
		if n < 0 {
			if len(rest) > constants.MaxLineLength {
				h.env.Anomaly(p.Frame(), SMTPName, s.Flow, "line longer than %d bytes", constants.MaxLineLength)
				consumed = len(data)
			}
			break
		}
		line := strings.TrimRight(string(rest[:n]), "\r\n")
		consumed += n
		if clientToServer {
			h.clientLine(s, st, line)
		} else {
			h.serverLine(s, st, line)
		}
		if st.state == smtpTLSEncrypted {
			return len(data)
		}
	}
	return consumed
}

func (h *SMTPHandler) addData(s *types.Session, st *smtpSession, data []byte) int {
	if st.data.Len() == 0 && bytes.HasPrefix(data, []byte(".\r\n")) {
		// empty message
		st.state = smtpFooter
		return 3
	}
	n := st.data.AddData(data)
	if st.data.TerminatorFound() {
		truncated := st.data.Overflowed()
		if truncated {
			h.env.Anomaly(st.frame, SMTPName, s.Flow, "email exceeds %d bytes, truncated", constants.MaxEmailSize)
		}
		publish(h.env, s, true, st.frame, SMTPName, types.ArtifactSMTP, unstuff(st.data.Bytes()), truncated)
		st.data.Reset()
		st.state = smtpFooter
	}
	return n
}

func (h *SMTPHandler) clientLine(s *types.Session, st *smtpSession, line string) {
	switch st.state {
	case smtpAuthLogin:
		st.username = decodeBase64(line)
		st.state = smtpUsername
		return
	case smtpUsername:
		st.password = decodeBase64(line)
		st.state = smtpPassword
		return
	}
	if st.plainPending {
		st.plainPending = false
		st.username, st.password = decodePlain(line)
		st.state = smtpPassword
		return
	}

	upper := strings.ToUpper(line)
	fields := strings.Fields(line)
	switch {
	case strings.HasPrefix(upper, "EHLO ") || strings.HasPrefix(upper, "HELO "):
		h.param(s, st, true, fields[0], strings.TrimSpace(line[5:]))
	case strings.HasPrefix(upper, "MAIL FROM:"):
		h.param(s, st, true, "MAIL FROM", extractAddress(line[10:]))
	case strings.HasPrefix(upper, "RCPT TO:"):
		h.param(s, st, true, "RCPT TO", extractAddress(line[8:]))
	case strings.HasPrefix(upper, "AUTH LOGIN"):
		if len(fields) > 2 {
			st.username = decodeBase64(fields[2])
			st.state = smtpUsername
		} else {
			st.state = smtpAuthLogin
		}
	case strings.HasPrefix(upper, "AUTH PLAIN"):
		if len(fields) > 2 {
			st.username, st.password = decodePlain(fields[2])
			st.state = smtpPassword
		} else {
			st.plainPending = true
		}
	case upper == "DATA":
		st.state = smtpData
		if st.data == nil {
			st.data = reassembly.NewTerminator(reassembly.SMTPDataTerminator, 2, constants.MaxEmailSize)
		}
		st.data.Reset()
	case upper == "STARTTLS":
		st.state = smtpStartTLSRequested
	case upper == "RSET":
		if st.state == smtpFooter {
			st.state = smtpNone
		}
	}
}

func (h *SMTPHandler) serverLine(s *types.Session, st *smtpSession, line string) {
	if len(line) < 3 {
		return
	}
	code, err := strconv.Atoi(line[:3])
	if err != nil {
		return
	}
	text := ""
	if len(line) > 4 {
		text = strings.TrimSpace(line[4:])
	}

	switch {
	case code == 220 && st.state == smtpStartTLSRequested:
		s.SetProtocol(types.ProtocolTLS)
		st.state = smtpTLSEncrypted
		h.log.Debug("SMTP session upgraded to TLS", "flow", s.Flow.String())
	case code == 220 && !st.bannerSeen:
		st.bannerSeen = true
		if text != "" {
			s.Server.AddBanner("SMTP: " + text)
		}
	case code == 235:
		if st.username != "" || st.password != "" {
			h.env.Credential(st.frame, s.Flow.ClientIP, s.Flow.ServerIP, SMTPName, st.username, st.password, false, "")
		}
		st.username, st.password = "", ""
		st.state = smtpAuthenticated
	case code == 250 && st.state == smtpFooter:
		st.state = smtpNone
	case code >= 500 && st.state == smtpStartTLSRequested:
		st.state = smtpNone
	case code >= 500 && st.state >= smtpAuthLogin && st.state <= smtpPassword:
		st.username, st.password = "", ""
		st.plainPending = false
		st.state = smtpNone
	case code >= 500 && st.state == smtpData && st.data.Len() == 0:
		// DATA refused
		st.state = smtpNone
	}
}

func (h *SMTPHandler) param(s *types.Session, st *smtpSession, clientToServer bool, name, value string) {
	if value == "" {
		return
	}
	h.env.Parameters(st.frame, s, clientToServer, "SMTP", []events.NameValue{{Name: name, Value: value}})
}

// Reset drops every session without emitting partial emails.
func (h *SMTPHandler) Reset() {
	h.sessions.Clear()
}

func decodeBase64(s string) string {
	s = strings.TrimSpace(s)
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		if b, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "=")); err != nil {
			return ""
		}
	}
	return string(b)
}

// decodePlain splits a SASL PLAIN response: authzid NUL authcid NUL passwd.
func decodePlain(s string) (user, pass string) {
	parts := strings.Split(decodeBase64(s), "\x00")
	if len(parts) != 3 {
		return "", ""
	}
	return parts[1], parts[2]
}

func extractAddress(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '<'); i >= 0 {
		if j := strings.IndexByte(s[i:], '>'); j > 0 {
			return s[i+1 : i+j]
		}
	}
	if i := strings.IndexByte(s, ' '); i >= 0 {
		s = s[:i]
	}
	return strings.Trim(s, "<>")
}
