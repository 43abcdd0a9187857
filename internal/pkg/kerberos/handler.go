package kerberos

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/events"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/handler"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/packet"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/types"
)

// Name identifies the handler.
const Name = "Kerberos"

// Handler turns KDC exchanges into parameters and hashcat credentials.
// It keeps no per-flow state.
type Handler struct {
	handler.Base
	env *handler.Env
	log *slog.Logger
}

// NewHandler creates the Kerberos handler.
func NewHandler(env *handler.Env) *Handler {
	return &Handler{
		Base: handler.NewBase(Name, packet.KindKerberos),
		env:  env,
		log:  env.Log(Name),
	}
}

// ExtractData consumes one message, including its TCP record marker.
func (h *Handler) ExtractData(s *types.Session, clientToServer bool, pkts []packet.Packet) int {
	p, ok := packet.Find[*Packet](pkts)
	if !ok {
		return 0
	}
	f := p.Frame()
	m, err := ParseMessage(p.Message)
	if err != nil {
		h.env.Anomaly(f, Name, s.Flow, "malformed %s: %v", TypeString(p.MessageType()), err)
		if m == nil {
			return p.Length
		}
	}

	switch m.Type {
	case TagASReq, TagTGSReq:
		h.request(s, clientToServer, f, m)
	case TagASRep:
		h.asRep(s, clientToServer, f, m)
	case TagTGSRep:
		h.tgsRep(s, clientToServer, f, m)
	case TagKRBError:
		h.krbError(s, clientToServer, f, m)
	}
	return p.Length
}

func (h *Handler) request(s *types.Session, clientToServer bool, f *packet.Frame, m *Message) {
	user := m.User()
	h.env.Parameters(f, s, clientToServer, "Kerberos "+TypeString(m.Type), nonEmpty(
		"User", user,
		"Realm", m.Realm,
		"SPN", m.SPN(),
	))
	if name, ok := strings.CutSuffix(user, "$"); ok && name != "" {
		// machine account
		s.SourceHost(clientToServer).AddHostname(strings.ToLower(name))
	}
	if m.EncTimestamp == nil || user == "" {
		return
	}
	hash := PreauthHash(user, m.Realm, "", m.EncTimestamp)
	if hash == "" {
		h.log.Debug("Unsupported pre-authentication etype", "flow", s.Flow.String(), "frame", f.Number, "etype", m.EncTimestamp.EType)
		return
	}
	h.env.Credential(f, s.Flow.ClientIP, s.Flow.ServerIP, "Kerberos", user, hash, true, m.Realm)
}

func (h *Handler) asRep(s *types.Session, clientToServer bool, f *packet.Frame, m *Message) {
	user := m.User()
	params := nonEmpty(
		"User", user,
		"Realm", m.Realm,
		"Salt", m.Salt,
	)
	if m.EncPart != nil {
		params = append(params, events.NameValue{Name: "Encryption Type", Value: fmt.Sprint(m.EncPart.EType)})
	}
	h.env.Parameters(f, s, clientToServer, "Kerberos AS-REP", params)
	if m.EncPart == nil || user == "" {
		return
	}
	if hash := ASRepHash(user, m.Realm, m.EncPart); hash != "" {
		h.env.Credential(f, s.Flow.ClientIP, s.Flow.ServerIP, "Kerberos AS-REP", user, hash, true, m.Realm)
	}
}

func (h *Handler) tgsRep(s *types.Session, clientToServer bool, f *packet.Frame, m *Message) {
	spn := m.TicketSPN()
	realm := m.TicketRealm
	if realm == "" {
		realm = m.Realm
	}
	params := nonEmpty(
		"User", m.User(),
		"Realm", realm,
		"SPN", spn,
	)
	if m.Ticket != nil {
		params = append(params, events.NameValue{Name: "Ticket Encryption Type", Value: fmt.Sprint(m.Ticket.EType)})
	}
	h.env.Parameters(f, s, clientToServer, "Kerberos TGS-REP", params)
	if m.Ticket == nil || spn == "" {
		return
	}
	// the service account key protects the ticket
	if hash := TGSRepHash(m.User(), realm, spn, m.Ticket); hash != "" {
		h.env.Credential(f, s.Flow.ClientIP, s.Flow.ServerIP, "Kerberos TGS-REP", spn, hash, true, realm)
	}
}

func (h *Handler) krbError(s *types.Session, clientToServer bool, f *packet.Frame, m *Message) {
	h.env.Parameters(f, s, clientToServer, "Kerberos KRB-ERROR", nonEmpty(
		"Error Code", fmt.Sprintf("%d (%s)", m.ErrorCode, ErrorString(m.ErrorCode)),
		"Error Text", m.ErrorText,
		"User", m.User(),
		"Realm", m.Realm,
		"SPN", m.SPN(),
	))
}

// Reset is a no-op, the handler is stateless.
func (h *Handler) Reset() {}

// nonEmpty pairs up names and values, dropping empty values.
func nonEmpty(kv ...string) []events.NameValue {
	var out []events.NameValue
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] != "" {
			out = append(out, events.NameValue{Name: kv[i], Value: kv[i+1]})
		}
	}
	return out
}
