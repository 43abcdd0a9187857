package dns

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/google/gopacket/layers"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/events"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/handler"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/packet"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/types"
)

// Name identifies the handler.
const Name = "DNS"

// Handler publishes DNS records and feeds resolved names into the host
// registry.
type Handler struct {
	handler.Base
	env    *handler.Env
	tunnel *TunnelingDetector
}

// NewHandler creates a DNS handler.
func NewHandler(env *handler.Env) *Handler {
	return &Handler{
		Base:   handler.NewBase(Name, packet.KindDNS),
		env:    env,
		tunnel: NewTunnelingDetector(TunnelingConfig{MaxDomains: env.StateCapacity()}),
	}
}

// ExtractData handles every DNS message of the slice. It consumes the
// length of the decoded messages, which is the whole datagram for UDP.
func (h *Handler) ExtractData(s *types.Session, clientToServer bool, pkts []packet.Packet) int {
	consumed := 0
	for _, p := range pkts {
		d, ok := p.(*Packet)
		if !ok {
			continue
		}
		h.handle(s, clientToServer, d.Frame(), d.Msg)
		consumed += d.Length
	}
	return consumed
}

// HandleMessage parses a raw DNS message that arrived inside another
// protocol, such as a DNS-over-HTTPS body.
func (h *Handler) HandleMessage(s *types.Session, clientToServer bool, f *packet.Frame, raw []byte) error {
	p, err := Decode(f, raw)
	if err != nil {
		return err
	}
	h.handle(s, clientToServer, f, p.Msg)
	return nil
}

func (h *Handler) handle(s *types.Session, clientToServer bool, f *packet.Frame, msg *layers.DNS) {
	src, _ := s.Flow.Source(clientToServer)
	dst, _ := s.Flow.Destination(clientToServer)
	server, client := dst, src
	if msg.QR {
		server, client = src, dst
	}

	if !msg.QR {
		for _, q := range msg.Questions {
			h.checkTunneling(s, f, string(q.Name), typeString(q.Type))
		}
	}

	if len(msg.Answers) == 0 {
		for _, q := range msg.Questions {
			h.env.Bus.Emit(events.TypeDNSRecord, f.Number, f.Timestamp, &events.DNSRecord{
				Flow:          s.Flow,
				Server:        server,
				Client:        client,
				TransactionID: msg.ID,
				Name:          string(q.Name),
				Type:          typeString(q.Type),
				Response:      msg.QR,
			})
		}
		return
	}

	for _, a := range msg.Answers {
		name := string(a.Name)
		h.env.Bus.Emit(events.TypeDNSRecord, f.Number, f.Timestamp, &events.DNSRecord{
			Flow:          s.Flow,
			Server:        server,
			Client:        client,
			TransactionID: msg.ID,
			Name:          name,
			Type:          typeString(a.Type),
			TTL:           a.TTL,
			Value:         formatAnswer(a),
			Response:      msg.QR,
		})

		if a.Type != layers.DNSTypeA && a.Type != layers.DNSTypeAAAA {
			continue
		}
		ip, ok := netip.AddrFromSlice(a.IP)
		if !ok {
			continue
		}
		host := h.env.Host(f, ip.Unmap())
		host.AddHostname(name)
		if i := strings.IndexByte(name, '.'); i > 0 && i < len(name)-1 {
			host.AddDomainName(name[i+1:])
		}
	}
}

func (h *Handler) checkTunneling(s *types.Session, f *packet.Frame, name, qtype string) {
	domain, score, alert := h.tunnel.Analyze(name, qtype)
	if !alert {
		return
	}
	h.env.Anomaly(f, Name, s.Flow, "possible DNS tunneling via %s (score %s)", domain, fmt.Sprintf("%.2f", score))
}

// Reset forgets tunneling statistics.
func (h *Handler) Reset() {
	h.tunnel.Reset()
}
