package tls

import (
	stdtls "crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/assembler"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/cache"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/constants"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/events"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/handler"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/packet"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/types"
)

// Name identifies the handler.
const Name = "TLS"

// maxHandshakeBuffer caps a handshake message reassembled across records
const maxHandshakeBuffer = 1 << 20

type dirKey struct {
	flow           types.FiveTuple
	clientToServer bool
}

// direction is the handshake reassembly state of one flow direction.
type direction struct {
	buf []byte
	// encrypted is set once the sender switched to protected records
	encrypted bool
	// skip counts the bytes of an oversized record still to come
	skip int
}

// Handler extracts hellos, fingerprints and certificates from TLS
// handshakes.
type Handler struct {
	handler.Base
	env  *handler.Env
	log  *slog.Logger
	dirs *cache.LRU[dirKey, *direction]
}

// NewHandler creates the TLS handler.
func NewHandler(env *handler.Env) *Handler {
	return &Handler{
		Base: handler.NewBase(Name, packet.KindTLS),
		env:  env,
		log:  env.Log(Name),
		dirs: cache.New[dirKey, *direction](env.StateCapacity(), nil).
			WithEvictionCounter(env.Metrics.Eviction("tls_handshakes")),
	}
}

// CanParse also accepts bare TCP so the rest of an oversized record can
// be skipped.
func (h *Handler) CanParse(present packet.KindSet) bool {
	return present.Intersects(packet.Kinds(packet.KindTLS, packet.KindTCP))
}

// ExtractData consumes every complete record, including skipped oversized
// and encrypted ones.
func (h *Handler) ExtractData(s *types.Session, clientToServer bool, pkts []packet.Packet) int {
	key := dirKey{s.Flow, clientToServer}
	if d, ok := h.dirs.Peek(key); ok && d.skip > 0 {
		tcp, ok := packet.Find[*packet.TCP](pkts)
		if !ok {
			return 0
		}
		n := min(d.skip, len(tcp.Payload()))
		d.skip -= n
		return n
	}
	p, ok := packet.Find[*Packet](pkts)
	if !ok {
		return 0
	}
	f := p.Frame()
	d, _ := h.dirs.GetOrAdd(key, func() *direction { return &direction{} })
	for i := range p.Records {
		r := &p.Records[i]
		if r.Oversized() {
			h.env.Anomaly(f, Name, s.Flow, "record of %d bytes exceeds %d, skipped", r.Length, constants.MaxTLSRecordLength)
			d.buf = nil
			d.skip = r.Pending
			continue
		}
		switch r.Type {
		case RecordTypeHandshake:
			if d.encrypted {
				continue
			}
			h.handshake(s, clientToServer, f, d, r.Fragment)
		case RecordTypeChangeCipherSpec, RecordTypeApplicationData:
			d.buf = nil
			d.encrypted = true
		case RecordTypeAlert:
			d.buf = nil
			if !d.encrypted && len(r.Fragment) == 2 {
				h.log.Debug("TLS alert", "flow", s.Flow.String(), "level", r.Fragment[0], "description", r.Fragment[1])
			}
		default:
			d.buf = nil
		}
	}
	return p.Length
}

// handshake appends a record fragment and handles every complete message.
func (h *Handler) handshake(s *types.Session, clientToServer bool, f *packet.Frame, d *direction, fragment []byte) {
	d.buf = append(d.buf, fragment...)
	if len(d.buf) > maxHandshakeBuffer {
		h.env.Anomaly(f, Name, s.Flow, "handshake message larger than %d bytes", maxHandshakeBuffer)
		d.buf = nil
		return
	}
	for len(d.buf) >= 4 {
		n := int(d.buf[1])<<16 | int(d.buf[2])<<8 | int(d.buf[3])
		if len(d.buf) < 4+n {
			break
		}
		typ, body := d.buf[0], d.buf[4:4+n]
		d.buf = d.buf[4+n:]
		h.message(s, clientToServer, f, typ, body)
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
}

func (h *Handler) message(s *types.Session, clientToServer bool, f *packet.Frame, typ uint8, body []byte) {
	switch typ {
	case HandshakeTypeClientHello:
		ch, err := ParseClientHello(body)
		if err != nil {
			h.env.Anomaly(f, Name, s.Flow, "malformed ClientHello: %v", err)
			return
		}
		h.clientHello(s, clientToServer, f, ch)
	case HandshakeTypeServerHello:
		sh, err := ParseServerHello(body)
		if err != nil {
			h.env.Anomaly(f, Name, s.Flow, "malformed ServerHello: %v", err)
			return
		}
		h.serverHello(s, clientToServer, f, sh)
	case HandshakeTypeCertificate:
		h.certificates(s, clientToServer, f, body)
	}
}

func (h *Handler) clientHello(s *types.Session, clientToServer bool, f *packet.Frame, ch *ClientHello) {
	ja3String, ja3 := JA3(ch)
	s.SourceHost(clientToServer).AddJA3(ja3)
	if ch.SNI != "" {
		s.DestinationHost(clientToServer).AddHostname(ch.SNI)
	}

	params := []events.NameValue{
		{Name: "TLS Version", Value: VersionString(ch.Version)},
	}
	if ch.SNI != "" {
		params = append(params, events.NameValue{Name: "TLS Server Name (SNI)", Value: ch.SNI})
	}
	for _, proto := range ch.ALPNProtocols {
		params = append(params, events.NameValue{Name: "TLS ALPN", Value: proto})
	}
	if len(ch.SupportedVersions) > 0 {
		var versions []string
		for _, v := range ch.SupportedVersions {
			if !isGREASE(v) {
				versions = append(versions, VersionString(v))
			}
		}
		params = append(params, events.NameValue{Name: "TLS Supported Versions", Value: strings.Join(versions, ", ")})
	}
	params = append(params,
		events.NameValue{Name: "JA3", Value: ja3String},
		events.NameValue{Name: "JA3 Hash", Value: ja3})
	h.env.Parameters(f, s, clientToServer, "TLS ClientHello", params)

	if label, ok := h.env.Intel.LookupJA3(ja3); ok {
		h.intelHit(s, clientToServer, f, "JA3", ja3, label)
	}
}

func (h *Handler) serverHello(s *types.Session, clientToServer bool, f *packet.Frame, sh *ServerHello) {
	ja3sString, ja3s := JA3S(sh)
	s.SourceHost(clientToServer).AddJA3S(ja3s)
	h.env.Parameters(f, s, clientToServer, "TLS ServerHello", []events.NameValue{
		{Name: "TLS Version", Value: VersionString(sh.NegotiatedVersion())},
		{Name: "TLS Cipher Suite", Value: stdtls.CipherSuiteName(sh.SelectedCipher)},
		{Name: "JA3S", Value: ja3sString},
		{Name: "JA3S Hash", Value: ja3s},
	})
	if label, ok := h.env.Intel.LookupJA3S(ja3s); ok {
		h.intelHit(s, clientToServer, f, "JA3S", ja3s, label)
	}
}

// certificates publishes every certificate of a chain as a .cer file and
// a parameter block. The leaf names are hostnames of the sender.
func (h *Handler) certificates(s *types.Session, clientToServer bool, f *packet.Frame, body []byte) {
	chain, ok := parseCertificateList(body)
	if !ok {
		h.env.Anomaly(f, Name, s.Flow, "malformed Certificate message of %d bytes", len(body))
		return
	}
	sender := s.SourceHost(clientToServer)
	location := handler.FileLocation(s, clientToServer, Name)
	for i, der := range chain {
		sha1Hex := thumbprint(der)
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			h.log.Debug("Failed to parse certificate", "flow", s.Flow.String(), "frame", f.Number, "error", err)
		}

		details := "TLS certificate"
		if cert != nil {
			details = fmt.Sprintf("TLS certificate: %s", cert.Subject.String())
		}
		h.env.Artifact(f, assembler.Options{
			Flow:           s.Flow,
			ClientToServer: clientToServer,
			Kind:           types.ArtifactTLSCertificate,
			Filename:       certificateFilename(cert),
			Location:       location,
			Details:        details,
			ContentType:    "application/pkix-cert",
		}, der)

		if cert != nil {
			h.env.Parameters(f, s, clientToServer, "TLS Certificate", certificateParameters(cert, sha1Hex))
			if i == 0 {
				addCertificateNames(sender, cert)
			}
		}
		if label, ok := h.env.Intel.LookupCertificate(sha1Hex); ok {
			h.intelHit(s, clientToServer, f, "Certificate SHA1", sha1Hex, label)
		}
	}
}

func addCertificateNames(host *types.NetworkHost, cert *x509.Certificate) {
	names := append([]string{cert.Subject.CommonName}, cert.DNSNames...)
	for _, name := range names {
		switch {
		case name == "":
		case strings.HasPrefix(name, "*."):
			host.AddDomainName(name[2:])
		case strings.ContainsAny(name, " */"):
			// not a hostname
		default:
			host.AddHostname(name)
		}
	}
}

func (h *Handler) intelHit(s *types.Session, clientToServer bool, f *packet.Frame, kind, value, label string) {
	h.env.Anomaly(f, Name, s.Flow, "%s %s matches threat intel: %s", kind, value, label)
	h.env.Parameters(f, s, clientToServer, "TLS threat intel", []events.NameValue{
		{Name: kind, Value: value},
		{Name: "Label", Value: label},
	})
}

// Reset drops handshake buffers.
func (h *Handler) Reset() {
	h.dirs.Clear()
}
