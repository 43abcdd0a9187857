package capture

import (
	"errors"
	"fmt"

	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/assembler"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/c2"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/dns"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/email"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/http"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/http2"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/iec104"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/kerberos"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/packet"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/smb2"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/tftp"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/tls"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/types"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/vnc"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/voip"
)

var (
	// ErrNeedMore means the slice ends inside a message.
	ErrNeedMore = errors.New("capture: incomplete message")
	// ErrUnclassified means no protocol matched the slice.
	ErrUnclassified = errors.New("capture: no protocol matched")
	// ErrUndecodable means the slice does not parse as the protocol the
	// session is classified as.
	ErrUndecodable = errors.New("capture: undecodable slice")
)

type decodeFunc func(f *packet.Frame, payload []byte, stream bool) ([]packet.Packet, error)

var decoders = map[types.AppProtocol]decodeFunc{
	types.ProtocolDNS: func(f *packet.Frame, payload []byte, stream bool) ([]packet.Packet, error) {
		if !stream {
			p, err := dns.Decode(f, payload)
			return one(p, err)
		}
		msgs, err := dns.DecodeTCP(f, payload)
		if err != nil {
			return nil, err
		}
		out := make([]packet.Packet, len(msgs))
		for i, m := range msgs {
			out[i] = m
		}
		return out, nil
	},
	types.ProtocolTLS: func(f *packet.Frame, payload []byte, _ bool) ([]packet.Packet, error) {
		p, err := tls.Decode(f, payload)
		return one(p, err)
	},
	types.ProtocolHTTP: func(f *packet.Frame, payload []byte, _ bool) ([]packet.Packet, error) {
		p, err := http.Decode(f, payload)
		return one(p, err)
	},
	types.ProtocolHTTP2: func(f *packet.Frame, payload []byte, _ bool) ([]packet.Packet, error) {
		p, err := http2.Decode(f, payload)
		return one(p, err)
	},
	types.ProtocolSMTP: func(f *packet.Frame, payload []byte, _ bool) ([]packet.Packet, error) {
		return []packet.Packet{email.NewSMTP(f, payload)}, nil
	},
	types.ProtocolIMAP: func(f *packet.Frame, payload []byte, _ bool) ([]packet.Packet, error) {
		return []packet.Packet{email.NewIMAP(f, payload)}, nil
	},
	types.ProtocolSMB2: func(f *packet.Frame, payload []byte, _ bool) ([]packet.Packet, error) {
		p, err := smb2.Decode(f, payload)
		return one(p, err)
	},
	types.ProtocolKerberos: func(f *packet.Frame, payload []byte, stream bool) ([]packet.Packet, error) {
		p, err := kerberos.Decode(f, payload, stream)
		return one(p, err)
	},
	types.ProtocolSIP: func(f *packet.Frame, payload []byte, stream bool) ([]packet.Packet, error) {
		p, err := voip.Decode(f, payload, stream)
		return one(p, err)
	},
	types.ProtocolTFTP: func(f *packet.Frame, payload []byte, stream bool) ([]packet.Packet, error) {
		if stream {
			return nil, tftp.ErrNotTFTP
		}
		p, err := tftp.Decode(f, payload)
		return one(p, err)
	},
	types.ProtocolRFB: func(f *packet.Frame, payload []byte, _ bool) ([]packet.Packet, error) {
		return []packet.Packet{vnc.NewPacket(f, payload)}, nil
	},
	types.ProtocolIEC104: func(f *packet.Frame, payload []byte, _ bool) ([]packet.Packet, error) {
		p, err := iec104.Decode(f, payload)
		return one(p, err)
	},
	types.ProtocolNjRAT: func(f *packet.Frame, payload []byte, _ bool) ([]packet.Packet, error) {
		p, err := c2.DecodeNjRAT(f, payload)
		return one(p, err)
	},
	types.ProtocolBackConnect: func(f *packet.Frame, payload []byte, _ bool) ([]packet.Packet, error) {
		return []packet.Packet{c2.NewBackConnectPacket(f, payload)}, nil
	},
	types.ProtocolMeterpreter: func(f *packet.Frame, payload []byte, _ bool) ([]packet.Packet, error) {
		return []packet.Packet{c2.NewMeterpreterPacket(f, payload)}, nil
	},
}

// one adapts a single-packet decoder result. A typed nil pointer must not
// become a non-nil interface.
func one[P packet.Packet](p P, err error) ([]packet.Packet, error) {
	if err != nil {
		return nil, err
	}
	return []packet.Packet{p}, nil
}

var incompleteErrors = []error{
	dns.ErrShortBuffer,
	tls.ErrIncomplete,
	http.ErrIncomplete,
	http2.ErrIncomplete,
	smb2.ErrIncomplete,
	kerberos.ErrIncomplete,
	voip.ErrIncomplete,
	iec104.ErrIncomplete,
	c2.ErrIncomplete,
}

func incomplete(err error) bool {
	for _, target := range incompleteErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// selfClassified protocols are confirmed by their handler, which sets the
// session protocol itself.
var selfClassified = map[types.AppProtocol]bool{
	types.ProtocolNjRAT:       true,
	types.ProtocolBackConnect: true,
	types.ProtocolMeterpreter: true,
}

var defaultTCPPorts = map[uint16]types.AppProtocol{
	25:   types.ProtocolSMTP,
	53:   types.ProtocolDNS,
	80:   types.ProtocolHTTP,
	88:   types.ProtocolKerberos,
	139:  types.ProtocolSMB2,
	143:  types.ProtocolIMAP,
	443:  types.ProtocolTLS,
	445:  types.ProtocolSMB2,
	465:  types.ProtocolTLS,
	587:  types.ProtocolSMTP,
	636:  types.ProtocolTLS,
	993:  types.ProtocolTLS,
	995:  types.ProtocolTLS,
	2404: types.ProtocolIEC104,
	5060: types.ProtocolSIP,
	8080: types.ProtocolHTTP,
	8443: types.ProtocolTLS,
}

var defaultUDPPorts = map[uint16]types.AppProtocol{
	53:   types.ProtocolDNS,
	69:   types.ProtocolTFTP,
	88:   types.ProtocolKerberos,
	5060: types.ProtocolSIP,
	5353: types.ProtocolDNS,
	5355: types.ProtocolDNS,
}

type signature struct {
	protocol types.AppProtocol
	match    func(payload []byte) bool
}

// Signatures are tried in order; the weaker ones come last.
var tcpSignatures = []signature{
	{types.ProtocolHTTP2, http2.IsPreface},
	{types.ProtocolTLS, tls.LooksLikeTLS},
	{types.ProtocolHTTP, http.LooksLikeHTTP},
	{types.ProtocolSMB2, smb2.LooksLikeSMB2},
	{types.ProtocolRFB, vnc.LooksLikeRFB},
	{types.ProtocolSIP, voip.LooksLikeSIP},
	{types.ProtocolMeterpreter, c2.LooksLikeStage},
	{types.ProtocolNjRAT, c2.LooksLikeNjRAT},
	{types.ProtocolBackConnect, c2.LooksLikeBackConnect},
	{types.ProtocolIEC104, iec104.LooksLikeIEC104},
	{types.ProtocolMeterpreter, c2.LooksLikeTLVPacket},
}

var udpSignatures = []signature{
	{types.ProtocolSIP, voip.LooksLikeSIP},
	{types.ProtocolTFTP, tftp.LooksLikeRequest},
}

// Decoder turns the pending bytes of a flow direction into the packet
// slice handed to the dispatcher.
type Decoder struct {
	files    *assembler.Registry
	tcpPorts map[uint16]types.AppProtocol
	udpPorts map[uint16]types.AppProtocol
}

// NewDecoder creates a decoder with the default port map. files is asked
// whether a body is being collected for a flow direction.
func NewDecoder(files *assembler.Registry) *Decoder {
	return &Decoder{files: files, tcpPorts: defaultTCPPorts, udpPorts: defaultUDPPorts}
}

// Decode returns the transport packet followed by the application packets
// decoded from payload. The transport packet is always returned, along
// with ErrNeedMore, ErrUnclassified or ErrUndecodable when nothing else
// could be decoded.
func (d *Decoder) Decode(s *types.Session, clientToServer bool, transport packet.Packet, payload []byte) ([]packet.Packet, error) {
	pkts := []packet.Packet{transport}
	stream := s.Flow.Transport == types.TransportTCP
	f := transport.Frame()
	if stream && d.files.HasActiveStream(s.Flow, clientToServer) {
		return pkts, nil
	}

	proto := s.Protocol()
	switch proto {
	case types.ProtocolOpaque:
		return pkts, nil
	case types.ProtocolUnknown:
	default:
		decode, ok := decoders[proto]
		if !ok {
			return pkts, ErrUnclassified
		}
		app, err := decode(f, payload, stream)
		if err != nil {
			if incomplete(err) {
				return pkts, ErrNeedMore
			}
			return pkts, fmt.Errorf("%w: %s: %v", ErrUndecodable, proto, err)
		}
		return append(pkts, app...), nil
	}

	for _, candidate := range d.classify(s, payload, stream) {
		app, err := decoders[candidate](f, payload, stream)
		if err != nil {
			if incomplete(err) {
				return pkts, ErrNeedMore
			}
			continue
		}
		if !selfClassified[candidate] {
			s.CompareAndSetProtocol(types.ProtocolUnknown, candidate)
		}
		return append(pkts, app...), nil
	}
	return pkts, ErrUnclassified
}

// classify lists the protocols to try: the server port first, then every
// matching payload signature.
func (d *Decoder) classify(s *types.Session, payload []byte, stream bool) []types.AppProtocol {
	ports, sigs := d.udpPorts, udpSignatures
	if stream {
		ports, sigs = d.tcpPorts, tcpSignatures
	}
	var out []types.AppProtocol
	if p, ok := ports[s.Flow.ServerPort]; ok {
		out = append(out, p)
	}
	for _, sig := range sigs {
		if sig.match(payload) {
			out = append(out, sig.protocol)
		}
	}
	return out
}
