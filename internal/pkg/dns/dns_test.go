package dns

import (
	"encoding/binary"
	"math/rand"
	"net"
	"net/netip"
	"strings"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/events"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/handler/handlertest"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/packet"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serialize(t *testing.T, msg *layers.DNS) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, msg.SerializeTo(buf, gopacket.SerializeOptions{FixLengths: true}))
	return append([]byte(nil), buf.Bytes()...)
}

func query(id uint16, name string, qtype layers.DNSType) *layers.DNS {
	return &layers.DNS{
		ID:        id,
		RD:        true,
		Questions: []layers.DNSQuestion{{Name: []byte(name), Type: qtype, Class: layers.DNSClassIN}},
	}
}

func answerA(id uint16, name string, ip net.IP) *layers.DNS {
	msg := query(id, name, layers.DNSTypeA)
	msg.QR = true
	msg.RA = true
	msg.Answers = []layers.DNSResourceRecord{{
		Name:  []byte(name),
		Type:  layers.DNSTypeA,
		Class: layers.DNSClassIN,
		TTL:   300,
		IP:    ip,
	}}
	return msg
}

func TestDecodeTCPMultipleMessages(t *testing.T) {
	one := serialize(t, query(1, "a.example.com", layers.DNSTypeA))
	two := serialize(t, query(2, "b.example.com", layers.DNSTypeAAAA))

	var stream []byte
	for _, m := range [][]byte{one, two} {
		stream = binary.BigEndian.AppendUint16(stream, uint16(len(m)))
		stream = append(stream, m...)
	}
	// a trailing partial prefix is left for the next slice
	stream = append(stream, 0x00)

	pkts, err := DecodeTCP(&packet.Frame{Number: 1}, stream)
	require.NoError(t, err)
	require.Len(t, pkts, 2)
	assert.Equal(t, uint16(1), pkts[0].Msg.ID)
	assert.Equal(t, uint16(2), pkts[1].Msg.ID)
	assert.Equal(t, len(stream)-1, pkts[0].Length+pkts[1].Length)

	_, err = DecodeTCP(&packet.Frame{}, stream[:5])
	assert.ErrorIs(t, err, ErrShortBuffer)
}

func TestHandlerAnswerAddsHostname(t *testing.T) {
	fx := handlertest.New(nil)
	h := NewHandler(fx.Env)
	s := fx.Session("10.0.0.2", 53000, "10.0.0.53", 53, types.TransportUDP)

	f := fx.Frame()
	raw := serialize(t, answerA(0x1234, "www.example.com", net.IPv4(93, 184, 216, 34)))
	p, err := Decode(f, raw)
	require.NoError(t, err)

	n := h.ExtractData(s, false, []packet.Packet{fx.UDP(s, false, f, raw), p})
	assert.Equal(t, len(raw), n)

	recs := fx.Recorder.OfType(events.TypeDNSRecord)
	require.Len(t, recs, 1)
	rec := recs[0].Data.(*events.DNSRecord)
	assert.Equal(t, "www.example.com", rec.Name)
	assert.Equal(t, "A", rec.Type)
	assert.Equal(t, "93.184.216.34", rec.Value)
	assert.Equal(t, uint32(300), rec.TTL)
	assert.True(t, rec.Response)
	assert.Equal(t, netip.MustParseAddr("10.0.0.53"), rec.Server)
	assert.Equal(t, netip.MustParseAddr("10.0.0.2"), rec.Client)

	host, ok := fx.Env.Hosts.Lookup(netip.MustParseAddr("93.184.216.34"))
	require.True(t, ok)
	assert.Equal(t, []string{"www.example.com"}, host.Hostnames())
	assert.Equal(t, []string{"example.com"}, host.DomainNames())
	assert.Len(t, fx.Recorder.OfType(events.TypeHostDetected), 1)
}

func TestHandlerQueryWithoutAnswers(t *testing.T) {
	fx := handlertest.New(nil)
	h := NewHandler(fx.Env)
	s := fx.Session("10.0.0.2", 53000, "10.0.0.53", 53, types.TransportUDP)

	f := fx.Frame()
	raw := serialize(t, query(7, "example.org", layers.DNSTypeMX))
	p, err := Decode(f, raw)
	require.NoError(t, err)
	h.ExtractData(s, true, []packet.Packet{p})

	recs := fx.Recorder.OfType(events.TypeDNSRecord)
	require.Len(t, recs, 1)
	rec := recs[0].Data.(*events.DNSRecord)
	assert.Equal(t, "example.org", rec.Name)
	assert.Equal(t, "MX", rec.Type)
	assert.False(t, rec.Response)
}

func TestHandleMessageFromDoH(t *testing.T) {
	fx := handlertest.New(nil)
	h := NewHandler(fx.Env)
	s := fx.Session("10.0.0.2", 50000, "1.1.1.1", 443, types.TransportTCP)

	raw := serialize(t, answerA(9, "doh.example.net", net.IPv4(192, 0, 2, 7)))
	require.NoError(t, h.HandleMessage(s, false, fx.Frame(), raw))

	host, ok := fx.Env.Hosts.Lookup(netip.MustParseAddr("192.0.2.7"))
	require.True(t, ok)
	assert.Contains(t, host.Hostnames(), "doh.example.net")

	assert.Error(t, h.HandleMessage(s, false, fx.Frame(), []byte{1, 2, 3}))
}

func randomLabel(r *rand.Rand, n int) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz234567"
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteByte(alphabet[r.Intn(len(alphabet))])
	}
	return b.String()
}

func TestTunnelingAlertsOncePerDomain(t *testing.T) {
	td := NewTunnelingDetector(TunnelingConfig{})
	r := rand.New(rand.NewSource(1))

	alerts := 0
	for i := 0; i < 60; i++ {
		name := randomLabel(r, 30) + "." + randomLabel(r, 30) + ".evil.com"
		domain, _, alert := td.Analyze(name, "TXT")
		assert.Equal(t, "evil.com", domain)
		if alert {
			alerts++
		}
	}
	assert.Equal(t, 1, alerts)

	_, score, alert := td.Analyze("www.example.com", "A")
	assert.False(t, alert)
	assert.Less(t, score, 0.7)
}

func TestExtractDomainParts(t *testing.T) {
	base, sub := extractDomainParts("data.example.co.uk.")
	assert.Equal(t, "example.co.uk", base)
	assert.Equal(t, "data", sub)

	base, sub = extractDomainParts("example.com")
	assert.Equal(t, "example.com", base)
	assert.Empty(t, sub)
}
