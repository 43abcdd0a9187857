package types

import (
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFlow() FiveTuple {
	return NewFiveTuple(net.ParseIP("10.0.0.1"), 51000, net.ParseIP("10.0.0.2"), 25, TransportTCP)
}

func TestFiveTuple_Reverse(t *testing.T) {
	f := testFlow()
	r := f.Reverse()

	assert.NotEqual(t, f, r)
	assert.Equal(t, f, r.Reverse())
	assert.True(t, f.EqualsIgnoreDirection(r))
	assert.True(t, f.EqualsIgnoreDirection(f))

	other := f
	other.ClientPort = 51001
	assert.False(t, f.EqualsIgnoreDirection(other))
}

func TestFiveTuple_UnmapsIPv4(t *testing.T) {
	a := NewFiveTuple(net.ParseIP("10.0.0.1"), 1, net.ParseIP("10.0.0.2"), 2, TransportUDP)
	b := NewFiveTuple(net.ParseIP("10.0.0.1").To4(), 1, net.ParseIP("10.0.0.2").To4(), 2, TransportUDP)
	assert.Equal(t, a, b)
	assert.True(t, a.ClientIP.Is4())
}

func TestFiveTuple_FromFlows(t *testing.T) {
	netFlow := gopacket.NewFlow(layers.EndpointIPv4, []byte{192, 168, 1, 10}, []byte{192, 168, 1, 1})
	tcpFlow := gopacket.NewFlow(layers.EndpointTCPPort, []byte{0x9c, 0x40}, []byte{0x01, 0xbb})

	f, err := FiveTupleFromFlows(netFlow, tcpFlow)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("192.168.1.10"), f.ClientIP)
	assert.Equal(t, uint16(443), f.ServerPort)
	assert.Equal(t, TransportTCP, f.Transport)
	assert.Equal(t, "TCP 192.168.1.10:40000 -> 192.168.1.1:443", f.String())
}

func TestFiveTuple_SourceDestination(t *testing.T) {
	f := testFlow()
	ip, port := f.Source(false)
	assert.Equal(t, f.ServerIP, ip)
	assert.Equal(t, uint16(25), port)
	ip, port = f.Destination(false)
	assert.Equal(t, f.ClientIP, ip)
	assert.Equal(t, uint16(51000), port)
}

func TestHostRegistry_GetOrCreate(t *testing.T) {
	var created []*NetworkHost
	r := NewHostRegistry(func(h *NetworkHost) { created = append(created, h) })
	ip := netip.MustParseAddr("10.1.1.1")

	h1, isNew := r.GetOrCreate(ip)
	assert.True(t, isNew)
	h2, isNew := r.GetOrCreate(ip)
	assert.False(t, isNew)
	assert.Same(t, h1, h2)
	assert.Len(t, created, 1)
	assert.Equal(t, 1, r.Len())

	r.Reset()
	_, ok := r.Lookup(ip)
	assert.False(t, ok)
}

func TestHostRegistry_Concurrent(t *testing.T) {
	r := NewHostRegistry(nil)
	ip := netip.MustParseAddr("10.1.1.2")

	var wg sync.WaitGroup
	hosts := make([]*NetworkHost, 16)
	for i := range hosts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			hosts[i], _ = r.GetOrCreate(ip)
			hosts[i].AddHostname("example.com")
		}(i)
	}
	wg.Wait()
	for _, h := range hosts {
		assert.Same(t, hosts[0], h)
	}
	assert.Equal(t, []string{"example.com"}, hosts[0].Hostnames())
}

func TestNetworkHost_Accumulates(t *testing.T) {
	h := NewNetworkHost(netip.MustParseAddr("10.0.0.9"))
	assert.True(t, h.AddHostname("mail.example.com."))
	assert.False(t, h.AddHostname("MAIL.example.com"))
	assert.False(t, h.AddHostname(""))
	assert.True(t, h.AddBanner("220 mail ESMTP"))
	assert.True(t, h.AddJA3("abc"))
	assert.True(t, h.AddJA3S("def"))
	assert.True(t, h.AddDomainName("CORP"))
	h.AddDetail("User-Agent", "curl/8")

	assert.Equal(t, []string{"mail.example.com"}, h.Hostnames())
	assert.Equal(t, []string{"220 mail ESMTP"}, h.Banners())
	assert.Equal(t, []string{"abc"}, h.JA3())
	assert.Equal(t, []string{"def"}, h.JA3S())
	assert.Equal(t, []string{"CORP"}, h.DomainNames())
	v, ok := h.Detail("User-Agent")
	assert.True(t, ok)
	assert.Equal(t, "curl/8", v)
	assert.Len(t, h.Details(), 1)
}

func TestSession_ProtocolCell(t *testing.T) {
	s := NewSession(testFlow(), nil, nil, time.Now())
	assert.Equal(t, ProtocolUnknown, s.Protocol())
	s.SetProtocol(ProtocolSMTP)
	assert.True(t, s.CompareAndSetProtocol(ProtocolSMTP, ProtocolTLS))
	assert.False(t, s.CompareAndSetProtocol(ProtocolSMTP, ProtocolOpaque))
	assert.Equal(t, ProtocolTLS, s.Protocol())
	assert.Equal(t, "TLS", s.Protocol().String())
	assert.NotEmpty(t, s.ID)
}

func TestSession_Bytes(t *testing.T) {
	client := NewNetworkHost(netip.MustParseAddr("10.0.0.1"))
	server := NewNetworkHost(netip.MustParseAddr("10.0.0.2"))
	s := NewSession(testFlow(), client, server, time.Unix(100, 0))
	s.AddBytes(true, 10, time.Unix(101, 0))
	s.AddBytes(false, 5, time.Unix(102, 0))

	assert.Equal(t, uint64(10), s.ClientBytes())
	assert.Equal(t, uint64(5), s.ServerBytes())
	assert.Equal(t, time.Unix(102, 0), s.LastSeen())
	assert.Same(t, client, s.SourceHost(true))
	assert.Same(t, client, s.DestinationHost(false))
}

func TestCredentialStore_Dedup(t *testing.T) {
	s := NewCredentialStore(2)
	c := NetworkCredential{Protocol: "SMTP", Username: "alice", Password: "secret"}
	assert.True(t, s.Add(c))
	assert.False(t, s.Add(c))

	c2 := c
	c2.Username = "bob"
	assert.True(t, s.Add(c2))

	c3 := c
	c3.Username = "carol"
	assert.False(t, s.Add(c3), "store is full")
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, "alice", s.All()[0].Username)

	s.Reset()
	assert.Equal(t, 0, s.Len())
}

func TestArtifactKind_String(t *testing.T) {
	assert.Equal(t, "TLS certificate", ArtifactTLSCertificate.String())
	assert.Equal(t, "unknown", ArtifactKind(99).String())
}
