package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/md5"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"math/big"
	"testing"
	"time"

	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/handler/handlertest"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/intel"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/packet"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/cryptobyte"
)

func clientHelloBody(sni string) []byte {
	b := cryptobyte.NewBuilder(nil)
	b.AddUint16(VersionTLS12)
	b.AddBytes(make([]byte, 32))
	b.AddUint8LengthPrefixed(func(*cryptobyte.Builder) {})
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint16(0x0a0a)
		b.AddUint16(0x1301)
		b.AddUint16(0xc02f)
	})
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) { b.AddUint8(0) })
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint16(0x1a1a)
		b.AddUint16LengthPrefixed(func(*cryptobyte.Builder) {})

		b.AddUint16(ExtensionSNI)
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddUint8(0)
				b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes([]byte(sni)) })
			})
		})

		b.AddUint16(ExtensionSupportedGroups)
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddUint16(0x2a2a)
				b.AddUint16(29)
				b.AddUint16(23)
			})
		})

		b.AddUint16(ExtensionECPointFormats)
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) { b.AddUint8(0) })
		})

		b.AddUint16(ExtensionALPN)
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes([]byte("h2")) })
				b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes([]byte("http/1.1")) })
			})
		})

		b.AddUint16(ExtensionSupportedVer)
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddUint16(VersionTLS13)
				b.AddUint16(VersionTLS12)
			})
		})
	})
	return b.BytesOrPanic()
}

func serverHelloBody() []byte {
	b := cryptobyte.NewBuilder(nil)
	b.AddUint16(VersionTLS12)
	b.AddBytes(make([]byte, 32))
	b.AddUint8LengthPrefixed(func(*cryptobyte.Builder) {})
	b.AddUint16(0x1301)
	b.AddUint8(0)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint16(ExtensionSupportedVer)
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddUint16(VersionTLS13) })
	})
	return b.BytesOrPanic()
}

func handshakeMsg(typ uint8, body []byte) []byte {
	b := cryptobyte.NewBuilder(nil)
	b.AddUint8(typ)
	b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(body) })
	return b.BytesOrPanic()
}

func record(typ uint8, fragment []byte) []byte {
	b := cryptobyte.NewBuilder(nil)
	b.AddUint8(typ)
	b.AddUint16(VersionTLS12)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(fragment) })
	return b.BytesOrPanic()
}

func selfSigned(t *testing.T, cn string, san ...string) []byte {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(0x1234),
		Subject:      pkix.Name{CommonName: cn, Organization: []string{"Example Org"}},
		NotBefore:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		NotAfter:     time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		DNSNames:     san,
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return der
}

func certificateMsg(ders ...[]byte) []byte {
	b := cryptobyte.NewBuilder(nil)
	b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, der := range ders {
			b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(der) })
		}
	})
	return handshakeMsg(HandshakeTypeCertificate, b.BytesOrPanic())
}

type conv struct {
	fx *handlertest.Fixture
	h  *Handler
	s  *types.Session
}

func newConv() *conv {
	fx := handlertest.New(nil)
	return &conv{
		fx: fx,
		h:  NewHandler(fx.Env),
		s:  fx.Session("10.1.1.1", 50000, "10.2.2.2", 443, types.TransportTCP),
	}
}

func (c *conv) send(t *testing.T, clientToServer bool, data []byte) int {
	f := c.fx.Frame()
	p, err := Decode(f, data)
	require.NoError(t, err)
	return c.h.ExtractData(c.s, clientToServer, []packet.Packet{c.fx.TCP(c.s, clientToServer, f, data), p})
}

func TestJA3(t *testing.T) {
	ch, err := ParseClientHello(clientHelloBody("www.example.com"))
	require.NoError(t, err)
	assert.Equal(t, "www.example.com", ch.SNI)
	assert.Equal(t, []string{"h2", "http/1.1"}, ch.ALPNProtocols)
	assert.Equal(t, []uint16{VersionTLS13, VersionTLS12}, ch.SupportedVersions)

	s, hash := JA3(ch)
	assert.Equal(t, "771,4865-49199,0-10-11-16-43,29-23,0", s)
	sum := md5.Sum([]byte(s))
	assert.Equal(t, hex.EncodeToString(sum[:]), hash)
}

func TestJA3S(t *testing.T) {
	sh, err := ParseServerHello(serverHelloBody())
	require.NoError(t, err)
	assert.Equal(t, uint16(VersionTLS13), sh.NegotiatedVersion())
	s, _ := JA3S(sh)
	assert.Equal(t, "771,4865,43", s)
}

func TestDecodeLeavesPartialRecord(t *testing.T) {
	rec := record(RecordTypeHandshake, []byte{1, 2, 3})
	data := append(append([]byte(nil), rec...), rec[:4]...)
	p, err := Decode(&packet.Frame{}, data)
	require.NoError(t, err)
	assert.Len(t, p.Records, 1)
	assert.Equal(t, len(rec), p.Length)

	_, err = Decode(&packet.Frame{}, rec[:4])
	assert.ErrorIs(t, err, ErrIncomplete)
	assert.False(t, LooksLikeTLS([]byte("GET / HTTP/1.1\r\n")))
	assert.True(t, LooksLikeTLS(rec))
}

func TestClientHelloSplitAcrossRecords(t *testing.T) {
	c := newConv()
	msg := handshakeMsg(HandshakeTypeClientHello, clientHelloBody("secure.example.org"))
	first := record(RecordTypeHandshake, msg[:20])
	second := record(RecordTypeHandshake, msg[20:])

	assert.Equal(t, len(first), c.send(t, true, first))
	assert.Empty(t, c.fx.Recorder.Parameters("TLS ClientHello"))

	assert.Equal(t, len(second), c.send(t, true, second))
	hellos := c.fx.Recorder.Parameters("TLS ClientHello")
	require.Len(t, hellos, 1)
	sni, _ := hellos[0].Get("TLS Server Name (SNI)")
	assert.Equal(t, "secure.example.org", sni)
	ja3, _ := hellos[0].Get("JA3 Hash")
	assert.Contains(t, c.s.Client.JA3(), ja3)
	assert.Contains(t, c.s.Server.Hostnames(), "secure.example.org")
}

func TestServerHelloAndCertificate(t *testing.T) {
	c := newConv()
	leaf := selfSigned(t, "www.example.com", "www.example.com", "*.example.net")
	ca := selfSigned(t, "Example CA")

	data := record(RecordTypeHandshake, handshakeMsg(HandshakeTypeServerHello, serverHelloBody()))
	data = append(data, record(RecordTypeHandshake, certificateMsg(leaf, ca))...)
	assert.Equal(t, len(data), c.send(t, false, data))

	hello := c.fx.Recorder.Parameters("TLS ServerHello")
	require.Len(t, hello, 1)
	v, _ := hello[0].Get("TLS Version")
	assert.Equal(t, "TLS 1.3", v)
	suite, _ := hello[0].Get("TLS Cipher Suite")
	assert.Equal(t, "TLS_AES_128_GCM_SHA256", suite)
	assert.Len(t, c.s.Server.JA3S(), 1)

	files := c.fx.Recorder.Files()
	require.Len(t, files, 2)
	a := files[0].Artifact
	assert.Equal(t, "www.example.com.cer", a.Filename)
	assert.Equal(t, leaf, a.Data)
	assert.Equal(t, types.ArtifactTLSCertificate, a.Kind)
	assert.Equal(t, "10.2.2.2/TLS - 443", a.Location)
	assert.Equal(t, "Example CA.cer", files[1].Artifact.Filename)

	certs := c.fx.Recorder.Parameters("TLS Certificate")
	require.Len(t, certs, 2)
	cn, _ := certs[0].Get("Certificate Subject CN")
	assert.Equal(t, "www.example.com", cn)
	serial, _ := certs[0].Get("Certificate Serial")
	assert.Equal(t, "1234", serial)
	sha, _ := certs[0].Get("Certificate SHA1")
	assert.Equal(t, thumbprint(leaf), sha)
	usage, _ := certs[0].Get("Certificate Key Usage")
	assert.Equal(t, "Digital Signature", usage)

	assert.Contains(t, c.s.Server.Hostnames(), "www.example.com")
	assert.Contains(t, c.s.Server.DomainNames(), "example.net")
	assert.NotContains(t, c.s.Server.Hostnames(), "Example CA")
}

func TestIntelMatches(t *testing.T) {
	c := newConv()
	leaf := selfSigned(t, "bad.example")
	_, ja3 := JA3(mustClientHello(t))
	c.fx.Env.Intel = &intel.Tables{
		JA3:          map[string]string{ja3: "Test malware"},
		Certificates: map[string]string{thumbprint(leaf): "Test C2 cert"},
	}

	c.send(t, true, record(RecordTypeHandshake, handshakeMsg(HandshakeTypeClientHello, clientHelloBody("x.example"))))
	c.send(t, false, record(RecordTypeHandshake, certificateMsg(leaf)))

	hits := c.fx.Recorder.Parameters("TLS threat intel")
	require.Len(t, hits, 2)
	label, _ := hits[0].Get("Label")
	assert.Equal(t, "Test malware", label)
	label, _ = hits[1].Get("Label")
	assert.Equal(t, "Test C2 cert", label)
	assert.Len(t, c.fx.Recorder.Anomalies(), 2)
}

func mustClientHello(t *testing.T) *ClientHello {
	ch, err := ParseClientHello(clientHelloBody("x.example"))
	require.NoError(t, err)
	return ch
}

func TestOversizedRecordSkipped(t *testing.T) {
	c := newConv()
	huge := record(RecordTypeApplicationData, make([]byte, 17000))
	assert.Equal(t, len(huge), c.send(t, false, huge))
	require.Len(t, c.fx.Recorder.Anomalies(), 1)
	assert.Contains(t, c.fx.Recorder.Anomalies()[0].Message, "17000")
}

func TestOversizedRecordSkippedFromHeader(t *testing.T) {
	c := newConv()
	huge := record(RecordTypeApplicationData, make([]byte, 17000))
	head, tail := huge[:105], huge[105:]

	p, err := Decode(&packet.Frame{}, head)
	require.NoError(t, err)
	require.Len(t, p.Records, 1)
	assert.Equal(t, 105, p.Length)
	assert.Equal(t, len(huge)-105, p.Records[0].Pending)
	assert.Nil(t, p.Records[0].Fragment)

	assert.Equal(t, len(head), c.send(t, false, head))
	require.Len(t, c.fx.Recorder.Anomalies(), 1)

	// the rest of the record does not decode as TLS and arrives as bare TCP
	alert := record(RecordTypeAlert, []byte{2, 40})
	rest := append(append([]byte(nil), tail...), alert...)
	f := c.fx.Frame()
	n := c.h.ExtractData(c.s, false, []packet.Packet{c.fx.TCP(c.s, false, f, rest)})
	assert.Equal(t, len(tail), n)

	assert.Equal(t, len(alert), c.send(t, false, rest[n:]))
	assert.Len(t, c.fx.Recorder.Anomalies(), 1)
	assert.Zero(t, c.h.ExtractData(c.s, false, []packet.Packet{c.fx.TCP(c.s, false, c.fx.Frame(), []byte{0})}))
}

func TestEncryptedHandshakeIgnored(t *testing.T) {
	c := newConv()
	data := record(RecordTypeChangeCipherSpec, []byte{1})
	// an encrypted Finished looks like garbage handshake bytes
	data = append(data, record(RecordTypeHandshake, []byte{0x0b, 0, 0, 3, 0xde, 0xad, 0xbe})...)
	c.send(t, true, data)
	assert.Empty(t, c.fx.Recorder.Anomalies())
	assert.Empty(t, c.fx.Recorder.Files())
}
