package kerberos

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"testing"

	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/handler/handlertest"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/packet"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

const generalString = asn1.Tag(0x1b)

func ctx(b *cryptobyte.Builder, n uint8, fn cryptobyte.BuilderContinuation) {
	b.AddASN1(asn1.Tag(n).ContextSpecific().Constructed(), fn)
}

func str(b *cryptobyte.Builder, s string) {
	b.AddASN1(generalString, func(b *cryptobyte.Builder) { b.AddBytes([]byte(s)) })
}

func principal(b *cryptobyte.Builder, names ...string) {
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		ctx(b, 0, func(b *cryptobyte.Builder) { b.AddASN1Int64(1) })
		ctx(b, 1, func(b *cryptobyte.Builder) {
			b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
				for _, n := range names {
					str(b, n)
				}
			})
		})
	})
}

func encData(b *cryptobyte.Builder, etype int64, cipher []byte) {
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		ctx(b, 0, func(b *cryptobyte.Builder) { b.AddASN1Int64(etype) })
		ctx(b, 2, func(b *cryptobyte.Builder) { b.AddASN1OctetString(cipher) })
	})
}

func paData(b *cryptobyte.Builder, typ int64, value []byte) {
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		ctx(b, 1, func(b *cryptobyte.Builder) { b.AddASN1Int64(typ) })
		ctx(b, 2, func(b *cryptobyte.Builder) { b.AddASN1OctetString(value) })
	})
}

func ticket(b *cryptobyte.Builder, realm string, sname []string, etype int64, cipher []byte) {
	b.AddASN1(asn1.Tag(0x61), func(b *cryptobyte.Builder) {
		b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
			ctx(b, 0, func(b *cryptobyte.Builder) { b.AddASN1Int64(5) })
			ctx(b, 1, func(b *cryptobyte.Builder) { str(b, realm) })
			ctx(b, 2, func(b *cryptobyte.Builder) { principal(b, sname...) })
			ctx(b, 3, func(b *cryptobyte.Builder) { encData(b, etype, cipher) })
		})
	})
}

func build(fn cryptobyte.BuilderContinuation) []byte {
	b := cryptobyte.NewBuilder(nil)
	fn(b)
	return b.BytesOrPanic()
}

func asReq(user, realm string, etype int64, cipher []byte) []byte {
	ts := build(func(b *cryptobyte.Builder) { encData(b, etype, cipher) })
	return build(func(b *cryptobyte.Builder) {
		b.AddASN1(asn1.Tag(TagASReq), func(b *cryptobyte.Builder) {
			b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
				ctx(b, 1, func(b *cryptobyte.Builder) { b.AddASN1Int64(5) })
				ctx(b, 2, func(b *cryptobyte.Builder) { b.AddASN1Int64(10) })
				ctx(b, 3, func(b *cryptobyte.Builder) {
					b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) { paData(b, paEncTimestamp, ts) })
				})
				ctx(b, 4, func(b *cryptobyte.Builder) {
					b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
						ctx(b, 0, func(b *cryptobyte.Builder) { b.AddASN1BitString([]byte{0x40, 0x81, 0, 0x10}) })
						ctx(b, 1, func(b *cryptobyte.Builder) { principal(b, user) })
						ctx(b, 2, func(b *cryptobyte.Builder) { str(b, realm) })
						ctx(b, 3, func(b *cryptobyte.Builder) { principal(b, "krbtgt", realm) })
						ctx(b, 7, func(b *cryptobyte.Builder) { b.AddASN1Int64(12345) })
					})
				})
			})
		})
	})
}

func kdcRep(tag byte, user, realm, salt string, tkt []string, ticketEType int64, ticketCipher []byte, etype int64, cipher []byte) []byte {
	return build(func(b *cryptobyte.Builder) {
		b.AddASN1(asn1.Tag(tag), func(b *cryptobyte.Builder) {
			b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
				ctx(b, 0, func(b *cryptobyte.Builder) { b.AddASN1Int64(5) })
				ctx(b, 1, func(b *cryptobyte.Builder) { b.AddASN1Int64(int64(tag & 0x1f)) })
				if salt != "" {
					info := build(func(b *cryptobyte.Builder) {
						b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
							b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
								ctx(b, 0, func(b *cryptobyte.Builder) { b.AddASN1Int64(etype) })
								ctx(b, 1, func(b *cryptobyte.Builder) { str(b, salt) })
							})
						})
					})
					ctx(b, 2, func(b *cryptobyte.Builder) {
						b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) { paData(b, paETypeInfo2, info) })
					})
				}
				ctx(b, 3, func(b *cryptobyte.Builder) { str(b, realm) })
				ctx(b, 4, func(b *cryptobyte.Builder) { principal(b, user) })
				ctx(b, 5, func(b *cryptobyte.Builder) { ticket(b, realm, tkt, ticketEType, ticketCipher) })
				ctx(b, 6, func(b *cryptobyte.Builder) { encData(b, etype, cipher) })
			})
		})
	})
}

func krbError(code int64, realm, text string) []byte {
	return build(func(b *cryptobyte.Builder) {
		b.AddASN1(asn1.Tag(TagKRBError), func(b *cryptobyte.Builder) {
			b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
				ctx(b, 0, func(b *cryptobyte.Builder) { b.AddASN1Int64(5) })
				ctx(b, 1, func(b *cryptobyte.Builder) { b.AddASN1Int64(30) })
				ctx(b, 5, func(b *cryptobyte.Builder) { b.AddASN1Int64(0) })
				ctx(b, 6, func(b *cryptobyte.Builder) { b.AddASN1Int64(code) })
				ctx(b, 9, func(b *cryptobyte.Builder) { str(b, realm) })
				ctx(b, 10, func(b *cryptobyte.Builder) { principal(b, "krbtgt", realm) })
				ctx(b, 11, func(b *cryptobyte.Builder) { str(b, text) })
			})
		})
	})
}

func record(msg []byte) []byte {
	return append(binary.BigEndian.AppendUint32(nil, uint32(len(msg))), msg...)
}

type conv struct {
	fx *handlertest.Fixture
	h  *Handler
	s  *types.Session
}

func newConv(transport types.Transport) *conv {
	fx := handlertest.New(nil)
	return &conv{
		fx: fx,
		h:  NewHandler(fx.Env),
		s:  fx.Session("10.1.1.1", 51000, "10.2.2.2", 88, transport),
	}
}

func (c *conv) send(t *testing.T, clientToServer bool, data []byte) int {
	f := c.fx.Frame()
	stream := c.s.Flow.Transport == types.TransportTCP
	p, err := Decode(f, data, stream)
	require.NoError(t, err)
	var transport packet.Packet
	if stream {
		transport = c.fx.TCP(c.s, clientToServer, f, data)
	} else {
		transport = c.fx.UDP(c.s, clientToServer, f, data)
	}
	return c.h.ExtractData(c.s, clientToServer, []packet.Packet{transport, p})
}

func TestDecodeRecordMarker(t *testing.T) {
	msg := krbError(25, "CORP.LOCAL", "")
	rec := record(msg)

	p, err := Decode(&packet.Frame{}, append(append([]byte(nil), rec...), 0, 0), true)
	require.NoError(t, err)
	assert.Equal(t, len(rec), p.Length)
	assert.Equal(t, TagKRBError, p.MessageType())

	_, err = Decode(&packet.Frame{}, rec[:len(rec)-1], true)
	assert.ErrorIs(t, err, ErrIncomplete)
	_, err = Decode(&packet.Frame{}, []byte{0x30, 0x00}, false)
	assert.ErrorIs(t, err, ErrNotKerberos)
	assert.True(t, LooksLikeKerberos(rec, true))
}

func TestWalkPaths(t *testing.T) {
	der := asReq("alice", "CORP.LOCAL", ETypeRC4, make([]byte, 52))
	var paths []string
	require.NoError(t, walk(der, func(path string, _ []byte) { paths = append(paths, hex.EncodeToString([]byte(path))) }))
	assert.Contains(t, paths, "6a30a430a130a1301b")
	assert.Contains(t, paths, "6a30a430a21b")

	_, err := ParseMessage(der[:len(der)-3])
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestASReqPreauthHash(t *testing.T) {
	c := newConv(types.TransportUDP)
	checksum := bytes.Repeat([]byte{0xaa}, 16)
	ts := bytes.Repeat([]byte{0xbb}, 36)
	data := asReq("alice", "CORP.LOCAL", ETypeRC4, append(append([]byte(nil), checksum...), ts...))
	assert.Equal(t, len(data), c.send(t, true, data))

	creds := c.fx.Recorder.Credentials()
	require.Len(t, creds, 1)
	cred := creds[0].Credential
	assert.Equal(t, "alice", cred.Username)
	assert.Equal(t, "CORP.LOCAL", cred.Realm)
	assert.True(t, cred.IsHash)
	assert.Equal(t, "$krb5pa$23$alice$CORP.LOCAL$$"+hex.EncodeToString(ts)+hex.EncodeToString(checksum), cred.Password)

	params := c.fx.Recorder.Parameters("Kerberos AS-REQ")
	require.Len(t, params, 1)
	spn, _ := params[0].Get("SPN")
	assert.Equal(t, "krbtgt/CORP.LOCAL", spn)
}

func TestASRepHashAES(t *testing.T) {
	c := newConv(types.TransportTCP)
	edata := bytes.Repeat([]byte{0xcc}, 40)
	checksum := bytes.Repeat([]byte{0xdd}, 12)
	msg := kdcRep(TagASRep, "alice", "CORP.LOCAL", "CORP.LOCALalice",
		[]string{"krbtgt", "CORP.LOCAL"}, ETypeAES256, make([]byte, 64),
		ETypeAES256, append(append([]byte(nil), edata...), checksum...))
	data := record(msg)
	assert.Equal(t, len(data), c.send(t, false, data))

	creds := c.fx.Recorder.Credentials()
	require.Len(t, creds, 1)
	assert.Equal(t, "$krb5asrep$18$alice$CORP.LOCAL$"+hex.EncodeToString(checksum)+"$"+hex.EncodeToString(edata), creds[0].Credential.Password)

	params := c.fx.Recorder.Parameters("Kerberos AS-REP")
	require.Len(t, params, 1)
	salt, _ := params[0].Get("Salt")
	assert.Equal(t, "CORP.LOCALalice", salt)
}

func TestTGSRepHashRC4(t *testing.T) {
	c := newConv(types.TransportUDP)
	cipher := append(bytes.Repeat([]byte{0x11}, 16), bytes.Repeat([]byte{0x22}, 30)...)
	data := kdcRep(TagTGSRep, "alice", "CORP.LOCAL", "",
		[]string{"MSSQLSvc", "db.corp.local:1433"}, ETypeRC4, cipher,
		ETypeRC4, make([]byte, 40))
	c.send(t, false, data)

	creds := c.fx.Recorder.Credentials()
	require.Len(t, creds, 1)
	cred := creds[0].Credential
	assert.Equal(t, "MSSQLSvc/db.corp.local:1433", cred.Username)
	assert.Equal(t, "$krb5tgs$23$*alice$CORP.LOCAL$MSSQLSvc/db.corp.local:1433*$"+
		hex.EncodeToString(cipher[:16])+"$"+hex.EncodeToString(cipher[16:]), cred.Password)
}

func TestKRBError(t *testing.T) {
	c := newConv(types.TransportUDP)
	c.send(t, false, krbError(24, "CORP.LOCAL", "PREAUTH_FAILED"))
	params := c.fx.Recorder.Parameters("Kerberos KRB-ERROR")
	require.Len(t, params, 1)
	code, _ := params[0].Get("Error Code")
	assert.Equal(t, "24 (KDC_ERR_PREAUTH_FAILED)", code)
	text, _ := params[0].Get("Error Text")
	assert.Equal(t, "PREAUTH_FAILED", text)
	assert.Empty(t, c.fx.Recorder.Credentials())
}

func TestUnsupportedETypeYieldsNoHash(t *testing.T) {
	assert.Empty(t, PreauthHash("u", "R", "", &EncryptedData{EType: 3, Cipher: make([]byte, 64)}))
	assert.Empty(t, ASRepHash("u", "R", &EncryptedData{EType: ETypeRC4, Cipher: make([]byte, 16)}))
}
