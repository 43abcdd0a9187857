package http2

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"testing"

	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/config"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/handler/handlertest"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/packet"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2/hpack"
)

func rawFrame(typ, flags uint8, stream uint32, payload []byte) []byte {
	b := make([]byte, frameHeaderLen+len(payload))
	b[0] = byte(len(payload) >> 16)
	b[1] = byte(len(payload) >> 8)
	b[2] = byte(len(payload))
	b[3] = typ
	b[4] = flags
	binary.BigEndian.PutUint32(b[5:9], stream)
	copy(b[9:], payload)
	return b
}

type conv struct {
	fx   *handlertest.Fixture
	h    *Handler
	s    *types.Session
	encs [2]*hpack.Encoder
	bufs [2]*bytes.Buffer
	dns  [][]byte
}

func newConv(t *testing.T) *conv {
	fx := handlertest.New(nil)
	c := &conv{
		fx: fx,
		h:  NewHandler(fx.Env),
		s:  fx.Session("10.1.1.1", 50000, "10.2.2.2", 8080, types.TransportTCP),
	}
	for i := range c.encs {
		c.bufs[i] = &bytes.Buffer{}
		c.encs[i] = hpack.NewEncoder(c.bufs[i])
	}
	c.h.SetDNSHandler(func(_ *types.Session, _ bool, _ *packet.Frame, raw []byte) error {
		c.dns = append(c.dns, append([]byte(nil), raw...))
		return nil
	})
	return c
}

// block HPACK-encodes fields with the encoder of one direction.
func (c *conv) block(clientToServer bool, fields ...string) []byte {
	d := dir(clientToServer)
	c.bufs[d].Reset()
	for i := 0; i+1 < len(fields); i += 2 {
		c.encs[d].WriteField(hpack.HeaderField{Name: fields[i], Value: fields[i+1]})
	}
	return append([]byte(nil), c.bufs[d].Bytes()...)
}

func (c *conv) send(t *testing.T, clientToServer bool, data []byte) int {
	p, err := Decode(c.fx.Frame(), data)
	require.NoError(t, err)
	return c.h.ExtractData(c.s, clientToServer, []packet.Packet{p})
}

func TestDecodeKeepsPartialFrame(t *testing.T) {
	full := rawFrame(FramePing, 0, 0, make([]byte, 8))
	data := append(append([]byte(nil), Preface...), full...)
	data = append(data, full[:5]...)

	p, err := Decode(&packet.Frame{}, data)
	require.NoError(t, err)
	assert.True(t, p.Preface)
	require.Len(t, p.Frames, 1)
	assert.Equal(t, len(Preface)+len(full), p.Length)

	_, err = Decode(&packet.Frame{}, full[:5])
	assert.ErrorIs(t, err, ErrIncomplete)
}

func TestRequestAndResponseBody(t *testing.T) {
	c := newConv(t)
	var req []byte
	req = append(req, Preface...)
	req = append(req, rawFrame(FrameSettings, 0, 0, nil)...)
	req = append(req, rawFrame(FrameHeaders, FlagEndHeaders|FlagEndStream, 1, c.block(true,
		":method", "GET", ":scheme", "https", ":path", "/img/logo.png?v=2", ":authority", "cdn.example.org",
		"user-agent", "test-agent/1.0"))...)
	assert.Equal(t, len(req), c.send(t, true, req))

	assert.Contains(t, c.s.Server.Hostnames(), "cdn.example.org")
	reqs := c.fx.Recorder.Parameters("HTTP/2 request")
	require.Len(t, reqs, 1)
	v, _ := reqs[0].Get(":path")
	assert.Equal(t, "/img/logo.png?v=2", v)
	require.Len(t, c.fx.Recorder.Parameters("HTTP/2 QueryString to cdn.example.org"), 1)

	var resp []byte
	resp = append(resp, rawFrame(FrameHeaders, FlagEndHeaders, 1, c.block(false,
		":status", "200", "content-type", "image/png", "content-length", "8", "server", "h2o"))...)
	resp = append(resp, rawFrame(FrameData, 0, 1, []byte("PNG"))...)
	// padded final frame
	resp = append(resp, rawFrame(FrameData, FlagEndStream|FlagPadded, 1, append([]byte{2}, []byte("DATA!\x00\x00")...))...)
	assert.Equal(t, len(resp), c.send(t, false, resp))

	files := c.fx.Recorder.Files()
	require.Len(t, files, 1)
	a := files[0].Artifact
	assert.Equal(t, "PNGDATA!", string(a.Data))
	assert.Equal(t, "logo.png."+queryHash("v=2"), a.Filename)
	assert.False(t, a.ClientToServer)
	assert.False(t, a.Truncated)
	assert.Equal(t, types.ArtifactHTTP2, a.Kind)
	assert.Contains(t, c.s.Server.Banners(), "HTTP/2: h2o")
	assert.Equal(t, 0, c.fx.Env.Files.Len())
}

func queryHash(q string) string {
	h := fnv.New32a()
	h.Write([]byte(q))
	return fmt.Sprintf("%08x", h.Sum32())
}

func TestContinuationFrames(t *testing.T) {
	c := newConv(t)
	blk := c.block(true, ":method", "GET", ":path", "/", ":authority", "split.example", "x-custom", "value")
	half := len(blk) / 2
	data := rawFrame(FrameHeaders, FlagEndStream, 3, blk[:half])
	data = append(data, rawFrame(FrameContinuation, FlagEndHeaders, 3, blk[half:])...)
	c.send(t, true, data)

	reqs := c.fx.Recorder.Parameters("HTTP/2 request")
	require.Len(t, reqs, 1)
	v, _ := reqs[0].Get("x-custom")
	assert.Equal(t, "value", v)
	assert.Contains(t, c.s.Server.Hostnames(), "split.example")
}

func TestDNSOverHTTPSGet(t *testing.T) {
	c := newConv(t)
	query := []byte{0xab, 0xcd, 0x01, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
	path := "/dns-query?dns=" + base64.RawURLEncoding.EncodeToString(query)
	c.send(t, true, rawFrame(FrameHeaders, FlagEndHeaders|FlagEndStream, 1, c.block(true,
		":method", "GET", ":path", path, ":authority", "dns.example")))

	require.Len(t, c.dns, 1)
	assert.Equal(t, query, c.dns[0])
}

func TestDNSOverHTTPSPost(t *testing.T) {
	c := newConv(t)
	query := []byte{0x12, 0x34, 0x01, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
	answer := []byte{0x12, 0x34, 0x81, 0x80, 0x00, 0x01, 0, 0, 0, 0, 0, 0}

	req := rawFrame(FrameHeaders, FlagEndHeaders, 5, c.block(true,
		":method", "POST", ":path", "/dns-query", ":authority", "dns.example", "content-type", "application/dns-message"))
	req = append(req, rawFrame(FrameData, FlagEndStream, 5, query)...)
	c.send(t, true, req)

	resp := rawFrame(FrameHeaders, FlagEndHeaders, 5, c.block(false,
		":status", "200", "content-type", "application/dns-message", "content-length", "12"))
	resp = append(resp, rawFrame(FrameData, FlagEndStream, 5, answer)...)
	c.send(t, false, resp)

	require.Len(t, c.dns, 2)
	assert.Equal(t, query, c.dns[0])
	assert.Equal(t, answer, c.dns[1])
	assert.Empty(t, c.fx.Recorder.Files(), "DNS messages are not files")
	assert.Equal(t, 0, c.fx.Env.Files.Len())
}

func TestResetStreamTruncates(t *testing.T) {
	c := newConv(t)
	c.send(t, true, rawFrame(FrameHeaders, FlagEndHeaders|FlagEndStream, 7, c.block(true,
		":method", "GET", ":path", "/big.bin", ":authority", "h")))
	resp := rawFrame(FrameHeaders, FlagEndHeaders, 7, c.block(false, ":status", "200", "content-length", "100"))
	resp = append(resp, rawFrame(FrameData, 0, 7, []byte("partial"))...)
	resp = append(resp, rawFrame(FrameRSTStream, 0, 7, []byte{0, 0, 0, 8})...)
	c.send(t, false, resp)

	files := c.fx.Recorder.Files()
	require.Len(t, files, 1)
	assert.True(t, files[0].Artifact.Truncated)
	assert.Equal(t, "big.bin", files[0].Artifact.Filename)
	assert.NotEmpty(t, c.fx.Recorder.Anomalies())
}

func TestEvictedStreamFlushesTruncatedBody(t *testing.T) {
	c := newConv(t)
	c.fx = handlertest.New(func(cfg *config.Config) { cfg.Limits.RequestCacheCapacity = 1 })
	c.h = NewHandler(c.fx.Env)
	c.s = c.fx.Session("10.1.1.1", 50000, "10.2.2.2", 8080, types.TransportTCP)

	c.send(t, true, rawFrame(FrameHeaders, FlagEndHeaders|FlagEndStream, 1, c.block(true,
		":method", "GET", ":path", "/first.bin", ":authority", "h")))
	resp := rawFrame(FrameHeaders, FlagEndHeaders, 1, c.block(false, ":status", "200", "content-length", "100"))
	resp = append(resp, rawFrame(FrameData, 0, 1, []byte("part"))...)
	c.send(t, false, resp)
	assert.Empty(t, c.fx.Recorder.Files())

	c.send(t, true, rawFrame(FrameHeaders, FlagEndHeaders|FlagEndStream, 3, c.block(true,
		":method", "GET", ":path", "/second.bin", ":authority", "h")))

	files := c.fx.Recorder.Files()
	require.Len(t, files, 1)
	assert.Equal(t, "first.bin", files[0].Artifact.Filename)
	// the declared length is kept with the missing tail zero-filled
	require.Len(t, files[0].Artifact.Data, 100)
	assert.Equal(t, "part", string(files[0].Artifact.Data[:4]))
	assert.True(t, files[0].Artifact.Truncated)
	var messages []string
	for _, an := range c.fx.Recorder.Anomalies() {
		messages = append(messages, an.Message)
	}
	assert.Contains(t, messages, "stream 1 evicted before END_STREAM")
	assert.Equal(t, 0, c.fx.Env.Files.Len())
}

func TestResetDiscardsOpenStreams(t *testing.T) {
	c := newConv(t)
	c.send(t, true, rawFrame(FrameHeaders, FlagEndHeaders|FlagEndStream, 1, c.block(true,
		":method", "GET", ":path", "/open.bin", ":authority", "h")))
	resp := rawFrame(FrameHeaders, FlagEndHeaders, 1, c.block(false, ":status", "200", "content-length", "100"))
	resp = append(resp, rawFrame(FrameData, 0, 1, []byte("part"))...)
	c.send(t, false, resp)
	require.Equal(t, 1, c.fx.Env.Files.Len())

	c.h.Reset()
	assert.Empty(t, c.fx.Recorder.Files())
	assert.Equal(t, 0, c.fx.Env.Files.Len())
}

func TestHPACKDynamicTableEntryCap(t *testing.T) {
	var buf bytes.Buffer
	enc := hpack.NewEncoder(&buf)
	enc.SetMaxDynamicTableSizeLimit(1 << 16)
	enc.SetMaxDynamicTableSize(1 << 16)
	for i := 0; i < 150; i++ {
		require.NoError(t, enc.WriteField(hpack.HeaderField{Name: fmt.Sprintf("x-h%03d", i), Value: "v"}))
	}

	d := NewDecoder()
	d.SetLimit(1 << 16)
	fields, err := d.Decode(buf.Bytes())
	require.NoError(t, err)
	assert.Len(t, fields, 150)
	assert.Equal(t, "x-h149", fields[149].Name)
	assert.Equal(t, 100, d.Len())

	// index 62 is the most recent entry
	e, err := d.at(62)
	require.NoError(t, err)
	assert.Equal(t, "x-h149", e.name)
}

func TestHPACKByteBudget(t *testing.T) {
	var buf bytes.Buffer
	enc := hpack.NewEncoder(&buf)
	for i := 0; i < 10; i++ {
		require.NoError(t, enc.WriteField(hpack.HeaderField{Name: fmt.Sprintf("x-big-%d", i), Value: string(bytes.Repeat([]byte("a"), 1000))}))
	}
	d := NewDecoder()
	_, err := d.Decode(buf.Bytes())
	require.NoError(t, err)
	assert.LessOrEqual(t, d.size, defaultTableSize)
	assert.Equal(t, 3, d.Len())
}

func TestReadInt(t *testing.T) {
	// RFC 7541 C.1.2
	v, n, err := readInt([]byte{0x1f, 0x9a, 0x0a}, 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(1337), v)
	assert.Equal(t, 3, n)

	_, _, err = readInt([]byte{0x1f, 0x9a}, 5)
	assert.ErrorIs(t, err, ErrTruncatedBlock)
}

func TestRFCExampleWithHuffman(t *testing.T) {
	// RFC 7541 C.4.1
	block := []byte{0x82, 0x86, 0x84, 0x41, 0x8c, 0xf1, 0xe3, 0xc2, 0xe5, 0xf2, 0x3a, 0x6b, 0xa0, 0xab, 0x90, 0xf4, 0xff}
	d := NewDecoder()
	fields, err := d.Decode(block)
	require.NoError(t, err)
	require.Len(t, fields, 4)
	assert.Equal(t, ":authority", fields[3].Name)
	assert.Equal(t, "www.example.com", fields[3].Value)
	assert.Equal(t, 1, d.Len())
	assert.Equal(t, 57, d.size)
}
