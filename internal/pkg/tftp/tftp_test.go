package tftp

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/config"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/handler/handlertest"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/packet"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func request(op Opcode, name string, opts ...string) []byte {
	b := binary.BigEndian.AppendUint16(nil, uint16(op))
	b = append(b, name...)
	b = append(b, 0)
	b = append(b, "octet\x00"...)
	for _, o := range opts {
		b = append(b, o...)
		b = append(b, 0)
	}
	return b
}

func oack(opts ...string) []byte {
	b := binary.BigEndian.AppendUint16(nil, uint16(OpOACK))
	for _, o := range opts {
		b = append(b, o...)
		b = append(b, 0)
	}
	return b
}

func data(block uint16, payload []byte) []byte {
	b := binary.BigEndian.AppendUint16(nil, uint16(OpDATA))
	b = binary.BigEndian.AppendUint16(b, block)
	return append(b, payload...)
}

func errorPacket(code uint16, msg string) []byte {
	b := binary.BigEndian.AppendUint16(nil, uint16(OpERROR))
	b = binary.BigEndian.AppendUint16(b, code)
	b = append(b, msg...)
	return append(b, 0)
}

type conv struct {
	fx      *handlertest.Fixture
	h       *Handler
	control *types.Session
	xfer    *types.Session
}

func newConv(mutate func(*config.Config)) *conv {
	fx := handlertest.New(mutate)
	return &conv{
		fx:      fx,
		h:       NewHandler(fx.Env),
		control: fx.Session("10.0.0.1", 2000, "10.0.0.2", Port, types.TransportUDP),
		xfer:    fx.Session("10.0.0.1", 2000, "10.0.0.2", 3000, types.TransportUDP),
	}
}

// ask sends a request to port 69 as the decoder would present it.
func (c *conv) ask(t *testing.T, payload []byte) {
	t.Helper()
	f := c.fx.Frame()
	p, err := Decode(f, payload)
	require.NoError(t, err)
	udp := c.fx.UDP(c.control, true, f, payload)
	pkts := []packet.Packet{udp, p}
	require.True(t, c.h.CanParse(packet.KindsOf(pkts)))
	assert.Equal(t, len(payload), c.h.ExtractData(c.control, true, pkts))
}

// send delivers a bare datagram on the transfer flow.
func (c *conv) send(t *testing.T, clientToServer bool, payload []byte) int {
	t.Helper()
	f := c.fx.Frame()
	pkts := []packet.Packet{c.fx.UDP(c.xfer, clientToServer, f, payload)}
	require.True(t, c.h.CanParse(packet.KindsOf(pkts)))
	return c.h.ExtractData(c.xfer, clientToServer, pkts)
}

func TestDecodeRequest(t *testing.T) {
	p, err := Decode(nil, request(OpRRQ, "boot/pxelinux.0", "blksize", "1428", "TSIZE", "0"))
	require.NoError(t, err)
	assert.Equal(t, OpRRQ, p.Opcode)
	assert.Equal(t, "boot/pxelinux.0", p.Filename)
	assert.Equal(t, "octet", p.Mode)
	v, ok := p.Option("tsize")
	assert.True(t, ok)
	assert.Equal(t, "0", v)
	v, _ = p.Option("blksize")
	assert.Equal(t, "1428", v)

	bad := binary.BigEndian.AppendUint16(nil, uint16(OpRRQ))
	bad = append(bad, "file\x00binary\x00"...)
	_, err = Decode(nil, bad)
	assert.ErrorIs(t, err, ErrNotTFTP)
	assert.False(t, LooksLikeRequest([]byte{0, 9, 0, 0}))
	assert.True(t, LooksLikeRequest(request(OpWRQ, "x")))
}

func TestReadWithNegotiatedBlockSize(t *testing.T) {
	c := newConv(nil)
	c.ask(t, request(OpRRQ, "cfg/config.txt", "blksize", "8", "tsize", "0"))

	params := c.fx.Recorder.Parameters("TFTP RRQ")
	require.Len(t, params, 1)
	assert.Equal(t, "cfg/config.txt", params[0].Value("Filename"))
	assert.Equal(t, "8", params[0].Value("blksize"))

	assert.Positive(t, c.send(t, false, oack("blksize", "8", "tsize", "20")))
	c.send(t, true, []byte{0, byte(OpACK), 0, 0})
	c.send(t, false, data(1, []byte("hostname")))
	c.send(t, false, data(2, []byte(" = gw01\n")))
	assert.Empty(t, c.fx.Recorder.Files())
	c.send(t, false, data(3, []byte("end\n")))

	files := c.fx.Recorder.Files()
	require.Len(t, files, 1)
	a := files[0].Artifact
	assert.Equal(t, "config.txt", a.Filename)
	assert.Equal(t, "cfg/config.txt", a.Details)
	assert.Equal(t, []byte("hostname = gw01\nend\n"), a.Data)
	assert.Equal(t, types.ArtifactTFTP, a.Kind)
	assert.Equal(t, "10.0.0.2/TFTP - 3000", a.Location)
	assert.False(t, a.ClientToServer)
	assert.False(t, a.Truncated)

	// the transfer is gone
	assert.Zero(t, c.send(t, false, data(4, []byte("late"))))
}

func TestWriteOutOfOrderBlocks(t *testing.T) {
	c := newConv(nil)
	c.ask(t, request(OpWRQ, `C:\temp\upload.bin`))
	first := bytes.Repeat([]byte{'a'}, defaultBlockSize)
	second := bytes.Repeat([]byte{'b'}, defaultBlockSize)

	c.send(t, true, data(2, second))
	c.send(t, true, data(1, first))
	c.send(t, true, data(2, second))
	c.send(t, true, data(3, []byte("tail")))

	files := c.fx.Recorder.Files()
	require.Len(t, files, 1)
	a := files[0].Artifact
	assert.Equal(t, "upload.bin", a.Filename)
	assert.True(t, a.ClientToServer)
	want := append(append(append([]byte(nil), first...), second...), "tail"...)
	assert.Equal(t, want, a.Data)
	assert.Empty(t, c.fx.Recorder.Anomalies())
}

func TestEmptyFinalBlock(t *testing.T) {
	c := newConv(nil)
	c.ask(t, request(OpRRQ, "exact.bin"))
	block := bytes.Repeat([]byte{7}, defaultBlockSize)
	c.send(t, false, data(1, block))
	c.send(t, false, data(2, nil))

	files := c.fx.Recorder.Files()
	require.Len(t, files, 1)
	assert.Equal(t, block, files[0].Artifact.Data)
}

func TestErrorDiscardsTransfer(t *testing.T) {
	c := newConv(nil)
	c.ask(t, request(OpRRQ, "secret.txt"))
	c.send(t, false, data(1, bytes.Repeat([]byte{1}, defaultBlockSize)))
	c.send(t, false, errorPacket(2, "Access violation"))

	assert.Empty(t, c.fx.Recorder.Files())
	anomalies := c.fx.Recorder.Anomalies()
	require.Len(t, anomalies, 1)
	assert.Equal(t, "TFTP error 2 (Access violation) for secret.txt", anomalies[0].Message)
	assert.Zero(t, c.fx.Env.Files.Len())
}

func TestUnrelatedDatagramIgnored(t *testing.T) {
	c := newConv(nil)
	assert.Zero(t, c.send(t, true, []byte("not tftp at all")))
	assert.False(t, c.h.CanParse(packet.Kinds(packet.KindUDP, packet.KindDNS)))
}

func TestEvictedTransferFlushedTruncated(t *testing.T) {
	c := newConv(func(cfg *config.Config) { cfg.Limits.HandlerStateCapacity = 1 })
	c.ask(t, request(OpRRQ, "first.bin"))
	c.send(t, false, data(1, bytes.Repeat([]byte{1}, defaultBlockSize)))

	other := c.fx.Session("10.0.0.9", 2001, "10.0.0.2", Port, types.TransportUDP)
	f := c.fx.Frame()
	payload := request(OpRRQ, "second.bin")
	p, err := Decode(f, payload)
	require.NoError(t, err)
	c.h.ExtractData(other, true, []packet.Packet{c.fx.UDP(other, true, f, payload), p})

	files := c.fx.Recorder.Files()
	require.Len(t, files, 1)
	assert.Equal(t, "first.bin", files[0].Artifact.Filename)
	assert.True(t, files[0].Artifact.Truncated)
	require.NotEmpty(t, c.fx.Recorder.Anomalies())
	assert.Contains(t, c.fx.Recorder.Anomalies()[0].Message, "evicted before the last block")
}

func TestResetDiscardsTransfers(t *testing.T) {
	c := newConv(nil)
	c.ask(t, request(OpRRQ, "first.bin"))
	c.send(t, false, data(1, bytes.Repeat([]byte{1}, defaultBlockSize)))
	c.h.Reset()
	assert.Empty(t, c.fx.Recorder.Files())
	assert.Zero(t, c.send(t, false, data(2, []byte("x"))))
}
