package capture

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePcap(t *testing.T, pkts ...gopacket.Packet) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	w := pcapgo.NewWriter(&buf)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))
	for _, p := range pkts {
		require.NoError(t, w.WritePacket(p.Metadata().CaptureInfo, p.Data()))
	}
	return &buf
}

func TestReaderYieldsFrames(t *testing.T) {
	w := newWire(t)
	first := w.udp(cli, 53000, "10.0.0.53", 53, dnsQuery(t, 1, "a.example"))
	second := w.udp(cli, 53001, "10.0.0.53", 53, dnsQuery(t, 2, "b.example"))

	r, err := NewReader(writePcap(t, first, second))
	require.NoError(t, err)
	assert.Equal(t, layers.LinkTypeEthernet, r.LinkType())

	p, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, first.Metadata().Timestamp.UnixMicro(), p.Metadata().Timestamp.UnixMicro())
	require.NotNil(t, p.Layer(layers.LayerTypeDNS))

	_, err = r.Next()
	require.NoError(t, err)
	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, uint64(2), r.Frames())
	assert.NoError(t, r.Close())
}

func TestReaderRejectsGarbage(t *testing.T) {
	_, err := NewReader(bytes.NewReader([]byte("definitely not a capture file")))
	assert.Error(t, err)
	_, err = Open("/nonexistent/capture.pcap")
	assert.Error(t, err)
}

func TestRunProcessesCapture(t *testing.T) {
	b := newBench(t, nil)
	buf := writePcap(t,
		b.w.udp(cli, 53000, "10.0.0.53", 53, dnsQuery(t, 3, "run.example")),
		b.w.udp("10.0.0.53", 53, cli, 53000, dnsAnswer(t, 3, "run.example", net.IPv4(192, 0, 2, 1))),
	)
	r, err := NewReader(buf)
	require.NoError(t, err)

	require.NoError(t, b.e.Run(context.Background(), r))
	recs := answers(b.fx.Recorder)
	require.Len(t, recs, 1)
	assert.Equal(t, "192.0.2.1", recs[0].Value)
	assert.Equal(t, uint64(2), b.e.Frames())
	assert.Zero(t, b.e.Sessions())
}

func TestRunStopsOnCancel(t *testing.T) {
	b := newBench(t, nil)
	r, err := NewReader(writePcap(t, b.w.udp(cli, 53000, "10.0.0.53", 53, dnsQuery(t, 4, "x.example"))))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, b.e.Run(ctx, r), context.Canceled)
	assert.Zero(t, b.e.Frames())
}
