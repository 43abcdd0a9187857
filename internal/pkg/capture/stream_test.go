package capture

import (
	"net"
	"strings"
	"testing"

	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/assembler"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadUntilCloseBodyEmittedAtFin(t *testing.T) {
	b := newBench(t, nil)
	b.handshake(51010, 80)

	req := "GET /index.html HTTP/1.0\r\nHost: example.com\r\n\r\n"
	b.e.ProcessPacket(b.w.tcp(cli, 51010, srv, 80, 1001, "A", req))
	resp := "HTTP/1.0 200 OK\r\nContent-Type: text/html\r\n\r\n<html>hi</html>"
	b.e.ProcessPacket(b.w.tcp(srv, 80, cli, 51010, 5001, "A", resp))
	assert.Empty(t, b.fx.Recorder.Files())

	b.e.ProcessPacket(b.w.tcp(srv, 80, cli, 51010, 5001+uint32(len(resp)), "FA", ""))
	b.e.ProcessPacket(b.w.tcp(cli, 51010, srv, 80, 1001+uint32(len(req)), "FA", ""))
	assert.Zero(t, b.e.Sessions())

	files := b.fx.Recorder.Files()
	require.Len(t, files, 1)
	a := files[0].Artifact
	assert.Equal(t, "<html>hi</html>", string(a.Data))
	assert.False(t, a.Truncated)
	assert.Zero(t, b.fx.Env.Files.Len())
}

func TestResetTruncatesDeclaredBody(t *testing.T) {
	b := newBench(t, nil)
	b.handshake(51011, 80)

	req := "GET /big.bin HTTP/1.1\r\nHost: example.com\r\n\r\n"
	b.e.ProcessPacket(b.w.tcp(cli, 51011, srv, 80, 1001, "A", req))
	resp := "HTTP/1.1 200 OK\r\nContent-Length: 100\r\n\r\npartial"
	b.e.ProcessPacket(b.w.tcp(srv, 80, cli, 51011, 5001, "A", resp))
	b.e.ProcessPacket(b.w.tcp(srv, 80, cli, 51011, 5001+uint32(len(resp)), "R", ""))

	files := b.fx.Recorder.Files()
	require.Len(t, files, 1)
	assert.Equal(t, "partial", string(files[0].Artifact.Data))
	assert.True(t, files[0].Artifact.Truncated)
	var messages []string
	for _, an := range b.fx.Recorder.Anomalies() {
		messages = append(messages, an.Message)
	}
	assert.Contains(t, strings.Join(messages, "\n"), "received 7 bytes, expected 100")
}

func TestCloseFlushesOrphanedAssemblers(t *testing.T) {
	b := newBench(t, nil)
	flow := types.NewFiveTuple(net.ParseIP(cli), 69, net.ParseIP(srv), 69, types.TransportUDP)
	a := b.fx.Env.Files.NewSegment(assembler.Options{
		Flow:           flow,
		Kind:           types.ArtifactTFTP,
		Filename:       "boot.cfg",
		DeclaredLength: -1,
	})
	require.True(t, a.TryActivate())
	require.NoError(t, a.WriteAt(0, []byte("hostname r1\n")))

	b.e.Close()
	files := b.fx.Recorder.Files()
	require.Len(t, files, 1)
	assert.Equal(t, "boot.cfg", files[0].Artifact.Filename)
	assert.Zero(t, b.fx.Env.Files.Len())
}

func TestGapFlushedAtClose(t *testing.T) {
	b := newBench(t, nil)
	b.handshake(51012, 9999)
	b.e.ProcessPacket(b.w.tcp(cli, 51012, srv, 9999, 1101, "A", "late"))
	assert.Empty(t, b.fx.Recorder.Anomalies())

	b.e.Close()
	anomalies := b.fx.Recorder.Anomalies()
	require.Len(t, anomalies, 1)
	assert.Equal(t, "capture", anomalies[0].Handler)
	assert.Equal(t, "100 bytes missing in client to server stream, skipped", anomalies[0].Message)
	assert.Zero(t, b.e.Sessions())
}

func TestGapSkippedWhenBufferFull(t *testing.T) {
	b := newBench(t, nil)
	b.handshake(51013, 9999)
	// the segment at 1001 is never captured
	for i := 0; i <= maxBufferedPages+4; i++ {
		b.e.ProcessPacket(b.w.tcp(cli, 51013, srv, 9999, 1011+uint32(i), "A", "x"))
	}

	anomalies := b.fx.Recorder.Anomalies()
	require.Len(t, anomalies, 1)
	assert.Equal(t, "10 bytes missing in client to server stream, skipped", anomalies[0].Message)
	assert.Equal(t, 1, b.e.Sessions())
}

func TestStreamJoinedMidStreamAcrossWrap(t *testing.T) {
	b := newBench(t, nil)
	req := "GET /wrap.txt HTTP/1.1\r\nHost: wrap.example.com\r\n\r\n"
	// no handshake and the sequence space wraps inside the request
	first, second := req[:16], req[16:]
	b.e.ProcessPacket(b.w.tcp(cli, 51014, srv, 80, 0xfffffff0, "A", first))
	b.e.ProcessPacket(b.w.tcp(cli, 51014, srv, 80, 0, "A", second))

	require.Equal(t, 1, b.e.Sessions())
	st := b.e.flows.Values()[0]
	assert.Equal(t, types.ProtocolHTTP, st.session.Protocol())
	assert.Contains(t, st.session.Server.Hostnames(), "wrap.example.com")
	assert.Zero(t, st.pending[0])
	assert.Empty(t, b.fx.Recorder.Anomalies())
}

func TestPartialMessageKeptUntilComplete(t *testing.T) {
	b := newBench(t, nil)
	b.handshake(51015, 80)

	req := "GET /split.txt HTTP/1.1\r\nHost: split.example.com\r\n\r\n"
	b.e.ProcessPacket(b.w.tcp(cli, 51015, srv, 80, 1001, "A", req[:20]))
	st := b.e.flows.Values()[0]
	assert.Equal(t, 20, st.pending[0])
	assert.NotContains(t, st.session.Server.Hostnames(), "split.example.com")

	b.e.ProcessPacket(b.w.tcp(cli, 51015, srv, 80, 1021, "A", req[20:]))
	assert.Zero(t, st.pending[0])
	assert.Contains(t, st.session.Server.Hostnames(), "split.example.com")
}
