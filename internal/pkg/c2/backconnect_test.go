package c2

import (
	"encoding/binary"
	"strings"
	"testing"

	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/config"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/events"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/handler/handlertest"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/packet"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const authID = 0x5eed1234

func frame(auth uint32, cmd uint8, id, param uint32) []byte {
	b := binary.LittleEndian.AppendUint32(nil, auth)
	b = append(b, cmd)
	b = binary.LittleEndian.AppendUint32(b, id)
	return binary.LittleEndian.AppendUint32(b, param)
}

type bcConv struct {
	fx *handlertest.Fixture
	h  *BackConnect
	s  *types.Session
}

func newBCConv(mutate func(*config.Config)) *bcConv {
	fx := handlertest.New(mutate)
	return &bcConv{
		fx: fx,
		h:  NewBackConnect(fx.Env),
		s:  fx.Session("10.0.0.5", 49300, "10.0.0.9", 443, types.TransportTCP),
	}
}

func (c *bcConv) sendOn(s *types.Session, clientToServer bool, payload []byte) int {
	f := c.fx.Frame()
	pkts := []packet.Packet{c.fx.TCP(s, clientToServer, f, payload), NewBackConnectPacket(f, payload)}
	return c.h.ExtractData(s, clientToServer, pkts)
}

func (c *bcConv) all(t *testing.T, clientToServer bool, payload []byte) {
	t.Helper()
	assert.Equal(t, len(payload), c.sendOn(c.s, clientToServer, payload))
}

func messages(rec *events.Recorder) []*events.Message {
	var out []*events.Message
	for _, ev := range rec.OfType(events.TypeMessage) {
		out = append(out, ev.Data.(*events.Message))
	}
	return out
}

func TestLooksLikeBackConnect(t *testing.T) {
	assert.True(t, LooksLikeBackConnect(frame(authID, CmdSleep, 1, 60)))
	assert.True(t, LooksLikeBackConnect(append(frame(authID, CmdKeepAlive, 0, 0), frame(authID, CmdSOCKS, 2, 0)...)))
	assert.False(t, LooksLikeBackConnect(frame(authID, CmdSleep, 1, 60)[:12]))
	assert.False(t, LooksLikeBackConnect(frame(authID, 0x42, 1, 60)))
	assert.False(t, LooksLikeBackConnect(frame(0, CmdSleep, 1, 60)))
	var many []byte
	for i := 0; i < 5; i++ {
		many = append(many, frame(authID, CmdKeepAlive, 0, 0)...)
	}
	assert.False(t, LooksLikeBackConnect(many))
}

func TestControlFrames(t *testing.T) {
	c := newBCConv(nil)
	c.all(t, false, frame(authID, CmdSleep, 1, 60))

	params := c.fx.Recorder.Parameters("BackConnect Command")
	require.Len(t, params, 1)
	assert.Equal(t, "0x5EED1234", params[0].Value("Auth ID"))
	assert.Equal(t, "Sleep", params[0].Value("Command"))
	assert.Equal(t, "1", params[0].Value("ID"))
	assert.Equal(t, "60", params[0].Value("Param"))
	assert.Equal(t, types.ProtocolBackConnect, c.s.Protocol())
	id, _ := c.s.Client.Detail("BackConnect Auth ID")
	assert.Equal(t, "0x5EED1234", id)

	// a partial frame waits for the rest
	payload := append(frame(authID, CmdKeepAlive, 2, 0), frame(authID, CmdVNC, 3, 0)[:5]...)
	assert.Equal(t, FrameLen, c.sendOn(c.s, false, payload))
	assert.Len(t, c.fx.Recorder.Parameters("BackConnect Command"), 2)
}

func TestUnknownCommand(t *testing.T) {
	c := newBCConv(nil)
	c.all(t, false, frame(authID, 0x42, 1, 0))

	require.Len(t, c.fx.Recorder.Anomalies(), 1)
	assert.Contains(t, c.fx.Recorder.Anomalies()[0].Message, "0x42")
	params := c.fx.Recorder.Parameters("BackConnect Command")
	require.Len(t, params, 1)
	assert.Equal(t, "0x42", params[0].Value("Command"))
	assert.Equal(t, types.ProtocolUnknown, c.s.Protocol())
}

func TestReverseShellTranscript(t *testing.T) {
	c := newBCConv(nil)
	c.all(t, false, append(frame(authID, CmdReverseShell, 7, 0), "whoami\r\n"...))
	c.all(t, true, []byte("corp\\alice\r\n"))
	c.all(t, false, []byte("dir C:\\\r\nipco"))

	msgs := messages(c.fx.Recorder)
	require.Len(t, msgs, 2)
	assert.Equal(t, "whoami", msgs[0].Body)
	assert.Equal(t, "dir C:\\", msgs[1].Body)
	assert.Equal(t, "Reverse Shell", msgs[0].Subject)
	assert.Equal(t, "10.0.0.9", msgs[0].From)
	assert.Equal(t, "10.0.0.5", msgs[0].To)
	assert.Empty(t, c.fx.Recorder.Files())

	c.h.CloseSession(c.s)
	msgs = messages(c.fx.Recorder)
	require.Len(t, msgs, 3)
	assert.Equal(t, "ipco", msgs[2].Body)

	files := c.fx.Recorder.Files()
	require.Len(t, files, 1)
	a := files[0].Artifact
	assert.Equal(t, "whoami\r\ncorp\\alice\r\ndir C:\\\r\nipco", string(a.Data))
	assert.True(t, strings.HasPrefix(a.Filename, "BackConnect_reverse_shell_"))
	assert.Equal(t, types.ArtifactC2, a.Kind)
	assert.False(t, a.Truncated)
}

func TestFileManagerSession(t *testing.T) {
	c := newBCConv(nil)
	c.all(t, false, frame(authID, CmdFileManager, 8, 0))
	c.all(t, false, []byte("LIST C:\\Users\n"))

	msgs := messages(c.fx.Recorder)
	require.Len(t, msgs, 1)
	assert.Equal(t, "File Manager", msgs[0].Subject)
	assert.Equal(t, "LIST C:\\Users", msgs[0].Body)

	c.h.CloseSession(c.s)
	files := c.fx.Recorder.Files()
	require.Len(t, files, 1)
	assert.True(t, strings.HasPrefix(files[0].Artifact.Filename, "BackConnect_file_manager_"))
}

func TestEmptyTranscriptNotEmitted(t *testing.T) {
	c := newBCConv(nil)
	c.all(t, false, frame(authID, CmdReversePowerShell, 9, 0))
	c.h.CloseSession(c.s)
	assert.Empty(t, c.fx.Recorder.Files())
}

func TestEvictionFlushesTranscript(t *testing.T) {
	c := newBCConv(func(cfg *config.Config) { cfg.Limits.HandlerStateCapacity = 1 })
	c.all(t, false, append(frame(authID, CmdReverseShell, 7, 0), "hostname\n"...))
	c.all(t, true, []byte("WS01\n"))

	other := c.fx.Session("10.0.0.6", 49301, "10.0.0.9", 443, types.TransportTCP)
	assert.Equal(t, FrameLen, c.sendOn(other, false, frame(authID, CmdKeepAlive, 1, 0)))

	files := c.fx.Recorder.Files()
	require.Len(t, files, 1)
	assert.Equal(t, "hostname\nWS01\n", string(files[0].Artifact.Data))
}

func TestResetDiscardsTranscript(t *testing.T) {
	c := newBCConv(nil)
	c.all(t, false, append(frame(authID, CmdReverseShell, 7, 0), "ls"...))
	c.h.Reset()
	c.h.CloseSession(c.s)
	assert.Empty(t, c.fx.Recorder.Files())
	assert.Empty(t, messages(c.fx.Recorder))
}
