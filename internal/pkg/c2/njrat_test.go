package c2

import (
	"net/netip"
	"strconv"
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

func records(msgs ...string) []byte {
	var b []byte
	for _, m := range msgs {
		b = append(b, strconv.Itoa(len(m))...)
		b = append(b, 0)
		b = append(b, m...)
	}
	return b
}

func victimInfo(sp string) string {
	return "ll" + sp + strings.Join([]string{
		"SGFjS2VkXzFBMkI=", "DESKTOP-7", "alice", "24-03-01", "US",
		"Win 10 Pro SP0 x64", "No", "0.7d", "", "Tm90ZXBhZA==",
	}, sp)
}

type njratConv struct {
	fx *handlertest.Fixture
	h  *NjRAT
	s  *types.Session
}

func newNjRATConv(mutate func(*config.Config)) *njratConv {
	fx := handlertest.New(mutate)
	return &njratConv{
		fx: fx,
		h:  NewNjRAT(fx.Env),
		s:  fx.Session("10.0.0.5", 49200, "10.0.0.9", 5552, types.TransportTCP),
	}
}

func (c *njratConv) send(t *testing.T, clientToServer bool, msgs ...string) {
	t.Helper()
	payload := records(msgs...)
	f := c.fx.Frame()
	p, err := DecodeNjRAT(f, payload)
	require.NoError(t, err)
	pkts := []packet.Packet{c.fx.TCP(c.s, clientToServer, f, payload), p}
	require.True(t, c.h.CanParse(packet.KindsOf(pkts)))
	assert.Equal(t, len(payload), c.h.ExtractData(c.s, clientToServer, pkts))
}

func (c *njratConv) server() netip.AddrPort {
	return netip.AddrPortFrom(c.s.Flow.ServerIP, c.s.Flow.ServerPort)
}

func TestLooksLikeNjRAT(t *testing.T) {
	assert.True(t, LooksLikeNjRAT(records("ll|'|'|x")))
	assert.True(t, LooksLikeNjRAT([]byte("120\x00CAP")))
	assert.False(t, LooksLikeNjRAT([]byte("0\x00")))
	assert.False(t, LooksLikeNjRAT([]byte("12")))
	assert.False(t, LooksLikeNjRAT([]byte("5\x00|'|'|")))
	assert.False(t, LooksLikeNjRAT([]byte("GET / HTTP/1.1\r\n")))
}

func TestDecodeNjRAT(t *testing.T) {
	payload := append(records("P", "act|'|'|Tm90ZXBhZA=="), "40\x00kl|'|'|"...)
	p, err := DecodeNjRAT(&packet.Frame{Number: 1}, payload)
	require.NoError(t, err)
	require.Len(t, p.Messages, 2)
	assert.Equal(t, "P", string(p.Messages[0]))
	assert.Equal(t, "act|'|'|Tm90ZXBhZA==", string(p.Messages[1]))
	assert.Equal(t, len(payload)-len("40\x00kl|'|'|"), p.Length)

	_, err = DecodeNjRAT(&packet.Frame{}, []byte("17"))
	assert.ErrorIs(t, err, ErrIncomplete)
	_, err = DecodeNjRAT(&packet.Frame{}, []byte("12345678901\x00x"))
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = DecodeNjRAT(&packet.Frame{}, []byte("99999999\x00x"))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestVictimInformation(t *testing.T) {
	c := newNjRATConv(nil)
	c.send(t, true, victimInfo(DefaultSplitter))

	params := c.fx.Recorder.Parameters("njRAT ll")
	require.Len(t, params, 1)
	assert.Equal(t, "ll", params[0].Value("Command"))
	assert.Equal(t, "victim information", params[0].Value("Description"))
	assert.Equal(t, "HacKed_1A2B", params[0].Value("Victim"))
	assert.Equal(t, "DESKTOP-7", params[0].Value("Computer"))
	assert.Equal(t, "Win 10 Pro SP0 x64", params[0].Value("OS"))
	assert.Equal(t, "Notepad", params[0].Value("Active Window"))

	assert.Contains(t, c.s.Client.Hostnames(), "DESKTOP-7")
	user, ok := c.s.Client.Detail("njRAT User")
	require.True(t, ok)
	assert.Equal(t, "alice", user)
	version, _ := c.s.Client.Detail("njRAT Version")
	assert.Equal(t, "0.7d", version)
	assert.Equal(t, types.ProtocolNjRAT, c.s.Protocol())
	assert.Equal(t, DefaultSplitter, c.h.Splitter(c.server()))
	assert.Empty(t, c.fx.Recorder.Anomalies())
}

func TestCustomSplitterInferred(t *testing.T) {
	const sp = "@!#&^%$"
	c := newNjRATConv(nil)
	c.send(t, true, victimInfo(sp), "act"+sp+"Q2FsY3VsYXRvcg==")

	assert.Equal(t, sp, c.h.Splitter(c.server()))
	ll := c.fx.Recorder.Parameters("njRAT ll")
	require.Len(t, ll, 1)
	assert.Equal(t, "HacKed_1A2B", ll[0].Value("Victim"))
	assert.Equal(t, "alice", ll[0].Value("User"))
	act := c.fx.Recorder.Parameters("njRAT act")
	require.Len(t, act, 1)
	assert.Equal(t, "Calculator", act[0].Value("Active Window"))

	// later messages reuse what was inferred
	c.send(t, false, "MSG"+sp+"hello")
	msg := c.fx.Recorder.Parameters("njRAT MSG")
	require.Len(t, msg, 1)
	assert.Equal(t, "hello", msg[0].Value("Message"))
}

func TestScreenshotArtifact(t *testing.T) {
	c := newNjRATConv(nil)
	c.send(t, false, "CAP|'|'|800|'|'|600")
	assert.Empty(t, c.fx.Recorder.Files())

	// the image may contain the splitter itself
	img := "\xff\xd8\xff\xe0JFIF|'|'|\x00\x01\xff\xd9"
	c.send(t, true, "CAP|'|'|"+img)

	files := c.fx.Recorder.Files()
	require.Len(t, files, 1)
	a := files[0].Artifact
	assert.Equal(t, img, string(a.Data))
	assert.Equal(t, types.ArtifactC2, a.Kind)
	assert.True(t, a.ClientToServer)
	assert.True(t, strings.HasPrefix(a.Filename, "njRAT_CAP_"))
	assert.True(t, strings.HasSuffix(a.Filename, ".jpg"))
	assert.Equal(t, "10.0.0.5/njRAT - 5552", a.Location)

	params := c.fx.Recorder.Parameters("njRAT CAP")
	require.Len(t, params, 2)
	assert.Equal(t, "800", params[0].Value("Screenshot"))
	assert.Equal(t, "600", params[0].Value("Field 2"))
	assert.Equal(t, strconv.Itoa(len(img))+" bytes", params[1].Value("Screenshot"))
}

func TestRunFileUsesExtension(t *testing.T) {
	c := newNjRATConv(nil)
	c.send(t, false, "rn|'|'|vbs|'|'|MsgBox \"hi\"")

	files := c.fx.Recorder.Files()
	require.Len(t, files, 1)
	assert.Equal(t, "MsgBox \"hi\"", string(files[0].Artifact.Data))
	assert.True(t, strings.HasSuffix(files[0].Artifact.Filename, ".vbs"))
	assert.False(t, files[0].Artifact.ClientToServer)
}

func TestUnknownCommandReportedOnce(t *testing.T) {
	c := newNjRATConv(nil)
	c.send(t, true, "zz|'|'|1")
	c.send(t, true, "zz|'|'|2")

	anomalies := c.fx.Recorder.Anomalies()
	require.Len(t, anomalies, 1)
	assert.Contains(t, anomalies[0].Message, `"zz"`)
	params := c.fx.Recorder.Parameters("njRAT zz")
	require.Len(t, params, 2)
	assert.Equal(t, "2", params[1].Value("Field 1"))
}

func TestPingHasNoFields(t *testing.T) {
	c := newNjRATConv(nil)
	c.send(t, false, "P")
	params := c.fx.Recorder.Parameters("njRAT P")
	require.Len(t, params, 1)
	assert.Equal(t, "ping", params[0].Value("Description"))
	assert.Empty(t, c.fx.Recorder.Anomalies())
}

func TestResetForgetsSplitters(t *testing.T) {
	const sp = "#sp#"
	c := newNjRATConv(nil)
	c.send(t, true, victimInfo(sp), "act"+sp+"Q2FsY3VsYXRvcg==")
	require.Equal(t, sp, c.h.Splitter(c.server()))

	c.h.Reset()
	assert.Equal(t, DefaultSplitter, c.h.Splitter(c.server()))
	assert.Empty(t, c.fx.Recorder.OfType(events.TypeFileCompleted))
}

func TestRepeatedMessagesKeepDefaultSplitter(t *testing.T) {
	c := newNjRATConv(nil)
	for i := 0; i < 3; i++ {
		c.send(t, true, "act|'|'|Tm90ZXBhZA==")
	}
	c.send(t, true, "act|'|'|Q2FsYw==")

	assert.Equal(t, DefaultSplitter, c.h.Splitter(c.server()))
	act := c.fx.Recorder.Parameters("njRAT act")
	require.Len(t, act, 4)
	for _, p := range act[:3] {
		assert.Equal(t, "Notepad", p.Value("Active Window"))
	}
	assert.Equal(t, "Calc", act[3].Value("Active Window"))
}

func TestDefaultSplitterOutvotesItsPrefix(t *testing.T) {
	c := newNjRATConv(nil)
	c.send(t, true,
		victimInfo(DefaultSplitter),
		"act|'|'|Tm90ZXBhZA==",
		"inf|'|'|Y29uZmln",
		"act|'|Q2FsYw==|'|x",
	)

	assert.Equal(t, DefaultSplitter, c.h.Splitter(c.server()))
	ll := c.fx.Recorder.Parameters("njRAT ll")
	require.Len(t, ll, 1)
	assert.Equal(t, "alice", ll[0].Value("User"))
	inf := c.fx.Recorder.Parameters("njRAT inf")
	require.Len(t, inf, 1)
	assert.Equal(t, "config", inf[0].Value("Configuration"))
}

func TestSingleTailDoesNotReplaceDefault(t *testing.T) {
	const sp = "#sp#"
	c := newNjRATConv(nil)
	c.send(t, true, victimInfo(sp))
	assert.Equal(t, DefaultSplitter, c.h.Splitter(c.server()))

	// a second distinct tail led by the same separator settles it
	c.send(t, true, "act"+sp+"Q2FsY3VsYXRvcg==")
	assert.Equal(t, sp, c.h.Splitter(c.server()))
	act := c.fx.Recorder.Parameters("njRAT act")
	require.Len(t, act, 1)
	assert.Equal(t, "Calculator", act[0].Value("Active Window"))
}

func TestDelimiters(t *testing.T) {
	assert.Equal(t, []string{"|"}, delimiters("|'|'|Tm90ZXBhZA=="))
	assert.Equal(t, []string{"#", "#s", "#sp", "#sp#"}, delimiters("#sp#a#sp#b"))
	assert.Empty(t, delimiters("Q2FsYw=="))
}
