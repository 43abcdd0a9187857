package c2

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/cache"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/events"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/handler"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/packet"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/types"
)

// BackConnectName identifies the BackConnect handler.
const BackConnectName = "BackConnect"

const (
	// FrameLen is the size of a BackConnect control frame.
	FrameLen       = 13
	maxProbeFrames = 4
	maxInputLine   = 4096
)

// BackConnect commands.
const (
	CmdKeepAlive         uint8 = 0x00
	CmdSleep             uint8 = 0x01
	CmdSOCKS             uint8 = 0x02
	CmdVNC               uint8 = 0x03
	CmdReverseShell      uint8 = 0x04
	CmdFileManager       uint8 = 0x05
	CmdReversePowerShell uint8 = 0x06
	CmdTerminate         uint8 = 0xff
)

var backConnectCommands = map[uint8]string{
	CmdKeepAlive:         "Keep-alive",
	CmdSleep:             "Sleep",
	CmdSOCKS:             "SOCKS",
	CmdVNC:               "VNC",
	CmdReverseShell:      "Reverse Shell",
	CmdFileManager:       "File Manager",
	CmdReversePowerShell: "Reverse Shell (PowerShell)",
	CmdTerminate:         "Terminate",
}

// Frame is one control frame: a bot authentication id, a command, and
// two little endian arguments.
type Frame struct {
	AuthID  uint32
	Command uint8
	ID      uint32
	Param   uint32
}

// BackConnectCommand names a command byte.
func BackConnectCommand(c uint8) string {
	if name, ok := backConnectCommands[c]; ok {
		return name
	}
	return fmt.Sprintf("0x%02x", c)
}

// ParseFrame reads the frame at the start of b.
func ParseFrame(b []byte) (Frame, error) {
	if len(b) < FrameLen {
		return Frame{}, ErrIncomplete
	}
	return Frame{
		AuthID:  binary.LittleEndian.Uint32(b),
		Command: b[4],
		ID:      binary.LittleEndian.Uint32(b[5:]),
		Param:   binary.LittleEndian.Uint32(b[9:]),
	}, nil
}

// LooksLikeBackConnect reports whether payload is a few whole control
// frames with known commands.
func LooksLikeBackConnect(payload []byte) bool {
	if len(payload) == 0 || len(payload)%FrameLen != 0 || len(payload) > maxProbeFrames*FrameLen {
		return false
	}
	for off := 0; off < len(payload); off += FrameLen {
		fr, _ := ParseFrame(payload[off:])
		if _, ok := backConnectCommands[fr.Command]; !ok || fr.AuthID == 0 {
			return false
		}
	}
	return true
}

// BackConnectPacket is the payload of a BackConnect session: control
// frames, or shell and file manager traffic once an interactive command
// was given.
type BackConnectPacket struct {
	packet.Base
}

func (*BackConnectPacket) Kind() packet.Kind { return packet.KindBackConnect }

// NewBackConnectPacket wraps payload.
func NewBackConnectPacket(f *packet.Frame, payload []byte) *BackConnectPacket {
	return &BackConnectPacket{Base: packet.Base{F: f, Data: payload}}
}

type bcMode uint8

const (
	bcControl bcMode = iota
	bcShell
	bcFiles
)

type bcSession struct {
	session *types.Session
	mode    bcMode
	subject string
	tr      *transcript
	input   []byte
	last    *packet.Frame
}

// BackConnect follows BackConnect control sessions and the interactive
// sessions they start.
type BackConnect struct {
	handler.Base
	env *handler.Env
	log *slog.Logger

	mu       sync.Mutex
	sessions *cache.LRU[types.FiveTuple, *bcSession]
}

// NewBackConnect creates the BackConnect handler.
func NewBackConnect(env *handler.Env) *BackConnect {
	h := &BackConnect{
		Base: handler.NewBase(BackConnectName, packet.KindBackConnect),
		env:  env,
		log:  env.Log(BackConnectName),
	}
	h.sessions = cache.New[types.FiveTuple, *bcSession](env.StateCapacity(), h.evicted).
		WithEvictionCounter(env.Metrics.Eviction("backconnect_sessions"))
	return h
}

func (h *BackConnect) evicted(_ types.FiveTuple, st *bcSession, reason cache.EvictReason) {
	if reason == cache.Capacity {
		h.finish(st)
		return
	}
	st.tr.discard()
}

func (h *BackConnect) finish(st *bcSession) {
	if len(st.input) > 0 && st.last != nil {
		h.operator(st, st.last, string(st.input))
		st.input = nil
	}
	st.tr.close()
	st.tr = nil
}

// ExtractData consumes whole control frames, and everything once the
// session turned interactive.
func (h *BackConnect) ExtractData(s *types.Session, clientToServer bool, pkts []packet.Packet) int {
	p, ok := packet.Find[*BackConnectPacket](pkts)
	if !ok {
		return 0
	}
	f := p.Frame()
	h.mu.Lock()
	defer h.mu.Unlock()
	st, _ := h.sessions.GetOrAdd(s.Flow, func() *bcSession { return &bcSession{session: s} })
	st.last = f

	b := p.Payload()
	off := 0
	for st.mode == bcControl && len(b)-off >= FrameLen {
		fr, _ := ParseFrame(b[off:])
		off += FrameLen
		h.command(st, s, clientToServer, f, fr)
	}
	if st.mode == bcControl {
		return off
	}
	data := b[off:]
	st.tr.write(data)
	if !clientToServer {
		h.input(st, f, data)
	}
	return len(b)
}

// CloseSession emits the transcript of an interactive session.
func (h *BackConnect) CloseSession(s *types.Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if st, ok := h.sessions.Remove(s.Flow); ok {
		h.finish(st)
	}
}

// Reset drops every session and unfinished transcript.
func (h *BackConnect) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions.Clear()
}

func (h *BackConnect) command(st *bcSession, s *types.Session, clientToServer bool, f *packet.Frame, fr Frame) {
	if _, ok := backConnectCommands[fr.Command]; !ok {
		h.env.Anomaly(f, BackConnectName, s.Flow, "unknown BackConnect command 0x%02x", fr.Command)
	} else {
		s.CompareAndSetProtocol(types.ProtocolUnknown, types.ProtocolBackConnect)
	}
	h.env.Parameters(f, s, clientToServer, "BackConnect Command", []events.NameValue{
		{Name: "Auth ID", Value: fmt.Sprintf("0x%08X", fr.AuthID)},
		{Name: "Command", Value: BackConnectCommand(fr.Command)},
		{Name: "ID", Value: fmt.Sprint(fr.ID)},
		{Name: "Param", Value: fmt.Sprint(fr.Param)},
	})
	s.Client.AddDetail("BackConnect Auth ID", fmt.Sprintf("0x%08X", fr.AuthID))

	var filename string
	switch fr.Command {
	case CmdReverseShell, CmdReversePowerShell:
		st.mode, filename = bcShell, "BackConnect_reverse_shell_%d.txt"
	case CmdFileManager:
		st.mode, filename = bcFiles, "BackConnect_file_manager_%d.txt"
	default:
		return
	}
	st.subject = BackConnectCommand(fr.Command)
	st.tr = openTranscript(h.env, s, f, BackConnectName, fmt.Sprintf("backconnect-%d", f.Number), fmt.Sprintf(filename, f.Number))
	h.log.Debug("Interactive session", "flow", s.Flow.String(), "frame", f.Number, "mode", st.subject)
}

// input splits what the operator typed into lines.
func (h *BackConnect) input(st *bcSession, f *packet.Frame, data []byte) {
	st.input = append(st.input, data...)
	for {
		i := bytes.IndexByte(st.input, '\n')
		if i < 0 {
			break
		}
		h.operator(st, f, string(st.input[:i]))
		st.input = st.input[i+1:]
	}
	if len(st.input) >= maxInputLine {
		h.operator(st, f, string(st.input))
		st.input = nil
	}
	if len(st.input) == 0 {
		st.input = nil
	}
}

func (h *BackConnect) operator(st *bcSession, f *packet.Frame, line string) {
	line = strings.TrimRight(line, "\r")
	if line == "" {
		return
	}
	flow := st.session.Flow
	h.env.Message(f, &events.Message{
		Protocol: BackConnectName,
		Flow:     flow,
		From:     flow.ServerIP.String(),
		To:       flow.ClientIP.String(),
		Subject:  st.subject,
		Body:     printable(line),
	})
}
