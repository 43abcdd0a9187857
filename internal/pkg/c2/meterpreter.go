package c2

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/assembler"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/cache"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/constants"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/events"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/handler"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/packet"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/types"
)

// MeterpreterName identifies the Meterpreter handler.
const MeterpreterName = "Meterpreter"

const (
	// MinStageSize is the smallest stage length accepted as a DLL download.
	MinStageSize = 512
	// PacketHeaderLen covers the XOR key, session GUID, encryption flags,
	// length and packet type.
	PacketHeaderLen = 32
	tlvHeaderLen    = 8
	maxTLVDepth     = 8
)

// Packet types.
const (
	PacketRequest       uint32 = 0
	PacketResponse      uint32 = 1
	PacketPlainRequest  uint32 = 10
	PacketPlainResponse uint32 = 11
)

// TLV meta types.
const (
	metaString  uint32 = 1 << 16
	metaUint    uint32 = 1 << 17
	metaRaw     uint32 = 1 << 18
	metaBool    uint32 = 1 << 19
	metaQword   uint32 = 1 << 20
	metaGroup   uint32 = 1 << 30
	metaComplex uint32 = 1 << 31
	metaMask    uint32 = 0xffff0000
)

// TLV types.
const (
	TLVMethod        = metaString | 1
	TLVCommandID     = metaUint | 1
	TLVRequestID     = metaString | 2
	TLVException     = metaGroup | 3
	TLVResult        = metaUint | 4
	TLVString        = metaString | 10
	TLVUint          = metaUint | 11
	TLVBool          = metaBool | 12
	TLVLength        = metaUint | 25
	TLVData          = metaRaw | 26
	TLVFlags         = metaUint | 27
	TLVChannelID     = metaUint | 50
	TLVChannelType   = metaString | 51
	TLVChannelData   = metaRaw | 52
	TLVChannelGroup  = metaGroup | 53
	TLVChannelClass  = metaUint | 54
	TLVMachineID     = metaString | 460
	TLVUUID          = metaRaw | 461
	TLVSessionGUID   = metaRaw | 462
	TLVComputerName  = metaString | 1040
	TLVOSName        = metaString | 1041
	TLVUserName      = metaString | 1042
	TLVArchitecture  = metaString | 1043
	TLVLanguage      = metaString | 1044
	TLVDomain        = metaString | 1046
	TLVLoggedOnUsers = metaUint | 1047
	TLVDirectoryPath = metaString | 1200
	TLVFileName      = metaString | 1201
	TLVFilePath      = metaString | 1202
	TLVPID           = metaUint | 2300
	TLVProcessName   = metaString | 2301
	TLVProcessPath   = metaString | 2302
)

var tlvNames = map[uint32]string{
	TLVMethod:        "Method",
	TLVCommandID:     "Command",
	TLVRequestID:     "Request ID",
	TLVResult:        "Result",
	TLVString:        "String",
	TLVUint:          "Number",
	TLVBool:          "Flag",
	TLVLength:        "Length",
	TLVFlags:         "Flags",
	TLVChannelID:     "Channel ID",
	TLVChannelType:   "Channel Type",
	TLVChannelClass:  "Channel Class",
	TLVMachineID:     "Machine ID",
	TLVUUID:          "Payload UUID",
	TLVSessionGUID:   "Session GUID",
	TLVComputerName:  "Computer Name",
	TLVOSName:        "OS",
	TLVUserName:      "User Name",
	TLVArchitecture:  "Architecture",
	TLVLanguage:      "System Language",
	TLVDomain:        "Domain",
	TLVLoggedOnUsers: "Logged On Users",
	TLVDirectoryPath: "Directory",
	TLVFileName:      "File Name",
	TLVFilePath:      "File Path",
	TLVPID:           "PID",
	TLVProcessName:   "Process Name",
	TLVProcessPath:   "Process Path",
}

var coreCommands = map[uint32]string{
	1:  "core_channel_close",
	2:  "core_channel_eof",
	3:  "core_channel_interact",
	4:  "core_channel_open",
	5:  "core_channel_read",
	6:  "core_channel_seek",
	7:  "core_channel_tell",
	8:  "core_channel_write",
	9:  "core_console_write",
	10: "core_enumextcmd",
	11: "core_get_session_guid",
	12: "core_loadlib",
	13: "core_machine_id",
	14: "core_migrate",
	15: "core_native_arch",
	16: "core_negotiate_tlv_encryption",
	17: "core_patch_url",
	18: "core_pivot_add",
	19: "core_pivot_remove",
	20: "core_pivot_session_died",
	21: "core_set_session_guid",
	22: "core_set_uuid",
	23: "core_shutdown",
}

// MeterpreterCommand names a numeric command id.
func MeterpreterCommand(id uint32) string {
	if name, ok := coreCommands[id]; ok {
		return name
	}
	return fmt.Sprintf("command %d", id)
}

// LooksLikeStage reports whether payload starts a stage download: a little
// endian length followed by a PE image.
func LooksLikeStage(payload []byte) bool {
	if len(payload) < 6 {
		return false
	}
	l := binary.LittleEndian.Uint32(payload)
	return l >= MinStageSize && l <= constants.MaxC2MessageSize && payload[4] == 'M' && payload[5] == 'Z'
}

// Header is the decoded fixed part of a TLV packet.
type Header struct {
	XORKey      [4]byte
	SessionGUID [16]byte
	Encrypted   bool
	// Length counts the length and type fields and the TLVs.
	Length uint32
	Type   uint32
}

// unmask undoes the rolling XOR that follows the key.
func unmask(key [4]byte, b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		out[i] = c ^ key[i%4]
	}
	return out
}

// ParseHeader decodes the packet header at the start of b.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < PacketHeaderLen {
		return Header{}, ErrIncomplete
	}
	var h Header
	copy(h.XORKey[:], b)
	plain := unmask(h.XORKey, b[4:PacketHeaderLen])
	copy(h.SessionGUID[:], plain)
	flags := binary.BigEndian.Uint32(plain[16:])
	h.Encrypted = flags != 0
	h.Length = binary.BigEndian.Uint32(plain[20:])
	h.Type = binary.BigEndian.Uint32(plain[24:])
	if flags > 1 || h.Length < tlvHeaderLen || h.Length > constants.MaxC2MessageSize {
		return h, ErrMalformed
	}
	switch h.Type {
	case PacketRequest, PacketResponse, PacketPlainRequest, PacketPlainResponse:
	default:
		return h, ErrMalformed
	}
	return h, nil
}

// Size is the number of bytes the whole packet occupies.
func (h Header) Size() int { return PacketHeaderLen - tlvHeaderLen + int(h.Length) }

// Request reports whether the packet is a request.
func (h Header) Request() bool { return h.Type == PacketRequest || h.Type == PacketPlainRequest }

// LooksLikeTLVPacket reports whether payload starts with a plausible
// packet header.
func LooksLikeTLVPacket(payload []byte) bool {
	_, err := ParseHeader(payload)
	return err == nil
}

// TLV is one type-length-value item. Group values are parsed into
// Children.
type TLV struct {
	Type     uint32
	Value    []byte
	Children []TLV
}

// ParseTLVs reads the TLV items of b.
func ParseTLVs(b []byte) ([]TLV, error) {
	return parseTLVs(b, 0)
}

func parseTLVs(b []byte, depth int) ([]TLV, error) {
	if depth > maxTLVDepth {
		return nil, ErrMalformed
	}
	var out []TLV
	for len(b) > 0 {
		if len(b) < tlvHeaderLen {
			return out, ErrMalformed
		}
		l := int(binary.BigEndian.Uint32(b))
		if l < tlvHeaderLen || l > len(b) {
			return out, ErrMalformed
		}
		t := TLV{Type: binary.BigEndian.Uint32(b[4:]), Value: b[tlvHeaderLen:l]}
		if t.Type&metaGroup != 0 {
			children, err := parseTLVs(t.Value, depth+1)
			if err != nil {
				return out, err
			}
			t.Children = children
		}
		out = append(out, t)
		b = b[l:]
	}
	return out, nil
}

func (t TLV) number() (uint32, bool) {
	if len(t.Value) < 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(t.Value), true
}

func (t TLV) text() string {
	return strings.TrimRight(string(t.Value), "\x00")
}

// render formats a scalar TLV value.
func (t TLV) render() string {
	switch t.Type & metaMask {
	case metaString:
		return printable(t.text())
	case metaUint:
		v, _ := t.number()
		if t.Type == TLVCommandID {
			return MeterpreterCommand(v)
		}
		return fmt.Sprint(v)
	case metaQword:
		if len(t.Value) >= 8 {
			return fmt.Sprint(binary.BigEndian.Uint64(t.Value))
		}
	case metaBool:
		if len(t.Value) > 0 && t.Value[0] != 0 {
			return "true"
		}
		return "false"
	case metaRaw:
		if len(t.Value) <= 16 {
			return strings.ToUpper(hex.EncodeToString(t.Value))
		}
		return fmt.Sprintf("%d bytes", len(t.Value))
	}
	return fmt.Sprintf("%d bytes", len(t.Value))
}

func tlvName(t uint32) string {
	if name, ok := tlvNames[t]; ok {
		return name
	}
	return fmt.Sprintf("TLV 0x%08x", t)
}

// MeterpreterPacket is the payload of a Meterpreter session: the stage
// download or TLV packets.
type MeterpreterPacket struct {
	packet.Base
}

func (*MeterpreterPacket) Kind() packet.Kind { return packet.KindMeterpreter }

// NewMeterpreterPacket wraps payload.
func NewMeterpreterPacket(f *packet.Frame, payload []byte) *MeterpreterPacket {
	return &MeterpreterPacket{Base: packet.Base{F: f, Data: payload}}
}

type channelKey struct {
	id             uint32
	clientToServer bool
}

type mtrSession struct {
	channels  map[channelKey]*assembler.StreamAssembler
	encrypted bool
}

func (st *mtrSession) closeChannel(id uint32) {
	for _, dir := range []bool{true, false} {
		k := channelKey{id: id, clientToServer: dir}
		if a, ok := st.channels[k]; ok {
			a.AssembleAndClose()
			delete(st.channels, k)
		}
	}
}

func (st *mtrSession) closeAll(emit bool) {
	for k, a := range st.channels {
		if emit {
			a.AssembleAndClose()
		} else {
			a.Discard()
		}
		delete(st.channels, k)
	}
}

// Meterpreter extracts the downloaded stage, interprets TLV packets and
// collects channel data.
type Meterpreter struct {
	handler.Base
	env *handler.Env
	log *slog.Logger

	mu       sync.Mutex
	sessions *cache.LRU[types.FiveTuple, *mtrSession]
}

// NewMeterpreter creates the Meterpreter handler.
func NewMeterpreter(env *handler.Env) *Meterpreter {
	h := &Meterpreter{
		Base: handler.NewBase(MeterpreterName, packet.KindMeterpreter),
		env:  env,
		log:  env.Log(MeterpreterName),
	}
	h.sessions = cache.New[types.FiveTuple, *mtrSession](env.StateCapacity(), h.evicted).
		WithEvictionCounter(env.Metrics.Eviction("meterpreter_sessions"))
	return h
}

func (h *Meterpreter) evicted(_ types.FiveTuple, st *mtrSession, reason cache.EvictReason) {
	st.closeAll(reason == cache.Capacity)
}

// CanParse also accepts bare TCP so the rest of a stage reaches its
// assembler.
func (h *Meterpreter) CanParse(present packet.KindSet) bool {
	return present.Intersects(packet.Kinds(packet.KindMeterpreter, packet.KindTCP))
}

// ExtractData consumes the stage header and the stage bytes its assembler
// accepts, or every complete TLV packet.
func (h *Meterpreter) ExtractData(s *types.Session, clientToServer bool, pkts []packet.Packet) int {
	p, ok := packet.Find[*MeterpreterPacket](pkts)
	if !ok {
		tcp, ok := packet.Find[*packet.TCP](pkts)
		if !ok || s.Protocol() != types.ProtocolMeterpreter {
			return 0
		}
		return h.stageData(s, clientToServer, tcp.Payload())
	}
	f := p.Frame()
	b := p.Payload()
	if n := h.stageData(s, clientToServer, b); n > 0 {
		return n
	}
	if !clientToServer && LooksLikeStage(b) {
		return h.stage(s, f, b)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	st, _ := h.sessions.GetOrAdd(s.Flow, func() *mtrSession {
		return &mtrSession{channels: map[channelKey]*assembler.StreamAssembler{}}
	})
	off := 0
	for off < len(b) {
		hdr, err := ParseHeader(b[off:])
		if errors.Is(err, ErrIncomplete) {
			break
		}
		if err != nil {
			h.log.Debug("Not a TLV packet", "flow", s.Flow.String(), "frame", f.Number, "error", err)
			return len(b)
		}
		if len(b)-off < hdr.Size() {
			break
		}
		h.interpret(st, s, clientToServer, f, hdr, b[off+PacketHeaderLen:off+hdr.Size()])
		off += hdr.Size()
	}
	return off
}

// CloseSession emits the data collected for open channels.
func (h *Meterpreter) CloseSession(s *types.Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if st, ok := h.sessions.Remove(s.Flow); ok {
		st.closeAll(true)
	}
}

// Reset drops every session and unfinished channel.
func (h *Meterpreter) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions.Clear()
}

// stageData feeds the active stage assembler of the direction.
func (h *Meterpreter) stageData(s *types.Session, clientToServer bool, b []byte) int {
	a, ok := h.env.Files.Stream(assembler.Key{Flow: s.Flow, ClientToServer: clientToServer})
	if !ok || !a.IsActive() || a.IsClosed() {
		return 0
	}
	n, err := a.AddData(b, assembler.NoSequence)
	if err != nil {
		return 0
	}
	return n
}

func (h *Meterpreter) stage(s *types.Session, f *packet.Frame, b []byte) int {
	l := int64(binary.LittleEndian.Uint32(b))
	s.CompareAndSetProtocol(types.ProtocolUnknown, types.ProtocolMeterpreter)
	h.env.Parameters(f, s, false, "Meterpreter Stage", []events.NameValue{
		{Name: "Length", Value: fmt.Sprint(l)},
	})
	a := h.env.Files.NewStream(assembler.Options{
		Flow:           s.Flow,
		Kind:           types.ArtifactC2,
		Filename:       "meterpreter_stage.dll",
		Location:       handler.FileLocation(s, false, MeterpreterName),
		Details:        "Meterpreter stage",
		DeclaredLength: l,
		Frame:          f.Number,
		Time:           f.Timestamp,
	})
	if !a.TryActivate() {
		h.env.Anomaly(f, MeterpreterName, s.Flow, "stage collides with an active assembler")
		return len(b)
	}
	n, err := a.AddData(b[4:], assembler.NoSequence)
	if err != nil {
		return len(b)
	}
	return 4 + n
}

func (h *Meterpreter) interpret(st *mtrSession, s *types.Session, clientToServer bool, f *packet.Frame, hdr Header, body []byte) {
	s.CompareAndSetProtocol(types.ProtocolUnknown, types.ProtocolMeterpreter)
	if hdr.Encrypted {
		if !st.encrypted {
			st.encrypted = true
			h.env.Anomaly(f, MeterpreterName, s.Flow, "TLV packets are AES encrypted")
		}
		return
	}
	tlvs, err := ParseTLVs(unmask(hdr.XORKey, body))
	if err != nil {
		h.env.Anomaly(f, MeterpreterName, s.Flow, "malformed TLV packet: %v", err)
	}

	label := "Meterpreter Response"
	if hdr.Request() {
		label = "Meterpreter Request"
	}
	params := []events.NameValue{{Name: "Session GUID", Value: strings.ToUpper(hex.EncodeToString(hdr.SessionGUID[:]))}}
	var method string
	var channel uint32
	haveChannel := false
	var data [][]byte
	var walk func(items []TLV)
	walk = func(items []TLV) {
		for _, t := range items {
			switch {
			case t.Type == TLVChannelData:
				data = append(data, t.Value)
				params = append(params, events.NameValue{Name: "Channel Data", Value: fmt.Sprintf("%d bytes", len(t.Value))})
				continue
			case t.Children != nil:
				walk(t.Children)
				continue
			case t.Type&metaGroup != 0:
				continue
			}
			switch t.Type {
			case TLVMethod:
				method = t.text()
			case TLVCommandID:
				v, _ := t.number()
				method = MeterpreterCommand(v)
			case TLVChannelID:
				channel, haveChannel = t.number()
			}
			params = append(params, events.NameValue{Name: tlvName(t.Type), Value: t.render()})
			h.hostDetail(s, t)
		}
	}
	walk(tlvs)
	h.env.Parameters(f, s, clientToServer, label, params)

	if haveChannel {
		for _, d := range data {
			h.channelData(st, s, clientToServer, f, channel, d)
		}
		if method == "core_channel_close" && hdr.Request() {
			st.closeChannel(channel)
		}
	}
}

// hostDetail records what sysinfo responses say about the victim.
func (h *Meterpreter) hostDetail(s *types.Session, t TLV) {
	victim := s.Client
	switch t.Type {
	case TLVComputerName:
		victim.AddHostname(t.text())
	case TLVOSName:
		victim.AddDetail("Meterpreter OS", t.text())
	case TLVUserName:
		victim.AddDetail("Meterpreter User", t.text())
	case TLVDomain:
		victim.AddDetail("Meterpreter Domain", t.text())
	case TLVArchitecture:
		victim.AddDetail("Meterpreter Architecture", t.text())
	}
}

func (h *Meterpreter) channelData(st *mtrSession, s *types.Session, clientToServer bool, f *packet.Frame, id uint32, d []byte) {
	k := channelKey{id: id, clientToServer: clientToServer}
	a, ok := st.channels[k]
	if !ok {
		a = h.env.Files.NewStream(assembler.Options{
			Flow:           s.Flow,
			ClientToServer: clientToServer,
			StreamID:       fmt.Sprintf("meterpreter-channel-%d", id),
			Kind:           types.ArtifactC2,
			Filename:       fmt.Sprintf("meterpreter_channel_%d.bin", id),
			Location:       handler.FileLocation(s, clientToServer, MeterpreterName),
			Details:        fmt.Sprintf("Meterpreter channel %d", id),
			DeclaredLength: -1,
			Frame:          f.Number,
			Time:           f.Timestamp,
		})
		if !a.TryActivate() {
			return
		}
		st.channels[k] = a
	}
	if _, err := a.AddData(d, assembler.NoSequence); err != nil {
		delete(st.channels, k)
	}
}
