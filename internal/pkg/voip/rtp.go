package voip

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/assembler"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/events"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/handler"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/packet"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/types"
)

// RTPName identifies the RTP handler.
const RTPName = "RTP"

// maxStreamSamples caps the audio kept per stream, one hour of G.711
const maxStreamSamples = 3600 * g711Rate

var errNotRTP = errors.New("voip: not an RTP packet")

// RTPHeader is the fixed RTP header.
type RTPHeader struct {
	PayloadType uint8
	Marker      bool
	Sequence    uint16
	Timestamp   uint32
	SSRC        uint32
}

// ParseRTP splits an RTP packet into header and payload, skipping CSRCs,
// the header extension and padding.
func ParseRTP(b []byte) (RTPHeader, []byte, error) {
	var h RTPHeader
	if len(b) < 12 || b[0]>>6 != 2 {
		return h, nil, errNotRTP
	}
	h.Marker = b[1]&0x80 != 0
	h.PayloadType = b[1] & 0x7f
	h.Sequence = binary.BigEndian.Uint16(b[2:])
	h.Timestamp = binary.BigEndian.Uint32(b[4:])
	h.SSRC = binary.BigEndian.Uint32(b[8:])
	if h.PayloadType >= 72 && h.PayloadType <= 76 {
		// RTCP sharing the port
		return h, nil, errNotRTP
	}

	off := 12 + int(b[0]&0x0f)*4
	if b[0]&0x10 != 0 {
		if len(b) < off+4 {
			return h, nil, errNotRTP
		}
		off += 4 + int(binary.BigEndian.Uint16(b[off+2:]))*4
	}
	end := len(b)
	if b[0]&0x20 != 0 && end > 0 {
		end -= int(b[end-1])
	}
	if off > end {
		return h, nil, errNotRTP
	}
	return h, b[off:end], nil
}

type streamKey struct {
	flow           types.FiveTuple
	clientToServer bool
	ssrc           uint32
}

// stream collects the audio of one RTP source.
type stream struct {
	session        *types.Session
	clientToServer bool
	ssrc           uint32
	payloadType    uint8
	samples        []byte
	lastSeq        uint16
	packets        int
	lost           int
	first          *packet.Frame
}

// add appends payload when seq moves forward. Late and duplicate packets
// are dropped.
func (st *stream) add(h RTPHeader, payload []byte) {
	if st.packets > 0 {
		delta := h.Sequence - st.lastSeq
		if delta == 0 || delta >= 0x8000 {
			return
		}
		st.lost += int(delta) - 1
	}
	st.lastSeq = h.Sequence
	st.packets++
	if len(st.samples)+len(payload) <= maxStreamSamples {
		st.samples = append(st.samples, payload...)
	}
}

// RTPHandler collects RTP audio of media endpoints announced over SIP.
type RTPHandler struct {
	handler.Base
	env     *handler.Env
	log     *slog.Logger
	tracker *tracker
}

// ExtractData consumes datagrams of known media flows.
func (h *RTPHandler) ExtractData(s *types.Session, clientToServer bool, pkts []packet.Packet) int {
	udp, ok := packet.Find[*packet.UDP](pkts)
	if !ok || len(pkts) != 1 {
		// datagrams another decoder claimed are not media
		return 0
	}
	src, sport := s.Flow.Source(clientToServer)
	dst, dport := s.Flow.Destination(clientToServer)

	t := h.tracker
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.lookup(s.Flow, netip.AddrPortFrom(src, sport), netip.AddrPortFrom(dst, dport))
	if c == nil {
		return 0
	}
	hdr, payload, err := ParseRTP(udp.Payload())
	if err != nil {
		return len(udp.Payload())
	}
	key := streamKey{s.Flow, clientToServer, hdr.SSRC}
	st, ok := c.streams[key]
	if !ok {
		st = &stream{session: s, clientToServer: clientToServer, ssrc: hdr.SSRC, payloadType: hdr.PayloadType, first: udp.Frame()}
		c.streams[key] = st
		c.addMediaFlow(s.Flow)
	}
	if hdr.PayloadType == st.payloadType {
		st.add(hdr, payload)
	}
	c.last = udp.Frame()
	return len(udp.Payload())
}

// Reset is a no-op; the SIP handler owns the call state.
func (h *RTPHandler) Reset() {}

// flushAudio writes one WAV artifact and one Audio event per G.711 stream.
func flushAudio(env *handler.Env, c *call, f *packet.Frame, truncated bool) {
	for _, st := range c.streams {
		codec := codecName(st.payloadType, c.codecs)
		decode := decoderFor(codec)
		if decode == nil || len(st.samples) == 0 {
			continue
		}
		src, sport := st.session.Flow.Source(st.clientToServer)
		dst, dport := st.session.Flow.Destination(st.clientToServer)
		name := fmt.Sprintf("%s-%d_to_%s-%d_%08x.wav", src, sport, dst, dport, st.ssrc)
		env.Artifact(f, assembler.Options{
			Flow:           st.session.Flow,
			ClientToServer: st.clientToServer,
			StreamID:       fmt.Sprintf("rtp-%08x", st.ssrc),
			Kind:           types.ArtifactAudio,
			Filename:       name,
			Location:       handler.FileLocation(st.session, st.clientToServer, RTPName),
			Details:        fmt.Sprintf("%s call %s", codec, c.id),
			ContentType:    "audio/wav",
			Truncated:      truncated || st.lost > 0,
		}, wav(st.samples, decode))
		env.Bus.Emit(events.TypeAudio, f.Number, f.Timestamp, &events.Audio{
			Flow:     st.session.Flow,
			CallID:   c.id,
			Codec:    codec,
			Filename: name,
			Duration: duration(len(st.samples)),
		})
	}
}

// callTime is the capture time of f, or zero.
func callTime(f *packet.Frame) time.Time {
	if f == nil {
		return time.Time{}
	}
	return f.Timestamp
}
