package vnc

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"image/color"
	"image/png"
	"log/slog"
	"strings"
	"time"

	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/assembler"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/cache"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/constants"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/events"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/handler"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/packet"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/types"
)

// Name identifies the handler.
const Name = "VNC"

const (
	maxFramebufferPixels = constants.MaxVNCFramebufferPixels
	maxCompressedRect    = 64 * 1024 * 1024
	maxNameLength        = 64 * 1024
	maxCutText           = 1024 * 1024
	maxKeystrokes        = 4096
)

// Security types.
const (
	securityInvalid = 0
	securityNone    = 1
	securityVNC     = 2
)

// phase is the position of one direction in the RFB handshake.
type phase int

const (
	phaseBanner phase = iota
	phaseSecurity
	// phaseWaitSecurity waits for the security type chosen by the peer
	phaseWaitSecurity
	phaseChallenge
	phaseSecurityResult
	phaseInit
	phaseMessages
	// phaseLost consumes everything; the stream can no longer be framed
	phaseLost
)

// state is one RFB session.
type state struct {
	session  *types.Session
	client   phase
	server   phase
	minor    int
	security uint8

	challenge    []byte
	name         string
	fb           *framebuffer
	zlib         zstream
	tightStreams [4]zstream

	// update progress of the FramebufferUpdate being received
	inUpdate  bool
	rectsLeft int
	rect      *rectHeader
	rawRow    int

	dirty    int
	lastShot time.Time
	shots    int

	keys []rune
	last *packet.Frame
}

func (st *state) resize(width, height int) {
	st.fb.resize(width, height)
	st.dirty += width * height
}

// Handler follows RFB sessions.
type Handler struct {
	handler.Base
	env         *handler.Env
	log         *slog.Logger
	sessions    *cache.LRU[types.FiveTuple, *state]
	threshold   int
	minInterval time.Duration
}

// NewHandler creates the RFB handler.
func NewHandler(env *handler.Env) *Handler {
	h := &Handler{
		Base:        handler.NewBase(Name, packet.KindRFB),
		env:         env,
		log:         env.Log(Name),
		threshold:   env.Config.VNCPixelThreshold(),
		minInterval: time.Duration(float64(time.Second) / env.Config.VNC.MaxFPS),
	}
	h.sessions = cache.New[types.FiveTuple, *state](env.StateCapacity(), h.evicted).
		WithEvictionCounter(env.Metrics.Eviction("vnc_sessions"))
	return h
}

func (h *Handler) evicted(_ types.FiveTuple, st *state, reason cache.EvictReason) {
	if reason == cache.Capacity && st.last != nil {
		h.flushKeys(st, st.last)
	}
}

// ExtractData consumes complete RFB messages, and Raw rectangles row by
// row.
func (h *Handler) ExtractData(s *types.Session, clientToServer bool, pkts []packet.Packet) int {
	p, ok := packet.Find[*Packet](pkts)
	if !ok {
		return 0
	}
	st, _ := h.sessions.GetOrAdd(s.Flow, func() *state {
		return &state{session: s, fb: newFramebuffer(0, 0, PixelFormat{})}
	})
	f := p.Frame()
	st.last = f

	b := p.Payload()
	off := 0
	for off < len(b) {
		var n int
		var progressed bool
		if clientToServer {
			n, progressed = h.clientStep(st, s, f, b[off:])
		} else {
			n, progressed = h.serverStep(st, s, f, b[off:])
		}
		if !progressed {
			break
		}
		off += n
	}
	return off
}

// CloseSession emits the keystrokes typed since the last Enter.
func (h *Handler) CloseSession(s *types.Session) {
	if st, ok := h.sessions.Remove(s.Flow); ok && st.last != nil {
		h.flushKeys(st, st.last)
	}
}

// Reset drops every session, including unsent keystrokes.
func (h *Handler) Reset() {
	h.sessions.Clear()
}

func (h *Handler) lose(st *state, s *types.Session, f *packet.Frame, format string, args ...any) {
	h.env.Anomaly(f, Name, s.Flow, format, args...)
	st.client, st.server = phaseLost, phaseLost
}

func afterSecurity(st *state, server bool) phase {
	switch st.security {
	case securityNone:
		if server && st.minor >= 8 {
			return phaseSecurityResult
		}
		return phaseInit
	case securityVNC:
		return phaseChallenge
	}
	return phaseLost
}

func (h *Handler) serverStep(st *state, s *types.Session, f *packet.Frame, b []byte) (int, bool) {
	switch st.server {
	case phaseBanner:
		if len(b) < bannerLen {
			return 0, false
		}
		if !LooksLikeRFB(b) {
			h.lose(st, s, f, "server did not send an RFB banner")
			return 0, true
		}
		s.Server.AddBanner(strings.TrimSpace(string(b[:bannerLen])))
		st.server = phaseSecurity
		return bannerLen, true

	case phaseSecurity:
		if st.minor == 0 {
			// the security message depends on the version the viewer picks
			return 0, false
		}
		if st.minor < 7 {
			if len(b) < 4 {
				return 0, false
			}
			t := binary.BigEndian.Uint32(b)
			if t == securityInvalid {
				return h.refused(st, s, f, b[4:], 4)
			}
			if t > 0xff {
				h.lose(st, s, f, "invalid security type %d", t)
				return 0, true
			}
			st.security = uint8(t)
			h.env.Parameters(f, s, false, "VNC Security", []events.NameValue{{Name: "Security Type", Value: securityName(st.security)}})
			st.server = afterSecurity(st, true)
			return 4, true
		}
		if len(b) < 1 {
			return 0, false
		}
		n := int(b[0])
		if n == 0 {
			return h.refused(st, s, f, b[1:], 1)
		}
		if len(b) < 1+n {
			return 0, false
		}
		names := make([]string, 0, n)
		for _, t := range b[1 : 1+n] {
			names = append(names, securityName(t))
		}
		h.env.Parameters(f, s, false, "VNC Security", []events.NameValue{{Name: "Security Types", Value: strings.Join(names, ", ")}})
		st.server = phaseWaitSecurity
		return 1 + n, true

	case phaseWaitSecurity:
		if st.security == securityInvalid {
			return 0, false
		}
		st.server = afterSecurity(st, true)
		return 0, true

	case phaseChallenge:
		if len(b) < 16 {
			return 0, false
		}
		st.challenge = append([]byte(nil), b[:16]...)
		st.server = phaseSecurityResult
		return 16, true

	case phaseSecurityResult:
		if len(b) < 4 {
			return 0, false
		}
		if binary.BigEndian.Uint32(b) == 0 {
			h.env.Parameters(f, s, false, "VNC Security Result", []events.NameValue{{Name: "Result", Value: "OK"}})
			st.server = phaseInit
			return 4, true
		}
		used := 4
		reason := ""
		if st.minor >= 8 {
			if len(b) < 8 {
				return 0, false
			}
			l := int(binary.BigEndian.Uint32(b[4:]))
			if l > maxNameLength {
				h.lose(st, s, f, "failure reason of %d bytes", l)
				return 0, true
			}
			if len(b) < 8+l {
				return 0, false
			}
			reason = string(b[8 : 8+l])
			used = 8 + l
		}
		params := []events.NameValue{{Name: "Result", Value: "Failed"}}
		if reason != "" {
			params = append(params, events.NameValue{Name: "Reason", Value: reason})
		}
		h.env.Parameters(f, s, false, "VNC Security Result", params)
		st.client, st.server = phaseLost, phaseLost
		return used, true

	case phaseInit:
		return h.serverInit(st, s, f, b)

	case phaseMessages:
		return h.serverMessage(st, s, f, b)
	}
	return len(b), true
}

// refused handles a server that closes the handshake with a reason.
func (h *Handler) refused(st *state, s *types.Session, f *packet.Frame, b []byte, used int) (int, bool) {
	if len(b) < 4 {
		return 0, false
	}
	l := int(binary.BigEndian.Uint32(b))
	if l > maxNameLength {
		h.lose(st, s, f, "refusal reason of %d bytes", l)
		return 0, true
	}
	if len(b) < 4+l {
		return 0, false
	}
	h.env.Parameters(f, s, false, "VNC Security", []events.NameValue{{Name: "Connection Failed", Value: string(b[4 : 4+l])}})
	st.client, st.server = phaseLost, phaseLost
	return used + 4 + l, true
}

func (h *Handler) serverInit(st *state, s *types.Session, f *packet.Frame, b []byte) (int, bool) {
	if len(b) < 24 {
		return 0, false
	}
	width := int(binary.BigEndian.Uint16(b))
	height := int(binary.BigEndian.Uint16(b[2:]))
	pf := parsePixelFormat(b[4 : 4+pixelFormatLen])
	l := int(binary.BigEndian.Uint32(b[20:]))
	if l > maxNameLength {
		h.lose(st, s, f, "desktop name of %d bytes", l)
		return 0, true
	}
	if len(b) < 24+l {
		return 0, false
	}
	st.name = string(b[24 : 24+l])
	st.fb = newFramebuffer(width, height, pf)
	if !pf.valid() {
		h.log.Debug("Unsupported pixel format", "flow", s.Flow.String(), "bpp", pf.BitsPerPixel)
	}
	if st.fb.img == nil {
		h.log.Debug("Framebuffer not rendered", "flow", s.Flow.String(), "width", width, "height", height)
	}

	h.env.Parameters(f, s, false, "VNC ServerInit", []events.NameValue{
		{Name: "Width", Value: fmt.Sprint(width)},
		{Name: "Height", Value: fmt.Sprint(height)},
		{Name: "Desktop Name", Value: st.name},
		{Name: "Pixel Format", Value: fmt.Sprintf("%d bpp, depth %d, true colour %t", pf.BitsPerPixel, pf.Depth, pf.TrueColour)},
	})
	if st.name != "" {
		s.Server.AddDetail("VNC Desktop Name", st.name)
	}
	st.server = phaseMessages
	return 24 + l, true
}

func (h *Handler) serverMessage(st *state, s *types.Session, f *packet.Frame, b []byte) (int, bool) {
	if st.inUpdate {
		return h.updateStep(st, s, f, b)
	}
	if len(b) < 1 {
		return 0, false
	}
	switch b[0] {
	case 0: // FramebufferUpdate
		if len(b) < 4 {
			return 0, false
		}
		n := int(binary.BigEndian.Uint16(b[2:]))
		st.inUpdate = true
		st.rectsLeft = n
		if n == 0xffff {
			st.rectsLeft = -1
		}
		return 4, true

	case 1: // SetColourMapEntries
		if len(b) < 6 {
			return 0, false
		}
		first := int(binary.BigEndian.Uint16(b[2:]))
		n := int(binary.BigEndian.Uint16(b[4:]))
		if len(b) < 6+6*n {
			return 0, false
		}
		for i := 0; i < n && first+i < len(st.fb.palette); i++ {
			e := b[6+6*i:]
			st.fb.palette[first+i] = color.RGBA{
				R: uint8(binary.BigEndian.Uint16(e) >> 8),
				G: uint8(binary.BigEndian.Uint16(e[2:]) >> 8),
				B: uint8(binary.BigEndian.Uint16(e[4:]) >> 8),
				A: 0xff,
			}
		}
		return 6 + 6*n, true

	case 2: // Bell
		return 1, true

	case 3: // ServerCutText
		return h.cutText(st, s, f, b, false)
	}
	h.lose(st, s, f, "unknown server message type %d", b[0])
	return 0, true
}

func (h *Handler) updateStep(st *state, s *types.Session, f *packet.Frame, b []byte) (int, bool) {
	if st.rect == nil {
		if st.rectsLeft == 0 {
			h.finishUpdate(st, s, f)
			return 0, true
		}
		if len(b) < 12 {
			return 0, false
		}
		hdr := parseRectHeader(b)
		st.rect = &hdr
		st.rawRow = 0
		return 12, true
	}

	n, done, err := st.rectData(b)
	if err == errShort {
		return 0, false
	}
	if err != nil {
		h.lose(st, s, f, "%s rectangle: %v", EncodingName(st.rect.encoding), err)
		return 0, true
	}
	if done {
		if st.rect.encoding == EncodingLastRect {
			st.rectsLeft = 0
		} else if st.rectsLeft > 0 {
			st.rectsLeft--
		}
		st.rect = nil
		if st.rectsLeft == 0 {
			h.finishUpdate(st, s, f)
		}
	}
	return n, true
}

func (h *Handler) finishUpdate(st *state, s *types.Session, f *packet.Frame) {
	st.inUpdate = false
	st.rect = nil
	if st.fb.img == nil || st.dirty < h.threshold {
		return
	}
	if !st.lastShot.IsZero() && f.Timestamp.Sub(st.lastShot) < h.minInterval {
		return
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, st.fb.img); err != nil {
		h.log.Warn("Screenshot encoding failed", "flow", s.Flow.String(), "error", err)
		return
	}
	st.lastShot = f.Timestamp
	st.dirty = 0
	st.shots++
	h.env.Artifact(f, assembler.Options{
		Flow:        s.Flow,
		StreamID:    fmt.Sprintf("vnc-screenshot-%d", st.shots),
		Kind:        types.ArtifactVNCScreenshot,
		Filename:    fmt.Sprintf("VNC_screenshot_%d.png", st.shots),
		Location:    handler.FileLocation(s, false, Name),
		Details:     st.name,
		ContentType: "image/png",
	}, buf.Bytes())
}

func (h *Handler) clientStep(st *state, s *types.Session, f *packet.Frame, b []byte) (int, bool) {
	switch st.client {
	case phaseBanner:
		if len(b) < bannerLen {
			return 0, false
		}
		if !LooksLikeRFB(b) {
			h.lose(st, s, f, "viewer did not send an RFB banner")
			return 0, true
		}
		st.minor = bannerMinor(b)
		h.env.Parameters(f, s, true, "VNC Version", []events.NameValue{{Name: "Client Version", Value: strings.TrimSpace(string(b[:bannerLen]))}})
		if st.minor >= 7 {
			st.client = phaseSecurity
		} else {
			st.client = phaseWaitSecurity
		}
		return bannerLen, true

	case phaseSecurity:
		if len(b) < 1 {
			return 0, false
		}
		st.security = b[0]
		h.env.Parameters(f, s, true, "VNC Security", []events.NameValue{{Name: "Security Type", Value: securityName(st.security)}})
		st.client = afterSecurity(st, false)
		return 1, true

	case phaseWaitSecurity:
		if st.security == securityInvalid {
			return 0, false
		}
		st.client = afterSecurity(st, false)
		return 0, true

	case phaseChallenge:
		if len(b) < 16 || st.challenge == nil {
			return 0, false
		}
		h.env.Credential(f, s.Flow.ClientIP, s.Flow.ServerIP, Name, "", fmt.Sprintf("$vnc$*%s*%s",
			strings.ToUpper(hex.EncodeToString(st.challenge)),
			strings.ToUpper(hex.EncodeToString(b[:16]))), true, "")
		st.client = phaseInit
		return 16, true

	case phaseInit:
		if len(b) < 1 {
			return 0, false
		}
		st.client = phaseMessages
		return 1, true

	case phaseMessages:
		return h.clientMessage(st, s, f, b)
	}
	return len(b), true
}

func (h *Handler) clientMessage(st *state, s *types.Session, f *packet.Frame, b []byte) (int, bool) {
	if len(b) < 1 {
		return 0, false
	}
	switch b[0] {
	case 0: // SetPixelFormat
		if len(b) < 20 {
			return 0, false
		}
		st.fb.pf = parsePixelFormat(b[4:20])
		return 20, true

	case 2: // SetEncodings
		if len(b) < 4 {
			return 0, false
		}
		n := int(binary.BigEndian.Uint16(b[2:]))
		if len(b) < 4+4*n {
			return 0, false
		}
		names := make([]string, 0, n)
		for i := 0; i < n; i++ {
			names = append(names, EncodingName(int32(binary.BigEndian.Uint32(b[4+4*i:]))))
		}
		h.env.Parameters(f, s, true, "VNC SetEncodings", []events.NameValue{{Name: "Encodings", Value: strings.Join(names, ", ")}})
		return 4 + 4*n, true

	case 3: // FramebufferUpdateRequest
		if len(b) < 10 {
			return 0, false
		}
		return 10, true

	case 4: // KeyEvent
		if len(b) < 8 {
			return 0, false
		}
		if b[1] != 0 {
			h.key(st, f, binary.BigEndian.Uint32(b[4:]))
		}
		return 8, true

	case 5: // PointerEvent
		if len(b) < 6 {
			return 0, false
		}
		return 6, true

	case 6: // ClientCutText
		return h.cutText(st, s, f, b, true)
	}
	h.lose(st, s, f, "unknown viewer message type %d", b[0])
	return 0, true
}

func (h *Handler) cutText(st *state, s *types.Session, f *packet.Frame, b []byte, clientToServer bool) (int, bool) {
	if len(b) < 8 {
		return 0, false
	}
	l := int(binary.BigEndian.Uint32(b[4:]))
	if l > maxCutText {
		h.lose(st, s, f, "cut text of %d bytes", l)
		return 0, true
	}
	if len(b) < 8+l {
		return 0, false
	}
	if l > 0 {
		from, _ := s.Flow.Source(clientToServer)
		to, _ := s.Flow.Destination(clientToServer)
		h.env.Message(f, &events.Message{
			Protocol: Name,
			Flow:     s.Flow,
			From:     from.String(),
			To:       to.String(),
			Subject:  "Clipboard",
			// cut text is ISO 8859-1
			Body: latin1(b[8 : 8+l]),
		})
	}
	return 8 + l, true
}

// key records a pressed keysym.
func (h *Handler) key(st *state, f *packet.Frame, sym uint32) {
	switch {
	case sym == 0xff0d || sym == 0xff8d:
		h.flushKeys(st, f)
		return
	case sym == 0xff08:
		if len(st.keys) > 0 {
			st.keys = st.keys[:len(st.keys)-1]
		}
	case sym == 0xff09:
		st.keys = append(st.keys, '\t')
	case sym >= 0x20 && sym <= 0x7e, sym >= 0xa0 && sym <= 0xff:
		st.keys = append(st.keys, rune(sym))
	case sym&0xff000000 == 0x01000000:
		st.keys = append(st.keys, rune(sym&0x00ffffff))
	}
	if len(st.keys) >= maxKeystrokes {
		h.flushKeys(st, f)
	}
}

func (h *Handler) flushKeys(st *state, f *packet.Frame) {
	if len(st.keys) == 0 {
		return
	}
	h.env.Message(f, &events.Message{
		Protocol: Name,
		Flow:     st.session.Flow,
		From:     st.session.Flow.ClientIP.String(),
		To:       st.session.Flow.ServerIP.String(),
		Subject:  "Keystrokes",
		Body:     string(st.keys),
	})
	st.keys = nil
}

func latin1(b []byte) string {
	r := make([]rune, len(b))
	for i, c := range b {
		r[i] = rune(c)
	}
	return string(r)
}

func securityName(t uint8) string {
	switch t {
	case securityInvalid:
		return "Invalid"
	case securityNone:
		return "None"
	case securityVNC:
		return "VNC Authentication"
	case 5:
		return "RA2"
	case 6:
		return "RA2ne"
	case 16:
		return "Tight"
	case 18:
		return "TLS"
	case 19:
		return "VeNCrypt"
	case 30:
		return "Apple Remote Desktop"
	}
	return fmt.Sprintf("%d", t)
}
