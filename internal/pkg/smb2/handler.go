package smb2

import (
	"encoding/binary"
	"encoding/hex"
	"log/slog"
	"strings"

	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/assembler"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/cache"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/events"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/handler"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/packet"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/types"
)

// Name identifies the handler.
const Name = "SMB2"

const (
	fileAttributeDirectory = 0x10

	infoTypeFile              = 1
	fileEndOfFileInformation  = 20
	closeFlagPostQueryAttrib  = 0x0001
	oplockBreakNotificationID = ^uint64(0)
)

type reqKey struct {
	flow      types.FiveTuple
	messageID uint64
}

type request struct {
	command uint16
	treeID  uint32
	// name is the create path, tree path or search pattern
	name      string
	fileID    [16]byte
	offset    uint64
	infoClass uint8
}

type fileKey struct {
	flow   types.FiveTuple
	fileID [16]byte
}

type treeKey struct {
	flow   types.FiveTuple
	treeID uint32
}

// openFile is a file handle returned by a Create response.
type openFile struct {
	session *types.Session
	path    string
	share   string
	dir     bool
	// size is the EndOfFile of the create response or -1
	size  int64
	parts [2]*assembler.SegmentAssembler
	frame *packet.Frame
}

func dir(clientToServer bool) int {
	if clientToServer {
		return 0
	}
	return 1
}

func (o *openFile) filename() string {
	name := o.path
	if i := strings.LastIndexByte(name, '\\'); i >= 0 {
		name = name[i+1:]
	}
	if name == "" {
		return "unnamed"
	}
	return name
}

func (o *openFile) details() string {
	if o.share == "" {
		return o.path
	}
	return o.share + `\` + o.path
}

// Handler reconstructs files transferred over SMB2 and extracts NTLMSSP
// credentials from session setups.
type Handler struct {
	handler.Base
	env        *handler.Env
	log        *slog.Logger
	requests   *cache.LRU[reqKey, *request]
	files      *cache.LRU[fileKey, *openFile]
	trees      *cache.LRU[treeKey, string]
	challenges *cache.LRU[types.FiveTuple, [8]byte]
}

// NewHandler creates the SMB2 handler.
func NewHandler(env *handler.Env) *Handler {
	h := &Handler{
		Base: handler.NewBase(Name, packet.KindSMB2),
		env:  env,
		log:  env.Log(Name),
		requests: cache.New[reqKey, *request](env.RequestCapacity(), nil).
			WithEvictionCounter(env.Metrics.Eviction("smb2_requests")),
		trees:      cache.New[treeKey, string](env.StateCapacity(), nil),
		challenges: cache.New[types.FiveTuple, [8]byte](env.StateCapacity(), nil),
	}
	h.files = cache.New[fileKey, *openFile](env.StateCapacity(), h.evicted).
		WithEvictionCounter(env.Metrics.Eviction("smb2_files"))
	return h
}

func (h *Handler) evicted(_ fileKey, of *openFile, reason cache.EvictReason) {
	for _, a := range of.parts {
		if a == nil {
			continue
		}
		if reason != cache.Capacity {
			a.Discard()
			continue
		}
		h.env.Anomaly(of.frame, Name, of.session.Flow, "file handle of %s evicted before close", of.path)
		a.MarkTruncated()
		a.AssembleAndClose()
	}
}

// ExtractData handles every SMB2 message of the complete NetBIOS frames
// and consumes those frames.
func (h *Handler) ExtractData(s *types.Session, clientToServer bool, pkts []packet.Packet) int {
	p, ok := packet.Find[*Packet](pkts)
	if !ok {
		return 0
	}
	f := p.Frame()
	if p.Encrypted > 0 {
		h.log.Debug("Skipping encrypted SMB3 messages", "flow", s.Flow.String(), "frame", f.Number, "count", p.Encrypted)
	}
	for i := range p.Messages {
		m := &p.Messages[i]
		if m.IsResponse() {
			h.response(s, f, m)
		} else {
			h.request(s, f, m)
		}
	}
	return p.Length
}

func (h *Handler) request(s *types.Session, f *packet.Frame, m *Message) {
	body := m.Body()
	req := &request{command: m.Command, treeID: m.TreeID}
	switch m.Command {
	case CommandCancel:
		return
	case CommandSessionSetup:
		if len(body) >= 16 {
			if blob, ok := m.slice(int(le16(body[12:])), int(le16(body[14:]))); ok {
				h.authenticate(s, f, blob)
			}
		}
	case CommandTreeConnect:
		if len(body) >= 8 {
			req.name = m.utf16At(int(le16(body[4:])), int(le16(body[6:])))
			h.env.Parameters(f, s, true, "SMB2 Tree Connect", []events.NameValue{{Name: "Share", Value: req.name}})
		}
	case CommandCreate:
		if len(body) >= 48 {
			req.name = m.utf16At(int(le16(body[44:])), int(le16(body[46:])))
		}
	case CommandRead:
		if len(body) >= 32 {
			req.offset = binary.LittleEndian.Uint64(body[8:16])
			copy(req.fileID[:], body[16:32])
		}
	case CommandWrite:
		if len(body) >= 32 {
			offset := binary.LittleEndian.Uint64(body[8:16])
			copy(req.fileID[:], body[16:32])
			if data, ok := m.slice(int(le16(body[2:])), int(le32(body[4:]))); ok {
				h.write(s, f, req.fileID, true, offset, data)
			} else {
				h.env.Anomaly(f, Name, s.Flow, "write data outside message %d", m.MessageID)
			}
		}
	case CommandSetInfo:
		if len(body) >= 32 {
			copy(req.fileID[:], body[16:32])
			if body[2] == infoTypeFile && body[3] == fileEndOfFileInformation {
				if buf, ok := m.slice(int(le16(body[8:])), int(le32(body[4:]))); ok && len(buf) >= 8 {
					h.setFileSize(s, req.fileID, int64(binary.LittleEndian.Uint64(buf)))
				}
			}
		}
	case CommandClose:
		if len(body) >= 24 {
			copy(req.fileID[:], body[8:24])
		}
	case CommandQueryDirectory:
		if len(body) >= 32 {
			req.infoClass = body[2]
			copy(req.fileID[:], body[8:24])
			req.name = m.utf16At(int(le16(body[24:])), int(le16(body[26:])))
		}
	}
	h.requests.Put(reqKey{s.Flow, m.MessageID}, req)
}

func (h *Handler) response(s *types.Session, f *packet.Frame, m *Message) {
	if m.MessageID == oplockBreakNotificationID {
		return
	}
	if m.Status == StatusPending && m.Flags&FlagsAsyncCommand != 0 {
		// interim response, the final one follows
		return
	}
	req, ok := h.requests.Remove(reqKey{s.Flow, m.MessageID})
	if !ok {
		if m.Command != CommandNegotiate {
			h.env.Anomaly(f, Name, s.Flow, "%s response without request (message id %d)", CommandString(m.Command), m.MessageID)
		}
		return
	}
	if req.command != m.Command {
		h.env.Anomaly(f, Name, s.Flow, "%s response to %s request (message id %d)", CommandString(m.Command), CommandString(req.command), m.MessageID)
		return
	}

	body := m.Body()
	success := m.Status == StatusSuccess
	switch m.Command {
	case CommandSessionSetup:
		if (success || m.Status == StatusMoreProcessingRequired) && len(body) >= 8 {
			if blob, ok := m.slice(int(le16(body[4:])), int(le16(body[6:]))); ok {
				h.challenge(s, blob)
			}
		}
	case CommandTreeConnect:
		if success {
			h.trees.Put(treeKey{s.Flow, m.TreeID}, req.name)
		}
	case CommandCreate:
		if success && len(body) >= 80 {
			var id [16]byte
			copy(id[:], body[64:80])
			share, _ := h.trees.Peek(treeKey{s.Flow, req.treeID})
			size := int64(binary.LittleEndian.Uint64(body[48:56]))
			h.files.Put(fileKey{s.Flow, id}, &openFile{
				session: s,
				path:    req.name,
				share:   share,
				dir:     le32(body[56:])&fileAttributeDirectory != 0,
				size:    size,
				frame:   f,
			})
		}
	case CommandRead:
		if success && len(body) >= 16 {
			if data, ok := m.slice(int(body[2]), int(le32(body[4:]))); ok {
				h.write(s, f, req.fileID, false, req.offset, data)
			} else {
				h.env.Anomaly(f, Name, s.Flow, "read data outside message %d", m.MessageID)
			}
		}
	case CommandClose:
		if success {
			eof := int64(-1)
			if len(body) >= 56 && le16(body[2:])&closeFlagPostQueryAttrib != 0 {
				eof = int64(binary.LittleEndian.Uint64(body[48:56]))
			}
			h.close(s, req.fileID, eof)
		}
	case CommandQueryDirectory:
		if success && len(body) >= 8 {
			if buf, ok := m.slice(int(le16(body[2:])), int(le32(body[4:]))); ok {
				h.find(s, f, req, buf)
			}
		}
	}
}

// write stores file data read by or written from the client.
func (h *Handler) write(s *types.Session, f *packet.Frame, fileID [16]byte, clientToServer bool, offset uint64, data []byte) {
	key := fileKey{s.Flow, fileID}
	of, ok := h.files.Get(key)
	if !ok {
		// opened before the capture started
		of = &openFile{session: s, path: "file_" + hex.EncodeToString(fileID[:8]), size: -1, frame: f}
		h.files.Put(key, of)
	}
	if of.dir {
		return
	}
	d := dir(clientToServer)
	a := of.parts[d]
	if a == nil {
		size := int64(-1)
		if !clientToServer && of.size > 0 {
			size = of.size
		}
		a = h.env.Files.NewSegment(assembler.Options{
			Flow:           s.Flow,
			ClientToServer: clientToServer,
			StreamID:       "smb2-" + hex.EncodeToString(fileID[:]),
			Kind:           types.ArtifactSMB2,
			Filename:       of.filename(),
			Location:       handler.FileLocation(s, clientToServer, Name),
			Details:        of.details(),
			DeclaredLength: size,
			Frame:          f.Number,
			Time:           f.Timestamp,
		})
		if !a.TryActivate() {
			h.env.Anomaly(f, Name, s.Flow, "assembler for %s already in use", of.path)
			return
		}
		of.parts[d] = a
	}
	if err := a.WriteAt(int64(offset), data); err != nil {
		h.log.Debug("Failed to store file data", "flow", s.Flow.String(), "file", of.path, "error", err)
	}
}

func (h *Handler) setFileSize(s *types.Session, fileID [16]byte, size int64) {
	of, ok := h.files.Peek(fileKey{s.Flow, fileID})
	if !ok {
		return
	}
	of.size = size
	for _, a := range of.parts {
		if a != nil {
			a.SetFileSize(size)
		}
	}
}

// close finishes the artifacts of a file handle. eof is the size reported
// by the close response or -1.
func (h *Handler) close(s *types.Session, fileID [16]byte, eof int64) {
	of, ok := h.files.Remove(fileKey{s.Flow, fileID})
	if !ok {
		return
	}
	for _, a := range of.parts {
		if a == nil {
			continue
		}
		if eof >= 0 {
			a.SetFileSize(eof)
		}
		a.AssembleAndClose()
	}
}

func (h *Handler) find(s *types.Session, f *packet.Frame, req *request, buf []byte) {
	var params []events.NameValue
	if of, ok := h.files.Peek(fileKey{s.Flow, req.fileID}); ok {
		params = append(params, events.NameValue{Name: "Directory", Value: of.details()})
	}
	if req.name != "" {
		params = append(params, events.NameValue{Name: "Pattern", Value: req.name})
	}
	for _, name := range directoryNames(buf, req.infoClass) {
		if name == "." || name == ".." {
			continue
		}
		params = append(params, events.NameValue{Name: "Filename", Value: name})
	}
	h.env.Parameters(f, s, false, "SMB2 Find", params)
}

// authenticate handles the client side of NTLMSSP.
func (h *Handler) authenticate(s *types.Session, f *packet.Frame, blob []byte) {
	msg, typ, ok := ntlmMessage(blob)
	if !ok || typ != ntlmAuthenticate {
		return
	}
	a, ok := parseNTLMAuthenticate(msg)
	if !ok {
		h.env.Anomaly(f, Name, s.Flow, "malformed NTLMSSP AUTHENTICATE message")
		return
	}
	if a.Workstation != "" {
		s.Client.AddHostname(a.Workstation)
	}
	h.env.Parameters(f, s, true, "NTLMSSP", []events.NameValue{
		{Name: "Domain", Value: a.Domain},
		{Name: "User", Value: a.User},
		{Name: "Workstation", Value: a.Workstation},
	})
	if a.User == "" {
		return
	}
	challenge, known := h.challenges.Remove(s.Flow)
	if !known {
		h.env.Anomaly(f, Name, s.Flow, "NTLMSSP AUTHENTICATE for %s without a server challenge", a.User)
		h.env.Credential(f, s.Flow.ClientIP, s.Flow.ServerIP, "SMB2 NTLMSSP", a.User, "", false, a.Domain)
		return
	}
	if hash := a.HashcatString(challenge); hash != "" {
		h.env.Credential(f, s.Flow.ClientIP, s.Flow.ServerIP, "SMB2 NTLMSSP", a.User, hash, true, a.Domain)
	}
}

// challenge handles the server side of NTLMSSP.
func (h *Handler) challenge(s *types.Session, blob []byte) {
	msg, typ, ok := ntlmMessage(blob)
	if !ok || typ != ntlmChallenge {
		return
	}
	c, ok := parseNTLMChallenge(msg)
	if !ok {
		return
	}
	h.challenges.Put(s.Flow, c.ServerChallenge)
	if c.TargetName != "" {
		s.Server.AddDetail("NTLM Target", c.TargetName)
	}
}

// Reset drops requests, handles and open files without emitting them.
func (h *Handler) Reset() {
	h.requests.Clear()
	h.files.Clear()
	h.trees.Clear()
	h.challenges.Clear()
}

func (m *Message) utf16At(off, n int) string {
	b, ok := m.slice(off, n)
	if !ok {
		return ""
	}
	return decodeUTF16LE(b)
}

func le16(b []byte) uint16 { return binary.LittleEndian.Uint16(b) }
func le32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }
