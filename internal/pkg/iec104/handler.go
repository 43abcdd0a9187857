package iec104

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/assembler"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/cache"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/events"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/handler"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/packet"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/types"
)

// Name identifies the handler.
const Name = "IEC-104"

type fileKey struct {
	flow          types.FiveTuple
	commonAddress uint16
	address       uint32
	name          uint16
}

// section is a part of a file. Sections are laid out in the order they
// are announced.
type section struct {
	offset  int64
	// length is -1 until announced or finished
	length  int64
	written int64
	sum     byte
}

// file is one file moving with the file transfer types.
type file struct {
	key      fileKey
	length   int64
	next     int64
	sections map[uint8]*section
	seg      *assembler.SegmentAssembler
	sum      byte
	last     *packet.Frame
}

func (f *file) section(nos uint8) *section {
	if sec, ok := f.sections[nos]; ok {
		return sec
	}
	sec := &section{offset: f.next, length: -1}
	f.sections[nos] = sec
	return sec
}

// Handler turns ASDUs into parameters and reassembles transferred files.
type Handler struct {
	handler.Base
	env *handler.Env
	log *slog.Logger

	mu    sync.Mutex
	files *cache.LRU[fileKey, *file]
}

// NewHandler creates the IEC-104 handler.
func NewHandler(env *handler.Env) *Handler {
	h := &Handler{
		Base: handler.NewBase(Name, packet.KindIEC104),
		env:  env,
		log:  env.Log(Name),
	}
	h.files = cache.New[fileKey, *file](env.StateCapacity(), h.evicted).
		WithEvictionCounter(env.Metrics.Eviction("iec104_files"))
	return h
}

func (h *Handler) evicted(k fileKey, f *file, reason cache.EvictReason) {
	if f.seg == nil {
		return
	}
	if reason != cache.Capacity {
		f.seg.Discard()
		return
	}
	h.env.Anomaly(f.last, Name, k.flow, "file %d of IOA %d evicted before its last section", k.name, k.address)
	f.seg.MarkTruncated()
	f.seg.AssembleAndClose()
}

// ExtractData consumes every complete APDU.
func (h *Handler) ExtractData(s *types.Session, clientToServer bool, pkts []packet.Packet) int {
	p, ok := packet.Find[*Packet](pkts)
	if !ok {
		return 0
	}
	f := p.Frame()
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range p.APDUs {
		a := &p.APDUs[i]
		switch a.Format {
		case FormatU:
			h.log.Debug("U-format", "flow", s.Flow.String(), "frame", f.Number, "function", a.Function.String())
		case FormatI:
			if a.Err != nil {
				if a.ASDU != nil {
					h.env.Anomaly(f, Name, s.Flow, "%s ASDU (I-frame %d): %v", a.ASDU.Name(), a.SendSeq, a.Err)
				} else {
					h.env.Anomaly(f, Name, s.Flow, "I-frame %d: %v", a.SendSeq, a.Err)
				}
				continue
			}
			h.asdu(s, clientToServer, f, a.ASDU)
		}
	}
	return p.Length
}

// Reset drops every file in transfer.
func (h *Handler) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.files.Clear()
}

func (h *Handler) asdu(s *types.Session, clientToServer bool, f *packet.Frame, a *ASDU) {
	cause := CauseName(a.Cause)
	if a.Negative {
		cause += " (negative)"
	}
	if a.Test {
		cause += " (test)"
	}
	params := []events.NameValue{
		{Name: "Cause of Transmission", Value: cause},
		{Name: "Common Address", Value: fmt.Sprint(a.CommonAddress)},
	}
	if a.Originator != 0 {
		params = append(params, events.NameValue{Name: "Originator Address", Value: fmt.Sprint(a.Originator)})
	}
	for i := range a.Objects {
		o := &a.Objects[i]
		params = append(params, events.NameValue{Name: fmt.Sprintf("IOA %d", o.Address), Value: o.Value()})
	}
	label := "IEC-104 " + a.Name()
	if a.TypeID == TypeDirectory {
		label = "IEC-104 Directory"
	}
	h.env.Parameters(f, s, clientToServer, label, params)

	if a.TypeID < firstControlType {
		// monitor direction data comes from the controlled station
		s.SourceHost(clientToServer).AddDetail("IEC-104 Common Address", fmt.Sprint(a.CommonAddress))
	}

	for i := range a.Objects {
		o := &a.Objects[i]
		switch a.TypeID {
		case TypeFileReady:
			h.fileReady(s, f, a, o)
		case TypeSectionReady:
			h.sectionReady(s, f, a, o)
		case TypeSegment:
			h.segment(s, clientToServer, f, a, o)
		case TypeLastSection:
			h.lastSection(s, f, a, o)
		case TypeAckFile:
			h.ack(s, f, a, o)
		}
	}
}

func (h *Handler) key(s *types.Session, a *ASDU, o *InfoObject) fileKey {
	nof, _ := o.number(eNOF)
	return fileKey{flow: s.Flow, commonAddress: a.CommonAddress, address: o.Address, name: uint16(nof)}
}

func (h *Handler) lookup(s *types.Session, f *packet.Frame, a *ASDU, o *InfoObject) *file {
	k := h.key(s, a, o)
	fl, _ := h.files.GetOrAdd(k, func() *file {
		return &file{key: k, length: -1, sections: map[uint8]*section{}}
	})
	fl.last = f
	return fl
}

func (h *Handler) fileReady(s *types.Session, f *packet.Frame, a *ASDU, o *InfoObject) {
	if frq, _ := o.number(eFRQ); frq&0x80 != 0 || a.Negative {
		return
	}
	fl := h.lookup(s, f, a, o)
	if lof, ok := o.number(eLOF); ok && lof > 0 {
		fl.length = int64(lof)
		if fl.seg != nil {
			fl.seg.SetFileSize(fl.length)
		}
	}
}

func (h *Handler) sectionReady(s *types.Session, f *packet.Frame, a *ASDU, o *InfoObject) {
	if srq, _ := o.number(eSRQ); srq&0x80 != 0 || a.Negative {
		return
	}
	fl := h.lookup(s, f, a, o)
	nos, _ := o.number(eNOS)
	sec := fl.section(uint8(nos))
	if lof, ok := o.number(eLOF); ok && sec.length < 0 {
		sec.length = int64(lof)
		if end := sec.offset + sec.length; end > fl.next {
			fl.next = end
		}
	}
}

func (h *Handler) segment(s *types.Session, clientToServer bool, f *packet.Frame, a *ASDU, o *InfoObject) {
	fl := h.lookup(s, f, a, o)
	nos, _ := o.number(eNOS)
	sec := fl.section(uint8(nos))
	if fl.seg == nil {
		k := fl.key
		fl.seg = h.env.Files.NewSegment(assembler.Options{
			Flow:           s.Flow,
			ClientToServer: clientToServer,
			StreamID:       fmt.Sprintf("iec104-%d-%d-%d", k.commonAddress, k.address, k.name),
			Kind:           types.ArtifactIEC104,
			Filename:       fmt.Sprintf("IEC-104_CA%d_IOA%d_NOF%d.bin", k.commonAddress, k.address, k.name),
			Location:       handler.FileLocation(s, clientToServer, Name),
			Details:        fmt.Sprintf("file %d of common address %d, IOA %d", k.name, k.commonAddress, k.address),
			DeclaredLength: fl.length,
			Frame:          f.Number,
			Time:           f.Timestamp,
		})
		if !fl.seg.TryActivate() {
			h.env.Anomaly(f, Name, s.Flow, "file %d of IOA %d collides with an active assembler", k.name, k.address)
			fl.seg = nil
			h.files.Remove(k)
			return
		}
	}
	if err := fl.seg.WriteAt(sec.offset+sec.written, o.Segment); err != nil {
		h.log.Debug("Segment dropped", "flow", s.Flow.String(), "frame", f.Number, "section", nos, "error", err)
		return
	}
	sec.written += int64(len(o.Segment))
	for _, c := range o.Segment {
		sec.sum += c
	}
	if sec.length < 0 && sec.offset+sec.written > fl.next {
		// unannounced sections grow until their last segment
		fl.next = sec.offset + sec.written
	}
}

func (h *Handler) lastSection(s *types.Session, f *packet.Frame, a *ASDU, o *InfoObject) {
	k := h.key(s, a, o)
	fl, ok := h.files.Get(k)
	if !ok {
		return
	}
	fl.last = f
	lsq, _ := o.number(eLSQ)
	chs, _ := o.number(eCHS)
	nos, _ := o.number(eNOS)

	switch lsq {
	case lsqSection, lsqSectionDeactivate:
		sec := fl.section(uint8(nos))
		if sec.length < 0 {
			sec.length = sec.written
		}
		if byte(chs) != sec.sum {
			h.env.Anomaly(f, Name, s.Flow, "section %d of file %d: checksum 0x%02x, computed 0x%02x", nos, k.name, chs, sec.sum)
		}
		fl.sum += sec.sum

	case lsqFileTransfer, lsqFileTransferDeactivate:
		if byte(chs) != fl.sum {
			h.env.Anomaly(f, Name, s.Flow, "file %d: checksum 0x%02x, computed 0x%02x", k.name, chs, fl.sum)
		}
		if fl.seg != nil {
			if fl.length < 0 {
				fl.seg.SetFileSize(fl.next)
			}
			fl.seg.AssembleAndClose()
			fl.seg = nil
			h.log.Debug("File transfer complete", "flow", s.Flow.String(), "file", k.name, "ioa", k.address, "size", fl.next)
		}
		h.files.Remove(k)
	}
}

func (h *Handler) ack(s *types.Session, f *packet.Frame, a *ASDU, o *InfoObject) {
	afq, _ := o.number(eAFQ)
	if afq&0x0f != 2 && afq&0x0f != 4 {
		return
	}
	k := h.key(s, a, o)
	h.env.Anomaly(f, Name, s.Flow, "transfer of file %d of IOA %d rejected (AFQ 0x%02x)", k.name, k.address, afq)
	if afq&0x0f == 2 {
		if fl, ok := h.files.Remove(k); ok && fl.seg != nil {
			fl.seg.Discard()
		}
	}
}
