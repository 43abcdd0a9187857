package tftp

import (
	"fmt"
	"log/slog"
	"net/netip"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/assembler"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/cache"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/events"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/handler"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/packet"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/types"
)

// Name identifies the handler.
const Name = "TFTP"

// transfer is one file moving between the requesting client endpoint and
// the server.
type transfer struct {
	client    netip.AddrPort
	filename  string
	write     bool
	blockSize int
	// size is the negotiated tsize or -1
	size int64
	seg  *assembler.SegmentAssembler
	// wraps counts block number roll-overs past 65535
	wraps     int64
	lastBlock uint16
	flow      types.FiveTuple
	last      *packet.Frame
}

func (t *transfer) offset(block uint16) int64 {
	if t.lastBlock > 0xff00 && block < 0x0100 {
		t.wraps++
	}
	t.lastBlock = block
	return (t.wraps<<16 + int64(block) - 1) * int64(t.blockSize)
}

// Handler follows read and write requests and writes the DATA blocks of
// each transfer into a segment assembler.
type Handler struct {
	handler.Base
	env *handler.Env
	log *slog.Logger

	// mu guards transfers, which span the request and the data sessions
	mu        sync.Mutex
	transfers *cache.LRU[netip.AddrPort, *transfer]
}

// NewHandler creates the TFTP handler.
func NewHandler(env *handler.Env) *Handler {
	h := &Handler{
		Base: handler.NewBase(Name, packet.KindTFTP, packet.KindUDP),
		env:  env,
		log:  env.Log(Name),
	}
	h.transfers = cache.New[netip.AddrPort, *transfer](env.StateCapacity(), h.evicted).
		WithEvictionCounter(env.Metrics.Eviction("tftp_transfers"))
	return h
}

func (h *Handler) evicted(client netip.AddrPort, t *transfer, reason cache.EvictReason) {
	if t.seg == nil {
		return
	}
	if reason != cache.Capacity {
		t.seg.Discard()
		return
	}
	h.env.Anomaly(t.last, Name, t.flow, "transfer of %s for %s evicted before the last block", t.filename, client)
	t.seg.MarkTruncated()
	t.seg.AssembleAndClose()
}

// CanParse accepts decoded TFTP requests and plain datagrams, which may
// belong to a transfer running between ephemeral ports.
func (h *Handler) CanParse(present packet.KindSet) bool {
	return present.Has(packet.KindTFTP) || present == packet.Kinds(packet.KindUDP)
}

// ExtractData consumes whole datagrams of known transfers.
func (h *Handler) ExtractData(s *types.Session, clientToServer bool, pkts []packet.Packet) int {
	p, ok := packet.Find[*Packet](pkts)
	if !ok {
		udp, ok := packet.Find[*packet.UDP](pkts)
		if !ok || s.Flow.Transport != types.TransportUDP {
			return 0
		}
		h.mu.Lock()
		known := h.find(s.Flow) != nil
		h.mu.Unlock()
		if !known {
			return 0
		}
		var err error
		if p, err = Decode(udp.Frame(), udp.Payload()); err != nil {
			h.log.Debug("Undecodable datagram in transfer", "flow", s.Flow.String(), "frame", udp.Frame().Number, "error", err)
			return len(udp.Payload())
		}
	}

	f := p.Frame()
	h.mu.Lock()
	defer h.mu.Unlock()
	switch p.Opcode {
	case OpRRQ, OpWRQ:
		h.request(s, clientToServer, f, p)
	case OpOACK:
		h.oack(s, f, p)
	case OpDATA:
		h.data(s, clientToServer, f, p)
	case OpERROR:
		h.failed(s, f, p)
	}
	return len(p.Payload())
}

// Reset drops all transfers without emitting partial files.
func (h *Handler) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.transfers.Clear()
}

// find returns the transfer one of the flow endpoints requested.
func (h *Handler) find(flow types.FiveTuple) *transfer {
	for _, ep := range []netip.AddrPort{
		netip.AddrPortFrom(flow.ClientIP, flow.ClientPort),
		netip.AddrPortFrom(flow.ServerIP, flow.ServerPort),
	} {
		if t, ok := h.transfers.Get(ep); ok {
			return t
		}
	}
	return nil
}

func (h *Handler) request(s *types.Session, clientToServer bool, f *packet.Frame, p *Packet) {
	srcIP, srcPort := s.Flow.Source(clientToServer)
	client := netip.AddrPortFrom(srcIP, srcPort)

	params := []events.NameValue{{Name: "Filename", Value: p.Filename}, {Name: "Mode", Value: p.Mode}}
	for _, o := range p.Options {
		params = append(params, events.NameValue{Name: o.Name, Value: o.Value})
	}
	h.env.Parameters(f, s, clientToServer, "TFTP "+p.Opcode.String(), params)

	if old, ok := h.transfers.Remove(client); ok && old.seg != nil {
		// the client restarted the request
		old.seg.Discard()
	}
	t := &transfer{
		client:    client,
		filename:  p.Filename,
		write:     p.Opcode == OpWRQ,
		blockSize: defaultBlockSize,
		size:      -1,
		flow:      s.Flow,
		last:      f,
	}
	if p.Opcode == OpWRQ {
		// tsize of a write request is the real size
		if v, ok := p.Option("tsize"); ok {
			t.size = parseSize(v)
		}
	}
	h.transfers.Put(client, t)
}

func (h *Handler) oack(s *types.Session, f *packet.Frame, p *Packet) {
	t := h.find(s.Flow)
	if t == nil {
		return
	}
	t.last = f
	if v, ok := p.Option("blksize"); ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 8 && n <= maxBlockSize {
			t.blockSize = n
		}
	}
	if v, ok := p.Option("tsize"); ok {
		if n := parseSize(v); n > 0 {
			t.size = n
		}
	}
}

func (h *Handler) data(s *types.Session, clientToServer bool, f *packet.Frame, p *Packet) {
	t := h.find(s.Flow)
	if t == nil || p.Block == 0 {
		return
	}
	t.last = f
	t.flow = s.Flow
	if t.seg == nil {
		name := path.Base(strings.ReplaceAll(t.filename, `\`, "/"))
		t.seg = h.env.Files.NewSegment(assembler.Options{
			Flow:           s.Flow,
			ClientToServer: clientToServer,
			StreamID:       fmt.Sprintf("tftp-%s", t.client),
			Kind:           types.ArtifactTFTP,
			Filename:       name,
			Location:       handler.FileLocation(s, clientToServer, Name),
			Details:        t.filename,
			DeclaredLength: t.size,
			Frame:          f.Number,
			Time:           f.Timestamp,
		})
		if !t.seg.TryActivate() {
			h.env.Anomaly(f, Name, s.Flow, "transfer of %s collides with an active assembler", t.filename)
			h.transfers.Remove(t.client)
			return
		}
	}

	off := t.offset(p.Block)
	if err := t.seg.WriteAt(off, p.Data); err != nil {
		h.log.Debug("Block dropped", "flow", s.Flow.String(), "frame", f.Number, "block", p.Block, "error", err)
		h.transfers.Remove(t.client)
		return
	}
	if len(p.Data) < t.blockSize {
		t.seg.SetFileSize(off + int64(len(p.Data)))
		t.seg.AssembleAndClose()
		h.transfers.Remove(t.client)
		h.log.Debug("Transfer complete", "flow", s.Flow.String(), "file", t.filename, "write", t.write, "size", off+int64(len(p.Data)))
	}
}

func (h *Handler) failed(s *types.Session, f *packet.Frame, p *Packet) {
	t := h.find(s.Flow)
	if t == nil {
		return
	}
	h.env.Anomaly(f, Name, s.Flow, "TFTP error %d (%s) for %s", p.ErrorCode, p.ErrorMessage, t.filename)
	if t.seg != nil {
		t.seg.Discard()
	}
	h.transfers.Remove(t.client)
}

func parseSize(v string) int64 {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return -1
	}
	return n
}
