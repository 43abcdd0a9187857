package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/reassembly"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/cache"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/constants"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/dispatch"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/handler"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/logger"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/packet"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/types"
)

const (
	// minProbe is the number of unclassified bytes a direction waits for
	// before they are skipped; it covers the HTTP/2 connection preface.
	minProbe = 24
	// sweepInterval is the number of frames between idle sweeps
	sweepInterval = 1024
	// fragmentCapacity bounds the incomplete IPv4 datagrams kept
	fragmentCapacity = 4096
)

type flowState struct {
	session *types.Session
	// last is the most recent frame of the session
	last *packet.Frame
	// pending counts the bytes held back per direction, [0] is client to
	// server
	pending [2]int
	closed  bool
}

// Engine orients captured packets into sessions, reassembles TCP streams
// and feeds the decoded slices to the dispatcher. ProcessPacket must be
// called from one goroutine.
type Engine struct {
	env        *handler.Env
	dispatcher *dispatch.Dispatcher
	decoder    *Decoder
	defrag     *Defragmenter
	flows      *cache.LRU[types.FiveTuple, *flowState]
	assembler  *reassembly.Assembler
	maxPending int
	log        *slog.Logger

	frames uint64
	now    time.Time
}

// NewEngine creates an engine dispatching to d.
func NewEngine(env *handler.Env, d *dispatch.Dispatcher) *Engine {
	e := &Engine{
		env:        env,
		dispatcher: d,
		decoder:    NewDecoder(env.Files),
		defrag:     NewDefragmenter(fragmentCapacity),
		maxPending: env.Config.Capture.MaxPendingBytes,
		log:        logger.With("component", "capture"),
	}
	e.flows = cache.New[types.FiveTuple, *flowState](env.Config.Capture.SessionCapacity, e.evicted).
		WithEvictionCounter(env.Metrics.Eviction("sessions"))
	e.assembler = reassembly.NewAssembler(reassembly.NewStreamPool(&streamFactory{e: e}))
	e.assembler.MaxBufferedPagesPerConnection = maxBufferedPages
	e.assembler.MaxBufferedPagesTotal = maxBufferedPagesTotal
	return e
}

func (e *Engine) evicted(_ types.FiveTuple, st *flowState, _ cache.EvictReason) {
	e.closeFlow(st)
}

// Run processes every packet of r and closes the remaining sessions at the
// end of the capture.
func (e *Engine) Run(ctx context.Context, r *Reader) error {
	defer e.Close()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		p, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read frame %d: %w", r.Frames()+1, err)
		}
		e.ProcessPacket(p)
	}
}

// Frames returns the number of frames processed.
func (e *Engine) Frames() uint64 {
	return e.frames
}

// Sessions returns the number of live sessions.
func (e *Engine) Sessions() int {
	return e.flows.Len()
}

// Session returns the live session of flow in either orientation.
func (e *Engine) Session(flow types.FiveTuple) (*types.Session, bool) {
	if st, ok := e.flows.Peek(flow); ok {
		return st.session, true
	}
	if st, ok := e.flows.Peek(flow.Reverse()); ok {
		return st.session, true
	}
	return nil, false
}

// Close ends every live session so handlers emit what they still hold, and
// finalizes the assemblers no session claimed.
func (e *Engine) Close() {
	e.assembler.FlushAll()
	e.flows.Clear()
	if n := e.env.Files.Flush(); n > 0 {
		e.log.Debug("Flushed orphaned assemblers", "artifacts", n)
	}
	e.env.Metrics.Sessions(0)
}

// ProcessPacket handles one captured frame.
func (e *Engine) ProcessPacket(p gopacket.Packet) {
	e.frames++
	md := p.Metadata()
	f := &packet.Frame{Number: e.frames, Timestamp: md.Timestamp, Data: p.Data()}
	e.now = md.Timestamp
	if e.frames%sweepInterval == 0 {
		e.sweep()
	}

	var src, dst netip.Addr
	var netFlow gopacket.Flow
	switch ip := p.NetworkLayer().(type) {
	case *layers.IPv4:
		whole, err := e.defrag.Defrag(ip, f.Timestamp)
		if err != nil {
			e.log.Debug("Dropping fragment", "frame", f.Number, "error", err)
			return
		}
		if whole == nil {
			return
		}
		if whole != ip {
			p = gopacket.NewPacket(whole.Payload, whole.Protocol.LayerType(), gopacket.Default)
		}
		src, dst = addr(ip.SrcIP), addr(ip.DstIP)
		netFlow = ip.NetworkFlow()
	case *layers.IPv6:
		src, dst = addr(ip.SrcIP), addr(ip.DstIP)
		netFlow = ip.NetworkFlow()
	default:
		return
	}

	switch t := p.TransportLayer().(type) {
	case *layers.TCP:
		e.env.Metrics.Packet("tcp")
		e.tcp(f, src, dst, netFlow, t)
	case *layers.UDP:
		e.env.Metrics.Packet("udp")
		e.udp(f, src, dst, t)
	}
}

func addr(ip net.IP) netip.Addr {
	a, _ := netip.AddrFromSlice(ip)
	return a.Unmap()
}

// orient finds the session of a packet sent from src to dst. A new session
// is created only when create is set; its server is the SYN receiver, or
// else the endpoint with the lower port.
func (e *Engine) orient(f *packet.Frame, src, dst netip.Addr, sp, dp uint16, transport types.Transport, syn, ack, create bool) (*flowState, bool) {
	fwd := types.FiveTuple{ClientIP: src, ClientPort: sp, ServerIP: dst, ServerPort: dp, Transport: transport}
	if st, ok := e.flows.Get(fwd); ok {
		return st, true
	}
	if st, ok := e.flows.Get(fwd.Reverse()); ok {
		return st, false
	}
	if !create {
		return nil, false
	}

	clientToServer := true
	switch {
	case syn && !ack:
	case syn && ack:
		clientToServer = false
	case sp < dp:
		clientToServer = false
	}
	flow := fwd
	if !clientToServer {
		flow = fwd.Reverse()
	}
	st := &flowState{
		session: types.NewSession(flow, e.env.Host(f, flow.ClientIP), e.env.Host(f, flow.ServerIP), f.Timestamp),
	}
	e.flows.Put(flow, st)
	e.env.Metrics.Sessions(e.flows.Len())
	e.log.Debug("New session", "flow", flow.String(), "frame", f.Number)
	return st, clientToServer
}

func (e *Engine) tcp(f *packet.Frame, src, dst netip.Addr, netFlow gopacket.Flow, t *layers.TCP) {
	sp, dp := uint16(t.SrcPort), uint16(t.DstPort)
	st, clientToServer := e.orient(f, src, dst, sp, dp, types.TransportTCP, t.SYN, t.ACK, t.SYN || len(t.Payload) > 0)
	if st == nil {
		return
	}
	st.last = f
	st.session.AddBytes(clientToServer, len(t.Payload), f.Timestamp)
	e.assembler.AssembleWithContext(netFlow, t, &frameContext{f: f, st: st, clientToServer: clientToServer})
	if t.RST {
		e.end(st)
	}
}

func dirName(clientToServer bool) string {
	if clientToServer {
		return "client to server"
	}
	return "server to client"
}

// drain offers reassembled bytes to the decoder until no handler makes
// progress. It returns the number of bytes consumed or skipped; seq is the
// sequence number of data[0].
func (e *Engine) drain(f *packet.Frame, st *flowState, clientToServer bool, seq uint32, data []byte, fin bool) int {
	s := st.session
	sp, dp := s.Flow.ClientPort, s.Flow.ServerPort
	if !clientToServer {
		sp, dp = dp, sp
	}
	off := 0
	for off < len(data) {
		payload := data[off:]
		tp := packet.NewTCP(f, sp, dp, seq+uint32(off), payload)
		tp.FIN = fin

		pkts, err := e.decoder.Decode(s, clientToServer, tp, payload)
		if n := e.dispatcher.Dispatch(s, clientToServer, pkts); n > 0 {
			off += min(n, len(payload))
			continue
		}
		switch {
		case err == nil, errors.Is(err, ErrNeedMore):
		case errors.Is(err, ErrUnclassified) && len(payload) < minProbe:
		default:
			e.log.Debug("Skipping undecoded bytes",
				"flow", s.Flow.String(),
				"frame", f.Number,
				"bytes", len(payload),
				"error", err)
			off = len(data)
		}
		break
	}
	return off
}

func (e *Engine) udp(f *packet.Frame, src, dst netip.Addr, u *layers.UDP) {
	if len(u.Payload) == 0 {
		return
	}
	sp, dp := uint16(u.SrcPort), uint16(u.DstPort)
	st, clientToServer := e.orient(f, src, dst, sp, dp, types.TransportUDP, false, false, true)
	s := st.session
	s.AddBytes(clientToServer, len(u.Payload), f.Timestamp)

	up := packet.NewUDP(f, sp, dp, u.Payload)
	pkts, err := e.decoder.Decode(s, clientToServer, up, u.Payload)
	if err != nil && !errors.Is(err, ErrUnclassified) {
		e.log.Debug("Undecoded datagram", "flow", s.Flow.String(), "frame", f.Number, "error", err)
	}
	e.dispatcher.Dispatch(s, clientToServer, pkts)
}

// end removes a finished session and lets the handlers flush it.
func (e *Engine) end(st *flowState) {
	if cur, ok := e.flows.Peek(st.session.Flow); ok && cur == st {
		e.flows.Remove(st.session.Flow)
	}
	e.closeFlow(st)
	e.env.Metrics.Sessions(e.flows.Len())
}

// closeFlow tells the handlers the session ended, then finalizes the
// assemblers still open on it. A body without a declared length ends with
// its connection; anything shorter than declared is emitted truncated.
func (e *Engine) closeFlow(st *flowState) {
	if st.closed {
		return
	}
	st.closed = true
	e.dispatcher.Close(st.session)
	for _, a := range e.env.Files.FlowAssemblers(st.session.Flow) {
		a.AssembleAndClose()
	}
}

// sweep ends sessions idle for longer than the session timeout and drops
// stale fragments, both measured in capture time.
func (e *Engine) sweep() {
	e.defrag.DiscardOlderThan(e.now.Add(-fragmentTimeout))
	cutoff := e.now.Add(-constants.SessionIdleTimeout)
	e.assembler.FlushCloseOlderThan(cutoff)
	var idle []*flowState
	e.flows.Range(func(_ types.FiveTuple, st *flowState) bool {
		if st.session.LastSeen().Before(cutoff) {
			idle = append(idle, st)
		}
		return true
	})
	for _, st := range idle {
		e.end(st)
	}
}
