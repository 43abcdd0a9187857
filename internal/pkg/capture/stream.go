package capture

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/reassembly"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/packet"
)

const (
	// maxBufferedPages is the number of out-of-order pages a connection
	// queues before the assembler gives up on the missing bytes.
	maxBufferedPages = 64
	// maxBufferedPagesTotal bounds out-of-order pages across connections.
	maxBufferedPagesTotal = 1 << 16
)

// frameContext carries the frame being assembled, and the session it was
// oriented into, through the assembler to the stream callbacks.
type frameContext struct {
	f              *packet.Frame
	st             *flowState
	clientToServer bool
}

func (c *frameContext) GetCaptureInfo() gopacket.CaptureInfo {
	return gopacket.CaptureInfo{
		Timestamp:     c.f.Timestamp,
		CaptureLength: len(c.f.Data),
		Length:        len(c.f.Data),
	}
}

type streamFactory struct {
	e *Engine
}

func (sf *streamFactory) New(_, _ gopacket.Flow, _ *layers.TCP, ac reassembly.AssemblerContext) reassembly.Stream {
	s := &tcpStream{e: sf.e}
	// the packet opening a connection travels client to server in the
	// assembler's view
	s.bind(ac.(*frameContext), reassembly.TCPDirClientToServer)
	return s
}

// tcpStream feeds the reassembled bytes of one connection to the decoder.
// Bytes no handler consumed yet are handed back to the assembler with
// KeepFrom and delivered again in front of the next segment.
type tcpStream struct {
	e  *Engine
	st *flowState
	// clientDir is the assembler direction carrying client to server bytes
	clientDir reassembly.TCPFlowDirection
	// next is the sequence number following the last delivered byte,
	// indexed like flowState.pending
	synced [2]bool
	next   [2]uint32
}

// bind attaches the stream to the session of c. dir is the assembler
// direction of the packet in c.
func (s *tcpStream) bind(c *frameContext, dir reassembly.TCPFlowDirection) {
	s.st = c.st
	s.clientDir = dir
	if !c.clientToServer {
		s.clientDir = dir.Reverse()
	}
	s.synced = [2]bool{}
}

func (s *tcpStream) index(dir reassembly.TCPFlowDirection) int {
	if dir == s.clientDir {
		return 0
	}
	return 1
}

func (s *tcpStream) Accept(t *layers.TCP, _ gopacket.CaptureInfo, dir reassembly.TCPFlowDirection, _ reassembly.Sequence, start *bool, ac reassembly.AssemblerContext) bool {
	if c, ok := ac.(*frameContext); ok && c.st != s.st {
		// the 4-tuple was reused after the previous session ended
		s.bind(c, dir)
	}
	if s.st.closed {
		return false
	}
	i := s.index(dir)
	if !s.synced[i] {
		// streams joined mid-capture start at the first segment seen
		s.synced[i] = true
		s.next[i] = t.Seq
		if t.SYN {
			s.next[i]++
		}
		*start = true
	}
	return true
}

func (s *tcpStream) ReassembledSG(sg reassembly.ScatterGather, ac reassembly.AssemblerContext) {
	dir, _, end, skip := sg.Info()
	i := s.index(dir)
	clientToServer := i == 0
	length, saved := sg.Lengths()

	f := s.st.last
	if c, ok := ac.(*frameContext); ok {
		f = c.f
	}
	if skip > 0 {
		s.e.env.Anomaly(f, "capture", s.st.session.Flow, "%d bytes missing in %s stream, skipped", skip, dirName(clientToServer))
		s.next[i] += uint32(skip)
	}
	seq := s.next[i] - uint32(saved)
	s.next[i] += uint32(length - saved)
	if length == 0 || s.st.closed {
		return
	}

	data := append([]byte(nil), sg.Fetch(length)...)
	off := s.e.drain(f, s.st, clientToServer, seq, data, end)
	rest := len(data) - off
	switch {
	case rest > s.e.maxPending:
		s.e.env.Metrics.Dropped(rest)
		s.e.env.Anomaly(f, "capture", s.st.session.Flow, "pending %s data exceeded %d bytes, dropped %d bytes", dirName(clientToServer), s.e.maxPending, rest)
		rest = 0
	case rest > 0 && !end:
		sg.KeepFrom(off)
	}
	s.st.pending[i] = rest
}

// ReassemblyComplete runs once both directions closed, or when the
// assembler flushed the connection.
func (s *tcpStream) ReassemblyComplete(reassembly.AssemblerContext) bool {
	s.e.end(s.st)
	return true
}
