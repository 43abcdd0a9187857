package packet

// TCP is the transport view of a reassembled TCP stream slice. Payload holds
// the unconsumed bytes of the flow direction, which may span several
// segments.
type TCP struct {
	Base
	SrcPort uint16
	DstPort uint16
	// Seq is the sequence number of the first payload byte.
	Seq uint32
	FIN bool
	RST bool
}

func (*TCP) Kind() Kind { return KindTCP }

// NewTCP builds a TCP packet.
func NewTCP(f *Frame, srcPort, dstPort uint16, seq uint32, payload []byte) *TCP {
	return &TCP{Base: Base{F: f, Data: payload}, SrcPort: srcPort, DstPort: dstPort, Seq: seq}
}

// UDP is one datagram.
type UDP struct {
	Base
	SrcPort uint16
	DstPort uint16
}

func (*UDP) Kind() Kind { return KindUDP }

// NewUDP builds a UDP packet.
func NewUDP(f *Frame, srcPort, dstPort uint16, payload []byte) *UDP {
	return &UDP{Base: Base{F: f, Data: payload}, SrcPort: srcPort, DstPort: dstPort}
}
