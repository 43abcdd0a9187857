// Package packet defines the decoded packet objects handed to protocol
// handlers. The set of packet kinds is closed: every variant embeds Base,
// which carries the unexported marker method, so only types built on Base
// satisfy Packet.
package packet

import (
	"strings"
	"time"
)

// Kind tags a decoded packet variant.
type Kind uint8

const (
	KindTCP Kind = iota
	KindUDP
	KindDNS
	KindSMTP
	KindIMAP
	KindHTTP
	KindHTTP2
	KindTLS
	KindSMB2
	KindKerberos
	KindSIP
	KindTFTP
	KindRFB
	KindIEC104
	KindNjRAT
	KindBackConnect
	KindMeterpreter
	numKinds
)

var kindNames = [numKinds]string{
	"TCP", "UDP", "DNS", "SMTP", "IMAP", "HTTP", "HTTP2", "TLS", "SMB2",
	"Kerberos", "SIP", "TFTP", "RFB", "IEC104", "njRAT", "BackConnect",
	"Meterpreter",
}

func (k Kind) String() string {
	if k < numKinds {
		return kindNames[k]
	}
	return "unknown"
}

// KindSet is a set of packet kinds.
type KindSet uint32

// Kinds builds a set.
func Kinds(kinds ...Kind) KindSet {
	var s KindSet
	for _, k := range kinds {
		s |= 1 << k
	}
	return s
}

// Has reports whether k is in the set.
func (s KindSet) Has(k Kind) bool {
	return s&(1<<k) != 0
}

// Intersects reports whether the sets share a kind.
func (s KindSet) Intersects(o KindSet) bool {
	return s&o != 0
}

func (s KindSet) String() string {
	var names []string
	for k := Kind(0); k < numKinds; k++ {
		if s.Has(k) {
			names = append(names, k.String())
		}
	}
	return "{" + strings.Join(names, ",") + "}"
}

// Frame is the captured frame a packet was decoded from.
type Frame struct {
	Number    uint64
	Timestamp time.Time
	Data      []byte
}

// Packet is a decoded, immutable view over a byte range of a frame or of a
// reassembled stream slice.
type Packet interface {
	Kind() Kind
	Frame() *Frame
	// Payload returns the bytes the packet was decoded from.
	Payload() []byte
	sealed()
}

// Base is embedded by every packet variant.
type Base struct {
	F    *Frame
	Data []byte
}

func (b *Base) Frame() *Frame   { return b.F }
func (b *Base) Payload() []byte { return b.Data }
func (b *Base) sealed()         {}

// KindsOf returns the set of kinds present in pkts.
func KindsOf(pkts []Packet) KindSet {
	var s KindSet
	for _, p := range pkts {
		s |= 1 << p.Kind()
	}
	return s
}

// Find returns the first packet of type T.
func Find[T Packet](pkts []Packet) (T, bool) {
	for _, p := range pkts {
		if v, ok := p.(T); ok {
			return v, true
		}
	}
	var zero T
	return zero, false
}

// FrameOf returns the frame of the first packet, or an empty frame.
func FrameOf(pkts []Packet) *Frame {
	for _, p := range pkts {
		if f := p.Frame(); f != nil {
			return f
		}
	}
	return &Frame{}
}
