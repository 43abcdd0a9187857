// Package types holds the data model shared by the capture engine and the
// protocol handlers: flows, hosts, sessions, credentials and artifacts.
package types

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Transport is the transport protocol of a flow.
type Transport uint8

const (
	TransportTCP Transport = iota + 1
	TransportUDP
)

func (t Transport) String() string {
	switch t {
	case TransportTCP:
		return "TCP"
	case TransportUDP:
		return "UDP"
	default:
		return "unknown"
	}
}

// FiveTuple identifies a bidirectional conversation. It is a comparable value
// and is used as map key for all per-flow state. Equality is direction
// sensitive; use EqualsIgnoreDirection to match either orientation.
type FiveTuple struct {
	ClientIP   netip.Addr
	ServerIP   netip.Addr
	ClientPort uint16
	ServerPort uint16
	Transport  Transport
}

// NewFiveTuple builds a flow from net.IP addresses. IPv4-mapped IPv6
// addresses are unmapped so both spellings produce the same key.
func NewFiveTuple(clientIP net.IP, clientPort uint16, serverIP net.IP, serverPort uint16, transport Transport) FiveTuple {
	return FiveTuple{
		ClientIP:   addrFromIP(clientIP),
		ClientPort: clientPort,
		ServerIP:   addrFromIP(serverIP),
		ServerPort: serverPort,
		Transport:  transport,
	}
}

// FiveTupleFromFlows builds a flow from gopacket network and transport flows,
// treating the flow source as the client.
func FiveTupleFromFlows(network, transport gopacket.Flow) (FiveTuple, error) {
	src, dst := network.Endpoints()
	tsrc, tdst := transport.Endpoints()

	var proto Transport
	switch transport.EndpointType() {
	case layers.EndpointTCPPort:
		proto = TransportTCP
	case layers.EndpointUDPPort:
		proto = TransportUDP
	default:
		return FiveTuple{}, fmt.Errorf("unsupported transport endpoint type %v", transport.EndpointType())
	}

	sport, err := endpointPort(tsrc)
	if err != nil {
		return FiveTuple{}, err
	}
	dport, err := endpointPort(tdst)
	if err != nil {
		return FiveTuple{}, err
	}
	return FiveTuple{
		ClientIP:   addrFromIP(net.IP(src.Raw())),
		ClientPort: sport,
		ServerIP:   addrFromIP(net.IP(dst.Raw())),
		ServerPort: dport,
		Transport:  proto,
	}, nil
}

func endpointPort(e gopacket.Endpoint) (uint16, error) {
	raw := e.Raw()
	if len(raw) != 2 {
		return 0, fmt.Errorf("invalid port endpoint length %d", len(raw))
	}
	return uint16(raw[0])<<8 | uint16(raw[1]), nil
}

func addrFromIP(ip net.IP) netip.Addr {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}
	}
	return addr.Unmap()
}

// Reverse returns the flow with client and server swapped.
func (f FiveTuple) Reverse() FiveTuple {
	return FiveTuple{
		ClientIP:   f.ServerIP,
		ClientPort: f.ServerPort,
		ServerIP:   f.ClientIP,
		ServerPort: f.ClientPort,
		Transport:  f.Transport,
	}
}

// EqualsIgnoreDirection reports whether o is f in either orientation.
func (f FiveTuple) EqualsIgnoreDirection(o FiveTuple) bool {
	return f == o || f == o.Reverse()
}

// Source returns the sending endpoint for the given direction.
func (f FiveTuple) Source(clientToServer bool) (netip.Addr, uint16) {
	if clientToServer {
		return f.ClientIP, f.ClientPort
	}
	return f.ServerIP, f.ServerPort
}

// Destination returns the receiving endpoint for the given direction.
func (f FiveTuple) Destination(clientToServer bool) (netip.Addr, uint16) {
	if clientToServer {
		return f.ServerIP, f.ServerPort
	}
	return f.ClientIP, f.ClientPort
}

func (f FiveTuple) String() string {
	return fmt.Sprintf("%s %s -> %s",
		f.Transport,
		net.JoinHostPort(f.ClientIP.String(), strconv.Itoa(int(f.ClientPort))),
		net.JoinHostPort(f.ServerIP.String(), strconv.Itoa(int(f.ServerPort))))
}
