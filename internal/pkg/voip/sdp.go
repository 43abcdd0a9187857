package voip

import (
	"net/netip"
	"strconv"
	"strings"
)

// Media is one m= section of a session description.
type Media struct {
	Type     string
	Endpoint netip.AddrPort
	// Formats lists the RTP payload types in preference order.
	Formats []uint8
}

// SessionDescription is the part of an SDP body needed to find RTP.
type SessionDescription struct {
	Media []Media
	// Codecs maps dynamic and static payload types to a=rtpmap names.
	Codecs map[uint8]string
}

// ParseSDP reads the connection and media lines of body. A media level c=
// line overrides the session level one.
func ParseSDP(body []byte) *SessionDescription {
	sd := &SessionDescription{Codecs: make(map[uint8]string)}
	var sessionAddr netip.Addr
	current := -1
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if len(line) < 2 || line[1] != '=' {
			continue
		}
		value := line[2:]
		switch line[0] {
		case 'c':
			addr, ok := connectionAddr(value)
			if !ok {
				continue
			}
			if current < 0 {
				sessionAddr = addr
			} else {
				m := &sd.Media[current]
				m.Endpoint = netip.AddrPortFrom(addr, m.Endpoint.Port())
			}
		case 'm':
			fields := strings.Fields(value)
			if len(fields) < 3 {
				continue
			}
			port, err := strconv.ParseUint(fields[1], 10, 16)
			if err != nil || port == 0 {
				continue
			}
			m := Media{Type: fields[0], Endpoint: netip.AddrPortFrom(sessionAddr, uint16(port))}
			for _, f := range fields[3:] {
				if pt, err := strconv.ParseUint(f, 10, 8); err == nil {
					m.Formats = append(m.Formats, uint8(pt))
				}
			}
			sd.Media = append(sd.Media, m)
			current = len(sd.Media) - 1
		case 'a':
			rest, ok := strings.CutPrefix(value, "rtpmap:")
			if !ok {
				continue
			}
			pt, codec, ok := strings.Cut(rest, " ")
			if !ok {
				continue
			}
			n, err := strconv.ParseUint(pt, 10, 8)
			if err != nil {
				continue
			}
			name, _, _ := strings.Cut(codec, "/")
			sd.Codecs[uint8(n)] = strings.ToUpper(name)
		}
	}
	return sd
}

// connectionAddr parses "IN IP4 <addr>" and "IN IP6 <addr>".
func connectionAddr(value string) (netip.Addr, bool) {
	fields := strings.Fields(value)
	if len(fields) < 3 || fields[0] != "IN" {
		return netip.Addr{}, false
	}
	// multicast TTL suffix
	host, _, _ := strings.Cut(fields[2], "/")
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// AudioEndpoints returns the endpoints of the audio media sections.
func (sd *SessionDescription) AudioEndpoints() []netip.AddrPort {
	var out []netip.AddrPort
	for _, m := range sd.Media {
		if m.Type == "audio" {
			out = append(out, m.Endpoint)
		}
	}
	return out
}
