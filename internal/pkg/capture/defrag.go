package capture

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/cache"
)

// Fragment limits (RFC 791)
const (
	// minFragmentSize applies to every fragment but the last one; offsets
	// are counted in 8 byte units
	minFragmentSize = 8
	maxIPv4Size     = 65535
	maxFragOffset   = 8191
	// maxFragments caps the fragments kept for one datagram
	maxFragments = 1024
	// fragmentTimeout drops datagrams that never completed
	fragmentTimeout = 30 * time.Second
)

var (
	ErrFragmentTooSmall = errors.New("defrag: non-final fragment too small")
	ErrFragmentHole     = errors.New("defrag: hole in fragment sequence")
)

type fragKey struct {
	flow gopacket.Flow
	id   uint16
}

type fragment struct {
	offset  uint32
	payload []byte
}

// datagram collects the fragments of one IPv4 datagram ordered by offset.
type datagram struct {
	frags    []fragment
	highest  uint32
	received uint32
	final    bool
	lastSeen time.Time
}

// Defragmenter reassembles fragmented IPv4 datagrams. Incomplete datagrams
// live in a bounded cache; the least recently touched one is dropped when
// it is full. Only the capture goroutine uses it.
type Defragmenter struct {
	pending *cache.LRU[fragKey, *datagram]
}

// NewDefragmenter creates a defragmenter tracking at most capacity
// incomplete datagrams.
func NewDefragmenter(capacity int) *Defragmenter {
	return &Defragmenter{pending: cache.New[fragKey, *datagram](capacity, nil)}
}

// Defrag returns ip itself when it is not a fragment, the reassembled
// datagram once the last missing fragment arrived, or nil while fragments
// are outstanding. ts is the capture time of the fragment.
func (d *Defragmenter) Defrag(ip *layers.IPv4, ts time.Time) (*layers.IPv4, error) {
	if ip.Flags&layers.IPv4DontFragment != 0 ||
		(ip.Flags&layers.IPv4MoreFragments == 0 && ip.FragOffset == 0) {
		return ip, nil
	}
	if err := checkFragment(ip); err != nil {
		return nil, err
	}

	key := fragKey{flow: ip.NetworkFlow(), id: ip.Id}
	dg, _ := d.pending.GetOrAdd(key, func() *datagram { return &datagram{} })
	if len(dg.frags) >= maxFragments {
		d.pending.Remove(key)
		return nil, fmt.Errorf("defrag: more than %d fragments for id %d", maxFragments, ip.Id)
	}
	if !dg.insert(ip, ts) {
		return nil, nil
	}
	d.pending.Remove(key)
	payload, err := dg.assemble()
	if err != nil {
		return nil, err
	}

	out := &layers.IPv4{
		Version:  ip.Version,
		IHL:      ip.IHL,
		TOS:      ip.TOS,
		Length:   uint16(ip.IHL)*4 + uint16(len(payload)),
		Id:       ip.Id,
		TTL:      ip.TTL,
		Protocol: ip.Protocol,
		SrcIP:    ip.SrcIP,
		DstIP:    ip.DstIP,
		Options:  ip.Options,
		Padding:  ip.Padding,
	}
	out.Payload = payload
	return out, nil
}

// DiscardOlderThan drops incomplete datagrams last touched before t and
// returns how many were dropped.
func (d *Defragmenter) DiscardOlderThan(t time.Time) int {
	var stale []fragKey
	d.pending.Range(func(k fragKey, dg *datagram) bool {
		if dg.lastSeen.Before(t) {
			stale = append(stale, k)
		}
		return true
	})
	for _, k := range stale {
		d.pending.Remove(k)
	}
	return len(stale)
}

// Len returns the number of incomplete datagrams.
func (d *Defragmenter) Len() int {
	return d.pending.Len()
}

func checkFragment(ip *layers.IPv4) error {
	size := int(ip.Length) - int(ip.IHL)*4
	if ip.Flags&layers.IPv4MoreFragments != 0 && size < minFragmentSize {
		// a final fragment may be shorter than 8 bytes
		return fmt.Errorf("%w (%d bytes)", ErrFragmentTooSmall, size)
	}
	if ip.FragOffset > maxFragOffset {
		return fmt.Errorf("defrag: fragment offset too large (%d)", ip.FragOffset)
	}
	if uint32(ip.FragOffset)*8+uint32(ip.Length) > maxIPv4Size {
		return fmt.Errorf("defrag: fragment would exceed %d bytes", maxIPv4Size)
	}
	return nil
}

// insert adds a fragment and reports whether every byte up to the final
// fragment is present. Duplicate offsets are ignored.
func (dg *datagram) insert(ip *layers.IPv4, ts time.Time) bool {
	dg.lastSeen = ts
	off := uint32(ip.FragOffset) * 8
	i := sort.Search(len(dg.frags), func(i int) bool { return dg.frags[i].offset >= off })
	if i < len(dg.frags) && dg.frags[i].offset == off {
		return false
	}
	dg.frags = append(dg.frags, fragment{})
	copy(dg.frags[i+1:], dg.frags[i:])
	dg.frags[i] = fragment{offset: off, payload: ip.Payload}

	end := off + uint32(len(ip.Payload))
	if end > dg.highest {
		dg.highest = end
	}
	dg.received += uint32(len(ip.Payload))
	if ip.Flags&layers.IPv4MoreFragments == 0 {
		dg.final = true
	}
	return dg.final && dg.received >= dg.highest
}

// assemble joins the fragments. Overlapping bytes keep the earlier
// fragment's data.
func (dg *datagram) assemble() ([]byte, error) {
	out := make([]byte, 0, dg.highest)
	var next uint32
	for _, fr := range dg.frags {
		switch {
		case fr.offset > next:
			return nil, ErrFragmentHole
		case fr.offset < next:
			skip := next - fr.offset
			if skip >= uint32(len(fr.payload)) {
				continue
			}
			out = append(out, fr.payload[skip:]...)
		default:
			out = append(out, fr.payload...)
		}
		next = uint32(len(out))
	}
	return out, nil
}
