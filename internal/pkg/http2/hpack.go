package http2

import (
	"errors"
	"fmt"

	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/constants"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/events"
	"golang.org/x/net/http2/hpack"
)

const (
	// defaultTableSize is SETTINGS_HEADER_TABLE_SIZE before any SETTINGS
	defaultTableSize = 4096
	maxHeaderSize    = 64 * 1024
	maxHeaderCount   = 256
)

var (
	ErrTruncatedBlock = errors.New("hpack: truncated header block")
	ErrInvalidIndex   = errors.New("hpack: invalid table index")
)

type tableEntry struct {
	name, value string
}

func (e tableEntry) size() int {
	return len(e.name) + len(e.value) + 32
}

// HPACK static table (RFC 7541 Appendix A)
var staticTable = [...]tableEntry{
	{":authority", ""},
	{":method", "GET"},
	{":method", "POST"},
	{":path", "/"},
	{":path", "/index.html"},
	{":scheme", "http"},
	{":scheme", "https"},
	{":status", "200"},
	{":status", "204"},
	{":status", "206"},
	{":status", "304"},
	{":status", "400"},
	{":status", "404"},
	{":status", "500"},
	{"accept-charset", ""},
	{"accept-encoding", "gzip, deflate"},
	{"accept-language", ""},
	{"accept-ranges", ""},
	{"accept", ""},
	{"access-control-allow-origin", ""},
	{"age", ""},
	{"allow", ""},
	{"authorization", ""},
	{"cache-control", ""},
	{"content-disposition", ""},
	{"content-encoding", ""},
	{"content-language", ""},
	{"content-length", ""},
	{"content-location", ""},
	{"content-range", ""},
	{"content-type", ""},
	{"cookie", ""},
	{"date", ""},
	{"etag", ""},
	{"expect", ""},
	{"expires", ""},
	{"from", ""},
	{"host", ""},
	{"if-match", ""},
	{"if-modified-since", ""},
	{"if-none-match", ""},
	{"if-range", ""},
	{"if-unmodified-since", ""},
	{"last-modified", ""},
	{"link", ""},
	{"location", ""},
	{"max-forwards", ""},
	{"proxy-authenticate", ""},
	{"proxy-authorization", ""},
	{"range", ""},
	{"referer", ""},
	{"refresh", ""},
	{"retry-after", ""},
	{"server", ""},
	{"set-cookie", ""},
	{"strict-transport-security", ""},
	{"transfer-encoding", ""},
	{"user-agent", ""},
	{"vary", ""},
	{"via", ""},
	{"www-authenticate", ""},
}

// Decoder is the HPACK decompression state of one direction of a
// connection. The dynamic table is kept most recent first and bounded by
// both the negotiated byte budget and a fixed entry count.
type Decoder struct {
	dynamic []tableEntry
	size    int
	maxSize int
	// limit is the largest size a table size update may select
	limit int
}

// NewDecoder creates a decoder with the default table size.
func NewDecoder() *Decoder {
	return &Decoder{maxSize: defaultTableSize, limit: defaultTableSize}
}

// SetLimit applies SETTINGS_HEADER_TABLE_SIZE announced by the decoding
// side.
func (d *Decoder) SetLimit(n int) {
	d.limit = n
	if d.maxSize > n {
		d.maxSize = n
		d.evict()
	}
}

// Len returns the number of dynamic table entries.
func (d *Decoder) Len() int {
	return len(d.dynamic)
}

// Decode decompresses one complete header block.
func (d *Decoder) Decode(block []byte) ([]events.NameValue, error) {
	var out []events.NameValue
	for len(block) > 0 {
		if len(out) >= maxHeaderCount {
			return out, fmt.Errorf("hpack: more than %d header fields", maxHeaderCount)
		}
		b := block[0]
		switch {
		case b&0x80 != 0:
			// indexed header field
			idx, n, err := readInt(block, 7)
			if err != nil {
				return out, err
			}
			block = block[n:]
			e, err := d.at(idx)
			if err != nil {
				return out, err
			}
			out = append(out, events.NameValue{Name: e.name, Value: e.value})
		case b&0xc0 == 0x40:
			// literal with incremental indexing
			e, n, err := d.literal(block, 6)
			if err != nil {
				return out, err
			}
			block = block[n:]
			d.add(e)
			out = append(out, events.NameValue{Name: e.name, Value: e.value})
		case b&0xe0 == 0x20:
			// dynamic table size update
			size, n, err := readInt(block, 5)
			if err != nil {
				return out, err
			}
			block = block[n:]
			if int(size) > d.limit {
				return out, fmt.Errorf("hpack: table size update %d exceeds %d", size, d.limit)
			}
			d.maxSize = int(size)
			d.evict()
		default:
			// literal without indexing or never indexed, both with a
			// 4-bit prefix
			e, n, err := d.literal(block, 4)
			if err != nil {
				return out, err
			}
			block = block[n:]
			out = append(out, events.NameValue{Name: e.name, Value: e.value})
		}
	}
	return out, nil
}

func (d *Decoder) literal(block []byte, prefix uint8) (tableEntry, int, error) {
	idx, used, err := readInt(block, prefix)
	if err != nil {
		return tableEntry{}, 0, err
	}
	var e tableEntry
	if idx == 0 {
		name, n, err := readString(block[used:])
		if err != nil {
			return tableEntry{}, 0, err
		}
		e.name = name
		used += n
	} else {
		named, err := d.at(idx)
		if err != nil {
			return tableEntry{}, 0, err
		}
		e.name = named.name
	}
	value, n, err := readString(block[used:])
	if err != nil {
		return tableEntry{}, 0, err
	}
	e.value = value
	return e, used + n, nil
}

func (d *Decoder) at(idx uint64) (tableEntry, error) {
	if idx == 0 {
		return tableEntry{}, ErrInvalidIndex
	}
	if idx <= uint64(len(staticTable)) {
		return staticTable[idx-1], nil
	}
	i := idx - uint64(len(staticTable)) - 1
	if i >= uint64(len(d.dynamic)) {
		return tableEntry{}, fmt.Errorf("%w: %d", ErrInvalidIndex, idx)
	}
	return d.dynamic[i], nil
}

func (d *Decoder) add(e tableEntry) {
	if e.size() > d.maxSize {
		// an entry larger than the table empties it
		d.dynamic = d.dynamic[:0]
		d.size = 0
		return
	}
	d.dynamic = append(d.dynamic, tableEntry{})
	copy(d.dynamic[1:], d.dynamic)
	d.dynamic[0] = e
	d.size += e.size()
	d.evict()
}

func (d *Decoder) evict() {
	for len(d.dynamic) > 0 && (d.size > d.maxSize || len(d.dynamic) > constants.MaxHPACKDynamicEntries) {
		last := d.dynamic[len(d.dynamic)-1]
		d.size -= last.size()
		d.dynamic = d.dynamic[:len(d.dynamic)-1]
	}
}

// readInt decodes a prefix integer (RFC 7541 5.1) and returns it with the
// number of bytes used.
func readInt(p []byte, prefix uint8) (uint64, int, error) {
	if len(p) == 0 {
		return 0, 0, ErrTruncatedBlock
	}
	mask := uint64(1)<<prefix - 1
	v := uint64(p[0]) & mask
	if v < mask {
		return v, 1, nil
	}
	var shift uint
	for i := 1; i < len(p); i++ {
		b := p[i]
		v += uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return v, i + 1, nil
		}
		shift += 7
		if shift > 56 {
			return 0, 0, errors.New("hpack: integer overflow")
		}
	}
	return 0, 0, ErrTruncatedBlock
}

// readString decodes a string literal, Huffman coded or raw.
func readString(p []byte) (string, int, error) {
	if len(p) == 0 {
		return "", 0, ErrTruncatedBlock
	}
	huffman := p[0]&0x80 != 0
	length, n, err := readInt(p, 7)
	if err != nil {
		return "", 0, err
	}
	if length > maxHeaderSize {
		return "", 0, fmt.Errorf("hpack: string of %d bytes", length)
	}
	if uint64(len(p)-n) < length {
		return "", 0, ErrTruncatedBlock
	}
	raw := p[n : n+int(length)]
	if !huffman {
		return string(raw), n + int(length), nil
	}
	s, err := hpack.HuffmanDecodeToString(raw)
	if err != nil {
		return "", 0, fmt.Errorf("hpack: %w", err)
	}
	return s, n + int(length), nil
}
