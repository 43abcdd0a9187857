// Package capture turns pcap files into oriented, reassembled transport
// slices and hands them to the dispatcher.
package capture

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

var pcapngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

type source interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// Reader yields the packets of a pcap or pcapng file.
type Reader struct {
	src    source
	closer io.Closer
	frames uint64
}

// Open opens a capture file.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture file: %w", err)
	}
	r, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.closer = f
	return r, nil
}

// NewReader reads a capture from r, detecting pcapng by its section
// header magic.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(len(pcapngMagic))
	if err != nil {
		return nil, fmt.Errorf("failed to read capture header: %w", err)
	}
	var src source
	if bytes.Equal(magic, pcapngMagic) {
		src, err = pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	} else {
		src, err = pcapgo.NewReader(br)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse capture header: %w", err)
	}
	return &Reader{src: src}, nil
}

// LinkType returns the link type of the capture.
func (r *Reader) LinkType() layers.LinkType {
	return r.src.LinkType()
}

// Next decodes the next packet. It returns io.EOF at the end of the
// capture.
func (r *Reader) Next() (gopacket.Packet, error) {
	data, ci, err := r.src.ReadPacketData()
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	r.frames++
	p := gopacket.NewPacket(data, r.src.LinkType(), gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	md := p.Metadata()
	md.CaptureInfo = ci
	return p, nil
}

// Frames returns the number of packets read so far.
func (r *Reader) Frames() uint64 {
	return r.frames
}

// Close closes the underlying file when the reader opened it.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}
