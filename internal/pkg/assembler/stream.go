package assembler

import (
	"bytes"
	"fmt"
	"sort"
)

// NoSequence tells AddData to append in arrival order.
const NoSequence int64 = -1

// maxPendingSegments bounds out-of-order segments held per assembler.
const maxPendingSegments = 64

// StreamAssembler reconstructs a file from sequential data. Data can be
// passed with a TCP sequence number, in which case out-of-order segments
// are held until the gap before them is filled, as long as they fall
// within the declared remaining length.
type StreamAssembler struct {
	core

	buf      bytes.Buffer
	received int64

	haveSeq bool
	nextSeq uint32
	pending map[uint32][]byte

	chunks *chunkDecoder
}

// TryActivate registers the assembler and enables AddData. Activating an
// active assembler is a no-op returning true.
func (s *StreamAssembler) TryActivate() bool {
	s.mu.Lock()
	if s.opts.Chunked && s.chunks == nil {
		s.chunks = &chunkDecoder{}
	}
	s.mu.Unlock()
	return s.tryActivate(s)
}

// SetDeclaredLength updates the expected length before activation.
func (s *StreamAssembler) SetDeclaredLength(n int64) {
	s.mu.Lock()
	s.opts.DeclaredLength = n
	s.mu.Unlock()
}

// SetChunked enables chunked transfer decoding.
func (s *StreamAssembler) SetChunked(chunked bool) {
	s.mu.Lock()
	s.opts.Chunked = chunked
	if chunked {
		s.opts.DeclaredLength = -1
	}
	s.mu.Unlock()
}

// Received returns the number of content bytes collected so far.
func (s *StreamAssembler) Received() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received
}

// AddData appends data. seq is the TCP sequence number of data[0], or
// NoSequence. It returns how many bytes of data belong to this file; bytes
// past the end of a chunked body or of the declared length are not
// accepted so the caller can hand them to the next message. The assembler
// closes itself once the file is complete.
func (s *StreamAssembler) AddData(data []byte, seq int64) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	if !s.active {
		s.mu.Unlock()
		return 0, ErrNotActive
	}

	accepted := len(data)
	if seq != NoSequence {
		accepted = s.addSequencedLocked(data, uint32(seq))
	} else {
		accepted = s.writeLocked(data)
	}
	done := s.completeLocked()
	s.mu.Unlock()

	if done {
		s.AssembleAndClose()
	}
	return accepted, nil
}

func (s *StreamAssembler) addSequencedLocked(data []byte, seq uint32) int {
	if !s.haveSeq {
		s.haveSeq = true
		s.nextSeq = seq
	}
	diff := int32(seq - s.nextSeq)
	switch {
	case diff < 0:
		// retransmission, keep only the part past what we already have
		overlap := int(-diff)
		if overlap >= len(data) {
			return len(data)
		}
		data = data[overlap:]
		seq = s.nextSeq
	case diff > 0:
		if s.pending == nil {
			s.pending = make(map[uint32][]byte)
		}
		remaining := s.remainingLocked()
		if len(s.pending) < maxPendingSegments && (remaining < 0 || int64(diff) < remaining) {
			s.pending[seq] = append([]byte(nil), data...)
		} else {
			s.reg.anomaly(&s.opts, fmt.Sprintf("%s: dropped out-of-order segment %d bytes ahead", s.opts.Filename, diff))
		}
		return len(data)
	}

	n := s.writeLocked(data)
	s.nextSeq = seq + uint32(n)
	s.drainPendingLocked()
	return n
}

func (s *StreamAssembler) drainPendingLocked() {
	for len(s.pending) > 0 && !s.completeLocked() {
		keys := make([]uint32, 0, len(s.pending))
		for k := range s.pending {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return int32(keys[i]-s.nextSeq) < int32(keys[j]-s.nextSeq) })

		k := keys[0]
		diff := int32(k - s.nextSeq)
		if diff > 0 {
			return
		}
		data := s.pending[k]
		delete(s.pending, k)
		if overlap := int(-diff); overlap < len(data) {
			n := s.writeLocked(data[overlap:])
			s.nextSeq += uint32(n)
		}
	}
}

// writeLocked removes transfer framing and appends content bytes.
func (s *StreamAssembler) writeLocked(data []byte) int {
	if s.chunks != nil {
		body, used, done, err := s.chunks.feed(data)
		if err != nil {
			s.reg.anomaly(&s.opts, fmt.Sprintf("%s: %v", s.opts.Filename, err))
			s.chunks = nil
			s.opts.DeclaredLength = s.received + int64(len(body))
		}
		s.appendLocked(body)
		if done {
			s.opts.DeclaredLength = s.received
		}
		return used
	}
	return s.appendLocked(data)
}

func (s *StreamAssembler) appendLocked(data []byte) int {
	accepted := len(data)
	if rem := s.remainingLocked(); rem >= 0 && int64(len(data)) > rem {
		data = data[:rem]
		accepted = int(rem)
	}
	if room := s.reg.maxSize - s.received; int64(len(data)) > room {
		if !s.truncated {
			s.reg.anomaly(&s.opts, fmt.Sprintf("%s: artifact exceeds %d bytes, truncating", s.opts.Filename, s.reg.maxSize))
		}
		s.truncated = true
		if room < 0 {
			room = 0
		}
		data = data[:room]
	}
	s.buf.Write(data)
	s.received += int64(len(data))
	return accepted
}

func (s *StreamAssembler) remainingLocked() int64 {
	if s.opts.DeclaredLength < 0 {
		return -1
	}
	return s.opts.DeclaredLength - s.received
}

func (s *StreamAssembler) completeLocked() bool {
	if s.opts.DeclaredLength < 0 {
		return false
	}
	return s.received >= s.opts.DeclaredLength
}

// AssembleAndClose finalizes the file and emits it. Only the first call on
// an activated assembler emits; later calls return false.
func (s *StreamAssembler) AssembleAndClose() bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	wasActive := s.active
	raw := s.buf.Bytes()
	opts := s.opts
	truncated := s.truncated
	unfinished := s.chunks != nil && s.chunks.state != chunkDone
	s.mu.Unlock()

	s.reg.remove(s)
	if !wasActive {
		return false
	}
	if unfinished {
		s.reg.anomaly(&opts, fmt.Sprintf("%s: chunked body ended before the last chunk", opts.Filename))
		truncated = true
	}
	s.emit(raw, 0, opts, truncated)
	return true
}

// Discard closes the assembler without emitting anything.
func (s *StreamAssembler) Discard() {
	s.mu.Lock()
	already := s.closed
	s.closed = true
	s.buf.Reset()
	s.pending = nil
	s.mu.Unlock()
	if !already {
		s.reg.remove(s)
	}
}

func (s *StreamAssembler) evict() {
	s.mu.Lock()
	flush := s.active && !s.closed && s.received > 0
	if flush {
		s.truncated = true
	}
	s.mu.Unlock()
	if flush {
		s.reg.anomaly(&s.opts, fmt.Sprintf("%s: assembler evicted, flushing %d bytes", s.Filename(), s.Received()))
		s.AssembleAndClose()
		return
	}
	s.Discard()
}
