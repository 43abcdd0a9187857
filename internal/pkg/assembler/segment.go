package assembler

import (
	"fmt"
	"sort"
)

type span struct{ start, end int64 }

// SegmentAssembler reconstructs a file from writes at arbitrary offsets.
// Duplicate and overlapping writes are merged; the file size may be learned
// or revised after writes arrived (SMB2 SetInfo EndOfFile, Close).
type SegmentAssembler struct {
	core

	data  []byte
	spans []span
	// size is the known file size or -1
	size int64
}

// TryActivate registers the assembler and enables WriteAt.
func (s *SegmentAssembler) TryActivate() bool {
	return s.tryActivate(s)
}

// SetFileSize sets or revises the file size. Data past a shrunk size is
// dropped.
func (s *SegmentAssembler) SetFileSize(n int64) {
	if n < 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.size = n
	s.opts.DeclaredLength = n
	if int64(len(s.data)) > n {
		s.data = s.data[:n]
		s.clipSpansLocked(n)
	}
}

// FileSize returns the known size or -1.
func (s *SegmentAssembler) FileSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// WriteAt stores data at offset.
func (s *SegmentAssembler) WriteAt(offset int64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if !s.active {
		return ErrNotActive
	}
	if offset < 0 {
		return ErrBadOffset
	}

	end := offset + int64(len(data))
	limit := s.reg.maxSize
	if s.size >= 0 && s.opts.DeclaredLength >= 0 && s.size < limit {
		limit = s.size
	}
	if end > limit {
		if !s.truncated {
			s.reg.anomaly(&s.opts, fmt.Sprintf("%s: write at %d..%d exceeds %d bytes, truncating", s.opts.Filename, offset, end, limit))
		}
		s.truncated = true
		if offset >= limit {
			return nil
		}
		data = data[:limit-offset]
		end = limit
	}
	if len(data) == 0 {
		return nil
	}

	if end > int64(len(s.data)) {
		if end <= int64(cap(s.data)) {
			s.data = s.data[:end]
		} else {
			grown := make([]byte, end, growCapacity(int64(cap(s.data)), end, s.reg.maxSize))
			copy(grown, s.data)
			s.data = grown
		}
	}
	copy(s.data[offset:end], data)
	s.addSpanLocked(offset, end)
	return nil
}

func growCapacity(current, need, max int64) int64 {
	c := current * 2
	if c < need {
		c = need
	}
	if c > max {
		c = max
	}
	if c < need {
		c = need
	}
	return c
}

func (s *SegmentAssembler) addSpanLocked(start, end int64) {
	s.spans = append(s.spans, span{start, end})
	sort.Slice(s.spans, func(i, j int) bool { return s.spans[i].start < s.spans[j].start })

	merged := s.spans[:1]
	for _, sp := range s.spans[1:] {
		last := &merged[len(merged)-1]
		if sp.start <= last.end {
			if sp.end > last.end {
				last.end = sp.end
			}
			continue
		}
		merged = append(merged, sp)
	}
	s.spans = merged
}

func (s *SegmentAssembler) clipSpansLocked(n int64) {
	out := s.spans[:0]
	for _, sp := range s.spans {
		if sp.start >= n {
			continue
		}
		if sp.end > n {
			sp.end = n
		}
		out = append(out, sp)
	}
	s.spans = out
}

// Covered returns the number of distinct bytes written.
func (s *SegmentAssembler) Covered() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coveredLocked()
}

func (s *SegmentAssembler) coveredLocked() int64 {
	var n int64
	for _, sp := range s.spans {
		n += sp.end - sp.start
	}
	return n
}

// Complete reports whether the whole known file size has been written.
func (s *SegmentAssembler) Complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.size < 0 {
		return false
	}
	return len(s.spans) == 1 && s.spans[0].start == 0 && s.spans[0].end >= s.size ||
		s.size == 0
}

// AssembleAndClose emits the file with unwritten gaps zero-filled. Only the
// first call on an activated assembler emits.
func (s *SegmentAssembler) AssembleAndClose() bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	wasActive := s.active

	size := s.size
	if size < 0 {
		size = int64(len(s.data))
	}
	data := s.data
	if int64(len(data)) < size {
		if size > s.reg.maxSize {
			size = s.reg.maxSize
			s.truncated = true
		}
		padded := make([]byte, size)
		copy(padded, data)
		data = padded
	} else {
		data = data[:size]
	}
	s.clipSpansLocked(size)
	missing := size - s.coveredLocked()
	opts := s.opts
	opts.DeclaredLength = -1
	truncated := s.truncated
	s.mu.Unlock()

	s.reg.remove(s)
	if !wasActive {
		return false
	}
	s.emit(data, missing, opts, truncated)
	return true
}

// Discard closes the assembler without emitting anything.
func (s *SegmentAssembler) Discard() {
	s.mu.Lock()
	already := s.closed
	s.closed = true
	s.data = nil
	s.spans = nil
	s.mu.Unlock()
	if !already {
		s.reg.remove(s)
	}
}

func (s *SegmentAssembler) evict() {
	s.mu.Lock()
	flush := s.active && !s.closed && len(s.spans) > 0
	if flush {
		s.truncated = true
	}
	name := s.opts.Filename
	s.mu.Unlock()
	if flush {
		s.reg.anomaly(&s.opts, fmt.Sprintf("%s: assembler evicted, flushing partial file", name))
		s.AssembleAndClose()
		return
	}
	s.Discard()
}
