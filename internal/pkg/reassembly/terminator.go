// Package reassembly accumulates stream bytes until a terminator sequence
// shows up, as needed by line and dot-terminated protocols.
package reassembly

import "bytes"

// SMTPDataTerminator ends an SMTP DATA block.
var SMTPDataTerminator = []byte("\r\n.\r\n")

// Terminator buffers data until a terminator byte sequence is seen. The scan
// covers the boundary between earlier calls and new data, so a terminator
// split over several AddData calls is found just like a contiguous one.
type Terminator struct {
	terminator []byte
	retain     int
	maxSize    int

	buf        []byte
	found      bool
	overflowed bool
	// end of the terminator inside buf once found
	end int
}

// NewTerminator creates a reassembler. retain is how many bytes of the
// terminator are kept in Bytes(); maxSize caps the buffered data (0 means
// unlimited).
func NewTerminator(terminator []byte, retain, maxSize int) *Terminator {
	if retain < 0 {
		retain = 0
	}
	if retain > len(terminator) {
		retain = len(terminator)
	}
	return &Terminator{
		terminator: append([]byte(nil), terminator...),
		retain:     retain,
		maxSize:    maxSize,
	}
}

// AddData appends data and scans for the terminator. It returns the number of
// bytes of data that belong to the reassembled message, which is less than
// len(data) when the terminator ends inside data.
func (t *Terminator) AddData(data []byte) int {
	if t.found || len(data) == 0 {
		return 0
	}

	scanFrom := len(t.buf) - (len(t.terminator) - 1)
	if scanFrom < 0 {
		scanFrom = 0
	}
	prev := len(t.buf)
	t.buf = append(t.buf, data...)

	if idx := bytes.Index(t.buf[scanFrom:], t.terminator); idx >= 0 {
		t.found = true
		t.end = scanFrom + idx + len(t.terminator)
		accepted := t.end - prev
		t.buf = t.buf[:t.end]
		return accepted
	}

	if t.maxSize > 0 && len(t.buf) > t.maxSize {
		// keep the tail so a late terminator can still be matched
		keep := len(t.terminator) - 1
		t.buf = append(t.buf[:t.maxSize-keep:t.maxSize-keep], t.buf[len(t.buf)-keep:]...)
		t.overflowed = true
	}
	return len(data)
}

// TerminatorFound reports whether the terminator has been seen.
func (t *Terminator) TerminatorFound() bool {
	return t.found
}

// Overflowed reports whether data was dropped because of the size cap.
func (t *Terminator) Overflowed() bool {
	return t.overflowed
}

// Bytes returns the message, including the retained part of the terminator
// once it has been found.
func (t *Terminator) Bytes() []byte {
	if !t.found {
		return t.buf
	}
	return t.buf[:t.end-len(t.terminator)+t.retain]
}

// Len returns the number of buffered bytes.
func (t *Terminator) Len() int {
	return len(t.buf)
}

// Reset clears the buffer so the reassembler can be reused.
func (t *Terminator) Reset() {
	t.buf = t.buf[:0]
	t.found = false
	t.overflowed = false
	t.end = 0
}
