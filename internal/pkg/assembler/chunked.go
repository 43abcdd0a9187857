package assembler

import (
	"bytes"
	"errors"
	"strconv"
)

var errBadChunkSize = errors.New("invalid chunk size line")

type chunkState int

const (
	chunkSize chunkState = iota
	chunkData
	chunkDataCRLF
	chunkTrailer
	chunkDone
)

// chunkDecoder incrementally removes HTTP/1.1 chunked transfer framing.
type chunkDecoder struct {
	state     chunkState
	line      []byte
	remaining int64
}

// feed consumes framed bytes and returns the body bytes they carried and
// how many input bytes were used. done is set once the last chunk and its
// trailer have been read; input after that point is not consumed.
func (c *chunkDecoder) feed(data []byte) (body []byte, used int, done bool, err error) {
	total := len(data)
	defer func() { used = total - len(data) }()
	for len(data) > 0 && c.state != chunkDone {
		switch c.state {
		case chunkSize, chunkTrailer:
			idx := bytes.IndexByte(data, '\n')
			if idx < 0 {
				c.line = append(c.line, data...)
				data = data[len(data):]
				if len(c.line) > 4096 {
					return body, 0, false, errBadChunkSize
				}
				return body, 0, false, nil
			}
			c.line = append(c.line, data[:idx]...)
			data = data[idx+1:]
			line := bytes.TrimSpace(c.line)
			c.line = c.line[:0]

			if c.state == chunkTrailer {
				if len(line) == 0 {
					c.state = chunkDone
				}
				continue
			}
			if len(line) == 0 {
				// stray CRLF between chunks
				continue
			}
			if semi := bytes.IndexByte(line, ';'); semi >= 0 {
				line = line[:semi]
			}
			n, perr := strconv.ParseInt(string(bytes.TrimSpace(line)), 16, 64)
			if perr != nil || n < 0 {
				return body, 0, false, errBadChunkSize
			}
			if n == 0 {
				c.state = chunkTrailer
				continue
			}
			c.remaining = n
			c.state = chunkData
		case chunkData:
			n := int64(len(data))
			if n > c.remaining {
				n = c.remaining
			}
			body = append(body, data[:n]...)
			data = data[n:]
			c.remaining -= n
			if c.remaining == 0 {
				c.state = chunkDataCRLF
			}
		case chunkDataCRLF:
			idx := bytes.IndexByte(data, '\n')
			if idx < 0 {
				data = data[len(data):]
				return body, 0, false, nil
			}
			data = data[idx+1:]
			c.state = chunkSize
		}
	}
	return body, 0, c.state == chunkDone, nil
}
