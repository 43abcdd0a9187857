package assembler

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
)

// ContentEncoding is the encoding an artifact's bytes arrive in.
type ContentEncoding int

const (
	EncodingIdentity ContentEncoding = iota
	EncodingGzip
	EncodingDeflate
	EncodingBrotli
	EncodingBase64
)

func (e ContentEncoding) String() string {
	switch e {
	case EncodingGzip:
		return "gzip"
	case EncodingDeflate:
		return "deflate"
	case EncodingBrotli:
		return "br"
	case EncodingBase64:
		return "base64"
	default:
		return "identity"
	}
}

// ParseContentEncoding maps an HTTP Content-Encoding or MIME
// Content-Transfer-Encoding value to an encoding.
func ParseContentEncoding(s string) ContentEncoding {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "gzip", "x-gzip":
		return EncodingGzip
	case "deflate":
		return EncodingDeflate
	case "br":
		return EncodingBrotli
	case "base64":
		return EncodingBase64
	default:
		return EncodingIdentity
	}
}

// Decode returns data decoded from enc. At most limit decoded bytes are
// produced; truncated reports whether output was cut at the limit.
func Decode(enc ContentEncoding, data []byte, limit int64) (out []byte, truncated bool, err error) {
	var r io.Reader
	switch enc {
	case EncodingIdentity:
		return data, false, nil
	case EncodingGzip:
		gz, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, false, fmt.Errorf("gzip header: %w", err)
		}
		defer gz.Close()
		r = gz
	case EncodingDeflate:
		// HTTP deflate is zlib-wrapped in practice, raw deflate otherwise
		if zr, err := zlib.NewReader(bytes.NewReader(data)); err == nil {
			defer zr.Close()
			r = zr
		} else {
			fr := flate.NewReader(bytes.NewReader(data))
			defer fr.Close()
			r = fr
		}
	case EncodingBrotli:
		r = brotli.NewReader(bytes.NewReader(data))
	case EncodingBase64:
		r = base64.NewDecoder(base64.StdEncoding, newBase64Cleaner(data))
	default:
		return data, false, nil
	}

	out, err = io.ReadAll(io.LimitReader(r, limit+1))
	if int64(len(out)) > limit {
		out = out[:limit]
		truncated = true
	}
	if err != nil && err != io.ErrUnexpectedEOF {
		return out, truncated, fmt.Errorf("%s decode: %w", enc, err)
	}
	if err == io.ErrUnexpectedEOF {
		// keep what was decoded from a cut-off stream
		return out, true, nil
	}
	return out, truncated, nil
}

// newBase64Cleaner strips whitespace that MIME inserts between base64 lines.
func newBase64Cleaner(data []byte) io.Reader {
	clean := make([]byte, 0, len(data))
	for _, b := range data {
		switch b {
		case '\r', '\n', ' ', '\t':
		default:
			clean = append(clean, b)
		}
	}
	// tolerate missing padding
	if rem := len(clean) % 4; rem != 0 {
		clean = append(clean, bytes.Repeat([]byte{'='}, 4-rem)...)
	}
	return bytes.NewReader(clean)
}
