package vnc

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
)

// Rectangle encodings and pseudo-encodings.
const (
	EncodingRaw                 int32 = 0
	EncodingCopyRect            int32 = 1
	EncodingRRE                 int32 = 2
	EncodingHextile             int32 = 5
	EncodingZlib                int32 = 6
	EncodingTight               int32 = 7
	EncodingZRLE                int32 = 16
	EncodingRichCursor          int32 = -239
	EncodingXCursor             int32 = -240
	EncodingPointerPos          int32 = -232
	EncodingDesktopSize         int32 = -223
	EncodingLastRect            int32 = -224
	EncodingExtendedDesktopSize int32 = -308
	EncodingDesktopName         int32 = -307
)

var encodingNames = map[int32]string{
	EncodingRaw:                 "Raw",
	EncodingCopyRect:            "CopyRect",
	EncodingRRE:                 "RRE",
	EncodingHextile:             "Hextile",
	EncodingZlib:                "Zlib",
	EncodingTight:               "Tight",
	EncodingZRLE:                "ZRLE",
	EncodingRichCursor:          "Cursor",
	EncodingXCursor:             "XCursor",
	EncodingPointerPos:          "PointerPos",
	EncodingDesktopSize:         "DesktopSize",
	EncodingLastRect:            "LastRect",
	EncodingExtendedDesktopSize: "ExtendedDesktopSize",
	EncodingDesktopName:         "DesktopName",
}

// EncodingName names an encoding number.
func EncodingName(e int32) string {
	if name, ok := encodingNames[e]; ok {
		return name
	}
	switch {
	case e >= -32 && e <= -23:
		return fmt.Sprintf("JPEGQuality%d", e+32)
	case e >= -256 && e <= -247:
		return fmt.Sprintf("CompressLevel%d", e+256)
	}
	return fmt.Sprintf("%d", e)
}

var (
	errShort       = errors.New("vnc: need more data")
	errUnsupported = errors.New("vnc: unsupported encoding")
)

// Tight compression control and filters.
const (
	tightFill           = 0x08
	tightJPEG           = 0x09
	tightExplicitFilter = 0x04

	filterCopy     = 0
	filterPalette  = 1
	filterGradient = 2

	// tightMinToCompress is the size below which Tight data is sent raw
	tightMinToCompress = 12
)

// rectHeader is the header of one FramebufferUpdate rectangle.
type rectHeader struct {
	r        image.Rectangle
	encoding int32
}

func parseRectHeader(b []byte) rectHeader {
	x := int(binary.BigEndian.Uint16(b[0:]))
	y := int(binary.BigEndian.Uint16(b[2:]))
	w := int(binary.BigEndian.Uint16(b[4:]))
	h := int(binary.BigEndian.Uint16(b[6:]))
	return rectHeader{
		r:        image.Rect(x, y, x+w, y+h),
		encoding: int32(binary.BigEndian.Uint32(b[8:])),
	}
}

// zstream is one persistent zlib stream. Servers sync-flush after each
// rectangle, so the output of a rectangle is available once its
// compressed bytes are in.
type zstream struct {
	in bytes.Buffer
	r  io.ReadCloser
}

func (z *zstream) inflate(compressed []byte, n int) ([]byte, error) {
	z.in.Write(compressed)
	if z.r == nil {
		r, err := zlib.NewReader(&z.in)
		if err != nil {
			return nil, fmt.Errorf("failed to open zlib stream: %w", err)
		}
		z.r = r
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(z.r, out); err != nil {
		z.reset()
		return nil, fmt.Errorf("failed to inflate rectangle: %w", err)
	}
	return out, nil
}

func (z *zstream) reset() {
	z.in.Reset()
	z.r = nil
}

// compactLength reads a Tight compact length of one to three bytes.
func compactLength(b []byte) (n, used int, ok bool) {
	for i := 0; i < 3; i++ {
		if i >= len(b) {
			return 0, 0, false
		}
		if i == 2 {
			return n | int(b[2])<<14, 3, true
		}
		n |= int(b[i]&0x7f) << (7 * i)
		if b[i]&0x80 == 0 {
			return n, i + 1, true
		}
	}
	return n, 3, true
}

// rectData decodes as much of the current rectangle as b holds. It returns
// the bytes used and whether the rectangle is done; errShort means the
// rectangle needs more data than b holds.
func (st *state) rectData(b []byte) (int, bool, error) {
	hdr := st.rect
	r := hdr.r
	w, h := r.Dx(), r.Dy()
	bpp := st.fb.pf.BytesPerPixel()

	switch hdr.encoding {
	case EncodingRaw:
		if bpp == 0 {
			return 0, false, errUnsupported
		}
		rowLen := w * bpp
		if rowLen == 0 || h == 0 {
			return 0, true, nil
		}
		rows := min(len(b)/rowLen, h-st.rawRow)
		if rows == 0 {
			return 0, false, errShort
		}
		st.fb.rawRows(r, st.rawRow, b[:rows*rowLen])
		st.rawRow += rows
		st.dirty += rows * w
		return rows * rowLen, st.rawRow == h, nil

	case EncodingCopyRect:
		if len(b) < 4 {
			return 0, false, errShort
		}
		src := image.Pt(int(binary.BigEndian.Uint16(b)), int(binary.BigEndian.Uint16(b[2:])))
		st.fb.copyRect(r, src)
		st.dirty += w * h
		return 4, true, nil

	case EncodingZlib:
		if bpp == 0 {
			return 0, false, errUnsupported
		}
		if len(b) < 4 {
			return 0, false, errShort
		}
		n := int(binary.BigEndian.Uint32(b))
		if n > maxCompressedRect {
			return 0, false, errUnsupported
		}
		if len(b) < 4+n {
			return 0, false, errShort
		}
		raw, err := st.zlib.inflate(b[4:4+n], w*h*bpp)
		if err != nil {
			return 0, false, err
		}
		st.fb.rawRows(r, 0, raw)
		st.dirty += w * h
		return 4 + n, true, nil

	case EncodingTight:
		n, err := st.tight(b, r)
		if err != nil {
			return 0, false, err
		}
		st.dirty += w * h
		return n, true, nil

	case EncodingRichCursor:
		n := w*h*bpp + (w+7)/8*h
		if len(b) < n {
			return 0, false, errShort
		}
		return n, true, nil

	case EncodingXCursor:
		n := 0
		if w*h > 0 {
			n = 6 + 2*((w+7)/8)*h
		}
		if len(b) < n {
			return 0, false, errShort
		}
		return n, true, nil

	case EncodingPointerPos, EncodingLastRect:
		return 0, true, nil

	case EncodingDesktopSize:
		st.resize(w, h)
		return 0, true, nil

	case EncodingExtendedDesktopSize:
		if len(b) < 4 {
			return 0, false, errShort
		}
		n := 4 + 16*int(b[0])
		if len(b) < n {
			return 0, false, errShort
		}
		st.resize(w, h)
		return n, true, nil

	case EncodingDesktopName:
		if len(b) < 4 {
			return 0, false, errShort
		}
		l := int(binary.BigEndian.Uint32(b))
		if l > maxNameLength {
			return 0, false, errUnsupported
		}
		if len(b) < 4+l {
			return 0, false, errShort
		}
		st.name = string(b[4 : 4+l])
		return 4 + l, true, nil
	}
	return 0, false, errUnsupported
}

// tight decodes one Tight rectangle.
func (st *state) tight(b []byte, r image.Rectangle) (int, error) {
	if len(b) < 1 {
		return 0, errShort
	}
	ctl := b[0]
	resets := ctl & 0x0f
	kind := ctl >> 4
	tpl := st.fb.pf.tightPixelLen()
	if tpl == 0 {
		return 0, errUnsupported
	}
	pos := 1
	w, h := r.Dx(), r.Dy()

	switch {
	case kind == tightFill:
		if len(b) < pos+tpl {
			return 0, errShort
		}
		st.resetTight(resets)
		st.fb.fill(r, st.fb.tightPixel(b[pos:pos+tpl]))
		return pos + tpl, nil

	case kind == tightJPEG:
		n, used, ok := compactLength(b[pos:])
		if !ok || len(b) < pos+used+n {
			return 0, errShort
		}
		pos += used
		st.resetTight(resets)
		img, err := jpeg.Decode(bytes.NewReader(b[pos : pos+n]))
		if err != nil {
			return 0, fmt.Errorf("failed to decode tight jpeg: %w", err)
		}
		st.fb.drawImage(r, img)
		return pos + n, nil

	case kind&0x08 != 0:
		return 0, errUnsupported
	}

	stream := int(kind & 0x03)
	filter := byte(filterCopy)
	if kind&tightExplicitFilter != 0 {
		if len(b) < pos+1 {
			return 0, errShort
		}
		filter = b[pos]
		pos++
	}

	var palette []color.RGBA
	rowLen := w * tpl
	switch filter {
	case filterCopy:
	case filterPalette:
		if len(b) < pos+1 {
			return 0, errShort
		}
		colours := int(b[pos]) + 1
		pos++
		if len(b) < pos+colours*tpl {
			return 0, errShort
		}
		for i := 0; i < colours; i++ {
			palette = append(palette, st.fb.tightPixel(b[pos+i*tpl:pos+(i+1)*tpl]))
		}
		pos += colours * tpl
		rowLen = w
		if colours == 2 {
			rowLen = (w + 7) / 8
		}
	case filterGradient:
		if !st.fb.pf.compactPixel() {
			return 0, errUnsupported
		}
	default:
		return 0, errUnsupported
	}

	size := rowLen * h
	var data []byte
	if size < tightMinToCompress {
		if len(b) < pos+size {
			return 0, errShort
		}
		st.resetTight(resets)
		data = b[pos : pos+size]
		pos += size
	} else {
		n, used, ok := compactLength(b[pos:])
		if !ok || len(b) < pos+used+n {
			return 0, errShort
		}
		st.resetTight(resets)
		var err error
		data, err = st.tightStreams[stream].inflate(b[pos+used:pos+used+n], size)
		if err != nil {
			return 0, err
		}
		pos += used + n
	}

	switch filter {
	case filterCopy:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				i := (y*w + x) * tpl
				st.fb.set(r.Min.X+x, r.Min.Y+y, st.fb.tightPixel(data[i:i+tpl]))
			}
		}
	case filterPalette:
		for y := 0; y < h; y++ {
			row := data[y*rowLen:]
			for x := 0; x < w; x++ {
				var idx int
				if len(palette) == 2 {
					idx = int(row[x/8]>>(7-uint(x%8))) & 1
				} else {
					idx = int(row[x])
				}
				if idx < len(palette) {
					st.fb.set(r.Min.X+x, r.Min.Y+y, palette[idx])
				}
			}
		}
	case filterGradient:
		gradient(st.fb, r, data)
	}
	return pos, nil
}

// gradient undoes the Tight gradient filter on 24 bit pixels.
func gradient(fb *framebuffer, r image.Rectangle, data []byte) {
	w, h := r.Dx(), r.Dy()
	prev := make([]int, w*3)
	cur := make([]int, w*3)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for c := 0; c < 3; c++ {
				var left, upLeft int
				up := prev[x*3+c]
				if x > 0 {
					left = cur[(x-1)*3+c]
					upLeft = prev[(x-1)*3+c]
				}
				pred := min(max(left+up-upLeft, 0), 255)
				cur[x*3+c] = (pred + int(data[(y*w+x)*3+c])) & 0xff
			}
			fb.set(r.Min.X+x, r.Min.Y+y, color.RGBA{
				R: uint8(cur[x*3]), G: uint8(cur[x*3+1]), B: uint8(cur[x*3+2]), A: 0xff,
			})
		}
		prev, cur = cur, prev
	}
}

func (st *state) resetTight(mask byte) {
	for i := range st.tightStreams {
		if mask&(1<<i) != 0 {
			st.tightStreams[i].reset()
		}
	}
}
