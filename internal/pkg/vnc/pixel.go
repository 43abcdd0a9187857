package vnc

import (
	"encoding/binary"
	"image"
	"image/color"
	"image/draw"
)

// PixelFormat is the RFB pixel format.
type PixelFormat struct {
	BitsPerPixel uint8
	Depth        uint8
	BigEndian    bool
	TrueColour   bool
	RedMax       uint16
	GreenMax     uint16
	BlueMax      uint16
	RedShift     uint8
	GreenShift   uint8
	BlueShift    uint8
}

const pixelFormatLen = 16

func parsePixelFormat(b []byte) PixelFormat {
	return PixelFormat{
		BitsPerPixel: b[0],
		Depth:        b[1],
		BigEndian:    b[2] != 0,
		TrueColour:   b[3] != 0,
		RedMax:       binary.BigEndian.Uint16(b[4:]),
		GreenMax:     binary.BigEndian.Uint16(b[6:]),
		BlueMax:      binary.BigEndian.Uint16(b[8:]),
		RedShift:     b[10],
		GreenShift:   b[11],
		BlueShift:    b[12],
	}
}

// BytesPerPixel returns the wire size of one pixel.
func (pf PixelFormat) BytesPerPixel() int {
	switch pf.BitsPerPixel {
	case 8, 16, 32:
		return int(pf.BitsPerPixel) / 8
	}
	return 0
}

// valid reports whether the framebuffer can be rendered in this format.
func (pf PixelFormat) valid() bool {
	return pf.BytesPerPixel() > 0 && (!pf.TrueColour || pf.RedMax > 0 && pf.GreenMax > 0 && pf.BlueMax > 0)
}

// compactPixel reports whether Tight sends 3 byte RGB pixels.
func (pf PixelFormat) compactPixel() bool {
	return pf.TrueColour && pf.BitsPerPixel == 32 && pf.Depth == 24 &&
		pf.RedMax == 255 && pf.GreenMax == 255 && pf.BlueMax == 255
}

// tightPixelLen is the size of a Tight TPIXEL.
func (pf PixelFormat) tightPixelLen() int {
	if pf.compactPixel() {
		return 3
	}
	return pf.BytesPerPixel()
}

func (pf PixelFormat) value(b []byte) uint32 {
	switch len(b) {
	case 1:
		return uint32(b[0])
	case 2:
		if pf.BigEndian {
			return uint32(binary.BigEndian.Uint16(b))
		}
		return uint32(binary.LittleEndian.Uint16(b))
	case 4:
		if pf.BigEndian {
			return binary.BigEndian.Uint32(b)
		}
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func scale(v uint32, max uint16) uint8 {
	if max == 0 {
		return 0
	}
	v &= uint32(max)
	return uint8(v * 255 / uint32(max))
}

// framebuffer is the remote desktop as seen so far.
type framebuffer struct {
	img     *image.RGBA
	pf      PixelFormat
	palette [256]color.RGBA
}

func newFramebuffer(width, height int, pf PixelFormat) *framebuffer {
	fb := &framebuffer{pf: pf}
	if width > 0 && height > 0 && width*height <= maxFramebufferPixels {
		fb.img = image.NewRGBA(image.Rect(0, 0, width, height))
	}
	return fb
}

func (fb *framebuffer) resize(width, height int) {
	if width <= 0 || height <= 0 || width*height > maxFramebufferPixels {
		fb.img = nil
		return
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	if fb.img != nil {
		draw.Draw(img, img.Bounds(), fb.img, image.Point{}, draw.Src)
	}
	fb.img = img
}

// pixel converts one wire pixel.
func (fb *framebuffer) pixel(b []byte) color.RGBA {
	v := fb.pf.value(b)
	if !fb.pf.TrueColour {
		return fb.palette[v&0xff]
	}
	return color.RGBA{
		R: scale(v>>fb.pf.RedShift, fb.pf.RedMax),
		G: scale(v>>fb.pf.GreenShift, fb.pf.GreenMax),
		B: scale(v>>fb.pf.BlueShift, fb.pf.BlueMax),
		A: 0xff,
	}
}

// tightPixel converts one TPIXEL.
func (fb *framebuffer) tightPixel(b []byte) color.RGBA {
	if len(b) == 3 && fb.pf.compactPixel() {
		return color.RGBA{R: b[0], G: b[1], B: b[2], A: 0xff}
	}
	return fb.pixel(b)
}

func (fb *framebuffer) set(x, y int, c color.RGBA) {
	if fb.img != nil {
		fb.img.SetRGBA(x, y, c)
	}
}

// rawRows paints rows of wire pixels starting at row y of rect r.
func (fb *framebuffer) rawRows(r image.Rectangle, y int, data []byte) {
	if fb.img == nil {
		return
	}
	bpp := fb.pf.BytesPerPixel()
	w := r.Dx()
	for row := 0; (row+1)*w*bpp <= len(data); row++ {
		line := data[row*w*bpp:]
		for x := 0; x < w; x++ {
			fb.set(r.Min.X+x, r.Min.Y+y+row, fb.pixel(line[x*bpp:(x+1)*bpp]))
		}
	}
}

func (fb *framebuffer) fill(r image.Rectangle, c color.RGBA) {
	if fb.img != nil {
		draw.Draw(fb.img, r, &image.Uniform{C: c}, image.Point{}, draw.Src)
	}
}

func (fb *framebuffer) copyRect(r image.Rectangle, src image.Point) {
	if fb.img == nil {
		return
	}
	// the source may overlap the destination
	tmp := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(tmp, tmp.Bounds(), fb.img, src, draw.Src)
	draw.Draw(fb.img, r, tmp, image.Point{}, draw.Src)
}

func (fb *framebuffer) drawImage(r image.Rectangle, img image.Image) {
	if fb.img != nil {
		draw.Draw(fb.img, r, img, img.Bounds().Min, draw.Src)
	}
}
