package voip

import (
	"encoding/binary"
	"time"
)

// Static RTP payload types of G.711.
const (
	PayloadPCMU = 0
	PayloadPCMA = 8
)

const g711Rate = 8000

func ulawToLinear(u byte) int16 {
	u = ^u
	t := (int16(u&0x0f) << 3) + 0x84
	t <<= (u & 0x70) >> 4
	if u&0x80 != 0 {
		return 0x84 - t
	}
	return t - 0x84
}

func alawToLinear(a byte) int16 {
	a ^= 0x55
	t := int16(a&0x0f) << 4
	seg := (a & 0x70) >> 4
	switch seg {
	case 0:
		t += 8
	case 1:
		t += 0x108
	default:
		t += 0x108
		t <<= seg - 1
	}
	if a&0x80 != 0 {
		return t
	}
	return -t
}

// codecName names a payload type, preferring the SDP rtpmap.
func codecName(pt uint8, codecs map[uint8]string) string {
	if name, ok := codecs[pt]; ok {
		return name
	}
	switch pt {
	case PayloadPCMU:
		return "PCMU"
	case PayloadPCMA:
		return "PCMA"
	}
	return ""
}

// decoderFor returns the sample decoder of a G.711 codec.
func decoderFor(codec string) func(byte) int16 {
	switch codec {
	case "PCMU":
		return ulawToLinear
	case "PCMA":
		return alawToLinear
	}
	return nil
}

// wav renders G.711 samples as 16 bit mono PCM in a RIFF WAVE container.
func wav(samples []byte, decode func(byte) int16) []byte {
	const headerLen = 44
	dataLen := len(samples) * 2
	out := make([]byte, headerLen, headerLen+dataLen)
	copy(out[0:], "RIFF")
	binary.LittleEndian.PutUint32(out[4:], uint32(36+dataLen))
	copy(out[8:], "WAVEfmt ")
	binary.LittleEndian.PutUint32(out[16:], 16)
	binary.LittleEndian.PutUint16(out[20:], 1) // PCM
	binary.LittleEndian.PutUint16(out[22:], 1) // mono
	binary.LittleEndian.PutUint32(out[24:], g711Rate)
	binary.LittleEndian.PutUint32(out[28:], g711Rate*2)
	binary.LittleEndian.PutUint16(out[32:], 2)
	binary.LittleEndian.PutUint16(out[34:], 16)
	copy(out[36:], "data")
	binary.LittleEndian.PutUint32(out[40:], uint32(dataLen))
	for _, s := range samples {
		out = binary.LittleEndian.AppendUint16(out, uint16(decode(s)))
	}
	return out
}

func duration(samples int) time.Duration {
	return time.Duration(samples) * time.Second / g711Rate
}
