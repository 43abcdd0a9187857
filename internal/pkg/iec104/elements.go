package iec104

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// elem is an information element kind.
type elem uint8

const (
	eSIQ elem = iota // single-point information with quality
	eDIQ             // double-point information with quality
	eVTI             // value with transient state
	eQDS             // quality descriptor
	eBSI             // bitstring of 32 bits
	eNVA             // normalized value
	eSVA             // scaled value
	eR32             // short floating point
	eBCR             // binary counter reading
	eSEP             // single event of protection equipment
	eSPE             // start events of protection equipment
	eQDP             // quality descriptor for protection events
	eOCI             // output circuit information
	eCP16            // two octet binary time
	eCP24            // three octet binary time
	eCP56            // seven octet binary time
	eSCD             // status and change detection
	eSCO             // single command
	eDCO             // double command
	eRCO             // regulating step command
	eQOS             // qualifier of set-point command
	eCOI             // cause of initialization
	eQOI             // qualifier of interrogation
	eQCC             // qualifier of counter interrogation
	eQRP             // qualifier of reset process
	eFBP             // fixed test bit pattern
	eTSC             // test sequence counter
	eQPM             // qualifier of parameter of measured values
	eQPA             // qualifier of parameter activation
	eNOF             // name of file
	eLOF             // length of file or section
	eNOS             // name of section
	eFRQ             // file ready qualifier
	eSRQ             // section ready qualifier
	eSCQ             // select and call qualifier
	eLSQ             // last section or segment qualifier
	eCHS             // checksum
	eAFQ             // acknowledge file or section qualifier
	eLOS             // length of segment
	eSOF             // status of file
)

var elemSize = [...]int{
	eSIQ: 1, eDIQ: 1, eVTI: 1, eQDS: 1, eBSI: 4, eNVA: 2, eSVA: 2, eR32: 4,
	eBCR: 5, eSEP: 1, eSPE: 1, eQDP: 1, eOCI: 1, eCP16: 2, eCP24: 3, eCP56: 7,
	eSCD: 4, eSCO: 1, eDCO: 1, eRCO: 1, eQOS: 1, eCOI: 1, eQOI: 1, eQCC: 1,
	eQRP: 1, eFBP: 2, eTSC: 2, eQPM: 1, eQPA: 1, eNOF: 2, eLOF: 3, eNOS: 1,
	eFRQ: 1, eSRQ: 1, eSCQ: 1, eLSQ: 1, eCHS: 1, eAFQ: 1, eLOS: 1, eSOF: 1,
}

// Last section or segment qualifiers.
const (
	lsqFileTransfer           = 1
	lsqFileTransferDeactivate = 2
	lsqSection                = 3
	lsqSectionDeactivate      = 4
)

// flags lists the quality bits that are set, such as "[BL IV]".
func flags(b byte, names map[byte]string) string {
	var set []string
	for _, bit := range []byte{0x01, 0x02, 0x04, 0x08, 0x10, 0x20, 0x40, 0x80} {
		if name, ok := names[bit]; ok && b&bit != 0 {
			set = append(set, name)
		}
	}
	if len(set) == 0 {
		return ""
	}
	return "[" + strings.Join(set, " ") + "]"
}

var (
	qdsFlags = map[byte]string{0x01: "OV", 0x10: "BL", 0x20: "SB", 0x40: "NT", 0x80: "IV"}
	siqFlags = map[byte]string{0x10: "BL", 0x20: "SB", 0x40: "NT", 0x80: "IV"}
	qdpFlags = map[byte]string{0x08: "EI", 0x10: "BL", 0x20: "SB", 0x40: "NT", 0x80: "IV"}
	bcrFlags = map[byte]string{0x20: "CY", 0x40: "CA", 0x80: "IV"}
	speFlags = map[byte]string{0x01: "GS", 0x02: "SL1", 0x04: "SL2", 0x08: "SL3", 0x10: "SIE", 0x20: "SRD"}
	ociFlags = map[byte]string{0x01: "GC", 0x02: "CL1", 0x04: "CL2", 0x08: "CL3"}
	sofFlags = map[byte]string{0x20: "LFD", 0x40: "FOR", 0x80: "FA"}
)

var doublePoint = [4]string{"indeterminate", "off", "on", "indeterminate"}

func join(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, " ")
}

// cp56 renders a CP56Time2a timestamp.
func cp56(b []byte) string {
	ms := binary.LittleEndian.Uint16(b)
	s := fmt.Sprintf("%04d-%02d-%02d %02d:%02d:%06.3f",
		2000+int(b[6]&0x7f), b[5]&0x0f, b[4]&0x1f, b[3]&0x1f, b[2]&0x3f, float64(ms)/1000)
	if b[2]&0x80 != 0 {
		s += " (invalid)"
	}
	return s
}

// cp24 renders a CP24Time2a timestamp, which holds minutes and
// milliseconds only.
func cp24(b []byte) string {
	ms := binary.LittleEndian.Uint16(b)
	s := fmt.Sprintf("xx:%02d:%06.3f", b[2]&0x3f, float64(ms)/1000)
	if b[2]&0x80 != 0 {
		s += " (invalid)"
	}
	return s
}

func onOff(v byte) string {
	if v&0x01 != 0 {
		return "on"
	}
	return "off"
}

func selectExecute(v byte) string {
	if v&0x80 != 0 {
		return "select"
	}
	return "execute"
}

func formatField(f Field) string {
	b := f.Raw
	switch f.Elem {
	case eSIQ:
		return join(onOff(b[0]), flags(b[0], siqFlags))
	case eDIQ:
		return join(doublePoint[b[0]&0x03], flags(b[0], siqFlags))
	case eVTI:
		v := int8(b[0]<<1) >> 1
		if b[0]&0x80 != 0 {
			return fmt.Sprintf("%d (transient)", v)
		}
		return fmt.Sprintf("%d", v)
	case eQDS:
		return flags(b[0], qdsFlags)
	case eBSI:
		return fmt.Sprintf("0x%08x", binary.LittleEndian.Uint32(b))
	case eNVA:
		return fmt.Sprintf("%.5f", float64(int16(binary.LittleEndian.Uint16(b)))/32768)
	case eSVA:
		return fmt.Sprintf("%d", int16(binary.LittleEndian.Uint16(b)))
	case eR32:
		return fmt.Sprintf("%g", math.Float32frombits(binary.LittleEndian.Uint32(b)))
	case eBCR:
		return join(fmt.Sprintf("%d seq=%d", int32(binary.LittleEndian.Uint32(b)), b[4]&0x1f), flags(b[4], bcrFlags))
	case eSEP:
		return join(doublePoint[b[0]&0x03], flags(b[0], qdpFlags))
	case eSPE:
		return flags(b[0], speFlags)
	case eQDP:
		return flags(b[0], qdpFlags)
	case eOCI:
		return flags(b[0], ociFlags)
	case eCP16:
		return fmt.Sprintf("%dms", binary.LittleEndian.Uint16(b))
	case eCP24:
		return cp24(b)
	case eCP56:
		return cp56(b)
	case eSCD:
		return fmt.Sprintf("status=0x%04x change=0x%04x", binary.LittleEndian.Uint16(b), binary.LittleEndian.Uint16(b[2:]))
	case eSCO:
		return fmt.Sprintf("%s %s QU=%d", onOff(b[0]), selectExecute(b[0]), b[0]>>2&0x1f)
	case eDCO:
		return fmt.Sprintf("%s %s QU=%d", doublePoint[b[0]&0x03], selectExecute(b[0]), b[0]>>2&0x1f)
	case eRCO:
		step := [4]string{"not permitted", "lower", "higher", "not permitted"}[b[0]&0x03]
		return fmt.Sprintf("%s %s QU=%d", step, selectExecute(b[0]), b[0]>>2&0x1f)
	case eQOS:
		return fmt.Sprintf("QL=%d %s", b[0]&0x7f, selectExecute(b[0]))
	case eCOI:
		cause := [3]string{"local power switch on", "local manual reset", "remote reset"}
		if c := b[0] & 0x7f; int(c) < len(cause) {
			return cause[c]
		}
		return fmt.Sprintf("COI=%d", b[0]&0x7f)
	case eQOI:
		if b[0] == 20 {
			return "station interrogation"
		}
		if b[0] >= 21 && b[0] <= 36 {
			return fmt.Sprintf("group %d interrogation", b[0]-20)
		}
		return fmt.Sprintf("QOI=%d", b[0])
	case eQCC:
		return fmt.Sprintf("RQT=%d FRZ=%d", b[0]&0x3f, b[0]>>6)
	case eQRP:
		return fmt.Sprintf("QRP=%d", b[0])
	case eFBP:
		return fmt.Sprintf("0x%04x", binary.LittleEndian.Uint16(b))
	case eTSC:
		return fmt.Sprintf("TSC=%d", binary.LittleEndian.Uint16(b))
	case eQPM:
		return fmt.Sprintf("KPA=%d", b[0]&0x3f)
	case eQPA:
		return fmt.Sprintf("QPA=%d", b[0])
	case eNOF:
		return fmt.Sprintf("file %d", binary.LittleEndian.Uint16(b))
	case eLOF:
		return fmt.Sprintf("%d bytes", le24(b))
	case eNOS:
		return fmt.Sprintf("section %d", b[0])
	case eCHS:
		return fmt.Sprintf("checksum 0x%02x", b[0])
	case eSOF:
		return join(fmt.Sprintf("status %d", b[0]&0x1f), flags(b[0], sofFlags))
	case eFRQ, eSRQ:
		if b[0]&0x80 != 0 {
			return "negative"
		}
		return ""
	case eSCQ:
		return [8]string{"", "select file", "request file", "deactivate file", "delete file", "select section", "request section", "deactivate section"}[b[0]&0x07]
	case eLSQ:
		return [5]string{"", "file transfer", "file transfer deactivated", "section transfer", "section transfer deactivated"}[min(b[0], 4)]
	case eAFQ:
		return [5]string{"", "file acknowledged", "file rejected", "section acknowledged", "section rejected"}[min(b[0]&0x0f, 4)]
	case eLOS:
		return ""
	}
	return ""
}
