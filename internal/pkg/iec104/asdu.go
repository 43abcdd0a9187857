package iec104

import (
	"errors"
	"fmt"
)

const (
	asduHeaderLen = 6
	ioaLen        = 3
)

var (
	errUnknownType = errors.New("iec104: unknown type identification")
	errASDULength  = errors.New("iec104: ASDU length does not match its objects")
)

// File transfer type identifications.
const (
	TypeFileReady     uint8 = 120
	TypeSectionReady  uint8 = 121
	TypeCallDirectory uint8 = 122
	TypeLastSection   uint8 = 123
	TypeAckFile       uint8 = 124
	TypeSegment       uint8 = 125
	TypeDirectory     uint8 = 126
	TypeQueryLog      uint8 = 127
)

// firstControlType is the first type of the control direction.
const firstControlType uint8 = 45

// typeInfo describes the information element of one type identification.
type typeInfo struct {
	name  string
	elems []elem
}

// typeTable is the type identification table of the companion standard.
var typeTable = map[uint8]typeInfo{
	1:   {"M_SP_NA_1", []elem{eSIQ}},
	2:   {"M_SP_TA_1", []elem{eSIQ, eCP24}},
	3:   {"M_DP_NA_1", []elem{eDIQ}},
	4:   {"M_DP_TA_1", []elem{eDIQ, eCP24}},
	5:   {"M_ST_NA_1", []elem{eVTI, eQDS}},
	6:   {"M_ST_TA_1", []elem{eVTI, eQDS, eCP24}},
	7:   {"M_BO_NA_1", []elem{eBSI, eQDS}},
	8:   {"M_BO_TA_1", []elem{eBSI, eQDS, eCP24}},
	9:   {"M_ME_NA_1", []elem{eNVA, eQDS}},
	10:  {"M_ME_TA_1", []elem{eNVA, eQDS, eCP24}},
	11:  {"M_ME_NB_1", []elem{eSVA, eQDS}},
	12:  {"M_ME_TB_1", []elem{eSVA, eQDS, eCP24}},
	13:  {"M_ME_NC_1", []elem{eR32, eQDS}},
	14:  {"M_ME_TC_1", []elem{eR32, eQDS, eCP24}},
	15:  {"M_IT_NA_1", []elem{eBCR}},
	16:  {"M_IT_TA_1", []elem{eBCR, eCP24}},
	17:  {"M_EP_TA_1", []elem{eSEP, eCP16, eCP24}},
	18:  {"M_EP_TB_1", []elem{eSPE, eQDP, eCP16, eCP24}},
	19:  {"M_EP_TC_1", []elem{eOCI, eQDP, eCP16, eCP24}},
	20:  {"M_PS_NA_1", []elem{eSCD, eQDS}},
	21:  {"M_ME_ND_1", []elem{eNVA}},
	30:  {"M_SP_TB_1", []elem{eSIQ, eCP56}},
	31:  {"M_DP_TB_1", []elem{eDIQ, eCP56}},
	32:  {"M_ST_TB_1", []elem{eVTI, eQDS, eCP56}},
	33:  {"M_BO_TB_1", []elem{eBSI, eQDS, eCP56}},
	34:  {"M_ME_TD_1", []elem{eNVA, eQDS, eCP56}},
	35:  {"M_ME_TE_1", []elem{eSVA, eQDS, eCP56}},
	36:  {"M_ME_TF_1", []elem{eR32, eQDS, eCP56}},
	37:  {"M_IT_TB_1", []elem{eBCR, eCP56}},
	38:  {"M_EP_TD_1", []elem{eSEP, eCP16, eCP56}},
	39:  {"M_EP_TE_1", []elem{eSPE, eQDP, eCP16, eCP56}},
	40:  {"M_EP_TF_1", []elem{eOCI, eQDP, eCP16, eCP56}},
	45:  {"C_SC_NA_1", []elem{eSCO}},
	46:  {"C_DC_NA_1", []elem{eDCO}},
	47:  {"C_RC_NA_1", []elem{eRCO}},
	48:  {"C_SE_NA_1", []elem{eNVA, eQOS}},
	49:  {"C_SE_NB_1", []elem{eSVA, eQOS}},
	50:  {"C_SE_NC_1", []elem{eR32, eQOS}},
	51:  {"C_BO_NA_1", []elem{eBSI}},
	58:  {"C_SC_TA_1", []elem{eSCO, eCP56}},
	59:  {"C_DC_TA_1", []elem{eDCO, eCP56}},
	60:  {"C_RC_TA_1", []elem{eRCO, eCP56}},
	61:  {"C_SE_TA_1", []elem{eNVA, eQOS, eCP56}},
	62:  {"C_SE_TB_1", []elem{eSVA, eQOS, eCP56}},
	63:  {"C_SE_TC_1", []elem{eR32, eQOS, eCP56}},
	64:  {"C_BO_TA_1", []elem{eBSI, eCP56}},
	70:  {"M_EI_NA_1", []elem{eCOI}},
	100: {"C_IC_NA_1", []elem{eQOI}},
	101: {"C_CI_NA_1", []elem{eQCC}},
	102: {"C_RD_NA_1", nil},
	103: {"C_CS_NA_1", []elem{eCP56}},
	104: {"C_TS_NA_1", []elem{eFBP}},
	105: {"C_RP_NA_1", []elem{eQRP}},
	106: {"C_CD_NA_1", []elem{eCP16}},
	107: {"C_TS_TA_1", []elem{eTSC, eCP56}},
	110: {"P_ME_NA_1", []elem{eNVA, eQPM}},
	111: {"P_ME_NB_1", []elem{eSVA, eQPM}},
	112: {"P_ME_NC_1", []elem{eR32, eQPM}},
	113: {"P_AC_NA_1", []elem{eQPA}},
	120: {"F_FR_NA_1", []elem{eNOF, eLOF, eFRQ}},
	121: {"F_SR_NA_1", []elem{eNOF, eNOS, eLOF, eSRQ}},
	122: {"F_SC_NA_1", []elem{eNOF, eNOS, eSCQ}},
	123: {"F_LS_NA_1", []elem{eNOF, eNOS, eLSQ, eCHS}},
	124: {"F_AF_NA_1", []elem{eNOF, eNOS, eAFQ}},
	125: {"F_SG_NA_1", []elem{eNOF, eNOS, eLOS}},
	126: {"F_DR_TA_1", []elem{eNOF, eLOF, eSOF, eCP56}},
	127: {"F_SC_NB_1", []elem{eNOF, eCP56, eCP56}},
}

// TypeName returns the mnemonic of a type identification.
func TypeName(id uint8) string {
	if ti, ok := typeTable[id]; ok {
		return ti.name
	}
	return fmt.Sprintf("type %d", id)
}

var causes = map[uint8]string{
	1:  "periodic",
	2:  "background scan",
	3:  "spontaneous",
	4:  "initialized",
	5:  "request",
	6:  "activation",
	7:  "activation confirmation",
	8:  "deactivation",
	9:  "deactivation confirmation",
	10: "activation termination",
	11: "return information remote command",
	12: "return information local command",
	13: "file transfer",
	20: "interrogated by station interrogation",
	37: "requested by general counter request",
	44: "unknown type identification",
	45: "unknown cause of transmission",
	46: "unknown common address",
	47: "unknown information object address",
}

// CauseName names a cause of transmission.
func CauseName(c uint8) string {
	if name, ok := causes[c]; ok {
		return name
	}
	switch {
	case c >= 21 && c <= 36:
		return fmt.Sprintf("interrogated by group %d interrogation", c-20)
	case c >= 38 && c <= 41:
		return fmt.Sprintf("requested by group %d counter request", c-37)
	}
	return fmt.Sprintf("cause %d", c)
}

// Field is one information element of an object.
type Field struct {
	Elem elem
	Raw  []byte
}

// InfoObject is one information object of an ASDU.
type InfoObject struct {
	Address uint32
	Fields  []Field
	// Segment is the file data of an F_SG_NA_1 object.
	Segment []byte
}

// number reads the first field of kind e as a little endian number.
func (o *InfoObject) number(e elem) (uint32, bool) {
	for _, f := range o.Fields {
		if f.Elem == e {
			var v uint32
			for i := len(f.Raw) - 1; i >= 0; i-- {
				v = v<<8 | uint32(f.Raw[i])
			}
			return v, true
		}
	}
	return 0, false
}

// Value renders the information elements of the object.
func (o *InfoObject) Value() string {
	s := ""
	for _, f := range o.Fields {
		v := formatField(f)
		if v == "" {
			continue
		}
		if s != "" {
			s += " "
		}
		s += v
	}
	if o.Segment != nil {
		s += fmt.Sprintf(" (%d bytes)", len(o.Segment))
	}
	return s
}

// ASDU is an application service data unit with the standard IEC-104
// field sizes: two octet cause, two octet common address and three octet
// object addresses.
type ASDU struct {
	TypeID        uint8
	Sequence      bool
	Cause         uint8
	Negative      bool
	Test          bool
	Originator    uint8
	CommonAddress uint16
	Objects       []InfoObject
}

// Name is the mnemonic of the type identification.
func (a *ASDU) Name() string { return TypeName(a.TypeID) }

func parseASDU(b []byte) (*ASDU, error) {
	if len(b) < asduHeaderLen {
		return nil, errASDULength
	}
	a := &ASDU{
		TypeID:        b[0],
		Sequence:      b[1]&0x80 != 0,
		Cause:         b[2] & 0x3f,
		Negative:      b[2]&0x40 != 0,
		Test:          b[2]&0x80 != 0,
		Originator:    b[3],
		CommonAddress: uint16(b[4]) | uint16(b[5])<<8,
	}
	n := int(b[1] & 0x7f)
	ti, ok := typeTable[a.TypeID]
	if !ok {
		return a, fmt.Errorf("%w %d", errUnknownType, a.TypeID)
	}
	rest := b[asduHeaderLen:]

	if a.Sequence {
		if len(rest) < ioaLen {
			return a, errASDULength
		}
		base := le24(rest)
		rest = rest[ioaLen:]
		for i := 0; i < n; i++ {
			o, used, ok := parseElements(ti, rest)
			if !ok {
				return a, errASDULength
			}
			// the address of a sequence is incremented per element
			o.Address = (base + uint32(i)) & 0xffffff
			a.Objects = append(a.Objects, o)
			rest = rest[used:]
		}
	} else {
		for i := 0; i < n; i++ {
			if len(rest) < ioaLen {
				return a, errASDULength
			}
			addr := le24(rest)
			o, used, ok := parseElements(ti, rest[ioaLen:])
			if !ok {
				return a, errASDULength
			}
			o.Address = addr
			a.Objects = append(a.Objects, o)
			rest = rest[ioaLen+used:]
		}
	}
	if len(rest) != 0 {
		return a, errASDULength
	}
	return a, nil
}

func parseElements(ti typeInfo, b []byte) (InfoObject, int, bool) {
	var o InfoObject
	used := 0
	for _, e := range ti.elems {
		size := elemSize[e]
		if len(b) < used+size {
			return o, 0, false
		}
		o.Fields = append(o.Fields, Field{Elem: e, Raw: b[used : used+size]})
		used += size
		if e == eLOS {
			los := int(b[used-1])
			if len(b) < used+los {
				return o, 0, false
			}
			o.Segment = b[used : used+los]
			used += los
		}
	}
	return o, used, true
}

func le24(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}
