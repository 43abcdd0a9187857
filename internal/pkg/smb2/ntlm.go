package smb2

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"unicode/utf16"
)

const (
	ntlmNegotiate    = 1
	ntlmChallenge    = 2
	ntlmAuthenticate = 3

	ntlmFlagUnicode = 0x00000001
)

var ntlmSignature = []byte("NTLMSSP\x00")

// ntlmMessage locates an NTLMSSP token inside a security blob, which is
// usually wrapped in SPNEGO.
func ntlmMessage(blob []byte) ([]byte, uint32, bool) {
	i := bytes.Index(blob, ntlmSignature)
	if i < 0 || len(blob)-i < 12 {
		return nil, 0, false
	}
	msg := blob[i:]
	return msg, binary.LittleEndian.Uint32(msg[8:12]), true
}

// ntlmField reads a length/offset security buffer descriptor.
func ntlmField(msg []byte, at int) ([]byte, bool) {
	if at+8 > len(msg) {
		return nil, false
	}
	n := int(binary.LittleEndian.Uint16(msg[at : at+2]))
	off := int(binary.LittleEndian.Uint32(msg[at+4 : at+8]))
	if off+n > len(msg) {
		return nil, false
	}
	return msg[off : off+n], true
}

// NTLMChallenge is the interesting part of a CHALLENGE message.
type NTLMChallenge struct {
	ServerChallenge [8]byte
	TargetName      string
}

func parseNTLMChallenge(msg []byte) (*NTLMChallenge, bool) {
	if len(msg) < 32 {
		return nil, false
	}
	flags := binary.LittleEndian.Uint32(msg[20:24])
	c := &NTLMChallenge{}
	copy(c.ServerChallenge[:], msg[24:32])
	if target, ok := ntlmField(msg, 12); ok {
		c.TargetName = ntlmString(target, flags)
	}
	return c, true
}

// NTLMAuthenticate is the interesting part of an AUTHENTICATE message.
type NTLMAuthenticate struct {
	LMResponse  []byte
	NTResponse  []byte
	Domain      string
	User        string
	Workstation string
}

func parseNTLMAuthenticate(msg []byte) (*NTLMAuthenticate, bool) {
	if len(msg) < 64 {
		return nil, false
	}
	flags := binary.LittleEndian.Uint32(msg[60:64])
	a := &NTLMAuthenticate{}
	var ok bool
	if a.LMResponse, ok = ntlmField(msg, 12); !ok {
		return nil, false
	}
	if a.NTResponse, ok = ntlmField(msg, 20); !ok {
		return nil, false
	}
	for _, f := range []struct {
		at  int
		out *string
	}{{28, &a.Domain}, {36, &a.User}, {44, &a.Workstation}} {
		b, ok := ntlmField(msg, f.at)
		if !ok {
			return nil, false
		}
		*f.out = ntlmString(b, flags)
	}
	return a, true
}

// HashcatString formats the response for cracking: NetNTLMv2 for long NT
// responses, NetNTLMv1 for 24 byte ones. It returns "" for anonymous or
// unsupported responses.
func (a *NTLMAuthenticate) HashcatString(challenge [8]byte) string {
	if a.User == "" {
		return ""
	}
	ch := hex.EncodeToString(challenge[:])
	switch {
	case len(a.NTResponse) > 24:
		return fmt.Sprintf("%s::%s:%s:%s:%s", a.User, a.Domain, ch,
			hex.EncodeToString(a.NTResponse[:16]), hex.EncodeToString(a.NTResponse[16:]))
	case len(a.NTResponse) == 24:
		return fmt.Sprintf("%s::%s:%s:%s:%s", a.User, a.Domain,
			hex.EncodeToString(a.LMResponse), hex.EncodeToString(a.NTResponse), ch)
	default:
		return ""
	}
}

func ntlmString(b []byte, flags uint32) string {
	if flags&ntlmFlagUnicode != 0 {
		return decodeUTF16LE(b)
	}
	return string(b)
}

func decodeUTF16LE(data []byte) string {
	u := make([]uint16, len(data)/2)
	for i := range u {
		u[i] = binary.LittleEndian.Uint16(data[i*2:])
	}
	return string(utf16.Decode(u))
}
