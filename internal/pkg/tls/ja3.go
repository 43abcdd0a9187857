package tls

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// JA3 GREASE values that are excluded from fingerprints.
var greaseValues = map[uint16]bool{
	0x0a0a: true, 0x1a1a: true, 0x2a2a: true, 0x3a3a: true,
	0x4a4a: true, 0x5a5a: true, 0x6a6a: true, 0x7a7a: true,
	0x8a8a: true, 0x9a9a: true, 0xaaaa: true, 0xbaba: true,
	0xcaca: true, 0xdada: true, 0xeaea: true, 0xfafa: true,
}

func isGREASE(value uint16) bool {
	return greaseValues[value]
}

func joinUint16(values []uint16) string {
	parts := make([]string, 0, len(values))
	for _, v := range values {
		if !isGREASE(v) {
			parts = append(parts, strconv.Itoa(int(v)))
		}
	}
	return strings.Join(parts, "-")
}

// JA3 returns the JA3 string and its MD5 hash:
// SSLVersion,Ciphers,Extensions,EllipticCurves,EllipticCurveFormats.
//
// Reference: https://github.com/salesforce/ja3
func JA3(h *ClientHello) (ja3String string, ja3Hash string) {
	formats := make([]string, 0, len(h.ECPointFormats))
	for _, f := range h.ECPointFormats {
		formats = append(formats, strconv.Itoa(int(f)))
	}
	ja3String = fmt.Sprintf("%d,%s,%s,%s,%s",
		h.Version,
		joinUint16(h.CipherSuites),
		joinUint16(h.Extensions),
		joinUint16(h.SupportedGroups),
		strings.Join(formats, "-"))
	sum := md5.Sum([]byte(ja3String))
	return ja3String, hex.EncodeToString(sum[:])
}

// JA3S returns the JA3S string and hash: SSLVersion,Cipher,Extensions.
func JA3S(h *ServerHello) (ja3sString string, ja3sHash string) {
	ja3sString = fmt.Sprintf("%d,%d,%s", h.Version, h.SelectedCipher, joinUint16(h.Extensions))
	sum := md5.Sum([]byte(ja3sString))
	return ja3sString, hex.EncodeToString(sum[:])
}
