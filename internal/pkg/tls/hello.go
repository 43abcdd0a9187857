package tls

import (
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/cryptobyte"
)

// Extension types
const (
	ExtensionSNI             = 0
	ExtensionSupportedGroups = 10
	ExtensionECPointFormats  = 11
	ExtensionSignatureAlgos  = 13
	ExtensionALPN            = 16
	ExtensionSupportedVer    = 43

	sniTypeHostname = 0
)

var errMalformedHello = errors.New("tls: malformed hello")

// ClientHello holds the fields of a ClientHello the fingerprints and the
// host registry need.
type ClientHello struct {
	// Version is the legacy client_version field
	Version           uint16
	SessionID         string
	CipherSuites      []uint16
	Extensions        []uint16
	SupportedGroups   []uint16
	ECPointFormats    []uint8
	SignatureAlgos    []uint16
	ALPNProtocols     []string
	SupportedVersions []uint16
	SNI               string
}

// ServerHello holds the fields of a ServerHello.
type ServerHello struct {
	Version        uint16
	SessionID      string
	SelectedCipher uint16
	Compression    uint8
	Extensions     []uint16
	// SelectedVersion is the supported_versions choice of a TLS 1.3
	// server, or 0
	SelectedVersion uint16
}

// NegotiatedVersion returns the TLS 1.3 selected version when present.
func (h *ServerHello) NegotiatedVersion() uint16 {
	if h.SelectedVersion != 0 {
		return h.SelectedVersion
	}
	return h.Version
}

// ParseClientHello parses a ClientHello body without the handshake header.
func ParseClientHello(body []byte) (*ClientHello, error) {
	s := cryptobyte.String(body)
	h := &ClientHello{}
	var sessionID, ciphers, compression cryptobyte.String
	if !s.ReadUint16(&h.Version) || !s.Skip(32) ||
		!s.ReadUint8LengthPrefixed(&sessionID) ||
		!s.ReadUint16LengthPrefixed(&ciphers) ||
		!s.ReadUint8LengthPrefixed(&compression) {
		return nil, errMalformedHello
	}
	if len(sessionID) > 0 {
		h.SessionID = hex.EncodeToString(sessionID)
	}
	for !ciphers.Empty() {
		var c uint16
		if !ciphers.ReadUint16(&c) {
			return nil, errMalformedHello
		}
		h.CipherSuites = append(h.CipherSuites, c)
	}
	if s.Empty() {
		// no extensions, SSL 3.0 style
		return h, nil
	}
	var exts cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&exts) {
		return nil, errMalformedHello
	}
	for !exts.Empty() {
		var typ uint16
		var data cryptobyte.String
		if !exts.ReadUint16(&typ) || !exts.ReadUint16LengthPrefixed(&data) {
			return nil, errMalformedHello
		}
		h.Extensions = append(h.Extensions, typ)
		switch typ {
		case ExtensionSNI:
			h.SNI = parseSNI(data)
		case ExtensionSupportedGroups:
			h.SupportedGroups = readUint16List(data)
		case ExtensionECPointFormats:
			var formats cryptobyte.String
			if data.ReadUint8LengthPrefixed(&formats) {
				h.ECPointFormats = append([]uint8(nil), formats...)
			}
		case ExtensionSignatureAlgos:
			h.SignatureAlgos = readUint16List(data)
		case ExtensionALPN:
			h.ALPNProtocols = parseALPN(data)
		case ExtensionSupportedVer:
			var versions cryptobyte.String
			if data.ReadUint8LengthPrefixed(&versions) {
				for !versions.Empty() {
					var v uint16
					if !versions.ReadUint16(&v) {
						break
					}
					h.SupportedVersions = append(h.SupportedVersions, v)
				}
			}
		}
	}
	return h, nil
}

// ParseServerHello parses a ServerHello body without the handshake header.
func ParseServerHello(body []byte) (*ServerHello, error) {
	s := cryptobyte.String(body)
	h := &ServerHello{}
	var sessionID cryptobyte.String
	if !s.ReadUint16(&h.Version) || !s.Skip(32) ||
		!s.ReadUint8LengthPrefixed(&sessionID) ||
		!s.ReadUint16(&h.SelectedCipher) ||
		!s.ReadUint8(&h.Compression) {
		return nil, errMalformedHello
	}
	if len(sessionID) > 0 {
		h.SessionID = hex.EncodeToString(sessionID)
	}
	if s.Empty() {
		return h, nil
	}
	var exts cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&exts) {
		return nil, errMalformedHello
	}
	for !exts.Empty() {
		var typ uint16
		var data cryptobyte.String
		if !exts.ReadUint16(&typ) || !exts.ReadUint16LengthPrefixed(&data) {
			return nil, errMalformedHello
		}
		h.Extensions = append(h.Extensions, typ)
		if typ == ExtensionSupportedVer {
			data.ReadUint16(&h.SelectedVersion)
		}
	}
	return h, nil
}

func parseSNI(data cryptobyte.String) string {
	var list cryptobyte.String
	if !data.ReadUint16LengthPrefixed(&list) {
		return ""
	}
	for !list.Empty() {
		var typ uint8
		var name cryptobyte.String
		if !list.ReadUint8(&typ) || !list.ReadUint16LengthPrefixed(&name) {
			return ""
		}
		if typ == sniTypeHostname {
			return string(name)
		}
	}
	return ""
}

func parseALPN(data cryptobyte.String) []string {
	var list cryptobyte.String
	if !data.ReadUint16LengthPrefixed(&list) {
		return nil
	}
	var out []string
	for !list.Empty() {
		var proto cryptobyte.String
		if !list.ReadUint8LengthPrefixed(&proto) {
			break
		}
		out = append(out, string(proto))
	}
	return out
}

func readUint16List(data cryptobyte.String) []uint16 {
	var list cryptobyte.String
	if !data.ReadUint16LengthPrefixed(&list) {
		return nil
	}
	var out []uint16
	for !list.Empty() {
		var v uint16
		if !list.ReadUint16(&v) {
			break
		}
		out = append(out, v)
	}
	return out
}
