package types

// AppProtocol is the application protocol a session is classified as. The
// classification is a mutable cell on the session so STARTTLS or CONNECT can
// switch it mid-stream; the decoder re-reads it before every dispatch.
type AppProtocol int32

const (
	ProtocolUnknown AppProtocol = iota
	ProtocolDNS
	ProtocolSMTP
	ProtocolIMAP
	ProtocolHTTP
	ProtocolHTTP2
	ProtocolTLS
	ProtocolSMB2
	ProtocolKerberos
	ProtocolSIP
	ProtocolTFTP
	ProtocolRFB
	ProtocolIEC104
	ProtocolNjRAT
	ProtocolBackConnect
	ProtocolMeterpreter
	// ProtocolOpaque marks a stream that carries nothing the handlers can
	// read, such as the encrypted part of a session after a TLS handshake.
	ProtocolOpaque
)

var protocolNames = map[AppProtocol]string{
	ProtocolUnknown:     "unknown",
	ProtocolDNS:         "DNS",
	ProtocolSMTP:        "SMTP",
	ProtocolIMAP:        "IMAP",
	ProtocolHTTP:        "HTTP",
	ProtocolHTTP2:       "HTTP/2",
	ProtocolTLS:         "TLS",
	ProtocolSMB2:        "SMB2",
	ProtocolKerberos:    "Kerberos",
	ProtocolSIP:         "SIP",
	ProtocolTFTP:        "TFTP",
	ProtocolRFB:         "RFB",
	ProtocolIEC104:      "IEC-104",
	ProtocolNjRAT:       "njRAT",
	ProtocolBackConnect: "BackConnect",
	ProtocolMeterpreter: "Meterpreter",
	ProtocolOpaque:      "opaque",
}

func (p AppProtocol) String() string {
	if name, ok := protocolNames[p]; ok {
		return name
	}
	return "unknown"
}
