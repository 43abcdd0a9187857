package tls

import (
	"crypto/sha1"
	"crypto/x509"
	"encoding/hex"
	"regexp"
	"strings"
	"time"

	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/events"
	"golang.org/x/crypto/cryptobyte"
)

var unsafeFilename = regexp.MustCompile(`[^A-Za-z0-9 ._@-]+`)

// parseCertificateList returns the DER entries of a Certificate handshake
// message. Both the TLS 1.2 layout and the TLS 1.3 layout with a request
// context and per-entry extensions are accepted.
func parseCertificateList(body []byte) ([][]byte, bool) {
	if certs, ok := parseCertificateList12(body); ok {
		return certs, true
	}
	return parseCertificateList13(body)
}

func parseCertificateList12(body []byte) ([][]byte, bool) {
	s := cryptobyte.String(body)
	var list cryptobyte.String
	if !s.ReadUint24LengthPrefixed(&list) || !s.Empty() {
		return nil, false
	}
	var out [][]byte
	for !list.Empty() {
		var der cryptobyte.String
		if !list.ReadUint24LengthPrefixed(&der) {
			return nil, false
		}
		out = append(out, der)
	}
	return out, true
}

func parseCertificateList13(body []byte) ([][]byte, bool) {
	s := cryptobyte.String(body)
	var context, list cryptobyte.String
	if !s.ReadUint8LengthPrefixed(&context) || !s.ReadUint24LengthPrefixed(&list) || !s.Empty() {
		return nil, false
	}
	var out [][]byte
	for !list.Empty() {
		var der, exts cryptobyte.String
		if !list.ReadUint24LengthPrefixed(&der) || !list.ReadUint16LengthPrefixed(&exts) {
			return nil, false
		}
		out = append(out, der)
	}
	return out, true
}

// certificateFilename names the .cer file after the subject common name.
func certificateFilename(cert *x509.Certificate) string {
	name := ""
	if cert != nil {
		name = cert.Subject.CommonName
	}
	name = strings.Trim(unsafeFilename.ReplaceAllString(name, "_"), " .")
	if name == "" {
		name = "certificate"
	}
	if len(name) > 100 {
		name = name[:100]
	}
	return name + ".cer"
}

func thumbprint(der []byte) string {
	sum := sha1.Sum(der)
	return hex.EncodeToString(sum[:])
}

var keyUsageNames = []struct {
	bit  x509.KeyUsage
	name string
}{
	{x509.KeyUsageDigitalSignature, "Digital Signature"},
	{x509.KeyUsageContentCommitment, "Content Commitment"},
	{x509.KeyUsageKeyEncipherment, "Key Encipherment"},
	{x509.KeyUsageDataEncipherment, "Data Encipherment"},
	{x509.KeyUsageKeyAgreement, "Key Agreement"},
	{x509.KeyUsageCertSign, "Certificate Sign"},
	{x509.KeyUsageCRLSign, "CRL Sign"},
	{x509.KeyUsageEncipherOnly, "Encipher Only"},
	{x509.KeyUsageDecipherOnly, "Decipher Only"},
}

func keyUsageString(ku x509.KeyUsage) string {
	var names []string
	for _, k := range keyUsageNames {
		if ku&k.bit != 0 {
			names = append(names, k.name)
		}
	}
	return strings.Join(names, ", ")
}

// certificateParameters lists the attributes published for a certificate.
func certificateParameters(cert *x509.Certificate, sha1Hex string) []events.NameValue {
	params := []events.NameValue{
		{Name: "Certificate Subject CN", Value: cert.Subject.CommonName},
		{Name: "Certificate Subject", Value: cert.Subject.String()},
		{Name: "Certificate Issuer", Value: cert.Issuer.String()},
		{Name: "Certificate Valid From", Value: cert.NotBefore.UTC().Format(time.RFC3339)},
		{Name: "Certificate Valid To", Value: cert.NotAfter.UTC().Format(time.RFC3339)},
	}
	if cert.SerialNumber != nil {
		params = append(params, events.NameValue{Name: "Certificate Serial", Value: cert.SerialNumber.Text(16)})
	}
	for _, name := range cert.DNSNames {
		params = append(params, events.NameValue{Name: "Certificate SAN", Value: name})
	}
	for _, ip := range cert.IPAddresses {
		params = append(params, events.NameValue{Name: "Certificate SAN", Value: ip.String()})
	}
	params = append(params, events.NameValue{Name: "Certificate SHA1", Value: sha1Hex})
	if ku := keyUsageString(cert.KeyUsage); ku != "" {
		params = append(params, events.NameValue{Name: "Certificate Key Usage", Value: ku})
	}
	return params
}
