package kerberos

import (
	"encoding/hex"
	"fmt"
)

// Encryption types with crackable layouts.
const (
	ETypeAES128 = 17
	ETypeAES256 = 18
	ETypeRC4    = 23
)

const (
	rc4ChecksumLen = 16
	aesChecksumLen = 12
)

// split separates the checksum from the encrypted data. RC4-HMAC cipher
// text starts with a 16 byte HMAC, AES cipher text ends with a 12 byte
// truncated HMAC.
func split(ed *EncryptedData) (checksum, data []byte, ok bool) {
	switch ed.EType {
	case ETypeRC4:
		if len(ed.Cipher) <= rc4ChecksumLen {
			return nil, nil, false
		}
		return ed.Cipher[:rc4ChecksumLen], ed.Cipher[rc4ChecksumLen:], true
	case ETypeAES128, ETypeAES256:
		if len(ed.Cipher) <= aesChecksumLen {
			return nil, nil, false
		}
		n := len(ed.Cipher) - aesChecksumLen
		return ed.Cipher[n:], ed.Cipher[:n], true
	}
	return nil, nil, false
}

// PreauthHash formats a PA-ENC-TIMESTAMP for hashcat modes 7500, 19800
// and 19900. The RC4 form carries the timestamp first and the checksum
// last.
func PreauthHash(user, realm, salt string, ed *EncryptedData) string {
	checksum, data, ok := split(ed)
	if !ok {
		return ""
	}
	if ed.EType == ETypeRC4 {
		return fmt.Sprintf("$krb5pa$%d$%s$%s$%s$%s%s", ed.EType, user, realm, salt,
			hex.EncodeToString(data), hex.EncodeToString(checksum))
	}
	return fmt.Sprintf("$krb5pa$%d$%s$%s$%s", ed.EType, user, realm, hex.EncodeToString(ed.Cipher))
}

// ASRepHash formats an AS-REP enc-part for hashcat modes 18200, 32100
// and 32200.
func ASRepHash(user, realm string, ed *EncryptedData) string {
	checksum, data, ok := split(ed)
	if !ok {
		return ""
	}
	if ed.EType == ETypeRC4 {
		return fmt.Sprintf("$krb5asrep$%d$%s@%s:%s$%s", ed.EType, user, realm,
			hex.EncodeToString(checksum), hex.EncodeToString(data))
	}
	return fmt.Sprintf("$krb5asrep$%d$%s$%s$%s$%s", ed.EType, user, realm,
		hex.EncodeToString(checksum), hex.EncodeToString(data))
}

// TGSRepHash formats a service ticket enc-part for hashcat modes 13100,
// 19600 and 19700.
func TGSRepHash(user, realm, spn string, ed *EncryptedData) string {
	checksum, data, ok := split(ed)
	if !ok {
		return ""
	}
	if ed.EType == ETypeRC4 {
		return fmt.Sprintf("$krb5tgs$%d$*%s$%s$%s*$%s$%s", ed.EType, user, realm, spn,
			hex.EncodeToString(checksum), hex.EncodeToString(data))
	}
	return fmt.Sprintf("$krb5tgs$%d$%s$%s$*%s*$%s$%s", ed.EType, user, realm, spn,
		hex.EncodeToString(checksum), hex.EncodeToString(data))
}
