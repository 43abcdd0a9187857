package kerberos

import (
	"strings"
)

// PA-DATA types
const (
	paEncTimestamp = 2
	paETypeInfo    = 11
	paETypeInfo2   = 19
)

type field int

const (
	fieldCName field = iota + 1
	fieldRealm
	fieldSName
	fieldTicketRealm
	fieldTicketSName
	fieldPAType
	fieldPAValue
	fieldEncEType
	fieldEncCipher
	fieldTicketEType
	fieldTicketCipher
	fieldErrorCode
	fieldErrorText
)

// fieldPaths maps the tag paths of interesting elements to what they hold.
// A KDC-REQ-BODY sits at [4], KDC-REP fields at [2]..[6] and the Ticket
// is [APPLICATION 1].
var fieldPaths = map[string]field{
	// AS-REQ
	tagPath(TagASReq, 0x30, 0xa3, 0x30, 0x30, 0xa1, 0x02):                   fieldPAType,
	tagPath(TagASReq, 0x30, 0xa3, 0x30, 0x30, 0xa2, 0x04):                   fieldPAValue,
	tagPath(TagASReq, 0x30, 0xa4, 0x30, 0xa1, 0x30, 0xa1, 0x30, 0x1b):       fieldCName,
	tagPath(TagASReq, 0x30, 0xa4, 0x30, 0xa2, 0x1b):                         fieldRealm,
	tagPath(TagASReq, 0x30, 0xa4, 0x30, 0xa3, 0x30, 0xa1, 0x30, 0x1b):       fieldSName,
	// TGS-REQ
	tagPath(TagTGSReq, 0x30, 0xa4, 0x30, 0xa1, 0x30, 0xa1, 0x30, 0x1b):      fieldCName,
	tagPath(TagTGSReq, 0x30, 0xa4, 0x30, 0xa2, 0x1b):                        fieldRealm,
	tagPath(TagTGSReq, 0x30, 0xa4, 0x30, 0xa3, 0x30, 0xa1, 0x30, 0x1b):      fieldSName,
	// AS-REP
	tagPath(TagASRep, 0x30, 0xa2, 0x30, 0x30, 0xa1, 0x02):                   fieldPAType,
	tagPath(TagASRep, 0x30, 0xa2, 0x30, 0x30, 0xa2, 0x04):                   fieldPAValue,
	tagPath(TagASRep, 0x30, 0xa3, 0x1b):                                     fieldRealm,
	tagPath(TagASRep, 0x30, 0xa4, 0x30, 0xa1, 0x30, 0x1b):                   fieldCName,
	tagPath(TagASRep, 0x30, 0xa5, 0x61, 0x30, 0xa1, 0x1b):                   fieldTicketRealm,
	tagPath(TagASRep, 0x30, 0xa5, 0x61, 0x30, 0xa2, 0x30, 0xa1, 0x30, 0x1b): fieldTicketSName,
	tagPath(TagASRep, 0x30, 0xa6, 0x30, 0xa0, 0x02):                         fieldEncEType,
	tagPath(TagASRep, 0x30, 0xa6, 0x30, 0xa2, 0x04):                         fieldEncCipher,
	// TGS-REP
	tagPath(TagTGSRep, 0x30, 0xa3, 0x1b):                                     fieldRealm,
	tagPath(TagTGSRep, 0x30, 0xa4, 0x30, 0xa1, 0x30, 0x1b):                   fieldCName,
	tagPath(TagTGSRep, 0x30, 0xa5, 0x61, 0x30, 0xa1, 0x1b):                   fieldTicketRealm,
	tagPath(TagTGSRep, 0x30, 0xa5, 0x61, 0x30, 0xa2, 0x30, 0xa1, 0x30, 0x1b): fieldTicketSName,
	tagPath(TagTGSRep, 0x30, 0xa5, 0x61, 0x30, 0xa3, 0x30, 0xa0, 0x02):       fieldTicketEType,
	tagPath(TagTGSRep, 0x30, 0xa5, 0x61, 0x30, 0xa3, 0x30, 0xa2, 0x04):       fieldTicketCipher,
	// KRB-ERROR
	tagPath(TagKRBError, 0x30, 0xa6, 0x02):                                   fieldErrorCode,
	tagPath(TagKRBError, 0x30, 0xa7, 0x1b):                                   fieldRealm,
	tagPath(TagKRBError, 0x30, 0xa8, 0x30, 0xa1, 0x30, 0x1b):                 fieldCName,
	tagPath(TagKRBError, 0x30, 0xa9, 0x1b):                                   fieldTicketRealm,
	tagPath(TagKRBError, 0x30, 0xaa, 0x30, 0xa1, 0x30, 0x1b):                 fieldSName,
	tagPath(TagKRBError, 0x30, 0xab, 0x1b):                                   fieldErrorText,
}

// paths inside PA-DATA values
var (
	encryptedETypePath  = tagPath(0x30, 0xa0, 0x02)
	encryptedCipherPath = tagPath(0x30, 0xa2, 0x04)
	etypeInfo2SaltPath  = tagPath(0x30, 0x30, 0xa1, 0x1b)
	etypeInfoSaltPath   = tagPath(0x30, 0x30, 0xa1, 0x04)
)

// EncryptedData is an etype and its cipher text.
type EncryptedData struct {
	EType  int64
	Cipher []byte
}

// Message holds what was found in one KDC message.
type Message struct {
	Type        byte
	CName       []string
	Realm       string
	SName       []string
	TicketRealm string
	TicketSName []string
	Salt        string
	// EncTimestamp is the PA-ENC-TIMESTAMP of an AS-REQ.
	EncTimestamp *EncryptedData
	// EncPart is the enc-part of an AS-REP.
	EncPart *EncryptedData
	// Ticket is the ticket enc-part of a TGS-REP.
	Ticket    *EncryptedData
	ErrorCode int64
	ErrorText string
}

// User returns the joined client principal name.
func (m *Message) User() string { return strings.Join(m.CName, "/") }

// SPN returns the joined service principal name of a request or error.
func (m *Message) SPN() string { return strings.Join(m.SName, "/") }

// TicketSPN returns the joined service principal name of a ticket.
func (m *Message) TicketSPN() string { return strings.Join(m.TicketSName, "/") }

// ParseMessage walks der and collects the fields of a KDC message.
func ParseMessage(der []byte) (*Message, error) {
	if len(der) == 0 || !knownTag(der[0]) {
		return nil, ErrNotKerberos
	}
	m := &Message{Type: der[0]}
	paType := int64(-1)
	err := walk(der, func(path string, content []byte) {
		f, ok := fieldPaths[path]
		if !ok {
			return
		}
		switch f {
		case fieldCName:
			m.CName = append(m.CName, string(content))
		case fieldRealm:
			if m.Realm == "" {
				m.Realm = string(content)
			}
		case fieldSName:
			m.SName = append(m.SName, string(content))
		case fieldTicketRealm:
			m.TicketRealm = string(content)
		case fieldTicketSName:
			m.TicketSName = append(m.TicketSName, string(content))
		case fieldPAType:
			paType, _ = integer(content)
		case fieldPAValue:
			m.paData(paType, content)
			paType = -1
		case fieldEncEType:
			m.encPart().EType, _ = integer(content)
		case fieldEncCipher:
			m.encPart().Cipher = content
		case fieldTicketEType:
			m.ticket().EType, _ = integer(content)
		case fieldTicketCipher:
			m.ticket().Cipher = content
		case fieldErrorCode:
			m.ErrorCode, _ = integer(content)
		case fieldErrorText:
			m.ErrorText = string(content)
		}
	})
	return m, err
}

func (m *Message) encPart() *EncryptedData {
	if m.EncPart == nil {
		m.EncPart = &EncryptedData{}
	}
	return m.EncPart
}

func (m *Message) ticket() *EncryptedData {
	if m.Ticket == nil {
		m.Ticket = &EncryptedData{}
	}
	return m.Ticket
}

// paData handles the PA-DATA values carried as nested DER in OCTET STRINGs.
func (m *Message) paData(typ int64, value []byte) {
	switch typ {
	case paEncTimestamp:
		ed := &EncryptedData{}
		_ = walk(value, func(path string, content []byte) {
			switch path {
			case encryptedETypePath:
				ed.EType, _ = integer(content)
			case encryptedCipherPath:
				ed.Cipher = content
			}
		})
		if len(ed.Cipher) > 0 {
			m.EncTimestamp = ed
		}
	case paETypeInfo2, paETypeInfo:
		_ = walk(value, func(path string, content []byte) {
			if (path == etypeInfo2SaltPath || path == etypeInfoSaltPath) && m.Salt == "" {
				m.Salt = string(content)
			}
		})
	}
}

// TypeString names a message type.
func TypeString(t byte) string {
	switch t {
	case TagASReq:
		return "AS-REQ"
	case TagASRep:
		return "AS-REP"
	case TagTGSReq:
		return "TGS-REQ"
	case TagTGSRep:
		return "TGS-REP"
	case TagAPReq:
		return "AP-REQ"
	case TagAPRep:
		return "AP-REP"
	case TagKRBError:
		return "KRB-ERROR"
	}
	return "unknown"
}

var errorNames = map[int64]string{
	6:  "KDC_ERR_C_PRINCIPAL_UNKNOWN",
	7:  "KDC_ERR_S_PRINCIPAL_UNKNOWN",
	12: "KDC_ERR_POLICY",
	14: "KDC_ERR_ETYPE_NOSUPP",
	18: "KDC_ERR_CLIENT_REVOKED",
	23: "KDC_ERR_KEY_EXPIRED",
	24: "KDC_ERR_PREAUTH_FAILED",
	25: "KDC_ERR_PREAUTH_REQUIRED",
	31: "KRB_AP_ERR_BAD_INTEGRITY",
	32: "KRB_AP_ERR_TKT_EXPIRED",
	37: "KRB_AP_ERR_SKEW",
	41: "KRB_AP_ERR_MODIFIED",
	52: "KRB_ERR_RESPONSE_TOO_BIG",
	68: "KDC_ERR_WRONG_REALM",
}

// ErrorString names a KRB-ERROR code.
func ErrorString(code int64) string {
	if n, ok := errorNames[code]; ok {
		return n
	}
	return "KRB_ERR_UNKNOWN"
}
