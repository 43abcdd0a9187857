package dns

import (
	"fmt"
	"strings"

	"github.com/google/gopacket/layers"
)

// formatAnswer renders the RDATA of an answer.
func formatAnswer(a layers.DNSResourceRecord) string {
	switch a.Type {
	case layers.DNSTypeA, layers.DNSTypeAAAA:
		return a.IP.String()
	case layers.DNSTypeCNAME:
		return string(a.CNAME)
	case layers.DNSTypeNS:
		return string(a.NS)
	case layers.DNSTypePTR:
		return string(a.PTR)
	case layers.DNSTypeMX:
		return fmt.Sprintf("%d %s", a.MX.Preference, string(a.MX.Name))
	case layers.DNSTypeTXT:
		var parts []string
		for _, txt := range a.TXTs {
			parts = append(parts, string(txt))
		}
		return strings.Join(parts, " ")
	case layers.DNSTypeSOA:
		return fmt.Sprintf("%s %s", string(a.SOA.MName), string(a.SOA.RName))
	case layers.DNSTypeSRV:
		return fmt.Sprintf("%d %d %d %s", a.SRV.Priority, a.SRV.Weight, a.SRV.Port, string(a.SRV.Name))
	default:
		return fmt.Sprintf("<data %d bytes>", len(a.Data))
	}
}

// typeString converts a record type to its mnemonic.
func typeString(t layers.DNSType) string {
	switch t {
	case layers.DNSTypeA:
		return "A"
	case layers.DNSTypeNS:
		return "NS"
	case layers.DNSTypeCNAME:
		return "CNAME"
	case layers.DNSTypeSOA:
		return "SOA"
	case layers.DNSTypePTR:
		return "PTR"
	case layers.DNSTypeMX:
		return "MX"
	case layers.DNSTypeTXT:
		return "TXT"
	case layers.DNSTypeAAAA:
		return "AAAA"
	case layers.DNSTypeSRV:
		return "SRV"
	case layers.DNSTypeNULL:
		return "NULL"
	case layers.DNSTypeOPT:
		return "OPT"
	default:
		return fmt.Sprintf("TYPE%d", uint16(t))
	}
}
