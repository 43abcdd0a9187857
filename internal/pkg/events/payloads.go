package events

import (
	"net/netip"
	"time"

	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/types"
)

// NameValue is one entry of an ordered multimap.
type NameValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Parameters is a block of name/value pairs extracted from one message,
// such as form fields, query strings or certificate attributes.
type Parameters struct {
	Flow           types.FiveTuple `json:"-"`
	Source         netip.Addr      `json:"source"`
	Destination    netip.Addr      `json:"destination"`
	ClientToServer bool            `json:"client_to_server"`
	Label          string          `json:"label"`
	Params         []NameValue     `json:"params"`
}

// Get returns the first value for name.
func (p *Parameters) Get(name string) (string, bool) {
	for _, nv := range p.Params {
		if nv.Name == name {
			return nv.Value, true
		}
	}
	return "", false
}

// Value returns the first value for name, or "" when it is absent.
func (p *Parameters) Value(name string) string {
	v, _ := p.Get(name)
	return v
}

// Credential wraps a credential pushed to the credential store.
type Credential struct {
	Credential types.NetworkCredential `json:"credential"`
}

// HostDetected announces a host seen for the first time.
type HostDetected struct {
	IP netip.Addr `json:"ip"`
}

// DNSRecord is one DNS question or answer.
type DNSRecord struct {
	Flow          types.FiveTuple `json:"-"`
	Server        netip.Addr      `json:"server"`
	Client        netip.Addr      `json:"client"`
	TransactionID uint16          `json:"transaction_id"`
	Name          string          `json:"name"`
	Type          string          `json:"type"`
	TTL           uint32          `json:"ttl"`
	Value         string          `json:"value,omitempty"`
	Response      bool            `json:"response"`
}

// Anomaly describes a protocol inconsistency or a threat-intel hit.
type Anomaly struct {
	Handler string          `json:"handler,omitempty"`
	Flow    types.FiveTuple `json:"-"`
	Message string          `json:"message"`
}

// VoIPCall summarizes one SIP call.
type VoIPCall struct {
	CallID      string            `json:"call_id"`
	From        string            `json:"from"`
	To          string            `json:"to"`
	Start       time.Time         `json:"start"`
	End         time.Time         `json:"end"`
	MediaFlows  []types.FiveTuple `json:"-"`
	Established bool              `json:"established"`
}

// Message is a chat, email or typed-text style message.
type Message struct {
	Protocol   string          `json:"protocol"`
	Flow       types.FiveTuple `json:"-"`
	From       string          `json:"from"`
	To         string          `json:"to"`
	Subject    string          `json:"subject"`
	Body       string          `json:"body"`
	Attributes []NameValue     `json:"attributes,omitempty"`
}

// Audio describes a reconstructed audio stream.
type Audio struct {
	Flow     types.FiveTuple `json:"-"`
	CallID   string          `json:"call_id,omitempty"`
	Codec    string          `json:"codec"`
	Filename string          `json:"filename"`
	Duration time.Duration   `json:"duration"`
}

// FileCompleted carries a finished artifact.
type FileCompleted struct {
	Artifact *types.Artifact `json:"artifact"`
}
