package dispatch

import (
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/c2"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/dns"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/email"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/handler"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/http"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/http2"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/iec104"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/kerberos"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/smb2"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/tftp"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/tls"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/vnc"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/voip"
)

// NewDefault returns a dispatcher with every protocol handler registered.
// DNS messages found in DoH requests and responses are handed to the DNS
// handler. The RTP handler claims any UDP datagram of a tracked call, so it
// comes after every other UDP handler.
func NewDefault(env *handler.Env) *Dispatcher {
	d := New(env)

	dnsHandler := dns.NewHandler(env)
	h2 := http2.NewHandler(env)
	h2.SetDNSHandler(dnsHandler.HandleMessage)
	sip := voip.NewHandler(env)

	d.Register(dnsHandler)
	d.Register(tls.NewHandler(env))
	d.Register(h2)
	d.Register(http.NewHandler(env))
	d.Register(email.NewSMTPHandler(env))
	d.Register(email.NewIMAPHandler(env))
	d.Register(smb2.NewHandler(env))
	d.Register(kerberos.NewHandler(env))
	d.Register(vnc.NewHandler(env))
	d.Register(iec104.NewHandler(env))
	d.Register(c2.NewNjRAT(env))
	d.Register(c2.NewBackConnect(env))
	d.Register(c2.NewMeterpreter(env))
	d.Register(tftp.NewHandler(env))
	d.Register(sip)
	d.Register(sip.RTP())
	return d
}
