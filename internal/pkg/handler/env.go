package handler

import (
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/google/uuid"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/assembler"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/config"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/events"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/intel"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/logger"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/metrics"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/packet"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/types"
)

// Env bundles the shared, synchronized collaborators every handler pushes
// into: the event bus, the host registry, the credential sink, the assembler
// registry and the threat-intel tables.
type Env struct {
	Config      *config.Config
	Bus         *events.Bus
	Hosts       *types.HostRegistry
	Credentials *types.CredentialStore
	Files       *assembler.Registry
	Intel       *intel.Tables
	Metrics     *metrics.Metrics
}

// NewEnv wires a fresh environment. A nil cfg uses the defaults; a nil
// Metrics disables instrumentation.
func NewEnv(cfg *config.Config, bus *events.Bus, tables *intel.Tables, m *metrics.Metrics) *Env {
	if cfg == nil {
		cfg = config.Default()
	}
	if bus == nil {
		bus = events.NewBus()
	}
	if tables == nil {
		tables = intel.Default()
	}
	if m != nil {
		bus.WithCounter(m.EventsPublished)
	}
	env := &Env{
		Config:      cfg,
		Bus:         bus,
		Credentials: types.NewCredentialStore(cfg.Limits.MaxCredentials),
		Files: assembler.NewRegistry(cfg.Limits.AssemblerCapacity, cfg.Limits.MaxArtifactSize, bus).
			WithEvictionCounter(m.Eviction("assemblers")),
		Intel:   tables,
		Metrics: m,
	}
	env.Hosts = types.NewHostRegistry(nil)
	return env
}

// Host returns the host for ip, announcing it on the bus the first time it
// is seen.
func (e *Env) Host(f *packet.Frame, ip netip.Addr) *types.NetworkHost {
	h, created := e.Hosts.GetOrCreate(ip)
	if created {
		e.Bus.Emit(events.TypeHostDetected, f.Number, f.Timestamp, &events.HostDetected{IP: ip})
	}
	return h
}

// StateCapacity is the capacity of per-handler session caches.
func (e *Env) StateCapacity() int {
	return e.Config.Limits.HandlerStateCapacity
}

// RequestCapacity is the capacity of request correlation caches.
func (e *Env) RequestCapacity() int {
	return e.Config.Limits.RequestCacheCapacity
}

// Log returns a logger tagged with the handler name.
func (e *Env) Log(handler string) *slog.Logger {
	return logger.With("handler", handler)
}

// Parameters publishes a block of name/value pairs seen in one direction
// of a flow.
func (e *Env) Parameters(f *packet.Frame, s *types.Session, clientToServer bool, label string, params []events.NameValue) {
	if len(params) == 0 {
		return
	}
	src, _ := s.Flow.Source(clientToServer)
	dst, _ := s.Flow.Destination(clientToServer)
	e.Bus.Emit(events.TypeParameters, f.Number, f.Timestamp, &events.Parameters{
		Flow:           s.Flow,
		Source:         src,
		Destination:    dst,
		ClientToServer: clientToServer,
		Label:          label,
		Params:         params,
	})
}

// Anomaly publishes a protocol inconsistency.
func (e *Env) Anomaly(f *packet.Frame, handler string, flow types.FiveTuple, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	logger.Debug("anomaly", "handler", handler, "flow", flow.String(), "frame", f.Number, "message", msg)
	e.Bus.Emit(events.TypeAnomaly, f.Number, f.Timestamp, &events.Anomaly{
		Handler: handler,
		Flow:    flow,
		Message: msg,
	})
}

// Credential pushes a credential to the sink and publishes it when it was
// not seen before. client and server are the authenticating and the
// authenticated side.
func (e *Env) Credential(f *packet.Frame, client, server netip.Addr, protocol, username, secret string, isHash bool, realm string) bool {
	c := types.NetworkCredential{
		Client:   client,
		Server:   server,
		Protocol: protocol,
		Username: username,
		Password: secret,
		Realm:    realm,
		IsHash:   isHash,
		Frame:    f.Number,
		Time:     f.Timestamp,
	}
	if !e.Credentials.Add(c) {
		return false
	}
	e.Bus.Emit(events.TypeCredential, f.Number, f.Timestamp, &events.Credential{Credential: c})
	return true
}

// Message publishes a chat, email or keystroke style message.
func (e *Env) Message(f *packet.Frame, msg *events.Message) {
	e.Bus.Emit(events.TypeMessage, f.Number, f.Timestamp, msg)
}

// Artifact creates, activates and completes a stream assembler for data
// that is already fully in hand, such as a certificate or an email
// attachment.
func (e *Env) Artifact(f *packet.Frame, opts assembler.Options, data []byte) bool {
	opts.Frame = f.Number
	opts.Time = f.Timestamp
	opts.DeclaredLength = int64(len(data))
	if opts.StreamID == "" {
		// never collide with the flow's sequential body assembler
		opts.StreamID = "inline-" + uuid.NewString()
	}
	a := e.Files.NewStream(opts)
	if !a.TryActivate() {
		return false
	}
	if len(data) == 0 {
		return a.AssembleAndClose()
	}
	if _, err := a.AddData(data, assembler.NoSequence); err != nil {
		a.Discard()
		return false
	}
	if !a.IsClosed() {
		// capped by the size limit
		return a.AssembleAndClose()
	}
	return true
}

// FileLocation is the relative directory for files sent by the source of
// the given direction: "<source ip>/<PROTOCOL - server port>".
func FileLocation(s *types.Session, clientToServer bool, protocol string) string {
	ip, _ := s.Flow.Source(clientToServer)
	return fmt.Sprintf("%s/%s - %d", ip, protocol, s.Flow.ServerPort)
}
