// Package handlertest provides fixtures for handler tests.
package handlertest

import (
	"net/netip"
	"time"

	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/config"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/events"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/handler"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/packet"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/types"
)

// Epoch is the capture time of frame 1.
var Epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// Fixture is an environment with a recorder attached to its bus.
type Fixture struct {
	Env      *handler.Env
	Recorder *events.Recorder
	frames   uint64
}

// New builds a fixture with the default configuration. mutate, when
// non-nil, can adjust the configuration first.
func New(mutate func(*config.Config)) *Fixture {
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	bus := events.NewBus()
	return &Fixture{
		Env:      handler.NewEnv(cfg, bus, nil, nil),
		Recorder: events.NewRecorder(bus),
	}
}

// Frame returns the next frame, one second after the previous one.
func (fx *Fixture) Frame() *packet.Frame {
	fx.frames++
	return &packet.Frame{
		Number:    fx.frames,
		Timestamp: Epoch.Add(time.Duration(fx.frames-1) * time.Second),
	}
}

// Session creates a session between client and server.
func (fx *Fixture) Session(client string, clientPort uint16, server string, serverPort uint16, transport types.Transport) *types.Session {
	flow := types.FiveTuple{
		ClientIP:   netip.MustParseAddr(client),
		ServerIP:   netip.MustParseAddr(server),
		ClientPort: clientPort,
		ServerPort: serverPort,
		Transport:  transport,
	}
	c, _ := fx.Env.Hosts.GetOrCreate(flow.ClientIP)
	s, _ := fx.Env.Hosts.GetOrCreate(flow.ServerIP)
	return types.NewSession(flow, c, s, Epoch)
}

// TCP wraps payload in a TCP packet travelling in the given direction.
func (fx *Fixture) TCP(s *types.Session, clientToServer bool, f *packet.Frame, payload []byte) *packet.TCP {
	sp, dp := s.Flow.ClientPort, s.Flow.ServerPort
	if !clientToServer {
		sp, dp = dp, sp
	}
	return packet.NewTCP(f, sp, dp, 0, payload)
}

// UDP wraps payload in a UDP packet travelling in the given direction.
func (fx *Fixture) UDP(s *types.Session, clientToServer bool, f *packet.Frame, payload []byte) *packet.UDP {
	sp, dp := s.Flow.ClientPort, s.Flow.ServerPort
	if !clientToServer {
		sp, dp = dp, sp
	}
	return packet.NewUDP(f, sp, dp, payload)
}
