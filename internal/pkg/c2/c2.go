// Package c2 follows the command-and-control channels of a few remote
// access trojans: njRAT's length-prefixed text commands, BackConnect's
// fixed size control frames with their shell and file manager sessions,
// and Meterpreter's stage download and TLV packets.
package c2

import (
	"errors"
	"strings"

	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/assembler"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/handler"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/packet"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/types"
)

var (
	ErrIncomplete = errors.New("c2: incomplete message")
	ErrMalformed  = errors.New("c2: malformed message")
)

// transcript collects the bytes of an interactive session, both directions
// interleaved, into one text artifact.
type transcript struct {
	a *assembler.StreamAssembler
}

func openTranscript(env *handler.Env, s *types.Session, f *packet.Frame, protocol, id, filename string) *transcript {
	a := env.Files.NewStream(assembler.Options{
		Flow: s.Flow,
		// never the flow's sequential body assembler
		StreamID:       id,
		Kind:           types.ArtifactC2,
		Filename:       filename,
		Location:       handler.FileLocation(s, false, protocol),
		Details:        protocol + " session transcript",
		ContentType:    "text/plain",
		DeclaredLength: -1,
		Frame:          f.Number,
		Time:           f.Timestamp,
	})
	if !a.TryActivate() {
		return nil
	}
	return &transcript{a: a}
}

func (t *transcript) write(b []byte) {
	if t == nil || len(b) == 0 {
		return
	}
	_, _ = t.a.AddData(b, assembler.NoSequence)
}

// close emits the transcript unless nothing was written.
func (t *transcript) close() {
	if t == nil {
		return
	}
	if t.a.Received() == 0 {
		t.a.Discard()
		return
	}
	t.a.AssembleAndClose()
}

func (t *transcript) discard() {
	if t != nil {
		t.a.Discard()
	}
}

// printable replaces control characters other than tab with spaces.
func printable(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 && r != '\t' || r == 0x7f {
			return ' '
		}
		return r
	}, s)
}
