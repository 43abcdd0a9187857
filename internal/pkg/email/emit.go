package email

import (
	"regexp"
	"strings"

	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/assembler"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/events"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/handler"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/packet"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/types"
)

var unsafeFilename = regexp.MustCompile(`[^A-Za-z0-9 ._@-]+`)

// emlName derives a filename from the subject.
func emlName(subject string) string {
	name := strings.TrimSpace(unsafeFilename.ReplaceAllString(subject, "_"))
	if len(name) > 60 {
		name = name[:60]
	}
	if name == "" {
		name = "email"
	}
	return name + ".eml"
}

// publish parses a reassembled email and publishes its headers, a message
// event, the raw .eml file and every attachment. The email travels in the
// given direction.
func publish(env *handler.Env, s *types.Session, clientToServer bool, f *packet.Frame, protocol string, kind types.ArtifactKind, raw []byte, truncated bool) {
	location := handler.FileLocation(s, clientToServer, protocol)
	msg, err := Parse(raw)
	if err != nil {
		env.Anomaly(f, protocol, s.Flow, "malformed email: %v", err)
	}

	subject := ""
	if msg != nil {
		subject = msg.Subject
		env.Parameters(f, s, clientToServer, protocol+" email", msg.Headers)

		attrs := []events.NameValue{}
		if msg.Cc != "" {
			attrs = append(attrs, events.NameValue{Name: "Cc", Value: msg.Cc})
		}
		if msg.Date != "" {
			attrs = append(attrs, events.NameValue{Name: "Date", Value: msg.Date})
		}
		if msg.MessageID != "" {
			attrs = append(attrs, events.NameValue{Name: "Message-ID", Value: msg.MessageID})
		}
		env.Message(f, &events.Message{
			Protocol:   protocol,
			Flow:       s.Flow,
			From:       msg.From,
			To:         msg.To,
			Subject:    msg.Subject,
			Body:       msg.Body,
			Attributes: attrs,
		})
	}

	env.Artifact(f, assembler.Options{
		Flow:           s.Flow,
		ClientToServer: clientToServer,
		Kind:           kind,
		Filename:       emlName(subject),
		Location:       location,
		Details:        subject,
		ContentType:    "message/rfc822",
		Truncated:      truncated,
	}, raw)

	if msg == nil {
		return
	}
	for _, a := range msg.Attachments {
		env.Artifact(f, assembler.Options{
			Flow:           s.Flow,
			ClientToServer: clientToServer,
			Kind:           kind,
			Filename:       a.Filename,
			Location:       location,
			Details:        "attachment of " + emlName(subject),
			ContentType:    a.ContentType,
			Truncated:      truncated,
		}, a.Data)
	}
}
