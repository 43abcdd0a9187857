package output

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/events"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/types"
)

type record struct {
	Type  events.Type `json:"type"`
	Time  time.Time   `json:"time"`
	Frame uint64      `json:"frame"`
	Flow  string      `json:"flow,omitempty"`
	Data  any         `json:"data"`
}

// artifactRecord describes a completed file without its content.
type artifactRecord struct {
	ID             string `json:"id"`
	Kind           string `json:"kind"`
	Filename       string `json:"filename"`
	Location       string `json:"location"`
	Details        string `json:"details,omitempty"`
	ContentType    string `json:"content_type,omitempty"`
	Size           int    `json:"size"`
	DeclaredLength int64  `json:"declared_length,omitempty"`
	MD5            string `json:"md5"`
	SHA256         string `json:"sha256"`
	BLAKE3         string `json:"blake3"`
	Truncated      bool   `json:"truncated,omitempty"`
	ClientToServer bool   `json:"client_to_server"`
}

// EventLog writes every event as one JSON object per line.
type EventLog struct {
	mu    sync.Mutex
	enc   *json.Encoder
	count int
	err   error
}

// NewEventLog creates a log writing to w.
func NewEventLog(w io.Writer) *EventLog {
	return &EventLog{enc: json.NewEncoder(w)}
}

// Attach subscribes the log to every event on bus.
func (l *EventLog) Attach(bus *events.Bus) {
	bus.SubscribeAll(l.Write)
}

// Write appends ev. The first write error is kept and stops the log.
func (l *EventLog) Write(ev *events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return
	}
	rec := record{Type: ev.Type, Time: ev.Time.UTC(), Frame: ev.Frame, Data: ev.Data}
	if flow, ok := flowOf(ev.Data); ok && flow.ClientIP.IsValid() {
		rec.Flow = flow.String()
	}
	if fc, ok := ev.Data.(*events.FileCompleted); ok && fc.Artifact != nil {
		rec.Data = describe(fc.Artifact)
	}
	if err := l.enc.Encode(rec); err != nil {
		l.err = fmt.Errorf("failed to write event: %w", err)
		return
	}
	l.count++
}

// Count returns the number of events written.
func (l *EventLog) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Err returns the first write error.
func (l *EventLog) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func flowOf(data any) (types.FiveTuple, bool) {
	switch d := data.(type) {
	case *events.Parameters:
		return d.Flow, true
	case *events.DNSRecord:
		return d.Flow, true
	case *events.Anomaly:
		return d.Flow, true
	case *events.Message:
		return d.Flow, true
	case *events.Audio:
		return d.Flow, true
	case *events.FileCompleted:
		if d.Artifact != nil {
			return d.Artifact.Flow, true
		}
	}
	return types.FiveTuple{}, false
}

func describe(a *types.Artifact) artifactRecord {
	return artifactRecord{
		ID:             a.ID,
		Kind:           a.Kind.String(),
		Filename:       a.Filename,
		Location:       a.Location,
		Details:        a.Details,
		ContentType:    a.ContentType,
		Size:           a.Size(),
		DeclaredLength: a.DeclaredLength,
		MD5:            a.MD5,
		SHA256:         a.SHA256,
		BLAKE3:         a.BLAKE3,
		Truncated:      a.Truncated,
		ClientToServer: a.ClientToServer,
	}
}
