package output

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/events"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/logger"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/types"
)

// maxCollisions bounds the [n] suffixes tried for one name.
const maxCollisions = 10000

// ArtifactWriter stores completed artifacts below a root directory as
// <root>/<location>/<filename>. Existing files are never overwritten; a
// clashing name gets a [n] suffix before its extension.
type ArtifactWriter struct {
	root string
	log  *slog.Logger

	mu      sync.Mutex
	written int
	failed  int
}

// NewArtifactWriter creates root if needed.
func NewArtifactWriter(root string) (*ArtifactWriter, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &ArtifactWriter{root: root, log: logger.With("component", "artifacts")}, nil
}

// Attach subscribes the writer to completed files on bus.
func (w *ArtifactWriter) Attach(bus *events.Bus) {
	bus.Subscribe(events.TypeFileCompleted, func(ev *events.Event) {
		fc, ok := ev.Data.(*events.FileCompleted)
		if !ok || fc.Artifact == nil {
			return
		}
		if _, err := w.Write(fc.Artifact); err != nil {
			w.log.Warn("Failed to write artifact",
				"file", fc.Artifact.Filename,
				"frame", ev.Frame,
				"error", err)
		}
	})
}

// Write stores a and returns the path it was written to.
func (w *ArtifactWriter) Write(a *types.Artifact) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	dir := filepath.Join(w.root, sanitizeLocation(a.Location))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		w.failed++
		return "", fmt.Errorf("failed to create artifact directory: %w", err)
	}
	name := sanitizeName(a.Filename)
	if name == "" {
		name = "unnamed" + a.Extension
	}

	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for n := 0; n < maxCollisions; n++ {
		candidate := name
		if n > 0 {
			candidate = fmt.Sprintf("%s[%d]%s", base, n, ext)
		}
		path := filepath.Join(dir, candidate)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			w.failed++
			return "", fmt.Errorf("failed to create artifact file: %w", err)
		}
		_, werr := f.Write(a.Data)
		cerr := f.Close()
		if err := errors.Join(werr, cerr); err != nil {
			w.failed++
			return "", fmt.Errorf("failed to write artifact file: %w", err)
		}
		w.written++
		w.log.Debug("Artifact written", "path", path, "bytes", len(a.Data), "truncated", a.Truncated)
		return path, nil
	}
	w.failed++
	return "", fmt.Errorf("too many files named %q in %s", name, dir)
}

// Stats returns the number of artifacts written and failed.
func (w *ArtifactWriter) Stats() (written, failed int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written, w.failed
}

// sanitizeLocation turns a location such as "10.0.0.1/HTTP - 80" into a
// relative path that cannot leave the root.
func sanitizeLocation(loc string) string {
	var parts []string
	for _, p := range strings.FieldsFunc(loc, func(r rune) bool { return r == '/' || r == '\\' }) {
		p = sanitizeName(p)
		if p == "" {
			continue
		}
		parts = append(parts, p)
	}
	if len(parts) == 0 {
		return "unknown"
	}
	return filepath.Join(parts...)
}

// sanitizeName replaces characters that are unsafe in a file name.
func sanitizeName(name string) string {
	name = strings.Map(func(r rune) rune {
		switch {
		case r < 0x20 || r == 0x7f:
			return '_'
		case strings.ContainsRune(`/\:*?"<>|`, r):
			return '_'
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if name == "." || name == ".." {
		return ""
	}
	if len(name) > 200 {
		ext := filepath.Ext(name)
		if len(ext) > 16 {
			ext = ""
		}
		name = name[:200-len(ext)] + ext
	}
	return name
}
