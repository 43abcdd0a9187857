package assembler

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/events"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/types"
	"github.com/zeebo/blake3"
)

// core holds the state shared by stream and segment assemblers.
type core struct {
	reg  *Registry
	opts Options

	mu        sync.Mutex
	active    bool
	closed    bool
	truncated bool
}

func newCore(r *Registry, opts Options) core {
	if opts.DeclaredLength == 0 && opts.Chunked {
		opts.DeclaredLength = -1
	}
	return core{reg: r, opts: opts}
}

// Key returns the registry key.
func (c *core) Key() Key {
	return Key{Flow: c.opts.Flow, ClientToServer: c.opts.ClientToServer, StreamID: c.opts.StreamID}
}

// IsActive reports whether the assembler accepts data.
func (c *core) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// IsClosed reports whether the assembler was finalized or discarded.
func (c *core) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Filename returns the current target filename.
func (c *core) Filename() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts.Filename
}

// SetFilename revises the target filename, for instance once a
// Content-Disposition header shows up.
func (c *core) SetFilename(name string) {
	if name == "" {
		return
	}
	c.mu.Lock()
	c.opts.Filename = name
	c.mu.Unlock()
}

// SetContentType records the declared content type.
func (c *core) SetContentType(ct string) {
	c.mu.Lock()
	c.opts.ContentType = ct
	c.mu.Unlock()
}

// SetEncoding sets the content encoding applied when finalizing.
func (c *core) SetEncoding(e ContentEncoding) {
	c.mu.Lock()
	c.opts.Encoding = e
	c.mu.Unlock()
}

// SetDetails replaces the free-form details.
func (c *core) SetDetails(d string) {
	c.mu.Lock()
	c.opts.Details = d
	c.mu.Unlock()
}

// MarkTruncated flags the artifact as partial, for instance when the
// sender aborted the transfer.
func (c *core) MarkTruncated() {
	c.mu.Lock()
	c.truncated = true
	c.mu.Unlock()
}

// DeclaredLength returns the expected size or -1.
func (c *core) DeclaredLength() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts.DeclaredLength
}

// tryActivate flips the assembler to active once the registry accepted it.
func (c *core) tryActivate(self Assembler) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	if c.active {
		c.mu.Unlock()
		return true
	}
	c.mu.Unlock()

	if !c.reg.activate(self) {
		return false
	}
	c.mu.Lock()
	c.active = true
	c.mu.Unlock()
	return true
}

// emit builds the artifact from raw and publishes it. Callers have already
// marked the assembler closed.
func (c *core) emit(raw []byte, missing int64, opts Options, truncated bool) {
	limit := c.reg.maxSize
	data, cut, err := Decode(opts.Encoding, raw, limit)
	if err != nil {
		c.reg.anomaly(&opts, fmt.Sprintf("content decoding of %s failed: %v", opts.Filename, err))
		if len(data) == 0 {
			data = raw
		}
	}
	if cut || opts.Truncated {
		truncated = true
	}
	if opts.DeclaredLength >= 0 && int64(len(raw)) != opts.DeclaredLength {
		c.reg.anomaly(&opts, fmt.Sprintf("%s: received %d bytes, expected %d", opts.Filename, len(raw), opts.DeclaredLength))
		if int64(len(raw)) < opts.DeclaredLength {
			truncated = true
		}
	}
	if missing > 0 {
		c.reg.anomaly(&opts, fmt.Sprintf("%s: %d bytes missing", opts.Filename, missing))
		truncated = true
	}

	a := &types.Artifact{
		ID:             uuid.NewString(),
		Flow:           opts.Flow,
		ClientToServer: opts.ClientToServer,
		Kind:           opts.Kind,
		Filename:       opts.Filename,
		Location:       opts.Location,
		Details:        opts.Details,
		ContentType:    opts.ContentType,
		DeclaredLength: opts.DeclaredLength,
		Data:           data,
		Truncated:      truncated,
		Frame:          opts.Frame,
		Time:           opts.Time,
	}
	describe(a)
	c.reg.bus.Emit(events.TypeFileCompleted, opts.Frame, opts.Time, &events.FileCompleted{Artifact: a})
}

// describe fills the digests and the detected type, and appends an
// extension to extension-less filenames.
func describe(a *types.Artifact) {
	md := md5.Sum(a.Data)
	sh := sha256.Sum256(a.Data)
	b3 := blake3.Sum256(a.Data)
	a.MD5 = hex.EncodeToString(md[:])
	a.SHA256 = hex.EncodeToString(sh[:])
	a.BLAKE3 = hex.EncodeToString(b3[:])

	mt := mimetype.Detect(a.Data)
	if a.ContentType == "" {
		a.ContentType = mt.String()
	}
	a.Extension = mt.Extension()
	if a.Filename == "" {
		a.Filename = "unnamed" + a.Extension
	} else if path.Ext(a.Filename) == "" && a.Extension != "" && !strings.HasSuffix(a.Filename, ".") {
		a.Filename += a.Extension
	}
}
