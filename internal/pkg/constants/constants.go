// Package constants provides shared defaults and caps used across the
// extraction engine.
package constants

import "time"

// Cache capacities
//
// Every handler keeps its per-flow state in a bounded LRU. The capacities
// below are the defaults; config can override the session and handler state
// capacities.
const (
	// DefaultSessionCapacity is the number of live transport sessions kept by
	// the capture engine
	DefaultSessionCapacity = 10000

	// DefaultHandlerStateCapacity is the per-handler session state capacity
	DefaultHandlerStateCapacity = 1000

	// DefaultAssemblerCapacity is the number of in-flight file assemblers
	DefaultAssemblerCapacity = 2000

	// DefaultRequestCacheCapacity bounds request/response correlation caches
	// (SMB2 message IDs, HTTP/2 streams)
	DefaultRequestCacheCapacity = 4000
)

// Size caps
const (
	// MaxTLSRecordLength is the largest TLS plaintext record; longer records
	// are skipped
	MaxTLSRecordLength = 16384

	// DefaultMaxArtifactSize caps a single reconstructed file
	DefaultMaxArtifactSize = 64 * 1024 * 1024

	// DefaultMaxPendingBytes caps unconsumed stream bytes per flow direction
	DefaultMaxPendingBytes = 16 * 1024 * 1024

	// MaxEmailSize caps a reassembled email (SMTP DATA, IMAP literal)
	MaxEmailSize = 32 * 1024 * 1024

	// MaxLineLength caps a single protocol command or header line
	MaxLineLength = 64 * 1024

	// MaxHPACKDynamicEntries caps an HPACK dynamic table
	MaxHPACKDynamicEntries = 100

	// MaxC2MessageSize caps a single malware C2 message
	MaxC2MessageSize = 16 * 1024 * 1024
)

// VNC screenshot throttling
const (
	// DefaultVNCMaxFPS is the default screenshot rate limit
	DefaultVNCMaxFPS = 1.0

	// MinVNCPixelThreshold and MaxVNCPixelThreshold clamp the changed-pixel
	// count that triggers a screenshot
	MinVNCPixelThreshold = 40000
	MaxVNCPixelThreshold = 2304000

	// MaxVNCFramebufferPixels caps the framebuffer kept per session
	MaxVNCFramebufferPixels = 4096 * 4096
)

// Timeouts
const (
	// SessionIdleTimeout closes capture sessions without traffic
	SessionIdleTimeout = 10 * time.Minute

	// MetricsShutdownTimeout bounds the metrics server shutdown
	MetricsShutdownTimeout = 2 * time.Second
)
