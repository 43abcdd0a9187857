package types

import "time"

// ArtifactKind says which protocol machinery reconstructed an artifact.
type ArtifactKind int

const (
	ArtifactHTTPGet ArtifactKind = iota
	ArtifactHTTPPost
	ArtifactHTTP2
	ArtifactSMTP
	ArtifactIMAP
	ArtifactTLSCertificate
	ArtifactSMB2
	ArtifactTFTP
	ArtifactVNCScreenshot
	ArtifactIEC104
	ArtifactC2
	ArtifactAudio
	ArtifactMultipart
)

var artifactKindNames = [...]string{
	"HTTP GET", "HTTP POST", "HTTP/2", "SMTP", "IMAP", "TLS certificate",
	"SMB2", "TFTP", "VNC screenshot", "IEC-104", "C2", "audio", "multipart",
}

func (k ArtifactKind) String() string {
	if int(k) >= 0 && int(k) < len(artifactKindNames) {
		return artifactKindNames[k]
	}
	return "unknown"
}

// Artifact is a completed reconstructed file. It is handed to the output
// collaborator and never touched by the core after emission.
type Artifact struct {
	ID             string
	Flow           FiveTuple
	ClientToServer bool
	Kind           ArtifactKind
	Filename       string
	Location       string
	Details        string
	ContentType    string
	Extension      string
	DeclaredLength int64
	Data           []byte
	MD5            string
	SHA256         string
	BLAKE3         string
	// Truncated is set when the artifact is smaller than declared, had
	// data cut off at a size cap, or was flushed by eviction.
	Truncated bool
	Frame     uint64
	Time      time.Time
}

// Size returns the artifact length.
func (a *Artifact) Size() int {
	return len(a.Data)
}
