// Package intel holds the static threat-intelligence dictionaries the TLS
// handler matches fingerprints and certificates against.
package intel

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultTables []byte

// Tables maps fingerprints to labels. Tables are immutable once loaded and
// safe for concurrent lookups.
type Tables struct {
	JA3          map[string]string `yaml:"ja3"`
	JA3S         map[string]string `yaml:"ja3s"`
	Certificates map[string]string `yaml:"certificates"`
}

// Default returns the built-in tables.
func Default() *Tables {
	t, err := Parse(defaultTables)
	if err != nil {
		// the embedded file is part of the build
		panic(fmt.Sprintf("intel: invalid embedded tables: %v", err))
	}
	return t
}

// Load reads tables from a YAML file. An empty path yields the defaults.
func Load(path string) (*Tables, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read intel file: %w", err)
	}
	t, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse intel file %s: %w", path, err)
	}
	return t, nil
}

// Parse decodes YAML tables. Keys are normalized to lowercase hex.
func Parse(data []byte) (*Tables, error) {
	var raw Tables
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return &Tables{
		JA3:          normalize(raw.JA3),
		JA3S:         normalize(raw.JA3S),
		Certificates: normalize(raw.Certificates),
	}, nil
}

func normalize(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		k = strings.ToLower(strings.ReplaceAll(strings.TrimSpace(k), ":", ""))
		out[k] = v
	}
	return out
}

// LookupJA3 returns the label of a client fingerprint.
func (t *Tables) LookupJA3(hash string) (string, bool) {
	if t == nil {
		return "", false
	}
	v, ok := t.JA3[strings.ToLower(hash)]
	return v, ok
}

// LookupJA3S returns the label of a server fingerprint.
func (t *Tables) LookupJA3S(hash string) (string, bool) {
	if t == nil {
		return "", false
	}
	v, ok := t.JA3S[strings.ToLower(hash)]
	return v, ok
}

// LookupCertificate returns the label of a certificate SHA-1 thumbprint.
func (t *Tables) LookupCertificate(sha1 string) (string, bool) {
	if t == nil {
		return "", false
	}
	v, ok := t.Certificates[strings.ToLower(strings.ReplaceAll(sha1, ":", ""))]
	return v, ok
}
