package types

import (
	"net/netip"
	"sync"
	"time"
)

// NetworkCredential is an immutable credential record. Password holds either
// a cleartext secret or a crackable hash string when IsHash is set.
type NetworkCredential struct {
	Client   netip.Addr `json:"client"`
	Server   netip.Addr `json:"server"`
	Protocol string     `json:"protocol"`
	Username string     `json:"username"`
	Password string     `json:"password"`
	Realm    string     `json:"realm,omitempty"`
	IsHash   bool       `json:"is_hash"`
	Frame    uint64     `json:"frame"`
	Time     time.Time  `json:"time"`
}

type credentialKey struct {
	client, server     netip.Addr
	protocol, username string
	password, realm    string
}

// CredentialStore is the append-only sink credentials are pushed into.
// Repeated sightings of the same credential are dropped.
type CredentialStore struct {
	mu    sync.Mutex
	max   int
	seen  map[credentialKey]struct{}
	creds []NetworkCredential
}

// NewCredentialStore creates a store holding at most max credentials
// (0 means the default of 100000).
func NewCredentialStore(max int) *CredentialStore {
	if max <= 0 {
		max = 100000
	}
	return &CredentialStore{max: max, seen: make(map[credentialKey]struct{})}
}

// Add appends c and reports whether it was new.
func (s *CredentialStore) Add(c NetworkCredential) bool {
	key := credentialKey{c.Client, c.Server, c.Protocol, c.Username, c.Password, c.Realm}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.seen[key]; dup || len(s.creds) >= s.max {
		return false
	}
	s.seen[key] = struct{}{}
	s.creds = append(s.creds, c)
	return true
}

// All returns a copy of the stored credentials in arrival order.
func (s *CredentialStore) All() []NetworkCredential {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]NetworkCredential(nil), s.creds...)
}

// Len returns the number of stored credentials.
func (s *CredentialStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.creds)
}

// Reset drops all credentials.
func (s *CredentialStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = make(map[credentialKey]struct{})
	s.creds = nil
}
