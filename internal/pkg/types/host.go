package types

import (
	"net/netip"
	"sort"
	"strings"
	"sync"
)

const (
	maxHostDetails = 256
	maxHostBanners = 32
	maxHostStrings = 128
)

// NetworkHost accumulates everything learned about one IP address. Hosts are
// shared by every flow that touches the address, so all access goes through
// the embedded lock.
type NetworkHost struct {
	IP netip.Addr

	mu          sync.RWMutex
	hostnames   []string
	domainNames []string
	banners     []string
	ja3         []string
	ja3s        []string
	details     map[string]string
}

// NewNetworkHost creates an empty host record.
func NewNetworkHost(ip netip.Addr) *NetworkHost {
	return &NetworkHost{IP: ip, details: make(map[string]string)}
}

func appendUnique(list []string, v string, limit int) ([]string, bool) {
	if v == "" {
		return list, false
	}
	for _, existing := range list {
		if strings.EqualFold(existing, v) {
			return list, false
		}
	}
	if len(list) >= limit {
		return list, false
	}
	return append(list, v), true
}

// AddHostname records a hostname. It returns true when the name was new.
func (h *NetworkHost) AddHostname(name string) bool {
	name = strings.TrimSuffix(strings.TrimSpace(name), ".")
	h.mu.Lock()
	defer h.mu.Unlock()
	var added bool
	h.hostnames, added = appendUnique(h.hostnames, name, maxHostStrings)
	return added
}

// AddDomainName records a domain name such as an AD or NetBIOS domain.
func (h *NetworkHost) AddDomainName(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	var added bool
	h.domainNames, added = appendUnique(h.domainNames, strings.TrimSpace(name), maxHostStrings)
	return added
}

// AddBanner records a service banner (SMTP greeting, HTTP Server header...).
func (h *NetworkHost) AddBanner(banner string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	var added bool
	h.banners, added = appendUnique(h.banners, strings.TrimSpace(banner), maxHostBanners)
	return added
}

// AddJA3 records a client TLS fingerprint.
func (h *NetworkHost) AddJA3(hash string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	var added bool
	h.ja3, added = appendUnique(h.ja3, hash, maxHostStrings)
	return added
}

// AddJA3S records a server TLS fingerprint.
func (h *NetworkHost) AddJA3S(hash string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	var added bool
	h.ja3s, added = appendUnique(h.ja3s, hash, maxHostStrings)
	return added
}

// AddDetail sets a free-form key/value detail. Existing keys are
// overwritten; new keys are dropped once the detail map is full.
func (h *NetworkHost) AddDetail(key, value string) {
	if key == "" || value == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.details[key]; !ok && len(h.details) >= maxHostDetails {
		return
	}
	h.details[key] = value
}

// Hostnames returns a copy of the recorded hostnames.
func (h *NetworkHost) Hostnames() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]string(nil), h.hostnames...)
}

// DomainNames returns a copy of the recorded domain names.
func (h *NetworkHost) DomainNames() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]string(nil), h.domainNames...)
}

// Banners returns a copy of the recorded banners.
func (h *NetworkHost) Banners() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]string(nil), h.banners...)
}

// JA3 returns a copy of the recorded client fingerprints.
func (h *NetworkHost) JA3() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]string(nil), h.ja3...)
}

// JA3S returns a copy of the recorded server fingerprints.
func (h *NetworkHost) JA3S() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]string(nil), h.ja3s...)
}

// Detail returns a single detail value.
func (h *NetworkHost) Detail(key string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	v, ok := h.details[key]
	return v, ok
}

// Details returns a copy of the detail map.
func (h *NetworkHost) Details() map[string]string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]string, len(h.details))
	for k, v := range h.details {
		out[k] = v
	}
	return out
}

// HostRegistry owns every NetworkHost of a capture. Hosts are created on
// first sighting and live until Reset.
type HostRegistry struct {
	mu        sync.RWMutex
	hosts     map[netip.Addr]*NetworkHost
	onCreated func(*NetworkHost)
}

// NewHostRegistry creates a registry. onCreated, when non-nil, runs once for
// every newly created host outside the registry lock.
func NewHostRegistry(onCreated func(*NetworkHost)) *HostRegistry {
	return &HostRegistry{
		hosts:     make(map[netip.Addr]*NetworkHost),
		onCreated: onCreated,
	}
}

// GetOrCreate returns the host for ip, creating it on first sighting. The
// boolean is true when the host was created by this call.
func (r *HostRegistry) GetOrCreate(ip netip.Addr) (*NetworkHost, bool) {
	r.mu.RLock()
	h, ok := r.hosts[ip]
	r.mu.RUnlock()
	if ok {
		return h, false
	}

	r.mu.Lock()
	if h, ok = r.hosts[ip]; ok {
		r.mu.Unlock()
		return h, false
	}
	h = NewNetworkHost(ip)
	r.hosts[ip] = h
	r.mu.Unlock()

	if r.onCreated != nil {
		r.onCreated(h)
	}
	return h, true
}

// Lookup returns the host for ip if it exists.
func (r *HostRegistry) Lookup(ip netip.Addr) (*NetworkHost, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.hosts[ip]
	return h, ok
}

// Len returns the number of known hosts.
func (r *HostRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.hosts)
}

// Hosts returns the hosts ordered by address.
func (r *HostRegistry) Hosts() []*NetworkHost {
	r.mu.RLock()
	out := make([]*NetworkHost, 0, len(r.hosts))
	for _, h := range r.hosts {
		out = append(out, h)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].IP.Less(out[j].IP) })
	return out
}

// Reset forgets every host.
func (r *HostRegistry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hosts = make(map[netip.Addr]*NetworkHost)
}
