package dns

import (
	"math"
	"strings"
	"sync"

	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/cache"
)

// TunnelingConfig holds configuration for tunneling detection.
type TunnelingConfig struct {
	// EntropyThreshold is the Shannon entropy above which a subdomain is
	// treated as encoded data.
	EntropyThreshold float64

	// MinSubdomainLength is the minimum subdomain length to analyze.
	MinSubdomainLength int

	// MaxUniqueSubdomains is the number of unique subdomains that saturates
	// the subdomain factor.
	MaxUniqueSubdomains int

	// MaxDomains bounds the number of tracked base domains.
	MaxDomains int

	// AlertThreshold is the score at which an anomaly is raised.
	AlertThreshold float64
}

// DefaultTunnelingConfig returns the default tunneling detection configuration.
func DefaultTunnelingConfig() TunnelingConfig {
	return TunnelingConfig{
		EntropyThreshold:    3.5,
		MinSubdomainLength:  20,
		MaxUniqueSubdomains: 100,
		MaxDomains:          5000,
		AlertThreshold:      0.7,
	}
}

// maxTrackedSubdomains bounds the unique subdomain set per domain.
const maxTrackedSubdomains = 1000

// domainStats tracks statistics for a domain to detect tunneling.
type domainStats struct {
	SubdomainCount   int64
	TotalQueryLength int64
	QueryCount       int64
	UniqueSubdomains map[string]struct{}
	HighEntropyCount int64
	TXTQueryCount    int64
	NULLQueryCount   int64
	Alerted          bool
}

// TunnelingDetector scores base domains for DNS tunneling indicators. Its
// domain table is a bounded LRU; evicted domains are simply forgotten.
type TunnelingDetector struct {
	mu      sync.Mutex
	config  TunnelingConfig
	domains *cache.LRU[string, *domainStats]
}

// NewTunnelingDetector creates a detector.
func NewTunnelingDetector(config TunnelingConfig) *TunnelingDetector {
	def := DefaultTunnelingConfig()
	if config.EntropyThreshold == 0 {
		config.EntropyThreshold = def.EntropyThreshold
	}
	if config.MinSubdomainLength == 0 {
		config.MinSubdomainLength = def.MinSubdomainLength
	}
	if config.MaxUniqueSubdomains == 0 {
		config.MaxUniqueSubdomains = def.MaxUniqueSubdomains
	}
	if config.MaxDomains == 0 {
		config.MaxDomains = def.MaxDomains
	}
	if config.AlertThreshold == 0 {
		config.AlertThreshold = def.AlertThreshold
	}
	return &TunnelingDetector{
		config:  config,
		domains: cache.New[string, *domainStats](config.MaxDomains, nil),
	}
}

// Analyze records a query and returns the base domain and its current
// score. alert is true the first time the score reaches the alert
// threshold for that domain.
func (td *TunnelingDetector) Analyze(name, qtype string) (baseDomain string, score float64, alert bool) {
	if name == "" {
		return "", 0, false
	}
	entropy := calculateEntropy(name)
	baseDomain, subdomain := extractDomainParts(name)
	if baseDomain == "" {
		return "", 0, false
	}

	td.mu.Lock()
	defer td.mu.Unlock()

	stats, _ := td.domains.GetOrAdd(baseDomain, func() *domainStats {
		return &domainStats{UniqueSubdomains: make(map[string]struct{})}
	})

	stats.QueryCount++
	stats.TotalQueryLength += int64(len(name))
	if subdomain != "" {
		stats.SubdomainCount++
		if len(stats.UniqueSubdomains) < maxTrackedSubdomains {
			stats.UniqueSubdomains[subdomain] = struct{}{}
		}
		if len(subdomain) >= td.config.MinSubdomainLength && calculateEntropy(subdomain) >= td.config.EntropyThreshold {
			stats.HighEntropyCount++
		}
	}
	switch qtype {
	case "TXT":
		stats.TXTQueryCount++
	case "NULL":
		stats.NULLQueryCount++
	}

	score = td.calculateScore(stats, entropy)
	if score >= td.config.AlertThreshold && !stats.Alerted {
		stats.Alerted = true
		alert = true
	}
	return baseDomain, score, alert
}

// Reset forgets every domain.
func (td *TunnelingDetector) Reset() {
	td.domains.Clear()
}

// calculateScore computes a tunneling probability score.
func (td *TunnelingDetector) calculateScore(stats *domainStats, entropy float64) float64 {
	var score float64

	// Factor 1: High entropy in query name (0-0.3)
	if entropy >= td.config.EntropyThreshold {
		entropyFactor := entropy - td.config.EntropyThreshold
		if entropyFactor > 1.0 {
			entropyFactor = 1.0
		}
		score += entropyFactor * 0.3
	}

	// Factor 2: Many unique subdomains (0-0.25)
	if len(stats.UniqueSubdomains) > 10 {
		subdomainFactor := float64(len(stats.UniqueSubdomains)) / float64(td.config.MaxUniqueSubdomains)
		if subdomainFactor > 1.0 {
			subdomainFactor = 1.0
		}
		score += subdomainFactor * 0.25
	}

	// Factor 3: High proportion of high-entropy subdomains (0-0.2)
	if stats.SubdomainCount > 0 {
		score += float64(stats.HighEntropyCount) / float64(stats.SubdomainCount) * 0.2
	}

	// Factor 4: Suspicious record types (0-0.15)
	suspicious := stats.TXTQueryCount + stats.NULLQueryCount
	if stats.QueryCount > 0 && suspicious > 0 {
		score += float64(suspicious) / float64(stats.QueryCount) * 0.15
	}

	// Factor 5: Long query names (0-0.1)
	if stats.QueryCount > 0 {
		avgLength := float64(stats.TotalQueryLength) / float64(stats.QueryCount)
		if avgLength > 50 {
			lengthFactor := (avgLength - 50) / 100
			if lengthFactor > 1.0 {
				lengthFactor = 1.0
			}
			score += lengthFactor * 0.1
		}
	}

	if score > 1.0 {
		score = 1.0
	}
	return score
}

// calculateEntropy computes Shannon entropy of a string.
func calculateEntropy(s string) float64 {
	if len(s) == 0 {
		return 0
	}

	// Count character frequencies (case-insensitive)
	freq := make(map[rune]int)
	total := 0
	for _, c := range strings.ToLower(s) {
		if c != '.' { // Ignore dots in domain names
			freq[c]++
			total++
		}
	}

	if total == 0 {
		return 0
	}

	// Calculate entropy
	var entropy float64
	for _, count := range freq {
		p := float64(count) / float64(total)
		if p > 0 {
			entropy -= p * math.Log2(p)
		}
	}

	return entropy
}

// extractDomainParts extracts the base domain and subdomain from a FQDN.
// For example, "data.example.com" returns ("example.com", "data")
func extractDomainParts(fqdn string) (baseDomain, subdomain string) {
	// Remove trailing dot if present
	fqdn = strings.TrimSuffix(fqdn, ".")
	fqdn = strings.ToLower(fqdn)

	parts := strings.Split(fqdn, ".")
	if len(parts) < 2 {
		return fqdn, ""
	}

	// Handle common TLDs (simple heuristic)
	// For proper handling, would need a public suffix list
	if len(parts) >= 2 {
		// Check for two-part TLDs like co.uk, com.au
		lastPart := parts[len(parts)-1]
		secondLast := parts[len(parts)-2]

		isTwoPartTLD := false
		twoPartTLDs := map[string]map[string]bool{
			"uk": {"co": true, "org": true, "ac": true, "gov": true},
			"au": {"com": true, "org": true, "net": true, "edu": true},
			"nz": {"co": true, "org": true, "net": true},
			"jp": {"co": true, "or": true, "ne": true, "ac": true},
		}
		if domains, ok := twoPartTLDs[lastPart]; ok {
			if domains[secondLast] {
				isTwoPartTLD = true
			}
		}

		if isTwoPartTLD && len(parts) >= 3 {
			baseDomain = strings.Join(parts[len(parts)-3:], ".")
			if len(parts) > 3 {
				subdomain = strings.Join(parts[:len(parts)-3], ".")
			}
		} else {
			baseDomain = strings.Join(parts[len(parts)-2:], ".")
			if len(parts) > 2 {
				subdomain = strings.Join(parts[:len(parts)-2], ".")
			}
		}
	}

	return baseDomain, subdomain
}
