package rules

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/mkoll/filtercore/api"
)

// AllowlistFile is the top-level YAML allowlist configuration.
type AllowlistFile struct {
	Version int              `yaml:"version"`
	Entries []AllowlistEntry `yaml:"allowlist"`
}

// AllowlistEntry is a single allowlist pattern.
type AllowlistEntry struct {
	// Pattern is a URL glob; '*' matches any run of characters.
	Pattern string `yaml:"pattern"`

	// Document disables all filtering for matching documents.
	Document bool `yaml:"document,omitempty"`

	// Stealth disables only stealth mutations for matching documents.
	Stealth bool `yaml:"stealth,omitempty"`
}

// LoadAllowlistFile reads and validates a YAML allowlist file.
func LoadAllowlistFile(path string) (*AllowlistFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading allowlist file: %w", err)
	}
	return LoadAllowlistBytes(data)
}

// LoadAllowlistBytes parses and validates YAML allowlist data.
func LoadAllowlistBytes(data []byte) (*AllowlistFile, error) {
	var af AllowlistFile
	if err := yaml.Unmarshal(data, &af); err != nil {
		return nil, fmt.Errorf("parsing allowlist YAML: %w", err)
	}
	if af.Version != 1 {
		return nil, fmt.Errorf("unsupported allowlist version: %d (expected 1)", af.Version)
	}
	for i, e := range af.Entries {
		if e.Pattern == "" {
			return nil, fmt.Errorf("allowlist entry %d: pattern is required", i)
		}
	}
	return &af, nil
}

// AllowlistMatcher implements Matcher over a loaded allowlist, first match
// wins. Glob patterns are compiled once and cached.
type AllowlistMatcher struct {
	mu      sync.RWMutex
	file    *AllowlistFile
	path    string
	regexes []*regexp.Regexp
}

// NewAllowlistMatcher creates a matcher from an allowlist file path.
func NewAllowlistMatcher(path string) (*AllowlistMatcher, error) {
	m := &AllowlistMatcher{path: path}
	if err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// NewAllowlistMatcherFromFile creates a matcher from an already-loaded allowlist.
func NewAllowlistMatcherFromFile(af *AllowlistFile) *AllowlistMatcher {
	m := &AllowlistMatcher{}
	m.set(af)
	return m
}

// Reload re-reads the allowlist from disk and recompiles patterns.
func (m *AllowlistMatcher) Reload() error {
	if m.path == "" {
		return nil
	}
	af, err := LoadAllowlistFile(m.path)
	if err != nil {
		return err
	}
	m.set(af)
	return nil
}

func (m *AllowlistMatcher) set(af *AllowlistFile) {
	regexes := make([]*regexp.Regexp, len(af.Entries))
	for i, e := range af.Entries {
		regexes[i] = compileGlob(e.Pattern)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.file = af
	m.regexes = regexes
}

// FindWhiteListRule returns the first allowlist rule matching the document.
func (m *AllowlistMatcher) FindWhiteListRule(url, referrer string, rtype api.RequestType) *Rule {
	return m.find(url, referrer, rtype, false)
}

// FindStealthWhiteListRule returns the first stealth allowlist rule matching
// the document.
func (m *AllowlistMatcher) FindStealthWhiteListRule(url, referrer string, rtype api.RequestType) *Rule {
	return m.find(url, referrer, rtype, true)
}

func (m *AllowlistMatcher) find(url, referrer string, rtype api.RequestType, stealth bool) *Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.file == nil {
		return nil
	}

	// Whitelisting is decided against the document: for subresources the
	// referrer identifies the page, for navigations the URL itself does.
	target := url
	if rtype != api.TypeDocument && referrer != "" {
		target = referrer
	}

	for i, e := range m.file.Entries {
		if e.Stealth != stealth {
			continue
		}
		if m.regexes[i].MatchString(target) {
			return &Rule{
				Text:      e.Pattern,
				Whitelist: true,
				Document:  e.Document,
				Stealth:   e.Stealth,
			}
		}
	}
	return nil
}

// compileGlob turns a URL glob into an anchored regexp. '*' matches any run
// of characters; everything else is literal.
func compileGlob(pattern string) *regexp.Regexp {
	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return regexp.MustCompile("^" + strings.Join(parts, ".*") + "$")
}
