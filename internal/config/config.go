package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Settings is the full runtime configuration. Components read it as a value
// snapshot per operation; they never cache it across calls.
type Settings struct {
	FilteringEnabled bool `yaml:"filtering_enabled" json:"filtering_enabled"`

	LogDir        string `yaml:"log_dir,omitempty" json:"log_dir,omitempty"`
	AllowlistPath string `yaml:"allowlist,omitempty" json:"allowlist,omitempty"`
	RegoPolicy    string `yaml:"rego_policy,omitempty" json:"rego_policy,omitempty"`

	Stealth      StealthSettings      `yaml:"stealth" json:"stealth"`
	Safebrowsing SafebrowsingSettings `yaml:"safebrowsing" json:"safebrowsing"`
}

// StealthSettings controls the privacy rewriter.
type StealthSettings struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	HideReferrer      bool `yaml:"hide_referrer" json:"hide_referrer"`
	HideSearchQueries bool `yaml:"hide_search_queries" json:"hide_search_queries"`
	SendDoNotTrack    bool `yaml:"send_do_not_track" json:"send_do_not_track"`
	BlockClientData   bool `yaml:"block_client_data" json:"block_client_data"`

	SelfDestructFirstPartyCookies bool `yaml:"self_destruct_first_party_cookies" json:"self_destruct_first_party_cookies"`
	FirstPartyCookiesTTL          int  `yaml:"first_party_cookies_ttl_minutes" json:"first_party_cookies_ttl_minutes" validate:"min=0"`
	SelfDestructThirdPartyCookies bool `yaml:"self_destruct_third_party_cookies" json:"self_destruct_third_party_cookies"`
	ThirdPartyCookiesTTL          int  `yaml:"third_party_cookies_ttl_minutes" json:"third_party_cookies_ttl_minutes" validate:"min=0"`

	StripTrackingParameters bool   `yaml:"strip_tracking_parameters" json:"strip_tracking_parameters"`
	TrackingParameters      string `yaml:"tracking_parameters,omitempty" json:"tracking_parameters,omitempty"`

	BlockWebRTC bool `yaml:"block_webrtc" json:"block_webrtc"`
}

// SafebrowsingSettings controls the reputation cache.
type SafebrowsingSettings struct {
	Enabled       bool   `yaml:"enabled" json:"enabled"`
	BackendURL    string `yaml:"backend_url,omitempty" json:"backend_url,omitempty" validate:"omitempty,url"`
	CacheSize     int    `yaml:"cache_size" json:"cache_size" validate:"min=0"`
	SuspendWindow string `yaml:"suspend_window,omitempty" json:"suspend_window,omitempty"`
}

// Window returns the fail-open suspension window.
func (s SafebrowsingSettings) Window() time.Duration {
	if s.SuspendWindow == "" {
		return DefaultSuspendWindow
	}
	d, err := time.ParseDuration(s.SuspendWindow)
	if err != nil {
		return DefaultSuspendWindow
	}
	return d
}

// Load reads a settings YAML file and produces a Manager bound to that path.
func Load(path string) (*Manager, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading settings file: %w", err)
	}
	s, err := LoadBytes(data)
	if err != nil {
		return nil, err
	}
	return NewManager(s, path), nil
}

// LoadBytes parses and validates YAML settings data over the defaults.
func LoadBytes(data []byte) (Settings, error) {
	s := DefaultSettings()
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("parsing settings YAML: %w", err)
	}
	if err := validate(&s); err != nil {
		return Settings{}, err
	}
	s.LogDir = expandHome(s.LogDir)
	return s, nil
}

func validate(s *Settings) error {
	if err := validator.New().Struct(s); err != nil {
		return fmt.Errorf("validating settings: %w", err)
	}
	if s.Safebrowsing.SuspendWindow != "" {
		if _, err := time.ParseDuration(s.Safebrowsing.SuspendWindow); err != nil {
			return fmt.Errorf("invalid suspend_window %q: %w", s.Safebrowsing.SuspendWindow, err)
		}
	}
	return nil
}

func expandHome(path string) string {
	if len(path) > 1 && path[0] == '~' && path[1] == '/' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// Manager owns the live settings and notifies subscribers on every change.
// It is the settings collaborator the rewriter and pipeline consume.
type Manager struct {
	mu   sync.RWMutex
	path string
	s    Settings

	subMu   sync.Mutex
	subs    map[int]func(Settings)
	nextSub int
}

// NewManager creates a manager over the given settings. path may be empty
// for managers that never persist.
func NewManager(s Settings, path string) *Manager {
	return &Manager{
		path: path,
		s:    s,
		subs: make(map[int]func(Settings)),
	}
}

// Get returns a snapshot of the current settings.
func (m *Manager) Get() Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s
}

// Update applies a mutation to the settings and notifies subscribers.
func (m *Manager) Update(mutate func(*Settings)) {
	m.mu.Lock()
	mutate(&m.s)
	snapshot := m.s
	m.mu.Unlock()

	m.notify(snapshot)
}

// SetBool writes a boolean flag by name and notifies subscribers.
func (m *Manager) SetBool(name string, value bool) error {
	m.mu.Lock()
	p, ok := boolFields(&m.s)[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown boolean setting %q", name)
	}
	*p = value
	snapshot := m.s
	m.mu.Unlock()

	m.notify(snapshot)
	return nil
}

// Bool reads a boolean flag by name.
func (m *Manager) Bool(name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := boolFields(&m.s)[name]
	if !ok {
		return false, fmt.Errorf("unknown boolean setting %q", name)
	}
	return *p, nil
}

// Subscribe registers an update callback. The returned function cancels the
// subscription.
func (m *Manager) Subscribe(fn func(Settings)) func() {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn

	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		delete(m.subs, id)
	}
}

func (m *Manager) notify(s Settings) {
	m.subMu.Lock()
	fns := make([]func(Settings), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.subMu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}

// Save persists the current settings back to the file they were loaded from.
func (m *Manager) Save() error {
	m.mu.RLock()
	path := m.path
	s := m.s
	m.mu.RUnlock()

	if path == "" {
		return nil
	}
	data, err := yaml.Marshal(&s)
	if err != nil {
		return fmt.Errorf("marshaling settings: %w", err)
	}
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return fmt.Errorf("writing settings file: %w", err)
	}
	return nil
}

// boolFields maps flag names to the addressable fields of a settings value.
// The names are the wire names used by the settings collaborator contract.
func boolFields(s *Settings) map[string]*bool {
	return map[string]*bool{
		"filtering_enabled":                 &s.FilteringEnabled,
		"stealth_enabled":                   &s.Stealth.Enabled,
		"hide_referrer":                     &s.Stealth.HideReferrer,
		"hide_search_queries":               &s.Stealth.HideSearchQueries,
		"send_do_not_track":                 &s.Stealth.SendDoNotTrack,
		"block_client_data":                 &s.Stealth.BlockClientData,
		"self_destruct_first_party_cookies": &s.Stealth.SelfDestructFirstPartyCookies,
		"self_destruct_third_party_cookies": &s.Stealth.SelfDestructThirdPartyCookies,
		"strip_tracking_parameters":         &s.Stealth.StripTrackingParameters,
		"block_webrtc":                      &s.Stealth.BlockWebRTC,
		"safebrowsing_enabled":              &s.Safebrowsing.Enabled,
	}
}
