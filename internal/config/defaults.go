package config

import "time"

const (
	// DefaultSuspendWindow is how long reputation lookups stay suspended
	// after a backend server error.
	DefaultSuspendWindow = 40 * time.Minute

	// DefaultCacheSize bounds the long-term reputation cache.
	DefaultCacheSize = 1000

	// DefaultFirstPartyCookiesTTL is the synthesized first-party cookie max
	// age, in minutes.
	DefaultFirstPartyCookiesTTL = 4320

	// DefaultThirdPartyCookiesTTL is the synthesized third-party cookie max
	// age, in minutes.
	DefaultThirdPartyCookiesTTL = 2880
)

// DefaultTrackingParameters is the built-in comma-separated list of query
// parameter globs stripped from navigation URLs.
const DefaultTrackingParameters = "utm_source,utm_medium,utm_term,utm_campaign,utm_content,utm_name,utm_pubreferrer,utm_swu,utm_viz_id,fbclid,gclid,yclid,_openstat"

// DefaultLogDir returns the default event log directory path.
func DefaultLogDir() string {
	return "~/.filtercore/logs"
}

// DefaultSettings returns the settings used when no file is given; YAML
// loading overlays the file on top of these.
func DefaultSettings() Settings {
	return Settings{
		FilteringEnabled: true,
		LogDir:           DefaultLogDir(),
		Stealth: StealthSettings{
			Enabled:              true,
			HideReferrer:         true,
			HideSearchQueries:    true,
			SendDoNotTrack:       true,
			BlockClientData:      true,
			FirstPartyCookiesTTL: DefaultFirstPartyCookiesTTL,
			ThirdPartyCookiesTTL: DefaultThirdPartyCookiesTTL,
			TrackingParameters:   DefaultTrackingParameters,
		},
		Safebrowsing: SafebrowsingSettings{
			CacheSize: DefaultCacheSize,
		},
	}
}
