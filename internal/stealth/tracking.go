package stealth

import (
	"regexp"
	"strings"

	"github.com/mkoll/filtercore/api"
)

// StripTrackingParameters removes configured tracking parameters from
// top-level navigation URLs. It returns the rewritten URL and whether it
// differs from the input; reapplying to an already-stripped URL is a no-op.
func (r *Rewriter) StripTrackingParameters(req Request) (string, bool) {
	if req.Type != api.TypeDocument {
		return req.URL, false
	}

	s := r.cfg.Get()
	if !s.Stealth.StripTrackingParameters || s.Stealth.TrackingParameters == "" {
		return req.URL, false
	}
	if !r.enabled(s, req.URL, req.Referrer, req.Type) {
		return req.URL, false
	}

	re := r.trackingRegexp(s.Stealth.TrackingParameters)
	if re == nil {
		return req.URL, false
	}

	base, query, fragment := splitURL(req.URL)
	if query == "" {
		return req.URL, false
	}

	stripped := strings.TrimPrefix(re.ReplaceAllString(query, ""), "&")
	if stripped == query {
		return req.URL, false
	}

	out := base
	if stripped != "" {
		out += "?" + stripped
	}
	out += fragment

	r.sink.AddStealthActions(req.ID, api.ActionStripTrackingParams)
	return out, true
}

// trackingRegexp returns the compiled parameter pattern, rebuilding it only
// when the configured glob list changes.
func (r *Rewriter) trackingRegexp(src string) *regexp.Regexp {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.trackingRe != nil && r.trackingSrc == src {
		return r.trackingRe
	}

	var globs []string
	for _, g := range strings.Split(src, ",") {
		g = strings.TrimSpace(g)
		if g == "" {
			continue
		}
		// '*' in a glob matches any run of non-separator characters.
		globs = append(globs, strings.ReplaceAll(regexp.QuoteMeta(g), `\*`, `[^&#=]*`))
	}
	if len(globs) == 0 {
		r.trackingSrc = src
		r.trackingRe = nil
		return nil
	}

	re, err := regexp.Compile(`(?i)(^|&)(` + strings.Join(globs, "|") + `)=[^&#]*`)
	if err != nil {
		r.logger.Warn("invalid tracking parameter list", "params", src, "error", err)
		re = nil
	}
	r.trackingSrc = src
	r.trackingRe = re
	return re
}

// splitURL separates a URL into pre-query, query, and fragment parts.
func splitURL(rawURL string) (base, query, fragment string) {
	rest := rawURL
	if i := strings.Index(rest, "#"); i != -1 {
		fragment = rest[i:]
		rest = rest[:i]
	}
	if i := strings.Index(rest, "?"); i != -1 {
		query = rest[i+1:]
		rest = rest[:i]
	}
	return rest, query, fragment
}
