package stealth

import (
	"context"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/mkoll/filtercore/api"
	"github.com/mkoll/filtercore/internal/config"
	"github.com/mkoll/filtercore/internal/permissions"
	"github.com/mkoll/filtercore/internal/rules"
)

// ActionSink records applied stealth actions on a tracked request. The
// request ledger satisfies it.
type ActionSink interface {
	AddStealthActions(id string, actions ...api.StealthAction) bool
}

// Request describes the request being rewritten.
type Request struct {
	ID       string
	URL      string
	Referrer string
	Type     api.RequestType
}

// Rewriter computes privacy mutations for requests: header scrubbing,
// synthetic cookie-lifetime rules, tracking-parameter stripping, and the
// WebRTC policy toggle. Settings are resolved once per operation, never
// cached across calls.
type Rewriter struct {
	cfg     *config.Manager
	matcher rules.Matcher
	sink    ActionSink
	logger  *slog.Logger

	browser PrivacyControls
	perms   permissions.Broker

	mu          sync.Mutex
	trackingSrc string
	trackingRe  *regexp.Regexp
	lastWebRTC  *bool

	unsubscribe func()
}

// RewriterOption configures a Rewriter.
type RewriterOption func(*Rewriter)

// WithPrivacyControls attaches the browser privacy surface driven by the
// WebRTC toggle.
func WithPrivacyControls(pc PrivacyControls) RewriterOption {
	return func(r *Rewriter) { r.browser = pc }
}

// WithPermissionBroker sets the optional-permission broker gating the WebRTC
// toggle.
func WithPermissionBroker(b permissions.Broker) RewriterOption {
	return func(r *Rewriter) { r.perms = b }
}

// NewRewriter creates a rewriter bound to the settings manager. It subscribes
// to settings updates to react to WebRTC toggle changes.
func NewRewriter(cfg *config.Manager, matcher rules.Matcher, sink ActionSink, logger *slog.Logger, opts ...RewriterOption) *Rewriter {
	r := &Rewriter{
		cfg:     cfg,
		matcher: matcher,
		sink:    sink,
		logger:  logger,
		perms:   permissions.Static(true),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.unsubscribe = cfg.Subscribe(r.onSettingsChange)
	return r
}

// Close cancels the settings subscription.
func (r *Rewriter) Close() {
	if r.unsubscribe != nil {
		r.unsubscribe()
	}
}

func (r *Rewriter) onSettingsChange(s config.Settings) {
	if r.browser == nil {
		return
	}
	block := s.Stealth.BlockWebRTC && s.Stealth.Enabled && s.FilteringEnabled

	r.mu.Lock()
	if r.lastWebRTC != nil && *r.lastWebRTC == block {
		r.mu.Unlock()
		return
	}
	r.lastWebRTC = &block
	r.mu.Unlock()

	// The grant prompt may block; never stall the notifier.
	go func() {
		if err := r.ApplyWebRTCPolicy(context.Background(), block); err != nil {
			r.logger.Warn("applying webrtc policy", "block", block, "error", err)
		}
	}()
}

// enabled reports whether stealth mutations apply to this document. The gate
// order is fixed: stealth disabled, then filtering disabled, then document
// whitelist, then stealth whitelist, each an early return.
func (r *Rewriter) enabled(s config.Settings, reqURL, referrer string, rtype api.RequestType) bool {
	if !s.Stealth.Enabled {
		return false
	}
	if !s.FilteringEnabled {
		return false
	}
	if rule := r.matcher.FindWhiteListRule(reqURL, referrer, rtype); rule.IsDocumentWhiteList() {
		return false
	}
	if rule := r.matcher.FindStealthWhiteListRule(reqURL, referrer, rtype); rule != nil {
		return false
	}
	return true
}

// trackingHeaderName is the vendor header carrying a browser variation id.
const trackingHeaderName = "X-Client-Data"

// searchEngines are the referrer patterns scrubbed on main-frame navigations.
var searchEngines = []*regexp.Regexp{
	regexp.MustCompile(`^https?://(www\.)?google\.`),
	regexp.MustCompile(`^https?://(www\.)?bing\.com`),
	regexp.MustCompile(`^https?://([a-z]+\.)?yahoo\.com`),
	regexp.MustCompile(`^https?://duckduckgo\.com`),
	regexp.MustCompile(`^https?://(www\.)?yandex\.`),
}

// RewriteRequestHeaders applies the enabled header mutations to an
// independent copy of the headers. It records each applied mutation as a
// stealth action and reports whether anything changed.
func (r *Rewriter) RewriteRequestHeaders(req Request, headers []api.Header) ([]api.Header, bool) {
	s := r.cfg.Get()
	if !r.enabled(s, req.URL, req.Referrer, req.Type) {
		return headers, false
	}

	out := api.CloneHeaders(headers)
	var applied []api.StealthAction

	if s.Stealth.HideReferrer && req.Referrer != "" && isThirdParty(req.URL, req.Referrer) {
		if changed := setHeader(&out, "Referer", originOnly(req.Referrer)); changed {
			applied = append(applied, api.ActionHideReferrer)
		}
	}

	if s.Stealth.HideSearchQueries && req.Type == api.TypeDocument && isSearchEngine(req.Referrer) {
		if changed := setHeader(&out, "Referer", originOnly(req.Referrer)); changed {
			applied = append(applied, api.ActionHideSearchQueries)
		}
	}

	if s.Stealth.BlockClientData {
		if removeHeader(&out, trackingHeaderName) {
			applied = append(applied, api.ActionBlockClientData)
		}
	}

	if s.Stealth.SendDoNotTrack {
		if findHeader(out, "DNT") == -1 {
			out = append(out, api.Header{Name: "DNT", Value: "1"})
			applied = append(applied, api.ActionSendDoNotTrack)
		}
	}

	if len(applied) == 0 {
		return headers, false
	}
	r.sink.AddStealthActions(req.ID, applied...)
	return out, true
}

func isSearchEngine(referrer string) bool {
	if referrer == "" {
		return false
	}
	for _, re := range searchEngines {
		if re.MatchString(referrer) {
			return true
		}
	}
	return false
}

// isThirdParty reports whether the two URLs belong to different sites,
// compared by 2-label root domain.
func isThirdParty(requestURL, referrer string) bool {
	a := rootDomain(hostOf(requestURL))
	b := rootDomain(hostOf(referrer))
	if a == "" || b == "" {
		return false
	}
	return a != b
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func rootDomain(host string) string {
	parts := strings.Split(host, ".")
	if len(parts) <= 2 {
		return host
	}
	return strings.Join(parts[len(parts)-2:], ".")
}

// originOnly reduces a URL to its origin with a trailing slash.
func originOnly(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return rawURL
	}
	return u.Scheme + "://" + u.Host + "/"
}

func findHeader(hs []api.Header, name string) int {
	for i := range hs {
		if strings.EqualFold(hs[i].Name, name) {
			return i
		}
	}
	return -1
}

// setHeader replaces the named header's value, reporting whether the value
// actually changed. A missing header is not added.
func setHeader(hs *[]api.Header, name, value string) bool {
	i := findHeader(*hs, name)
	if i == -1 || (*hs)[i].Value == value {
		return false
	}
	(*hs)[i].Value = value
	return true
}

func removeHeader(hs *[]api.Header, name string) bool {
	i := findHeader(*hs, name)
	if i == -1 {
		return false
	}
	*hs = append((*hs)[:i], (*hs)[i+1:]...)
	return true
}
