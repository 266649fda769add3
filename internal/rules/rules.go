package rules

import (
	"fmt"

	"github.com/mkoll/filtercore/api"
)

// Rule is a single filtering rule bound to a request. Rules originate from
// filter lists, user allowlists, or are synthesized by the stealth rewriter
// (cookie-lifetime rules).
type Rule struct {
	// Text is the rule as written, e.g. "@@||example.com^" or "cookie=/.+/;maxAge=3600".
	Text string `json:"text"`

	// FilterList names the originating list. Empty for synthetic rules.
	FilterList string `json:"filter_list,omitempty"`

	// Whitelist marks an exception rule.
	Whitelist bool `json:"whitelist,omitempty"`

	// Document marks a whitelist rule that disables filtering for the whole document.
	Document bool `json:"document,omitempty"`

	// Stealth marks a whitelist rule that disables only stealth-mode mutations.
	Stealth bool `json:"stealth,omitempty"`

	// MaxAge is the cookie max age in seconds for synthetic cookie rules.
	MaxAge int `json:"max_age,omitempty"`

	// Action is the stealth-action tag attached to synthetic rules.
	Action api.StealthAction `json:"action,omitempty"`
}

// IsDocumentWhiteList reports whether the rule whitelists the whole document.
func (r *Rule) IsDocumentWhiteList() bool {
	return r != nil && r.Whitelist && r.Document
}

// NewCookieRule synthesizes a cookie-removal rule consumable by the rule
// engine alongside list rules. A zero maxAge produces a plain removal rule.
func NewCookieRule(maxAge int, action api.StealthAction) *Rule {
	text := "cookie=/.+/"
	if maxAge > 0 {
		text = fmt.Sprintf("%s;maxAge=%d", text, maxAge)
	}
	return &Rule{
		Text:   text,
		MaxAge: maxAge,
		Action: action,
	}
}

// Matcher finds whitelist rules for a request. It is the narrow boundary to
// the rule-matching engine; rule parsing itself lives behind it.
type Matcher interface {
	// FindWhiteListRule returns the whitelist rule matching the request, or nil.
	FindWhiteListRule(url, referrer string, rtype api.RequestType) *Rule

	// FindStealthWhiteListRule returns the stealth-specific whitelist rule
	// matching the request, or nil.
	FindStealthWhiteListRule(url, referrer string, rtype api.RequestType) *Rule
}
