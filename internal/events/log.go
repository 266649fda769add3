package events

import (
	"time"

	"github.com/mkoll/filtercore/api"
	"github.com/mkoll/filtercore/internal/rules"
)

// Kind discriminates filtering-log record types.
type Kind string

const (
	KindRequest        Kind = "request"
	KindRuleBinding    Kind = "rule"
	KindReplaceRules   Kind = "replace_rules"
	KindStealthActions Kind = "stealth"
	KindCosmetic       Kind = "cosmetic"
	KindClear          Kind = "clear"
)

// Record is one filtering-log entry. EventID ties later bindings back to the
// request occurrence they belong to, even across out-of-order completion.
type Record struct {
	ID        string              `json:"id"`
	Timestamp time.Time           `json:"timestamp"`
	Kind      Kind                `json:"kind"`
	TabID     int64               `json:"tab_id"`
	EventID   uint64              `json:"event_id,omitempty"`
	URL       string              `json:"url,omitempty"`
	Referrer  string              `json:"referrer,omitempty"`
	Type      api.RequestType     `json:"type,omitempty"`
	Rule      *rules.Rule         `json:"rule,omitempty"`
	Rules     []*rules.Rule       `json:"rules,omitempty"`
	Actions   []api.StealthAction `json:"actions,omitempty"`
	Element   string              `json:"element,omitempty"`
}

// Log is the filtering-log collaborator the request tracker flushes to.
type Log interface {
	// AddHTTPRequestEvent records that a request was observed.
	AddHTTPRequestEvent(tab *api.TabInfo, url, referrer string, rtype api.RequestType, rule *rules.Rule, eventID uint64)

	// BindRuleToHTTPRequestEvent attaches the matched request rule to an
	// earlier request event.
	BindRuleToHTTPRequestEvent(tab *api.TabInfo, rule *rules.Rule, eventID uint64)

	// BindReplaceRulesToHTTPRequestEvent attaches applied replace rules.
	BindReplaceRulesToHTTPRequestEvent(tab *api.TabInfo, rs []*rules.Rule, eventID uint64)

	// BindStealthActionsToHTTPRequestEvent attaches applied stealth actions.
	BindStealthActionsToHTTPRequestEvent(tab *api.TabInfo, actions api.StealthActionSet, eventID uint64)

	// AddCosmeticEvent records a cosmetic rule hit against a DOM element.
	AddCosmeticEvent(tab *api.TabInfo, element, url string, rule *rules.Rule, eventID uint64)

	// ClearEventsByTabID drops accumulated entries for a tab. Called on a
	// genuinely new top-level navigation, never on redirect re-delivery.
	ClearEventsByTabID(tabID int64)
}

// QueryFilter selects records from a store.
type QueryFilter struct {
	TabID   int64
	Kind    Kind
	EventID uint64
	Limit   int
}

// Stats aggregates a store's contents.
type Stats struct {
	Total  int           `json:"total"`
	ByKind map[Kind]int  `json:"by_kind"`
	ByTab  map[int64]int `json:"by_tab"`
}
