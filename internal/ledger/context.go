package ledger

import (
	"time"

	"github.com/mkoll/filtercore/api"
	"github.com/mkoll/filtercore/internal/rules"
)

// AxisState is the value of one lifecycle axis.
type AxisState int

const (
	StateNone AxisState = iota
	StateProcessing
	StateDone
)

func (s AxisState) String() string {
	switch s {
	case StateProcessing:
		return "processing"
	case StateDone:
		return "done"
	default:
		return "none"
	}
}

// ContentRuleHit groups DOM element snapshots under one content rule.
type ContentRuleHit struct {
	Rule     *rules.Rule
	Elements []string
}

// requestContext is the per-request tracked state. It is owned exclusively by
// the Ledger while in flight; callers only ever see Info snapshots.
type requestContext struct {
	requestID   string
	requestURL  string
	referrerURL string
	originURL   string
	requestType api.RequestType
	tab         *api.TabInfo

	// eventID correlates later log entries to this occurrence. A redirect
	// continuation gets a fresh one.
	eventID uint64

	// The two orthogonal lifecycle axes. The context is destroyed only when
	// both have been flushed back to StateNone.
	networkState   AxisState
	contentState   AxisState
	networkFlushed bool
	contentFlushed bool

	lastTouch time.Time

	requestRule  *rules.Rule
	replaceRules []*rules.Rule
	cspRules     []*rules.Rule
	contentRules []*ContentRuleHit

	requestHeaders          []api.Header
	modifiedRequestHeaders  []api.Header
	responseHeaders         []api.Header
	modifiedResponseHeaders []api.Header

	stealthActions api.StealthActionSet
}

// Update carries partial fields merged into a context. Rule slices are
// appended, never replaced; header slices are deep-copied, never aliased.
type Update struct {
	RequestURL  string
	RequestRule *rules.Rule

	ReplaceRules []*rules.Rule
	CSPRules     []*rules.Rule

	RequestHeaders          []api.Header
	ModifiedRequestHeaders  []api.Header
	ResponseHeaders         []api.Header
	ModifiedResponseHeaders []api.Header

	StealthActions []api.StealthAction
}

// Info is a read-only snapshot of a tracked context.
type Info struct {
	RequestID   string
	RequestURL  string
	ReferrerURL string
	OriginURL   string
	RequestType api.RequestType
	Tab         *api.TabInfo
	EventID     uint64

	NetworkState AxisState
	ContentState AxisState

	RequestRule    *rules.Rule
	StealthActions api.StealthActionSet

	RequestHeaders          []api.Header
	ModifiedRequestHeaders  []api.Header
	ResponseHeaders         []api.Header
	ModifiedResponseHeaders []api.Header
}

func (rc *requestContext) snapshot() Info {
	return Info{
		RequestID:               rc.requestID,
		RequestURL:              rc.requestURL,
		ReferrerURL:             rc.referrerURL,
		OriginURL:               rc.originURL,
		RequestType:             rc.requestType,
		Tab:                     rc.tab,
		EventID:                 rc.eventID,
		NetworkState:            rc.networkState,
		ContentState:            rc.contentState,
		RequestRule:             rc.requestRule,
		StealthActions:          rc.stealthActions.Clone(),
		RequestHeaders:          api.CloneHeaders(rc.requestHeaders),
		ModifiedRequestHeaders:  api.CloneHeaders(rc.modifiedRequestHeaders),
		ResponseHeaders:         api.CloneHeaders(rc.responseHeaders),
		ModifiedResponseHeaders: api.CloneHeaders(rc.modifiedResponseHeaders),
	}
}
