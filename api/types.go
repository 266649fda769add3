package api

import "sort"

// RequestType classifies an intercepted network request.
type RequestType string

const (
	TypeDocument    RequestType = "document"
	TypeSubdocument RequestType = "subdocument"
	TypeImage       RequestType = "image"
	TypeMedia       RequestType = "media"
	TypeFont        RequestType = "font"
	TypeObject      RequestType = "object"
	TypeOther       RequestType = "other"
)

// TabInfo is browser tab metadata attached to a request. The pipeline carries
// it by reference for log correlation only and never owns it.
type TabInfo struct {
	ID    int64  `json:"id"`
	URL   string `json:"url,omitempty"`
	Title string `json:"title,omitempty"`
}

// Header is a single request or response header.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// CloneHeaders returns an independent copy of a header list. The tracker
// stores copies, never aliases into browser-owned slices.
func CloneHeaders(hs []Header) []Header {
	if hs == nil {
		return nil
	}
	out := make([]Header, len(hs))
	copy(out, hs)
	return out
}

// StealthAction names a single privacy mutation applied to a request.
type StealthAction string

const (
	ActionHideReferrer        StealthAction = "hide_referrer"
	ActionHideSearchQueries   StealthAction = "hide_search_queries"
	ActionBlockClientData     StealthAction = "block_client_data"
	ActionSendDoNotTrack      StealthAction = "send_do_not_track"
	ActionFirstPartyCookies   StealthAction = "first_party_cookies"
	ActionThirdPartyCookies   StealthAction = "third_party_cookies"
	ActionStripTrackingParams StealthAction = "strip_tracking_params"
	ActionBlockWebRTC         StealthAction = "block_webrtc"
)

// StealthActionSet is a set of applied stealth actions. It is append-only
// over a request's lifetime: actions are added as mutations are applied and
// flushed once at finalization.
type StealthActionSet map[StealthAction]struct{}

// NewStealthActionSet creates a set from the given actions.
func NewStealthActionSet(actions ...StealthAction) StealthActionSet {
	s := make(StealthActionSet, len(actions))
	s.Add(actions...)
	return s
}

// Add inserts actions into the set.
func (s StealthActionSet) Add(actions ...StealthAction) {
	for _, a := range actions {
		s[a] = struct{}{}
	}
}

// Has reports whether the action is in the set.
func (s StealthActionSet) Has(a StealthAction) bool {
	_, ok := s[a]
	return ok
}

// Empty reports whether no actions have been recorded.
func (s StealthActionSet) Empty() bool { return len(s) == 0 }

// List returns the actions in stable (sorted) order.
func (s StealthActionSet) List() []StealthAction {
	out := make([]StealthAction, 0, len(s))
	for a := range s {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Clone returns an independent copy of the set.
func (s StealthActionSet) Clone() StealthActionSet {
	out := make(StealthActionSet, len(s))
	for a := range s {
		out[a] = struct{}{}
	}
	return out
}

// LifecycleEvent is one replayable request lifecycle record, as consumed by
// the replay command and the pipeline.
type LifecycleEvent struct {
	Kind      string      `json:"kind"`
	RequestID string      `json:"request_id"`
	URL       string      `json:"url,omitempty"`
	Referrer  string      `json:"referrer,omitempty"`
	Origin    string      `json:"origin,omitempty"`
	Type      RequestType `json:"type,omitempty"`
	Tab       *TabInfo    `json:"tab,omitempty"`
	Headers   []Header    `json:"headers,omitempty"`
	Element   string      `json:"element,omitempty"`
	Rule      string      `json:"rule,omitempty"`
}

// Lifecycle event kinds understood by the replay runner.
const (
	EventRequest         = "request"
	EventRequestHeaders  = "request_headers"
	EventResponseHeaders = "response_headers"
	EventCompleted       = "completed"
	EventError           = "error"
	EventContentStarted  = "content_started"
	EventContentFinished = "content_finished"
	EventCosmetic        = "cosmetic"
)
