package ledger

import (
	"log/slog"
	"sync"
	"time"

	"github.com/mkoll/filtercore/api"
	"github.com/mkoll/filtercore/internal/events"
	"github.com/mkoll/filtercore/internal/hits"
	"github.com/mkoll/filtercore/internal/rules"
)

// Ledger tracks every in-flight request's context and flushes accumulated
// artifacts to the filtering log when a lifecycle axis completes.
//
// All shared state sits behind one mutex: context uniqueness per request id
// and monotonic event ids both need atomic check-and-increment.
type Ledger struct {
	mu          sync.Mutex
	contexts    map[string]*requestContext
	nextEventID uint64

	log    events.Log
	hits   hits.Recorder
	logger *slog.Logger
	now    func() time.Time
}

// New creates an empty ledger flushing to the given collaborators.
func New(log events.Log, rec hits.Recorder, logger *slog.Logger) *Ledger {
	return &Ledger{
		contexts: make(map[string]*requestContext),
		log:      log,
		hits:     rec,
		logger:   logger,
		now:      time.Now,
	}
}

// Record opens a context for a request, or continues an existing one when the
// id is already tracked (redirect re-delivery). Either way a fresh event id
// is issued and a "request observed" log record is emitted. Only a genuinely
// new top-level document request clears the tab's stale log entries.
func (l *Ledger) Record(id, requestURL, referrerURL, originURL string, rtype api.RequestType, tab *api.TabInfo) uint64 {
	l.mu.Lock()

	l.nextEventID++
	eventID := l.nextEventID

	rc, continuation := l.contexts[id]
	if continuation {
		rc.eventID = eventID
		rc.requestURL = requestURL
		rc.referrerURL = referrerURL
		rc.originURL = originURL
		rc.requestType = rtype
		rc.tab = tab
		rc.networkState = StateProcessing
		rc.networkFlushed = false
	} else {
		rc = &requestContext{
			requestID:      id,
			requestURL:     requestURL,
			referrerURL:    referrerURL,
			originURL:      originURL,
			requestType:    rtype,
			tab:            tab,
			eventID:        eventID,
			networkState:   StateProcessing,
			contentState:   StateNone,
			stealthActions: make(api.StealthActionSet),
		}
		l.contexts[id] = rc
	}
	rc.lastTouch = l.now()
	l.mu.Unlock()

	if !continuation && rtype == api.TypeDocument && tab != nil {
		l.log.ClearEventsByTabID(tab.ID)
	}
	l.log.AddHTTPRequestEvent(tab, requestURL, referrerURL, rtype, nil, eventID)

	l.logger.Debug("request recorded",
		"request_id", id,
		"event_id", eventID,
		"url", requestURL,
		"type", rtype,
		"continuation", continuation,
	)
	return eventID
}

// Update merges partial fields into a context. A late update targeting a
// removed context is a silent no-op, not an error.
func (l *Ledger) Update(id string, u Update) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	rc, ok := l.contexts[id]
	if !ok {
		return false
	}
	rc.lastTouch = l.now()

	if u.RequestURL != "" {
		rc.requestURL = u.RequestURL
	}
	if u.RequestRule != nil {
		rc.requestRule = u.RequestRule
	}
	rc.replaceRules = append(rc.replaceRules, u.ReplaceRules...)
	rc.cspRules = append(rc.cspRules, u.CSPRules...)

	if u.RequestHeaders != nil {
		rc.requestHeaders = api.CloneHeaders(u.RequestHeaders)
	}
	if u.ModifiedRequestHeaders != nil {
		rc.modifiedRequestHeaders = api.CloneHeaders(u.ModifiedRequestHeaders)
	}
	if u.ResponseHeaders != nil {
		rc.responseHeaders = api.CloneHeaders(u.ResponseHeaders)
	}
	if u.ModifiedResponseHeaders != nil {
		rc.modifiedResponseHeaders = api.CloneHeaders(u.ModifiedResponseHeaders)
	}

	rc.stealthActions.Add(u.StealthActions...)
	return true
}

// AddStealthActions appends applied stealth actions to a context.
func (l *Ledger) AddStealthActions(id string, actions ...api.StealthAction) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	rc, ok := l.contexts[id]
	if !ok {
		return false
	}
	rc.lastTouch = l.now()
	rc.stealthActions.Add(actions...)
	return true
}

// BindContentRule appends a DOM element snapshot under the given content
// rule. Elements are grouped by rule identity (rule text).
func (l *Ledger) BindContentRule(id string, rule *rules.Rule, element string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	rc, ok := l.contexts[id]
	if !ok {
		return false
	}
	rc.lastTouch = l.now()

	for _, hit := range rc.contentRules {
		if hit.Rule.Text == rule.Text {
			hit.Elements = append(hit.Elements, element)
			return true
		}
	}
	rc.contentRules = append(rc.contentRules, &ContentRuleHit{
		Rule:     rule,
		Elements: []string{element},
	})
	return true
}

// OnRequestCompleted marks the network axis done and finalizes.
func (l *Ledger) OnRequestCompleted(id string) {
	l.setAxis(id, axisNetwork, StateDone, true)
}

// OnContentModificationStarted marks the content axis as in progress.
func (l *Ledger) OnContentModificationStarted(id string) {
	l.setAxis(id, axisContent, StateProcessing, false)
}

// OnContentModificationFinished marks the content axis done and finalizes.
func (l *Ledger) OnContentModificationFinished(id string) {
	l.setAxis(id, axisContent, StateDone, true)
}

// Info returns a read-only snapshot of a tracked context.
func (l *Ledger) Info(id string) (Info, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rc, ok := l.contexts[id]
	if !ok {
		return Info{}, false
	}
	return rc.snapshot(), true
}

// Size returns the number of tracked contexts.
func (l *Ledger) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.contexts)
}

// Sweep drops contexts untouched for longer than maxIdle. Requests that
// never complete would otherwise stay resident for the process lifetime.
func (l *Ledger) Sweep(maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-maxIdle)
	removed := 0
	for id, rc := range l.contexts {
		if rc.lastTouch.Before(cutoff) {
			delete(l.contexts, id)
			removed++
			l.logger.Debug("idle request context swept", "request_id", id, "event_id", rc.eventID)
		}
	}
	return removed
}

type axis int

const (
	axisNetwork axis = iota
	axisContent
)

func (l *Ledger) setAxis(id string, a axis, state AxisState, finalize bool) {
	l.mu.Lock()

	rc, ok := l.contexts[id]
	if !ok {
		l.mu.Unlock()
		return
	}
	rc.lastTouch = l.now()
	if a == axisNetwork {
		rc.networkState = state
	} else {
		rc.contentState = state
		if state == StateProcessing {
			rc.contentFlushed = false
		}
	}

	var flush func()
	if finalize {
		flush = l.finalizeLocked(id, rc)
	}
	l.mu.Unlock()

	if flush != nil {
		flush()
	}
}

// finalizeLocked flushes whichever axis reads DONE, resets it to NONE, and
// deletes the context once both axes have flushed and read NONE. The axis's
// artifacts are detached under the lock so each is emitted exactly once; the
// emission itself runs after the lock is released.
func (l *Ledger) finalizeLocked(id string, rc *requestContext) func() {
	var emits []func()

	tab := rc.tab
	eventID := rc.eventID
	url := rc.requestURL
	referrer := rc.referrerURL
	rtype := rc.requestType

	if rc.networkState == StateDone {
		requestRule := rc.requestRule
		replaceRules := rc.replaceRules
		cspRules := rc.cspRules
		actions := rc.stealthActions

		rc.requestRule = nil
		rc.replaceRules = nil
		rc.cspRules = nil
		rc.stealthActions = make(api.StealthActionSet)
		rc.networkState = StateNone
		rc.networkFlushed = true

		emits = append(emits, func() {
			if requestRule != nil {
				l.log.BindRuleToHTTPRequestEvent(tab, requestRule, eventID)
				l.hits.RecordRuleHit(tab, requestRule, url)
			}
			if len(replaceRules) > 0 {
				l.log.BindReplaceRulesToHTTPRequestEvent(tab, replaceRules, eventID)
				for _, r := range replaceRules {
					l.hits.RecordRuleHit(tab, r, url)
				}
			}
			for _, r := range cspRules {
				l.log.AddHTTPRequestEvent(tab, url, referrer, rtype, r, eventID)
				l.hits.RecordRuleHit(tab, r, url)
			}
			if !actions.Empty() {
				l.log.BindStealthActionsToHTTPRequestEvent(tab, actions, eventID)
			}
		})
	}

	if rc.contentState == StateDone {
		contentRules := rc.contentRules
		rc.contentRules = nil
		rc.contentState = StateNone
		rc.contentFlushed = true

		emits = append(emits, func() {
			for _, hit := range contentRules {
				for _, el := range hit.Elements {
					l.log.AddCosmeticEvent(tab, el, url, hit.Rule, eventID)
				}
				l.hits.RecordRuleHit(tab, hit.Rule, url)
			}
		})
	}

	if rc.networkFlushed && rc.contentFlushed &&
		rc.networkState == StateNone && rc.contentState == StateNone {
		delete(l.contexts, id)
		l.logger.Debug("request context destroyed", "request_id", id, "event_id", eventID)
	}

	if len(emits) == 0 {
		return nil
	}
	return func() {
		for _, emit := range emits {
			emit()
		}
	}
}
