package pipeline

import (
	"context"
	"log/slog"

	"github.com/mkoll/filtercore/api"
	"github.com/mkoll/filtercore/internal/config"
	"github.com/mkoll/filtercore/internal/ledger"
	"github.com/mkoll/filtercore/internal/reputation"
	"github.com/mkoll/filtercore/internal/rules"
	"github.com/mkoll/filtercore/internal/stealth"
)

// Decision is the outcome of the before-request stage.
type Decision struct {
	// Block requests cancellation; List names the reputation list that
	// triggered it.
	Block bool
	List  string

	// RedirectURL is the tracking-stripped URL, empty when unchanged.
	RedirectURL string
}

// Config wires the pipeline's collaborators.
type Config struct {
	Settings   *config.Manager
	Ledger     *ledger.Ledger
	Rewriter   *stealth.Rewriter
	Reputation *reputation.Service // optional
	Matcher    rules.Matcher
	Logger     *slog.Logger
}

// Pipeline drives the per-request control flow: open a context in the
// ledger, rewrite for privacy, consult reputation, and forward lifecycle
// signals until finalization. Every internal failure degrades to allow.
type Pipeline struct {
	cfg        *config.Manager
	ledger     *ledger.Ledger
	rewriter   *stealth.Rewriter
	reputation *reputation.Service
	matcher    rules.Matcher
	logger     *slog.Logger
}

// New creates a pipeline from the given collaborators.
func New(c Config) *Pipeline {
	return &Pipeline{
		cfg:        c.Settings,
		ledger:     c.Ledger,
		rewriter:   c.Rewriter,
		reputation: c.Reputation,
		matcher:    c.Matcher,
		logger:     c.Logger,
	}
}

// OnBeforeRequest opens (or continues) the request's context, strips
// tracking parameters from navigations, binds a matching whitelist rule, and
// consults the reputation cache for a block verdict.
func (p *Pipeline) OnBeforeRequest(ctx context.Context, ev api.LifecycleEvent) Decision {
	p.ledger.Record(ev.RequestID, ev.URL, ev.Referrer, ev.Origin, ev.Type, ev.Tab)

	var d Decision
	req := stealth.Request{ID: ev.RequestID, URL: ev.URL, Referrer: ev.Referrer, Type: ev.Type}

	if out, changed := p.rewriter.StripTrackingParameters(req); changed {
		d.RedirectURL = out
		p.ledger.Update(ev.RequestID, ledger.Update{RequestURL: out})
	}

	s := p.cfg.Get()
	if !s.FilteringEnabled {
		return d
	}

	wlRule := p.matcher.FindWhiteListRule(ev.URL, ev.Referrer, ev.Type)
	if wlRule != nil {
		p.ledger.Update(ev.RequestID, ledger.Update{RequestRule: wlRule})
	}

	if p.reputation != nil && s.Safebrowsing.Enabled && !wlRule.IsDocumentWhiteList() {
		if list, answered := p.reputation.Check(ctx, ev.URL); answered && list != "" {
			d.Block = true
			d.List = list
			p.logger.Info("request blocked by reputation",
				"request_id", ev.RequestID, "url", ev.URL, "list", list)
		}
	}
	return d
}

// OnBeforeSendHeaders applies stealth header mutations and snapshots both
// header versions into the context.
func (p *Pipeline) OnBeforeSendHeaders(requestID string, headers []api.Header) ([]api.Header, bool) {
	info, ok := p.ledger.Info(requestID)
	if !ok {
		return headers, false
	}

	req := stealth.Request{
		ID:       requestID,
		URL:      info.RequestURL,
		Referrer: info.ReferrerURL,
		Type:     info.RequestType,
	}
	out, changed := p.rewriter.RewriteRequestHeaders(req, headers)

	u := ledger.Update{RequestHeaders: headers}
	if changed {
		u.ModifiedRequestHeaders = out
	}
	p.ledger.Update(requestID, u)
	return out, changed
}

// OnHeadersReceived snapshots response headers and synthesizes the cookie
// rules handed to the rule engine. Each rule's stealth-action tag is recorded
// on the context for the audit flush.
func (p *Pipeline) OnHeadersReceived(requestID string, headers []api.Header) []*rules.Rule {
	info, ok := p.ledger.Info(requestID)
	if !ok {
		return nil
	}
	p.ledger.Update(requestID, ledger.Update{ResponseHeaders: headers})

	req := stealth.Request{
		ID:       requestID,
		URL:      info.RequestURL,
		Referrer: info.ReferrerURL,
		Type:     info.RequestType,
	}
	cookieRules := p.rewriter.CookieRules(req)
	for _, cr := range cookieRules {
		if cr.Action != "" {
			p.ledger.AddStealthActions(requestID, cr.Action)
		}
	}
	return cookieRules
}

// OnCompleted marks the request's network axis done.
func (p *Pipeline) OnCompleted(requestID string) {
	p.ledger.OnRequestCompleted(requestID)
}

// OnError finalizes the network axis; an errored request flushes like a
// completed one.
func (p *Pipeline) OnError(requestID string) {
	p.ledger.OnRequestCompleted(requestID)
}

// OnContentModificationStarted forwards the content-script signal.
func (p *Pipeline) OnContentModificationStarted(requestID string) {
	p.ledger.OnContentModificationStarted(requestID)
}

// OnContentModificationFinished forwards the content-script signal.
func (p *Pipeline) OnContentModificationFinished(requestID string) {
	p.ledger.OnContentModificationFinished(requestID)
}

// BindCosmetic associates a content rule hit with a DOM element snapshot.
func (p *Pipeline) BindCosmetic(requestID string, rule *rules.Rule, element string) {
	p.ledger.BindContentRule(requestID, rule, element)
}

// HandleEvent dispatches one replayed lifecycle event.
func (p *Pipeline) HandleEvent(ctx context.Context, ev api.LifecycleEvent) Decision {
	switch ev.Kind {
	case api.EventRequest:
		return p.OnBeforeRequest(ctx, ev)
	case api.EventRequestHeaders:
		p.OnBeforeSendHeaders(ev.RequestID, ev.Headers)
	case api.EventResponseHeaders:
		p.OnHeadersReceived(ev.RequestID, ev.Headers)
	case api.EventCompleted:
		p.OnCompleted(ev.RequestID)
	case api.EventError:
		p.OnError(ev.RequestID)
	case api.EventContentStarted:
		p.OnContentModificationStarted(ev.RequestID)
	case api.EventContentFinished:
		p.OnContentModificationFinished(ev.RequestID)
	case api.EventCosmetic:
		p.BindCosmetic(ev.RequestID, &rules.Rule{Text: ev.Rule}, ev.Element)
	default:
		p.logger.Debug("unknown lifecycle event kind", "kind", ev.Kind)
	}
	return Decision{}
}
