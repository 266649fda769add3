package pipeline

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"

	"github.com/mkoll/filtercore/api"
	"github.com/mkoll/filtercore/internal/config"
	"github.com/mkoll/filtercore/internal/events"
	"github.com/mkoll/filtercore/internal/hits"
	"github.com/mkoll/filtercore/internal/ledger"
	"github.com/mkoll/filtercore/internal/reputation"
	"github.com/mkoll/filtercore/internal/rules"
	"github.com/mkoll/filtercore/internal/stealth"
)

type fakeDoer struct {
	status int
	body   string
	calls  int
}

func (d *fakeDoer) Do(*http.Request) (*http.Response, error) {
	d.calls++
	return &http.Response{
		StatusCode: d.status,
		Body:       io.NopCloser(strings.NewReader(d.body)),
	}, nil
}

type testEnv struct {
	pipeline *Pipeline
	ledger   *ledger.Ledger
	hits     *hits.Counter
	cfg      *config.Manager
	doer     *fakeDoer
}

func newTestEnv(t *testing.T, allowlist string, mutate func(*config.Settings)) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s := config.DefaultSettings()
	s.Safebrowsing.Enabled = true
	s.Safebrowsing.BackendURL = "https://sb.example.com/lookup"
	if mutate != nil {
		mutate(&s)
	}
	cfg := config.NewManager(s, "")

	af := &rules.AllowlistFile{Version: 1}
	if allowlist != "" {
		var err error
		af, err = rules.LoadAllowlistBytes([]byte(allowlist))
		if err != nil {
			t.Fatal(err)
		}
	}
	matcher := rules.NewAllowlistMatcherFromFile(af)

	counter := hits.NewCounter()
	led := ledger.New(events.NopLog{}, counter, logger)
	rewriter := stealth.NewRewriter(cfg, matcher, led, logger)
	t.Cleanup(rewriter.Close)

	doer := &fakeDoer{status: http.StatusNoContent}
	rep := reputation.NewService(s.Safebrowsing.BackendURL, logger, reputation.WithClient(doer))

	p := New(Config{
		Settings:   cfg,
		Ledger:     led,
		Rewriter:   rewriter,
		Reputation: rep,
		Matcher:    matcher,
		Logger:     logger,
	})
	return &testEnv{pipeline: p, ledger: led, hits: counter, cfg: cfg, doer: doer}
}

func docEvent(id, url string) api.LifecycleEvent {
	return api.LifecycleEvent{
		Kind:      api.EventRequest,
		RequestID: id,
		URL:       url,
		Type:      api.TypeDocument,
		Tab:       &api.TabInfo{ID: 1},
	}
}

func TestOnBeforeRequest_Blocked(t *testing.T) {
	env := newTestEnv(t, "", nil)
	env.doer.status = http.StatusOK
	env.doer.body = "adware:1:" + reputation.Hash("ads.example.net") + "\n"

	d := env.pipeline.OnBeforeRequest(context.Background(), docEvent("r1", "https://ads.example.net/"))
	if !d.Block {
		t.Fatal("expected block")
	}
	if d.List != "adware" {
		t.Errorf("expected adware list, got %q", d.List)
	}
}

func TestOnBeforeRequest_CleanAllowed(t *testing.T) {
	env := newTestEnv(t, "", nil)

	d := env.pipeline.OnBeforeRequest(context.Background(), docEvent("r1", "https://example.org/"))
	if d.Block {
		t.Error("expected allow")
	}
	if _, ok := env.ledger.Info("r1"); !ok {
		t.Error("expected the request tracked")
	}
}

func TestOnBeforeRequest_TrackingRedirect(t *testing.T) {
	env := newTestEnv(t, "", nil)

	d := env.pipeline.OnBeforeRequest(context.Background(),
		docEvent("r1", "https://example.org/page?utm_source=mail&id=5"))
	if d.RedirectURL != "https://example.org/page?id=5" {
		t.Errorf("expected stripped redirect, got %q", d.RedirectURL)
	}

	info, ok := env.ledger.Info("r1")
	if !ok {
		t.Fatal("expected the request tracked")
	}
	if info.RequestURL != d.RedirectURL {
		t.Errorf("ledger must carry the rewritten URL, got %s", info.RequestURL)
	}
	if !info.StealthActions.Has(api.ActionStripTrackingParams) {
		t.Error("expected strip action recorded on the context")
	}
}

func TestOnBeforeRequest_DocumentWhitelistSkipsReputation(t *testing.T) {
	allowlist := `version: 1
allowlist:
  - pattern: "https://ads.example.net/*"
    document: true
`
	env := newTestEnv(t, allowlist, nil)
	env.doer.status = http.StatusOK
	env.doer.body = "adware:1:" + reputation.Hash("ads.example.net") + "\n"

	d := env.pipeline.OnBeforeRequest(context.Background(), docEvent("r1", "https://ads.example.net/"))
	if d.Block {
		t.Error("whitelisted document must not be blocked")
	}
	if env.doer.calls != 0 {
		t.Errorf("whitelisted document must skip the backend, got %d calls", env.doer.calls)
	}

	info, _ := env.ledger.Info("r1")
	if info.RequestRule == nil || !info.RequestRule.IsDocumentWhiteList() {
		t.Error("expected the whitelist rule bound to the context")
	}
}

func TestOnBeforeRequest_FilteringDisabled(t *testing.T) {
	env := newTestEnv(t, "", func(s *config.Settings) { s.FilteringEnabled = false })
	env.doer.status = http.StatusOK
	env.doer.body = "adware:1:" + reputation.Hash("ads.example.net") + "\n"

	d := env.pipeline.OnBeforeRequest(context.Background(), docEvent("r1", "https://ads.example.net/"))
	if d.Block {
		t.Error("disabled filtering must never block")
	}
	if env.doer.calls != 0 {
		t.Error("disabled filtering must not consult the backend")
	}
}

func TestOnBeforeSendHeaders(t *testing.T) {
	env := newTestEnv(t, "", nil)

	ev := api.LifecycleEvent{
		Kind:      api.EventRequest,
		RequestID: "r1",
		URL:       "https://cdn.example.net/x.js",
		Referrer:  "https://example.org/page?q=1",
		Type:      api.TypeOther,
		Tab:       &api.TabInfo{ID: 1},
	}
	env.pipeline.OnBeforeRequest(context.Background(), ev)

	in := []api.Header{{Name: "Referer", Value: "https://example.org/page?q=1"}}
	out, changed := env.pipeline.OnBeforeSendHeaders("r1", in)
	if !changed {
		t.Fatal("expected a header mutation")
	}
	if out[0].Value != "https://example.org/" {
		t.Errorf("expected origin-only referrer, got %s", out[0].Value)
	}

	info, _ := env.ledger.Info("r1")
	if len(info.RequestHeaders) != 1 || info.RequestHeaders[0].Value != "https://example.org/page?q=1" {
		t.Error("expected the original headers snapshotted")
	}
	if len(info.ModifiedRequestHeaders) != 1 || info.ModifiedRequestHeaders[0].Value != "https://example.org/" {
		t.Error("expected the mutated headers snapshotted")
	}
}

func TestOnBeforeSendHeaders_UnknownRequest(t *testing.T) {
	env := newTestEnv(t, "", nil)

	in := []api.Header{{Name: "Referer", Value: "https://example.org/"}}
	out, changed := env.pipeline.OnBeforeSendHeaders("ghost", in)
	if changed {
		t.Error("unknown request must pass headers through")
	}
	if len(out) != 1 || out[0].Value != in[0].Value {
		t.Error("expected headers unchanged")
	}
}

func TestOnHeadersReceived_CookieRules(t *testing.T) {
	env := newTestEnv(t, "", func(s *config.Settings) {
		s.Stealth.SelfDestructFirstPartyCookies = true
		s.Stealth.FirstPartyCookiesTTL = 10
	})

	env.pipeline.OnBeforeRequest(context.Background(), docEvent("r1", "https://example.org/"))

	hs := []api.Header{{Name: "Set-Cookie", Value: "sid=1"}}
	rs := env.pipeline.OnHeadersReceived("r1", hs)
	if len(rs) != 1 || rs[0].Text != "cookie=/.+/;maxAge=600" {
		t.Fatalf("expected one cookie rule, got %+v", rs)
	}

	info, _ := env.ledger.Info("r1")
	if len(info.ResponseHeaders) != 1 {
		t.Error("expected response headers snapshotted")
	}
	if !info.StealthActions.Has(api.ActionFirstPartyCookies) {
		t.Error("expected cookie action recorded on the context")
	}
}

func TestHandleEvent_FullLifecycle(t *testing.T) {
	env := newTestEnv(t, "", nil)
	ctx := context.Background()

	seq := []api.LifecycleEvent{
		docEvent("r1", "https://example.org/"),
		{Kind: api.EventRequestHeaders, RequestID: "r1", Headers: []api.Header{{Name: "Accept", Value: "*/*"}}},
		{Kind: api.EventResponseHeaders, RequestID: "r1", Headers: []api.Header{{Name: "Content-Type", Value: "text/html"}}},
		{Kind: api.EventContentStarted, RequestID: "r1"},
		{Kind: api.EventCosmetic, RequestID: "r1", Rule: "##.banner", Element: "<div class=banner>"},
		{Kind: api.EventContentFinished, RequestID: "r1"},
		{Kind: api.EventCompleted, RequestID: "r1"},
	}
	for _, ev := range seq {
		env.pipeline.HandleEvent(ctx, ev)
	}

	if env.ledger.Size() != 0 {
		t.Errorf("expected the context destroyed after both axes, got %d tracked", env.ledger.Size())
	}
	if env.hits.Count("##.banner") != 1 {
		t.Errorf("expected the cosmetic rule hit counted, got %d", env.hits.Count("##.banner"))
	}
}

func TestHandleEvent_ErrorFinalizes(t *testing.T) {
	env := newTestEnv(t, "", nil)
	ctx := context.Background()

	env.pipeline.HandleEvent(ctx, docEvent("r1", "https://example.org/"))
	env.pipeline.HandleEvent(ctx, api.LifecycleEvent{Kind: api.EventError, RequestID: "r1"})

	// The network axis flushed; only the content axis keeps the context alive.
	info, ok := env.ledger.Info("r1")
	if !ok {
		t.Fatal("expected the context retained for the content axis")
	}
	if info.NetworkState != ledger.StateNone {
		t.Errorf("expected network axis reset, got %s", info.NetworkState)
	}
}
