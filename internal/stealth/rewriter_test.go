package stealth

import (
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/mkoll/filtercore/api"
	"github.com/mkoll/filtercore/internal/config"
	"github.com/mkoll/filtercore/internal/rules"
)

type fakeSink struct {
	mu      sync.Mutex
	actions map[string][]api.StealthAction
}

func newFakeSink() *fakeSink {
	return &fakeSink{actions: make(map[string][]api.StealthAction)}
}

func (f *fakeSink) AddStealthActions(id string, actions ...api.StealthAction) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions[id] = append(f.actions[id], actions...)
	return true
}

func (f *fakeSink) has(id string, a api.StealthAction) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, got := range f.actions[id] {
		if got == a {
			return true
		}
	}
	return false
}

type fakeMatcher struct {
	document *rules.Rule
	stealth  *rules.Rule
}

func (m fakeMatcher) FindWhiteListRule(string, string, api.RequestType) *rules.Rule {
	return m.document
}

func (m fakeMatcher) FindStealthWhiteListRule(string, string, api.RequestType) *rules.Rule {
	return m.stealth
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestRewriter builds a rewriter over default settings adjusted by mutate.
func newTestRewriter(t *testing.T, matcher rules.Matcher, mutate func(*config.Settings)) (*Rewriter, *fakeSink, *config.Manager) {
	t.Helper()
	s := config.DefaultSettings()
	if mutate != nil {
		mutate(&s)
	}
	mgr := config.NewManager(s, "")
	sink := newFakeSink()
	r := NewRewriter(mgr, matcher, sink, testLogger())
	t.Cleanup(r.Close)
	return r, sink, mgr
}

func onlyReferrer(s *config.Settings) {
	s.Stealth.HideSearchQueries = false
	s.Stealth.SendDoNotTrack = false
	s.Stealth.BlockClientData = false
}

func TestRewriteHeaders_HideThirdPartyReferrer(t *testing.T) {
	r, sink, _ := newTestRewriter(t, fakeMatcher{}, onlyReferrer)

	req := Request{ID: "r1", URL: "https://example.org/page", Referrer: "https://other.net/from?q=1", Type: api.TypeImage}
	in := []api.Header{{Name: "Referer", Value: "https://other.net/from?q=1"}}

	out, changed := r.RewriteRequestHeaders(req, in)
	if !changed {
		t.Fatal("expected a mutation")
	}
	if out[0].Value != "https://other.net/" {
		t.Errorf("expected origin-only referrer, got %s", out[0].Value)
	}
	if in[0].Value != "https://other.net/from?q=1" {
		t.Error("input headers must not be mutated")
	}
	if !sink.has("r1", api.ActionHideReferrer) {
		t.Error("expected hide_referrer action recorded")
	}
}

func TestRewriteHeaders_FirstPartyReferrerKept(t *testing.T) {
	r, _, _ := newTestRewriter(t, fakeMatcher{}, onlyReferrer)

	req := Request{ID: "r1", URL: "https://example.org/page", Referrer: "https://www.example.org/", Type: api.TypeImage}
	in := []api.Header{{Name: "Referer", Value: "https://www.example.org/"}}

	if _, changed := r.RewriteRequestHeaders(req, in); changed {
		t.Error("same-site referrer must be left alone")
	}
}

func TestRewriteHeaders_HideSearchQueries(t *testing.T) {
	r, sink, _ := newTestRewriter(t, fakeMatcher{}, func(s *config.Settings) {
		s.Stealth.HideReferrer = false
		s.Stealth.SendDoNotTrack = false
		s.Stealth.BlockClientData = false
	})

	req := Request{ID: "r1", URL: "https://example.org/", Referrer: "https://www.google.com/search?q=secret", Type: api.TypeDocument}
	in := []api.Header{{Name: "Referer", Value: "https://www.google.com/search?q=secret"}}

	out, changed := r.RewriteRequestHeaders(req, in)
	if !changed {
		t.Fatal("expected a mutation")
	}
	if out[0].Value != "https://www.google.com/" {
		t.Errorf("expected origin-only search referrer, got %s", out[0].Value)
	}
	if !sink.has("r1", api.ActionHideSearchQueries) {
		t.Error("expected hide_search_queries action recorded")
	}
}

func TestRewriteHeaders_SearchQueriesOnlyForDocuments(t *testing.T) {
	r, _, _ := newTestRewriter(t, fakeMatcher{}, func(s *config.Settings) {
		s.Stealth.HideReferrer = false
		s.Stealth.SendDoNotTrack = false
		s.Stealth.BlockClientData = false
	})

	req := Request{ID: "r1", URL: "https://example.org/a.png", Referrer: "https://www.google.com/search?q=x", Type: api.TypeImage}
	in := []api.Header{{Name: "Referer", Value: "https://www.google.com/search?q=x"}}

	if _, changed := r.RewriteRequestHeaders(req, in); changed {
		t.Error("search query scrubbing applies to navigations only")
	}
}

func TestRewriteHeaders_BlockClientData(t *testing.T) {
	r, sink, _ := newTestRewriter(t, fakeMatcher{}, func(s *config.Settings) {
		s.Stealth.HideReferrer = false
		s.Stealth.HideSearchQueries = false
		s.Stealth.SendDoNotTrack = false
	})

	req := Request{ID: "r1", URL: "https://example.org/", Type: api.TypeDocument}
	in := []api.Header{
		{Name: "Accept", Value: "*/*"},
		{Name: "X-Client-Data", Value: "abc123"},
	}

	out, changed := r.RewriteRequestHeaders(req, in)
	if !changed {
		t.Fatal("expected a mutation")
	}
	if len(out) != 1 || out[0].Name != "Accept" {
		t.Errorf("expected tracking header removed, got %v", out)
	}
	if !sink.has("r1", api.ActionBlockClientData) {
		t.Error("expected block_client_data action recorded")
	}
}

func TestRewriteHeaders_SendDoNotTrack(t *testing.T) {
	r, sink, _ := newTestRewriter(t, fakeMatcher{}, func(s *config.Settings) {
		s.Stealth.HideReferrer = false
		s.Stealth.HideSearchQueries = false
		s.Stealth.BlockClientData = false
	})

	req := Request{ID: "r1", URL: "https://example.org/", Type: api.TypeDocument}

	out, changed := r.RewriteRequestHeaders(req, nil)
	if !changed {
		t.Fatal("expected DNT appended")
	}
	if len(out) != 1 || out[0].Name != "DNT" || out[0].Value != "1" {
		t.Errorf("expected DNT: 1, got %v", out)
	}
	if !sink.has("r1", api.ActionSendDoNotTrack) {
		t.Error("expected send_do_not_track action recorded")
	}

	// Already present: nothing to do.
	if _, changed := r.RewriteRequestHeaders(req, out); changed {
		t.Error("existing DNT header must not be duplicated")
	}
}

func TestRewriteHeaders_DisabledGates(t *testing.T) {
	req := Request{ID: "r1", URL: "https://example.org/", Referrer: "https://other.net/x", Type: api.TypeImage}
	in := []api.Header{{Name: "Referer", Value: "https://other.net/x"}}

	cases := []struct {
		name    string
		matcher rules.Matcher
		mutate  func(*config.Settings)
	}{
		{"stealth disabled", fakeMatcher{}, func(s *config.Settings) { s.Stealth.Enabled = false }},
		{"filtering disabled", fakeMatcher{}, func(s *config.Settings) { s.FilteringEnabled = false }},
		{"document whitelist", fakeMatcher{document: &rules.Rule{Whitelist: true, Document: true}}, nil},
		{"stealth whitelist", fakeMatcher{stealth: &rules.Rule{Whitelist: true, Stealth: true}}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, sink, _ := newTestRewriter(t, tc.matcher, tc.mutate)
			if _, changed := r.RewriteRequestHeaders(req, in); changed {
				t.Error("expected no mutation")
			}
			if len(sink.actions) != 0 {
				t.Error("expected no actions recorded")
			}
		})
	}
}

func TestRewriteHeaders_PlainWhitelistDoesNotDisable(t *testing.T) {
	// A non-document whitelist rule only disables blocking, not stealth.
	m := fakeMatcher{document: &rules.Rule{Whitelist: true, Document: false}}
	r, _, _ := newTestRewriter(t, m, onlyReferrer)

	req := Request{ID: "r1", URL: "https://example.org/", Referrer: "https://other.net/x", Type: api.TypeImage}
	in := []api.Header{{Name: "Referer", Value: "https://other.net/x"}}

	if _, changed := r.RewriteRequestHeaders(req, in); !changed {
		t.Error("expected stealth to stay active under a plain whitelist rule")
	}
}

func TestIsThirdParty(t *testing.T) {
	tests := []struct {
		url, referrer string
		want          bool
	}{
		{"https://example.org/", "https://example.org/page", false},
		{"https://www.example.org/", "https://cdn.example.org/", false},
		{"https://example.org/", "https://other.net/", true},
		{"https://example.org/", "", false},
		{"not-a-url", "https://other.net/", false},
	}
	for _, tt := range tests {
		if got := isThirdParty(tt.url, tt.referrer); got != tt.want {
			t.Errorf("isThirdParty(%s, %s) = %v, want %v", tt.url, tt.referrer, got, tt.want)
		}
	}
}
