package rules

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"

	"github.com/mkoll/filtercore/api"
)

// RegoMatcher implements Matcher using an embedded OPA/Rego policy, for
// deployments where allowlisting is driven by organization policy rather than
// a static pattern list.
//
// The Rego policy must define the following in package filtercore:
//
//	whitelisted: bool
//	document: bool (optional)
//	rule_name: string (optional)
//
// Input available to the policy:
//
//	input.url: string
//	input.referrer: string
//	input.type: string
//	input.stealth: bool (true when a stealth-specific rule is requested)
type RegoMatcher struct {
	mu   sync.RWMutex
	path string

	query rego.PreparedEvalQuery
}

// NewRegoMatcher creates a matcher from a .rego policy file.
func NewRegoMatcher(path string) (*RegoMatcher, error) {
	m := &RegoMatcher{path: path}
	if err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// NewRegoMatcherFromSource creates a matcher from raw Rego source.
func NewRegoMatcherFromSource(source string) (*RegoMatcher, error) {
	m := &RegoMatcher{}
	if err := m.loadSource(source); err != nil {
		return nil, err
	}
	return m, nil
}

// Reload re-reads the Rego policy file from disk and recompiles.
func (m *RegoMatcher) Reload() error {
	if m.path == "" {
		return nil
	}
	data, err := os.ReadFile(m.path)
	if err != nil {
		return fmt.Errorf("reading rego policy file: %w", err)
	}
	return m.loadSource(string(data))
}

func (m *RegoMatcher) loadSource(source string) error {
	// Parse first for a clear error position
	_, err := ast.ParseModuleWithOpts("allowlist.rego", source, ast.ParserOptions{RegoVersion: ast.RegoV1})
	if err != nil {
		return fmt.Errorf("parsing rego policy: %w", err)
	}

	r := rego.New(
		rego.Query("data.filtercore"),
		rego.Module("allowlist.rego", source),
		rego.Store(inmem.New()),
		rego.SetRegoVersion(ast.RegoV1),
	)

	query, err := r.PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("preparing rego query: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.query = query
	return nil
}

// FindWhiteListRule evaluates the policy for a document-level whitelist hit.
func (m *RegoMatcher) FindWhiteListRule(url, referrer string, rtype api.RequestType) *Rule {
	return m.eval(url, referrer, rtype, false)
}

// FindStealthWhiteListRule evaluates the policy for a stealth whitelist hit.
func (m *RegoMatcher) FindStealthWhiteListRule(url, referrer string, rtype api.RequestType) *Rule {
	return m.eval(url, referrer, rtype, true)
}

// eval runs the prepared query. Evaluation failures degrade to "no whitelist
// rule" rather than blocking the pipeline.
func (m *RegoMatcher) eval(url, referrer string, rtype api.RequestType, stealth bool) *Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()

	input := map[string]any{
		"url":      url,
		"referrer": referrer,
		"type":     string(rtype),
		"stealth":  stealth,
	}

	rs, err := m.query.Eval(context.Background(), rego.EvalInput(input))
	if err != nil || len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return nil
	}

	result, ok := rs[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return nil
	}
	if w, ok := result["whitelisted"].(bool); !ok || !w {
		return nil
	}

	rule := &Rule{Whitelist: true, Stealth: stealth}
	if d, ok := result["document"].(bool); ok {
		rule.Document = d
	}
	if name, ok := result["rule_name"].(string); ok {
		rule.Text = name
	}
	return rule
}
