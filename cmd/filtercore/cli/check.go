package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mkoll/filtercore/api"
	"github.com/mkoll/filtercore/internal/config"
	"github.com/mkoll/filtercore/internal/events"
	"github.com/mkoll/filtercore/internal/hits"
	"github.com/mkoll/filtercore/internal/ledger"
	"github.com/mkoll/filtercore/internal/pipeline"
	"github.com/mkoll/filtercore/internal/reputation"
	"github.com/mkoll/filtercore/internal/rules"
	"github.com/mkoll/filtercore/internal/stealth"
)

var (
	checkURL      string
	checkReferrer string
	checkType     string
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Dry-run a single request without a running pipeline",
	Long: `Check what decision a request would receive: blocked by reputation,
redirected to a tracking-stripped URL, or allowed through, and which
allowlist rule (if any) matched. Nothing is written to the filtering log.`,
	Example: `  filtercore check -c settings.yaml --url 'https://example.org/?utm_source=mail'
  filtercore check -c settings.yaml --url https://ads.example.net/pixel.gif --referrer https://example.org/ --type image`,
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&checkURL, "url", "", "request URL to check")
	checkCmd.Flags().StringVar(&checkReferrer, "referrer", "", "referrer URL")
	checkCmd.Flags().StringVar(&checkType, "type", string(api.TypeDocument), "request type")
	_ = checkCmd.MarkFlagRequired("url")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("--config/-c is required for check command")
	}

	mgr, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}
	s := mgr.Get()

	matcher, err := loadMatcher(mgr)
	if err != nil {
		return err
	}

	led := ledger.New(events.NopLog{}, hits.NewCounter(), logger)
	rewriter := stealth.NewRewriter(mgr, matcher, led, logger)
	defer rewriter.Close()

	var rep *reputation.Service
	if s.Safebrowsing.Enabled && s.Safebrowsing.BackendURL != "" {
		rep = reputation.NewService(s.Safebrowsing.BackendURL, logger,
			reputation.WithCacheSize(s.Safebrowsing.CacheSize),
			reputation.WithSuspendWindow(s.Safebrowsing.Window()),
		)
	}

	p := pipeline.New(pipeline.Config{
		Settings:   mgr,
		Ledger:     led,
		Rewriter:   rewriter,
		Reputation: rep,
		Matcher:    matcher,
		Logger:     logger,
	})

	ev := api.LifecycleEvent{
		Kind:      api.EventRequest,
		RequestID: "check-1",
		URL:       checkURL,
		Referrer:  checkReferrer,
		Type:      api.RequestType(checkType),
	}
	d := p.OnBeforeRequest(context.Background(), ev)

	var ruleText string
	if r := matcher.FindWhiteListRule(checkURL, checkReferrer, ev.Type); r != nil {
		ruleText = r.Text
	}

	output := struct {
		Block       bool   `json:"block"`
		List        string `json:"list,omitempty"`
		RedirectURL string `json:"redirect_url,omitempty"`
		Rule        string `json:"rule,omitempty"`
	}{
		Block:       d.Block,
		List:        d.List,
		RedirectURL: d.RedirectURL,
		Rule:        ruleText,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(output)
}

// loadMatcher builds the whitelist matcher from the settings. A Rego policy
// takes precedence over the static allowlist; with neither configured an
// empty allowlist matches nothing.
func loadMatcher(mgr *config.Manager) (rules.Matcher, error) {
	s := mgr.Get()
	if s.RegoPolicy != "" {
		m, err := rules.NewRegoMatcher(s.RegoPolicy)
		if err != nil {
			return nil, fmt.Errorf("loading rego policy: %w", err)
		}
		return m, nil
	}
	if s.AllowlistPath == "" {
		return rules.NewAllowlistMatcherFromFile(&rules.AllowlistFile{Version: 1}), nil
	}
	m, err := rules.NewAllowlistMatcher(s.AllowlistPath)
	if err != nil {
		return nil, fmt.Errorf("loading allowlist: %w", err)
	}
	return m, nil
}
