package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mkoll/filtercore/api"
	"github.com/mkoll/filtercore/internal/config"
	"github.com/mkoll/filtercore/internal/events"
	"github.com/mkoll/filtercore/internal/hits"
	"github.com/mkoll/filtercore/internal/ledger"
	"github.com/mkoll/filtercore/internal/pipeline"
	"github.com/mkoll/filtercore/internal/reputation"
	"github.com/mkoll/filtercore/internal/stealth"
)

var replayCmd = &cobra.Command{
	Use:   "replay [flags] [events.jsonl]",
	Short: "Replay a lifecycle event capture through the pipeline",
	Long: `Replay intercepted request lifecycle events (one JSON object per line)
through the full pipeline: request tracking, stealth rewriting, reputation
checks, and filtering-log flushes. Reads from the given file, or stdin
when no file is given.`,
	Example: `  filtercore replay -c settings.yaml capture.jsonl
  cat capture.jsonl | filtercore replay -c settings.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)
}

func runReplay(cmd *cobra.Command, args []string) error {
	var cfg *config.Manager
	var err error
	if cfgFile != "" {
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("loading settings: %w", err)
		}
	} else {
		cfg = config.NewManager(config.DefaultSettings(), "")
	}
	s := cfg.Get()

	matcher, err := loadMatcher(cfg)
	if err != nil {
		return err
	}

	store, err := events.NewJSONLStore(s.LogDir, logger)
	if err != nil {
		return fmt.Errorf("creating filtering log: %w", err)
	}
	defer store.Close()

	counter := hits.NewCounter()
	led := ledger.New(store, counter, logger)
	rewriter := stealth.NewRewriter(cfg, matcher, led, logger)
	defer rewriter.Close()

	var rep *reputation.Service
	if s.Safebrowsing.Enabled && s.Safebrowsing.BackendURL != "" {
		rep = reputation.NewService(s.Safebrowsing.BackendURL, logger,
			reputation.WithCacheSize(s.Safebrowsing.CacheSize),
			reputation.WithSuspendWindow(s.Safebrowsing.Window()),
		)
	}

	p := pipeline.New(pipeline.Config{
		Settings:   cfg,
		Ledger:     led,
		Rewriter:   rewriter,
		Reputation: rep,
		Matcher:    matcher,
		Logger:     logger,
	})

	var in io.Reader = os.Stdin
	if len(args) == 1 {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("opening capture: %w", err)
		}
		defer f.Close()
		in = f
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("interrupting replay")
		cancel()
	}()

	var processed, blocked, redirected, malformed int

	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}

		var ev api.LifecycleEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			malformed++
			logger.Warn("skipping malformed event", "error", err)
			continue
		}

		d := p.HandleEvent(ctx, ev)
		processed++
		if d.Block {
			blocked++
			logger.Info("blocked", "request_id", ev.RequestID, "url", ev.URL, "list", d.List)
		}
		if d.RedirectURL != "" {
			redirected++
			logger.Info("redirected", "request_id", ev.RequestID, "to", d.RedirectURL)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("reading capture: %w", err)
	}

	summary := struct {
		Processed  int           `json:"processed"`
		Blocked    int           `json:"blocked"`
		Redirected int           `json:"redirected"`
		Malformed  int           `json:"malformed"`
		Tracked    int           `json:"tracked"`
		RuleHits   int           `json:"rule_hits"`
		Log        *events.Stats `json:"log"`
	}{
		Processed:  processed,
		Blocked:    blocked,
		Redirected: redirected,
		Malformed:  malformed,
		Tracked:    led.Size(),
		RuleHits:   counter.Total(),
		Log:        store.Stats(),
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}
