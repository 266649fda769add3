package reputation

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// ListClean is the cache sentinel for a host known not to be blocked.
	ListClean = "clean"

	// ListWhitelist is the backend sentinel translated to "no block".
	ListWhitelist = "whitelist"

	// maxResponseSize caps reputation response bodies. Larger responses are
	// rejected and treated as a non-match.
	maxResponseSize = 10 * 1024
)

// Doer issues HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Service checks request hosts against an external reputation backend,
// bounded by a long-term LRU cache, a session-scoped "already asked" prefix
// cache, and a fail-open suspension window after backend errors.
type Service struct {
	mu          sync.Mutex
	cache       *lruCache // full hash -> list name
	asked       *lruCache // query prefix -> marker
	suspendedAt time.Time

	baseURL       string
	suspendWindow time.Duration
	client        Doer
	logger        *slog.Logger
	now           func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClient sets the HTTP client used for backend lookups.
func WithClient(d Doer) Option {
	return func(s *Service) { s.client = d }
}

// WithClock injects the clock used for the suspension window.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithCacheSize bounds the long-term cache.
func WithCacheSize(n int) Option {
	return func(s *Service) {
		s.cache = newLRU(n)
	}
}

// WithSuspendWindow sets how long lookups stay suspended after a backend
// server error.
func WithSuspendWindow(d time.Duration) Option {
	return func(s *Service) { s.suspendWindow = d }
}

// NewService creates a reputation service querying the given backend base URL.
func NewService(baseURL string, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		cache:         newLRU(1000),
		asked:         newLRU(1000),
		suspendedAt:   time.Time{},
		baseURL:       baseURL,
		suspendWindow: 40 * time.Minute,
		client:        http.DefaultClient,
		logger:        logger,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Check consults the reputation cache and, if needed, the backend for the
// request's host. answered reports whether a verdict exists: a blocked host
// answers with the blocking list's name, a clean host with "". answered ==
// false means no answer at all (missing host, suspension, backend failure)
// and the caller fails open.
func (s *Service) Check(ctx context.Context, requestURL string) (list string, answered bool) {
	u, err := url.Parse(requestURL)
	if err != nil || u.Hostname() == "" {
		return "", false
	}
	host := u.Hostname()

	hosts := ExtractHosts(host)
	hashes := make([]string, len(hosts))
	for i, h := range hosts {
		hashes[i] = Hash(h)
	}

	s.mu.Lock()

	// Long-term cache first; most specific host wins and short-circuits.
	for _, h := range hashes {
		if v, ok := s.cache.get(h); ok {
			s.mu.Unlock()
			return translate(v)
		}
	}

	if s.suspendedLocked() {
		s.mu.Unlock()
		return "", false
	}

	// Prefixes not yet asked this session. If every prefix was already
	// queried earlier, the host is negatively cached as clean without
	// another network call.
	prefixes := make([]string, 0, len(hashes))
	for _, h := range hashes {
		p := Prefix(h)
		if _, ok := s.asked.get(p); !ok {
			prefixes = append(prefixes, p)
		}
	}
	if len(prefixes) == 0 {
		s.cache.put(Hash(host), ListClean)
		s.mu.Unlock()
		return "", true
	}
	s.mu.Unlock()

	sort.Strings(prefixes)
	body, status, err := s.query(ctx, prefixes)
	if err != nil {
		s.logger.Warn("reputation lookup failed", "host", host, "error", err)
		return "", false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if status >= http.StatusInternalServerError {
		s.suspendedAt = s.now()
		s.logger.Warn("reputation backend error, suspending lookups",
			"status", status, "window", s.suspendWindow)
		return "", false
	}

	s.suspendedAt = time.Time{}
	for _, p := range prefixes {
		s.asked.put(p, "1")
	}

	if status != http.StatusNoContent {
		s.cacheRecords(body)
	}

	verdict := ListClean
	for _, h := range hashes {
		if v, ok := s.cache.get(h); ok {
			verdict = v
			break
		}
	}
	s.cache.put(Hash(host), verdict)
	return translate(verdict)
}

// AddTrusted force-caches the URL's host as clean, independent of any
// network call.
func (s *Service) AddTrusted(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return fmt.Errorf("no host in %q", rawURL)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.put(Hash(u.Hostname()), ListClean)
	return nil
}

// Suspended reports whether lookups are currently suspended.
func (s *Service) Suspended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suspendedLocked()
}

func (s *Service) suspendedLocked() bool {
	if s.suspendedAt.IsZero() {
		return false
	}
	if s.now().Sub(s.suspendedAt) >= s.suspendWindow {
		s.suspendedAt = time.Time{}
		return false
	}
	return true
}

// query issues one batched prefix lookup. The response body is capped; an
// oversized body is a parse failure, not an error.
func (s *Service) query(ctx context.Context, prefixes []string) (string, int, error) {
	reqURL := s.baseURL + "?prefixes=" + strings.Join(prefixes, ",")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", 0, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusNoContent {
		return "", resp.StatusCode, nil
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return "", 0, err
	}
	if len(data) > maxResponseSize {
		s.logger.Warn("reputation response too large, ignoring", "size", len(data))
		return "", resp.StatusCode, nil
	}
	return string(data), resp.StatusCode, nil
}

// cacheRecords parses newline-separated "list:ignored:hash" records and
// caches every one, matches and non-matches alike, so sibling hosts seen in
// the same response skip the network next time.
func (s *Service) cacheRecords(body string) {
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ":", 3)
		if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
			s.logger.Debug("malformed reputation record skipped", "line", line)
			continue
		}
		s.cache.put(strings.ToUpper(parts[2]), parts[0])
	}
}

// translate converts a cached verdict to the caller-facing answer: the
// whitelist sentinel and the clean sentinel both mean "no block".
func translate(verdict string) (string, bool) {
	if verdict == ListClean || verdict == ListWhitelist {
		return "", true
	}
	return verdict, true
}
