package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mkoll/filtercore/api"
	"github.com/mkoll/filtercore/internal/rules"
)

// JSONLStore is an append-only JSONL filtering log with size-based rotation.
// It keeps a bounded in-memory buffer for queries and per-tab clearing, and
// supports real-time subscribers.
type JSONLStore struct {
	mu     sync.Mutex
	writer *lumberjack.Logger
	logger *slog.Logger

	records []*Record
	maxMem  int

	subMu   sync.RWMutex
	subs    map[int]chan *Record
	nextSub int
}

// NewJSONLStore creates a store writing to <dir>/events.jsonl.
func NewJSONLStore(dir string, logger *slog.Logger) (*JSONLStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating event log directory: %w", err)
	}
	return &JSONLStore{
		writer: &lumberjack.Logger{
			Filename:   filepath.Join(dir, "events.jsonl"),
			MaxSize:    20, // MB
			MaxBackups: 5,
		},
		logger: logger,
		maxMem: 10000,
		subs:   make(map[int]chan *Record),
	}, nil
}

func (s *JSONLStore) AddHTTPRequestEvent(tab *api.TabInfo, url, referrer string, rtype api.RequestType, rule *rules.Rule, eventID uint64) {
	s.write(&Record{
		Kind:     KindRequest,
		TabID:    tabID(tab),
		EventID:  eventID,
		URL:      url,
		Referrer: referrer,
		Type:     rtype,
		Rule:     rule,
	})
}

func (s *JSONLStore) BindRuleToHTTPRequestEvent(tab *api.TabInfo, rule *rules.Rule, eventID uint64) {
	s.write(&Record{
		Kind:    KindRuleBinding,
		TabID:   tabID(tab),
		EventID: eventID,
		Rule:    rule,
	})
}

func (s *JSONLStore) BindReplaceRulesToHTTPRequestEvent(tab *api.TabInfo, rs []*rules.Rule, eventID uint64) {
	s.write(&Record{
		Kind:    KindReplaceRules,
		TabID:   tabID(tab),
		EventID: eventID,
		Rules:   rs,
	})
}

func (s *JSONLStore) BindStealthActionsToHTTPRequestEvent(tab *api.TabInfo, actions api.StealthActionSet, eventID uint64) {
	s.write(&Record{
		Kind:    KindStealthActions,
		TabID:   tabID(tab),
		EventID: eventID,
		Actions: actions.List(),
	})
}

func (s *JSONLStore) AddCosmeticEvent(tab *api.TabInfo, element, url string, rule *rules.Rule, eventID uint64) {
	s.write(&Record{
		Kind:    KindCosmetic,
		TabID:   tabID(tab),
		EventID: eventID,
		URL:     url,
		Element: element,
		Rule:    rule,
	})
}

func (s *JSONLStore) ClearEventsByTabID(id int64) {
	s.mu.Lock()
	kept := s.records[:0]
	for _, r := range s.records {
		if r.TabID != id {
			kept = append(kept, r)
		}
	}
	s.records = kept
	s.mu.Unlock()

	// The clear itself is journaled so a log reader can reconstruct tab state.
	s.write(&Record{Kind: KindClear, TabID: id})
}

// Query retrieves buffered records matching the filter, oldest first.
func (s *JSONLStore) Query(f QueryFilter) []*Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Record
	for _, r := range s.records {
		if f.TabID != 0 && r.TabID != f.TabID {
			continue
		}
		if f.Kind != "" && r.Kind != f.Kind {
			continue
		}
		if f.EventID != 0 && r.EventID != f.EventID {
			continue
		}
		out = append(out, r)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// Stats returns aggregate counts over the buffered records.
func (s *JSONLStore) Stats() *Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := &Stats{
		ByKind: make(map[Kind]int),
		ByTab:  make(map[int64]int),
	}
	for _, r := range s.records {
		st.Total++
		st.ByKind[r.Kind]++
		st.ByTab[r.TabID]++
	}
	return st
}

// Subscribe returns a channel receiving new records in real time. The
// returned function cancels the subscription.
func (s *JSONLStore) Subscribe() (<-chan *Record, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	ch := make(chan *Record, 100)
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch

	cancel := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subs, id)
		close(ch)
	}
	return ch, cancel
}

// Close flushes and closes the underlying file.
func (s *JSONLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writer.Close()
}

func (s *JSONLStore) write(r *Record) {
	r.ID = uuid.NewString()
	r.Timestamp = time.Now()

	data, err := json.Marshal(r)
	if err != nil {
		s.logger.Error("marshaling event record", "error", err)
		return
	}

	s.mu.Lock()
	if _, err := s.writer.Write(append(data, '\n')); err != nil {
		s.logger.Error("writing event record", "error", err)
	}
	if r.Kind != KindClear {
		if len(s.records) >= s.maxMem {
			s.records = s.records[1:]
		}
		s.records = append(s.records, r)
	}
	s.mu.Unlock()

	s.notify(r)
}

func (s *JSONLStore) notify(r *Record) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- r:
		default:
			// Drop if subscriber is slow
		}
	}
}

func tabID(tab *api.TabInfo) int64 {
	if tab == nil {
		return 0
	}
	return tab.ID
}
