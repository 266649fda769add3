package events

import (
	"github.com/mkoll/filtercore/api"
	"github.com/mkoll/filtercore/internal/rules"
)

// NopLog discards every event. Useful for dry runs and as a test double.
type NopLog struct{}

var _ Log = NopLog{}

func (NopLog) AddHTTPRequestEvent(*api.TabInfo, string, string, api.RequestType, *rules.Rule, uint64) {
}

func (NopLog) BindRuleToHTTPRequestEvent(*api.TabInfo, *rules.Rule, uint64) {}

func (NopLog) BindReplaceRulesToHTTPRequestEvent(*api.TabInfo, []*rules.Rule, uint64) {}

func (NopLog) BindStealthActionsToHTTPRequestEvent(*api.TabInfo, api.StealthActionSet, uint64) {}

func (NopLog) AddCosmeticEvent(*api.TabInfo, string, string, *rules.Rule, uint64) {}

func (NopLog) ClearEventsByTabID(int64) {}
