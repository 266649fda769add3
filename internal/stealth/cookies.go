package stealth

import (
	"github.com/mkoll/filtercore/api"
	"github.com/mkoll/filtercore/internal/rules"
)

// CookieRules synthesizes cookie-lifetime removal rules for the request.
// First-party cookies get a max-age rule whenever self-destruction is on;
// third-party cookies additionally require a cross-site request that is not a
// main-frame navigation, so cross-site auth flows keep working. Whitelisted
// documents get no rules at all.
func (r *Rewriter) CookieRules(req Request) []*rules.Rule {
	s := r.cfg.Get()
	if !r.enabled(s, req.URL, req.Referrer, req.Type) {
		return nil
	}

	var out []*rules.Rule

	if s.Stealth.SelfDestructFirstPartyCookies {
		out = append(out, rules.NewCookieRule(
			s.Stealth.FirstPartyCookiesTTL*60,
			api.ActionFirstPartyCookies,
		))
	}

	if s.Stealth.SelfDestructThirdPartyCookies &&
		isThirdParty(req.URL, req.Referrer) &&
		req.Type != api.TypeDocument {
		out = append(out, rules.NewCookieRule(
			s.Stealth.ThirdPartyCookiesTTL*60,
			api.ActionThirdPartyCookies,
		))
	}

	return out
}
