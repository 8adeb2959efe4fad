package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/snapshot-harvester/internal/harvest"
)

// toCookieParams converts persisted cookies into CDP parameters. Cookies
// without a domain are scoped to origin.
func toCookieParams(origin string, cookies []harvest.Cookie) []*network.CookieParam {
	params := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		p := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		}
		if p.Domain == "" {
			p.URL = origin
		}
		if c.Expires > 0 {
			exp := cdp.TimeSinceEpoch(time.Unix(int64(c.Expires), 0))
			p.Expires = &exp
		}
		switch c.SameSite {
		case string(network.CookieSameSiteStrict):
			p.SameSite = network.CookieSameSiteStrict
		case string(network.CookieSameSiteLax):
			p.SameSite = network.CookieSameSiteLax
		case string(network.CookieSameSiteNone):
			p.SameSite = network.CookieSameSiteNone
		}
		params = append(params, p)
	}
	return params
}

// fromNetworkCookies converts the browser jar into persisted cookies.
func fromNetworkCookies(cookies []*network.Cookie) []harvest.Cookie {
	out := make([]harvest.Cookie, 0, len(cookies))
	for _, c := range cookies {
		if c == nil {
			continue
		}
		hc := harvest.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: string(c.SameSite),
		}
		if !c.Session && c.Expires > 0 {
			hc.Expires = c.Expires
		}
		out = append(out, hc)
	}
	return out
}

// readCookies collects every cookie the tab can see.
func readCookies(dst *[]harvest.Cookie) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		cookies, err := network.GetCookies().Do(ctx)
		if err != nil {
			return fmt.Errorf("get cookies: %w", err)
		}
		*dst = fromNetworkCookies(cookies)
		return nil
	}
}
