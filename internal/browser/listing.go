package browser

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/snapshot-harvester/internal/discovery"
	"github.com/JakeFAU/snapshot-harvester/internal/harvest"
)

// ListingConfig describes the infinitely scrolling item listing.
type ListingConfig struct {
	URL               string
	ContainerSelector string
	LinkSelector      string
	ScrollSteps       []int
	// AggressiveSteps replace ScrollSteps once the listing has stopped
	// growing for QuietThreshold collections in a row.
	AggressiveSteps []int
	QuietThreshold  int
	SettleDelay     time.Duration
	// EndSlack is how close to the bottom, in pixels, counts as the end.
	EndSlack int
}

func (c ListingConfig) withDefaults() ListingConfig {
	if len(c.ScrollSteps) == 0 {
		c.ScrollSteps = []int{1500, 1200, 1000}
	}
	if len(c.AggressiveSteps) == 0 {
		c.AggressiveSteps = []int{2000, 1800, 1500}
	}
	if c.QuietThreshold <= 0 {
		c.QuietThreshold = 3
	}
	if c.LinkSelector == "" {
		c.LinkSelector = `a[href*="/stocks/"][href*="/edit"]`
	}
	if c.EndSlack <= 0 {
		c.EndSlack = 50
	}
	return c
}

// Listing is one open listing tab. It is not safe for concurrent use; the
// discovery scan drives it from a single goroutine.
type Listing struct {
	tab      *tab
	cfg      ListingConfig
	resolver *discovery.Resolver
	logger   *zap.Logger

	lastCount int
	quiet     int
}

var _ discovery.Listing = (*Listing)(nil)

// OpenListing navigates a new tab to the listing with sess applied. The
// caller must Close it.
func (b *Browser) OpenListing(ctx context.Context, sess *harvest.Session, cfg ListingConfig, resolver *discovery.Resolver) (*Listing, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("listing url is required")
	}
	if resolver == nil {
		return nil, fmt.Errorf("resolver is required")
	}
	cfg = cfg.withDefaults()
	t, err := b.newTab(ctx, 0)
	if err != nil {
		return nil, err
	}
	l := &Listing{tab: t, cfg: cfg, resolver: resolver, logger: b.logger.Named("listing")}

	navCtx, cancel := context.WithTimeout(ctx, b.navTimeout())
	defer cancel()
	err = t.run(navCtx, "open listing",
		b.setupAction(sess),
		chromedp.Navigate(cfg.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(cfg.SettleDelay),
	)
	if err != nil {
		t.close()
		return nil, err
	}
	return l, nil
}

// Close releases the tab.
func (l *Listing) Close() {
	l.tab.close()
}

// Advance scrolls the listing by the configured steps, settling after each.
func (l *Listing) Advance(ctx context.Context) error {
	steps := l.cfg.ScrollSteps
	if l.quiet >= l.cfg.QuietThreshold {
		steps = l.cfg.AggressiveSteps
	}
	actions := make([]chromedp.Action, 0, 2*len(steps))
	for _, step := range steps {
		actions = append(actions,
			chromedp.Evaluate(scrollScript(l.cfg.ContainerSelector, step), nil),
			chromedp.Sleep(l.cfg.SettleDelay),
		)
	}
	return l.tab.run(ctx, "scroll listing", actions...)
}

// AtEnd reports whether the scroll container is at its bottom.
func (l *Listing) AtEnd(ctx context.Context) (bool, error) {
	var end bool
	if err := l.tab.run(ctx, "check listing end",
		chromedp.Evaluate(atEndScript(l.cfg.ContainerSelector, l.cfg.EndSlack), &end),
	); err != nil {
		return false, err
	}
	return end, nil
}

// Collect resolves every visible item link into an identifier.
func (l *Listing) Collect(ctx context.Context) ([]harvest.ItemID, error) {
	var hrefs []string
	if err := l.tab.run(ctx, "collect listing",
		chromedp.Evaluate(collectScript(l.cfg.LinkSelector), &hrefs),
	); err != nil {
		return nil, err
	}
	ids := idsFromHrefs(l.resolver, hrefs)
	if len(ids) > l.lastCount {
		l.quiet = 0
	} else {
		l.quiet++
	}
	l.lastCount = len(ids)
	return ids, nil
}

func idsFromHrefs(resolver *discovery.Resolver, hrefs []string) []harvest.ItemID {
	ids := make([]harvest.ItemID, 0, len(hrefs))
	for _, href := range hrefs {
		if id, ok := resolver.IDFromAddress(href); ok {
			ids = append(ids, id)
		}
	}
	return discovery.Dedupe(ids)
}

// containerExpr resolves the scroll container, falling back to the document.
func containerExpr(selector string) string {
	if strings.TrimSpace(selector) == "" {
		return "document.scrollingElement || document.documentElement"
	}
	return fmt.Sprintf("(document.querySelector(%s) || document.scrollingElement || document.documentElement)", jsString(selector))
}

func scrollScript(selector string, step int) string {
	return fmt.Sprintf("(() => { const el = %s; el.scrollBy(0, %d); window.scrollBy(0, %d); return el.scrollTop; })()",
		containerExpr(selector), step, step)
}

func atEndScript(selector string, slack int) string {
	return fmt.Sprintf("(() => { const el = %s; return el.scrollTop + el.clientHeight >= el.scrollHeight - %d; })()",
		containerExpr(selector), slack)
}

func collectScript(linkSelector string) string {
	return fmt.Sprintf("Array.from(document.querySelectorAll(%s)).map(a => a.href)", jsString(linkSelector))
}
