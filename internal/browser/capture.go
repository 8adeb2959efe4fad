package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/snapshot-harvester/internal/discovery"
	"github.com/JakeFAU/snapshot-harvester/internal/clock/system"
	"github.com/JakeFAU/snapshot-harvester/internal/harvest"
	"github.com/JakeFAU/snapshot-harvester/internal/probe"
)

// MHTMLContentType is the media type of captured snapshots.
const MHTMLContentType = "multipart/related"

// CaptureConfig controls page loading before the snapshot.
type CaptureConfig struct {
	// PageLoadDelay is waited after the body is ready.
	PageLoadDelay time.Duration
	// AssetTimeout bounds each asset-settle strategy.
	AssetTimeout time.Duration
	// SettleDelay is waited after the asset strategies.
	SettleDelay   time.Duration
	SigninMarkers []string
}

// assetWait is one best-effort readiness check evaluated in the page until it
// returns true.
type assetWait struct {
	name string
	expr string
}

// assetWaits run in order; a timeout of one does not skip the next.
var assetWaits = []assetWait{
	{
		name: "images",
		expr: `Array.from(document.images).every(img => img.complete && img.naturalHeight !== 0)`,
	},
	{
		name: "background_images",
		expr: `Array.from(document.querySelectorAll('*')).filter(el => {
	const bg = window.getComputedStyle(el).backgroundImage;
	return bg && bg !== 'none';
}).every(el => window.getComputedStyle(el).backgroundImage.includes('data:') || el.offsetHeight > 0)`,
	},
	{
		name: "loaders",
		expr: `document.querySelectorAll('.loading, .spinner, [data-loading="true"], .lazy-loading').length === 0`,
	},
}

// Capturer snapshots item pages as MHTML.
type Capturer struct {
	browser  *Browser
	cfg      CaptureConfig
	resolver *discovery.Resolver
	hasher   harvest.Hasher
	clock    harvest.Clock
	logger   *zap.Logger
}

var _ harvest.Capturer = (*Capturer)(nil)

// NewCapturer binds capture settings to b. The resolver turns item IDs back
// into page addresses.
func NewCapturer(b *Browser, cfg CaptureConfig, resolver *discovery.Resolver, hasher harvest.Hasher, clock harvest.Clock, logger *zap.Logger) (*Capturer, error) {
	if b == nil || resolver == nil || hasher == nil {
		return nil, fmt.Errorf("browser, resolver and hasher are required")
	}
	if cfg.AssetTimeout <= 0 {
		cfg.AssetTimeout = 30 * time.Second
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Capturer{
		browser:  b,
		cfg:      cfg,
		resolver: resolver,
		hasher:   hasher,
		clock:    clock,
		logger:   logger.Named("capture"),
	}, nil
}

// Capture loads the item page with sess and returns its MHTML snapshot.
func (c *Capturer) Capture(ctx context.Context, sess *harvest.Session, id harvest.ItemID) (harvest.Artifact, error) {
	addr := c.resolver.AddressFor(id)
	if !strings.Contains(addr, "://") {
		return harvest.Artifact{}, harvest.Errorf(harvest.KindInvalidInput, "capture", "no address template for item %s", id)
	}
	t, err := c.browser.newTab(ctx, 0)
	if err != nil {
		return harvest.Artifact{}, err
	}
	defer t.close()

	var (
		landed string
		title  string
		mhtml  string
	)
	err = t.run(ctx, "capture",
		c.browser.setupAction(sess),
		chromedp.Navigate(addr),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(c.cfg.PageLoadDelay),
		chromedp.Location(&landed),
		chromedp.Title(&title),
	)
	if err != nil {
		return harvest.Artifact{}, err
	}
	if err := checkLanding(landed, title, c.cfg.SigninMarkers); err != nil {
		return harvest.Artifact{}, err
	}

	c.waitForAssets(ctx, t, id)

	err = t.run(ctx, "capture snapshot",
		chromedp.Sleep(c.cfg.SettleDelay),
		chromedp.ActionFunc(func(ctx context.Context) error {
			data, err := page.CaptureSnapshot().WithFormat(page.CaptureSnapshotFormatMhtml).Do(ctx)
			if err != nil {
				return fmt.Errorf("capture mhtml: %w", err)
			}
			mhtml = data
			return nil
		}),
	)
	if err != nil {
		return harvest.Artifact{}, err
	}

	payload := []byte(mhtml)
	sum, err := c.hasher.Hash(payload)
	if err != nil {
		return harvest.Artifact{}, fmt.Errorf("hash snapshot: %w", err)
	}
	return harvest.Artifact{
		ItemID:      id,
		Payload:     payload,
		ContentType: MHTMLContentType,
		SourceURL:   addr,
		CapturedAt:  c.clock.Now(),
		Size:        len(payload),
		Hash:        sum,
	}, nil
}

// waitForAssets runs each strategy in order. Failures are logged and never
// fail the capture unless the caller's context is done.
func (c *Capturer) waitForAssets(ctx context.Context, t *tab, id harvest.ItemID) {
	for _, w := range assetWaits {
		if ctx.Err() != nil {
			return
		}
		var ready bool
		err := t.run(ctx, "wait for "+w.name,
			chromedp.Poll(w.expr, &ready,
				chromedp.WithPollingTimeout(c.cfg.AssetTimeout),
				chromedp.WithPollingInterval(250*time.Millisecond),
			),
		)
		if err != nil {
			c.logger.Debug("asset wait gave up, continuing",
				zap.String("item_id", id.String()), zap.String("strategy", w.name), zap.Error(err))
		}
	}
}

// checkLanding rejects pages that bounced to sign-in or rendered an error.
func checkLanding(landed, title string, signinMarkers []string) error {
	if len(signinMarkers) > 0 && !probe.Classify(landed, nil, signinMarkers) {
		return harvest.Errorf(harvest.KindAuth, "capture", "redirected to sign-in at %s", landed)
	}
	if strings.Contains(strings.ToLower(title), "error") {
		return harvest.Wrap(harvest.KindTransientNetwork, "capture", errors.New("error page: "+title))
	}
	return nil
}
