package browser

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"

	"github.com/JakeFAU/snapshot-harvester/internal/clock/system"
	"github.com/JakeFAU/snapshot-harvester/internal/harvest"
	"github.com/JakeFAU/snapshot-harvester/internal/probe"
	"github.com/JakeFAU/snapshot-harvester/internal/session"
)

// AuthConfig describes the login form and how to recognize its outcome.
type AuthConfig struct {
	LoginURL         string
	ProbeURL         string
	EmailSelector    string
	PasswordSelector string
	SubmitSelector   string
	// ModalSelector, when set, is dismissed with Escape before submitting.
	ModalSelector  string
	SuccessMarkers []string
	SigninMarkers  []string
	PollInterval   time.Duration
}

// Authenticator logs in through the real sign-in form and can probe a
// session by loading an authenticated page.
type Authenticator struct {
	browser *Browser
	cfg     AuthConfig
	origin  string
	clock   harvest.Clock
	logger  *zap.Logger
}

var (
	_ session.Authenticator = (*Authenticator)(nil)
	_ session.Prober        = (*Authenticator)(nil)
)

// NewAuthenticator validates cfg and binds it to b.
func NewAuthenticator(b *Browser, cfg AuthConfig, clock harvest.Clock, logger *zap.Logger) (*Authenticator, error) {
	if b == nil {
		return nil, fmt.Errorf("browser is required")
	}
	if cfg.LoginURL == "" {
		return nil, fmt.Errorf("login url is required")
	}
	if cfg.EmailSelector == "" || cfg.PasswordSelector == "" || cfg.SubmitSelector == "" {
		return nil, fmt.Errorf("login form selectors are required")
	}
	origin, err := originOf(cfg.LoginURL)
	if err != nil {
		return nil, err
	}
	if cfg.ProbeURL == "" {
		cfg.ProbeURL = origin
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authenticator{
		browser: b,
		cfg:     cfg,
		origin:  origin,
		clock:   clock,
		logger:  logger.Named("auth"),
	}, nil
}

// Login fills in the sign-in form and waits for a landing page that matches
// the success markers. The caller's deadline bounds the whole attempt.
func (a *Authenticator) Login(ctx context.Context, creds session.Credentials) (*harvest.Session, error) {
	t, err := a.browser.newTab(ctx, 0)
	if err != nil {
		return nil, err
	}
	defer t.close()

	var (
		landed  string
		cookies []harvest.Cookie
	)
	err = t.run(ctx, "login",
		a.browser.setupAction(nil),
		chromedp.Navigate(a.cfg.LoginURL),
		chromedp.WaitVisible(a.cfg.EmailSelector, chromedp.ByQuery),
		chromedp.SendKeys(a.cfg.EmailSelector, creds.Email, chromedp.ByQuery),
		chromedp.SendKeys(a.cfg.PasswordSelector, creds.Password, chromedp.ByQuery),
		a.dismissModal(),
		chromedp.Click(a.cfg.SubmitSelector, chromedp.ByQuery),
		a.waitForLanding(&landed),
		readCookies(&cookies),
	)
	if err != nil {
		return nil, err
	}
	if len(cookies) == 0 {
		return nil, harvest.Errorf(harvest.KindAuth, "login", "no cookies after landing on %s", landed)
	}
	a.logger.Info("login landed", zap.String("url", landed), zap.Int("cookies", len(cookies)))
	return &harvest.Session{
		Origin:    a.origin,
		Cookies:   cookies,
		CreatedAt: a.clock.Now(),
	}, nil
}

// Probe loads the probe page with sess and classifies where it lands.
func (a *Authenticator) Probe(ctx context.Context, sess *harvest.Session) (bool, error) {
	if sess == nil {
		return false, nil
	}
	t, err := a.browser.newTab(ctx, a.browser.navTimeout())
	if err != nil {
		return false, err
	}
	defer t.close()

	var landed string
	err = t.run(ctx, "probe",
		a.browser.setupAction(sess),
		chromedp.Navigate(a.cfg.ProbeURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Location(&landed),
	)
	if err != nil {
		return false, err
	}
	ok := probe.Classify(landed, a.cfg.SuccessMarkers, a.cfg.SigninMarkers)
	a.logger.Debug("browser probe finished", zap.String("final_url", landed), zap.Bool("valid", ok))
	return ok, nil
}

func (a *Authenticator) dismissModal() chromedp.ActionFunc {
	return func(ctx context.Context) error {
		if a.cfg.ModalSelector == "" {
			return nil
		}
		var present bool
		expr := fmt.Sprintf("document.querySelector(%s) !== null", jsString(a.cfg.ModalSelector))
		if err := chromedp.Evaluate(expr, &present).Do(ctx); err != nil {
			return fmt.Errorf("check modal: %w", err)
		}
		if !present {
			return nil
		}
		a.logger.Debug("dismissing modal before submit")
		return chromedp.KeyEvent(kb.Escape).Do(ctx)
	}
}

// waitForLanding polls the tab location until it classifies as signed in.
func (a *Authenticator) waitForLanding(landed *string) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		ticker := time.NewTicker(a.cfg.PollInterval)
		defer ticker.Stop()
		for {
			if err := chromedp.Location(landed).Do(ctx); err != nil {
				return fmt.Errorf("read location: %w", err)
			}
			if *landed != a.cfg.LoginURL && probe.Classify(*landed, a.cfg.SuccessMarkers, a.cfg.SigninMarkers) {
				return nil
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("waiting for dashboard, last at %s: %w", *landed, ctx.Err())
			case <-ticker.C:
			}
		}
	}
}

func originOf(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse login url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("login url %q must be absolute", raw)
	}
	return u.Scheme + "://" + u.Host, nil
}
