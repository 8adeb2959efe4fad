// Package probe checks whether a persisted session is still accepted by the
// remote application without starting a browser.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/snapshot-harvester/internal/harvest"
)

const maxRedirects = 10

// Config controls the HTTP probe.
type Config struct {
	URL            string
	UserAgent      string
	Timeout        time.Duration
	SuccessMarkers []string
	SigninMarkers  []string
}

// HTTPProber issues one GET to an authenticated-only page with the session's
// cookies and classifies the URL it lands on after redirects.
type HTTPProber struct {
	cfg       Config
	transport http.RoundTripper
	logger    *zap.Logger
}

// New builds an HTTPProber.
func New(cfg Config, logger *zap.Logger) (*HTTPProber, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("probe url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPProber{
		cfg:       cfg,
		transport: newHTTPTransport(),
		logger:    logger.Named("probe"),
	}, nil
}

// Probe reports whether sess still reaches an authenticated page. Responses
// that redirect to sign-in or answer 401/403 are a clean "invalid"; transport
// failures and server errors are returned as errors.
func (p *HTTPProber) Probe(ctx context.Context, sess *harvest.Session) (bool, error) {
	if sess == nil {
		return false, nil
	}
	collector := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	if p.cfg.UserAgent != "" {
		collector.UserAgent = p.cfg.UserAgent
	}
	collector.SetRequestTimeout(p.cfg.Timeout)
	collector.WithTransport(p.transport)

	if err := collector.SetCookies(p.cfg.URL, httpCookies(sess.Cookies)); err != nil {
		return false, fmt.Errorf("set probe cookies: %w", err)
	}

	var (
		mu       sync.Mutex
		finalURL = p.cfg.URL
		status   int
		fetchErr error
	)
	collector.SetRedirectHandler(func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		mu.Lock()
		finalURL = req.URL.String()
		mu.Unlock()
		return nil
	})
	collector.OnResponse(func(r *colly.Response) {
		mu.Lock()
		status = r.StatusCode
		mu.Unlock()
	})
	collector.OnError(func(r *colly.Response, err error) {
		mu.Lock()
		defer mu.Unlock()
		if r != nil {
			status = r.StatusCode
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(p.cfg.URL)
	}()
	select {
	case <-ctx.Done():
		return false, harvest.Wrap(harvest.KindOf(ctx.Err()), "probe", ctx.Err())
	case err := <-done:
		mu.Lock()
		defer mu.Unlock()
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			p.logger.Debug("probe rejected", zap.Int("status", status))
			return false, nil
		}
		if err == nil {
			err = fetchErr
		}
		if err != nil {
			return false, classifyErr(status, err)
		}
		ok := Classify(finalURL, p.cfg.SuccessMarkers, p.cfg.SigninMarkers)
		p.logger.Debug("probe finished", zap.String("final_url", finalURL), zap.Int("status", status), zap.Bool("valid", ok))
		return ok, nil
	}
}

// Classify decides from the landing URL whether the session is authenticated.
// Sign-in markers win over success markers; without success markers any
// non-sign-in landing counts as authenticated.
func Classify(finalURL string, successMarkers, signinMarkers []string) bool {
	lower := strings.ToLower(finalURL)
	for _, m := range signinMarkers {
		if m != "" && strings.Contains(lower, strings.ToLower(m)) {
			return false
		}
	}
	if len(successMarkers) == 0 {
		return true
	}
	for _, m := range successMarkers {
		if m != "" && strings.Contains(lower, strings.ToLower(m)) {
			return true
		}
	}
	return false
}

func classifyErr(status int, err error) error {
	switch {
	case status >= 500 || status == http.StatusTooManyRequests:
		return harvest.Wrap(harvest.KindTransientNetwork, "probe", fmt.Errorf("status %d: %w", status, err))
	case status >= 400:
		return harvest.Wrap(harvest.KindRemoteRejection, "probe", fmt.Errorf("status %d: %w", status, err))
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return harvest.Wrap(harvest.KindTimeout, "probe", err)
	}
	return harvest.Wrap(harvest.KindTransientNetwork, "probe", err)
}

func httpCookies(cookies []harvest.Cookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(cookies))
	for _, c := range cookies {
		hc := &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Path:     c.Path,
			Domain:   c.Domain,
			HttpOnly: c.HTTPOnly,
			Secure:   c.Secure,
		}
		if c.Expires > 0 {
			hc.Expires = time.Unix(int64(c.Expires), 0)
		}
		out = append(out, hc)
	}
	return out
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
	}
}
