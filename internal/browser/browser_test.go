package browser

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"

	"github.com/JakeFAU/snapshot-harvester/internal/discovery"
	"github.com/JakeFAU/snapshot-harvester/internal/harvest"
)

func TestNewLimiterValidation(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{MaxParallel: -1}, nil); err == nil {
		t.Fatal("expected error for negative max parallel")
	}
	b, err := New(Config{MaxParallel: 2, Headless: true}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer b.Close()
	if cap(b.limiter) != 2 {
		t.Fatalf("expected limiter capacity 2, got %d", cap(b.limiter))
	}
	if b.navTimeout() != defaultNavTimeout {
		t.Fatalf("expected default nav timeout, got %v", b.navTimeout())
	}
}

func TestAcquireHonorsContext(t *testing.T) {
	t.Parallel()

	b := &Browser{limiter: make(chan struct{}, 1)}
	if err := b.acquire(context.Background()); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := b.acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline while slot is held, got %v", err)
	}
	b.release()
	if err := b.acquire(context.Background()); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestAllocatorOptionsHeadlessToggle(t *testing.T) {
	t.Parallel()

	base := len(allocatorOptions(Config{Headless: true}))
	if got := len(allocatorOptions(Config{Headless: false})); got != base {
		t.Fatalf("expected same option count for both modes, got %d and %d", base, got)
	}
}

func TestCookieRoundTrip(t *testing.T) {
	t.Parallel()

	expires := float64(time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC).Unix())
	in := []harvest.Cookie{
		{Name: "sid", Value: "abc", Domain: ".example.com", Path: "/", Expires: expires, HTTPOnly: true, Secure: true, SameSite: "Lax"},
		{Name: "pref", Value: "1", Path: "/"},
	}
	params := toCookieParams("https://app.example.com", in)
	if len(params) != 2 {
		t.Fatalf("expected 2 params, got %d", len(params))
	}
	if params[0].URL != "" || params[0].Domain != ".example.com" {
		t.Fatalf("domain cookie should not be origin scoped: %+v", params[0])
	}
	if params[0].Expires == nil || params[0].SameSite != network.CookieSameSiteLax {
		t.Fatalf("expected expiry and same-site on first cookie: %+v", params[0])
	}
	if params[1].URL != "https://app.example.com" {
		t.Fatalf("expected host-only cookie scoped to origin, got %q", params[1].URL)
	}
	if params[1].Expires != nil {
		t.Fatal("session cookie must not carry an expiry")
	}

	out := fromNetworkCookies([]*network.Cookie{
		{Name: "sid", Value: "abc", Domain: ".example.com", Path: "/", Expires: expires, HTTPOnly: true, Secure: true, SameSite: network.CookieSameSiteLax},
		{Name: "pref", Value: "1", Domain: "app.example.com", Path: "/", Expires: -1, Session: true},
		nil,
	})
	if len(out) != 2 {
		t.Fatalf("expected nil cookies to be skipped, got %d", len(out))
	}
	if out[0].Expires != expires || out[0].SameSite != "Lax" || !out[0].HTTPOnly {
		t.Fatalf("unexpected persistent cookie: %+v", out[0])
	}
	if out[1].Expires != 0 {
		t.Fatalf("session cookie should have no expiry, got %v", out[1].Expires)
	}
}

func TestScriptsQuoteSelectors(t *testing.T) {
	t.Parallel()

	sel := `a[href*="/stocks/"]`
	script := collectScript(sel)
	if !strings.Contains(script, `"a[href*=\"/stocks/\"]"`) {
		t.Fatalf("selector not quoted as a JS string: %s", script)
	}
	if s := scrollScript("#list", 1500); !strings.Contains(s, `"#list"`) || !strings.Contains(s, "scrollBy(0, 1500)") {
		t.Fatalf("unexpected scroll script: %s", s)
	}
	if s := atEndScript("", 50); !strings.Contains(s, "document.scrollingElement") || !strings.Contains(s, "- 50") {
		t.Fatalf("unexpected end script: %s", s)
	}
}

func TestIDsFromHrefs(t *testing.T) {
	t.Parallel()

	resolver, err := discovery.NewResolver("", "")
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	got := idsFromHrefs(resolver, []string{
		"https://app.example.com/stocks/12/edit",
		"https://app.example.com/stocks/7/edit?tab=1",
		"https://app.example.com/stocks/12/edit",
		"https://app.example.com/settings",
	})
	if len(got) != 2 || got[0] != "12" || got[1] != "7" {
		t.Fatalf("unexpected ids: %v", got)
	}
}

func TestListingDefaults(t *testing.T) {
	t.Parallel()

	cfg := ListingConfig{}.withDefaults()
	if len(cfg.ScrollSteps) != 3 || cfg.ScrollSteps[0] != 1500 {
		t.Fatalf("unexpected scroll steps: %v", cfg.ScrollSteps)
	}
	if cfg.QuietThreshold != 3 || cfg.EndSlack != 50 {
		t.Fatalf("unexpected thresholds: %+v", cfg)
	}
	cfg = ListingConfig{ScrollSteps: []int{10}}.withDefaults()
	if len(cfg.ScrollSteps) != 1 {
		t.Fatalf("explicit steps overwritten: %v", cfg.ScrollSteps)
	}
}

func TestCheckLanding(t *testing.T) {
	t.Parallel()

	signin := []string{"sign-in"}
	if err := checkLanding("https://app.example.com/stocks/1/edit", "Stock", signin); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := checkLanding("https://app.example.com/sign-in", "Sign in", signin)
	if harvest.KindOf(err) != harvest.KindAuth {
		t.Fatalf("expected auth error, got %v", err)
	}
	err = checkLanding("https://app.example.com/stocks/1/edit", "Application Error", signin)
	if harvest.KindOf(err) != harvest.KindTransientNetwork {
		t.Fatalf("expected transient error for error page, got %v", err)
	}
}

func TestClassifyBrowserErrors(t *testing.T) {
	t.Parallel()

	live := context.Background()
	expired, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	<-expired.Done()

	if got := harvest.KindOf(classify(expired, live, "op", errors.New("boom"))); got != harvest.KindTimeout {
		t.Fatalf("caller deadline should classify as timeout, got %s", got)
	}
	if got := harvest.KindOf(classify(live, expired, "op", errors.New("boom"))); got != harvest.KindTimeout {
		t.Fatalf("tab deadline should classify as timeout, got %s", got)
	}
	rejected := harvest.Errorf(harvest.KindRemoteRejection, "op", "nope")
	if got := harvest.KindOf(classify(live, live, "op", rejected)); got != harvest.KindRemoteRejection {
		t.Fatalf("classified errors must pass through, got %s", got)
	}
	if got := harvest.KindOf(classify(live, live, "op", errors.New("net::ERR_CONNECTION_RESET"))); got != harvest.KindTransientNetwork {
		t.Fatalf("expected transient, got %s", got)
	}
}

func TestNewAuthenticatorValidation(t *testing.T) {
	t.Parallel()

	b := &Browser{}
	valid := AuthConfig{
		LoginURL:         "https://app.example.com/sign-in",
		EmailSelector:    "#email",
		PasswordSelector: "#password",
		SubmitSelector:   "button[type=submit]",
	}
	a, err := NewAuthenticator(b, valid, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.origin != "https://app.example.com" || a.cfg.ProbeURL != "https://app.example.com" {
		t.Fatalf("unexpected origin/probe: %s %s", a.origin, a.cfg.ProbeURL)
	}

	missing := valid
	missing.SubmitSelector = ""
	if _, err := NewAuthenticator(b, missing, nil, nil); err == nil {
		t.Fatal("expected error for missing selector")
	}
	relative := valid
	relative.LoginURL = "/sign-in"
	if _, err := NewAuthenticator(b, relative, nil, nil); err == nil {
		t.Fatal("expected error for relative login url")
	}
}

func TestCaptureRequiresAddressTemplate(t *testing.T) {
	t.Parallel()

	resolver, err := discovery.NewResolver("", "")
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	c, err := NewCapturer(&Browser{}, CaptureConfig{}, resolver, stubHasher{}, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = c.Capture(context.Background(), nil, "42")
	if harvest.KindOf(err) != harvest.KindInvalidInput {
		t.Fatalf("expected invalid input without an address template, got %v", err)
	}
}

type stubHasher struct{}

func (stubHasher) Hash([]byte) (string, error) { return "h", nil }
