// Package browser drives headless Chrome through chromedp for the parts of
// the pipeline that need a real page: credential login, the scrolling item
// listing and MHTML capture.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/snapshot-harvester/internal/harvest"
)

// Config controls the shared browser allocator.
type Config struct {
	Headless          bool
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
}

// Browser owns the Chrome allocator and caps concurrently open tabs.
type Browser struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
	logger      *zap.Logger
}

// New creates a browser allocator. Chrome itself is launched lazily by the
// first task.
func New(cfg Config, logger *zap.Logger) (*Browser, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(cfg)...)
	return &Browser{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		logger:      logger.Named("browser"),
	}, nil
}

const defaultNavTimeout = 90 * time.Second

func allocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	opts = append(opts,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.WindowSize(1920, 1080),
	)
	return opts
}

// Close shuts Chrome down.
func (b *Browser) Close() {
	b.allocCancel()
}

// tab is one browser task bound to a caller context.
type tab struct {
	ctx     context.Context
	cancel  context.CancelFunc
	release func()
}

// newTab waits for a free slot and opens a task context. The tab is torn down
// when parent is canceled, when timeout elapses (if > 0) or on close.
func (b *Browser) newTab(parent context.Context, timeout time.Duration) (*tab, error) {
	if err := b.acquire(parent); err != nil {
		return nil, err
	}
	taskCtx, taskCancel := chromedp.NewContext(b.allocator)
	cancel := taskCancel
	if timeout > 0 {
		var timeoutCancel context.CancelFunc
		taskCtx, timeoutCancel = context.WithTimeout(taskCtx, timeout)
		cancel = func() {
			timeoutCancel()
			taskCancel()
		}
	}
	stop := context.AfterFunc(parent, cancel)
	return &tab{
		ctx:    taskCtx,
		cancel: cancel,
		release: func() {
			stop()
			cancel()
			b.release()
		},
	}, nil
}

func (t *tab) close() { t.release() }

// run executes actions in the tab bounded by both the tab and the caller
// context, and classifies failures against the caller.
func (t *tab) run(parent context.Context, op string, actions ...chromedp.Action) error {
	err := chromedp.Run(t.ctx, chromedp.ActionFunc(func(tabCtx context.Context) error {
		callCtx, cancel := context.WithCancel(tabCtx)
		defer cancel()
		if deadline, ok := parent.Deadline(); ok {
			var cancelDeadline context.CancelFunc
			callCtx, cancelDeadline = context.WithDeadline(callCtx, deadline)
			defer cancelDeadline()
		}
		stop := context.AfterFunc(parent, cancel)
		defer stop()
		for _, action := range actions {
			if err := action.Do(callCtx); err != nil {
				return err
			}
		}
		return nil
	}))
	if err != nil {
		return classify(parent, t.ctx, op, err)
	}
	return nil
}

// setupAction enables the network domain, applies the user agent and loads
// the session cookies before the first navigation.
func (b *Browser) setupAction(sess *harvest.Session) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if b.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(b.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if sess == nil || len(sess.Cookies) == 0 {
			return nil
		}
		if err := network.SetCookies(toCookieParams(sess.Origin, sess.Cookies)).Do(ctx); err != nil {
			return fmt.Errorf("set cookies: %w", err)
		}
		return nil
	})
}

func (b *Browser) acquire(ctx context.Context) error {
	if b.limiter == nil {
		return nil
	}
	select {
	case b.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

func (b *Browser) release() {
	if b.limiter == nil {
		return
	}
	select {
	case <-b.limiter:
	default:
	}
}

func (b *Browser) navTimeout() time.Duration {
	if b.cfg.NavigationTimeout > 0 {
		return b.cfg.NavigationTimeout
	}
	return defaultNavTimeout
}

// classify maps a chromedp failure onto an error kind. Deadlines of either
// the caller or the tab are timeouts; everything else is treated as a
// transient page or protocol failure.
func classify(parent, taskCtx context.Context, op string, err error) error {
	var he *harvest.Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &he):
		return err
	case parent.Err() != nil:
		return harvest.Wrap(harvest.KindOf(parent.Err()), op, err)
	case taskCtx.Err() != nil:
		return harvest.Wrap(harvest.KindTimeout, op, err)
	default:
		return harvest.Wrap(harvest.KindOf(err), op, err)
	}
}

// jsString renders s as a JavaScript string literal.
func jsString(s string) string {
	data, _ := json.Marshal(s)
	return string(data)
}
