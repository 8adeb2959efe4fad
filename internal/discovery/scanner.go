// Package discovery enumerates item identifiers from an incrementally loaded
// listing and persists the resulting item list.
package discovery

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/snapshot-harvester/internal/harvest"
)

// Defaults for the convergence scan.
const (
	DefaultStaleLimit    = 8
	DefaultMaxIterations = 1000
)

// Listing is a paginated or infinitely scrolling collection.
type Listing interface {
	// Advance requests more entries (scroll, next page).
	Advance(ctx context.Context) error
	// AtEnd reports whether the listing believes it has no more entries.
	AtEnd(ctx context.Context) (bool, error)
	// Collect returns every identifier currently visible.
	Collect(ctx context.Context) ([]harvest.ItemID, error)
}

// Config bounds the scan.
type Config struct {
	StaleLimit    int
	MaxIterations int
}

// Result is the outcome of a scan.
type Result struct {
	IDs        []harvest.ItemID
	Iterations int
	Converged  bool
	// Partial is set when the iteration ceiling stopped the scan.
	Partial bool
}

// Scanner runs the convergence scan.
type Scanner struct {
	cfg    Config
	logger *zap.Logger
}

// NewScanner applies defaults to zero values.
func NewScanner(cfg Config, logger *zap.Logger) *Scanner {
	if cfg.StaleLimit <= 0 {
		cfg.StaleLimit = DefaultStaleLimit
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{cfg: cfg, logger: logger.Named("discovery")}
}

// Scan advances the listing until no new identifiers have appeared for
// StaleLimit iterations and the listing reports its end, or until
// MaxIterations is reached. Identifiers keep their first-seen order.
func (s *Scanner) Scan(ctx context.Context, listing Listing) (Result, error) {
	seen := newOrderedSet()
	if err := s.collect(ctx, listing, seen); err != nil {
		return Result{}, err
	}
	last := seen.Len()
	stale := 0
	res := Result{}

	for res.Iterations < s.cfg.MaxIterations {
		if err := ctx.Err(); err != nil {
			return Result{}, fmt.Errorf("discovery canceled: %w", err)
		}
		res.Iterations++
		if err := listing.Advance(ctx); err != nil {
			if ctx.Err() != nil {
				return Result{}, fmt.Errorf("discovery canceled: %w", ctx.Err())
			}
			s.logger.Warn("advance failed", zap.Int("iteration", res.Iterations), zap.Error(err))
		}
		if err := s.collect(ctx, listing, seen); err != nil {
			return Result{}, err
		}

		if n := seen.Len(); n > last {
			s.logger.Debug("listing grew", zap.Int("iteration", res.Iterations), zap.Int("items", n), zap.Int("new", n-last))
			last = n
			stale = 0
			continue
		}
		stale++
		if stale < s.cfg.StaleLimit {
			continue
		}
		atEnd, err := listing.AtEnd(ctx)
		if err != nil {
			s.logger.Warn("end check failed", zap.Int("iteration", res.Iterations), zap.Error(err))
			continue
		}
		if atEnd {
			res.Converged = true
			break
		}
	}

	res.IDs = seen.Items()
	if !res.Converged {
		res.Partial = true
		s.logger.Warn("discovery incomplete",
			zap.String("kind", string(harvest.KindDiscoveryIncomplete)),
			zap.Int("iterations", res.Iterations),
			zap.Int("items", len(res.IDs)),
		)
		return res, nil
	}
	s.logger.Info("discovery converged", zap.Int("iterations", res.Iterations), zap.Int("items", len(res.IDs)))
	return res, nil
}

func (s *Scanner) collect(ctx context.Context, listing Listing, seen *orderedSet) error {
	ids, err := listing.Collect(ctx)
	if err != nil {
		return fmt.Errorf("collect listing: %w", err)
	}
	for _, id := range ids {
		seen.Add(id)
	}
	return nil
}

type orderedSet struct {
	index map[harvest.ItemID]struct{}
	items []harvest.ItemID
}

func newOrderedSet() *orderedSet {
	return &orderedSet{index: make(map[harvest.ItemID]struct{})}
}

func (o *orderedSet) Add(id harvest.ItemID) {
	if id == "" {
		return
	}
	if _, ok := o.index[id]; ok {
		return
	}
	o.index[id] = struct{}{}
	o.items = append(o.items, id)
}

func (o *orderedSet) Len() int { return len(o.items) }

func (o *orderedSet) Items() []harvest.ItemID {
	return append([]harvest.ItemID(nil), o.items...)
}

// Dedupe removes duplicates and empty identifiers, keeping first-seen order.
func Dedupe(ids []harvest.ItemID) []harvest.ItemID {
	set := newOrderedSet()
	for _, id := range ids {
		set.Add(id)
	}
	return set.Items()
}
