package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/JakeFAU/snapshot-harvester/internal/harvest"
	"github.com/JakeFAU/snapshot-harvester/internal/storage"
)

// Stats describes the persisted state of the pipeline without touching any
// remote system.
type Stats struct {
	ItemListPath    string `json:"item_list_path"`
	ItemListPresent bool   `json:"item_list_present"`
	Items           int    `json:"items"`
	Captured        int    `json:"captured"`
	CapturedBytes   int64  `json:"captured_bytes"`
	Indexed         int    `json:"indexed"`
}

// CollectStats reads the item list, the spool and the ledger. Any of spool
// and ledger may be nil.
func CollectStats(ctx context.Context, items ItemStore, spool storage.Lister, ledger harvest.Ledger) (Stats, error) {
	s := Stats{ItemListPath: items.Path(), ItemListPresent: items.Exists()}
	if s.ItemListPresent {
		ids, err := items.Load()
		if err != nil && !errors.Is(err, harvest.ErrItemListMissing) {
			return Stats{}, fmt.Errorf("load item list: %w", err)
		}
		s.Items = len(ids)
	}
	if spool != nil {
		locs, err := spool.List(ctx, "")
		if err != nil {
			return Stats{}, fmt.Errorf("list spool: %w", err)
		}
		for _, loc := range locs {
			if !strings.HasSuffix(loc.Key, ".mhtml") {
				continue
			}
			s.Captured++
			s.CapturedBytes += loc.Size
		}
	}
	if ledger != nil {
		n, err := ledger.Count(ctx)
		if err != nil {
			return Stats{}, fmt.Errorf("count ledger: %w", err)
		}
		s.Indexed = n
	}
	return s, nil
}
