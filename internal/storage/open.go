package storage

import (
	"context"
	"errors"
	"strings"

	"newsposter/internal/article"
	logx "newsposter/pkg/logx"
)

// Store is the persistence API used by the fetch, preprocessing and run
// phases.
type Store interface {
	// LoadArticles returns the cache in fetch order, or ErrNoCache.
	LoadArticles(ctx context.Context) ([]article.Article, error)
	// SaveArticles replaces the whole cache.
	SaveArticles(ctx context.Context, all []article.Article) error
	// UpdateImages rewrites the image field of the entries keyed by cache
	// position. It is a no-op when no cache exists. Positions outside the
	// cache are returned as skipped.
	UpdateImages(ctx context.Context, images map[int]string) (skipped []int, err error)
	// Evict removes the given cache positions in one step and returns the
	// image references the removed entries held.
	Evict(ctx context.Context, positions []int) (images []string, err error)

	AppendOutcome(ctx context.Context, r OutcomeRecord) error
	// RecentOutcomes returns up to limit records, newest first.
	RecentOutcomes(ctx context.Context, limit int) ([]OutcomeRecord, error)

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// evictPlan returns the sorted, de-duplicated, in-range positions to drop,
// highest first so earlier removals never shift later ones.
func evictPlan(positions []int, n int) []int {
	seen := make(map[int]struct{}, len(positions))
	out := make([]int, 0, len(positions))
	for _, p := range positions {
		if p < 0 || p >= n {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sortDesc(out)
	return out
}

func sortDesc(v []int) {
	for i := 1; i < len(v); i++ {
		for j := i; j > 0 && v[j] > v[j-1]; j-- {
			v[j], v[j-1] = v[j-1], v[j]
		}
	}
}
