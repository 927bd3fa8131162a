package fetcher

import (
	"context"
	"time"

	"github.com/marmos91/fetchflow/internal/logger"
)

// janitor prunes finished requests and samples the cache index until Stop.
func (f *Fetcher) janitor(ctx context.Context) {
	defer f.wg.Done()

	ticker := time.NewTicker(f.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			return
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := f.Prune(now); n > 0 {
				logger.Debug("Pruned finished requests", "count", n)
			}
			f.sampleIndex()
		}
	}
}

// Prune drops requests that finished more than Retention before now and
// returns how many were dropped.
func (f *Fetcher) Prune(now time.Time) int {
	return f.registry.prune(now.Add(-f.cfg.Retention))
}

// hitRatioer is implemented by stores with a block-cached index.
type hitRatioer interface {
	IndexCacheHitRatio() float64
}

func (f *Fetcher) sampleIndex() {
	if f.index == nil || f.store == nil {
		return
	}
	if s, ok := f.store.(hitRatioer); ok {
		f.index.RecordIndexHitRatio(s.IndexCacheHitRatio())
	}
}
