package gc

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/S1riyS/hugefs/internal/content"
	"github.com/S1riyS/hugefs/internal/metrics"
	"github.com/S1riyS/hugefs/internal/models"
	"github.com/S1riyS/hugefs/pkg/logging"
	"github.com/S1riyS/hugefs/pkg/logging/slogext"
)

// DefaultMinBackingAge protects backing files created moments before the
// inode that will name them.
const DefaultMinBackingAge = time.Minute

// Metadata is what the collector needs from the metadata store.
type Metadata interface {
	Orphans(ctx context.Context) ([]models.Inode, error)
	ReapOrphans(ctx context.Context) (models.Reclaim, int, error)
	ReferencesDigest(ctx context.Context, digest []byte) (bool, error)
	MutableBackings(ctx context.Context) (map[string]int64, error)
	DigestCounts(ctx context.Context) (map[string]int64, error)
	Check(ctx context.Context) ([]models.Violation, error)
}

// Content is what the collector needs from the content store.
type Content interface {
	Release(ctx context.Context, reclaim models.Reclaim) error
	ZeroRefs(ctx context.Context) ([]content.Digest, error)
	Length(d content.Digest) (int64, error)
	Collect(ctx context.Context, d content.Digest) (bool, int64, error)
	Unindexed(ctx context.Context) ([]content.Digest, error)
	DeleteUnindexed(ctx context.Context, d content.Digest) (bool, error)
	ListMutable() ([]string, error)
	MutableModTime(id string) (time.Time, error)
	DeleteMutable(id string) error
	RefCounts(ctx context.Context) (map[string]int64, error)
	Rebuild(ctx context.Context, counts map[string]int64) (int, error)
}

// Stats summarizes one collection.
type Stats struct {
	OrphansReaped    int   `json:"orphans_reaped"`
	DigestsScanned   int   `json:"digests_scanned"`
	DigestsCollected int   `json:"digests_collected"`
	StillReferenced  int   `json:"still_referenced"`
	OrphanBackings   int   `json:"orphan_backings"`
	UnindexedObjects int   `json:"unindexed_objects"`
	BytesReclaimed   int64 `json:"bytes_reclaimed"`
	Errors           int   `json:"errors"`
	DryRun           bool  `json:"dry_run"`
}

type Options struct {
	// DryRun reports what would be removed without removing it.
	DryRun bool

	// MinBackingAge is how old an unreferenced backing file must be before
	// it is removed. Zero means DefaultMinBackingAge.
	MinBackingAge time.Duration
}

// Collector runs one collection at a time. The background loop and requests
// from the control file share it.
type Collector struct {
	mu      sync.Mutex
	meta    Metadata
	content Content
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewCollector(meta Metadata, store Content, m *metrics.Metrics) *Collector {
	return &Collector{meta: meta, content: store, metrics: m, now: time.Now}
}

// CollectGarbage runs every pass once. Failures are counted in Stats and
// left for the next run.
func (c *Collector) CollectGarbage(ctx context.Context, options *Options) *Stats {
	const op = "gc.Collector.CollectGarbage"

	if options == nil {
		options = &Options{}
	}
	if options.MinBackingAge <= 0 {
		options.MinBackingAge = DefaultMinBackingAge
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	stats := &Stats{DryRun: options.DryRun}
	start := c.now()

	c.reapOrphans(ctx, logger, options, stats)
	c.collectDigests(ctx, logger, options, stats)
	c.sweepBackings(ctx, logger, options, stats)
	c.sweepUnindexed(ctx, logger, options, stats)

	c.metrics.RecordGCRun(stats.Errors > 0)
	logger.Info("Garbage collection finished",
		slog.Int("orphans_reaped", stats.OrphansReaped),
		slog.Int("digests_scanned", stats.DigestsScanned),
		slog.Int("digests_collected", stats.DigestsCollected),
		slog.Int("orphan_backings", stats.OrphanBackings),
		slog.Int("unindexed_objects", stats.UnindexedObjects),
		slog.Int64("bytes_reclaimed", stats.BytesReclaimed),
		slog.Int("errors", stats.Errors),
		slog.Bool("dry_run", options.DryRun),
		slog.Duration("elapsed", c.now().Sub(start)),
	)
	return stats
}

// reapOrphans destroys inodes left with no names, for example by a crash
// before the last handle was released.
func (c *Collector) reapOrphans(ctx context.Context, logger *slog.Logger, options *Options, stats *Stats) {
	if options.DryRun {
		orphans, err := c.meta.Orphans(ctx)
		if err != nil {
			logger.Error("Failed to list orphaned inodes", slogext.Err(err))
			stats.Errors++
			return
		}
		stats.OrphansReaped = len(orphans)
		return
	}

	reclaim, reaped, err := c.meta.ReapOrphans(ctx)
	if err != nil {
		logger.Error("Failed to reap orphaned inodes", slogext.Err(err))
		stats.Errors++
		return
	}
	stats.OrphansReaped = reaped
	if err := c.content.Release(ctx, reclaim); err != nil {
		stats.Errors++
	}
}

// collectDigests removes objects whose count reached zero once metadata
// confirms nothing points at them any more.
func (c *Collector) collectDigests(ctx context.Context, logger *slog.Logger, options *Options, stats *Stats) {
	digests, err := c.content.ZeroRefs(ctx)
	if err != nil {
		logger.Error("Failed to list unreferenced objects", slogext.Err(err))
		stats.Errors++
		return
	}

	for _, d := range digests {
		if ctx.Err() != nil {
			stats.Errors++
			return
		}
		stats.DigestsScanned++

		referenced, err := c.meta.ReferencesDigest(ctx, d.Bytes())
		if err != nil {
			logger.Error("Failed to check digest references", slog.String("digest", d.String()), slogext.Err(err))
			stats.Errors++
			continue
		}
		if referenced {
			logger.Warn("Zero refcount but still referenced, run check", slog.String("digest", d.String()))
			stats.StillReferenced++
			continue
		}

		if options.DryRun {
			if length, err := c.content.Length(d); err == nil {
				stats.BytesReclaimed += length
			}
			stats.DigestsCollected++
			continue
		}

		collected, freed, err := c.content.Collect(ctx, d)
		if err != nil {
			logger.Error("Failed to collect object", slog.String("digest", d.String()), slogext.Err(err))
			stats.Errors++
			continue
		}
		if collected {
			stats.DigestsCollected++
			stats.BytesReclaimed += freed
		}
	}
}

// sweepBackings removes mutable backing files that no inode points at.
func (c *Collector) sweepBackings(ctx context.Context, logger *slog.Logger, options *Options, stats *Stats) {
	ids, err := c.content.ListMutable()
	if err != nil {
		logger.Error("Failed to list backing files", slogext.Err(err))
		stats.Errors++
		return
	}
	if len(ids) == 0 {
		return
	}

	referenced, err := c.meta.MutableBackings(ctx)
	if err != nil {
		logger.Error("Failed to list referenced backings", slogext.Err(err))
		stats.Errors++
		return
	}

	cutoff := c.now().Add(-options.MinBackingAge)
	for _, id := range ids {
		if _, ok := referenced[id]; ok {
			continue
		}
		modTime, err := c.content.MutableModTime(id)
		if err != nil {
			stats.Errors++
			continue
		}
		if modTime.After(cutoff) {
			continue
		}

		stats.OrphanBackings++
		if options.DryRun {
			continue
		}
		if err := c.content.DeleteMutable(id); err != nil {
			logger.Error("Failed to delete orphan backing", slog.String("backing", id), slogext.Err(err))
			stats.Errors++
			continue
		}
		logger.Debug("Deleted orphan backing", slog.String("backing", id))
	}
}

// sweepUnindexed removes objects whose publish never reached the index.
func (c *Collector) sweepUnindexed(ctx context.Context, logger *slog.Logger, options *Options, stats *Stats) {
	digests, err := c.content.Unindexed(ctx)
	if err != nil {
		logger.Error("Failed to list unindexed objects", slogext.Err(err))
		stats.Errors++
		return
	}

	for _, d := range digests {
		referenced, err := c.meta.ReferencesDigest(ctx, d.Bytes())
		if err != nil {
			stats.Errors++
			continue
		}
		if referenced {
			logger.Warn("Referenced object is missing from the index, run check --repair-refcounts",
				slog.String("digest", d.String()))
			continue
		}

		stats.UnindexedObjects++
		if options.DryRun {
			continue
		}
		if _, err := c.content.DeleteUnindexed(ctx, d); err != nil {
			logger.Error("Failed to delete unindexed object", slog.String("digest", d.String()), slogext.Err(err))
			stats.Errors++
		}
	}
}

// Run collects every interval until ctx is done. A zero interval disables
// the loop.
func (c *Collector) Run(ctx context.Context, interval time.Duration, options *Options) {
	const op = "gc.Collector.Run"

	if interval <= 0 {
		return
	}
	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Info("Background garbage collection started", slog.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Background garbage collection stopped")
			return
		case <-ticker.C:
			c.CollectGarbage(ctx, options)
		}
	}
}
