package gc

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/S1riyS/hugefs/internal/content"
	"github.com/S1riyS/hugefs/internal/models"
	"github.com/S1riyS/hugefs/pkg/logging"
)

// Report is the result of a consistency check.
type Report struct {
	Violations         []models.Violation `json:"violations"`
	RefcountMismatches []string           `json:"refcount_mismatches"`
	Repaired           int                `json:"repaired"`
}

func (r *Report) Clean() bool {
	return len(r.Violations) == 0 && len(r.RefcountMismatches) == 0
}

// Check verifies the metadata invariants and compares every reference count
// with the number of immutable inodes naming the digest. With repair set
// the counts are rewritten from metadata. Metadata violations are only
// reported.
func (c *Collector) Check(ctx context.Context, repair bool) (*Report, error) {
	const op = "gc.Collector.Check"

	c.mu.Lock()
	defer c.mu.Unlock()

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	violations, err := c.meta.Check(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	report := &Report{Violations: violations}

	want, err := c.meta.DigestCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	have, err := c.content.RefCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	describe := func(raw string, have, want int64) string {
		d, err := content.DigestFromBytes([]byte(raw))
		if err != nil {
			return fmt.Sprintf("malformed digest %x", raw)
		}
		return fmt.Sprintf("%s: refcount %d, %d inodes", d, have, want)
	}
	for raw, n := range have {
		if n != want[raw] {
			report.RefcountMismatches = append(report.RefcountMismatches, describe(raw, n, want[raw]))
		}
	}
	for raw, n := range want {
		if _, ok := have[raw]; !ok {
			report.RefcountMismatches = append(report.RefcountMismatches, describe(raw, 0, n))
		}
	}

	sort.Strings(report.RefcountMismatches)

	if repair && len(report.RefcountMismatches) > 0 {
		report.Repaired, err = c.content.Rebuild(ctx, want)
		if err != nil {
			return report, fmt.Errorf("%s: %w", op, err)
		}
	}

	logger.Info("Check finished",
		slog.Int("violations", len(report.Violations)),
		slog.Int("refcount_mismatches", len(report.RefcountMismatches)),
		slog.Int("repaired", report.Repaired),
	)
	return report, nil
}
