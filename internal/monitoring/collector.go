package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/datapoint-review/internal/store"
)

// Snapshot holds a point-in-time view of review health.
type Snapshot struct {
	store.ReviewStats
	CannotValidateRate float64   `json:"cannot_validate_rate"`
	LookbackHours      int       `json:"lookback_hours"`
	CollectedAt        time.Time `json:"collected_at"`
}

// Reviewed is the number of datapoint reviews in the window.
func (s *Snapshot) Reviewed() int {
	return s.Accepted + s.Rejected + s.NotAttempted + s.CannotValidate
}

// StatsSource is the store subset the collector reads.
type StatsSource interface {
	ReviewStats(ctx context.Context, since, staleBefore time.Time) (*store.ReviewStats, error)
}

// Collector gathers snapshots from the review store.
type Collector struct {
	store    StatsSource
	staleAge time.Duration
	now      func() time.Time
}

// NewCollector creates a collector. Claims older than staleAge that are not
// complete count as stale.
func NewCollector(st StatsSource, staleAge time.Duration) *Collector {
	if staleAge <= 0 {
		staleAge = time.Hour
	}
	return &Collector{store: st, staleAge: staleAge, now: time.Now}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*Snapshot, error) {
	now := c.now().UTC()
	since := now.Add(-time.Duration(lookbackHours) * time.Hour)

	stats, err := c.store.ReviewStats(ctx, since, now.Add(-c.staleAge))
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: review stats")
	}

	snap := &Snapshot{
		ReviewStats:   *stats,
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	if n := snap.Reviewed(); n > 0 {
		snap.CannotValidateRate = float64(snap.CannotValidate) / float64(n)
	}
	return snap, nil
}
