// Package scheduler polls the source of truth for items awaiting review and
// runs them through the reviewers.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/datapoint-review/internal/config"
	"github.com/sells-group/datapoint-review/internal/model"
	"github.com/sells-group/datapoint-review/internal/resilience"
	"github.com/sells-group/datapoint-review/internal/review"
)

// MaxIterations caps a run when no iteration count is configured.
const MaxIterations = 1000

// Lister lists items awaiting review.
type Lister interface {
	ListPending(ctx context.Context, status string, types []string, pageSize int) ([]model.PendingItem, error)
}

// DatasetReviewer reviews a dataset. A nil review means it was already claimed.
type DatasetReviewer interface {
	Review(ctx context.Context, id string, opts review.Options) (*model.DatasetReview, error)
}

// DatapointReviewer reviews a single datapoint.
type DatapointReviewer interface {
	Review(ctx context.Context, id string, opts review.Options) (*model.DatapointReview, error)
}

// DLQ stores items that failed to process.
type DLQ interface {
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
	DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error
	RemoveDLQ(ctx context.Context, id string) error
}

// Notifier receives the end-of-run summary and fatal alerts.
type Notifier interface {
	Send(ctx context.Context, text string) error
}

// Scheduler runs the polling loop.
type Scheduler struct {
	lister     Lister
	datasets   DatasetReviewer
	datapoints DatapointReviewer
	dlq        DLQ
	notifier   Notifier
	cfg        config.SchedulerConfig
	opts       review.Options

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Scheduler. opts apply to every review it runs.
func New(lister Lister, datasets DatasetReviewer, datapoints DatapointReviewer, dlq DLQ, notifier Notifier, cfg config.SchedulerConfig, opts review.Options) *Scheduler {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Scheduler{
		lister:     lister,
		datasets:   datasets,
		datapoints: datapoints,
		dlq:        dlq,
		notifier:   notifier,
		cfg:        cfg,
		opts:       opts,
		now:        func() time.Time { return time.Now().UTC() },
		sleep:      sleepCtx,
	}
}

// Run polls for up to iterations cycles. Zero or negative falls back to the
// configured count, then to MaxIterations. Item failures are logged and sent
// to the dead letter queue once per run; a listing failure ends the run with
// an error. An iteration that reviews nothing new, because the backlog is
// empty or only holds failing or claimed items, backs off for the interval.
func (s *Scheduler) Run(ctx context.Context, iterations int) (*Summary, error) {
	if iterations <= 0 {
		iterations = s.cfg.Iterations
	}
	if iterations <= 0 || iterations > MaxIterations {
		iterations = MaxIterations
	}

	sum := &Summary{}
	start := time.Now()
	var mu sync.Mutex
	deadLettered := make(map[string]bool)
	for i := 0; i < iterations; i++ {
		if err := ctx.Err(); err != nil {
			break
		}
		sum.Iterations++

		items, err := s.lister.ListPending(ctx, s.cfg.Status, s.cfg.Types, s.cfg.PageSize)
		if err != nil {
			err = eris.Wrap(err, "scheduler: list pending")
			zap.L().Error("scheduler: fatal loop error", zap.Error(err))
			s.notify(ctx, fmt.Sprintf("Review scheduler stopped: %v\n%s", err, sum))
			return sum, err
		}

		progressed := 0
		if len(items) == 0 {
			sum.IdleCycles++
			zap.L().Debug("scheduler: nothing pending", zap.Int("iteration", i+1))
		} else {
			zap.L().Info("scheduler: processing batch", zap.Int("iteration", i+1), zap.Int("items", len(items)))
			progressed = s.processBatch(ctx, items, sum, func(item model.PendingItem, itemErr error) {
				if itemErr == nil {
					return
				}
				key := itemKey(item)
				mu.Lock()
				seen := deadLettered[key]
				deadLettered[key] = true
				mu.Unlock()
				if !seen {
					s.deadLetter(ctx, item, itemErr)
				}
			})
			if progressed == 0 {
				sum.StalledCycles++
			}
		}

		if progressed == 0 && i < iterations-1 {
			zap.L().Debug("scheduler: no progress, backing off", zap.Duration("interval", s.cfg.Interval()))
			if err := s.sleep(ctx, s.cfg.Interval()); err != nil {
				break
			}
		}
	}

	sum.Elapsed = time.Since(start)
	zap.L().Info("scheduler: run complete", zap.String("summary", sum.String()))
	s.notify(ctx, sum.String())
	return sum, nil
}

// RetryDLQ reprocesses up to limit due dead letter entries. Succeeded
// entries are removed, failed ones are rescheduled with a longer delay.
func (s *Scheduler) RetryDLQ(ctx context.Context, limit int) (*Summary, error) {
	entries, err := s.dlq.DequeueDLQ(ctx, resilience.DLQFilter{DueBefore: s.now(), Limit: limit})
	if err != nil {
		return nil, eris.Wrap(err, "scheduler: dequeue dlq")
	}

	sum := &Summary{Iterations: 1}
	start := time.Now()
	items := make([]model.PendingItem, len(entries))
	byItem := make(map[string]resilience.DLQEntry, len(entries))
	for i, e := range entries {
		items[i] = e.Item
		byItem[itemKey(e.Item)] = e
	}

	s.processBatch(ctx, items, sum, func(item model.PendingItem, itemErr error) {
		entry := byItem[itemKey(item)]
		if itemErr == nil {
			if err := s.dlq.RemoveDLQ(ctx, entry.ID); err != nil {
				zap.L().Error("scheduler: remove dlq entry", zap.String("dlq_id", entry.ID), zap.Error(err))
			}
			return
		}
		next := s.now().Add(resilience.RetryDelay(entry.RetryCount + 1))
		if err := s.dlq.IncrementDLQRetry(ctx, entry.ID, next, itemErr.Error()); err != nil {
			zap.L().Error("scheduler: reschedule dlq entry", zap.String("dlq_id", entry.ID), zap.Error(err))
		}
	})

	sum.Elapsed = time.Since(start)
	return sum, nil
}

// processBatch reviews items with bounded concurrency and calls done with
// the outcome of every item. It returns how many items were reviewed, not
// counting failures and skips.
func (s *Scheduler) processBatch(ctx context.Context, items []model.PendingItem, sum *Summary, done func(model.PendingItem, error)) int {
	var mu sync.Mutex
	progressed := 0
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)

	for _, item := range items {
		g.Go(func() error {
			res, err := s.processItem(gCtx, item)

			mu.Lock()
			sum.Items++
			switch {
			case err != nil:
				sum.Errored++
			default:
				sum.add(res)
				if !res.skipped {
					progressed++
				}
			}
			mu.Unlock()

			done(item, err)
			return nil
		})
	}
	_ = g.Wait()
	return progressed
}

// itemResult is what one processed item contributes to the summary.
type itemResult struct {
	skipped bool
	counts  model.Counts
}

func (s *Scheduler) processItem(ctx context.Context, item model.PendingItem) (res itemResult, err error) {
	log := zap.L().With(zap.String("item_id", item.ID), zap.String("kind", string(item.Kind)))
	defer func() {
		if p := recover(); p != nil {
			err = eris.Errorf("scheduler: panic reviewing %s %s: %v", item.Kind, item.ID, p)
			log.Error("scheduler: item panicked", zap.Any("panic", p))
		}
	}()

	switch item.Kind {
	case model.ItemKindDatapoint:
		dr, err := s.datapoints.Review(ctx, item.ID, s.opts)
		if err != nil {
			log.Error("scheduler: datapoint review failed", zap.Error(err))
			return itemResult{}, err
		}
		if dr.Cached {
			return itemResult{skipped: true}, nil
		}
		var c model.Counts
		c.Count(dr.Verdict())
		return itemResult{counts: c}, nil

	default:
		rv, err := s.datasets.Review(ctx, item.ID, s.opts)
		if err != nil {
			log.Error("scheduler: dataset review failed", zap.Error(err))
			return itemResult{}, err
		}
		if rv == nil {
			log.Info("scheduler: dataset already claimed")
			return itemResult{skipped: true}, nil
		}
		return itemResult{counts: rv.Report.Counts()}, nil
	}
}

func (s *Scheduler) deadLetter(ctx context.Context, item model.PendingItem, cause error) {
	if s.dlq == nil {
		return
	}
	entry := resilience.NewDLQEntry(item, cause, s.cfg.DLQMaxRetries, s.now())
	if err := s.dlq.EnqueueDLQ(ctx, entry); err != nil {
		zap.L().Error("scheduler: enqueue dlq", zap.String("item_id", item.ID), zap.Error(err))
	}
}

func (s *Scheduler) notify(ctx context.Context, text string) {
	if s.notifier == nil {
		return
	}
	// The run context may already be cancelled; the summary still goes out.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := s.notifier.Send(sendCtx, text); err != nil {
		zap.L().Warn("scheduler: send notification", zap.Error(err))
	}
}

func itemKey(item model.PendingItem) string {
	return string(item.Kind) + "/" + item.ID
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
