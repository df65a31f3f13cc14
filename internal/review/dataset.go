package review

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/datapoint-review/internal/model"
	"github.com/sells-group/datapoint-review/internal/pages"
)

const noPagesComment = "no relevant pages found"

// DatasetReviewer reviews a full dataset and posts the report.
type DatasetReviewer struct {
	deps  Deps
	store DatasetStore
}

// NewDatasetReviewer creates a DatasetReviewer.
func NewDatasetReviewer(deps Deps, st DatasetStore) *DatasetReviewer {
	if deps.GroupConcurrency <= 0 {
		deps.GroupConcurrency = 4
	}
	return &DatasetReviewer{deps: deps, store: st}
}

// Review claims dataset id, builds every report group and posts the report.
// It returns nil, nil when the dataset is already claimed and opts.Force is
// not set.
func (r *DatasetReviewer) Review(ctx context.Context, id string, opts Options) (*model.DatasetReview, error) {
	opts = r.deps.resolve(opts)
	log := zap.L().With(zap.String("dataset_id", id), zap.String("model", opts.Model))
	start := time.Now()

	claim := model.ReviewedDataset{
		DatasetID: id,
		StartedAt: r.deps.clock(),
		AIModel:   opts.Model,
		UseOCR:    opts.UseOCR,
	}
	claimed, err := r.claim(ctx, claim, opts.Force)
	if err != nil {
		return nil, err
	}
	if !claimed {
		log.Info("review: dataset already claimed, skipping")
		return nil, nil
	}

	ds, err := r.deps.Platform.GetDataset(ctx, id)
	if err != nil {
		r.release(ctx, id)
		return nil, eris.Wrapf(err, "review: fetch dataset %s", id)
	}

	env := &groupEnv{deps: &r.deps, opts: opts, dataset: ds}
	if docs := pages.ResolveByDocument(ds.SourcesFor(model.AllFieldKeys())); len(docs) > 0 {
		env.doc = &docs[0]
		if len(docs) > 1 {
			log.Info("review: dataset references several documents, using the most cited",
				zap.String("file_reference", env.doc.FileReference), zap.Int("documents", len(docs)))
		}
		if err := env.load(ctx); err != nil {
			r.release(ctx, id)
			return nil, eris.Wrapf(err, "review: load document for dataset %s", id)
		}
	}

	report := r.buildReport(ctx, env)

	reportID, err := r.deps.Platform.PostReport(ctx, id, report)
	if err != nil {
		log.Error("review: post report failed, claim left incomplete", zap.Error(err))
		return nil, eris.Wrapf(err, "review: post report for dataset %s", id)
	}

	finished := r.deps.clock()
	if err := r.store.CompleteDataset(ctx, id, reportID, report, finished); err != nil {
		return nil, eris.Wrapf(err, "review: complete dataset %s", id)
	}
	claim.FinishedAt = &finished
	claim.Completed = true
	claim.ReportID = reportID

	counts := report.Counts()
	for _, l := range report.Leaves() {
		r.deps.Metrics.ObserveVerdict("dataset", l.Finding.Verdict.String())
	}
	r.deps.Metrics.ObserveReview("dataset", time.Since(start))
	log.Info("review: dataset reviewed",
		zap.String("report_id", reportID),
		zap.Int("accepted", counts.Accepted),
		zap.Int("rejected", counts.Rejected),
		zap.Int("not_attempted", counts.NotAttempted),
		zap.Duration("elapsed", time.Since(start)),
	)
	return &model.DatasetReview{Claim: claim, Report: report}, nil
}

// claim inserts the claim row. With force an existing claim is replaced.
func (r *DatasetReviewer) claim(ctx context.Context, claim model.ReviewedDataset, force bool) (bool, error) {
	ok, err := r.store.ClaimDataset(ctx, claim)
	if err != nil {
		return false, eris.Wrapf(err, "review: claim dataset %s", claim.DatasetID)
	}
	if ok || !force {
		return ok, nil
	}
	if err := r.store.DeleteDatasetClaim(ctx, claim.DatasetID); err != nil {
		return false, eris.Wrapf(err, "review: delete claim of dataset %s", claim.DatasetID)
	}
	ok, err = r.store.ClaimDataset(ctx, claim)
	if err != nil {
		return false, eris.Wrapf(err, "review: reclaim dataset %s", claim.DatasetID)
	}
	return ok, nil
}

// release drops a claim when the review failed before any report existed,
// so a later run can pick the dataset up again.
func (r *DatasetReviewer) release(ctx context.Context, id string) {
	if err := r.store.DeleteDatasetClaim(ctx, id); err != nil {
		zap.L().Error("review: release dataset claim", zap.String("dataset_id", id), zap.Error(err))
	}
}

// buildReport runs every group builder concurrently. A failing or panicking
// group becomes NotAttempted without affecting its siblings.
func (r *DatasetReviewer) buildReport(ctx context.Context, env *groupEnv) *model.Report {
	report := model.NewReport(env.dataset.ID)
	var mu sync.Mutex

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(r.deps.GroupConcurrency)
	for _, group := range Groups() {
		g.Go(func() error {
			block := r.runGroup(gCtx, env, group)
			mu.Lock()
			block.apply(report)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return report
}

func (r *DatasetReviewer) runGroup(ctx context.Context, env *groupEnv, group Group) (block Block) {
	log := zap.L().With(zap.String("dataset_id", env.dataset.ID), zap.String("group", group.Name))

	if env.doc == nil {
		return notAttemptedBlock(group, noPagesComment)
	}

	defer func() {
		if p := recover(); p != nil {
			log.Error("review: group builder panicked", zap.Any("panic", p))
			block = notAttemptedBlock(group, fmt.Sprintf("group failed: %v", p))
		}
	}()

	build, ok := Builders[group.Category]
	if !ok {
		return notAttemptedBlock(group, fmt.Sprintf("no builder for category %s", group.Category))
	}
	b, err := build(ctx, env, group)
	if err != nil {
		log.Warn("review: group builder failed", zap.Error(err))
		return notAttemptedBlock(group, fmt.Sprintf("group failed: %v", err))
	}
	return b
}
