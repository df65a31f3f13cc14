package review

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/datapoint-review/internal/compare"
	"github.com/sells-group/datapoint-review/internal/extraction"
	"github.com/sells-group/datapoint-review/internal/model"
	"github.com/sells-group/datapoint-review/internal/pages"
	"github.com/sells-group/datapoint-review/internal/templates"
	"github.com/sells-group/datapoint-review/pkg/platform"
)

// DatapointReviewer reviews one datapoint at a time.
type DatapointReviewer struct {
	deps  Deps
	store DatapointStore
}

// NewDatapointReviewer creates a DatapointReviewer.
func NewDatapointReviewer(deps Deps, st DatapointStore) *DatapointReviewer {
	return &DatapointReviewer{deps: deps, store: st}
}

// Review returns the persisted review of datapoint id, running it first when
// none exists or opts.Override is set. Fetch and configuration problems are
// recorded as CannotValidate rather than returned; the error return is for
// store failures only.
func (r *DatapointReviewer) Review(ctx context.Context, id string, opts Options) (*model.DatapointReview, error) {
	opts = r.deps.resolve(opts)
	log := zap.L().With(zap.String("datapoint_id", id), zap.String("model", opts.Model))
	start := time.Now()

	existing, err := r.store.GetDatapointReview(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "review: load datapoint review %s", id)
	}
	if existing != nil && !opts.Override {
		log.Debug("review: datapoint already reviewed")
		existing.Cached = true
		existing.Persisted = true
		return existing, nil
	}
	if existing != nil {
		if err := r.store.DeleteDatapointReview(ctx, id); err != nil {
			return nil, eris.Wrapf(err, "review: delete datapoint review %s", id)
		}
		log.Info("review: override, previous review deleted")
	}

	meta := model.RunMetadata{AIModel: opts.Model, UseOCR: opts.UseOCR, Override: opts.Override}

	dp, err := r.deps.Platform.GetDatapoint(ctx, id)
	if err != nil {
		log.Warn("review: datapoint fetch failed", zap.Error(err))
		return r.cannotValidate(ctx, id, "", fmt.Sprintf("fetch datapoint: %v", err), meta), nil
	}

	tmpl, ok := r.deps.Templates.Lookup(dp.Type)
	if !ok {
		log.Warn("review: no template for datapoint type", zap.String("type", dp.Type))
		return r.cannotValidate(ctx, id, dp.Type, fmt.Sprintf("no template for type %s", dp.Type), meta), nil
	}

	req, reason := r.prepare(ctx, dp, tmpl, opts)
	if reason != "" {
		log.Warn("review: cannot validate datapoint", zap.String("reason", reason))
		return r.cannotValidate(ctx, id, dp.Type, reason, meta), nil
	}

	result := r.deps.Extractor.Execute(ctx, req)
	outcome := compareDatapoint(dp, tmpl, result, r.deps.Tolerances)

	meta.ReviewedAt = r.deps.clock()
	v := &model.ValidatedDatapoint{
		DatapointID:     id,
		DatapointType:   dp.Type,
		PreviousAnswer:  dp.Value,
		PredictedAnswer: result.AnswerString(),
		Confidence:      result.Confidence,
		Reasoning:       result.Reasoning,
		Verdict:         outcome.Verdict,
		Comment:         outcome.Comment,
		Quality:         outcome.Quality,
		RunMetadata:     meta,
	}
	if outcome.Verdict == model.VerdictRejected && outcome.Correction != nil {
		v.Correction = fmt.Sprint(outcome.Correction)
	}

	out := &model.DatapointReview{Validated: v, Persisted: true}
	if err := r.store.SaveValidated(ctx, v); err != nil {
		log.Error("review: persist validated datapoint", zap.Error(err))
		out.Persisted = false
	}

	if opts.PushBack {
		r.pushBack(ctx, v)
	}

	r.deps.Metrics.ObserveVerdict("datapoint", v.Verdict.String())
	r.deps.Metrics.ObserveReview("datapoint", time.Since(start))
	log.Info("review: datapoint reviewed",
		zap.String("verdict", v.Verdict.String()),
		zap.Float64("confidence", v.Confidence),
		zap.Int("attempts", result.Attempts),
	)
	return out, nil
}

// prepare builds the extraction request. A non-empty reason means the
// datapoint cannot be validated.
func (r *DatapointReviewer) prepare(ctx context.Context, dp *model.DataPoint, tmpl *templates.Template, opts Options) (extraction.Request, string) {
	if dp.Provenance == nil || dp.Provenance.FileReference == "" {
		return extraction.Request{}, "no document reference"
	}
	pageList, err := pages.ParseRef(dp.Provenance.Page)
	if err != nil || len(pageList) == 0 {
		return extraction.Request{}, "no relevant pages found"
	}

	data := templates.PromptData{
		FieldKey:        dp.ID,
		FieldType:       dp.Type,
		CompanyID:       dp.CompanyID,
		ReportingPeriod: dp.ReportingPeriod,
		Pages:           pageList,
	}

	if len(tmpl.DependsOn) > 0 && dp.DatasetID != "" {
		ds, err := r.deps.Platform.GetDataset(ctx, dp.DatasetID)
		if err != nil {
			zap.L().Warn("review: dependency values unavailable",
				zap.String("datapoint_id", dp.ID), zap.String("dataset_id", dp.DatasetID), zap.Error(err))
		} else {
			data.Dependencies = dependencies(ds, tmpl.DependsOn)
		}
	}

	req := extraction.Request{
		Model:    opts.Model,
		Retries:  opts.Retries,
		Schema:   tmpl.Schema,
		Freeform: tmpl.Freeform,
	}
	if opts.UseOCR {
		text, err := r.deps.Text.GetText(ctx, dp.DatasetID, dp.Provenance.FileReference, pageList)
		if err != nil {
			return extraction.Request{}, fmt.Sprintf("document text: %v", err)
		}
		data.Document = text
	} else {
		images, err := renderPages(ctx, r.deps, dp.Provenance.FileReference, pageList)
		if err != nil {
			return extraction.Request{}, fmt.Sprintf("document images: %v", err)
		}
		req.Images = images
		data.Document = "(see the attached page images)"
	}

	prompt, err := tmpl.Render(data)
	if err != nil {
		return extraction.Request{}, err.Error()
	}
	req.Prompt = prompt
	return req, ""
}

func renderPages(ctx context.Context, deps Deps, fileRef string, pageList []int) ([][]byte, error) {
	if deps.Documents == nil || deps.Renderer == nil {
		return nil, eris.New("review: vision mode is not configured")
	}
	pdf, err := deps.Documents.GetDocumentBytes(ctx, fileRef)
	if err != nil {
		return nil, err
	}
	return deps.Renderer.RenderPages(ctx, pdf, pageList)
}

// compareDatapoint applies the comparison policy of the template.
func compareDatapoint(dp *model.DataPoint, tmpl *templates.Template, res model.ExtractionResult, tol compare.Tolerances) compare.Outcome {
	if res.Failed {
		return compare.Outcome{
			Field:   dp.ID,
			Verdict: model.VerdictNotAttempted,
			Comment: "extraction failed: " + res.Reasoning,
		}
	}
	if tmpl.Category == templates.CategoryNumeric {
		return compare.Numeric(dp.ID, dp.Value, res.PredictedAnswer, tol.For(dp.Type))
	}
	return compare.Categorical(dp.ID, dp.Value, res.AnswerString())
}

func (r *DatapointReviewer) cannotValidate(ctx context.Context, id, dataType, reason string, meta model.RunMetadata) *model.DatapointReview {
	meta.ReviewedAt = r.deps.clock()
	c := &model.CannotValidateDatapoint{
		DatapointID:   id,
		DatapointType: dataType,
		Reason:        reason,
		RunMetadata:   meta,
	}
	out := &model.DatapointReview{CannotValidate: c, Persisted: true}
	if err := r.store.SaveCannotValidate(ctx, c); err != nil {
		zap.L().Error("review: persist cannot-validate datapoint", zap.String("datapoint_id", id), zap.Error(err))
		out.Persisted = false
	}
	r.deps.Metrics.ObserveVerdict("datapoint", "CannotValidate")
	return out
}

func (r *DatapointReviewer) pushBack(ctx context.Context, v *model.ValidatedDatapoint) {
	status, ok := platform.StatusFor(v.Verdict)
	if !ok {
		return
	}
	if err := r.deps.Platform.SetDatapointStatus(ctx, v.DatapointID, status, v.Comment); err != nil {
		zap.L().Error("review: push back datapoint status",
			zap.String("datapoint_id", v.DatapointID), zap.String("status", status), zap.Error(err))
	}
}
