// Package review orchestrates datapoint and dataset reviews: it resolves the
// source pages, extracts the value with an AI model, compares it with the
// recorded value and persists the verdicts.
package review

import (
	"context"
	"time"

	"github.com/sells-group/datapoint-review/internal/compare"
	"github.com/sells-group/datapoint-review/internal/extraction"
	"github.com/sells-group/datapoint-review/internal/model"
	"github.com/sells-group/datapoint-review/internal/monitoring"
	"github.com/sells-group/datapoint-review/internal/templates"
)

// Options controls a single review run.
type Options struct {
	Model    string `json:"ai_model"`
	UseOCR   bool   `json:"use_ocr"`
	Override bool   `json:"override"`
	Force    bool   `json:"force_review"`
	PushBack bool   `json:"push_back"`
	Retries  int    `json:"retries,omitempty"`
}

// Platform is the part of the source of truth reviews read from and write to.
type Platform interface {
	GetDataset(ctx context.Context, id string) (*model.Dataset, error)
	GetDatapoint(ctx context.Context, id string) (*model.DataPoint, error)
	PostReport(ctx context.Context, datasetID string, report *model.Report) (string, error)
	SetDatapointStatus(ctx context.Context, id, status, comment string) error
}

// TextSource returns the OCR text of document pages.
type TextSource interface {
	GetText(ctx context.Context, datasetID, fileRef string, pages []int) (string, error)
}

// DocumentSource returns raw document bytes.
type DocumentSource interface {
	GetDocumentBytes(ctx context.Context, fileRef string) ([]byte, error)
}

// PageRenderer renders document pages to PNG for vision models.
type PageRenderer interface {
	RenderPages(ctx context.Context, pdf []byte, pages []int) ([][]byte, error)
}

// Extractor runs an AI extraction. It never fails; failures come back as the
// null sentinel.
type Extractor interface {
	Execute(ctx context.Context, req extraction.Request) model.ExtractionResult
}

// DatapointStore persists datapoint review outcomes.
type DatapointStore interface {
	GetDatapointReview(ctx context.Context, datapointID string) (*model.DatapointReview, error)
	SaveValidated(ctx context.Context, v *model.ValidatedDatapoint) error
	SaveCannotValidate(ctx context.Context, c *model.CannotValidateDatapoint) error
	DeleteDatapointReview(ctx context.Context, datapointID string) error
}

// DatasetStore persists dataset claims and reports.
type DatasetStore interface {
	ClaimDataset(ctx context.Context, claim model.ReviewedDataset) (bool, error)
	DeleteDatasetClaim(ctx context.Context, datasetID string) error
	CompleteDataset(ctx context.Context, datasetID, reportID string, report *model.Report, finishedAt time.Time) error
}

// Deps are the collaborators shared by both reviewers.
type Deps struct {
	Platform   Platform
	Text       TextSource
	Documents  DocumentSource
	Renderer   PageRenderer
	Extractor  Extractor
	Templates  *templates.Registry
	Tolerances compare.Tolerances
	Metrics    *monitoring.Metrics
	Defaults   Options

	// GroupConcurrency bounds the report groups built at once, default 4.
	GroupConcurrency int

	now func() time.Time
}

func (d *Deps) clock() time.Time {
	if d.now != nil {
		return d.now()
	}
	return time.Now().UTC()
}

// resolve fills unset options from the defaults.
func (d *Deps) resolve(opts Options) Options {
	if opts.Model == "" {
		opts.Model = d.Defaults.Model
	}
	if opts.Retries <= 0 {
		opts.Retries = d.Defaults.Retries
	}
	return opts
}

// dependencies reads the recorded values of the given dataset fields.
func dependencies(ds *model.Dataset, keys []string) map[string]string {
	if ds == nil || len(keys) == 0 {
		return nil
	}
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if f, ok := ds.Fields[k]; ok {
			out[k] = f.StringValue()
		}
	}
	return out
}
