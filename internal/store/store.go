// Package store persists review state: dataset claims and reports, datapoint
// review outcomes, cached OCR pages and the dead letter queue.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/datapoint-review/internal/config"
	"github.com/sells-group/datapoint-review/internal/model"
	"github.com/sells-group/datapoint-review/internal/resilience"
)

// ErrNotFound is returned when a keyed lookup or update matches no row.
var ErrNotFound = eris.New("store: not found")

// ReviewStats summarises review activity since a point in time.
type ReviewStats struct {
	Since          time.Time `json:"since"`
	Accepted       int       `json:"accepted"`
	Rejected       int       `json:"rejected"`
	NotAttempted   int       `json:"not_attempted"`
	CannotValidate int       `json:"cannot_validate"`
	DatasetsDone   int       `json:"datasets_done"`
	DatasetsOpen   int       `json:"datasets_open"`
	StaleClaims    int       `json:"stale_claims"`
	DLQDepth       int       `json:"dlq_depth"`
}

// Store defines the persistence interface for the review engine.
type Store interface {
	// Dataset claims. ClaimDataset reports false when a claim already exists.
	ClaimDataset(ctx context.Context, claim model.ReviewedDataset) (bool, error)
	GetDatasetClaim(ctx context.Context, datasetID string) (*model.ReviewedDataset, error)
	DeleteDatasetClaim(ctx context.Context, datasetID string) error
	CompleteDataset(ctx context.Context, datasetID, reportID string, report *model.Report, finishedAt time.Time) error
	GetDatasetReport(ctx context.Context, datasetID string) (*model.Report, error)

	// Datapoint reviews. Saving either kind replaces any record of the other
	// kind for the same datapoint. GetDatapointReview returns nil, nil when
	// no record exists.
	GetDatapointReview(ctx context.Context, datapointID string) (*model.DatapointReview, error)
	SaveValidated(ctx context.Context, v *model.ValidatedDatapoint) error
	SaveCannotValidate(ctx context.Context, c *model.CannotValidateDatapoint) error
	DeleteDatapointReview(ctx context.Context, datapointID string) error

	// Cached OCR pages. InsertCachedPages never overwrites and returns the
	// number of rows written.
	GetCachedPages(ctx context.Context, fileRef string, pages []int) (map[int]string, error)
	InsertCachedPages(ctx context.Context, pages []model.CachedDocumentPage) (int, error)

	// Dead letter queue
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
	DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	ListDLQ(ctx context.Context, limit int) ([]resilience.DLQEntry, error)
	IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error
	RemoveDLQ(ctx context.Context, id string) error
	CountDLQ(ctx context.Context) (int, error)

	// Monitoring
	ReviewStats(ctx context.Context, since, staleBefore time.Time) (*ReviewStats, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// Open connects to the backend selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "postgres", "":
		return NewPostgres(ctx, cfg.DatabaseURL, &PoolConfig{MaxConns: cfg.MaxConns})
	case "sqlite":
		return NewSQLite(cfg.DatabaseURL)
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
}
