package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/datapoint-review/internal/db"
	"github.com/sells-group/datapoint-review/internal/model"
	"github.com/sells-group/datapoint-review/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements are prepared on each new connection.
var preparedStatements = map[string]string{
	"get_validated":    `SELECT ` + validatedColumns + ` FROM validated_datapoints WHERE datapoint_id = $1`,
	"get_cannot":       `SELECT ` + cannotColumns + ` FROM cannot_validate_datapoints WHERE datapoint_id = $1`,
	"get_cached_pages": `SELECT page, text FROM cached_document_pages WHERE file_reference = $1 AND page = ANY($2)`,
	"get_claim":        `SELECT ` + claimColumns + ` FROM reviewed_datasets WHERE dataset_id = $1`,
}

const (
	claimColumns     = `dataset_id, started_at, finished_at, completed, report_id, ai_model, use_ocr`
	validatedColumns = `datapoint_id, datapoint_type, previous_answer, predicted_answer, confidence, reasoning,
	verdict, comment, correction, quality, ai_model, use_ocr, override, reviewed_at`
	cannotColumns = `datapoint_id, datapoint_type, reason, ai_model, use_ocr, override, reviewed_at`
	dlqColumns    = `id, item, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at`
)

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(1)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		// Statements over tables that do not exist yet fail until Migrate has run.
		for name, sql := range preparedStatements {
			_, _ = conn.Prepare(ctx, name, sql)
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS reviewed_datasets (
	dataset_id  TEXT PRIMARY KEY,
	started_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at TIMESTAMPTZ,
	completed   BOOLEAN NOT NULL DEFAULT false,
	report_id   TEXT NOT NULL DEFAULT '',
	ai_model    TEXT NOT NULL DEFAULT '',
	use_ocr     BOOLEAN NOT NULL DEFAULT false,
	report      JSONB
);

CREATE INDEX IF NOT EXISTS idx_reviewed_datasets_open ON reviewed_datasets(completed, started_at);

CREATE TABLE IF NOT EXISTS validated_datapoints (
	datapoint_id     TEXT PRIMARY KEY,
	datapoint_type   TEXT NOT NULL,
	previous_answer  TEXT NOT NULL DEFAULT '',
	predicted_answer TEXT NOT NULL DEFAULT '',
	confidence       DOUBLE PRECISION NOT NULL DEFAULT 0,
	reasoning        TEXT NOT NULL DEFAULT '',
	verdict          TEXT NOT NULL,
	comment          TEXT NOT NULL DEFAULT '',
	correction       TEXT NOT NULL DEFAULT '',
	quality          TEXT NOT NULL DEFAULT '',
	ai_model         TEXT NOT NULL DEFAULT '',
	use_ocr          BOOLEAN NOT NULL DEFAULT false,
	override         BOOLEAN NOT NULL DEFAULT false,
	reviewed_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_validated_reviewed_at ON validated_datapoints(reviewed_at);

CREATE TABLE IF NOT EXISTS cannot_validate_datapoints (
	datapoint_id   TEXT PRIMARY KEY,
	datapoint_type TEXT NOT NULL DEFAULT '',
	reason         TEXT NOT NULL,
	ai_model       TEXT NOT NULL DEFAULT '',
	use_ocr        BOOLEAN NOT NULL DEFAULT false,
	override       BOOLEAN NOT NULL DEFAULT false,
	reviewed_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_cannot_validate_reviewed_at ON cannot_validate_datapoints(reviewed_at);

CREATE TABLE IF NOT EXISTS cached_document_pages (
	file_reference TEXT NOT NULL,
	page           INTEGER NOT NULL,
	text           TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (file_reference, page)
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY,
	item           JSONB NOT NULL,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'transient',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_failed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_dlq_error_type ON dead_letter_queue(error_type);
CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dead_letter_queue(next_retry_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Dataset claims

func (s *PostgresStore) ClaimDataset(ctx context.Context, claim model.ReviewedDataset) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO reviewed_datasets (dataset_id, started_at, completed, ai_model, use_ocr)
		 VALUES ($1, $2, false, $3, $4)
		 ON CONFLICT (dataset_id) DO NOTHING`,
		claim.DatasetID, claim.StartedAt, claim.AIModel, claim.UseOCR,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: claim dataset %s", claim.DatasetID)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) GetDatasetClaim(ctx context.Context, datasetID string) (*model.ReviewedDataset, error) {
	var c model.ReviewedDataset
	err := s.pool.QueryRow(ctx,
		`SELECT `+claimColumns+` FROM reviewed_datasets WHERE dataset_id = $1`,
		datasetID,
	).Scan(&c.DatasetID, &c.StartedAt, &c.FinishedAt, &c.Completed, &c.ReportID, &c.AIModel, &c.UseOCR)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "postgres: get dataset claim %s", datasetID)
	}
	return &c, nil
}

func (s *PostgresStore) DeleteDatasetClaim(ctx context.Context, datasetID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM reviewed_datasets WHERE dataset_id = $1`, datasetID)
	return eris.Wrapf(err, "postgres: delete dataset claim %s", datasetID)
}

func (s *PostgresStore) CompleteDataset(ctx context.Context, datasetID, reportID string, report *model.Report, finishedAt time.Time) error {
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal report")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE reviewed_datasets
		 SET completed = true, finished_at = $1, report_id = $2, report = $3
		 WHERE dataset_id = $4`,
		finishedAt, reportID, reportJSON, datasetID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete dataset %s", datasetID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "dataset claim %s", datasetID)
	}
	return nil
}

func (s *PostgresStore) GetDatasetReport(ctx context.Context, datasetID string) (*model.Report, error) {
	var reportJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT report FROM reviewed_datasets WHERE dataset_id = $1 AND report IS NOT NULL`,
		datasetID,
	).Scan(&reportJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "postgres: get dataset report %s", datasetID)
	}
	var r model.Report
	if err := json.Unmarshal(reportJSON, &r); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal report")
	}
	return &r, nil
}

// Datapoint reviews

func (s *PostgresStore) GetDatapointReview(ctx context.Context, datapointID string) (*model.DatapointReview, error) {
	v, err := scanValidated(s.pool.QueryRow(ctx,
		`SELECT `+validatedColumns+` FROM validated_datapoints WHERE datapoint_id = $1`, datapointID))
	switch {
	case err == nil:
		return &model.DatapointReview{Validated: v, Persisted: true}, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, eris.Wrapf(err, "postgres: get validated datapoint %s", datapointID)
	}

	c, err := scanCannotValidate(s.pool.QueryRow(ctx,
		`SELECT `+cannotColumns+` FROM cannot_validate_datapoints WHERE datapoint_id = $1`, datapointID))
	switch {
	case err == nil:
		return &model.DatapointReview{CannotValidate: c, Persisted: true}, nil
	case errors.Is(err, pgx.ErrNoRows):
		return nil, nil
	default:
		return nil, eris.Wrapf(err, "postgres: get cannot-validate datapoint %s", datapointID)
	}
}

func (s *PostgresStore) SaveValidated(ctx context.Context, v *model.ValidatedDatapoint) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM cannot_validate_datapoints WHERE datapoint_id = $1`, v.DatapointID,
		); err != nil {
			return eris.Wrapf(err, "postgres: clear cannot-validate %s", v.DatapointID)
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO validated_datapoints (`+validatedColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			 ON CONFLICT (datapoint_id) DO UPDATE SET
			   datapoint_type = $2, previous_answer = $3, predicted_answer = $4, confidence = $5,
			   reasoning = $6, verdict = $7, comment = $8, correction = $9, quality = $10,
			   ai_model = $11, use_ocr = $12, override = $13, reviewed_at = $14`,
			v.DatapointID, v.DatapointType, v.PreviousAnswer, v.PredictedAnswer, v.Confidence,
			v.Reasoning, string(v.Verdict), v.Comment, v.Correction, string(v.Quality),
			v.AIModel, v.UseOCR, v.Override, v.ReviewedAt,
		)
		return eris.Wrapf(err, "postgres: save validated %s", v.DatapointID)
	})
}

func (s *PostgresStore) SaveCannotValidate(ctx context.Context, c *model.CannotValidateDatapoint) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM validated_datapoints WHERE datapoint_id = $1`, c.DatapointID,
		); err != nil {
			return eris.Wrapf(err, "postgres: clear validated %s", c.DatapointID)
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO cannot_validate_datapoints (`+cannotColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (datapoint_id) DO UPDATE SET
			   datapoint_type = $2, reason = $3, ai_model = $4, use_ocr = $5, override = $6, reviewed_at = $7`,
			c.DatapointID, c.DatapointType, c.Reason, c.AIModel, c.UseOCR, c.Override, c.ReviewedAt,
		)
		return eris.Wrapf(err, "postgres: save cannot-validate %s", c.DatapointID)
	})
}

func (s *PostgresStore) DeleteDatapointReview(ctx context.Context, datapointID string) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		for _, table := range []string{"validated_datapoints", "cannot_validate_datapoints"} {
			if _, err := tx.Exec(ctx,
				fmt.Sprintf(`DELETE FROM %s WHERE datapoint_id = $1`, table), datapointID,
			); err != nil {
				return eris.Wrapf(err, "postgres: delete from %s", table)
			}
		}
		return nil
	})
}

// Cached pages

func (s *PostgresStore) GetCachedPages(ctx context.Context, fileRef string, pages []int) (map[int]string, error) {
	out := make(map[int]string, len(pages))
	if len(pages) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT page, text FROM cached_document_pages WHERE file_reference = $1 AND page = ANY($2)`,
		fileRef, pages,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get cached pages %s", fileRef)
	}
	defer rows.Close()

	for rows.Next() {
		var page int
		var text string
		if err := rows.Scan(&page, &text); err != nil {
			return nil, eris.Wrap(err, "postgres: scan cached page")
		}
		out[page] = text
	}
	return out, eris.Wrap(rows.Err(), "postgres: cached pages iterate")
}

var cachedPagesInsert = db.InsertConfig{
	Table:        "cached_document_pages",
	Columns:      []string{"file_reference", "page", "text", "created_at"},
	ConflictKeys: []string{"file_reference", "page"},
}

func (s *PostgresStore) InsertCachedPages(ctx context.Context, pages []model.CachedDocumentPage) (int, error) {
	rows := make([][]any, 0, len(pages))
	for _, p := range pages {
		created := p.CreatedAt
		if created.IsZero() {
			created = time.Now().UTC()
		}
		rows = append(rows, []any{p.FileReference, p.Page, p.Text, created})
	}
	n, err := db.InsertRows(ctx, s.pool, cachedPagesInsert, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: insert cached pages")
	}
	return int(n), nil
}

// Dead letter queue

func (s *PostgresStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	itemJSON, err := json.Marshal(entry.Item)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal dlq item")
	}
	if entry.ID == "" {
		entry.ID = resilience.DLQEntryID(entry.Item)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO dead_letter_queue (`+dlqColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET
		   error = $3, error_type = $4, next_retry_at = $7, last_failed_at = $9`,
		entry.ID, itemJSON, entry.Error, string(entry.ErrorType),
		entry.RetryCount, entry.MaxRetries,
		entry.NextRetryAt, entry.CreatedAt, entry.LastFailedAt,
	)
	return eris.Wrap(err, "postgres: enqueue dlq")
}

func (s *PostgresStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	due := filter.DueBefore
	if due.IsZero() {
		due = time.Now().UTC()
	}
	query := `SELECT ` + dlqColumns + `
	          FROM dead_letter_queue
	          WHERE next_retry_at <= $1 AND retry_count < max_retries`
	args := []any{due}
	argIdx := 2

	if filter.ErrorType != "" {
		query += fmt.Sprintf(` AND error_type = $%d`, argIdx)
		args = append(args, string(filter.ErrorType))
		argIdx++
	}

	query += ` ORDER BY next_retry_at ASC`

	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, dlqLimit(filter.Limit))

	return s.queryDLQ(ctx, query, args...)
}

func (s *PostgresStore) ListDLQ(ctx context.Context, limit int) ([]resilience.DLQEntry, error) {
	return s.queryDLQ(ctx,
		`SELECT `+dlqColumns+` FROM dead_letter_queue ORDER BY created_at DESC LIMIT $1`,
		dlqLimit(limit),
	)
}

func (s *PostgresStore) queryDLQ(ctx context.Context, query string, args ...any) ([]resilience.DLQEntry, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var itemJSON []byte
		var errType string
		if err := rows.Scan(&e.ID, &itemJSON, &e.Error, &errType,
			&e.RetryCount, &e.MaxRetries,
			&e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dlq entry")
		}
		e.ErrorType = resilience.ErrorClass(errType)
		if err := json.Unmarshal(itemJSON, &e.Item); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal dlq item")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: dlq iterate")
}

func (s *PostgresStore) IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE dead_letter_queue
		 SET retry_count = retry_count + 1, next_retry_at = $1, error = $2, last_failed_at = now()
		 WHERE id = $3`,
		nextRetryAt, lastErr, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: increment dlq retry %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "dlq entry %s", id)
	}
	return nil
}

func (s *PostgresStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM dead_letter_queue WHERE id = $1`, id)
	return eris.Wrap(err, "postgres: remove dlq")
}

func (s *PostgresStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&count)
	return count, eris.Wrap(err, "postgres: count dlq")
}

// Monitoring

func (s *PostgresStore) ReviewStats(ctx context.Context, since, staleBefore time.Time) (*ReviewStats, error) {
	stats := &ReviewStats{Since: since}

	rows, err := s.pool.Query(ctx,
		`SELECT verdict, COUNT(*) FROM validated_datapoints WHERE reviewed_at >= $1 GROUP BY verdict`,
		since,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: verdict counts")
	}
	for rows.Next() {
		var verdict string
		var n int
		if err := rows.Scan(&verdict, &n); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "postgres: scan verdict count")
		}
		stats.addVerdict(model.Verdict(verdict), n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: verdict counts iterate")
	}

	err = s.pool.QueryRow(ctx,
		`SELECT
		   (SELECT COUNT(*) FROM cannot_validate_datapoints WHERE reviewed_at >= $1),
		   (SELECT COUNT(*) FROM reviewed_datasets WHERE completed AND finished_at >= $1),
		   (SELECT COUNT(*) FROM reviewed_datasets WHERE NOT completed),
		   (SELECT COUNT(*) FROM reviewed_datasets WHERE NOT completed AND started_at < $2),
		   (SELECT COUNT(*) FROM dead_letter_queue)`,
		since, staleBefore,
	).Scan(&stats.CannotValidate, &stats.DatasetsDone, &stats.DatasetsOpen, &stats.StaleClaims, &stats.DLQDepth)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: review stats")
	}
	return stats, nil
}

// helpers

func (r *ReviewStats) addVerdict(v model.Verdict, n int) {
	switch v {
	case model.VerdictAccepted:
		r.Accepted += n
	case model.VerdictRejected:
		r.Rejected += n
	default:
		r.NotAttempted += n
	}
}

func dlqLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}

type scannable interface {
	Scan(dest ...any) error
}

func scanValidated(row scannable) (*model.ValidatedDatapoint, error) {
	var v model.ValidatedDatapoint
	var verdict, quality string
	err := row.Scan(&v.DatapointID, &v.DatapointType, &v.PreviousAnswer, &v.PredictedAnswer,
		&v.Confidence, &v.Reasoning, &verdict, &v.Comment, &v.Correction, &quality,
		&v.AIModel, &v.UseOCR, &v.Override, &v.ReviewedAt)
	if err != nil {
		return nil, err
	}
	v.Verdict = model.Verdict(verdict)
	v.Quality = model.QualityFlag(quality)
	return &v, nil
}

func scanCannotValidate(row scannable) (*model.CannotValidateDatapoint, error) {
	var c model.CannotValidateDatapoint
	err := row.Scan(&c.DatapointID, &c.DatapointType, &c.Reason,
		&c.AIModel, &c.UseOCR, &c.Override, &c.ReviewedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
