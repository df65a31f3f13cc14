package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/datapoint-review/internal/model"
	"github.com/sells-group/datapoint-review/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	// One connection serializes writers; PRAGMAs above are per connection.
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS reviewed_datasets (
	dataset_id  TEXT PRIMARY KEY,
	started_at  DATETIME NOT NULL,
	finished_at DATETIME,
	completed   INTEGER NOT NULL DEFAULT 0,
	report_id   TEXT NOT NULL DEFAULT '',
	ai_model    TEXT NOT NULL DEFAULT '',
	use_ocr     INTEGER NOT NULL DEFAULT 0,
	report      TEXT
);

CREATE TABLE IF NOT EXISTS validated_datapoints (
	datapoint_id     TEXT PRIMARY KEY,
	datapoint_type   TEXT NOT NULL,
	previous_answer  TEXT NOT NULL DEFAULT '',
	predicted_answer TEXT NOT NULL DEFAULT '',
	confidence       REAL NOT NULL DEFAULT 0,
	reasoning        TEXT NOT NULL DEFAULT '',
	verdict          TEXT NOT NULL,
	comment          TEXT NOT NULL DEFAULT '',
	correction       TEXT NOT NULL DEFAULT '',
	quality          TEXT NOT NULL DEFAULT '',
	ai_model         TEXT NOT NULL DEFAULT '',
	use_ocr          INTEGER NOT NULL DEFAULT 0,
	override         INTEGER NOT NULL DEFAULT 0,
	reviewed_at      DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS cannot_validate_datapoints (
	datapoint_id   TEXT PRIMARY KEY,
	datapoint_type TEXT NOT NULL DEFAULT '',
	reason         TEXT NOT NULL,
	ai_model       TEXT NOT NULL DEFAULT '',
	use_ocr        INTEGER NOT NULL DEFAULT 0,
	override       INTEGER NOT NULL DEFAULT 0,
	reviewed_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS cached_document_pages (
	file_reference TEXT NOT NULL,
	page           INTEGER NOT NULL,
	text           TEXT NOT NULL,
	created_at     DATETIME NOT NULL,
	PRIMARY KEY (file_reference, page)
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY,
	item           TEXT NOT NULL,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'transient',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  DATETIME NOT NULL,
	created_at     DATETIME NOT NULL,
	last_failed_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_validated_reviewed_at ON validated_datapoints(reviewed_at);
CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dead_letter_queue(next_retry_at);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Dataset claims

func (s *SQLiteStore) ClaimDataset(ctx context.Context, claim model.ReviewedDataset) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO reviewed_datasets (dataset_id, started_at, completed, ai_model, use_ocr)
		 VALUES (?, ?, 0, ?, ?)
		 ON CONFLICT (dataset_id) DO NOTHING`,
		claim.DatasetID, claim.StartedAt.UTC(), claim.AIModel, claim.UseOCR,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: claim dataset %s", claim.DatasetID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStore) GetDatasetClaim(ctx context.Context, datasetID string) (*model.ReviewedDataset, error) {
	var c model.ReviewedDataset
	var finished sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT `+claimColumns+` FROM reviewed_datasets WHERE dataset_id = ?`,
		datasetID,
	).Scan(&c.DatasetID, &c.StartedAt, &finished, &c.Completed, &c.ReportID, &c.AIModel, &c.UseOCR)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "sqlite: get dataset claim %s", datasetID)
	}
	if finished.Valid {
		t := finished.Time
		c.FinishedAt = &t
	}
	return &c, nil
}

func (s *SQLiteStore) DeleteDatasetClaim(ctx context.Context, datasetID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM reviewed_datasets WHERE dataset_id = ?`, datasetID)
	return eris.Wrapf(err, "sqlite: delete dataset claim %s", datasetID)
}

func (s *SQLiteStore) CompleteDataset(ctx context.Context, datasetID, reportID string, report *model.Report, finishedAt time.Time) error {
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal report")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE reviewed_datasets
		 SET completed = 1, finished_at = ?, report_id = ?, report = ?
		 WHERE dataset_id = ?`,
		finishedAt.UTC(), reportID, string(reportJSON), datasetID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete dataset %s", datasetID)
	}
	return checkRowsAffected(res, "dataset claim", datasetID)
}

func (s *SQLiteStore) GetDatasetReport(ctx context.Context, datasetID string) (*model.Report, error) {
	var reportJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT report FROM reviewed_datasets WHERE dataset_id = ? AND report IS NOT NULL`,
		datasetID,
	).Scan(&reportJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "sqlite: get dataset report %s", datasetID)
	}
	var r model.Report
	if err := json.Unmarshal([]byte(reportJSON), &r); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal report")
	}
	return &r, nil
}

// Datapoint reviews

func (s *SQLiteStore) GetDatapointReview(ctx context.Context, datapointID string) (*model.DatapointReview, error) {
	v, err := scanValidated(s.db.QueryRowContext(ctx,
		`SELECT `+validatedColumns+` FROM validated_datapoints WHERE datapoint_id = ?`, datapointID))
	switch {
	case err == nil:
		return &model.DatapointReview{Validated: v, Persisted: true}, nil
	case !errors.Is(err, sql.ErrNoRows):
		return nil, eris.Wrapf(err, "sqlite: get validated datapoint %s", datapointID)
	}

	c, err := scanCannotValidate(s.db.QueryRowContext(ctx,
		`SELECT `+cannotColumns+` FROM cannot_validate_datapoints WHERE datapoint_id = ?`, datapointID))
	switch {
	case err == nil:
		return &model.DatapointReview{CannotValidate: c, Persisted: true}, nil
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	default:
		return nil, eris.Wrapf(err, "sqlite: get cannot-validate datapoint %s", datapointID)
	}
}

func (s *SQLiteStore) SaveValidated(ctx context.Context, v *model.ValidatedDatapoint) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM cannot_validate_datapoints WHERE datapoint_id = ?`, v.DatapointID,
		); err != nil {
			return eris.Wrapf(err, "sqlite: clear cannot-validate %s", v.DatapointID)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO validated_datapoints (`+validatedColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			v.DatapointID, v.DatapointType, v.PreviousAnswer, v.PredictedAnswer, v.Confidence,
			v.Reasoning, string(v.Verdict), v.Comment, v.Correction, string(v.Quality),
			v.AIModel, v.UseOCR, v.Override, v.ReviewedAt.UTC(),
		)
		return eris.Wrapf(err, "sqlite: save validated %s", v.DatapointID)
	})
}

func (s *SQLiteStore) SaveCannotValidate(ctx context.Context, c *model.CannotValidateDatapoint) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM validated_datapoints WHERE datapoint_id = ?`, c.DatapointID,
		); err != nil {
			return eris.Wrapf(err, "sqlite: clear validated %s", c.DatapointID)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO cannot_validate_datapoints (`+cannotColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			c.DatapointID, c.DatapointType, c.Reason, c.AIModel, c.UseOCR, c.Override, c.ReviewedAt.UTC(),
		)
		return eris.Wrapf(err, "sqlite: save cannot-validate %s", c.DatapointID)
	})
}

func (s *SQLiteStore) DeleteDatapointReview(ctx context.Context, datapointID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM validated_datapoints WHERE datapoint_id = ?`, datapointID); err != nil {
			return eris.Wrap(err, "sqlite: delete validated")
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM cannot_validate_datapoints WHERE datapoint_id = ?`, datapointID)
		return eris.Wrap(err, "sqlite: delete cannot-validate")
	})
}

// Cached pages

func (s *SQLiteStore) GetCachedPages(ctx context.Context, fileRef string, pages []int) (map[int]string, error) {
	out := make(map[int]string, len(pages))
	if len(pages) == 0 {
		return out, nil
	}
	args := make([]any, 0, len(pages)+1)
	args = append(args, fileRef)
	for _, p := range pages {
		args = append(args, p)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(pages)), ", ")

	rows, err := s.db.QueryContext(ctx,
		`SELECT page, text FROM cached_document_pages WHERE file_reference = ? AND page IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get cached pages %s", fileRef)
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		var page int
		var text string
		if err := rows.Scan(&page, &text); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan cached page")
		}
		out[page] = text
	}
	return out, eris.Wrap(rows.Err(), "sqlite: cached pages iterate")
}

func (s *SQLiteStore) InsertCachedPages(ctx context.Context, pages []model.CachedDocumentPage) (int, error) {
	if len(pages) == 0 {
		return 0, nil
	}
	written := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, p := range pages {
			created := p.CreatedAt
			if created.IsZero() {
				created = time.Now()
			}
			res, err := tx.ExecContext(ctx,
				`INSERT INTO cached_document_pages (file_reference, page, text, created_at)
				 VALUES (?, ?, ?, ?)
				 ON CONFLICT (file_reference, page) DO NOTHING`,
				p.FileReference, p.Page, p.Text, created.UTC(),
			)
			if err != nil {
				return eris.Wrapf(err, "sqlite: insert cached page %s#%d", p.FileReference, p.Page)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return eris.Wrap(err, "sqlite: rows affected")
			}
			written += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

// Dead letter queue

func (s *SQLiteStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	itemJSON, err := json.Marshal(entry.Item)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal dlq item")
	}
	if entry.ID == "" {
		entry.ID = resilience.DLQEntryID(entry.Item)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dead_letter_queue (`+dlqColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   error = excluded.error, error_type = excluded.error_type,
		   next_retry_at = excluded.next_retry_at, last_failed_at = excluded.last_failed_at`,
		entry.ID, string(itemJSON), entry.Error, string(entry.ErrorType),
		entry.RetryCount, entry.MaxRetries,
		entry.NextRetryAt.UTC(), entry.CreatedAt.UTC(), entry.LastFailedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: enqueue dlq")
}

func (s *SQLiteStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	due := filter.DueBefore
	if due.IsZero() {
		due = time.Now()
	}
	query := `SELECT ` + dlqColumns + `
	          FROM dead_letter_queue
	          WHERE next_retry_at <= ? AND retry_count < max_retries`
	args := []any{due.UTC()}
	if filter.ErrorType != "" {
		query += ` AND error_type = ?`
		args = append(args, string(filter.ErrorType))
	}
	query += ` ORDER BY next_retry_at ASC LIMIT ?`
	args = append(args, dlqLimit(filter.Limit))
	return s.queryDLQ(ctx, query, args...)
}

func (s *SQLiteStore) ListDLQ(ctx context.Context, limit int) ([]resilience.DLQEntry, error) {
	return s.queryDLQ(ctx,
		`SELECT `+dlqColumns+` FROM dead_letter_queue ORDER BY created_at DESC LIMIT ?`,
		dlqLimit(limit),
	)
}

func (s *SQLiteStore) queryDLQ(ctx context.Context, query string, args ...any) ([]resilience.DLQEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query dlq")
	}
	defer rows.Close() //nolint:errcheck

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var itemJSON, errType string
		if err := rows.Scan(&e.ID, &itemJSON, &e.Error, &errType,
			&e.RetryCount, &e.MaxRetries,
			&e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dlq entry")
		}
		e.ErrorType = resilience.ErrorClass(errType)
		if err := json.Unmarshal([]byte(itemJSON), &e.Item); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal dlq item")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: dlq iterate")
}

func (s *SQLiteStore) IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dead_letter_queue
		 SET retry_count = retry_count + 1, next_retry_at = ?, error = ?, last_failed_at = ?
		 WHERE id = ?`,
		nextRetryAt.UTC(), lastErr, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: increment dlq retry %s", id)
	}
	return checkRowsAffected(res, "dlq entry", id)
}

func (s *SQLiteStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dead_letter_queue WHERE id = ?`, id)
	return eris.Wrap(err, "sqlite: remove dlq")
}

func (s *SQLiteStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count dlq")
}

// Monitoring

func (s *SQLiteStore) ReviewStats(ctx context.Context, since, staleBefore time.Time) (*ReviewStats, error) {
	stats := &ReviewStats{Since: since}
	sinceUTC, staleUTC := since.UTC(), staleBefore.UTC()

	rows, err := s.db.QueryContext(ctx,
		`SELECT verdict, COUNT(*) FROM validated_datapoints WHERE reviewed_at >= ? GROUP BY verdict`,
		sinceUTC,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: verdict counts")
	}
	for rows.Next() {
		var verdict string
		var n int
		if err := rows.Scan(&verdict, &n); err != nil {
			rows.Close() //nolint:errcheck
			return nil, eris.Wrap(err, "sqlite: scan verdict count")
		}
		stats.addVerdict(model.Verdict(verdict), n)
	}
	rows.Close() //nolint:errcheck
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: verdict counts iterate")
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT
		   (SELECT COUNT(*) FROM cannot_validate_datapoints WHERE reviewed_at >= ?),
		   (SELECT COUNT(*) FROM reviewed_datasets WHERE completed = 1 AND finished_at >= ?),
		   (SELECT COUNT(*) FROM reviewed_datasets WHERE completed = 0),
		   (SELECT COUNT(*) FROM reviewed_datasets WHERE completed = 0 AND started_at < ?),
		   (SELECT COUNT(*) FROM dead_letter_queue)`,
		sinceUTC, sinceUTC, staleUTC,
	).Scan(&stats.CannotValidate, &stats.DatasetsDone, &stats.DatasetsOpen, &stats.StaleClaims, &stats.DLQDepth)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: review stats")
	}
	return stats, nil
}

// helpers

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}
