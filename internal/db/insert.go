package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// InsertConfig describes a multi-row INSERT ... ON CONFLICT.
type InsertConfig struct {
	Table        string   // target table, optionally schema qualified
	Columns      []string // columns in row order
	ConflictKeys []string // unique constraint columns
	UpdateCols   []string // columns to overwrite on conflict; nil = DO NOTHING
}

// InsertRows inserts rows in one statement and returns the number of rows
// actually written. Rows that hit the conflict keys are skipped unless
// UpdateCols is set.
func InsertRows(ctx context.Context, ex Execer, cfg InsertConfig, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	query, args, err := BuildInsert(cfg, rows)
	if err != nil {
		return 0, err
	}
	tag, err := ex.Exec(ctx, query, args...)
	if err != nil {
		return 0, eris.Wrapf(err, "db: insert into %s", cfg.Table)
	}
	return tag.RowsAffected(), nil
}

// BuildInsert renders the statement and flattened arguments for InsertRows.
func BuildInsert(cfg InsertConfig, rows [][]any) (string, []any, error) {
	if len(cfg.Columns) == 0 {
		return "", nil, eris.New("db: insert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return "", nil, eris.New("db: insert: no conflict keys specified")
	}

	args := make([]any, 0, len(rows)*len(cfg.Columns))
	tuples := make([]string, 0, len(rows))
	for i, row := range rows {
		if len(row) != len(cfg.Columns) {
			return "", nil, eris.Errorf("db: insert: row %d has %d values, want %d", i, len(row), len(cfg.Columns))
		}
		ph := make([]string, len(row))
		for j, v := range row {
			args = append(args, v)
			ph[j] = fmt.Sprintf("$%d", len(args))
		}
		tuples = append(tuples, "("+strings.Join(ph, ", ")+")")
	}

	var onConflict string
	if len(cfg.UpdateCols) == 0 {
		onConflict = "DO NOTHING"
	} else {
		sets := make([]string, len(cfg.UpdateCols))
		for i, c := range cfg.UpdateCols {
			col := pgx.Identifier{c}.Sanitize()
			sets[i] = col + " = EXCLUDED." + col
		}
		onConflict = "DO UPDATE SET " + strings.Join(sets, ", ")
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s ON CONFLICT (%s) %s",
		sanitizeTable(cfg.Table),
		quoteAndJoin(cfg.Columns),
		strings.Join(tuples, ", "),
		quoteAndJoin(cfg.ConflictKeys),
		onConflict,
	)
	return query, args, nil
}

// sanitizeTable handles schema-qualified table names like "review.cached_pages".
func sanitizeTable(table string) string {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) == 2 {
		return pgx.Identifier{parts[0], parts[1]}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
