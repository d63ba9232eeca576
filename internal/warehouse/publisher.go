// internal/warehouse/publisher.go
package warehouse

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"dh-github-snapshot/internal/model"
)

const tableName = "snapshot_rows"

var columns = []string{"dataset", "row_key", "query_time", "data", "published_at"}

// DB is the part of *pgxpool.Pool the publisher uses.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Publisher mirrors reconciled tables into Postgres. Each Publish replaces
// every row of the dataset in a single transaction.
type Publisher struct {
	db     DB
	logger *slog.Logger
	now    func() time.Time
}

// NewPublisher creates a Publisher.
func NewPublisher(db DB, logger *slog.Logger) *Publisher {
	return &Publisher{db: db, logger: logger, now: time.Now}
}

// Publish replaces the mirror of schema.Name with t and returns the number of rows copied.
func (p *Publisher) Publish(ctx context.Context, schema model.Schema, t *model.Table) (int64, error) {
	rows, err := buildRows(schema, t, p.now())
	if err != nil {
		return 0, err
	}

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx) // Rollback is a no-op if the transaction is already committed.

	if _, err := tx.Exec(ctx, `DELETE FROM `+tableName+` WHERE dataset = $1`, schema.Name); err != nil {
		return 0, fmt.Errorf("clear %s: %w", schema.Name, err)
	}
	n, err := tx.CopyFrom(ctx, pgx.Identifier{tableName}, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, fmt.Errorf("copy %s: %w", schema.Name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}

	p.logger.Info("Published dataset to warehouse", "dataset", schema.Name, "rows", n)
	return n, nil
}

// buildRows converts a table into CopyFrom rows. Query times that do not
// parse are stored as NULL.
func buildRows(schema model.Schema, t *model.Table, publishedAt time.Time) ([][]any, error) {
	rows := make([][]any, 0, t.Len())
	for _, r := range t.Rows {
		data, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("encode %s row: %w", schema.Name, err)
		}
		var queryTime *time.Time
		if ts, ok := model.ParseTime(r[schema.TimeField]); ok {
			queryTime = &ts
		}
		rows = append(rows, []any{schema.Name, rowKey(r, schema.KeyFields), queryTime, data, publishedAt})
	}
	return rows, nil
}

// rowKey joins composite keys with "/" so they stay readable in SQL.
func rowKey(r model.Record, fields []string) string {
	key := ""
	for i, f := range fields {
		if i > 0 {
			key += "/"
		}
		key += r[f]
	}
	return key
}
