package importer

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/openroute/gasflow/core"
)

// SQLSink writes import batches through the primary connection. It also
// satisfies TableStore so restore points and rollbacks run over the same
// handle.
type SQLSink struct {
	db     *sqlx.DB
	logger core.Logger
}

func NewSQLSink(db *sqlx.DB, logger core.Logger) *SQLSink {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &SQLSink{db: db, logger: logger}
}

// InsertBatch writes one batch inside a single transaction. The column set
// is the union of keys across the batch; rows missing a key insert NULL.
func (s *SQLSink) InsertBatch(ctx context.Context, table string, rows []map[string]interface{}) error {
	if len(rows) == 0 {
		return nil
	}

	columns := unionColumns(rows)
	placeholders := make([]string, len(columns))
	for i, c := range columns {
		placeholders[i] = ":" + c
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(columns, ", "), strings.Join(placeholders, ", "))

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning import batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareNamedContext(ctx, query)
	if err != nil {
		return fmt.Errorf("preparing batch insert for %s: %w", table, err)
	}
	defer stmt.Close()

	for _, row := range rows {
		bound := make(map[string]interface{}, len(columns))
		for _, c := range columns {
			bound[c] = row[c] // absent keys bind as NULL
		}
		if _, err := stmt.ExecContext(ctx, bound); err != nil {
			return fmt.Errorf("inserting into %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing import batch: %w", err)
	}

	s.logger.Debug("Import batch committed", map[string]interface{}{
		"table": table,
		"rows":  len(rows),
	})
	return nil
}

func (s *SQLSink) DumpTable(ctx context.Context, table string) ([]map[string]interface{}, error) {
	rows, err := s.db.QueryxContext(ctx, fmt.Sprintf("SELECT * FROM %s", table))
	if err != nil {
		return nil, fmt.Errorf("dumping %s: %w", table, err)
	}
	defer rows.Close()

	var out []map[string]interface{}
	for rows.Next() {
		row := map[string]interface{}{}
		if err := rows.MapScan(row); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *SQLSink) TruncateTable(ctx context.Context, table string) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf("TRUNCATE TABLE %s", table))
	if err != nil {
		return fmt.Errorf("truncating %s: %w", table, err)
	}
	return nil
}

// LoadCodeMap pre-loads a code -> id lookup used to resolve foreign keys
// during transform.
func LoadCodeMap(ctx context.Context, db *sqlx.DB, table, codeColumn, idColumn string) (map[string]string, error) {
	rows, err := db.QueryContext(ctx,
		fmt.Sprintf("SELECT %s, %s FROM %s", codeColumn, idColumn, table))
	if err != nil {
		return nil, fmt.Errorf("loading code map from %s: %w", table, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var code, id string
		if err := rows.Scan(&code, &id); err != nil {
			return nil, err
		}
		out[code] = id
	}
	return out, rows.Err()
}

func unionColumns(rows []map[string]interface{}) []string {
	seen := make(map[string]struct{})
	for _, row := range rows {
		for k := range row {
			seen[k] = struct{}{}
		}
	}
	columns := make([]string, 0, len(seen))
	for k := range seen {
		columns = append(columns, k)
	}
	sort.Strings(columns)
	return columns
}
