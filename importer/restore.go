package importer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/openroute/gasflow/core"
)

// TableStore is the slice of storage the restore machinery needs. The SQL
// sink satisfies it; tests use an in-memory double.
type TableStore interface {
	DumpTable(ctx context.Context, table string) ([]map[string]interface{}, error)
	TruncateTable(ctx context.Context, table string) error
	InsertBatch(ctx context.Context, table string, rows []map[string]interface{}) error
}

// RestorePoint is a pre-mutation snapshot of one table.
type RestorePoint struct {
	BackupInfo BackupInfo               `json:"backup_info"`
	Data       []map[string]interface{} `json:"data"`
}

// BackupInfo identifies and verifies a snapshot.
type BackupInfo struct {
	Table       string    `json:"table"`
	MigrationID string    `json:"migration_id"`
	CreatedAt   time.Time `json:"created_at"`
	RowCount    int       `json:"row_count"`
	Checksum    string    `json:"checksum"` // sha-256 over the stable JSON rendering
}

// CreateRestorePoint snapshots a table under
// dir/{table}_{migrationID}_{ts}.json and returns the sidecar path.
func CreateRestorePoint(ctx context.Context, store TableStore, dir, table, migrationID string) (string, error) {
	rows, err := store.DumpTable(ctx, table)
	if err != nil {
		return "", err
	}

	point := RestorePoint{
		BackupInfo: BackupInfo{
			Table:       table,
			MigrationID: migrationID,
			CreatedAt:   time.Now().UTC(),
			RowCount:    len(rows),
			Checksum:    TableChecksum(rows),
		},
		Data: rows,
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%s_%s.json",
		table, migrationID, point.BackupInfo.CreatedAt.Format("20060102T150405")))
	raw, err := json.MarshalIndent(point, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// Rollback restores a table from a snapshot: truncate, re-insert, then
// verify the recomputed checksum against the recorded one.
func Rollback(ctx context.Context, store TableStore, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading restore point: %w", err)
	}
	var point RestorePoint
	if err := json.Unmarshal(raw, &point); err != nil {
		return &core.DomainError{Op: "importer.Rollback", Kind: "fatal",
			Message: "corrupt restore point", Err: err}
	}

	if err := store.TruncateTable(ctx, point.BackupInfo.Table); err != nil {
		return err
	}
	if len(point.Data) > 0 {
		if err := store.InsertBatch(ctx, point.BackupInfo.Table, point.Data); err != nil {
			return err
		}
	}

	restored, err := store.DumpTable(ctx, point.BackupInfo.Table)
	if err != nil {
		return err
	}
	if got := TableChecksum(restored); got != point.BackupInfo.Checksum {
		return &core.DomainError{Op: "importer.Rollback", Kind: "fatal",
			ID:      point.BackupInfo.Table,
			Message: fmt.Sprintf("checksum mismatch after restore: %s != %s", got, point.BackupInfo.Checksum),
			Err:     core.ErrValidation}
	}
	return nil
}

// TableChecksum is a sha-256 over a stable JSON rendering: rows sorted by
// their own serialized form, keys sorted within each row.
func TableChecksum(rows []map[string]interface{}) string {
	rendered := make([]string, len(rows))
	for i, row := range rows {
		rendered[i] = stableJSON(row)
	}
	sort.Strings(rendered)

	h := sha256.New()
	for _, r := range rendered {
		h.Write([]byte(r))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func stableJSON(row map[string]interface{}) string {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf := make([]byte, 0, 64)
	buf = append(buf, '{')
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		kj, _ := json.Marshal(k)
		vj, _ := json.Marshal(row[k])
		buf = append(buf, kj...)
		buf = append(buf, ':')
		buf = append(buf, vj...)
	}
	buf = append(buf, '}')
	return string(buf)
}
