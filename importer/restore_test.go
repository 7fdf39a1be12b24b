package importer

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memTable is an in-memory TableStore for snapshot round-trips.
type memTable struct {
	tables map[string][]map[string]interface{}
}

func newMemTable() *memTable {
	return &memTable{tables: make(map[string][]map[string]interface{})}
}

func (m *memTable) DumpTable(ctx context.Context, table string) ([]map[string]interface{}, error) {
	out := make([]map[string]interface{}, len(m.tables[table]))
	copy(out, m.tables[table])
	return out, nil
}

func (m *memTable) TruncateTable(ctx context.Context, table string) error {
	m.tables[table] = nil
	return nil
}

func (m *memTable) InsertBatch(ctx context.Context, table string, rows []map[string]interface{}) error {
	m.tables[table] = append(m.tables[table], rows...)
	return nil
}

func seedCustomers(store *memTable) {
	store.tables["customers"] = []map[string]interface{}{
		{"id": "c-1", "name": "張記小吃", "phone": "02-2345-6789"},
		{"id": "c-2", "name": "好味餐廳", "phone": "02-8765-4321"},
	}
}

func TestRestorePointRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newMemTable()
	seedCustomers(store)
	dir := t.TempDir()

	path, err := CreateRestorePoint(ctx, store, dir, "customers", "mig-42")
	require.NoError(t, err)
	assert.FileExists(t, path)

	// A migration goes wrong: one row mangled, one bogus row added.
	store.tables["customers"][0]["phone"] = "garbage"
	store.tables["customers"] = append(store.tables["customers"],
		map[string]interface{}{"id": "c-3", "name": "dup"})

	require.NoError(t, Rollback(ctx, store, path))

	restored, err := store.DumpTable(ctx, "customers")
	require.NoError(t, err)
	require.Len(t, restored, 2)
	assert.Equal(t, "02-2345-6789", restored[0]["phone"])
}

func TestRollbackDetectsTamperedSnapshot(t *testing.T) {
	ctx := context.Background()
	store := newMemTable()
	seedCustomers(store)

	path, err := CreateRestorePoint(ctx, store, t.TempDir(), "customers", "mig-43")
	require.NoError(t, err)

	// Edit the snapshot data without fixing the recorded checksum.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var point RestorePoint
	require.NoError(t, json.Unmarshal(raw, &point))
	point.Data[0]["phone"] = "09-0000-0000"
	edited, err := json.Marshal(point)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, edited, 0o644))

	err = Rollback(ctx, store, path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum mismatch")
}

func TestRollbackRejectsCorruptFile(t *testing.T) {
	store := newMemTable()
	path := t.TempDir() + "/broken.json"
	require.NoError(t, os.WriteFile(path, []byte("]["), 0o644))

	err := Rollback(context.Background(), store, path)
	require.Error(t, err)
}

func TestTableChecksumIsOrderInsensitive(t *testing.T) {
	a := []map[string]interface{}{
		{"id": "1", "name": "x"},
		{"id": "2", "name": "y"},
	}
	b := []map[string]interface{}{
		{"name": "y", "id": "2"},
		{"name": "x", "id": "1"},
	}
	assert.Equal(t, TableChecksum(a), TableChecksum(b))
	b[0]["name"] = "z"
	assert.NotEqual(t, TableChecksum(a), TableChecksum(b))
}
