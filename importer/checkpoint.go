package importer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/openroute/gasflow/core"
)

// checkpointPath is the sidecar location for a workbook.
func checkpointPath(workbook string) string {
	return workbook + ".checkpoint.json"
}

// LoadCheckpoint reads the sidecar for a workbook. A missing sidecar
// returns nil with no error.
func LoadCheckpoint(workbook string) (*core.ImportCheckpoint, error) {
	raw, err := os.ReadFile(checkpointPath(workbook))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint: %w", err)
	}
	var cp core.ImportCheckpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, &core.DomainError{Op: "importer.LoadCheckpoint", Kind: "fatal",
			Message: "corrupt checkpoint sidecar", Err: err}
	}
	return &cp, nil
}

// saveCheckpoint writes the sidecar for a workbook, replacing it atomically.
func saveCheckpoint(workbook string, cp *core.ImportCheckpoint) error {
	cp.SourceFile = workbook
	cp.CreatedAt = time.Now().UTC()
	raw, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return err
	}
	tmp := checkpointPath(workbook) + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	return os.Rename(tmp, checkpointPath(workbook))
}

// removeCheckpoint deletes the sidecar; a missing file is not an error.
func removeCheckpoint(workbook string) error {
	err := os.Remove(checkpointPath(workbook))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
