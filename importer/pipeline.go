package importer

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/openroute/gasflow/core"
)

// FieldKind names the transform applied to a workbook column.
type FieldKind string

const (
	FieldText  FieldKind = "text"  // Big5-safe text
	FieldInt   FieldKind = "int"
	FieldFloat FieldKind = "float"
	FieldDate  FieldKind = "date" // legacy era calendar
	FieldCode  FieldKind = "code" // foreign key via a pre-loaded code map
)

// Field maps one workbook column to one entity field.
type Field struct {
	Column   int
	Name     string
	Kind     FieldKind
	Ref      string // code map name, FieldCode only
	Required bool
}

// Mapping describes one workbook import: target table, column transforms
// and cylinder-count aggregation.
type Mapping struct {
	Table      string
	Sheet      string
	HeaderRows int
	Fields     []Field

	// CylinderColumns maps workbook columns to cylinder sizes. Counts
	// land in cylinders_<size> fields plus a computed total_cylinders.
	CylinderColumns map[int]int
}

// Sink receives committed batches; the SQL store satisfies it.
type Sink interface {
	InsertBatch(ctx context.Context, table string, rows []map[string]interface{}) error
}

// Options tunes one pipeline run.
type Options struct {
	BatchSize int  // default 5000
	DryRun    bool // transforms and validates, writes nothing
	Logger    core.Logger
}

// Report totals one pipeline run.
type Report struct {
	TotalRows     int
	Succeeded     int
	Failed        int
	Skipped       int
	MissingCodes  map[string][]string // ref name -> codes with no referent
	Errors        []string
	Resumed       bool
	StartRow      int
	Duration      time.Duration
	RatePerSecond float64
}

// Pipeline streams one workbook into one table.
type Pipeline struct {
	mapping Mapping
	refs    map[string]map[string]string // ref name -> code -> id
	sink    Sink
	opts    Options
	logger  core.Logger
}

func NewPipeline(mapping Mapping, refs map[string]map[string]string, sink Sink, opts Options) *Pipeline {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 5000
	}
	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if mapping.Sheet == "" {
		mapping.Sheet = "Sheet1"
	}
	return &Pipeline{mapping: mapping, refs: refs, sink: sink, opts: opts, logger: logger}
}

// Run streams the workbook row by row. A checkpoint sidecar is written
// after every committed batch; an existing sidecar makes the run resume
// where the previous one stopped. Row-level failures and skips are
// reported, not returned; only I/O failures abort the run.
func (p *Pipeline) Run(ctx context.Context, workbook string) (*Report, error) {
	started := time.Now()
	report := &Report{MissingCodes: make(map[string][]string)}

	f, err := excelize.OpenFile(workbook)
	if err != nil {
		return nil, &core.DomainError{Op: "importer.Run", Kind: "fatal",
			Message: fmt.Sprintf("opening workbook %s", workbook), Err: err}
	}
	defer f.Close()

	cp, err := LoadCheckpoint(workbook)
	if err != nil {
		return nil, err
	}
	batches := 0
	if cp != nil {
		report.Resumed = true
		report.StartRow = cp.LastProcessedRow
		report.Errors = append(report.Errors, cp.Errors...)
		batches = cp.BatchesCompleted
		p.logger.Info("Resuming import from checkpoint", map[string]interface{}{
			"workbook": workbook,
			"row":      cp.LastProcessedRow,
			"batches":  cp.BatchesCompleted,
		})
	}

	rows, err := f.Rows(p.mapping.Sheet)
	if err != nil {
		return nil, &core.DomainError{Op: "importer.Run", Kind: "fatal",
			Message: fmt.Sprintf("sheet %s missing", p.mapping.Sheet), Err: err}
	}
	defer rows.Close()

	var (
		batch     []map[string]interface{}
		committed = report.StartRow // rows durably persisted so far
		dataRow   = -1              // index of the current data row
		sheetRow  = 0
	)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if !p.opts.DryRun {
			if err := p.sink.InsertBatch(ctx, p.mapping.Table, batch); err != nil {
				// Leave the checkpoint at the last committed row so a rerun
				// replays this batch.
				saveErr := saveCheckpoint(workbook, &core.ImportCheckpoint{
					LastProcessedRow: committed,
					BatchesCompleted: batches,
					Errors:           report.Errors,
				})
				if saveErr != nil {
					p.logger.Error("Checkpoint write failed", map[string]interface{}{"error": saveErr.Error()})
				}
				return err
			}
		}
		batches++
		committed = dataRow + 1
		batch = batch[:0]
		if !p.opts.DryRun {
			if err := saveCheckpoint(workbook, &core.ImportCheckpoint{
				LastProcessedRow: committed,
				BatchesCompleted: batches,
				Errors:           report.Errors,
			}); err != nil {
				return err
			}
		}
		return nil
	}

	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		sheetRow++
		if sheetRow <= p.mapping.HeaderRows {
			continue
		}
		dataRow++
		if dataRow < report.StartRow {
			continue // already committed by a previous run
		}
		report.TotalRows++

		cols, err := rows.Columns()
		if err != nil {
			report.Failed++
			report.Errors = append(report.Errors, fmt.Sprintf("row %d: %v", dataRow, err))
			continue
		}

		entity, skip, err := p.transform(cols)
		if err != nil {
			report.Failed++
			report.Errors = append(report.Errors, fmt.Sprintf("row %d: %v", dataRow, err))
			continue
		}
		if skip != nil {
			report.Skipped++
			report.MissingCodes[skip.ref] = append(report.MissingCodes[skip.ref], skip.code)
			continue
		}

		batch = append(batch, entity)
		report.Succeeded++
		if len(batch) >= p.opts.BatchSize {
			if err := flush(); err != nil {
				return report, err
			}
		}
	}

	if err := flush(); err != nil {
		return report, err
	}
	if !p.opts.DryRun {
		if err := removeCheckpoint(workbook); err != nil {
			return report, err
		}
	}

	report.Duration = time.Since(started)
	if secs := report.Duration.Seconds(); secs > 0 {
		report.RatePerSecond = float64(report.TotalRows) / secs
	}
	p.logger.Info("Import finished", map[string]interface{}{
		"workbook":  workbook,
		"rows":      report.TotalRows,
		"succeeded": report.Succeeded,
		"failed":    report.Failed,
		"skipped":   report.Skipped,
		"dry_run":   p.opts.DryRun,
	})
	return report, nil
}

type skipInfo struct {
	ref  string
	code string
}

// transform applies the field mapping to one row. A missing foreign-key
// referent yields a skip, not an error.
func (p *Pipeline) transform(cols []string) (map[string]interface{}, *skipInfo, error) {
	cell := func(i int) string {
		if i < 0 || i >= len(cols) {
			return ""
		}
		return NormalizeText(cols[i])
	}

	entity := make(map[string]interface{}, len(p.mapping.Fields)+len(p.mapping.CylinderColumns)+1)
	for _, field := range p.mapping.Fields {
		raw := cell(field.Column)
		if raw == "" {
			if field.Required {
				return nil, nil, &core.DomainError{Op: "importer.transform", Kind: "validation",
					Message: fmt.Sprintf("column %d (%s) is required", field.Column, field.Name),
					Err:     core.ErrValidation}
			}
			continue
		}

		switch field.Kind {
		case FieldText:
			entity[field.Name] = raw
		case FieldInt:
			n, err := strconv.Atoi(raw)
			if err != nil {
				return nil, nil, fmt.Errorf("column %d (%s): %q is not an integer: %w",
					field.Column, field.Name, raw, core.ErrValidation)
			}
			entity[field.Name] = n
		case FieldFloat:
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, nil, fmt.Errorf("column %d (%s): %q is not a number: %w",
					field.Column, field.Name, raw, core.ErrValidation)
			}
			entity[field.Name] = v
		case FieldDate:
			t, err := ParseLegacyDate(raw)
			if err != nil {
				return nil, nil, err
			}
			entity[field.Name] = t.Format("2006-01-02")
		case FieldCode:
			id, ok := p.refs[field.Ref][raw]
			if !ok {
				return nil, &skipInfo{ref: field.Ref, code: raw}, nil
			}
			entity[field.Name] = id
		default:
			return nil, nil, fmt.Errorf("unknown field kind %q: %w", field.Kind, core.ErrValidation)
		}
	}

	if len(p.mapping.CylinderColumns) > 0 {
		total := 0
		for col, size := range p.mapping.CylinderColumns {
			raw := cell(col)
			if raw == "" {
				continue
			}
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				return nil, nil, fmt.Errorf("column %d: bad cylinder count %q: %w", col, raw, core.ErrValidation)
			}
			if n > 0 {
				entity[fmt.Sprintf("cylinders_%d", size)] = n
				total += n
			}
		}
		entity["total_cylinders"] = total
	}
	return entity, nil, nil
}
