// gasimport streams a legacy workbook into the database. Reruns resume
// from the checkpoint sidecar the previous run left behind.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/openroute/gasflow/core"
	"github.com/openroute/gasflow/importer"
	"github.com/openroute/gasflow/logger"
	"github.com/openroute/gasflow/store"
)

type options struct {
	File       string `long:"file" short:"f" required:"true" description:"Workbook to import (.xlsx)"`
	Sheet      string `long:"sheet" default:"Sheet1" description:"Sheet to read"`
	Table      string `long:"table" default:"legacy_orders" description:"Target table"`
	BatchSize  int    `long:"batch-size" default:"5000" description:"Rows per insert batch"`
	DryRun     bool   `long:"dry-run" description:"Transform and validate without writing"`
	Production bool   `long:"production" description:"Required to write against the production database"`
	Config     string `long:"config" short:"c" description:"Configuration file (YAML)"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}
	if err := run(opts); err != nil {
		fmt.Fprintln(os.Stderr, "gasimport:", err)
		os.Exit(1)
	}
}

func run(opts options) error {
	cfg, err := core.LoadConfig(opts.Config)
	if err != nil {
		return err
	}
	log := logger.New(cfg.Logging)

	if !opts.DryRun && !opts.Production {
		return fmt.Errorf("refusing to write without --production (use --dry-run to rehearse)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	router, err := store.Open(cfg.Database, log)
	if err != nil {
		return err
	}
	defer router.Close()

	db := router.Writer()
	customers, err := importer.LoadCodeMap(ctx, db, "customers", "legacy_code", "id")
	if err != nil {
		return err
	}
	products, err := importer.LoadCodeMap(ctx, db, "products", "code", "id")
	if err != nil {
		return err
	}

	mapping := importer.Mapping{
		Table:      opts.Table,
		Sheet:      opts.Sheet,
		HeaderRows: 1,
		Fields: []importer.Field{
			{Column: 0, Name: "customer_id", Kind: importer.FieldCode, Ref: "customers", Required: true},
			{Column: 1, Name: "contact_name", Kind: importer.FieldText},
			{Column: 2, Name: "order_date", Kind: importer.FieldDate, Required: true},
			{Column: 3, Name: "product_id", Kind: importer.FieldCode, Ref: "products"},
			{Column: 4, Name: "quantity", Kind: importer.FieldInt},
			{Column: 5, Name: "amount", Kind: importer.FieldFloat},
		},
		CylinderColumns: map[int]int{6: 50, 7: 20, 8: 16, 9: 10, 10: 4},
	}

	pipe := importer.NewPipeline(mapping,
		map[string]map[string]string{"customers": customers, "products": products},
		importer.NewSQLSink(db, log),
		importer.Options{BatchSize: opts.BatchSize, DryRun: opts.DryRun, Logger: log})

	report, err := pipe.Run(ctx, opts.File)
	if report != nil {
		printReport(report)
	}
	return err
}

func printReport(r *importer.Report) {
	if r.Resumed {
		fmt.Printf("resumed from row %d\n", r.StartRow)
	}
	fmt.Printf("rows      %d\n", r.TotalRows)
	fmt.Printf("succeeded %d\n", r.Succeeded)
	fmt.Printf("failed    %d\n", r.Failed)
	fmt.Printf("skipped   %d\n", r.Skipped)
	fmt.Printf("duration  %s (%.0f rows/s)\n", r.Duration.Round(time.Millisecond), r.RatePerSecond)

	refs := make([]string, 0, len(r.MissingCodes))
	for ref := range r.MissingCodes {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	for _, ref := range refs {
		fmt.Printf("missing %s codes: %v\n", ref, dedupe(r.MissingCodes[ref]))
	}
	for _, e := range r.Errors {
		fmt.Println("error:", e)
	}
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
