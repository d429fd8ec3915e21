//go:build ignore

// inspect_data prints the schema and the first rows of a table file, or the
// recent runs of a ledger when given a .db path.
//
//	go run scripts/inspect_data.go -path Data/ModelData/TrainingData/training_data.parquet
package main

import (
	"flag"
	"fmt"
	"log"
	"path/filepath"
	"strings"

	"trendcast/internal/storage"
	"trendcast/internal/table"
)

func main() {
	var (
		path = flag.String("path", "", "Table file (.parquet, .csv) or run ledger (.db)")
		rows = flag.Int("rows", 5, "Rows (or runs) to print")
	)
	flag.Parse()
	if *path == "" {
		log.Fatal("-path is required")
	}

	fmt.Printf("Inspecting: %s\n", *path)

	if strings.EqualFold(filepath.Ext(*path), ".db") {
		inspectLedger(*path, *rows)
		return
	}

	t, err := table.Read(*path)
	if err != nil {
		log.Fatalf("Failed to read table: %v", err)
	}

	fmt.Printf("\n%d rows x %d columns\n\n", t.NumRows(), t.NumCols())
	for _, c := range t.Columns() {
		nulls := 0
		for i := 0; i < c.Len(); i++ {
			if c.IsNull(i) {
				nulls++
			}
		}
		fmt.Printf("  %-24s %-8s nulls=%d\n", c.Name, c.Kind, nulls)
	}

	n := min(*rows, t.NumRows())
	fmt.Printf("\nFirst %d rows:\n", n)
	fmt.Println(strings.Join(t.Names(), "\t"))
	for i := 0; i < n; i++ {
		cells := make([]string, t.NumCols())
		for j, c := range t.Columns() {
			cells[j] = fmt.Sprint(c.Values[i])
		}
		fmt.Println(strings.Join(cells, "\t"))
	}
}

func inspectLedger(path string, n int) {
	store, err := storage.New(path)
	if err != nil {
		log.Fatalf("Failed to open ledger: %v", err)
	}
	defer store.Close()

	training, err := store.ListTrainingRuns(n)
	if err != nil {
		log.Fatalf("Failed to list training runs: %v", err)
	}
	fmt.Println("\nTraining runs:")
	for _, r := range training {
		fmt.Printf("  %s  %s  rows=%d acc=%.4f f1=%.4f\n", r.StartedAt.Format("2006-01-02 15:04:05"), r.Learner, r.RowsAssembled, r.Accuracy, r.F1)
	}

	scoring, err := store.ListScoringRuns(n)
	if err != nil {
		log.Fatalf("Failed to list scoring runs: %v", err)
	}
	fmt.Println("\nScoring runs:")
	for _, r := range scoring {
		fmt.Printf("  %s  files=%d rows=%d drift_alerts=%d\n", r.StartedAt.Format("2006-01-02 15:04:05"), r.FilesScored, r.RowsScored, r.DriftAlerts)
	}
}
