// Command povprep covers the dataset preparation chores around
// training: reprojecting a labels CSV to the canonical column order,
// computing the per-band normalizer from the training records, listing
// the tile files the records resolve to, and rendering tile previews.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/geodesiac/povmap/datasets"
	"github.com/geodesiac/povmap/records"
	"github.com/geodesiac/povmap/tiles"
)

func main() {
	task := flag.String("task", "", "one of: reproject, normalizer, list, plot")
	labels := flag.String("labels", "", "labels CSV path")
	out := flag.String("out", "", "output path (reprojected CSV, normalizer JSON, or plot PNG prefix)")
	tileRoot := flag.String("tiles", "", "tile tree root directory")
	fold := flag.Int("fold", 0, "restrict normalizer computation to records outside this fold (0 = all records)")
	minYear := flag.Int("min-year", 0, "drop records before this survey year")
	row := flag.Int("row", 0, "record row to plot for the plot task")
	rgb := flag.Bool("rgb", false, "plot an RGB composite instead of per-band heatmaps")
	vmax := flag.Float64("vmax", 0.35, "reflectance mapped to full brightness in RGB composites")
	flag.Parse()

	var err error
	switch *task {
	case "reproject":
		err = runReproject(*labels, *out)
	case "normalizer":
		err = runNormalizer(*labels, *tileRoot, *out, *fold, *minYear)
	case "list":
		err = runList(*labels, *tileRoot)
	case "plot":
		err = runPlot(*labels, *tileRoot, *out, *row, *rgb, float32(*vmax))
	case "":
		flag.Usage()
		os.Exit(2)
	default:
		log.Fatalf("unknown task %q", *task)
	}
	if err != nil {
		log.Fatalf("%s failed: %v", *task, err)
	}
}

func runReproject(labels, out string) error {
	if labels == "" {
		return fmt.Errorf("missing -labels")
	}
	if out == "" {
		out = labels
	}
	if err := records.ReprojectFile(labels, out); err != nil {
		return err
	}
	fmt.Printf("reprojected %s -> %s\n", labels, out)
	return nil
}

// loadRows loads the table and applies the common record filters.
func loadRows(labels string, minYear int) (*records.Table, []int, error) {
	table, err := records.Load(labels)
	if err != nil {
		return nil, nil, err
	}
	rows := make([]int, table.Len())
	for i := range rows {
		rows[i] = i
	}
	if minYear > 0 {
		rows = table.FilterYearFrom(minYear)
	}
	return table, rows, nil
}

func runNormalizer(labels, tileRoot, out string, fold, minYear int) error {
	if labels == "" || tileRoot == "" || out == "" {
		return fmt.Errorf("normalizer needs -labels, -tiles and -out")
	}
	table, rows, err := loadRows(labels, minYear)
	if err != nil {
		return err
	}
	if fold > 0 {
		// Statistics come from the training records only, so the
		// held-out fold is excluded.
		held := make(map[int]bool)
		for _, r := range table.FoldIndices(fold) {
			held[r] = true
		}
		kept := rows[:0:0]
		for _, r := range rows {
			if !held[r] {
				kept = append(kept, r)
			}
		}
		rows = kept
	}

	store := tiles.NewStore(tileRoot)
	ds := datasets.New("normalizer", table, store, rows)
	norm, err := datasets.ComputeNormalizer(ds)
	if err != nil {
		return err
	}
	if err := norm.Save(out); err != nil {
		return err
	}
	fmt.Printf("normalizer over %d records written to %s\n", len(rows), out)
	return nil
}

func runList(labels, tileRoot string) error {
	if labels == "" || tileRoot == "" {
		return fmt.Errorf("list needs -labels and -tiles")
	}
	table, err := records.Load(labels)
	if err != nil {
		return err
	}
	store := tiles.NewStore(tileRoot)
	missing := 0
	for _, rec := range table.Records {
		path := store.Path(rec)
		if _, err := os.Stat(path); err != nil {
			missing++
			fmt.Printf("MISSING %s\n", path)
			continue
		}
		fmt.Println(path)
	}
	if missing > 0 {
		return fmt.Errorf("%d of %d tiles missing", missing, table.Len())
	}
	return nil
}

func runPlot(labels, tileRoot, out string, row int, rgb bool, vmax float32) error {
	if labels == "" || tileRoot == "" || out == "" {
		return fmt.Errorf("plot needs -labels, -tiles and -out")
	}
	table, err := records.Load(labels)
	if err != nil {
		return err
	}
	if row < 0 || row >= table.Len() {
		return fmt.Errorf("row %d out of range, table has %d records", row, table.Len())
	}
	rec := table.Records[row]
	store := tiles.NewStore(tileRoot)
	tile, err := store.Fetch(rec)
	if err != nil {
		return err
	}
	if rgb {
		if err := datasets.PlotRGB(tile, vmax, out); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", out)
		return nil
	}
	if err := datasets.PlotBands(tile, rec.Wealth, out); err != nil {
		return err
	}
	fmt.Printf("wrote band plots with prefix %s\n", out)
	return nil
}
