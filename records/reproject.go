package records

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
)

// canonicalColumns is the column order enforced when a table is
// written back out. Columns the input lacks (only households may be
// absent) are skipped rather than invented.
var canonicalColumns = []string{
	"country", "year", "cluster", "lon", "lat",
	"households", "wealthpooled", "urban_rural", "fold",
}

// Reproject writes the table to w with the canonical column subset and
// order. It is a pure projection of the raw cells: no renaming, no
// value derivation, so reprojecting an already-reprojected table
// yields byte-identical output.
func (t *Table) Reproject(w io.Writer) error {
	cols := make([]string, 0, len(canonicalColumns))
	idx := make([]int, 0, len(canonicalColumns))
	for _, name := range canonicalColumns {
		i, ok := t.col[name]
		if !ok {
			continue
		}
		cols = append(cols, name)
		idx = append(idx, i)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(cols); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	out := make([]string, len(idx))
	for r, row := range t.rows {
		for j, i := range idx {
			if i < len(row) {
				out[j] = row[i]
			} else {
				out[j] = ""
			}
		}
		if err := cw.Write(out); err != nil {
			return fmt.Errorf("failed to write row %d: %w", r+1, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReprojectFile loads the table at in and writes its reprojection to
// out. in and out may name the same file; the output is staged in
// memory before the destination is truncated.
func ReprojectFile(in, out string) error {
	t, err := Load(in)
	if err != nil {
		return err
	}
	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", out, err)
	}
	if err := t.Reproject(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
