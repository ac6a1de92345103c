// Package records loads the tabular observation data used to label
// satellite tiles: one row per survey cluster with its location, the
// pooled wealth index and a cross-validation fold assignment.
//
// The loader keeps the raw CSV cells next to the parsed records so the
// table can be re-serialized (see Reproject) without any parse/format
// round-trip touching the values.
package records

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Required columns. Header matching is case-insensitive; column order
// in the input file carries no meaning.
var requiredColumns = []string{
	"country", "year", "cluster", "lon", "lat",
	"wealthpooled", "urban_rural", "fold",
}

// Households is present in the survey exports but not in every derived
// CSV, so it is optional on read.
const householdsColumn = "households"

// Record is one survey observation. The (Country, Year, Cluster)
// triple is the lookup key for the observation's tile file.
type Record struct {
	Country    string
	Year       int
	Cluster    int
	Lon, Lat   float64
	Households int
	Wealth     float64
	Urban      bool
	Fold       int
}

// Table is an ordered sequence of records plus the raw cells they were
// parsed from. Tables are immutable once loaded.
type Table struct {
	Records []Record

	header []string // normalized column names, input order
	rows   [][]string
	col    map[string]int
}

// Load reads a labels CSV from path. It fails if the file is
// unreadable or any required column is missing; a partially usable
// table is never returned.
func Load(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open labels file %s: %w", path, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header of %s: %w", path, err)
	}

	t := &Table{col: make(map[string]int)}
	for i, name := range header {
		normalized := strings.TrimSpace(strings.ToLower(name))
		t.header = append(t.header, normalized)
		t.col[normalized] = i
	}
	for _, name := range requiredColumns {
		if _, ok := t.col[name]; !ok {
			return nil, fmt.Errorf("required column %q not found in %s", name, path)
		}
	}

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read rows of %s: %w", path, err)
	}
	t.rows = rows

	t.Records = make([]Record, 0, len(rows))
	for i, row := range rows {
		rec, err := t.parseRow(row)
		if err != nil {
			return nil, fmt.Errorf("row %d of %s: %w", i+1, path, err)
		}
		t.Records = append(t.Records, rec)
	}
	return t, nil
}

func (t *Table) parseRow(row []string) (Record, error) {
	var rec Record
	get := func(name string) string {
		idx, ok := t.col[name]
		if !ok || idx >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[idx])
	}

	rec.Country = get("country")
	var err error
	if rec.Year, err = parseInt(get("year")); err != nil {
		return rec, fmt.Errorf("failed to parse year: %w", err)
	}
	if rec.Cluster, err = parseInt(get("cluster")); err != nil {
		return rec, fmt.Errorf("failed to parse cluster: %w", err)
	}
	if rec.Lon, err = parseFloat(get("lon")); err != nil {
		return rec, fmt.Errorf("failed to parse lon: %w", err)
	}
	if rec.Lat, err = parseFloat(get("lat")); err != nil {
		return rec, fmt.Errorf("failed to parse lat: %w", err)
	}
	if rec.Wealth, err = parseFloat(get("wealthpooled")); err != nil {
		return rec, fmt.Errorf("failed to parse wealthpooled: %w", err)
	}
	if rec.Fold, err = parseInt(get("fold")); err != nil {
		return rec, fmt.Errorf("failed to parse fold: %w", err)
	}

	// urban_rural is encoded as 1.0/0.0 in the survey exports.
	urban, err := parseFloat(get("urban_rural"))
	if err != nil {
		return rec, fmt.Errorf("failed to parse urban_rural: %w", err)
	}
	rec.Urban = urban != 0

	if h := get(householdsColumn); h != "" {
		if rec.Households, err = parseInt(h); err != nil {
			return rec, fmt.Errorf("failed to parse households: %w", err)
		}
	}
	return rec, nil
}

// Len returns the number of records.
func (t *Table) Len() int { return len(t.Records) }

// FoldIndices returns the row indices whose fold equals k, in row
// order.
func (t *Table) FoldIndices(k int) []int {
	var out []int
	for i, rec := range t.Records {
		if rec.Fold == k {
			out = append(out, i)
		}
	}
	return out
}

// FilterYearFrom returns the row indices of records with Year >= year,
// in row order. The observation exports mix survey waves; training on
// the 2013+ imagery era uses this.
func (t *Table) FilterYearFrom(year int) []int {
	var out []int
	for i, rec := range t.Records {
		if rec.Year >= year {
			out = append(out, i)
		}
	}
	return out
}

func parseInt(s string) (int, error) {
	if s == "" {
		return 0, fmt.Errorf("empty string")
	}
	// Survey exports sometimes carry integers as "12.0".
	if v, err := strconv.Atoi(s); err == nil {
		return v, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if f != float64(int(f)) {
		return 0, fmt.Errorf("%q is not an integer", s)
	}
	return int(f), nil
}

func parseFloat(s string) (float64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty string")
	}
	return strconv.ParseFloat(s, 64)
}
