package regress

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
)

// metricsLogger appends one CSV row per epoch with the validation
// scores, mirroring the metric history file the experiment tooling
// expects.
type metricsLogger struct {
	f     *os.File
	w     *csv.Writer
	kinds []MetricKind
}

func newMetricsLogger(path string, kinds []MetricKind) (*metricsLogger, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics log %s: %w", path, err)
	}
	w := csv.NewWriter(f)
	header := []string{"epoch"}
	for _, k := range kinds {
		header = append(header, string(k)+"_val")
	}
	if err := w.Write(header); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write metrics header: %w", err)
	}
	w.Flush()
	return &metricsLogger{f: f, w: w, kinds: kinds}, nil
}

// Log writes the row for one epoch. Metrics missing from scores are
// left blank so a disabled metric never fabricates a zero.
func (l *metricsLogger) Log(epoch int, scores map[MetricKind]float64) error {
	row := []string{strconv.Itoa(epoch)}
	for _, k := range l.kinds {
		if v, ok := scores[k]; ok {
			row = append(row, strconv.FormatFloat(v, 'f', 6, 64))
		} else {
			row = append(row, "")
		}
	}
	if err := l.w.Write(row); err != nil {
		return fmt.Errorf("failed to write metrics row: %w", err)
	}
	// Flush per epoch so a crash leaves a complete history behind.
	l.w.Flush()
	return l.w.Error()
}

func (l *metricsLogger) Close() error {
	l.w.Flush()
	if err := l.w.Error(); err != nil {
		l.f.Close()
		return err
	}
	return l.f.Close()
}
