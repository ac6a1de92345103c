package regress

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
)

func TestMetricsLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.csv")
	logger, err := newMetricsLogger(path, []MetricKind{MetricR2, MetricMSE})
	if err != nil {
		t.Fatalf("newMetricsLogger failed: %v", err)
	}

	if err := logger.Log(1, map[MetricKind]float64{MetricR2: 0.5, MetricMSE: 2.0}); err != nil {
		t.Fatalf("Log failed: %v", err)
	}
	// Missing score stays blank rather than becoming zero.
	if err := logger.Log(2, map[MetricKind]float64{MetricR2: 0.75}); err != nil {
		t.Fatalf("Log failed: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("failed to open log: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("failed to read log: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want header plus 2 epochs", len(rows))
	}
	if rows[0][0] != "epoch" || rows[0][1] != "r2_val" || rows[0][2] != "mse_val" {
		t.Fatalf("unexpected header: %v", rows[0])
	}
	if rows[1][0] != "1" || rows[1][1] != "0.500000" || rows[1][2] != "2.000000" {
		t.Fatalf("unexpected epoch 1 row: %v", rows[1])
	}
	if rows[2][2] != "" {
		t.Fatalf("missing metric should be blank, got %q", rows[2][2])
	}
}
