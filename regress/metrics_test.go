package regress

import (
	"math"
	"testing"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestComputeMSE(t *testing.T) {
	pred := []float32{1, 2, 3}
	label := []float32{1, 2, 5}
	v, err := Compute(MetricMSE, pred, label)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if !almostEqual(v, 4.0/3.0) {
		t.Fatalf("mse = %v, want %v", v, 4.0/3.0)
	}
}

func TestComputeRMSE(t *testing.T) {
	pred := []float32{0, 0}
	label := []float32{3, 4}
	v, err := Compute(MetricRMSE, pred, label)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	want := math.Sqrt(12.5)
	if !almostEqual(v, want) {
		t.Fatalf("rmse = %v, want %v", v, want)
	}
}

func TestComputeMAE(t *testing.T) {
	pred := []float32{1, -1}
	label := []float32{2, 1}
	v, err := Compute(MetricMAE, pred, label)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if !almostEqual(v, 1.5) {
		t.Fatalf("mae = %v, want 1.5", v)
	}
}

func TestComputeR2(t *testing.T) {
	// Perfect predictions give r2 == 1.
	label := []float32{1, 2, 3, 4}
	v, err := Compute(MetricR2, label, label)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if !almostEqual(v, 1) {
		t.Fatalf("r2 for perfect predictions = %v, want 1", v)
	}

	// Predicting the mean gives r2 == 0.
	mean := []float32{2.5, 2.5, 2.5, 2.5}
	v, err = Compute(MetricR2, mean, label)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if !almostEqual(v, 0) {
		t.Fatalf("r2 for mean predictions = %v, want 0", v)
	}
}

func TestComputeErrors(t *testing.T) {
	if _, err := Compute(MetricKind("nope"), []float32{1}, []float32{1}); err == nil {
		t.Fatalf("expected error for unknown metric")
	}
	if _, err := Compute(MetricMSE, []float32{1, 2}, []float32{1}); err == nil {
		t.Fatalf("expected error for length mismatch")
	}
	if _, err := Compute(MetricMSE, nil, nil); err == nil {
		t.Fatalf("expected error for empty inputs")
	}
}

func TestResolveMetrics(t *testing.T) {
	kinds, err := ResolveMetrics([]string{"r2", "mse"})
	if err != nil {
		t.Fatalf("ResolveMetrics failed: %v", err)
	}
	if len(kinds) != 2 || kinds[0] != MetricR2 || kinds[1] != MetricMSE {
		t.Fatalf("unexpected kinds: %v", kinds)
	}

	if _, err := ResolveMetrics([]string{"mse", "accuracy"}); err == nil {
		t.Fatalf("expected error for unsupported metric name")
	}
}

func TestImproved(t *testing.T) {
	if !improved(MetricMSE, 0.5, 1.0) {
		t.Fatalf("lower mse should count as improvement")
	}
	if improved(MetricMSE, 1.5, 1.0) {
		t.Fatalf("higher mse should not count as improvement")
	}
	if !improved(MetricR2, 0.8, 0.5) {
		t.Fatalf("higher r2 should count as improvement")
	}
	if improved(MetricR2, 0.3, 0.5) {
		t.Fatalf("lower r2 should not count as improvement")
	}

	// Any real score beats the initial sentinel.
	if !improved(MetricMSE, 100, worstValue(MetricMSE)) {
		t.Fatalf("first mse score should beat the sentinel")
	}
	if !improved(MetricR2, -100, worstValue(MetricR2)) {
		t.Fatalf("first r2 score should beat the sentinel")
	}
}
