// Package regress wires the tile datasets into a gomlx CNN regression
// system: configuration, the model graph, the per-fold training loop
// with checkpointing and metric logging, and the crash guard.
package regress

import (
	"fmt"
	"math"
	"sort"
)

// MetricKind names a supported validation metric. The set is a closed
// enumeration resolved through an explicit lookup table; metric names
// from configuration are never evaluated as code.
type MetricKind string

const (
	MetricMSE  MetricKind = "mse"
	MetricRMSE MetricKind = "rmse"
	MetricMAE  MetricKind = "mae"
	MetricR2   MetricKind = "r2"
)

// MetricFunc computes a scalar score from predictions and labels of
// equal length.
type MetricFunc func(pred, label []float32) float64

var metricTable map[MetricKind]MetricFunc

// higherIsBetter marks metrics where a larger value means a better
// model, which decides when the monitored checkpoint is refreshed.
var higherIsBetter = map[MetricKind]bool{
	MetricR2: true,
}

func init() {
	metricTable = map[MetricKind]MetricFunc{
		MetricMSE:  meanSquaredError,
		MetricRMSE: rootMeanSquaredError,
		MetricMAE:  meanAbsoluteError,
		MetricR2:   rSquared,
	}
}

// SupportedMetrics lists the metric kinds in stable order.
func SupportedMetrics() []MetricKind {
	kinds := make([]MetricKind, 0, len(metricTable))
	for k := range metricTable {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// ResolveMetrics maps configured metric names onto the closed
// enumeration. An unknown name fails resolution; the caller decides
// whether that is fatal or downgrades to metrics-disabled.
func ResolveMetrics(names []string) ([]MetricKind, error) {
	kinds := make([]MetricKind, 0, len(names))
	for _, name := range names {
		kind := MetricKind(name)
		if _, ok := metricTable[kind]; !ok {
			return nil, fmt.Errorf("unknown metric %q (supported: %v)", name, SupportedMetrics())
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}

// Compute evaluates one metric.
func Compute(kind MetricKind, pred, label []float32) (float64, error) {
	fn, ok := metricTable[kind]
	if !ok {
		return 0, fmt.Errorf("unknown metric %q", kind)
	}
	if len(pred) != len(label) {
		return 0, fmt.Errorf("prediction/label length mismatch: %d vs %d", len(pred), len(label))
	}
	if len(pred) == 0 {
		return 0, fmt.Errorf("empty prediction set")
	}
	return fn(pred, label), nil
}

// improved reports whether next beats best for the given metric kind.
func improved(kind MetricKind, next, best float64) bool {
	if higherIsBetter[kind] {
		return next > best
	}
	return next < best
}

func worstValue(kind MetricKind) float64 {
	if higherIsBetter[kind] {
		return math.Inf(-1)
	}
	return math.Inf(1)
}

func meanSquaredError(pred, label []float32) float64 {
	var sum float64
	for i := range pred {
		d := float64(pred[i]) - float64(label[i])
		sum += d * d
	}
	return sum / float64(len(pred))
}

func rootMeanSquaredError(pred, label []float32) float64 {
	return math.Sqrt(meanSquaredError(pred, label))
}

func meanAbsoluteError(pred, label []float32) float64 {
	var sum float64
	for i := range pred {
		sum += math.Abs(float64(pred[i]) - float64(label[i]))
	}
	return sum / float64(len(pred))
}

func rSquared(pred, label []float32) float64 {
	var mean float64
	for _, v := range label {
		mean += float64(v)
	}
	mean /= float64(len(label))

	var ssRes, ssTot float64
	for i := range label {
		d := float64(label[i]) - float64(pred[i])
		ssRes += d * d
		t := float64(label[i]) - mean
		ssTot += t * t
	}
	if ssTot == 0 {
		return 0
	}
	return 1 - ssRes/ssTot
}
