package regress

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// BuildModelGraph returns the gomlx model function for the validated
// model configuration. Inputs arrive as one [batch, bands, size,
// size] tensor; the output is a [batch, 1] wealth prediction.
func BuildModelGraph(cfg ModelConfig) func(ctx *context.Context, spec any, inputs []*graph.Node) []*graph.Node {
	return func(ctx *context.Context, spec any, inputs []*graph.Node) []*graph.Node {
		return []*graph.Node{cnnOutput(ctx, cfg, inputs[0])}
	}
}

// cnnOutput builds the convolution stack: each block halves the
// spatial resolution, a global average pool collapses the remaining
// grid, and a dense head regresses the scalar.
func cnnOutput(ctx *context.Context, cfg ModelConfig, x *graph.Node) *graph.Node {
	// The tile tensor is band-major; convolutions run channels-last.
	x = graph.TransposeAllDims(x, 0, 2, 3, 1)

	for i, filters := range cfg.Filters {
		scope := ctx.In(fmt.Sprintf("conv_%d", i))
		x = layers.Convolution(scope, x).
			Filters(filters).
			KernelSize(cfg.KernelSize).
			Strides(2).
			PadSame().
			Done()
		x = activations.Relu(x)
	}

	// Global average pool over the spatial axes.
	x = graph.ReduceMean(x, 1, 2)

	if cfg.Hidden > 0 {
		x = layers.Dense(ctx.In("hidden"), x, true, cfg.Hidden)
		x = activations.Relu(x)
	}
	return layers.Dense(ctx.In("output"), x, true, 1)
}
