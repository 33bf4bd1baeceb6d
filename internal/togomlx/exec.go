package togomlx

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/remapper/remapper"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// Execute runs the graph rg once on the backend, feeding the Placeholder nodes with the given
// values, and returns the fetched values: the given ones, or rg.Fetch if none is given.
func Execute(backend backends.Backend, rg *remapper.Graph, feeds map[string]*tensors.Tensor, fetch ...string) (outputs []*tensors.Tensor, err error) {
	ctx := context.New()
	err = exceptions.TryCatch[error](func() {
		outputs = context.MustExecOnceN(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
			inputs := make(map[string]*Node, len(feeds))
			for name, value := range feeds {
				inputs[name] = Const(g, value)
			}
			return CallGraph(g, rg, inputs, fetch...)
		})
	})
	if err != nil {
		err = errors.WithMessage(err, "failed to execute graph")
	}
	return
}

// Compare executes the graphs a and b with the same feeds, and returns the largest absolute
// difference among the fetched values. Both graphs must fetch float32 or float64 tensors of the same
// shapes.
func Compare(backend backends.Backend, a, b *remapper.Graph, feeds map[string]*tensors.Tensor, fetch ...string) (maxDiff float64, err error) {
	aOutputs, err := Execute(backend, a, feeds, fetch...)
	if err != nil {
		return 0, err
	}
	bOutputs, err := Execute(backend, b, feeds, fetch...)
	if err != nil {
		return 0, err
	}
	if len(aOutputs) != len(bOutputs) {
		return 0, errors.Errorf("graphs fetched %d and %d values", len(aOutputs), len(bOutputs))
	}
	for ii := range aOutputs {
		if !aOutputs[ii].Shape().Equal(bOutputs[ii].Shape()) {
			return 0, errors.Errorf("fetched value #%d shaped %s and %s", ii, aOutputs[ii].Shape(), bOutputs[ii].Shape())
		}
		aFlat, err := flatFloat64(aOutputs[ii])
		if err != nil {
			return 0, err
		}
		bFlat, err := flatFloat64(bOutputs[ii])
		if err != nil {
			return 0, err
		}
		maxDiff = max(maxDiff, floats.Distance(aFlat, bFlat, math.Inf(1)))
	}
	return maxDiff, nil
}

func flatFloat64(t *tensors.Tensor) ([]float64, error) {
	var values []float64
	err := exceptions.TryCatch[error](func() {
		switch t.DType() {
		case dtypes.Float32:
			for _, v := range tensors.MustCopyFlatData[float32](t) {
				values = append(values, float64(v))
			}
		case dtypes.Float64:
			values = tensors.MustCopyFlatData[float64](t)
		default:
			exceptions.Panicf("can't compare values of dtype %s", t.DType())
		}
	})
	return values, err
}
