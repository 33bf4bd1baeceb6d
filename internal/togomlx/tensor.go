// Package togomlx converts remapper graphs to GoMLX computation graphs, so they can be executed.
//
// It is used to verify that the rewritten graphs compute the same values as the original ones.
package togomlx

import (
	"math/rand/v2"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/remapper/remapper"
	"github.com/pkg/errors"
)

// Shape converts a fully defined remapper shape and a dtype to a GoMLX shapes.Shape.
func Shape(dtype dtypes.DType, s remapper.TensorShape) (shape shapes.Shape, err error) {
	if !s.IsFullyDefined() {
		err = errors.Errorf("shape %s is not fully defined", s)
		return
	}
	shape = shapes.Make(dtype, s.Dims...)
	return
}

// Tensor converts a remapper constant value to a GoMLX tensor.
//
// Only float32 and float64 values are supported.
func Tensor(tv *remapper.TensorValue) (*tensors.Tensor, error) {
	if tv == nil {
		return nil, errors.New("constant value is nil")
	}
	if tv.Size() != len(tv.Values) {
		return nil, errors.Errorf("constant of shape %v has %d values", tv.Dims, len(tv.Values))
	}
	switch tv.DType {
	case dtypes.Float32:
		flat := make([]float32, len(tv.Values))
		for ii, v := range tv.Values {
			flat[ii] = float32(v)
		}
		return tensors.FromFlatDataAndDimensions(flat, tv.Dims...), nil
	case dtypes.Float64:
		return tensors.FromFlatDataAndDimensions(append([]float64(nil), tv.Values...), tv.Dims...), nil
	default:
		return nil, errors.Errorf("constants of dtype %s not supported", tv.DType)
	}
}

// RandomFeeds creates values uniformly distributed in [-1, 1) for every Placeholder of rg. The
// placeholders must declare a fully defined shape and a float32 or float64 dtype.
func RandomFeeds(rg *remapper.Graph, seed uint64) (map[string]*tensors.Tensor, error) {
	rng := rand.New(rand.NewPCG(seed, 0))
	feeds := make(map[string]*tensors.Tensor)
	for _, node := range rg.Nodes {
		if node.Kind() != remapper.OpPlaceholder {
			continue
		}
		s, _ := node.Attrs[remapper.AttrShape].Shape()
		if !s.IsFullyDefined() {
			return nil, errors.Errorf("Placeholder %q has no fully defined shape (%s)", node.Name, s)
		}
		dtype, _ := node.Attrs[remapper.AttrDType].Type()
		tv := &remapper.TensorValue{DType: dtype, Dims: s.Dims}
		tv.Values = make([]float64, tv.Size())
		for ii := range tv.Values {
			tv.Values[ii] = 2*rng.Float64() - 1
		}
		t, err := Tensor(tv)
		if err != nil {
			return nil, errors.WithMessagef(err, "Placeholder %q", node.Name)
		}
		feeds[node.Name] = t
	}
	return feeds, nil
}
