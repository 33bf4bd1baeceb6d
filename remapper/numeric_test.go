package remapper_test

import (
	"fmt"
	"testing"

	"github.com/chewxy/math32"
	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/remapper/internal/testgraphs"
	"github.com/gomlx/remapper/internal/togomlx"
	"github.com/gomlx/remapper/remapper"
	"github.com/stretchr/testify/require"
)

// runFusedVsUnfused optimizes original at the given level, executes both graphs with the same
// random inputs, and checks the fetched values match element-wise within tolerance.
func runFusedVsUnfused(t *testing.T, original *remapper.Graph, level remapper.Level, numFusions int) {
	t.Helper()
	optimized, report, err := remapper.Optimize(original, level)
	require.NoError(t, err)
	require.Lenf(t, report.Fusions, numFusions, "report:\n%s", report)

	backend, err := simplego.New("")
	require.NoError(t, err)
	feeds, err := togomlx.RandomFeeds(original, 42)
	require.NoError(t, err)

	unfusedResults, err := togomlx.Execute(backend, original, feeds)
	require.NoError(t, err)
	fusedResults, err := togomlx.Execute(backend, optimized, feeds)
	require.NoError(t, err)
	require.Equal(t, len(unfusedResults), len(fusedResults), "output count mismatch")

	for ii := range unfusedResults {
		require.True(t, unfusedResults[ii].Shape().Equal(fusedResults[ii].Shape()),
			"output %d: unfused shape %s, fused shape %s", ii, unfusedResults[ii].Shape(), fusedResults[ii].Shape())
		unfusedFlat := tensors.MustCopyFlatData[float32](unfusedResults[ii])
		fusedFlat := tensors.MustCopyFlatData[float32](fusedResults[ii])
		for jj, want := range unfusedFlat {
			got := fusedFlat[jj]
			require.LessOrEqualf(t, math32.Abs(got-want), 1e-6*math32.Max(1, math32.Abs(want)),
				"output %d, index %d: unfused=%f, fused=%f", ii, jj, want, got)
		}
	}

	maxDiff, err := togomlx.Compare(backend, original, optimized, feeds)
	require.NoError(t, err)
	require.Less(t, maxDiff, 1e-5)
}

func TestNumericConvBiasAdd(t *testing.T) {
	for _, dataFormat := range []string{remapper.DataFormatNHWC, remapper.DataFormatNCHW} {
		for _, activation := range remapper.Activations {
			t.Run(fmt.Sprintf("%s/%s", dataFormat, activation), func(t *testing.T) {
				g := testgraphs.Conv(testgraphs.ConvConfig{
					DataFormat:  dataFormat,
					AddOp:       remapper.OpNameAddV2,
					Activation:  activation,
					Batch:       2,
					Height:      5,
					Width:       4,
					InChannels:  3,
					OutChannels: 6,
				})
				runFusedVsUnfused(t, g, remapper.LevelAggressive, 1)
			})
		}
	}
}

func TestNumericConvBiasActivation(t *testing.T) {
	for _, depthwise := range []bool{false, true} {
		for _, activation := range remapper.Activations {
			t.Run(fmt.Sprintf("depthwise=%v/%s", depthwise, activation), func(t *testing.T) {
				g := testgraphs.Conv(testgraphs.ConvConfig{
					Depthwise:    depthwise,
					Activation:   activation,
					ConstWeights: true,
					Batch:        2,
					Height:       3,
					Width:        3,
					InChannels:   4,
					OutChannels:  2,
				})
				runFusedVsUnfused(t, g, remapper.LevelOn, 1)
			})
		}
	}
}

func TestNumericMatMulGrad(t *testing.T) {
	for _, transposeA := range []bool{false, true} {
		for _, transposeB := range []bool{false, true} {
			t.Run(fmt.Sprintf("a%db%d", boolToInt(transposeA), boolToInt(transposeB)), func(t *testing.T) {
				g := testgraphs.MatMulGrad(testgraphs.MatMulGradConfig{TransposeA: transposeA, TransposeB: transposeB, M: 5, K: 3, N: 7})
				runFusedVsUnfused(t, g, remapper.LevelOn, 1)
			})
		}
	}
}

func TestNumericEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping full size convolution in short mode")
	}
	// input[8,32,32,3] -> 1x1 Conv2D with 128 filters -> BiasAdd -> AddV2(addend[8,32,32,128]) -> Relu.
	g := testgraphs.Conv(testgraphs.ConvConfig{
		AddOp:      remapper.OpNameAddV2,
		Activation: remapper.ActivationRelu,
	})
	runFusedVsUnfused(t, g, remapper.LevelAggressive, 1)
}
