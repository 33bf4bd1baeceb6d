package benchmarks

import (
	"flag"
	"fmt"
	"runtime"
	"testing"

	"github.com/chewxy/math32"
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/remapper/internal/testgraphs"
	"github.com/gomlx/remapper/internal/togomlx"
	"github.com/gomlx/remapper/remapper"
	"github.com/janpfeifer/go-benchmarks"
	"github.com/janpfeifer/must"
)

var (
	flagBenchDuration = flag.Duration("bench_duration", 0, "Benchmark duration, typically use 10 seconds. If left as 0, benchmark tests are disabled")
	flagVerbose       = flag.Bool("verbose", false, "Print the graphs before and after the remapper")

	// Benchmark hyperparameters.
	ConvBatchSizes  = []int{1, 8, 32}
	MatMulGradSizes = [][3]int{{64, 64, 64}, {256, 512, 128}}
)

// benchGraphs benchmarks the execution of the original and optimized graphs, after checking they
// compute the same values.
func benchGraphs(t *testing.T, name string, original *remapper.Graph, level remapper.Level, withHeader bool) {
	optimized, report, err := remapper.Optimize(original, level)
	must.M(err)
	if len(report.Fusions) == 0 {
		exceptions.Panicf("%s: no fusion applied:\n%s", name, report)
	}
	if *flagVerbose {
		fmt.Printf("%s original:\n%s\n%s optimized:\n%s\n%s\n", name, original.Dump(), name, optimized.Dump(), report)
	}

	backend := graphtest.BuildTestBackend()
	feeds := must.M1(togomlx.RandomFeeds(original, 42))
	var inputNames []string
	var inputValues []any
	for _, node := range original.Nodes {
		if node.Kind() == remapper.OpPlaceholder {
			inputNames = append(inputNames, node.Name)
			inputValues = append(inputValues, feeds[node.Name])
		}
	}

	var results [][]float32
	for idx, rg := range []*remapper.Graph{original, optimized} {
		variant := "unfused"
		if idx == 1 {
			variant = "fused"
		}
		exec := context.MustNewExec(backend, context.New(), func(ctx *context.Context, inputs []*Node) []*Node {
			nodes := make(map[string]*Node, len(inputs))
			for ii, input := range inputs {
				nodes[inputNames[ii]] = input
			}
			return togomlx.CallGraph(inputs[0].Graph(), rg, nodes)
		})

		// Warm-up and keep the first output for comparison.
		outputs := exec.MustExec(inputValues...)
		results = append(results, tensors.MustCopyFlatData[float32](outputs[0]))
		for _, output := range outputs {
			output.FinalizeAll()
		}

		benchFn := benchmarks.NamedFunction{
			Name: fmt.Sprintf("%s/%s/%s", t.Name(), name, variant),
			Func: func() {
				outputs := exec.MustExec(inputValues...)
				// Force transfer to local memory: this should be part of the cost.
				for _, output := range outputs {
					tensors.ConstFlatData(output, func(flat []float32) {
						_ = flat[0]
					})
					output.FinalizeAll()
				}
			},
		}
		runtime.LockOSThread()
		benchmarks.New(benchFn).
			WithWarmUps(16).
			WithDuration(*flagBenchDuration).
			WithHeader(withHeader && idx == 0).
			Done()
		runtime.UnlockOSThread()
		exec.Finalize()
	}

	for ii, want := range results[0] {
		got := results[1][ii]
		if math32.Abs(got-want) > 1e-6*math32.Max(1, math32.Abs(want)) {
			exceptions.Panicf("%s: fused output #%d is %g, unfused is %g", name, ii, got, want)
		}
	}
}

func TestBenchConvBiasAddRelu(t *testing.T) {
	if testing.Short() || *flagBenchDuration == 0 {
		fmt.Printf("Skipping Conv2D benchmark test: --short or --bench_duration not set\n")
		t.SkipNow()
	}
	for ii, batchSize := range ConvBatchSizes {
		g := testgraphs.Conv(testgraphs.ConvConfig{
			AddOp:            remapper.OpNameAddV2,
			Activation:       remapper.ActivationRelu,
			ConstWeights:     true,
			ShapeAnnotations: true,
			Batch:            batchSize,
			OutChannels:      64,
		})
		benchGraphs(t, fmt.Sprintf("batchSize=%02d", batchSize), g, remapper.LevelOn, ii == 0)
	}
}

func TestBenchDepthwiseConvBiasElu(t *testing.T) {
	if testing.Short() || *flagBenchDuration == 0 {
		fmt.Printf("Skipping DepthwiseConv2dNative benchmark test: --short or --bench_duration not set\n")
		t.SkipNow()
	}
	for ii, batchSize := range ConvBatchSizes {
		g := testgraphs.Conv(testgraphs.ConvConfig{
			Depthwise:    true,
			Activation:   remapper.ActivationElu,
			ConstWeights: true,
			Batch:        batchSize,
			InChannels:   16,
			OutChannels:  2,
		})
		benchGraphs(t, fmt.Sprintf("batchSize=%02d", batchSize), g, remapper.LevelOn, ii == 0)
	}
}

func TestBenchMatMulGrad(t *testing.T) {
	if testing.Short() || *flagBenchDuration == 0 {
		fmt.Printf("Skipping MatMul gradient benchmark test: --short or --bench_duration not set\n")
		t.SkipNow()
	}
	for ii, size := range MatMulGradSizes {
		g := testgraphs.MatMulGrad(testgraphs.MatMulGradConfig{M: size[0], K: size[1], N: size[2]})
		benchGraphs(t, fmt.Sprintf("m=%d,k=%d,n=%d", size[0], size[1], size[2]), g, remapper.LevelOn, ii == 0)
	}
}
