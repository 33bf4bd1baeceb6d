// remap reads a graph in the YAML text format, runs the remapper fusion pass over it, and writes the
// rewritten graph.
//
// Usage:
//
//	remap -in graph.yaml [-out fused.yaml] [-level on|off|aggressive] [-patterns conv-bias-add,...] [-verify]
//
// The report of the pass is printed to stderr.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/remapper/internal/togomlx"
	"github.com/gomlx/remapper/remapper"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagIn       = flag.String("in", "", "Graph to optimize, in the YAML text format.")
	flagOut      = flag.String("out", "", "Where to write the optimized graph. If empty it is written to stdout.")
	flagLevel    = flag.String("level", "on", "Remapper level: off, on or aggressive.")
	flagPatterns = flag.String("patterns", "", "Comma-separated list of patterns to enable. If empty, all registered patterns are enabled.")
	flagWithout  = flag.String("without", "", "Comma-separated list of patterns to disable.")
	flagVerify   = flag.Bool("verify", false, "Execute the original and the optimized graphs with random inputs, and report the largest difference.")
	flagSeed     = flag.Uint64("seed", 42, "Seed for the random inputs used by -verify.")
	flagList     = flag.Bool("list", false, "List the registered patterns and exit.")
)

func splitList(s string) []string {
	var parts []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if *flagList {
		for _, name := range remapper.RegisteredPatterns() {
			fmt.Println(name)
		}
		return
	}
	if *flagIn == "" {
		klog.Errorf("Missing -in graph file. See 'remap -help'.")
		os.Exit(1)
	}
	level, err := remapper.ParseLevel(*flagLevel)
	if err != nil {
		klog.Fatalf("%+v", err)
	}

	g, err := remapper.ReadFile(*flagIn)
	if err != nil {
		klog.Fatalf("%+v", err)
	}
	var options []remapper.Option
	if patterns := splitList(*flagPatterns); len(patterns) > 0 {
		options = append(options, remapper.WithPatterns(patterns...))
	}
	if without := splitList(*flagWithout); len(without) > 0 {
		options = append(options, remapper.WithoutPatterns(without...))
	}
	optimized, report, err := remapper.NewOptimizer(level, options...).Optimize(g)
	if err != nil {
		klog.Fatalf("Failed to optimize %s: %+v", *flagIn, err)
	}
	fmt.Fprintln(os.Stderr, renderReport(g, optimized, report))

	if *flagVerify {
		verify(g, optimized)
	}

	if *flagOut == "" {
		must.M(remapper.Write(os.Stdout, optimized))
		return
	}
	if err := remapper.WriteFile(*flagOut, optimized); err != nil {
		klog.Fatalf("%+v", err)
	}
}

// verify executes both graphs on the simplego backend and prints the largest absolute difference.
func verify(original, optimized *remapper.Graph) {
	backend := must.M1(simplego.New(""))
	defer backend.Finalize()
	feeds, err := togomlx.RandomFeeds(original, *flagSeed)
	if err != nil {
		klog.Fatalf("Can't verify: %+v", err)
	}
	maxDiff, err := togomlx.Compare(backend, original, optimized, feeds)
	if err != nil {
		klog.Fatalf("Verification failed: %+v", err)
	}
	fmt.Fprintln(os.Stderr, titleStyle.Render(fmt.Sprintf("Largest absolute difference: %g", maxDiff)))
}
