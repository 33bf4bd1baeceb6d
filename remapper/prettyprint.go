package remapper

import (
	"bytes"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// String implements fmt.Stringer, and pretty prints a summary of the graph.
func (g *Graph) String() string {
	var buf bytes.Buffer
	w := func(format string, args ...any) {
		if len(args) == 0 {
			buf.WriteString(format)
		} else {
			buf.WriteString(fmt.Sprintf(format, args...))
		}
	}
	w("Graph:\n")
	w("\t# nodes:\t%d\n", len(g.Nodes))
	w("\tFetch:\t%q\n", g.Fetch)
	counts := g.OpCounts()
	w("\tOp types:\t[")
	for ii, op := range slices.Sorted(maps.Keys(counts)) {
		if ii > 0 {
			w(", ")
		}
		w("%s=%d", op, counts[op])
	}
	w("]\n")
	devices := make(map[string]bool)
	for _, node := range g.Nodes {
		if node.Device != "" {
			devices[node.Device] = true
		}
	}
	if len(devices) > 0 {
		w("\tDevices:\t%q\n", slices.Sorted(maps.Keys(devices)))
	}
	return buf.String()
}

// String implements fmt.Stringer, with the node in a one-line format, e.g.:
//
//	relu = _FusedConv2D(input, filter, bias, addend) {T=DT_FLOAT, fused_ops=["BiasAdd", "Add", "Relu"], num_args=2}
func (n *Node) String() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "%s = %s(%s)", n.Name, n.Op, strings.Join(n.Inputs, ", "))
	if len(n.Attrs) > 0 {
		buf.WriteString(" {")
		for ii, key := range slices.Sorted(maps.Keys(n.Attrs)) {
			if ii > 0 {
				buf.WriteString(", ")
			}
			fmt.Fprintf(&buf, "%s=%s", key, n.Attrs[key])
		}
		buf.WriteString("}")
	}
	if n.Device != "" {
		fmt.Fprintf(&buf, " @%s", n.Device)
	}
	return buf.String()
}

// Dump returns all nodes of the graph, one per line, in graph order.
func (g *Graph) Dump() string {
	var buf strings.Builder
	for _, node := range g.Nodes {
		buf.WriteString(node.String())
		buf.WriteByte('\n')
	}
	if len(g.Fetch) > 0 {
		fmt.Fprintf(&buf, "fetch: %s\n", strings.Join(g.Fetch, ", "))
	}
	return buf.String()
}

// String implements fmt.Stringer, and pretty prints the report.
func (r *Report) String() string {
	var buf bytes.Buffer
	w := func(format string, args ...any) {
		buf.WriteString(fmt.Sprintf(format, args...))
	}
	w("Remapper run %s (level %s): %d fusions, %d rejections\n", r.RunID, r.Level, len(r.Fusions), len(r.Rejections))
	for _, f := range r.Fusions {
		w("\t+ %s: %q -> %s %q (removed %q)\n", f.Pattern, f.Name, f.Op, f.FusedOps, f.Removed)
	}
	for _, rej := range r.Rejections {
		w("\t- %s at %q: %s\n", rej.Pattern, rej.Anchor, rej.Reason)
	}
	return buf.String()
}
