package main

import (
	"testing"

	"github.com/gomlx/remapper/internal/testgraphs"
	"github.com/gomlx/remapper/remapper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitList(t *testing.T) {
	assert.Nil(t, splitList(""))
	assert.Nil(t, splitList(" , ,"))
	assert.Equal(t, []string{"conv-bias-add", "matmul-grad"}, splitList("conv-bias-add, matmul-grad,"))
}

func TestRenderReport(t *testing.T) {
	g := testgraphs.Conv(testgraphs.ConvConfig{AddOp: remapper.OpNameAdd, Activation: remapper.ActivationRelu6})
	optimized, report, err := remapper.Optimize(g, remapper.LevelAggressive)
	require.NoError(t, err)
	require.Len(t, report.Fusions, 1)

	out := renderReport(g, optimized, report)
	assert.Contains(t, out, report.RunID)
	assert.Contains(t, out, "conv-bias-add")
	assert.Contains(t, out, remapper.OpNameFusedConv2D)
	assert.Contains(t, out, remapper.OpNameBiasAdd)

	// Nothing fused: only the op counts table is rendered.
	unchanged, report, err := remapper.Optimize(g, remapper.LevelOff)
	require.NoError(t, err)
	out = renderReport(g, unchanged, report)
	assert.NotContains(t, out, "conv-bias-add")
	assert.Contains(t, out, remapper.OpNameConv2D)
}
