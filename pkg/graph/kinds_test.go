package graph_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iding2959/ys-movie/pkg/graph"
)

// The bundled templates must contain every node the default kind specs
// patch, otherwise the server refuses to start.
func TestLoadRegistryWithBundledTemplates(t *testing.T) {
	r, err := graph.LoadRegistry("../../workflows", graph.DefaultKinds())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"text2image", "wan22_i2v", "infinitetalk_i2v", "super_video"}, r.Kinds())

	wan, err := r.Get("wan22_i2v")
	require.NoError(t, err)
	require.NotNil(t, wan.Spec.Chain)
	assert.Equal(t, 5, wan.Spec.Chain.UnitSeconds)

	g := wan.Template.Graph()
	start := g[wan.Spec.Chain.StartNode]
	_, ok := start.Inputs[wan.Spec.Chain.StartInput]
	assert.True(t, ok, "chain start input missing from template")
}

func TestLoadRegistryMissingTemplate(t *testing.T) {
	_, err := graph.LoadRegistry(t.TempDir(), graph.DefaultKinds())
	assert.Error(t, err)
}

func TestLoadTemplateRejectsGarbage(t *testing.T) {
	_, err := graph.LoadTemplate("does-not-exist.json")
	assert.Error(t, err)
}
