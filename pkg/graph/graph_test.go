package graph_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/iding2959/ys-movie/pkg/graph"
)

func sampleGraph() graph.Graph {
	return graph.Graph{
		"3": {
			ClassType: "KSampler",
			Inputs: map[string]any{
				"seed":   float64(0),
				"steps":  float64(25),
				"model":  []any{"4", float64(0)},
				"latent": []any{"5", float64(0)},
			},
		},
		"4": {
			ClassType: "CheckpointLoaderSimple",
			Inputs:    map[string]any{"ckpt_name": "base.safetensors"},
		},
		"5": {
			ClassType: "EmptyLatentImage",
			Inputs:    map[string]any{"width": float64(1024), "height": float64(1024)},
		},
	}
}

func TestPatch(t *testing.T) {
	t.Run("AppliesLiteralOverrides", func(t *testing.T) {
		g := sampleGraph()
		patched, err := g.Patch([]graph.Override{
			{Node: "3", Input: "seed", Value: int64(42)},
			{Node: "5", Input: "width", Value: 512},
		})
		assert.NoError(t, err)
		assert.Equal(t, int64(42), patched["3"].Inputs["seed"])
		assert.Equal(t, 512, patched["5"].Inputs["width"])
		// The receiver stays untouched.
		assert.Equal(t, float64(0), g["3"].Inputs["seed"])
		assert.Equal(t, float64(1024), g["5"].Inputs["width"])
	})

	t.Run("RejectsUnknownNode", func(t *testing.T) {
		g := sampleGraph()
		_, err := g.Patch([]graph.Override{{Node: "99", Input: "seed", Value: 1}})
		var invalid *graph.InvalidOverrideError
		assert.ErrorAs(t, err, &invalid)
		assert.Equal(t, "99", invalid.Node)
		assert.Contains(t, err.Error(), "node not found")
	})

	t.Run("RejectsUnknownInput", func(t *testing.T) {
		g := sampleGraph()
		_, err := g.Patch([]graph.Override{{Node: "3", Input: "cfg", Value: 7.0}})
		var invalid *graph.InvalidOverrideError
		assert.ErrorAs(t, err, &invalid)
		assert.Contains(t, err.Error(), "input not defined")
	})

	t.Run("RejectsWiredInput", func(t *testing.T) {
		g := sampleGraph()
		_, err := g.Patch([]graph.Override{{Node: "3", Input: "model", Value: "x"}})
		var invalid *graph.InvalidOverrideError
		assert.ErrorAs(t, err, &invalid)
		assert.Contains(t, err.Error(), "wired to another node")
	})

	t.Run("RejectedBatchLeavesGraphUntouched", func(t *testing.T) {
		g := sampleGraph()
		_, err := g.Patch([]graph.Override{
			{Node: "3", Input: "seed", Value: int64(42)},
			{Node: "99", Input: "seed", Value: int64(42)},
		})
		assert.Error(t, err)
		assert.Equal(t, float64(0), g["3"].Inputs["seed"])
	})
}

func TestClone(t *testing.T) {
	g := sampleGraph()
	cp := g.Clone()
	cp["3"].Inputs["seed"] = int64(7)
	cp["3"].Inputs["model"].([]any)[0] = "9"
	assert.Equal(t, float64(0), g["3"].Inputs["seed"])
	assert.Equal(t, "4", g["3"].Inputs["model"].([]any)[0])
}

func TestRemap(t *testing.T) {
	g := sampleGraph()
	out := g.Remap(func(id string) string { return "76:" + id })

	assert.ElementsMatch(t, []string{"76:3", "76:4", "76:5"}, out.NodeIDs())
	assert.Equal(t, "76:4", graph.RefTarget(out["76:3"].Inputs["model"]))
	assert.Equal(t, "76:5", graph.RefTarget(out["76:3"].Inputs["latent"]))
	// Literals pass through, the original is left alone.
	assert.Equal(t, float64(25), out["76:3"].Inputs["steps"])
	assert.Equal(t, "4", graph.RefTarget(g["3"].Inputs["model"]))
}

func TestIsRef(t *testing.T) {
	assert.True(t, graph.IsRef([]any{"4", float64(0)}))
	assert.False(t, graph.IsRef("literal"))
	assert.False(t, graph.IsRef([]any{"4"}))
	assert.False(t, graph.IsRef([]any{float64(4), float64(0)}))
	assert.False(t, graph.IsRef(float64(3)))
}

func TestTemplate(t *testing.T) {
	t.Run("InstantiateDoesNotMutateTemplate", func(t *testing.T) {
		tmpl := graph.NewTemplate(sampleGraph())
		g1, err := tmpl.Instantiate([]graph.Override{{Node: "3", Input: "seed", Value: int64(1)}})
		assert.NoError(t, err)
		g2, err := tmpl.Instantiate([]graph.Override{{Node: "3", Input: "seed", Value: int64(2)}})
		assert.NoError(t, err)
		assert.Equal(t, int64(1), g1["3"].Inputs["seed"])
		assert.Equal(t, int64(2), g2["3"].Inputs["seed"])
		assert.Equal(t, float64(0), tmpl.Graph()["3"].Inputs["seed"])
	})

	t.Run("FailedInstantiateLeavesTemplateUntouched", func(t *testing.T) {
		tmpl := graph.NewTemplate(sampleGraph())
		_, err := tmpl.Instantiate([]graph.Override{{Node: "99", Input: "seed", Value: int64(1)}})
		assert.Error(t, err)
		assert.Equal(t, float64(0), tmpl.Graph()["3"].Inputs["seed"])
	})
}

func TestRegistry(t *testing.T) {
	tmpl := graph.NewTemplate(sampleGraph())

	t.Run("RegisterAndGet", func(t *testing.T) {
		r := graph.NewRegistry()
		spec := graph.KindSpec{
			Name:       "text2image",
			SeedInputs: []graph.NodeInput{{Node: "3", Input: "seed"}},
		}
		assert.NoError(t, r.Register(spec, tmpl))
		k, err := r.Get("text2image")
		assert.NoError(t, err)
		assert.Equal(t, "text2image", k.Spec.Name)
		assert.ElementsMatch(t, []string{"text2image"}, r.Kinds())
	})

	t.Run("UnknownKind", func(t *testing.T) {
		r := graph.NewRegistry()
		_, err := r.Get("nope")
		assert.ErrorIs(t, err, graph.ErrUnknownKind)
	})

	t.Run("RejectsMissingSeedNode", func(t *testing.T) {
		r := graph.NewRegistry()
		spec := graph.KindSpec{
			Name:       "broken",
			SeedInputs: []graph.NodeInput{{Node: "99", Input: "seed"}},
		}
		assert.Error(t, r.Register(spec, tmpl))
	})

	t.Run("RejectsMissingChainNodes", func(t *testing.T) {
		r := graph.NewRegistry()
		spec := graph.KindSpec{
			Name: "broken",
			Chain: &graph.ChainSpec{
				UnitSeconds:    5,
				StartNode:      "99",
				StartInput:     "start_image",
				ContinuityNode: "3",
			},
		}
		assert.Error(t, r.Register(spec, tmpl))
	})
}
