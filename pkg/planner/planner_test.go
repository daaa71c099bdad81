package planner_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iding2959/ys-movie/pkg/graph"
	"github.com/iding2959/ys-movie/pkg/models"
	"github.com/iding2959/ys-movie/pkg/planner"
)

func chainedKind(t *testing.T) *graph.Kind {
	t.Helper()
	tmpl := graph.NewTemplate(graph.Graph{
		"8": {
			ClassType: "KSampler",
			Inputs:    map[string]any{"seed": float64(0), "latent": []any{"34", float64(0)}},
		},
		"34": {
			ClassType: "WanVaceToVideo",
			Inputs:    map[string]any{"start_image": "start.png", "length": float64(81)},
		},
		"70": {
			ClassType: "CLIPTextEncode",
			Inputs:    map[string]any{"text": ""},
		},
		"92": {
			ClassType: "SaveImage",
			Inputs:    map[string]any{"images": []any{"8", float64(0)}, "filename_prefix": "tail"},
		},
	})
	r := graph.NewRegistry()
	spec := graph.KindSpec{
		Name:        "clip_chain",
		SeedInputs:  []graph.NodeInput{{Node: "8", Input: "seed"}},
		PromptInput: &graph.NodeInput{Node: "70", Input: "text"},
		Chain: &graph.ChainSpec{
			UnitSeconds:    5,
			StartNode:      "34",
			StartInput:     "start_image",
			ContinuityNode: "92",
			OverlapFrames:  16,
		},
	}
	require.NoError(t, r.Register(spec, tmpl))
	k, err := r.Get("clip_chain")
	require.NoError(t, err)
	return k
}

func simpleKind(t *testing.T) *graph.Kind {
	t.Helper()
	tmpl := graph.NewTemplate(graph.Graph{
		"3": {ClassType: "KSampler", Inputs: map[string]any{"seed": float64(0)}},
	})
	r := graph.NewRegistry()
	require.NoError(t, r.Register(graph.KindSpec{
		Name:       "oneshot",
		SeedInputs: []graph.NodeInput{{Node: "3", Input: "seed"}},
	}, tmpl))
	k, err := r.Get("oneshot")
	require.NoError(t, err)
	return k
}

func TestPlan(t *testing.T) {
	p := planner.New(planner.DefaultConfig())

	t.Run("NonChainedKindYieldsOneSegment", func(t *testing.T) {
		segments, err := p.Plan(simpleKind(t), 0, 100, nil)
		assert.NoError(t, err)
		require.Len(t, segments, 1)
		assert.Equal(t, int64(100), segments[0].Seed)
		assert.Nil(t, segments[0].HandoffInput)
	})

	t.Run("NonChainedKindRejectsDuration", func(t *testing.T) {
		_, err := p.Plan(simpleKind(t), 10, 100, nil)
		assert.ErrorIs(t, err, planner.ErrInvalidDuration)
	})

	t.Run("ZeroDurationMeansOneUnit", func(t *testing.T) {
		segments, err := p.Plan(chainedKind(t), 0, 100, nil)
		assert.NoError(t, err)
		assert.Len(t, segments, 1)
	})

	t.Run("SegmentCountAndDerivedParameters", func(t *testing.T) {
		segments, err := p.Plan(chainedKind(t), 15, 100, nil)
		assert.NoError(t, err)
		require.Len(t, segments, 3)
		for i, seg := range segments {
			assert.Equal(t, i, seg.Index)
			assert.Equal(t, 100+int64(i)*1_000_000, seg.Seed)
			assert.Equal(t, 70+i*6, seg.NodeNamespace)
			assert.Equal(t, models.PendingTaskStatus, seg.Status)
		}
		assert.Nil(t, segments[0].HandoffInput)
		require.NotNil(t, segments[1].HandoffInput)
		assert.Equal(t, 0, segments[1].HandoffInput.SegmentIndex)
		assert.Equal(t, "70:92", segments[1].HandoffInput.NodeID)
		require.NotNil(t, segments[2].HandoffInput)
		assert.Equal(t, "76:92", segments[2].HandoffInput.NodeID)
	})

	t.Run("PlanIsDeterministic", func(t *testing.T) {
		a, err := p.Plan(chainedKind(t), 20, 7, nil)
		assert.NoError(t, err)
		b, err := p.Plan(chainedKind(t), 20, 7, nil)
		assert.NoError(t, err)
		assert.Equal(t, a, b)
	})

	t.Run("RejectsNonMultipleDuration", func(t *testing.T) {
		_, err := p.Plan(chainedKind(t), 7, 100, nil)
		assert.ErrorIs(t, err, planner.ErrInvalidDuration)
	})

	t.Run("RejectsNegativeDuration", func(t *testing.T) {
		_, err := p.Plan(chainedKind(t), -5, 100, nil)
		assert.ErrorIs(t, err, planner.ErrInvalidDuration)
	})

	t.Run("PromptDistribution", func(t *testing.T) {
		one, err := p.Plan(chainedKind(t), 10, 100, []string{"a castle"})
		assert.NoError(t, err)
		assert.Equal(t, "a castle", one[0].Prompt)
		assert.Equal(t, "a castle", one[1].Prompt)

		per, err := p.Plan(chainedKind(t), 10, 100, []string{"dawn", "dusk"})
		assert.NoError(t, err)
		assert.Equal(t, "dawn", per[0].Prompt)
		assert.Equal(t, "dusk", per[1].Prompt)

		_, err = p.Plan(chainedKind(t), 15, 100, []string{"dawn", "dusk"})
		assert.ErrorIs(t, err, planner.ErrPromptCount)
	})
}

func TestBuildSegmentGraph(t *testing.T) {
	p := planner.New(planner.DefaultConfig())

	t.Run("SingleSegmentKeepsOriginalIDs", func(t *testing.T) {
		kind := chainedKind(t)
		segments, err := p.Plan(kind, 5, 100, []string{"a castle"})
		assert.NoError(t, err)
		g, err := p.BuildSegmentGraph(kind, segments, 0, "", nil)
		assert.NoError(t, err)
		assert.ElementsMatch(t, []string{"8", "34", "70", "92"}, g.NodeIDs())
		assert.Equal(t, int64(100), g["8"].Inputs["seed"])
		assert.Equal(t, "a castle", g["70"].Inputs["text"])
		assert.Equal(t, "start.png", g["34"].Inputs["start_image"])
	})

	t.Run("MultiSegmentNamespacesAndRewires", func(t *testing.T) {
		kind := chainedKind(t)
		segments, err := p.Plan(kind, 10, 100, nil)
		assert.NoError(t, err)

		g0, err := p.BuildSegmentGraph(kind, segments, 0, "", nil)
		assert.NoError(t, err)
		assert.ElementsMatch(t, []string{"70:8", "70:34", "70:70", "70:92"}, g0.NodeIDs())
		assert.Equal(t, "70:34", graph.RefTarget(g0["70:8"].Inputs["latent"]))
		assert.Equal(t, "start.png", g0["70:34"].Inputs["start_image"])

		g1, err := p.BuildSegmentGraph(kind, segments, 1, "subdir/tail_00001.png", nil)
		assert.NoError(t, err)
		assert.ElementsMatch(t, []string{"76:8", "76:34", "76:70", "76:92"}, g1.NodeIDs())
		assert.Equal(t, "subdir/tail_00001.png", g1["76:34"].Inputs["start_image"])
		assert.Equal(t, int64(100+1_000_000), g1["76:8"].Inputs["seed"])
	})

	t.Run("LaterSegmentRequiresHandoffArtifact", func(t *testing.T) {
		kind := chainedKind(t)
		segments, err := p.Plan(kind, 10, 100, nil)
		assert.NoError(t, err)
		_, err = p.BuildSegmentGraph(kind, segments, 1, "", nil)
		assert.Error(t, err)
	})

	t.Run("CallerOverridesApply", func(t *testing.T) {
		kind := chainedKind(t)
		segments, err := p.Plan(kind, 10, 100, nil)
		assert.NoError(t, err)
		g, err := p.BuildSegmentGraph(kind, segments, 0, "", []graph.Override{
			{Node: "34", Input: "length", Value: float64(49)},
		})
		assert.NoError(t, err)
		assert.Equal(t, float64(49), g["70:34"].Inputs["length"])
	})

	t.Run("InvalidOverrideRejected", func(t *testing.T) {
		kind := chainedKind(t)
		segments, err := p.Plan(kind, 5, 100, nil)
		assert.NoError(t, err)
		_, err = p.BuildSegmentGraph(kind, segments, 0, "", []graph.Override{
			{Node: "99", Input: "x", Value: 1},
		})
		var invalid *graph.InvalidOverrideError
		assert.ErrorAs(t, err, &invalid)
	})

	t.Run("IndexOutOfRange", func(t *testing.T) {
		kind := chainedKind(t)
		segments, err := p.Plan(kind, 5, 100, nil)
		assert.NoError(t, err)
		_, err = p.BuildSegmentGraph(kind, segments, 1, "x.png", nil)
		assert.Error(t, err)
	})
}
