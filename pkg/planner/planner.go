// Package planner decomposes a requested output duration into an
// ordered chain of unit-sized segments with deterministic parameter
// derivation: disjoint node-id namespaces, strided seeds and
// overlap-based continuity wiring between consecutive segments.
package planner

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/iding2959/ys-movie/pkg/graph"
	"github.com/iding2959/ys-movie/pkg/models"
)

var (
	// ErrInvalidDuration rejects a total duration that is not a
	// positive multiple of the kind's unit duration.
	ErrInvalidDuration = errors.New("invalid duration")
	// ErrPromptCount rejects a prompt list whose length matches
	// neither 1 nor the segment count.
	ErrPromptCount = errors.New("prompt count does not match segment count")
)

// Config holds the derivation constants. The strides are configuration,
// not load-bearing literals; defaults follow the bundled templates.
type Config struct {
	// SeedStride separates consecutive segment seeds.
	SeedStride int64
	// NamespaceBase and NamespaceStride allocate each segment's
	// disjoint node-id namespace.
	NamespaceBase   int
	NamespaceStride int
}

// DefaultConfig returns the stock derivation constants.
func DefaultConfig() Config {
	return Config{
		SeedStride:      1_000_000,
		NamespaceBase:   70,
		NamespaceStride: 6,
	}
}

// Planner computes segment chains. It is a pure transform and safe for
// concurrent use.
type Planner struct {
	cfg Config
}

func New(cfg Config) *Planner {
	if cfg.SeedStride == 0 {
		cfg.SeedStride = DefaultConfig().SeedStride
	}
	if cfg.NamespaceStride == 0 {
		cfg.NamespaceStride = DefaultConfig().NamespaceStride
	}
	return &Planner{cfg: cfg}
}

// NamespacedID renders a node id inside a segment namespace.
func NamespacedID(namespace int, id string) string {
	return fmt.Sprintf("%d:%s", namespace, id)
}

// Plan computes the segment chain for one request. Non-chained kinds
// always yield a single segment; chained kinds yield
// totalSeconds/unitSeconds segments. A one-segment plan carries no
// handoff wiring at all, making it indistinguishable from a
// non-chained request.
//
// Prompts may be empty (template text kept), a single prompt replicated
// across every segment, or exactly one prompt per segment.
func (p *Planner) Plan(kind *graph.Kind, totalSeconds int, baseSeed int64, prompts []string) ([]models.Segment, error) {
	count := 1
	chain := kind.Spec.Chain
	if chain != nil {
		if totalSeconds == 0 {
			totalSeconds = chain.UnitSeconds
		}
		if totalSeconds <= 0 || totalSeconds%chain.UnitSeconds != 0 {
			return nil, errors.Wrapf(ErrInvalidDuration,
				"%ds is not a positive multiple of the %ds unit", totalSeconds, chain.UnitSeconds)
		}
		count = totalSeconds / chain.UnitSeconds
	} else if totalSeconds != 0 {
		return nil, errors.Wrapf(ErrInvalidDuration, "kind %s does not chain", kind.Spec.Name)
	}

	switch len(prompts) {
	case 0, 1:
	case count:
	default:
		return nil, errors.Wrapf(ErrPromptCount, "got %d prompts for %d segments", len(prompts), count)
	}

	segments := make([]models.Segment, count)
	for i := 0; i < count; i++ {
		seg := models.Segment{
			Index:         i,
			NodeNamespace: p.cfg.NamespaceBase + i*p.cfg.NamespaceStride,
			Seed:          baseSeed + int64(i)*p.cfg.SeedStride,
			Status:        models.PendingTaskStatus,
		}
		switch len(prompts) {
		case 1:
			seg.Prompt = prompts[0]
		case count:
			seg.Prompt = prompts[i]
		}
		if i > 0 {
			seg.HandoffInput = &models.HandoffRef{
				SegmentIndex: i - 1,
				NodeID:       NamespacedID(segments[i-1].NodeNamespace, chain.ContinuityNode),
			}
		}
		segments[i] = seg
	}
	return segments, nil
}

// BuildSegmentGraph produces the concrete graph for one segment of a
// planned chain: the kind's template is cloned, patched with the
// caller's literal overrides plus the segment's seed and prompt, moved
// into the segment's node namespace (multi-segment chains only), and,
// for every segment after the first, rewired so its start input reads
// the previous segment's continuity artifact.
func (p *Planner) BuildSegmentGraph(kind *graph.Kind, segments []models.Segment, index int, handoffArtifact string, overrides []graph.Override) (graph.Graph, error) {
	if index < 0 || index >= len(segments) {
		return nil, errors.Errorf("segment index %d out of range", index)
	}
	seg := segments[index]

	patch := make([]graph.Override, 0, len(overrides)+len(kind.Spec.SeedInputs)+1)
	patch = append(patch, overrides...)
	for _, in := range kind.Spec.SeedInputs {
		patch = append(patch, graph.Override{Node: in.Node, Input: in.Input, Value: seg.Seed})
	}
	if kind.Spec.PromptInput != nil && seg.Prompt != "" {
		patch = append(patch, graph.Override{
			Node:  kind.Spec.PromptInput.Node,
			Input: kind.Spec.PromptInput.Input,
			Value: seg.Prompt,
		})
	}

	g, err := kind.Template.Instantiate(patch)
	if err != nil {
		return nil, err
	}

	if len(segments) > 1 {
		ns := seg.NodeNamespace
		g = g.Remap(func(id string) string { return NamespacedID(ns, id) })
	}

	if index > 0 {
		if handoffArtifact == "" {
			return nil, errors.Errorf("segment %d has no handoff artifact", index)
		}
		chain := kind.Spec.Chain
		startID := NamespacedID(seg.NodeNamespace, chain.StartNode)
		node, ok := g[startID]
		if !ok {
			return nil, errors.Errorf("start node %s missing from segment graph", startID)
		}
		node.Inputs[chain.StartInput] = handoffArtifact
	}
	return g, nil
}
