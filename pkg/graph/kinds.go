package graph

import (
	"path/filepath"

	"github.com/pkg/errors"
)

// ErrUnknownKind rejects a request for a kind nobody registered.
var ErrUnknownKind = errors.New("unknown request kind")

// ChainSpec describes how a kind's template chains into segments. A kind
// without a ChainSpec always runs as a single backend job.
type ChainSpec struct {
	// UnitSeconds is the duration one template invocation produces.
	UnitSeconds int
	// StartNode/StartInput is the input that receives the start state:
	// the template's own start image for segment 0, the previous
	// segment's continuity artifact for every later segment.
	StartNode  string
	StartInput string
	// ContinuityNode is the save node whose output artifacts carry the
	// last OverlapFrames frames, handed to the next segment as start
	// state.
	ContinuityNode string
	OverlapFrames  int
}

// KindSpec binds a request kind to its template and the named inputs
// the orchestration layer patches. Everything kind-specific lives here;
// the orchestration core stays kind-agnostic.
type KindSpec struct {
	Name         string
	TemplateFile string
	// SeedInputs receive the per-segment derived seed.
	SeedInputs []NodeInput
	// PromptInput receives the (per-segment) prompt text, if the kind
	// has one.
	PromptInput *NodeInput
	// OutputPrefixInput receives a per-task filename prefix, if set.
	OutputPrefixInput *NodeInput
	Chain             *ChainSpec
}

// Kind is a registered request kind with its loaded template.
type Kind struct {
	Spec     KindSpec
	Template *Template
}

// Registry maps request kinds to their templates and patch descriptors.
type Registry struct {
	kinds map[string]*Kind
}

func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string]*Kind)}
}

// Register adds a kind, validating that every patched input actually
// exists in the template.
func (r *Registry) Register(spec KindSpec, tmpl *Template) error {
	if spec.Name == "" {
		return errors.New("kind name cannot be empty")
	}
	for _, in := range spec.SeedInputs {
		if !tmpl.Has(in.Node) {
			return errors.Errorf("kind %s: seed node %s not in template", spec.Name, in.Node)
		}
	}
	if spec.PromptInput != nil && !tmpl.Has(spec.PromptInput.Node) {
		return errors.Errorf("kind %s: prompt node %s not in template", spec.Name, spec.PromptInput.Node)
	}
	if c := spec.Chain; c != nil {
		if c.UnitSeconds <= 0 {
			return errors.Errorf("kind %s: chain unit must be positive", spec.Name)
		}
		if !tmpl.Has(c.StartNode) {
			return errors.Errorf("kind %s: chain start node %s not in template", spec.Name, c.StartNode)
		}
		if !tmpl.Has(c.ContinuityNode) {
			return errors.Errorf("kind %s: continuity node %s not in template", spec.Name, c.ContinuityNode)
		}
	}
	r.kinds[spec.Name] = &Kind{Spec: spec, Template: tmpl}
	return nil
}

// Get looks up a kind by name.
func (r *Registry) Get(name string) (*Kind, error) {
	k, ok := r.kinds[name]
	if !ok {
		return nil, errors.Wrap(ErrUnknownKind, name)
	}
	return k, nil
}

// Kinds lists the registered kind names.
func (r *Registry) Kinds() []string {
	names := make([]string, 0, len(r.kinds))
	for name := range r.kinds {
		names = append(names, name)
	}
	return names
}

// LoadRegistry loads each spec's template file from dir and registers it.
func LoadRegistry(dir string, specs []KindSpec) (*Registry, error) {
	r := NewRegistry()
	for _, spec := range specs {
		tmpl, err := LoadTemplate(filepath.Join(dir, spec.TemplateFile))
		if err != nil {
			return nil, err
		}
		if err := r.Register(spec, tmpl); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// DefaultKinds describes the request kinds shipped in the workflows
// directory. Node ids refer to the bundled template files.
func DefaultKinds() []KindSpec {
	return []KindSpec{
		{
			Name:              "text2image",
			TemplateFile:      "text2image.json",
			SeedInputs:        []NodeInput{{Node: "3", Input: "seed"}},
			PromptInput:       &NodeInput{Node: "6", Input: "text"},
			OutputPrefixInput: &NodeInput{Node: "9", Input: "filename_prefix"},
		},
		{
			Name:              "wan22_i2v",
			TemplateFile:      "wan22_i2v.json",
			SeedInputs:        []NodeInput{{Node: "8", Input: "seed"}},
			PromptInput:       &NodeInput{Node: "70", Input: "text"},
			OutputPrefixInput: &NodeInput{Node: "39", Input: "filename_prefix"},
			Chain: &ChainSpec{
				UnitSeconds:    5,
				StartNode:      "34",
				StartInput:     "start_image",
				ContinuityNode: "92",
				OverlapFrames:  16,
			},
		},
		{
			// Lip-synced talking video from a portrait and an audio
			// clip. The input image and audio must already exist on the
			// backend; callers point at them via the 203.image and
			// 125.audio overrides.
			Name:              "infinitetalk_i2v",
			TemplateFile:      "infinitetalk_i2v.json",
			SeedInputs:        []NodeInput{{Node: "204", Input: "seed"}},
			PromptInput:       &NodeInput{Node: "135", Input: "positive_prompt"},
			OutputPrefixInput: &NodeInput{Node: "131", Input: "filename_prefix"},
		},
		{
			Name:              "super_video",
			TemplateFile:      "flash_vsr.json",
			SeedInputs:        []NodeInput{{Node: "1", Input: "seed"}},
			OutputPrefixInput: &NodeInput{Node: "6", Input: "filename_prefix"},
		},
	}
}
