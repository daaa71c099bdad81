package graph

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// Template is an immutable, parameterized execution graph loaded once
// per request kind. Instantiate always works on a deep clone.
type Template struct {
	graph Graph
}

// NewTemplate wraps a graph as an immutable template. The graph is
// cloned on the way in so later mutation of the argument is harmless.
func NewTemplate(g Graph) *Template {
	return &Template{graph: g.Clone()}
}

// LoadTemplate reads a template graph from a JSON file in the backend's
// submission format.
func LoadTemplate(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read template %s", path)
	}
	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, errors.Wrapf(err, "parse template %s", path)
	}
	if len(g) == 0 {
		return nil, errors.Errorf("template %s has no nodes", path)
	}
	return &Template{graph: g}, nil
}

// Graph returns a deep clone of the template graph.
func (t *Template) Graph() Graph {
	return t.graph.Clone()
}

// Instantiate clones the template and applies literal overrides.
func (t *Template) Instantiate(overrides []Override) (Graph, error) {
	return t.graph.Patch(overrides)
}

// Has reports whether the template contains the given node id.
func (t *Template) Has(nodeID string) bool {
	_, ok := t.graph[nodeID]
	return ok
}
