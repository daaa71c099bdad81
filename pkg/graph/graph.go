// Package graph models the backend's execution graphs: nodes keyed by
// id, each with a named operation and a map of named inputs that are
// either literal values or references to another node's output.
package graph

import (
	"fmt"
	"sort"
)

// Node is one operator invocation in an execution graph. Inputs hold
// JSON-compatible literals or node references (see IsRef).
type Node struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
	Meta      map[string]any `json:"_meta,omitempty"`
}

// Graph is a concrete or template execution graph, keyed by node id.
// The wire format matches the backend's submission payload.
type Graph map[string]Node

// IsRef reports whether an input value is a reference to another
// node's output: a two-element array of [node id, output index].
func IsRef(v any) bool {
	arr, ok := v.([]any)
	if !ok || len(arr) != 2 {
		return false
	}
	_, ok = arr[0].(string)
	return ok
}

// RefTarget returns the node id a reference points at.
func RefTarget(v any) string {
	arr := v.([]any)
	return arr[0].(string)
}

func copyValue(v any) any {
	switch t := v.(type) {
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = copyValue(e)
		}
		return out
	default:
		return v
	}
}

// Clone deep-copies the graph. Patching always happens on a clone;
// loaded templates are never mutated in place.
func (g Graph) Clone() Graph {
	out := make(Graph, len(g))
	for id, n := range g {
		cp := Node{ClassType: n.ClassType}
		if n.Inputs != nil {
			cp.Inputs = make(map[string]any, len(n.Inputs))
			for k, v := range n.Inputs {
				cp.Inputs[k] = copyValue(v)
			}
		}
		if n.Meta != nil {
			cp.Meta = make(map[string]any, len(n.Meta))
			for k, v := range n.Meta {
				cp.Meta[k] = copyValue(v)
			}
		}
		out[id] = cp
	}
	return out
}

// NodeInput addresses one named input of one node.
type NodeInput struct {
	Node  string `json:"node"`
	Input string `json:"input"`
}

// Override sets a literal value on one node input.
type Override struct {
	Node  string `json:"node"`
	Input string `json:"input"`
	Value any    `json:"value"`
}

// InvalidOverrideError rejects an override that addresses a missing
// node, a missing input, or an input wired to another node's output.
// Unknown targets are rejected rather than silently dropped, since a
// silent drop would change generated output without any error.
type InvalidOverrideError struct {
	Node   string
	Input  string
	Reason string
}

func (e *InvalidOverrideError) Error() string {
	return fmt.Sprintf("invalid override %s.%s: %s", e.Node, e.Input, e.Reason)
}

// Patch clones the graph and applies literal overrides to the clone.
// The receiver is left untouched, also when an override is rejected.
func (g Graph) Patch(overrides []Override) (Graph, error) {
	for _, o := range overrides {
		node, ok := g[o.Node]
		if !ok {
			return nil, &InvalidOverrideError{Node: o.Node, Input: o.Input, Reason: "node not found"}
		}
		cur, ok := node.Inputs[o.Input]
		if !ok {
			return nil, &InvalidOverrideError{Node: o.Node, Input: o.Input, Reason: "input not defined"}
		}
		if IsRef(cur) {
			return nil, &InvalidOverrideError{Node: o.Node, Input: o.Input, Reason: "input is wired to another node"}
		}
	}
	out := g.Clone()
	for _, o := range overrides {
		out[o.Node].Inputs[o.Input] = o.Value
	}
	return out, nil
}

// Remap renames every node id through fn and rewrites all references
// accordingly. Used to move a cloned template into a segment's node-id
// namespace so several segments' graphs never collide.
func (g Graph) Remap(fn func(id string) string) Graph {
	out := make(Graph, len(g))
	for id, n := range g {
		cp := Node{ClassType: n.ClassType, Meta: n.Meta}
		cp.Inputs = make(map[string]any, len(n.Inputs))
		for k, v := range n.Inputs {
			if IsRef(v) {
				arr := v.([]any)
				cp.Inputs[k] = []any{fn(arr[0].(string)), arr[1]}
			} else {
				cp.Inputs[k] = v
			}
		}
		out[fn(id)] = cp
	}
	return out
}

// NodeIDs returns the graph's node ids in sorted order.
func (g Graph) NodeIDs() []string {
	ids := make([]string, 0, len(g))
	for id := range g {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
