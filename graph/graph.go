// Copyright 2026 go-loopsched Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package graph provides the operator-graph data model consumed by the loop
// scheduler: operator nodes, the named tensor values flowing between them,
// and fusion groups. Relations between nodes and values are stored as
// identifier-keyed lookup tables, never as owning pointers.
package graph

import (
	"fmt"

	"github.com/pkg/errors"
)

// OpPatternKind categorizes an operator for scheduling decisions.
type OpPatternKind int

const (
	// OpPatternElementwise represents element-by-element operations whose
	// output shape equals the input shape (Add, Exp, Relu, ...).
	OpPatternElementwise OpPatternKind = iota

	// OpPatternBroadcast represents operations that replicate an input along
	// new or expanded axes.
	OpPatternBroadcast

	// OpPatternInjective represents bijective index remappings such as
	// transpose and reshape.
	OpPatternInjective

	// OpPatternReduction represents operations that collapse one or more
	// axes (ReduceSum, ReduceMax, ...).
	OpPatternReduction

	// OpPatternOpaque represents operations the scheduler never inlines or
	// reorders across.
	OpPatternOpaque
)

// String returns a human-readable name for the OpPatternKind.
func (k OpPatternKind) String() string {
	switch k {
	case OpPatternElementwise:
		return "Elementwise"
	case OpPatternBroadcast:
		return "Broadcast"
	case OpPatternInjective:
		return "Injective"
	case OpPatternReduction:
		return "Reduction"
	case OpPatternOpaque:
		return "Opaque"
	default:
		return fmt.Sprintf("OpPatternKind(%d)", int(k))
	}
}

// Shape is an ordered sequence of axis extents. Extents are positive.
type Shape []int

// Numel returns the total element count of the shape. The empty shape is a
// scalar with one element.
func (s Shape) Numel() int {
	n := 1
	for _, e := range s {
		n *= e
	}
	return n
}

// Equal reports whether two shapes have identical rank and extents.
func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// ShapeDict maps a value identifier to its inferred shape. Produced by an
// upstream shape-inference pass; read-only to the scheduler.
type ShapeDict map[string]Shape

// ReduceConfig carries the reduction-specific configuration of a node.
// An empty Axes list means "reduce all axes"; the scheduler defaults it
// against the input shape at first use.
type ReduceConfig struct {
	Axes []int
}

// Node is an operator instance in the graph.
type Node struct {
	// ID is the node's unique identifier within its graph.
	ID string

	// Op is the operator name (e.g. "elementwise_add", "reduce_sum").
	Op string

	// Pattern is the operator's scheduling classification, fixed at graph
	// construction.
	Pattern OpPatternKind

	// Reduce is the reduction configuration; nil for non-reduction nodes.
	Reduce *ReduceConfig

	// inputs and outputs are NodeData identifiers in positional order.
	inputs  []string
	outputs []string
}

// IsReduction reports whether the node's pattern kind is reduction.
func (n *Node) IsReduction() bool {
	return n.Pattern == OpPatternReduction
}

// String returns a debug representation of the node.
func (n *Node) String() string {
	return fmt.Sprintf("Node{%s %s %s in:%v out:%v}", n.ID, n.Op, n.Pattern, n.inputs, n.outputs)
}

// NodeData is a named tensor value flowing between nodes. Its identifier is
// unique within the graph and doubles as the canonical block name during
// lowering.
type NodeData struct {
	// ID is the value's identifier.
	ID string

	// SourceID is the identifier of the producing node, or "" for graph
	// inputs.
	SourceID string
}

// Graph is an arena of nodes and values. Relations (producer, consumers) are
// lookup tables keyed by identifier.
type Graph struct {
	nodes map[string]*Node
	data  map[string]*NodeData

	// consumers maps a value identifier to the nodes reading it, in
	// insertion order.
	consumers map[string][]*Node
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		nodes:     make(map[string]*Node),
		data:      make(map[string]*NodeData),
		consumers: make(map[string][]*Node),
	}
}

// AddInput registers a graph-input value (one with no producing node) and
// returns it. Registering the same input twice returns the existing value.
func (g *Graph) AddInput(id string) *NodeData {
	if d, ok := g.data[id]; ok {
		return d
	}
	d := &NodeData{ID: id}
	g.data[id] = d
	return d
}

// AddNode creates a node, registers its output values with the node as their
// source, and records the node as a consumer of each input value. Inputs must
// already exist (as graph inputs or outputs of earlier nodes).
func (g *Graph) AddNode(id, op string, pattern OpPatternKind, inputs, outputs []string) (*Node, error) {
	if _, ok := g.nodes[id]; ok {
		return nil, errors.Errorf("graph: duplicate node %q", id)
	}
	for _, in := range inputs {
		if _, ok := g.data[in]; !ok {
			return nil, errors.Errorf("graph: node %q reads unknown value %q", id, in)
		}
	}
	n := &Node{
		ID:      id,
		Op:      op,
		Pattern: pattern,
		inputs:  append([]string(nil), inputs...),
		outputs: append([]string(nil), outputs...),
	}
	g.nodes[id] = n
	for _, out := range outputs {
		if d, ok := g.data[out]; ok && d.SourceID != "" {
			return nil, errors.Errorf("graph: value %q already produced by %q", out, d.SourceID)
		}
		g.data[out] = &NodeData{ID: out, SourceID: id}
	}
	for _, in := range inputs {
		g.consumers[in] = append(g.consumers[in], n)
	}
	return n, nil
}

// Node returns the node with the given identifier, or nil.
func (g *Graph) Node(id string) *Node {
	return g.nodes[id]
}

// Data returns the value with the given identifier, or nil.
func (g *Graph) Data(id string) *NodeData {
	return g.data[id]
}

// NodeData returns the node's first output value. Every scheduled node has at
// least one output; the first is its canonical value.
func (g *Graph) NodeData(n *Node) *NodeData {
	if len(n.outputs) == 0 {
		return nil
	}
	return g.data[n.outputs[0]]
}

// AllNodeData returns all output values of the node in positional order.
func (g *Graph) AllNodeData(n *Node) []*NodeData {
	out := make([]*NodeData, 0, len(n.outputs))
	for _, id := range n.outputs {
		out = append(out, g.data[id])
	}
	return out
}

// InputData returns the node's input values in positional order.
func (g *Graph) InputData(n *Node) []*NodeData {
	in := make([]*NodeData, 0, len(n.inputs))
	for _, id := range n.inputs {
		in = append(in, g.data[id])
	}
	return in
}

// Consumers returns the nodes reading the node's canonical output value.
func (g *Graph) Consumers(n *Node) []*Node {
	d := g.NodeData(n)
	if d == nil {
		return nil
	}
	return append([]*Node(nil), g.consumers[d.ID]...)
}

// ConsumersInSet returns the consumers of the node that are members of set.
func (g *Graph) ConsumersInSet(n *Node, set NodeSet) []*Node {
	d := g.NodeData(n)
	if d == nil {
		return nil
	}
	var out []*Node
	for _, c := range g.consumers[d.ID] {
		if set.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

// Producers returns the nodes producing the node's inputs, in positional
// order. Graph inputs contribute no producer.
func (g *Graph) Producers(n *Node) []*Node {
	var out []*Node
	for _, id := range n.inputs {
		d := g.data[id]
		if d != nil && d.SourceID != "" {
			out = append(out, g.nodes[d.SourceID])
		}
	}
	return out
}

// ProducersInSet returns the producers of the node that are members of set.
func (g *Graph) ProducersInSet(n *Node, set NodeSet) []*Node {
	var out []*Node
	for _, p := range g.Producers(n) {
		if set.Has(p) {
			out = append(out, p)
		}
	}
	return out
}
