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

package graph

import "sort"

// NodeSet is a set of nodes keyed by identifier.
type NodeSet map[string]*Node

// Has reports membership.
func (s NodeSet) Has(n *Node) bool {
	if n == nil {
		return false
	}
	_, ok := s[n.ID]
	return ok
}

// Add inserts a node.
func (s NodeSet) Add(n *Node) {
	s[n.ID] = n
}

// Delete removes a node.
func (s NodeSet) Delete(n *Node) {
	delete(s, n.ID)
}

// Sorted returns the members ordered by identifier, for deterministic scans.
func (s NodeSet) Sorted() []*Node {
	out := make([]*Node, 0, len(s))
	for _, n := range s {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Group is an immutable view over a subset of nodes selected for fusion by an
// upstream pass: the member set, the designated output nodes, and the
// dominant operator-pattern kind.
type Group struct {
	nodes   []*Node
	outputs NodeSet
	pattern OpPatternKind
}

// NewGroup creates a group over the given nodes. Outputs must be members.
func NewGroup(nodes []*Node, outputs []*Node, pattern OpPatternKind) *Group {
	outs := make(NodeSet, len(outputs))
	for _, n := range outputs {
		outs.Add(n)
	}
	return &Group{
		nodes:   append([]*Node(nil), nodes...),
		outputs: outs,
		pattern: pattern,
	}
}

// Nodes returns the member nodes in construction order.
func (g *Group) Nodes() []*Node {
	return g.nodes
}

// NodeSet returns a fresh set of the member nodes.
func (g *Group) NodeSet() NodeSet {
	set := make(NodeSet, len(g.nodes))
	for _, n := range g.nodes {
		set.Add(n)
	}
	return set
}

// OutputNodes returns the designated output nodes ordered by identifier.
func (g *Group) OutputNodes() []*Node {
	return g.outputs.Sorted()
}

// IsOutput reports whether the node is a designated group output.
func (g *Group) IsOutput(n *Node) bool {
	return g.outputs.Has(n)
}

// Pattern returns the group's dominant operator-pattern kind.
func (g *Group) Pattern() OpPatternKind {
	return g.pattern
}
