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

package schedule

import (
	"github.com/pkg/errors"

	"github.com/ajroetker/go-loopsched/graph"
)

// visitFunc enumerates a node's in-set neighbors in one direction.
type visitFunc func(*graph.Node, graph.NodeSet) []*graph.Node

func (s *Scheduler) visitConsumers(n *graph.Node, set graph.NodeSet) []*graph.Node {
	return s.g.ConsumersInSet(n, set)
}

func (s *Scheduler) visitProducers(n *graph.Node, set graph.NodeSet) []*graph.Node {
	return s.g.ProducersInSet(n, set)
}

// FindReducerInRoute searches breadth-first from start along visit for a
// reduction node within set. Returns nil when the route has none.
func (s *Scheduler) FindReducerInRoute(start *graph.Node, set graph.NodeSet, visit visitFunc) *graph.Node {
	visited := make(graph.NodeSet)
	queue := []*graph.Node{start}
	visited.Add(start)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range visit(cur, set) {
			if next.IsReduction() {
				return next
			}
			if visited.Has(next) {
				continue
			}
			visited.Add(next)
			queue = append(queue, next)
		}
	}
	return nil
}

// FindNearestReducer returns a reduction reachable from the node, preferring
// the consumer direction over the producer direction. Returns nil when
// neither route has one.
func (s *Scheduler) FindNearestReducer(n *graph.Node, set graph.NodeSet) *graph.Node {
	if r := s.FindReducerInRoute(n, set, s.visitConsumers); r != nil {
		return r
	}
	return s.FindReducerInRoute(n, set, s.visitProducers)
}

// FindGlobalReducer returns the reduction scheduled last, scanning the
// sink-first order from the back. Returns nil for groups without reductions.
func FindGlobalReducer(order []*graph.Node) *graph.Node {
	for idx := len(order) - 1; idx >= 0; idx-- {
		if order[idx].IsReduction() {
			return order[idx]
		}
	}
	return nil
}

// FindConsumers returns the node's in-set consumers plus its virtual
// consumer, if any.
func (s *Scheduler) FindConsumers(n *graph.Node, set graph.NodeSet, vc map[string]*graph.Node) []*graph.Node {
	consumers := s.g.ConsumersInSet(n, set)
	if v, ok := vc[n.ID]; ok {
		consumers = append(consumers, v)
	}
	return consumers
}

// BuildVirtualConsumer adds ordering edges that force the scheduler to visit
// reduction outputs after the non-reduction output they will be merged into.
// Only reduction-dominated groups get virtual consumers. The result maps a
// node identifier to its virtual consumer.
func (s *Scheduler) BuildVirtualConsumer(group *graph.Group) map[string]*graph.Node {
	vc := make(map[string]*graph.Node)
	if group.Pattern() != graph.OpPatternReduction {
		return vc
	}
	set := group.NodeSet()

	// The anchor: a non-reduction output fed (transitively) by a reduction,
	// with no consumers inside the group.
	var gNode *graph.Node
	for _, t := range group.OutputNodes() {
		if t.IsReduction() {
			continue
		}
		if s.FindReducerInRoute(t, set, s.visitProducers) == nil {
			continue
		}
		if len(s.g.ConsumersInSet(t, set)) > 0 {
			continue
		}
		gNode = t
		break
	}

	for _, t := range group.OutputNodes() {
		if t.IsReduction() {
			if gNode != nil && t != gNode {
				vc[t.ID] = gNode
				debugPrint("virtual consumer %s -> %s", t.ID, gNode.ID)
			}
			continue
		}
		if s.FindNearestReducer(t, set) != nil {
			continue
		}
		// An output with no reducer on any route from itself: look for one
		// reachable via a sibling subtree, walking producers and probing the
		// consumer direction from each.
		visited := make(graph.NodeSet)
		queue := []*graph.Node{t}
		visited.Add(t)
		for len(queue) > 0 && vc[t.ID] == nil {
			cur := queue[0]
			queue = queue[1:]
			for _, p := range s.g.ProducersInSet(cur, set) {
				if visited.Has(p) {
					continue
				}
				if r := s.FindReducerInRoute(p, set, s.visitConsumers); r != nil {
					vc[t.ID] = r
					debugPrint("virtual consumer %s -> %s", t.ID, r.ID)
					break
				}
				visited.Add(p)
				queue = append(queue, p)
			}
		}
		if vc[t.ID] != nil {
			continue
		}
		if gNode != nil && t != gNode {
			vc[t.ID] = gNode
			debugPrint("virtual consumer %s -> %s", t.ID, gNode.ID)
		}
	}
	return vc
}

// TopologicalOrder returns the group's nodes sink-first: a node is emitted
// only after all of its in-set consumers, real and virtual, so order[0] is a
// group output. Scans run over the remaining nodes in identifier order, for
// determinism. A full scan extracting nothing means the edges (including the
// virtual ones) form a cycle, which is an error.
func (s *Scheduler) TopologicalOrder(group *graph.Group, vc map[string]*graph.Node) ([]*graph.Node, error) {
	set := group.NodeSet()
	order := make([]*graph.Node, 0, len(set))
	for len(set) > 0 {
		progressed := false
		for _, n := range set.Sorted() {
			if !set.Has(n) {
				continue
			}
			ready := true
			for _, c := range s.FindConsumers(n, set, vc) {
				if c != n && set.Has(c) {
					ready = false
					break
				}
			}
			if !ready {
				continue
			}
			order = append(order, n)
			set.Delete(n)
			progressed = true
		}
		if !progressed {
			return nil, errors.New("schedule: dependency cycle in fusion group")
		}
	}
	return order, nil
}
