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

import "github.com/ajroetker/go-loopsched/graph"

// GetMasterToComputeAt selects the already-scheduled node whose loop nest the
// node is merged into.
//
// Reductions prefer an earlier-scheduled reduction that is not a transitive
// consumer, with an exact input-shape match winning over the first such
// candidate in schedule order. Everything else takes its nearest non-inlined
// consumer (walking through inlined ones) that was scheduled earlier. Returns
// nil when no master exists; the caller then schedules the node standalone.
func (s *Scheduler) GetMasterToComputeAt(node *graph.Node, order []*graph.Node, inlined, set graph.NodeSet, vc map[string]*graph.Node) *graph.Node {
	if node.IsReduction() {
		done := make(graph.NodeSet)
		for _, t := range order {
			if t == node {
				break
			}
			if t.IsReduction() {
				done.Add(t)
			}
		}
		// Reductions downstream of this one cannot host it.
		visited := make(graph.NodeSet)
		queue := []*graph.Node{node}
		visited.Add(node)
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			for _, c := range s.g.ConsumersInSet(cur, set) {
				if c.IsReduction() {
					done.Delete(c)
				}
				if visited.Has(c) {
					continue
				}
				visited.Add(c)
				queue = append(queue, c)
			}
		}
		if len(done) > 0 {
			var candidates []*graph.Node
			for _, t := range order {
				if done.Has(t) {
					candidates = append(candidates, t)
				}
			}
			shape, err := s.inputShape(node)
			if err == nil {
				for _, r := range candidates {
					rshape, err := s.inputShape(r)
					if err == nil && shape.Equal(rshape) {
						return r
					}
				}
			}
			return candidates[0]
		}
	}

	masters := make(graph.NodeSet)
	visited := make(graph.NodeSet)
	queue := []*graph.Node{node}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, c := range s.FindConsumers(cur, set, vc) {
			if visited.Has(c) {
				continue
			}
			visited.Add(c)
			if inlined.Has(c) {
				queue = append(queue, c)
			} else {
				masters.Add(c)
			}
		}
	}
	for idx, t := range order {
		if t != node {
			continue
		}
		for idy := idx - 1; idy >= 0; idy-- {
			if masters.Has(order[idy]) {
				return order[idy]
			}
		}
		break
	}
	return nil
}

// GetMaster returns the node's nearest non-inlined consumer, walking through
// inlined ones breadth-first. Used by the synchronization pass, which does
// not care about schedule position.
func (s *Scheduler) GetMaster(node *graph.Node, inlined, set graph.NodeSet) *graph.Node {
	visited := make(graph.NodeSet)
	queue := []*graph.Node{node}
	visited.Add(node)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, c := range s.g.ConsumersInSet(cur, set) {
			if visited.Has(c) {
				continue
			}
			visited.Add(c)
			if inlined.Has(c) {
				queue = append(queue, c)
				continue
			}
			return c
		}
	}
	return nil
}
