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
	"github.com/samber/lo"

	"github.com/ajroetker/go-loopsched/graph"
)

var constOps = []string{"const_scalar", "fill_constant", "arange"}

// IsConstOp reports whether the node materializes a constant.
func IsConstOp(n *graph.Node) bool {
	return lo.Contains(constOps, n.Op)
}

// CanInline decides whether the node's computation is substituted into its
// consumers instead of being materialized. The rules apply in order; the
// first that matches wins:
//
//  1. group outputs never inline;
//  2. constant ops always inline;
//  3. a node feeding a reduction never inlines;
//  4. a reduction never inlines;
//  5. a single-consumer node inlines;
//  6. with a reducer in the group: inline only a node sitting between the
//     node and a reduction (reducer downstream, none upstream) whose element
//     count differs from the reducer's input;
//  7. without one: inline when the element count differs from the final
//     output's.
func (s *Scheduler) CanInline(node *graph.Node, consumers []*graph.Node, reducer, laster *graph.Node, group *graph.Group, set graph.NodeSet) bool {
	if group.IsOutput(node) {
		return false
	}
	if IsConstOp(node) {
		return true
	}
	for _, c := range consumers {
		if c.IsReduction() {
			return false
		}
	}
	if node.IsReduction() {
		return false
	}
	if len(consumers) == 1 {
		return true
	}
	if reducer != nil {
		if s.FindReducerInRoute(node, set, s.visitConsumers) != nil &&
			s.FindReducerInRoute(node, set, s.visitProducers) == nil {
			nodeShape, err := s.outputShape(node)
			if err != nil {
				return false
			}
			inShape, err := s.inputShape(reducer)
			if err != nil {
				return false
			}
			if nodeShape.Numel() != inShape.Numel() {
				return true
			}
		}
		return false
	}
	nodeShape, err := s.outputShape(node)
	if err != nil {
		return false
	}
	lastShape, err := s.outputShape(laster)
	if err != nil {
		return false
	}
	return nodeShape.Numel() != lastShape.Numel()
}
