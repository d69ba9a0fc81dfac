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
	"github.com/samber/lo"

	"github.com/ajroetker/go-loopsched/graph"
)

// WithoutLastDimInReduce reports whether the reduction keeps the innermost
// data axis parallel: the reduced axes exclude the last axis and at least two
// elements trail the deepest reduced axis.
func WithoutLastDimInReduce(shape graph.Shape, axes []int) bool {
	if len(axes) == 0 {
		return false
	}
	if lo.Contains(axes, len(shape)-1) || lo.Contains(axes, -1) {
		return false
	}
	sum := 1
	for idx := axes[len(axes)-1] + 1; idx < len(shape); idx++ {
		sum *= shape[idx]
	}
	return sum > 1
}

// LoopOrderAssignReduce reorders the block's loops so the non-reduce axes
// come first and the reduce axes last, preserving relative order within each
// class. When justReorder is false it additionally packs the trailing
// parallel axes into one loop sized within the thread budget (splitting by
// the largest divisor when oversized) and fuses the leading axes into one.
func (s *Scheduler) LoopOrderAssignReduce(block string, axes []int, justReorder bool) error {
	loops, err := s.m.GetLoops(block)
	if err != nil {
		return err
	}
	n := len(loops)
	order := make([]int, 0, n)
	for idx := 0; idx < n; idx++ {
		if !lo.Contains(axes, idx) {
			order = append(order, idx)
		}
	}
	order = append(order, axes...)
	if err := s.m.Reorder(block, order); err != nil {
		return errors.Wrapf(err, "schedule: reordering %q", block)
	}
	if justReorder {
		return nil
	}
	if len(axes) == 0 {
		return errors.Errorf("schedule: packing %q requires reduce axes", block)
	}

	lastDimNum := n - axes[len(axes)-1] - 1
	index := n - lastDimNum - len(axes)
	for idx := 0; idx < lastDimNum-1; idx++ {
		if _, err := s.m.Fuse(block, index); err != nil {
			return err
		}
	}
	loops, err = s.m.GetLoops(block)
	if err != nil {
		return err
	}
	if psize := loops[index].Extent; psize > s.target.MaxThreads {
		divisor := 0
		for idx := s.target.MaxThreads; idx > 1; idx-- {
			if psize%idx == 0 {
				divisor = idx
				break
			}
		}
		if divisor == 0 {
			return errors.Errorf("schedule: extent %d of %q has no divisor within thread budget %d", psize, block, s.target.MaxThreads)
		}
		if _, err := s.m.Split(block, index, []int{-1, divisor}); err != nil {
			return err
		}
	}
	for idx := 0; idx < index-1; idx++ {
		if _, err := s.m.Fuse(block, 0); err != nil {
			return err
		}
	}
	return nil
}

// LoopAssignReduceWithoutLast packs the block's loops to mirror a reduction
// whose innermost axis stays parallel. The parallel lane (product of the
// extents trailing the reduced axes, grown backward over contiguous reduced
// axes while it fits half the thread budget) becomes the thread axis;
// oversized lanes split the boundary axis by a divisor landing the lane in
// (budget/2, budget]. Singleton axes are inserted so the reorder lines up,
// then collapsed afterwards.
func (s *Scheduler) LoopAssignReduceWithoutLast(block string, inshape graph.Shape, axes []int) error {
	if len(axes) == 0 {
		return errors.Errorf("schedule: packing %q requires reduce axes", block)
	}
	max := s.target.MaxThreads
	lane := 1
	for idx := axes[len(axes)-1] + 1; idx < len(inshape); idx++ {
		lane *= inshape[idx]
	}
	if lane > max/2 {
		return errors.Errorf("schedule: parallel lane %d of %q exceeds half the thread budget %d", lane, block, max)
	}
	pos := 0
	index := len(axes) - 1
	for ; index >= 0; index-- {
		if index+1 < len(axes) && axes[index] != axes[index+1]-1 {
			pos = axes[index+1]
			break
		}
		lane *= inshape[axes[index]]
		if lane > max/2 {
			pos = axes[index]
			break
		}
		if index == 0 {
			pos = axes[0]
		}
	}
	if lane > max/2 {
		prefix := inshape[axes[index]]
		tail := lane / prefix
		divisor := 0
		for idx := max / tail; idx > (max/2)/tail; idx-- {
			if prefix%idx == 0 {
				divisor = idx
				break
			}
		}
		if divisor == 0 {
			return errors.Errorf("schedule: axis extent %d of %q has no divisor in (%d, %d]", prefix, block, (max/2)/tail, max/tail)
		}
		if _, err := s.m.Split(block, axes[index], []int{-1, divisor}); err != nil {
			return err
		}
	}
	// Singletons keep the reduce axes addressable at their declared positions
	// through the reorder.
	for idx := 0; idx < len(axes)-1-index; idx++ {
		loops, err := s.m.GetLoops(block)
		if err != nil {
			return err
		}
		if _, err := s.m.Split(block, pos, []int{-1, loops[pos].Extent}); err != nil {
			return err
		}
	}
	if err := s.LoopOrderAssignReduce(block, axes, false); err != nil {
		return err
	}
	loops, err := s.m.GetLoops(block)
	if err != nil {
		return err
	}
	start := len(loops) - len(axes)
	for idx := 0; idx < len(axes); idx++ {
		loops, err = s.m.GetLoops(block)
		if err != nil {
			return err
		}
		if start < len(loops) && loops[start].Extent == 1 {
			if _, err := s.m.Fuse(block, start-1); err != nil {
				return err
			}
		} else {
			start++
		}
	}
	return nil
}

// LoopAssignReduceWithLast packs the block's loops to mirror a reduction over
// the innermost axis. The trailing contiguous reduce lane is grown backward
// until it reaches half the thread budget; the boundary axis is split so the
// thread extent lands in [budget/2, budget], then the loops are reordered
// with the consumed axes last.
func (s *Scheduler) LoopAssignReduceWithLast(block string, inshape graph.Shape, axes []int) error {
	if len(axes) == 0 {
		return errors.Errorf("schedule: packing %q requires reduce axes", block)
	}
	max := s.target.MaxThreads
	lane := 1
	index := len(axes) - 1
	for ; index >= 0; index-- {
		if index+1 < len(axes) && axes[index] != axes[index+1]-1 {
			break
		}
		lane *= inshape[axes[index]]
		if index == 0 && lane <= max {
			return errors.Errorf("schedule: trailing reduce lane %d of %q fits the thread budget %d; expected a two-stage lowering", lane, block, max)
		}
		if lane >= max/2 {
			if lane <= max {
				index--
			}
			break
		}
	}
	firstAxes := axes[:index+1]
	if lane > max {
		if index == len(axes)-1 {
			// The innermost reduce axis alone overflows the budget: split it
			// by the largest divisor still filling at least half a block.
			divisor := 0
			for idx := max; idx >= max/2; idx-- {
				if lane%idx == 0 {
					divisor = idx
					break
				}
			}
			if divisor == 0 {
				return errors.Errorf("schedule: reduce lane %d of %q has no divisor in [%d, %d]", lane, block, max/2, max)
			}
			if _, err := s.m.Split(block, axes[index], []int{-1, divisor}); err != nil {
				return err
			}
		} else {
			prefix := inshape[axes[index]]
			tail := lane / prefix
			divisor := 0
			for idx := max / tail; idx > (max/2)/tail; idx-- {
				if prefix%idx == 0 {
					divisor = idx
					break
				}
			}
			if divisor == 0 {
				return errors.Errorf("schedule: axis extent %d of %q has no divisor in (%d, %d]", prefix, block, (max/2)/tail, max/tail)
			}
			if _, err := s.m.Split(block, axes[index], []int{-1, divisor}); err != nil {
				return err
			}
		}
		return s.LoopOrderAssignReduce(block, firstAxes, false)
	}
	// The consumed lane fits a block: fuse the excess trailing reduce axes
	// into one, push the leading reduce axes to the back, and collapse the
	// leading parallel axes.
	for idx := 0; idx < len(axes)-(index+1)-1; idx++ {
		if _, err := s.m.Fuse(block, axes[index+1]); err != nil {
			return err
		}
	}
	if err := s.LoopOrderAssignReduce(block, firstAxes, true); err != nil {
		return err
	}
	for idx := 0; idx < len(inshape)-len(axes)-1; idx++ {
		if _, err := s.m.Fuse(block, 0); err != nil {
			return err
		}
	}
	return nil
}

// LoopAssignReduce reshapes a non-reduction node's loop nest to line up with
// its associated reducer's scheduled nest, so the later merge finds matching
// loop extents. Flattens the nest, re-splits it against the reducer's input
// shape (or directly against the reducer's scheduled loop extents when the
// element counts differ), runs the with-last/without-last packing, and copies
// the reducer's parallel bindings positionally.
func (s *Scheduler) LoopAssignReduce(node, reducer *graph.Node) error {
	if node.IsReduction() {
		return nil
	}
	nData := s.g.NodeData(node)
	rData := s.g.NodeData(reducer)
	if nData == nil || rData == nil {
		return errors.Errorf("schedule: node %q or reducer %q has no output value", node.ID, reducer.ID)
	}
	block := nData.ID

	// A fully elementwise nest can be flattened into a single flat loop;
	// other patterns keep their indexing and only collapse the loop shells.
	if err := s.m.FlattenLoops(block, node.Pattern == graph.OpPatternElementwise); err != nil {
		return errors.Wrapf(err, "schedule: flattening %q", block)
	}

	shape, err := s.inputShape(reducer)
	if err != nil {
		return err
	}
	axes := s.reduceAxes(reducer, shape)
	nodeShape, ok := s.shapes[nData.ID]
	if !ok {
		return errors.Errorf("schedule: no shape for value %q", nData.ID)
	}

	if shape.Numel() != nodeShape.Numel() {
		// Different domains: adopt the reducer's scheduled loop extents as
		// split factors while they fit this node's flat extent.
		loops, err := s.m.GetLoops(block)
		if err != nil {
			return err
		}
		rloops, err := s.m.GetLoops(s.stages.Name(rData.ID, ""))
		if err != nil {
			return err
		}
		back := loops[len(loops)-1].Extent
		extend := 1
		var factors []int
		for _, rl := range rloops {
			extend *= rl.Extent
			if extend > back {
				break
			}
			factors = append(factors, rl.Extent)
		}
		if _, err := s.m.Split(block, len(loops)-1, factors); err != nil {
			return err
		}
		loops, err = s.m.GetLoops(block)
		if err != nil {
			return err
		}
		copyLoopInfo(loops, rloops)
		return nil
	}

	if WithoutLastDimInReduce(shape, axes) {
		nloops, err := s.m.GetLoops(block)
		if err != nil {
			return err
		}
		if _, err := s.m.Split(block, len(nloops)-1, shape); err != nil {
			return err
		}
		if s.stages.Has(rData.ID, "_1") {
			if err := s.LoopAssignReduceWithoutLast(block, shape, axes); err != nil {
				return err
			}
			return s.alignWithStage(block, rData.ID, "_0")
		}
		if err := s.LoopOrderAssignReduce(block, axes, false); err != nil {
			return err
		}
		return s.alignWithStage(block, rData.ID, "")
	}

	if s.stages.Has(rData.ID, "_1") {
		nloops, err := s.m.GetLoops(block)
		if err != nil {
			return err
		}
		if _, err := s.m.Split(block, len(nloops)-1, shape); err != nil {
			return err
		}
		if err := s.LoopAssignReduceWithLast(block, shape, axes); err != nil {
			return err
		}
		return s.alignWithStage(block, rData.ID, "_1")
	}
	if s.stages.Has(rData.ID, "_0") {
		rloops, err := s.m.GetLoops(s.stages.Name(rData.ID, "_0"))
		if err != nil {
			return err
		}
		factors := make([]int, len(rloops))
		for i, rl := range rloops {
			factors[i] = rl.Extent
		}
		nloops, err := s.m.GetLoops(block)
		if err != nil {
			return err
		}
		if _, err := s.m.Split(block, len(nloops)-1, factors); err != nil {
			return err
		}
		nloops, err = s.m.GetLoops(block)
		if err != nil {
			return err
		}
		copyLoopInfo(nloops, rloops)
		return nil
	}
	return errors.Errorf("schedule: reducer %q has no staging tensor; unknown reduce type", rData.ID)
}

// alignWithStage pads the block's nest to the stage's depth with a leading
// unit loop and copies the stage's parallel bindings.
func (s *Scheduler) alignWithStage(block, reducerID, suffix string) error {
	rloops, err := s.m.GetLoops(s.stages.Name(reducerID, suffix))
	if err != nil {
		return err
	}
	nloops, err := s.m.GetLoops(block)
	if err != nil {
		return err
	}
	if len(nloops) < len(rloops) {
		if _, err := s.m.Split(block, 0, []int{1, -1}); err != nil {
			return err
		}
		nloops, err = s.m.GetLoops(block)
		if err != nil {
			return err
		}
	}
	copyLoopInfo(nloops, rloops)
	return nil
}
