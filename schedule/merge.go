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
	"fmt"
	"math"

	"github.com/pkg/errors"

	"github.com/ajroetker/go-loopsched/graph"
	"github.com/ajroetker/go-loopsched/ir"
)

// MergeLoops splices the source nest into the destination nest at depth
// index: source loop variables up to the depth are renamed to the
// destination's, the source body at that depth is prepended to the
// destination body, and the emptied source nest is removed. A negative depth
// or src and dst being the same nest is a no-op.
func MergeLoops(m *ir.Module, src, dst []*ir.For, index int) error {
	if index < 0 {
		return nil
	}
	if index >= len(src) || index >= len(dst) {
		return errors.Errorf("schedule: merge depth %d out of range (src %d, dst %d)", index, len(src), len(dst))
	}
	if src[0] == dst[0] {
		return nil
	}
	repl := make(map[string]string)
	for idx := 0; idx <= index; idx++ {
		if src[idx].Var != dst[idx].Var {
			repl[src[idx].Var] = dst[idx].Var
		}
	}
	moved := src[index].Body
	for _, st := range moved {
		ir.RenameIterVars(st, repl)
	}
	dst[index].Body = append(append([]ir.Stmt(nil), moved...), dst[index].Body...)
	src[index].Body = nil
	m.Remove(src[0])
	return nil
}

// computeAtTail splices the source block's remainder under the destination
// block's innermost loop.
func (s *Scheduler) computeAtTail(srcBlock, dstBlock string) error {
	loops, err := s.m.GetLoops(dstBlock)
	if err != nil {
		return err
	}
	if len(loops) == 0 {
		return errors.Errorf("schedule: block %q has no loops to compute at", dstBlock)
	}
	return s.m.SimpleComputeAt(srcBlock, loops[len(loops)-1])
}

// spliceLeafBefore renames the source leaf's index variables to the
// destination nest's (positionally) and moves the leaf in front of the
// destination statement. The emptied source shell is the caller's to drop.
func (s *Scheduler) spliceLeafBefore(leaf ir.Stmt, srcLoops, dstLoops []*ir.For, before ir.Stmt) error {
	repl := make(map[string]string)
	n := len(srcLoops)
	if len(dstLoops) < n {
		n = len(dstLoops)
	}
	for idx := 0; idx < n; idx++ {
		if srcLoops[idx].Var != dstLoops[idx].Var {
			repl[srcLoops[idx].Var] = dstLoops[idx].Var
		}
	}
	ir.RenameIterVars(leaf, repl)
	if !s.m.Remove(leaf) {
		return errors.New("schedule: splice source not in program")
	}
	if !s.m.Insert(before, leaf, false) {
		return errors.New("schedule: splice destination not in program")
	}
	return nil
}

// MergeReduceToReduce merges one reduction's nests into another's, stage by
// stage. The dispatch follows the reduction flavor (innermost axis parallel
// or reduced) and the staging depth of the node; mismatched shapes merge at
// the deepest structurally compatible level.
func (s *Scheduler) MergeReduceToReduce(node, master *graph.Node) error {
	nData := s.g.NodeData(node)
	mData := s.g.NodeData(master)
	if nData == nil || mData == nil {
		return errors.Errorf("schedule: node %q or master %q has no output value", node.ID, master.ID)
	}
	shape, err := s.inputShape(node)
	if err != nil {
		return err
	}
	axes := s.reduceAxes(node, shape)
	mshape, err := s.inputShape(master)
	if err != nil {
		return err
	}

	if WithoutLastDimInReduce(shape, axes) {
		if s.stages.Has(nData.ID, "_1") {
			n0 := s.stages.Name(nData.ID, "_0")
			m0 := s.stages.Name(mData.ID, "_0")
			if shape.Equal(mshape) {
				if err := s.computeAtTail(nData.ID, mData.ID); err != nil {
					return err
				}
				if err := s.computeAtTail(n0, m0); err != nil {
					return err
				}
				return s.computeAtTail(n0+ir.ReduceInitSuffix, m0+ir.ReduceInitSuffix)
			}
			nLoops, err := s.m.GetLoops(n0)
			if err != nil {
				return err
			}
			mLoops, err := s.m.GetLoops(m0)
			if err != nil {
				return err
			}
			if len(nLoops) > 0 && len(mLoops) > 0 &&
				nLoops[len(nLoops)-1].Extent == mLoops[len(mLoops)-1].Extent {
				// Same trailing tile: share the final outputs, then hoist the
				// node's innermost stage loop next to the master's.
				if err := s.computeAtTail(nData.ID, mData.ID); err != nil {
					return err
				}
				nLoops, err = s.m.GetLoops(n0)
				if err != nil {
					return err
				}
				mLoops, err = s.m.GetLoops(m0)
				if err != nil {
					return err
				}
				inner := nLoops[len(nLoops)-1]
				repl := make(map[string]string)
				for idx := 0; idx < len(mLoops)-1 && idx < len(nLoops)-1; idx++ {
					if nLoops[idx].Var != mLoops[idx].Var {
						repl[nLoops[idx].Var] = mLoops[idx].Var
					}
				}
				ir.RenameIterVars(inner, repl)
				if !s.m.Remove(inner) {
					return errors.Errorf("schedule: stage loop of %q not in program", n0)
				}
				if !s.m.Insert(mLoops[len(mLoops)-1], inner, false) {
					return errors.Errorf("schedule: stage loop of %q not in program", m0)
				}
				if err := s.computeAtTail(n0+ir.ReduceInitSuffix, m0+ir.ReduceInitSuffix); err != nil {
					return err
				}
				if len(nLoops) > 1 {
					s.m.Remove(nLoops[0])
				}
				s.m.PruneEmptyLoops()
				return nil
			}
			if err := s.computeAtTail(nData.ID, mData.ID); err != nil {
				return err
			}
			nLoops, err = s.m.GetLoops(n0)
			if err != nil {
				return err
			}
			mLoops, err = s.m.GetLoops(m0)
			if err != nil {
				return err
			}
			return MergeLoops(s.m, nLoops, mLoops, 0)
		}
		if shape.Equal(mshape) {
			if err := s.computeAtTail(nData.ID, mData.ID); err != nil {
				return err
			}
			return s.computeAtTail(nData.ID+ir.ReduceInitSuffix, mData.ID+ir.ReduceInitSuffix)
		}
		nloops, err := s.m.GetLoops(s.stages.Name(nData.ID, ""))
		if err != nil {
			return err
		}
		mloops, err := s.m.GetLoops(s.stages.Name(mData.ID, ""))
		if err != nil {
			return err
		}
		for idx := 0; idx < len(mloops) && idx < len(nloops); idx++ {
			if nloops[idx].Extent == mloops[idx].Extent {
				continue
			}
			if idx == 0 {
				return errors.Errorf("schedule: reductions %q and %q share no outer loop extent", nData.ID, mData.ID)
			}
			if err := s.m.SimpleComputeAt(nData.ID, mloops[idx-1]); err != nil {
				return err
			}
			break
		}
		return s.computeAtTail(nData.ID+ir.ReduceInitSuffix, mData.ID+ir.ReduceInitSuffix)
	}

	if s.stages.Has(nData.ID, "_1") {
		n1 := s.stages.Name(nData.ID, "_1")
		m1 := s.stages.Name(mData.ID, "_1")
		if err := s.computeAtTail(nData.ID, mData.ID); err != nil {
			return err
		}
		if err := s.computeAtTail(n1, m1); err != nil {
			return err
		}
		if err := s.computeAtTail(n1+ir.ReduceInitSuffix, m1+ir.ReduceInitSuffix); err != nil {
			return err
		}
		// The first stage's leaves live under private thread loops; move the
		// node's leaf in front of the master's, sharing the master's loops.
		n0 := s.stages.Name(nData.ID, "_0")
		m0 := s.stages.Name(mData.ID, "_0")
		nBlock, err := s.m.GetBlock(n0)
		if err != nil {
			return err
		}
		mBlock, err := s.m.GetBlock(m0)
		if err != nil {
			return err
		}
		nLoops, err := s.m.GetLoops(n0)
		if err != nil {
			return err
		}
		mLoops, err := s.m.GetLoops(m0)
		if err != nil {
			return err
		}
		if s.m.HasBlock(n0+ir.ReduceInitSuffix) && s.m.HasBlock(m0+ir.ReduceInitSuffix) {
			nInit, err := s.m.GetBlock(n0 + ir.ReduceInitSuffix)
			if err != nil {
				return err
			}
			mInit, err := s.m.GetBlock(m0 + ir.ReduceInitSuffix)
			if err != nil {
				return err
			}
			if err := s.spliceLeafBefore(nInit, nLoops, mLoops, mInit); err != nil {
				return err
			}
		}
		if err := s.spliceLeafBefore(nBlock, nLoops, mLoops, mBlock); err != nil {
			return err
		}
		if len(nLoops) > 0 {
			s.m.Remove(nLoops[0])
		}
		s.m.PruneEmptyLoops()
		return nil
	}
	if s.stages.Has(nData.ID, "_0") {
		if err := s.computeAtTail(nData.ID, mData.ID); err != nil {
			return err
		}
		return s.computeAtTail(s.stages.Name(nData.ID, "_0"), s.stages.Name(mData.ID, "_0"))
	}
	return errors.Errorf("schedule: reduction %q has no staging tensor; unknown reduce type", nData.ID)
}

// MergeReduceLoop merges a reduction node into its master. The node's own
// stage chain ("" <- "_0" <- "_1") is merged first, tracking the shallowest
// merge depth; a synchronization barrier is inserted when the staged
// reduction needs one; then the node's nest is merged into the master's at
// the deepest depth where the extents match, capped by the stage-chain
// depth. A node that is its own master stops after the self-merge.
func (s *Scheduler) MergeReduceLoop(node, master *graph.Node) error {
	if master.IsReduction() && node != master {
		return s.MergeReduceToReduce(node, master)
	}
	nData := s.g.NodeData(node)
	if nData == nil {
		return errors.Errorf("schedule: node %q has no output value", node.ID)
	}

	minIndexLoop := math.MaxInt
	post := ""
	post2 := "_0"
	for idx := 0; ; idx++ {
		if !s.stages.Has(nData.ID, post2) {
			break
		}
		srcName := s.stages.Name(nData.ID, post2)
		dstName := s.stages.Name(nData.ID, post)
		if !s.m.HasBlock(srcName) || !s.m.HasBlock(dstName) {
			break
		}
		srcLoops, err := s.m.GetLoops(srcName)
		if err != nil {
			return err
		}
		dstLoops, err := s.m.GetLoops(dstName)
		if err != nil {
			return err
		}
		index := -1
		for index+1 < len(srcLoops) && index+1 < len(dstLoops) &&
			srcLoops[index+1].Extent == dstLoops[index+1].Extent {
			index++
		}
		if index < minIndexLoop {
			minIndexLoop = index
		}
		if err := MergeLoops(s.m, srcLoops, dstLoops, index); err != nil {
			return err
		}
		post = fmt.Sprintf("_%d", idx)
		post2 = fmt.Sprintf("_%d", idx+1)
	}
	if err := s.InsertSyncThread(node); err != nil {
		return err
	}
	if node == master {
		return nil
	}
	mData := s.g.NodeData(master)
	if mData == nil {
		return errors.Errorf("schedule: master %q has no output value", master.ID)
	}
	nodeLoops, err := s.m.GetLoops(nData.ID)
	if err != nil {
		return err
	}
	masterLoops, err := s.m.GetLoops(mData.ID)
	if err != nil {
		return err
	}
	index := len(nodeLoops) - 1
	if len(masterLoops)-1 < index {
		index = len(masterLoops) - 1
	}
	for ; index >= 0; index-- {
		if nodeLoops[index].Extent != masterLoops[index].Extent {
			continue
		}
		depth := index
		if minIndexLoop < depth {
			depth = minIndexLoop
		}
		if err := MergeLoops(s.m, nodeLoops, masterLoops, depth); err != nil {
			return err
		}
		if index > minIndexLoop {
			masterLoops, err = s.m.GetLoops(mData.ID)
			if err != nil {
				return err
			}
			if err := s.m.SimpleComputeAt(nData.ID, masterLoops[len(masterLoops)-1]); err != nil {
				return err
			}
		}
		break
	}
	return nil
}

// LoopComputeAt merges the node's nest into the master's. Non-output nodes
// are staged in local memory first. Reductions take the staged merge path;
// everything else merges at the deepest loop level where the extents match.
// When the master is a multi-stage reduction, the comparison runs against its
// deepest stage still present in the program.
func (s *Scheduler) LoopComputeAt(node, master *graph.Node, group *graph.Group) error {
	nData := s.g.NodeData(node)
	if nData == nil {
		return errors.Errorf("schedule: node %q has no output value", node.ID)
	}
	if !group.IsOutput(node) {
		if err := s.m.SetBuffer(nData.ID, "local"); err != nil {
			return errors.Wrapf(err, "schedule: staging %q", nData.ID)
		}
	}
	if node.IsReduction() {
		return s.MergeReduceLoop(node, master)
	}
	if node == master {
		return nil
	}
	mData := s.g.NodeData(master)
	if mData == nil {
		return errors.Errorf("schedule: master %q has no output value", master.ID)
	}
	nodeLoops, err := s.m.GetLoops(nData.ID)
	if err != nil {
		return err
	}
	masterName := s.stages.Name(mData.ID, "")
	if master.IsReduction() {
		// Compare against the master's deepest surviving stage.
		prefix := ""
		post := ""
		for idx := 0; ; idx++ {
			if !s.stages.Has(mData.ID, post) || !s.m.HasBlock(s.stages.Name(mData.ID, post)) {
				break
			}
			prefix = post
			post = fmt.Sprintf("_%d", idx)
		}
		masterName = s.stages.Name(mData.ID, prefix)
	}
	masterLoops, err := s.m.GetLoops(masterName)
	if err != nil {
		return err
	}
	index := len(nodeLoops) - 1
	if len(masterLoops)-1 < index {
		index = len(masterLoops) - 1
	}
	for ; index >= 0; index-- {
		if nodeLoops[index].Extent != masterLoops[index].Extent {
			continue
		}
		return MergeLoops(s.m, nodeLoops, masterLoops, index)
	}
	return nil
}
