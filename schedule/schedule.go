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

// Package schedule lowers a fusion group into a single scheduled loop nest.
// Given the operator graph, the per-node loop nests emitted by the upstream
// lowering step, and the staging map of multi-stage reductions, the Scheduler
// inlines trivial producers, packs non-reduction nodes onto their associated
// reducer's loop structure, merges every nest into the master's, and inserts
// the cross-thread synchronization the merged nest needs.
package schedule

import (
	"fmt"
	"os"

	"github.com/pkg/errors"

	"github.com/ajroetker/go-loopsched/graph"
	"github.com/ajroetker/go-loopsched/ir"
)

// Target describes the device the group is scheduled for.
type Target struct {
	// Name identifies the device kind, e.g. "cuda".
	Name string

	// MaxThreads is the thread-per-block budget loop packing must respect.
	MaxThreads int
}

// DefaultTarget is a CUDA-like device with a 1024-thread block budget.
var DefaultTarget = Target{Name: "cuda", MaxThreads: 1024}

// StageMap maps a value identifier plus stage suffix ("", "_0", "_1", ...) to
// the name of the block computing that stage. Multi-stage reductions register
// one entry per stage; single-stage tensors register only the "" suffix.
type StageMap map[string]string

// Has reports whether the stage exists.
func (s StageMap) Has(id, suffix string) bool {
	_, ok := s[id+suffix]
	return ok
}

// Name returns the block name registered for the stage, falling back to the
// conventional id+suffix when no explicit entry exists.
func (s StageMap) Name(id, suffix string) string {
	if name, ok := s[id+suffix]; ok {
		return name
	}
	return id + suffix
}

var debugSchedule = os.Getenv("DEBUG_SCHEDULE") != ""

func debugPrint(format string, args ...any) {
	if debugSchedule {
		fmt.Printf("[schedule] "+format+"\n", args...)
	}
}

// Scheduler holds the state shared by every pass over one fusion group.
type Scheduler struct {
	g      *graph.Graph
	m      *ir.Module
	shapes graph.ShapeDict
	stages StageMap
	target Target
}

// New creates a Scheduler over the graph, the lowered loop-nest program, the
// shape dictionary, and the reduction staging map.
func New(g *graph.Graph, m *ir.Module, shapes graph.ShapeDict, stages StageMap, target Target) *Scheduler {
	if stages == nil {
		stages = StageMap{}
	}
	return &Scheduler{g: g, m: m, shapes: shapes, stages: stages, target: target}
}

// Module returns the program being scheduled.
func (s *Scheduler) Module() *ir.Module {
	return s.m
}

// outputShape returns the shape of the node's canonical output value.
func (s *Scheduler) outputShape(n *graph.Node) (graph.Shape, error) {
	d := s.g.NodeData(n)
	if d == nil {
		return nil, errors.Errorf("schedule: node %q has no output value", n.ID)
	}
	shape, ok := s.shapes[d.ID]
	if !ok {
		return nil, errors.Errorf("schedule: no shape for value %q", d.ID)
	}
	return shape, nil
}

// inputShape returns the shape of the node's first input value.
func (s *Scheduler) inputShape(n *graph.Node) (graph.Shape, error) {
	ins := s.g.InputData(n)
	if len(ins) == 0 {
		return nil, errors.Errorf("schedule: node %q has no inputs", n.ID)
	}
	shape, ok := s.shapes[ins[0].ID]
	if !ok {
		return nil, errors.Errorf("schedule: no shape for value %q", ins[0].ID)
	}
	return shape, nil
}

// reduceAxes returns the node's reduction axes, defaulting an empty list to
// all axes of shape. The default is written back so later passes observe a
// non-empty list.
func (s *Scheduler) reduceAxes(n *graph.Node, shape graph.Shape) []int {
	var axes []int
	if n.Reduce != nil {
		axes = n.Reduce.Axes
	}
	if len(axes) == 0 {
		axes = make([]int, len(shape))
		for i := range shape {
			axes[i] = i
		}
		if n.Reduce != nil {
			n.Reduce.Axes = axes
		}
	}
	return axes
}

// copyLoopInfo copies the parallel bindings of rloops onto loops positionally.
func copyLoopInfo(loops, rloops []*ir.For) {
	n := len(loops)
	if len(rloops) < n {
		n = len(rloops)
	}
	for idx := 0; idx < n; idx++ {
		loops[idx].Bind = rloops[idx].Bind
	}
}

// Schedule lowers the group: virtual consumers, topological order, inlining,
// reduction loop assignment, loop merging, and synchronization, in that
// order. The program is mutated in place; on error it may be partially
// transformed and must be discarded.
func (s *Scheduler) Schedule(group *graph.Group) error {
	vc := s.BuildVirtualConsumer(group)
	order, err := s.TopologicalOrder(group, vc)
	if err != nil {
		return err
	}
	if len(order) == 0 {
		return nil
	}
	set := group.NodeSet()
	greducer := FindGlobalReducer(order)
	// Sink-first order: the head is the group's final output.
	laster := order[0]

	inlined := make(graph.NodeSet)
	for _, n := range order {
		consumers := s.FindConsumers(n, set, vc)
		if !s.CanInline(n, consumers, greducer, laster, group, set) {
			continue
		}
		inlined.Add(n)
		d := s.g.NodeData(n)
		if d != nil && s.m.HasBlock(d.ID) {
			if err := s.m.ComputeInline(d.ID); err != nil {
				return errors.Wrapf(err, "schedule: inlining %q", n.ID)
			}
		}
		debugPrint("inlined %s", n.ID)
	}

	for _, n := range order {
		if inlined.Has(n) {
			continue
		}
		master := s.GetMasterToComputeAt(n, order, inlined, set, vc)
		if group.Pattern() == graph.OpPatternReduction && !n.IsReduction() {
			reducer := s.FindNearestReducer(n, set)
			if reducer == nil {
				reducer = greducer
			}
			if reducer != nil {
				if err := s.LoopAssignReduce(n, reducer); err != nil {
					return err
				}
			}
		}
		target := master
		if target == nil {
			target = n
		}
		debugPrint("compute-at %s -> %s", n.ID, target.ID)
		if err := s.LoopComputeAt(n, target, group); err != nil {
			return err
		}
	}
	return s.SyncThreadWithShared(inlined, set)
}
