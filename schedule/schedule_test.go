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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ajroetker/go-loopsched/graph"
	"github.com/ajroetker/go-loopsched/ir"
)

func blockNames(m *ir.Module) []string {
	var out []string
	for _, b := range m.GetAllBlocks() {
		out = append(out, b.Name)
	}
	return out
}

// TestScheduleElementwiseReduce lowers exp -> add -> reduce_sum over
// [32,1024] into one nest: the exp inlines, the add adopts the reducer's
// loop structure and bindings and is staged in local memory inside the
// reduction loops. The reducer arrives pre-staged through c_0 because a
// trailing reduction lane of 1024 already fills the thread budget, and the
// packing path treats such lanes as single-stage work
// (TestLoopAssignReduceWithLastFitsBudget covers the guard).
func TestScheduleElementwiseReduce(t *testing.T) {
	g := graph.New()
	g.AddInput("x")
	a, err := g.AddNode("A", "exp", graph.OpPatternElementwise, []string{"x"}, []string{"a"})
	require.NoError(t, err)
	b, err := g.AddNode("B", "elementwise_add", graph.OpPatternElementwise, []string{"a", "x"}, []string{"b"})
	require.NoError(t, err)
	c, err := g.AddNode("C", "reduce_sum", graph.OpPatternReduction, []string{"b"}, []string{"c"})
	require.NoError(t, err)
	c.Reduce = &graph.ReduceConfig{Axes: []int{1}}
	shapes := graph.ShapeDict{
		"x": {32, 1024}, "a": {32, 1024}, "b": {32, 1024}, "c": {32},
	}
	group := graph.NewGroup([]*graph.Node{a, b, c}, []*graph.Node{c}, graph.OpPatternReduction)

	// Lowered nests in emission order; the reducer is staged through c_0
	// (thread-level partials) with the grid/thread bindings already assigned.
	m := ir.NewModule()
	_, err = m.AddNest("a", []int{32, 1024})
	require.NoError(t, err)
	_, err = m.AddNest("b", []int{32, 1024})
	require.NoError(t, err)
	_, err = m.AddReduceNest("c_0", []int{32, 1024}, 1)
	require.NoError(t, err)
	c0Loops, err := m.GetLoops("c_0")
	require.NoError(t, err)
	c0Loops[0].Bind = ir.BindBlockX
	c0Loops[1].Bind = ir.BindThreadX
	_, err = m.AddNest("c", []int{32})
	require.NoError(t, err)
	cLoops, err := m.GetLoops("c")
	require.NoError(t, err)
	cLoops[0].Bind = ir.BindBlockX

	s := New(g, m, shapes, StageMap{"c": "c", "c_0": "c_0"}, DefaultTarget)
	require.NoError(t, s.Schedule(group))

	// One fused nest; the inlined exp left no block behind.
	require.Len(t, m.Stmts, 1)
	require.False(t, m.HasBlock("a"))

	require.Equal(t, "local", m.BufferScope("b"))
	require.Equal(t, []int{32, 1024}, extentsOf(t, m, "b"))

	// The add shares the reducer stage's loops, bindings included.
	bLoops, err := m.GetLoops("b")
	require.NoError(t, err)
	c0Loops, err = m.GetLoops("c_0")
	require.NoError(t, err)
	require.Equal(t, c0Loops, bLoops)
	require.Equal(t, ir.BindBlockX, bLoops[0].Bind)
	require.Equal(t, ir.BindThreadX, bLoops[1].Bind)

	// Trailing-axis reduction: the staged partials need no barrier.
	require.Equal(t, 0, m.Barriers())
	require.Equal(t,
		[]string{"c_0" + ir.ReduceInitSuffix, "b", "c_0", "c"},
		blockNames(m))
}

// TestScheduleWithoutLastReduce lowers exp -> reduce over [16,16,4] with the
// middle axis reduced: the producer is packed to [16,4,16], merged into the
// staged reduction, and a barrier separates the partial stage from the
// final one.
func TestScheduleWithoutLastReduce(t *testing.T) {
	g := graph.New()
	g.AddInput("x")
	b, err := g.AddNode("B", "exp", graph.OpPatternElementwise, []string{"x"}, []string{"b"})
	require.NoError(t, err)
	r, err := g.AddNode("R", "reduce_sum", graph.OpPatternReduction, []string{"b"}, []string{"r"})
	require.NoError(t, err)
	r.Reduce = &graph.ReduceConfig{Axes: []int{1}}
	shapes := graph.ShapeDict{
		"x": {16, 16, 4}, "b": {16, 16, 4}, "r": {16, 4},
	}
	group := graph.NewGroup([]*graph.Node{b, r}, []*graph.Node{r}, graph.OpPatternReduction)

	m := ir.NewModule()
	_, err = m.AddNest("b", []int{16, 16, 4})
	require.NoError(t, err)
	_, err = m.AddReduceNest("r_0", []int{16, 4, 32}, 2)
	require.NoError(t, err)
	r0Loops, err := m.GetLoops("r_0")
	require.NoError(t, err)
	r0Loops[0].Bind = ir.BindBlockX
	r0Loops[1].Bind = ir.BindThreadX
	_, err = m.AddReduceNest("r", []int{16, 4, 16}, 2)
	require.NoError(t, err)
	rLoops, err := m.GetLoops("r")
	require.NoError(t, err)
	rLoops[0].Bind = ir.BindBlockX
	rLoops[1].Bind = ir.BindThreadX

	s := New(g, m, shapes, StageMap{"r": "r", "r_0": "r_0"}, DefaultTarget)
	require.NoError(t, s.Schedule(group))

	require.Len(t, m.Stmts, 1)
	require.Equal(t, "local", m.BufferScope("b"))
	require.Equal(t, []int{16, 4, 16}, extentsOf(t, m, "b"))

	// Partial and final reduction stages share a nest with one barrier
	// between them: the final stage must not read the partials before every
	// thread has written its share, so the barrier sits directly ahead of
	// the final stage's reduce loop.
	require.Equal(t, 1, m.Barriers())
	rLoops, err = m.GetLoops("r")
	require.NoError(t, err)
	require.Len(t, rLoops, 3)
	body := rLoops[1].Body
	at := -1
	for idx, st := range body {
		if st == ir.Stmt(rLoops[2]) {
			at = idx
		}
	}
	require.Greater(t, at, 0, "final reduce loop missing from the shared nest")
	_, isBarrier := body[at-1].(*ir.Barrier)
	require.True(t, isBarrier, "barrier must precede the final reduce loop")
	require.Equal(t,
		[]string{
			"b",
			"r_0" + ir.ReduceInitSuffix, "r_0",
			"r" + ir.ReduceInitSuffix, "r",
		},
		blockNames(m))
}

// TestCanInline exercises the rule order on a diamond feeding a reduction.
func TestCanInline(t *testing.T) {
	g := graph.New()
	g.AddInput("x")
	k, err := g.AddNode("K", "fill_constant", graph.OpPatternBroadcast, nil, []string{"k"})
	require.NoError(t, err)
	a, err := g.AddNode("A", "exp", graph.OpPatternElementwise, []string{"x"}, []string{"a"})
	require.NoError(t, err)
	b1, err := g.AddNode("B1", "elementwise_add", graph.OpPatternElementwise, []string{"a", "x"}, []string{"b1"})
	require.NoError(t, err)
	b2, err := g.AddNode("B2", "elementwise_mul", graph.OpPatternElementwise, []string{"a", "x"}, []string{"b2"})
	require.NoError(t, err)
	cn, err := g.AddNode("C", "elementwise_add", graph.OpPatternElementwise, []string{"b1", "b2"}, []string{"c"})
	require.NoError(t, err)
	r, err := g.AddNode("R", "reduce_sum", graph.OpPatternReduction, []string{"c"}, []string{"r"})
	require.NoError(t, err)
	r.Reduce = &graph.ReduceConfig{Axes: []int{0}}
	e, err := g.AddNode("E", "exp", graph.OpPatternElementwise, []string{"r"}, []string{"e"})
	require.NoError(t, err)

	shapes := graph.ShapeDict{
		"x": {64}, "k": {64}, "a": {8},
		"b1": {64}, "b2": {64}, "c": {64}, "r": {8}, "e": {8},
	}
	all := []*graph.Node{k, a, b1, b2, cn, r, e}
	group := graph.NewGroup(all, []*graph.Node{e}, graph.OpPatternReduction)
	set := group.NodeSet()
	s := New(g, ir.NewModule(), shapes, StageMap{}, DefaultTarget)

	consumersOf := func(n *graph.Node) []*graph.Node {
		return s.g.ConsumersInSet(n, set)
	}

	tests := []struct {
		name string
		node *graph.Node
		want bool
	}{
		{"output never inlines", e, false},
		{"const op inlines", k, true},
		{"feeds a reduction", cn, false},
		{"reduction itself", r, false},
		{"single consumer", b1, true},
		{"multi consumer before reducer, numel differs", a, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.CanInline(tt.node, consumersOf(tt.node), r, e, group, set)
			if got != tt.want {
				t.Errorf("CanInline(%s) = %v, want %v", tt.node.ID, got, tt.want)
			}
		})
	}

	// Same node, equal element counts: stays materialized.
	shapes["a"] = graph.Shape{64}
	if s.CanInline(a, consumersOf(a), r, e, group, set) {
		t.Error("CanInline(A) with matching numel = true, want false")
	}

	// Without a reducer, the comparison runs against the final output.
	if s.CanInline(a, consumersOf(a), nil, b1, group, set) {
		t.Error("CanInline(A) vs same-sized laster = true, want false")
	}
	shapes["a"] = graph.Shape{8}
	if !s.CanInline(a, consumersOf(a), nil, b1, group, set) {
		t.Error("CanInline(A) vs larger laster = false, want true")
	}
}

// TestGetMasterToComputeAt: a reduction prefers an earlier reduction with the
// same input shape over the first-scheduled one.
func TestGetMasterToComputeAt(t *testing.T) {
	g := graph.New()
	g.AddInput("x")
	g.AddInput("y")
	g.AddInput("z")
	r1, err := g.AddNode("r1", "reduce_sum", graph.OpPatternReduction, []string{"x"}, []string{"o1"})
	require.NoError(t, err)
	r2, err := g.AddNode("r2", "reduce_sum", graph.OpPatternReduction, []string{"y"}, []string{"o2"})
	require.NoError(t, err)
	rn, err := g.AddNode("rn", "reduce_sum", graph.OpPatternReduction, []string{"z"}, []string{"on"})
	require.NoError(t, err)
	for _, n := range []*graph.Node{r1, r2, rn} {
		n.Reduce = &graph.ReduceConfig{Axes: []int{0}}
	}
	shapes := graph.ShapeDict{
		"x": {8, 8}, "y": {4, 16}, "z": {4, 16},
		"o1": {8}, "o2": {16}, "on": {16},
	}
	group := graph.NewGroup([]*graph.Node{r1, r2, rn}, []*graph.Node{r1, r2, rn}, graph.OpPatternReduction)
	set := group.NodeSet()
	s := New(g, ir.NewModule(), shapes, StageMap{}, DefaultTarget)

	order, err := s.TopologicalOrder(group, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"r1", "r2", "rn"}, orderIDs(order))

	t.Run("prefers matching input shape", func(t *testing.T) {
		if got := s.GetMasterToComputeAt(rn, order, nil, set, nil); got != r2 {
			t.Errorf("master = %v, want r2", got)
		}
	})
	t.Run("falls back to first scheduled", func(t *testing.T) {
		shapes["z"] = graph.Shape{3, 3}
		defer func() { shapes["z"] = graph.Shape{4, 16} }()
		if got := s.GetMasterToComputeAt(rn, order, nil, set, nil); got != r1 {
			t.Errorf("master = %v, want r1", got)
		}
	})
	t.Run("non-reduction takes nearest earlier consumer", func(t *testing.T) {
		sc, chainGroup, a, b, _ := chainGraph(t)
		order, err := sc.TopologicalOrder(chainGroup, nil)
		require.NoError(t, err)
		if got := sc.GetMasterToComputeAt(a, order, nil, chainGroup.NodeSet(), nil); got != b {
			t.Errorf("master = %v, want B", got)
		}
	})
}

// TestMergeLoopsIdempotence: re-merging an already merged nest is a no-op.
func TestMergeLoopsIdempotence(t *testing.T) {
	m := ir.NewModule()
	_, err := m.AddNest("A", []int{4, 8})
	require.NoError(t, err)
	_, err = m.AddNest("B", []int{4, 8})
	require.NoError(t, err)
	aLoops, err := m.GetLoops("A")
	require.NoError(t, err)
	bLoops, err := m.GetLoops("B")
	require.NoError(t, err)

	require.NoError(t, MergeLoops(m, bLoops, aLoops, 1))
	require.Len(t, m.Stmts, 1)
	merged, err := m.GetLoops("B")
	require.NoError(t, err)
	require.Equal(t, aLoops, merged)
	require.Len(t, aLoops[1].Body, 2)

	// Negative depth and already-shared nests both leave the tree alone.
	require.NoError(t, MergeLoops(m, merged, aLoops, -1))
	require.NoError(t, MergeLoops(m, merged, aLoops, 1))
	require.Len(t, aLoops[1].Body, 2)
}

// TestScheduleSiblingReductions merges two independent reductions into one
// nest: the later reduction computes at the earlier one's loops, and each
// accumulator initialization stays ahead of the loop that reads it.
func TestScheduleSiblingReductions(t *testing.T) {
	build := func(t *testing.T, yShape graph.Shape, o2Nest []int) (*Scheduler, *graph.Group, *ir.Module) {
		t.Helper()
		g := graph.New()
		g.AddInput("x")
		g.AddInput("y")
		r1, err := g.AddNode("R1", "reduce_sum", graph.OpPatternReduction, []string{"x"}, []string{"o1"})
		require.NoError(t, err)
		r2, err := g.AddNode("R2", "reduce_sum", graph.OpPatternReduction, []string{"y"}, []string{"o2"})
		require.NoError(t, err)
		r1.Reduce = &graph.ReduceConfig{Axes: []int{0}}
		r2.Reduce = &graph.ReduceConfig{Axes: []int{0}}
		shapes := graph.ShapeDict{
			"x": {16, 4}, "y": yShape, "o1": {4}, "o2": {4},
		}
		group := graph.NewGroup([]*graph.Node{r1, r2}, []*graph.Node{r1, r2}, graph.OpPatternReduction)

		m := ir.NewModule()
		_, err = m.AddReduceNest("o1", []int{4, 16}, 1)
		require.NoError(t, err)
		_, err = m.AddReduceNest("o2", o2Nest, 1)
		require.NoError(t, err)
		return New(g, m, shapes, StageMap{"o1": "o1", "o2": "o2"}, DefaultTarget), group, m
	}

	t.Run("same domain shares the whole nest", func(t *testing.T) {
		s, group, m := build(t, graph.Shape{16, 4}, []int{4, 16})
		require.NoError(t, s.Schedule(group))

		require.Len(t, m.Stmts, 1)
		require.Equal(t, 0, m.Barriers())
		o1Loops, err := m.GetLoops("o1")
		require.NoError(t, err)
		o2Loops, err := m.GetLoops("o2")
		require.NoError(t, err)
		require.Equal(t, o1Loops, o2Loops)
		// Both initializations land ahead of the shared reduce loop.
		require.Equal(t,
			[]string{
				"o2" + ir.ReduceInitSuffix, "o1" + ir.ReduceInitSuffix,
				"o2", "o1",
			},
			blockNames(m))
	})
	t.Run("wider sibling shares the outer loop", func(t *testing.T) {
		s, group, m := build(t, graph.Shape{32, 4}, []int{4, 32})
		require.NoError(t, s.Schedule(group))

		require.Len(t, m.Stmts, 1)
		require.Equal(t, 0, m.Barriers())
		o1Loops, err := m.GetLoops("o1")
		require.NoError(t, err)
		o2Loops, err := m.GetLoops("o2")
		require.NoError(t, err)
		// Mismatched reduce extents merge below the shared parallel loop only.
		require.Equal(t, o1Loops[0], o2Loops[0])
		require.Equal(t, []int{4, 16}, extentsOf(t, m, "o1"))
		require.Equal(t, []int{4, 32}, extentsOf(t, m, "o2"))
		require.Equal(t,
			[]string{
				"o2" + ir.ReduceInitSuffix, "o2",
				"o1" + ir.ReduceInitSuffix, "o1",
			},
			blockNames(m))
	})
}

// TestMergeReduceToReduceStaged merges a staged trailing-axis reduction into
// its sibling stage by stage: the partial stages share one nest and the final
// outputs another.
func TestMergeReduceToReduceStaged(t *testing.T) {
	g := graph.New()
	g.AddInput("x")
	g.AddInput("y")
	r1, err := g.AddNode("R1", "reduce_sum", graph.OpPatternReduction, []string{"x"}, []string{"o1"})
	require.NoError(t, err)
	r2, err := g.AddNode("R2", "reduce_sum", graph.OpPatternReduction, []string{"y"}, []string{"o2"})
	require.NoError(t, err)
	r1.Reduce = &graph.ReduceConfig{Axes: []int{1}}
	r2.Reduce = &graph.ReduceConfig{Axes: []int{1}}
	shapes := graph.ShapeDict{
		"x": {32, 64}, "y": {32, 64}, "o1": {32}, "o2": {32},
	}

	m := ir.NewModule()
	for _, nest := range []struct {
		name  string
		shape []int
	}{
		{"o1_0", []int{32, 64}},
		{"o1", []int{32}},
		{"o2_0", []int{32, 64}},
		{"o2", []int{32}},
	} {
		_, err := m.AddNest(nest.name, nest.shape)
		require.NoError(t, err)
	}

	stages := StageMap{"o1": "o1", "o1_0": "o1_0", "o2": "o2", "o2_0": "o2_0"}
	s := New(g, m, shapes, stages, DefaultTarget)
	require.NoError(t, s.MergeReduceToReduce(r2, r1))

	require.Len(t, m.Stmts, 2)
	o1Loops, err := m.GetLoops("o1")
	require.NoError(t, err)
	o2Loops, err := m.GetLoops("o2")
	require.NoError(t, err)
	require.Equal(t, o1Loops, o2Loops)
	s1Loops, err := m.GetLoops("o1_0")
	require.NoError(t, err)
	s2Loops, err := m.GetLoops("o2_0")
	require.NoError(t, err)
	require.Equal(t, s1Loops, s2Loops)
	require.Equal(t, []string{"o2_0", "o1_0", "o2", "o1"}, blockNames(m))
}

// TestInsertSyncThread: only a staged reduction keeping its innermost axis
// parallel synchronizes between stages.
func TestInsertSyncThread(t *testing.T) {
	build := func(axes []int) (*Scheduler, *graph.Node, *ir.Module) {
		g := graph.New()
		g.AddInput("y")
		r, err := g.AddNode("R", "reduce_sum", graph.OpPatternReduction, []string{"y"}, []string{"r"})
		require.NoError(t, err)
		r.Reduce = &graph.ReduceConfig{Axes: axes}
		m := ir.NewModule()
		_, err = m.AddNest("r_0", []int{16, 16, 16})
		require.NoError(t, err)
		_, err = m.AddNest("r", []int{16, 16})
		require.NoError(t, err)
		shapes := graph.ShapeDict{"y": {16, 16, 16}, "r": {16, 16}}
		s := New(g, m, shapes, StageMap{"r": "r", "r_0": "r_0"}, DefaultTarget)
		return s, r, m
	}

	t.Run("without last dim", func(t *testing.T) {
		s, r, m := build([]int{1})
		require.NoError(t, s.InsertSyncThread(r))
		require.Equal(t, 1, m.Barriers())
		rLoops, err := m.GetLoops("r")
		require.NoError(t, err)
		_, isBarrier := rLoops[0].Body[0].(*ir.Barrier)
		require.True(t, isBarrier, "barrier must precede the final reduce loop")
	})
	t.Run("with last dim", func(t *testing.T) {
		s, r, m := build([]int{2})
		require.NoError(t, s.InsertSyncThread(r))
		require.Equal(t, 0, m.Barriers())
	})
}

// TestSyncThreadWithShared: a block whose domain differs from its master's is
// staged in shared memory, with a barrier ahead of the master's final loop.
func TestSyncThreadWithShared(t *testing.T) {
	g := graph.New()
	g.AddInput("x")
	g.AddInput("a")
	b, err := g.AddNode("B", "exp", graph.OpPatternElementwise, []string{"x"}, []string{"b"})
	require.NoError(t, err)
	c, err := g.AddNode("C", "reduce_sum", graph.OpPatternReduction, []string{"a", "b"}, []string{"c"})
	require.NoError(t, err)
	c.Reduce = &graph.ReduceConfig{Axes: []int{0}}
	shapes := graph.ShapeDict{
		"x": {4, 4}, "a": {16, 16}, "b": {4, 4}, "c": {16},
	}
	set := graph.NodeSet{}
	set.Add(b)
	set.Add(c)

	m := ir.NewModule()
	_, err = m.AddNest("b", []int{4, 4})
	require.NoError(t, err)
	_, err = m.AddNest("c", []int{16, 16})
	require.NoError(t, err)

	s := New(g, m, shapes, StageMap{"c": "c"}, DefaultTarget)
	require.NoError(t, s.SyncThreadWithShared(nil, set))

	require.Equal(t, "shared", m.BufferScope("b"))
	require.Equal(t, 1, m.Barriers())
	cLoops, err := m.GetLoops("c")
	require.NoError(t, err)
	_, isBarrier := cLoops[0].Body[0].(*ir.Barrier)
	require.True(t, isBarrier, "barrier must precede the master's final loop")
}
