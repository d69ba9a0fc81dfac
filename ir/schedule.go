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

package ir

import (
	"github.com/pkg/errors"
)

// resolveFactors turns a factor list into concrete extents for extent.
// At most one factor may be -1, which is inferred from the others. Without a
// -1, a factor product that properly divides the extent gains an inferred
// trailing factor; any other mismatch is an error, so split always preserves
// the element count.
func resolveFactors(extent int, factors []int) ([]int, error) {
	out := append([]int(nil), factors...)
	infer := -1
	product := 1
	for i, f := range out {
		switch {
		case f == -1:
			if infer >= 0 {
				return nil, errors.Errorf("ir: multiple inferred factors in %v", factors)
			}
			infer = i
		case f > 0:
			product *= f
		default:
			return nil, errors.Errorf("ir: non-positive split factor %d", f)
		}
	}
	switch {
	case infer >= 0:
		if product == 0 || extent%product != 0 {
			return nil, errors.Errorf("ir: cannot infer factor: %d %% %d != 0", extent, product)
		}
		out[infer] = extent / product
	case product == extent:
	case product < extent && extent%product == 0:
		out = append(out, extent/product)
	default:
		return nil, errors.Errorf("ir: split factors %v do not cover extent %d", factors, extent)
	}
	return out, nil
}

func (m *Module) parentBodyOf(loops []*For, idx int) *[]Stmt {
	if idx == 0 {
		return &m.Stmts
	}
	return &loops[idx-1].Body
}

func replaceInBody(body *[]Stmt, old, new Stmt) bool {
	for i, s := range *body {
		if s == old {
			(*body)[i] = new
			return true
		}
	}
	return false
}

func removeFromBody(body *[]Stmt, target Stmt) bool {
	for i, s := range *body {
		if s == target {
			*body = append((*body)[:i], (*body)[i+1:]...)
			return true
		}
	}
	return false
}

func insertIntoBody(body *[]Stmt, target Stmt, ins Stmt, after bool) bool {
	for i, s := range *body {
		if s == target {
			at := i
			if after {
				at = i + 1
			}
			*body = append(*body, nil)
			copy((*body)[at+1:], (*body)[at:])
			(*body)[at] = ins
			return true
		}
	}
	return false
}

// expandIterVar replaces a single index variable with a run of variables in
// every leaf of the subtree, used when a loop is split.
func expandIterVar(s Stmt, old string, repl []string) {
	switch s := s.(type) {
	case *BlockRealize:
		for i, v := range s.IterVars {
			if v == old {
				expanded := make([]string, 0, len(s.IterVars)+len(repl)-1)
				expanded = append(expanded, s.IterVars[:i]...)
				expanded = append(expanded, repl...)
				expanded = append(expanded, s.IterVars[i+1:]...)
				s.IterVars = expanded
				return
			}
		}
	case *For:
		for _, c := range s.Body {
			expandIterVar(c, old, repl)
		}
	}
}

// collapseIterVars replaces two index variables with one in every leaf.
func collapseIterVars(s Stmt, a, b, fused string) {
	switch s := s.(type) {
	case *BlockRealize:
		out := s.IterVars[:0]
		for _, v := range s.IterVars {
			if v == a || v == b {
				v = fused
			}
			if len(out) > 0 && out[len(out)-1] == fused && v == fused {
				continue
			}
			out = append(out, v)
		}
		s.IterVars = out
	case *For:
		for _, c := range s.Body {
			collapseIterVars(c, a, b, fused)
		}
	}
}

// Split replaces the block's loop at axis with nested loops over factors.
// One factor may be -1 (inferred); a factor prefix that properly divides the
// extent gains an inferred trailing factor. Returns the block's new loops.
func (m *Module) Split(name string, axis int, factors []int) ([]*For, error) {
	loops, _, ok := m.findBlock(name)
	if !ok {
		return nil, errors.Errorf("ir: no block %q", name)
	}
	if axis < 0 || axis >= len(loops) {
		return nil, errors.Errorf("ir: split axis %d out of range for %q (rank %d)", axis, name, len(loops))
	}
	l := loops[axis]
	exts, err := resolveFactors(l.Extent, factors)
	if err != nil {
		return nil, errors.Wrapf(err, "split %q axis %d", name, axis)
	}

	vars := make([]string, len(exts))
	for i := range exts {
		vars[i] = m.FreshVar()
	}
	inner := l.Body
	var repl Stmt
	for i := len(exts) - 1; i >= 0; i-- {
		repl = &For{Var: vars[i], Extent: exts[i], Body: inner}
		inner = []Stmt{repl}
	}
	for _, c := range l.Body {
		expandIterVar(c, l.Var, vars)
	}
	if !replaceInBody(m.parentBodyOf(loops, axis), l, repl) {
		return nil, errors.Errorf("ir: split %q: loop detached from tree", name)
	}
	return m.GetLoops(name)
}

// Fuse merges the block's loops at axis and axis+1 into a single loop whose
// extent is their product. The two loops must form a perfect nest.
func (m *Module) Fuse(name string, axis int) ([]*For, error) {
	loops, _, ok := m.findBlock(name)
	if !ok {
		return nil, errors.Errorf("ir: no block %q", name)
	}
	if axis < 0 || axis+1 >= len(loops) {
		return nil, errors.Errorf("ir: fuse axis %d out of range for %q (rank %d)", axis, name, len(loops))
	}
	a, b := loops[axis], loops[axis+1]
	if len(a.Body) != 1 {
		return nil, errors.Errorf("ir: fuse %q: loops %d and %d are not perfectly nested", name, axis, axis+1)
	}
	bind := a.Bind
	if bind == BindNone {
		bind = b.Bind
	}
	fused := &For{Var: m.FreshVar(), Extent: a.Extent * b.Extent, Bind: bind, Body: b.Body}
	for _, c := range fused.Body {
		collapseIterVars(c, a.Var, b.Var, fused.Var)
	}
	if !replaceInBody(m.parentBodyOf(loops, axis), a, fused) {
		return nil, errors.Errorf("ir: fuse %q: loop detached from tree", name)
	}
	return m.GetLoops(name)
}

// Reorder permutes the block's loop axes: after the call, axis k carries what
// axis perm[k] carried before. The nest must be a simple chain.
func (m *Module) Reorder(name string, perm []int) error {
	loops, _, ok := m.findBlock(name)
	if !ok {
		return errors.Errorf("ir: no block %q", name)
	}
	if len(perm) != len(loops) {
		return errors.Errorf("ir: reorder %q: permutation rank %d != loop rank %d", name, len(perm), len(loops))
	}
	seen := make([]bool, len(perm))
	for _, p := range perm {
		if p < 0 || p >= len(perm) || seen[p] {
			return errors.Errorf("ir: reorder %q: invalid permutation %v", name, perm)
		}
		seen[p] = true
	}
	for i := 0; i+1 < len(loops); i++ {
		if len(loops[i].Body) != 1 {
			return errors.Errorf("ir: reorder %q: nest is not a simple chain at depth %d", name, i)
		}
	}
	type attrs struct {
		v    string
		ext  int
		bind BindKind
	}
	old := make([]attrs, len(loops))
	for i, l := range loops {
		old[i] = attrs{l.Var, l.Extent, l.Bind}
	}
	for k, p := range perm {
		loops[k].Var, loops[k].Extent, loops[k].Bind = old[p].v, old[p].ext, old[p].bind
	}
	return nil
}

// FlattenLoops collapses the block's nest into a single loop over the product
// of the extents. The flatTensor flag mirrors the underlying primitive's
// full-vs-partial flatten; buffer layout is not modeled here, so both modes
// produce the same loop structure.
func (m *Module) FlattenLoops(name string, flatTensor bool) error {
	_ = flatTensor
	loops, leaf, ok := m.findBlock(name)
	if !ok {
		return errors.Errorf("ir: no block %q", name)
	}
	if len(loops) <= 1 {
		return nil
	}
	for i := 0; i+1 < len(loops); i++ {
		if len(loops[i].Body) != 1 {
			return errors.Errorf("ir: flatten %q: nest is not a simple chain at depth %d", name, i)
		}
	}
	extent := 1
	for _, l := range loops {
		extent *= l.Extent
	}
	flat := &For{Var: m.FreshVar(), Extent: extent, Body: loops[len(loops)-1].Body}
	leaf.IterVars = []string{flat.Var}
	if !replaceInBody(m.parentBodyOf(loops, 0), loops[0], flat) {
		return errors.Errorf("ir: flatten %q: loop detached from tree", name)
	}
	return nil
}

// SimpleComputeAt splices the named block under the destination loop: the
// block's outer index variables are rewritten to the destination chain's and
// the block's remaining inner nest is placed ahead of the destination loop's
// existing statements, so a spliced accumulator initialization runs before
// anything that reads it. A no-op when the block already sits directly in the
// destination.
func (m *Module) SimpleComputeAt(name string, dest *For) error {
	srcLoops, leaf, ok := m.findBlock(name)
	if !ok {
		return errors.Errorf("ir: no block %q", name)
	}
	destPath, ok := m.PathToLoop(dest)
	if !ok {
		return errors.Errorf("ir: compute-at %q: destination loop detached from tree", name)
	}
	n := len(destPath)

	var moved Stmt
	var parent *[]Stmt
	if len(srcLoops) > n {
		moved = srcLoops[n]
		parent = &srcLoops[n-1].Body
	} else {
		moved = leaf
		if len(srcLoops) > 0 {
			parent = &srcLoops[len(srcLoops)-1].Body
		} else {
			parent = &m.Stmts
		}
	}
	for _, anc := range destPath {
		if anc == moved {
			return errors.Errorf("ir: compute-at %q: destination nested inside source", name)
		}
	}
	for _, s := range dest.Body {
		if s == moved {
			return nil
		}
	}

	repl := make(map[string]string)
	for i := 0; i < n && i < len(srcLoops); i++ {
		if srcLoops[i] != destPath[i] && srcLoops[i].Var != destPath[i].Var {
			repl[srcLoops[i].Var] = destPath[i].Var
		}
	}
	RenameIterVars(moved, repl)
	if !removeFromBody(parent, moved) {
		return errors.Errorf("ir: compute-at %q: statement detached from parent", name)
	}
	dest.Body = append([]Stmt{moved}, dest.Body...)
	m.PruneEmptyLoops()
	return nil
}

// ComputeInline removes the named block's materialized nest from the program;
// its computation is substituted into its consumers' bodies instead.
func (m *Module) ComputeInline(name string) error {
	_, leaf, ok := m.findBlock(name)
	if !ok {
		return errors.Errorf("ir: no block %q", name)
	}
	m.Remove(leaf)
	m.PruneEmptyLoops()
	delete(m.buffers, name)
	return nil
}

// SetBuffer marks the named block's buffer memory scope (e.g. "local",
// "shared").
func (m *Module) SetBuffer(name, scope string) error {
	if !m.HasBlock(name) {
		return errors.Errorf("ir: no block %q", name)
	}
	m.buffers[name] = scope
	return nil
}

// BufferScope returns the block's buffer scope, or "" for the default
// (global) scope.
func (m *Module) BufferScope(name string) string {
	return m.buffers[name]
}

// SyncThreads inserts a cross-thread barrier adjacent to the innermost loop
// of the named block: after it when after is true, before it otherwise.
func (m *Module) SyncThreads(name string, after bool) error {
	loops, leaf, ok := m.findBlock(name)
	if !ok {
		return errors.Errorf("ir: no block %q", name)
	}
	var target Stmt
	var parent *[]Stmt
	if len(loops) == 0 {
		target = leaf
		parent = &m.Stmts
	} else {
		target = loops[len(loops)-1]
		parent = m.parentBodyOf(loops, len(loops)-1)
	}
	if !insertIntoBody(parent, target, &Barrier{}, after) {
		return errors.Errorf("ir: sync %q: loop detached from parent", name)
	}
	return nil
}

// Insert places ins adjacent to target in whichever child list holds it:
// after target when after is true, before it otherwise. Returns false if
// target is not in the module.
func (m *Module) Insert(target, ins Stmt, after bool) bool {
	var walk func(stmts *[]Stmt) bool
	walk = func(stmts *[]Stmt) bool {
		if insertIntoBody(stmts, target, ins, after) {
			return true
		}
		for _, s := range *stmts {
			if l, ok := s.(*For); ok {
				if walk(&l.Body) {
					return true
				}
			}
		}
		return false
	}
	return walk(&m.Stmts)
}

// Barriers returns the number of barriers in the program.
func (m *Module) Barriers() int {
	count := 0
	var walk func(stmts []Stmt)
	walk = func(stmts []Stmt) {
		for _, s := range stmts {
			switch s := s.(type) {
			case *Barrier:
				count++
			case *For:
				walk(s.Body)
			}
		}
	}
	walk(m.Stmts)
	return count
}
