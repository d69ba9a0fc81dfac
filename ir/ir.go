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

// Package ir provides the loop-nest program tree the scheduler transforms and
// the scheduling primitives it orchestrates: loop enumeration, split, fuse,
// reorder, flatten, compute-at splicing, buffer-scope marking, and barrier
// insertion. The tree is an arena of statements; splicing and removal are
// direct child-list edits, never structural search-and-replace of whole
// subtrees.
package ir

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// BindKind annotates a loop axis with the hardware parallel dimension it is
// mapped to.
type BindKind int

const (
	// BindNone marks a serial loop.
	BindNone BindKind = iota

	// BindThreadX maps the axis to the thread dimension of a block.
	BindThreadX

	// BindBlockX maps the axis to the block dimension of the grid.
	BindBlockX
)

// String returns the conventional binding name.
func (b BindKind) String() string {
	switch b {
	case BindNone:
		return "serial"
	case BindThreadX:
		return "threadIdx.x"
	case BindBlockX:
		return "blockIdx.x"
	default:
		return fmt.Sprintf("BindKind(%d)", int(b))
	}
}

// Stmt is a node of the program tree: a loop, a compute block, or a barrier.
type Stmt interface {
	isStmt()
}

// For is a loop axis with a positive extent and an optional parallel binding.
// Body holds the statements executed per iteration, in program order.
type For struct {
	Var    string
	Extent int
	Bind   BindKind
	Body   []Stmt
}

func (*For) isStmt() {}

// BlockRealize is the leaf computation of a named block. IterVars names the
// loop variables the block's buffer is indexed by, outermost first; merging
// rewrites them to the destination nest's variables.
type BlockRealize struct {
	Name     string
	IterVars []string
}

func (*BlockRealize) isStmt() {}

// Barrier is a cross-thread synchronization point within a block.
type Barrier struct{}

func (*Barrier) isStmt() {}

// GetLoopExtent returns the loop's extent.
func GetLoopExtent(l *For) int {
	return l.Extent
}

// Module is the mutable loop-nest program for one fusion group. Top-level
// statements are the per-node nests in emission order; the scheduler splices
// them together in place.
type Module struct {
	Stmts []Stmt

	buffers map[string]string
	nextVar int
}

// NewModule creates an empty program.
func NewModule() *Module {
	return &Module{buffers: make(map[string]string)}
}

// FreshVar allocates a loop-variable name unique within the module.
func (m *Module) FreshVar() string {
	v := fmt.Sprintf("i%d", m.nextVar)
	m.nextVar++
	return v
}

// AddNest appends a loop nest over shape with the named block as its leaf and
// returns the leaf. A scalar (empty) shape yields a bare leaf.
func (m *Module) AddNest(name string, shape []int) (*BlockRealize, error) {
	return m.addNest(name, shape, -1)
}

// AddReduceNest appends a loop nest for a reduction block: alongside the main
// leaf it places a zero-initialization leaf named name+"__reduce_init" at
// initDepth (the number of enclosing loops the accumulator is indexed by),
// preceding the reduction loops.
func (m *Module) AddReduceNest(name string, shape []int, initDepth int) (*BlockRealize, error) {
	if initDepth < 0 || initDepth > len(shape) {
		return nil, errors.Errorf("ir: reduce init depth %d out of range for rank %d", initDepth, len(shape))
	}
	return m.addNest(name, shape, initDepth)
}

// ReduceInitSuffix is appended to a reduction block's name to form the name
// of its accumulator-initialization block.
const ReduceInitSuffix = "__reduce_init"

func (m *Module) addNest(name string, shape []int, initDepth int) (*BlockRealize, error) {
	if m.HasBlock(name) {
		return nil, errors.Errorf("ir: duplicate block %q", name)
	}
	for _, e := range shape {
		if e <= 0 {
			return nil, errors.Errorf("ir: block %q has non-positive extent %d", name, e)
		}
	}
	vars := make([]string, len(shape))
	for i := range shape {
		vars[i] = m.FreshVar()
	}
	leaf := &BlockRealize{Name: name, IterVars: append([]string(nil), vars...)}
	inner := []Stmt{leaf}
	if initDepth == len(shape) {
		init := &BlockRealize{Name: name + ReduceInitSuffix, IterVars: append([]string(nil), vars...)}
		inner = []Stmt{init, leaf}
	}
	for i := len(shape) - 1; i >= 0; i-- {
		l := &For{Var: vars[i], Extent: shape[i], Body: inner}
		inner = []Stmt{l}
		if initDepth == i {
			// The init leaf is indexed by the outer i vars only: it sits as a
			// sibling before loop i, not inside it.
			init := &BlockRealize{Name: name + ReduceInitSuffix, IterVars: append([]string(nil), vars[:i]...)}
			inner = []Stmt{init, l}
		}
	}
	m.Stmts = append(m.Stmts, inner...)
	return leaf, nil
}

// findBlock returns the chain of loops enclosing the named block, outermost
// first, and the leaf itself.
func (m *Module) findBlock(name string) ([]*For, *BlockRealize, bool) {
	var path []*For
	var leaf *BlockRealize
	var walk func(stmts []Stmt, chain []*For) bool
	walk = func(stmts []Stmt, chain []*For) bool {
		for _, s := range stmts {
			switch s := s.(type) {
			case *BlockRealize:
				if s.Name == name {
					path = append([]*For(nil), chain...)
					leaf = s
					return true
				}
			case *For:
				if walk(s.Body, append(chain, s)) {
					return true
				}
			}
		}
		return false
	}
	if !walk(m.Stmts, nil) {
		return nil, nil, false
	}
	return path, leaf, true
}

// HasBlock reports whether a block with the given name exists.
func (m *Module) HasBlock(name string) bool {
	_, _, ok := m.findBlock(name)
	return ok
}

// GetBlock returns the named block's leaf.
func (m *Module) GetBlock(name string) (*BlockRealize, error) {
	_, leaf, ok := m.findBlock(name)
	if !ok {
		return nil, errors.Errorf("ir: no block %q", name)
	}
	return leaf, nil
}

// GetLoops returns the loops enclosing the named block, outermost first.
func (m *Module) GetLoops(name string) ([]*For, error) {
	path, _, ok := m.findBlock(name)
	if !ok {
		return nil, errors.Errorf("ir: no block %q", name)
	}
	return path, nil
}

// GetAllBlocks returns every block leaf in program order.
func (m *Module) GetAllBlocks() []*BlockRealize {
	var out []*BlockRealize
	var walk func(stmts []Stmt)
	walk = func(stmts []Stmt) {
		for _, s := range stmts {
			switch s := s.(type) {
			case *BlockRealize:
				out = append(out, s)
			case *For:
				walk(s.Body)
			}
		}
	}
	walk(m.Stmts)
	return out
}

// PathToLoop returns the loop chain from a root statement down to target,
// inclusive. ok is false if target is not in the module.
func (m *Module) PathToLoop(target *For) ([]*For, bool) {
	var path []*For
	var walk func(stmts []Stmt, chain []*For) bool
	walk = func(stmts []Stmt, chain []*For) bool {
		for _, s := range stmts {
			l, ok := s.(*For)
			if !ok {
				continue
			}
			next := append(chain, l)
			if l == target {
				path = append([]*For(nil), next...)
				return true
			}
			if walk(l.Body, next) {
				return true
			}
		}
		return false
	}
	if !walk(m.Stmts, nil) {
		return nil, false
	}
	return path, true
}

// Remove deletes the statement from whichever child list holds it. Returns
// false if the statement is not in the module.
func (m *Module) Remove(target Stmt) bool {
	var walk func(stmts *[]Stmt) bool
	walk = func(stmts *[]Stmt) bool {
		for i, s := range *stmts {
			if s == target {
				*stmts = append((*stmts)[:i], (*stmts)[i+1:]...)
				return true
			}
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

// PruneEmptyLoops removes loops that no longer enclose any block leaf, as
// happens after a subtree is spliced elsewhere.
func (m *Module) PruneEmptyLoops() {
	m.Stmts = pruneEmpty(m.Stmts)
}

func pruneEmpty(stmts []Stmt) []Stmt {
	out := stmts[:0]
	for _, s := range stmts {
		if l, ok := s.(*For); ok {
			l.Body = pruneEmpty(l.Body)
			if !containsBlock(l) {
				continue
			}
		}
		out = append(out, s)
	}
	return out
}

func containsBlock(s Stmt) bool {
	switch s := s.(type) {
	case *BlockRealize:
		return true
	case *For:
		for _, c := range s.Body {
			if containsBlock(c) {
				return true
			}
		}
	}
	return false
}

// RenameIterVars rewrites block index variables throughout the subtree.
func RenameIterVars(s Stmt, repl map[string]string) {
	switch s := s.(type) {
	case *BlockRealize:
		for i, v := range s.IterVars {
			if nv, ok := repl[v]; ok {
				s.IterVars[i] = nv
			}
		}
	case *For:
		for _, c := range s.Body {
			RenameIterVars(c, repl)
		}
	}
}

// String renders the program as indented pseudo-loops, for debugging and
// test failure messages.
func (m *Module) String() string {
	var sb strings.Builder
	var walk func(stmts []Stmt, depth int)
	walk = func(stmts []Stmt, depth int) {
		indent := strings.Repeat("  ", depth)
		for _, s := range stmts {
			switch s := s.(type) {
			case *For:
				fmt.Fprintf(&sb, "%sfor %s in %d", indent, s.Var, s.Extent)
				if s.Bind != BindNone {
					fmt.Fprintf(&sb, " bind[%s]", s.Bind)
				}
				sb.WriteString(":\n")
				walk(s.Body, depth+1)
			case *BlockRealize:
				fmt.Fprintf(&sb, "%sblock %s[%s]", indent, s.Name, strings.Join(s.IterVars, ","))
				if scope := m.buffers[s.Name]; scope != "" {
					fmt.Fprintf(&sb, " buffer=%s", scope)
				}
				sb.WriteString("\n")
			case *Barrier:
				fmt.Fprintf(&sb, "%ssync_threads\n", indent)
			}
		}
	}
	walk(m.Stmts, 0)
	return sb.String()
}
