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

	"github.com/pkg/errors"

	"github.com/ajroetker/go-loopsched/graph"
)

// InsertSyncThread places a barrier ahead of a staged reduction's final loop
// when the reduction keeps its innermost axis parallel and has at least two
// stages: the final stage reads partials the earlier stage's threads wrote,
// so it must not start before every thread has finished writing them.
func (s *Scheduler) InsertSyncThread(node *graph.Node) error {
	shape, err := s.inputShape(node)
	if err != nil {
		return err
	}
	axes := s.reduceAxes(node, shape)
	if !WithoutLastDimInReduce(shape, axes) {
		return nil
	}
	nData := s.g.NodeData(node)
	if nData == nil {
		return errors.Errorf("schedule: node %q has no output value", node.ID)
	}
	post := ""
	for idx := 0; ; idx++ {
		if !s.stages.Has(nData.ID, post) || !s.m.HasBlock(s.stages.Name(nData.ID, post)) {
			break
		}
		post = fmt.Sprintf("_%d", idx)
		if idx > 0 {
			debugPrint("sync before %s", nData.ID)
			return s.m.SyncThreads(s.stages.Name(nData.ID, ""), false)
		}
	}
	return nil
}

// SyncThreadWithShared walks the scheduled blocks in program order; a block
// whose element count differs from its master's domain is staged in shared
// memory, and a barrier is placed before the master's final loop unless a
// block between the two already synchronized against that master.
func (s *Scheduler) SyncThreadWithShared(inlined, set graph.NodeSet) error {
	blocks := s.m.GetAllBlocks()
	dataByBlock := make(map[string]*graph.NodeData)
	for _, n := range set {
		if d := s.g.NodeData(n); d != nil {
			dataByBlock[d.ID] = d
		}
	}
	synced := make(map[string]bool)
	// True when the master's block follows within the scan window and no
	// already-synchronized block sits in between.
	masterInWindow := func(start int, masterID string) bool {
		for idx := start + 1; idx < len(blocks); idx++ {
			if synced[blocks[idx].Name] {
				return false
			}
			if blocks[idx].Name == masterID {
				return true
			}
		}
		return false
	}
	for idx := 0; idx+1 < len(blocks); idx++ {
		d, ok := dataByBlock[blocks[idx].Name]
		if !ok {
			continue
		}
		node := s.g.Node(d.SourceID)
		if node == nil {
			continue
		}
		nodeShape, ok := s.shapes[d.ID]
		if !ok {
			return errors.Errorf("schedule: no shape for value %q", d.ID)
		}
		master := s.GetMaster(node, inlined, set)
		if master == nil {
			continue
		}
		mData := s.g.NodeData(master)
		if mData == nil {
			continue
		}
		var masterShape graph.Shape
		if master.IsReduction() {
			shape, err := s.inputShape(master)
			if err != nil {
				return err
			}
			masterShape = shape
		} else {
			shape, ok := s.shapes[mData.ID]
			if !ok {
				return errors.Errorf("schedule: no shape for value %q", mData.ID)
			}
			masterShape = shape
		}
		if nodeShape.Numel() == masterShape.Numel() {
			continue
		}
		if err := s.m.SetBuffer(d.ID, "shared"); err != nil {
			return errors.Wrapf(err, "schedule: staging %q", d.ID)
		}
		debugPrint("shared staging %s (master %s)", d.ID, mData.ID)
		if masterInWindow(idx, mData.ID) {
			if err := s.m.SyncThreads(mData.ID, false); err != nil {
				return err
			}
			synced[mData.ID] = true
		}
	}
	return nil
}
