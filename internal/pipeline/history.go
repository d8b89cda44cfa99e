package pipeline

import (
	"errors"
	"sync"

	"github.com/mesh-intelligence/canopy/internal/forest"
	"github.com/mesh-intelligence/canopy/pkg/types"
)

type nodeImage struct {
	ID     types.NodeID
	Before *types.TreeNode
	After  *types.TreeNode
}

type trashImage struct {
	ID     types.NodeID
	Before *types.TrashRecord
	After  *types.TrashRecord
}

// entry is one undo step: the pre- and post-images of every node and trash
// record a command group touched. A nil image means the record did not
// exist.
type entry struct {
	groupID string
	nodes   []nodeImage
	trash   []trashImage
}

func (e *entry) empty() bool {
	return len(e.nodes) == 0 && len(e.trash) == 0
}

// merge folds next into e: the earliest pre-image and the latest
// post-image of each record win.
func (e *entry) merge(next *entry) {
	nodeAt := make(map[types.NodeID]int, len(e.nodes))
	for i, img := range e.nodes {
		nodeAt[img.ID] = i
	}
	for _, img := range next.nodes {
		if i, ok := nodeAt[img.ID]; ok {
			e.nodes[i].After = img.After
			continue
		}
		nodeAt[img.ID] = len(e.nodes)
		e.nodes = append(e.nodes, img)
	}

	trashAt := make(map[types.NodeID]int, len(e.trash))
	for i, img := range e.trash {
		trashAt[img.ID] = i
	}
	for _, img := range next.trash {
		if i, ok := trashAt[img.ID]; ok {
			e.trash[i].After = img.After
			continue
		}
		trashAt[img.ID] = len(e.trash)
		e.trash = append(e.trash, img)
	}
}

// history holds the bounded undo and redo stacks. Only the executor
// mutates it; the mutex serves the depth queries.
type history struct {
	mu    sync.Mutex
	limit int
	undo  []*entry
	redo  []*entry
}

func newHistory(limit int) *history {
	return &history{limit: limit}
}

// record pushes a forward entry and clears the redo stack. An entry that
// shares a non-empty group id with the top of the stack is merged into it.
func (h *history) record(e *entry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.redo = nil
	if n := len(h.undo); n > 0 && e.groupID != "" && h.undo[n-1].groupID == e.groupID {
		h.undo[n-1].merge(e)
		return
	}
	h.undo = append(h.undo, e)
	if h.limit > 0 && len(h.undo) > h.limit {
		h.undo = h.undo[len(h.undo)-h.limit:]
	}
}

func (h *history) peekUndo() *entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.undo) == 0 {
		return nil
	}
	return h.undo[len(h.undo)-1]
}

func (h *history) peekRedo() *entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.redo) == 0 {
		return nil
	}
	return h.redo[len(h.redo)-1]
}

// undone moves the top undo entry onto the redo stack.
func (h *history) undone() {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.undo)
	h.redo = append(h.redo, h.undo[n-1])
	h.undo = h.undo[:n-1]
}

// redone moves the top redo entry back onto the undo stack.
func (h *history) redone() {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.redo)
	h.undo = append(h.undo, h.redo[n-1])
	h.redo = h.redo[:n-1]
}

func (h *history) clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.undo = nil
	h.redo = nil
}

func (h *history) depths() (undo, redo int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.undo), len(h.redo)
}

// restore writes one side of e back into the store. Restored nodes get a
// version above both the image and the current node so that versions never
// go backwards. Working copies that target a node removed by the restore
// are deleted and returned.
func restore(tx *recordingTx, e *entry, useBefore bool) ([]types.WorkingCopyID, error) {
	var dropped []types.WorkingCopyID
	for _, img := range e.nodes {
		want := img.After
		if useBefore {
			want = img.Before
		}
		current, err := forest.Lookup(tx, img.ID)
		if err != nil {
			return nil, err
		}
		if want == nil {
			if current == nil {
				continue
			}
			if err := tx.DeleteNode(img.ID); err != nil {
				return nil, err
			}
			wc, err := tx.WorkingCopyFor(img.ID)
			if errors.Is(err, types.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if err := tx.DeleteWorkingCopy(wc.WorkingCopyID); err != nil {
				return nil, err
			}
			dropped = append(dropped, wc.WorkingCopyID)
			continue
		}
		n := want.Clone()
		version := want.Version
		if current != nil && current.Version > version {
			version = current.Version
		}
		n.Version = version + 1
		if err := tx.PutNode(n); err != nil {
			return nil, err
		}
	}
	for _, img := range e.trash {
		want := img.After
		if useBefore {
			want = img.Before
		}
		if want == nil {
			if err := tx.DeleteTrashRecord(img.ID); err != nil {
				return nil, err
			}
			continue
		}
		if err := tx.PutTrashRecord(want.Clone()); err != nil {
			return nil, err
		}
	}
	return dropped, nil
}
