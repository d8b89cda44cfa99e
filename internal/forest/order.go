package forest

import "github.com/mesh-intelligence/canopy/pkg/types"

// positionStep is the gap between appended siblings.
const positionStep = 1.0

// PositionsAt returns k increasing positions that place a run of nodes at
// index among siblings (which must not contain the nodes being placed). An
// index past the end appends. ok is false when the neighbours leave no room,
// in which case the caller renumbers the siblings and asks again.
func PositionsAt(siblings []*types.TreeNode, index, k int) ([]float64, bool) {
	n := len(siblings)
	if index < 0 || index > n {
		index = n
	}
	out := make([]float64, k)
	switch {
	case n == 0:
		for i := range out {
			out[i] = float64(i+1) * positionStep
		}
		return out, true
	case index == 0:
		first := siblings[0].Position
		for i := range out {
			out[i] = first - float64(k-i)*positionStep
		}
		return out, true
	case index == n:
		last := siblings[n-1].Position
		for i := range out {
			out[i] = last + float64(i+1)*positionStep
		}
		return out, true
	}
	lo, hi := siblings[index-1].Position, siblings[index].Position
	prev := lo
	for i := range out {
		p := lo + (hi-lo)*float64(i+1)/float64(k+1)
		if !(p > prev && p < hi) {
			return nil, false
		}
		out[i] = p
		prev = p
	}
	return out, true
}

// Renumber reassigns evenly spaced positions to siblings in their current
// order and returns the nodes whose position changed.
func Renumber(siblings []*types.TreeNode) []*types.TreeNode {
	var changed []*types.TreeNode
	for i, s := range siblings {
		want := float64(i+1) * positionStep
		if s.Position != want {
			s.Position = want
			changed = append(changed, s)
		}
	}
	return changed
}
