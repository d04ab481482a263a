package targets

// slotKey identifies one assignment slot within an image. Two ground truth boxes
// may never write to the same slot.
type slotKey struct {
	anchor int
	sj, si int
	gj, gi int
}

// coords returns the tensor coordinates of the slot in image b. The sub-cell
// axes are only present in sub-grid mode.
func (k slotKey) coords(b int, subGrid bool) []int {
	if subGrid {
		return []int{b, k.anchor, k.sj, k.si, k.gj, k.gi}
	}
	return []int{b, k.anchor, k.gj, k.gi}
}

// withAnchor returns the same cell and sub-cell for another anchor.
func (k slotKey) withAnchor(a int) slotKey {
	k.anchor = a
	return k
}
