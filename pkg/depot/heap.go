package depot

import "github.com/buildbarn/bb-storage/pkg/depot/slab"

// loadItem pairs a slab record with its freshly constructed Slab, so
// the load-time ordering heap can carry both without a second lookup.
type loadItem struct {
	record SlabRecord
	slab   *slab.Slab
}

// loadHeap orders slabs for depot load per spec.md §4.7's comparator:
// (is_clean desc, fullness_hint desc, slab_number desc). It is a
// container/heap min-heap whose Less is inverted so that Pop always
// yields the highest-priority slab first, giving deterministic
// recovery order across runs via the slab_number tie-break.
type loadHeap []*loadItem

func (h loadHeap) Len() int { return len(h) }

func (h loadHeap) Less(i, j int) bool {
	a, b := h[i].record, h[j].record
	if a.IsClean != b.IsClean {
		return a.IsClean
	}
	if a.FullnessHint != b.FullnessHint {
		return a.FullnessHint > b.FullnessHint
	}
	return a.Number > b.Number
}

func (h loadHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *loadHeap) Push(x any) {
	*h = append(*h, x.(*loadItem))
}

func (h *loadHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
