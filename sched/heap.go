package sched

import "pmerge/graph"

// readyItem scores one ready package. Jobs are compared by
// (-len(tprovides), binary, idx): packages unblocking the most work run
// first, prebuilt binaries win the tie (they are cheap), and the
// resolver's intended order settles the rest.
type readyItem struct {
	tprovides int
	binary    bool
	idx       int
	target    string
}

func scoreNode(target string, node *graph.Node) readyItem {
	return readyItem{
		tprovides: len(node.TProvides),
		binary:    node.Binary,
		idx:       node.Idx,
		target:    target,
	}
}

// readyHeap is a min-heap ordered by score; implements container/heap.
type readyHeap []readyItem

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.tprovides != b.tprovides {
		return a.tprovides > b.tprovides
	}
	if a.binary != b.binary {
		return a.binary
	}
	if a.idx != b.idx {
		return a.idx < b.idx
	}
	return a.target < b.target
}

func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *readyHeap) Push(x any) {
	*h = append(*h, x.(readyItem))
}

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
