// Package flamegraph folds call data into a flat list of weighted frames
// that any renderer can draw as a stacked bar visualization without
// re-deriving hierarchy.
package flamegraph

import (
	"sort"
	"time"

	"github.com/perftrace/perftrace/internal/callgraph"
)

type (
	// Frame is one rectangle of the flamegraph. Start is the offset from
	// the left edge of the graph, Width the aggregate time of this stack
	// position and SelfWidth the part of it not covered by children.
	Frame struct {
		Key       callgraph.FunctionKey `json:"key"`
		Depth     int                   `json:"depth"`
		Start     time.Duration         `json:"start"`
		Width     time.Duration         `json:"width"`
		SelfWidth time.Duration         `json:"self_width"`
	}

	Options struct {
		// MinFraction prunes frames whose width falls below this
		// fraction of the total. Pruned time folds into the parent's
		// self width.
		MinFraction float64
	}

	node struct {
		key      callgraph.FunctionKey
		width    time.Duration
		self     time.Duration
		children []*node
		index    map[callgraph.FunctionKey]*node
	}
)

// Build assembles a path preserving flamegraph from raw stack samples.
// Every distinct root-to-leaf path becomes its own branch, so two call
// paths reaching the same function stay separate.
func Build(samples []callgraph.StackSample, opts Options) []Frame {
	root := newNode(callgraph.FunctionKey{})
	for _, s := range samples {
		if len(s.Stack) == 0 || s.SelfTime < 0 {
			continue
		}
		n := root
		for _, key := range s.Stack {
			n.width += s.SelfTime
			n = n.child(key)
		}
		n.width += s.SelfTime
		n.self += s.SelfTime
	}
	return flatten(root, opts)
}

// BuildFromGraph assembles a flamegraph from an aggregated graph alone.
// The graph has lost call path distinction, so a function's time is
// distributed along its outgoing edges proportionally to the width
// allocated to each occurrence, and a key already present on the current
// path is emitted as a leaf to cut recursion cycles. Prefer Build with
// recorded samples when path fidelity matters.
func BuildFromGraph(g *callgraph.Graph, opts Options) []Frame {
	root := newNode(callgraph.FunctionKey{})
	onPath := make(map[callgraph.FunctionKey]struct{})
	for _, key := range g.Roots() {
		n := g.Node(key)
		if n == nil {
			continue
		}
		width := n.TotalTime - g.IncomingTime(key)
		if width <= 0 {
			continue
		}
		child := root.child(key)
		root.width += width
		expand(g, child, key, width, onPath)
	}
	return flatten(root, opts)
}

func expand(g *callgraph.Graph, n *node, key callgraph.FunctionKey, width time.Duration, onPath map[callgraph.FunctionKey]struct{}) {
	n.width += width
	cn := g.Node(key)
	if cn == nil || cn.TotalTime <= 0 {
		n.self += width
		return
	}
	onPath[key] = struct{}{}
	defer delete(onPath, key)

	fraction := float64(width) / float64(cn.TotalTime)
	var childWidth time.Duration
	for _, e := range g.OutgoingEdges(key) {
		share := time.Duration(float64(e.TotalTime) * fraction)
		// A clamped caller can carry more outgoing edge time than its
		// own total, children never exceed the parent's width.
		if remaining := width - childWidth; share > remaining {
			share = remaining
		}
		if share <= 0 {
			continue
		}
		child := n.child(e.Callee)
		if _, cycle := onPath[e.Callee]; cycle {
			// Recursion, emit the callee once without expanding.
			child.width += share
			child.self += share
		} else {
			expand(g, child, e.Callee, share, onPath)
		}
		childWidth += share
	}
	if width > childWidth {
		n.self += width - childWidth
	}
}

// flatten orders siblings deterministically, prunes narrow frames and lays
// the tree out as a flat frame list with running offsets.
func flatten(root *node, opts Options) []Frame {
	total := root.width
	var minWidth time.Duration
	if opts.MinFraction > 0 {
		minWidth = time.Duration(opts.MinFraction * float64(total))
	}
	frames := make([]Frame, 0)
	walk(root, -1, 0, minWidth, &frames)
	return frames
}

func walk(n *node, depth int, start time.Duration, minWidth time.Duration, frames *[]Frame) {
	self := n.self
	ordered := make([]*node, len(n.children))
	copy(ordered, n.children)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].width != ordered[j].width {
			return ordered[i].width > ordered[j].width
		}
		return ordered[i].key.String() < ordered[j].key.String()
	})

	// Children lay out left to right from the parent's start, the self
	// bucket occupies the remainder.
	childStart := start
	var kept []*node
	for _, child := range ordered {
		if child.width < minWidth {
			// Pruned, its time folds into the parent's self bucket.
			self += child.width
			continue
		}
		kept = append(kept, child)
	}

	if depth >= 0 {
		*frames = append(*frames, Frame{
			Key:       n.key,
			Depth:     depth,
			Start:     start,
			Width:     n.width,
			SelfWidth: self,
		})
	}

	for _, child := range kept {
		walk(child, depth+1, childStart, minWidth, frames)
		childStart += child.width
	}
}

// TotalWidth returns the summed width of the depth zero frames, which
// equals the total capture time represented by the flamegraph.
func TotalWidth(frames []Frame) time.Duration {
	var total time.Duration
	for _, f := range frames {
		if f.Depth == 0 {
			total += f.Width
		}
	}
	return total
}

func newNode(key callgraph.FunctionKey) *node {
	return &node{
		key:   key,
		index: make(map[callgraph.FunctionKey]*node),
	}
}

func (n *node) child(key callgraph.FunctionKey) *node {
	if c, exists := n.index[key]; exists {
		return c
	}
	c := newNode(key)
	n.index[key] = c
	n.children = append(n.children, c)
	return c
}
