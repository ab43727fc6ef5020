package callgraph

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type (
	// FunctionKey identifies a traced function by its qualified name and
	// defining module.
	FunctionKey struct {
		Name   string `json:"name"`
		Module string `json:"module"`
	}

	// Node aggregates every invocation of one traced function.
	Node struct {
		Key       FunctionKey
		CallCount uint64
		TotalTime time.Duration
		SelfTime  time.Duration
		AvgTime   time.Duration
		// LastArgs holds a truncated rendering of the arguments of the
		// most recent call, for diagnostics only.
		LastArgs string
		// Errored is set when a call of this function did not unwind
		// normally and the frame had to be closed at capture end.
		Errored bool
		// Clamped is set when a measured elapsed time was negative and
		// had to be clamped to zero.
		Clamped bool

		mu sync.Mutex
	}

	// Edge aggregates every call from one specific caller to one specific
	// callee. Recursive self-calls aggregate onto a single edge keyed by
	// (key, key).
	Edge struct {
		Caller    FunctionKey
		Callee    FunctionKey
		CallCount uint64
		TotalTime time.Duration

		mu sync.Mutex
	}

	edgeKey struct {
		caller FunctionKey
		callee FunctionKey
	}

	// StackSample is one (stack path, self time) observation. A graph
	// built with path recording enabled carries these so a flamegraph can
	// distinguish different call paths to the same function.
	StackSample struct {
		Stack    []FunctionKey `json:"stack"`
		SelfTime time.Duration `json:"self_time"`
	}

	// Graph is the shared call graph model. It is mutated by the tracer
	// for the duration of a capture and becomes immutable once finalized.
	Graph struct {
		ID        string
		StartedAt time.Time
		EndedAt   time.Time

		Samples   []StackSample
		TaskSpans []TaskSpan
		TaskStats *TaskStats

		mu        sync.RWMutex
		nodes     map[FunctionKey]*Node
		edges     map[edgeKey]*Edge
		roots     []FunctionKey
		finalized bool
	}
)

func (k FunctionKey) String() string {
	if k.Module == "" {
		return k.Name
	}
	return k.Module + "." + k.Name
}

// New returns an empty graph ready to record calls.
func New() *Graph {
	return &Graph{
		ID:    uuid.New().String(),
		nodes: make(map[FunctionKey]*Node),
		edges: make(map[edgeKey]*Edge),
	}
}

// UpsertNode returns the node for the given key, creating it if needed.
func (g *Graph) UpsertNode(key FunctionKey) *Node {
	g.mu.RLock()
	n, exists := g.nodes[key]
	g.mu.RUnlock()
	if exists {
		return n
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if n, exists = g.nodes[key]; exists {
		return n
	}
	n = &Node{Key: key}
	g.nodes[key] = n
	return n
}

func (g *Graph) upsertEdge(caller, callee FunctionKey) *Edge {
	k := edgeKey{caller: caller, callee: callee}
	g.mu.RLock()
	e, exists := g.edges[k]
	g.mu.RUnlock()
	if exists {
		return e
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, exists = g.edges[k]; exists {
		return e
	}
	e = &Edge{Caller: caller, Callee: callee}
	g.edges[k] = e
	return e
}

// RecordCall folds one completed call into the graph. The caller is nil for
// calls with no recorded caller in this capture. A negative elapsed time is
// clamped to zero and flags the callee node.
func (g *Graph) RecordCall(caller *FunctionKey, callee FunctionKey, elapsed time.Duration) {
	n := g.UpsertNode(callee)
	clamped := false
	if elapsed < 0 {
		elapsed = 0
		clamped = true
	}
	n.mu.Lock()
	n.CallCount++
	n.TotalTime += elapsed
	if clamped {
		n.Clamped = true
	}
	n.mu.Unlock()

	if caller == nil {
		return
	}
	e := g.upsertEdge(*caller, callee)
	e.mu.Lock()
	e.CallCount++
	e.TotalTime += elapsed
	e.mu.Unlock()
}

// MarkErrored flags the node for the given key as having observed a failure.
func (g *Graph) MarkErrored(key FunctionKey) {
	n := g.UpsertNode(key)
	n.mu.Lock()
	n.Errored = true
	n.mu.Unlock()
}

// SetLastArgs stores a truncated rendering of the latest call arguments.
func (g *Graph) SetLastArgs(key FunctionKey, args string) {
	n := g.UpsertNode(key)
	n.mu.Lock()
	n.LastArgs = args
	n.mu.Unlock()
}

// Finalize computes self and average times for every node and derives the
// graph roots. It must run after all stack frames have unwound, so that
// every child call has reported its elapsed time. Finalizing an already
// finalized graph is a no-op.
func (g *Graph) Finalize(endedAt time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.finalized {
		return
	}
	g.finalized = true
	g.EndedAt = endedAt

	childTime := make(map[FunctionKey]time.Duration, len(g.nodes))
	callees := make(map[FunctionKey]struct{}, len(g.nodes))
	for k, e := range g.edges {
		childTime[k.caller] += e.TotalTime
		if k.caller != k.callee {
			callees[k.callee] = struct{}{}
		}
	}

	for key, n := range g.nodes {
		n.SelfTime = n.TotalTime - childTime[key]
		if n.SelfTime < 0 {
			n.SelfTime = 0
			n.Clamped = true
		}
		if n.CallCount > 0 {
			n.AvgTime = n.TotalTime / time.Duration(n.CallCount)
		}
	}

	g.roots = g.roots[:0]
	for key := range g.nodes {
		if _, called := callees[key]; !called {
			g.roots = append(g.roots, key)
		}
	}
	sortKeys(g.roots)
}

// Finalized reports whether the graph has been finalized.
func (g *Graph) Finalized() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.finalized
}

// Duration returns the wall clock duration of the capture.
func (g *Graph) Duration() time.Duration {
	if g.EndedAt.IsZero() || g.StartedAt.IsZero() {
		return 0
	}
	return g.EndedAt.Sub(g.StartedAt)
}

// Node returns the node for the given key, or nil.
func (g *Graph) Node(key FunctionKey) *Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[key]
}

// Edge returns the edge for the given caller and callee, or nil.
func (g *Graph) Edge(caller, callee FunctionKey) *Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.edges[edgeKey{caller: caller, callee: callee}]
}

// Nodes returns every node, sorted by key for deterministic iteration.
func (g *Graph) Nodes() []*Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	nodes := g.sortedNodesLocked()
	return nodes
}

// Edges returns every edge, sorted by caller then callee.
func (g *Graph) Edges() []*Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	edges := g.sortedEdgesLocked()
	return edges
}

// Roots returns the functions with no recorded caller in this capture.
// Recursive roots still count as roots, a self-edge does not demote them.
func (g *Graph) Roots() []FunctionKey {
	g.mu.RLock()
	defer g.mu.RUnlock()
	roots := make([]FunctionKey, len(g.roots))
	copy(roots, g.roots)
	return roots
}

// OutgoingEdges returns the edges where the given key is the caller, sorted
// by callee.
func (g *Graph) OutgoingEdges(key FunctionKey) []*Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var edges []*Edge
	for k, e := range g.edges {
		if k.caller == key {
			edges = append(edges, e)
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		return edges[i].Callee.String() < edges[j].Callee.String()
	})
	return edges
}

// IncomingTime returns the total time recorded on edges pointing at the
// given key, including a recursive self-edge.
func (g *Graph) IncomingTime(key FunctionKey) time.Duration {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var total time.Duration
	for k, e := range g.edges {
		if k.callee == key {
			total += e.TotalTime
		}
	}
	return total
}

// AttachTasks attaches task spans and their derived statistics to the
// capture metadata. Task spans are metadata, attaching them does not modify
// timing aggregates and is allowed on a finalized graph.
func (g *Graph) AttachTasks(spans []TaskSpan, stats TaskStats) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.TaskSpans = spans
	g.TaskStats = &stats
}

// AddSample appends one stack path observation.
func (g *Graph) AddSample(s StackSample) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Samples = append(g.Samples, s)
}
