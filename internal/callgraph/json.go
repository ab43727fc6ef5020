package callgraph

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/perftrace/perftrace/internal/errorutil"
	"github.com/perftrace/perftrace/internal/timeutil"
)

// The serialized form is the durable representation of a finalized graph.
// Exporters consume it as-is and the comparator and flamegraph builder work
// identically on a live or a replayed graph.
type (
	nodeJSON struct {
		Name      string        `json:"name"`
		Module    string        `json:"module"`
		CallCount uint64        `json:"call_count"`
		TotalTime time.Duration `json:"total_time"`
		SelfTime  time.Duration `json:"self_time"`
		AvgTime   time.Duration `json:"avg_time"`
		LastArgs  string        `json:"last_args,omitempty"`
		Errored   bool          `json:"errored,omitempty"`
		Clamped   bool          `json:"clamped,omitempty"`
	}

	edgeJSON struct {
		Caller    FunctionKey   `json:"caller"`
		Callee    FunctionKey   `json:"callee"`
		CallCount uint64        `json:"call_count"`
		TotalTime time.Duration `json:"total_time"`
	}

	graphJSON struct {
		TraceID   string         `json:"trace_id"`
		StartedAt timeutil.Time  `json:"started_at"`
		EndedAt   timeutil.Time  `json:"ended_at"`
		Duration  time.Duration  `json:"duration"`
		Nodes     []nodeJSON     `json:"nodes"`
		Edges     []edgeJSON     `json:"edges"`
		Roots     []FunctionKey  `json:"roots,omitempty"`
		Samples   []StackSample  `json:"samples,omitempty"`
		TaskSpans []TaskSpan     `json:"task_spans,omitempty"`
		TaskStats *TaskStats     `json:"task_stats,omitempty"`
	}
)

func (g *Graph) MarshalJSON() ([]byte, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	doc := graphJSON{
		TraceID:   g.ID,
		StartedAt: timeutil.Time(g.StartedAt),
		EndedAt:   timeutil.Time(g.EndedAt),
		Duration:  g.EndedAt.Sub(g.StartedAt),
		Nodes:     make([]nodeJSON, 0, len(g.nodes)),
		Edges:     make([]edgeJSON, 0, len(g.edges)),
		Roots:     g.roots,
		Samples:   g.Samples,
		TaskSpans: g.TaskSpans,
		TaskStats: g.TaskStats,
	}
	for _, n := range g.sortedNodesLocked() {
		doc.Nodes = append(doc.Nodes, nodeJSON{
			Name:      n.Key.Name,
			Module:    n.Key.Module,
			CallCount: n.CallCount,
			TotalTime: n.TotalTime,
			SelfTime:  n.SelfTime,
			AvgTime:   n.AvgTime,
			LastArgs:  n.LastArgs,
			Errored:   n.Errored,
			Clamped:   n.Clamped,
		})
	}
	for _, e := range g.sortedEdgesLocked() {
		doc.Edges = append(doc.Edges, edgeJSON{
			Caller:    e.Caller,
			Callee:    e.Callee,
			CallCount: e.CallCount,
			TotalTime: e.TotalTime,
		})
	}
	return json.Marshal(doc)
}

func (g *Graph) UnmarshalJSON(b []byte) error {
	var doc graphJSON
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.ID = doc.TraceID
	g.StartedAt = doc.StartedAt.Time()
	g.EndedAt = doc.EndedAt.Time()
	g.Samples = doc.Samples
	g.TaskSpans = doc.TaskSpans
	g.TaskStats = doc.TaskStats
	g.nodes = make(map[FunctionKey]*Node, len(doc.Nodes))
	g.edges = make(map[edgeKey]*Edge, len(doc.Edges))

	for _, n := range doc.Nodes {
		key := FunctionKey{Name: n.Name, Module: n.Module}
		if n.SelfTime < 0 || n.SelfTime > n.TotalTime {
			return fmt.Errorf("%w: node %s has self time %v out of range of total time %v",
				errorutil.ErrDataIntegrity, key, n.SelfTime, n.TotalTime)
		}
		g.nodes[key] = &Node{
			Key:       key,
			CallCount: n.CallCount,
			TotalTime: n.TotalTime,
			SelfTime:  n.SelfTime,
			AvgTime:   n.AvgTime,
			LastArgs:  n.LastArgs,
			Errored:   n.Errored,
			Clamped:   n.Clamped,
		}
	}
	for _, e := range doc.Edges {
		g.edges[edgeKey{caller: e.Caller, callee: e.Callee}] = &Edge{
			Caller:    e.Caller,
			Callee:    e.Callee,
			CallCount: e.CallCount,
			TotalTime: e.TotalTime,
		}
	}

	// Roots are rederived rather than trusted, so a hand-edited file
	// cannot desynchronize them from the edge list.
	g.roots = g.roots[:0]
	callees := make(map[FunctionKey]struct{}, len(g.edges))
	for k := range g.edges {
		if k.caller != k.callee {
			callees[k.callee] = struct{}{}
		}
	}
	for key := range g.nodes {
		if _, called := callees[key]; !called {
			g.roots = append(g.roots, key)
		}
	}
	sortKeys(g.roots)

	// A deserialized graph is a finished capture.
	g.finalized = true
	return nil
}

func (g *Graph) sortedNodesLocked() []*Node {
	nodes := make([]*Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		nodes = append(nodes, n)
	}
	sortNodes(nodes)
	return nodes
}

func (g *Graph) sortedEdgesLocked() []*Edge {
	edges := make([]*Edge, 0, len(g.edges))
	for _, e := range g.edges {
		edges = append(edges, e)
	}
	sortEdges(edges)
	return edges
}
