package callgraph

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/perftrace/perftrace/internal/testutil"
)

var (
	keyMain = FunctionKey{Name: "main", Module: "app"}
	keyFoo  = FunctionKey{Name: "foo", Module: "app"}
	keyBar  = FunctionKey{Name: "bar", Module: "lib"}
)

func ignoreLocks() []interface{} {
	return []interface{}{Node{}, Edge{}}
}

func TestRecordCallAggregates(t *testing.T) {
	g := New()
	g.RecordCall(&keyMain, keyFoo, 10*time.Millisecond)
	g.RecordCall(&keyMain, keyFoo, 30*time.Millisecond)
	g.RecordCall(nil, keyMain, 50*time.Millisecond)

	n := g.Node(keyFoo)
	if n.CallCount != 2 {
		t.Fatalf("expected 2 calls, got %d", n.CallCount)
	}
	if n.TotalTime != 40*time.Millisecond {
		t.Fatalf("expected 40ms total, got %v", n.TotalTime)
	}

	e := g.Edge(keyMain, keyFoo)
	if e == nil {
		t.Fatal("expected an edge from main to foo")
	}
	if e.CallCount != 2 || e.TotalTime != 40*time.Millisecond {
		t.Fatalf("unexpected edge aggregates: %d calls, %v", e.CallCount, e.TotalTime)
	}

	// A root call records no edge.
	if len(g.Edges()) != 1 {
		t.Fatalf("expected a single edge, got %d", len(g.Edges()))
	}
}

func TestRecursionAggregatesOnOneSelfEdge(t *testing.T) {
	g := New()
	// One initial call plus 3 recursive self calls.
	g.RecordCall(nil, keyFoo, 40*time.Millisecond)
	for i := 0; i < 3; i++ {
		g.RecordCall(&keyFoo, keyFoo, 10*time.Millisecond)
	}
	g.Finalize(time.Now())

	n := g.Node(keyFoo)
	if n.CallCount != 4 {
		t.Fatalf("expected call_count 4, got %d", n.CallCount)
	}
	edges := g.Edges()
	if len(edges) != 1 {
		t.Fatalf("expected a single self edge, got %d edges", len(edges))
	}
	if edges[0].CallCount != 3 {
		t.Fatalf("expected self edge call_count 3, got %d", edges[0].CallCount)
	}
	// A recursive root is still a root.
	if diff := testutil.Diff([]FunctionKey{keyFoo}, g.Roots()); diff != "" {
		t.Fatalf("unexpected roots: %s", diff)
	}
}

func TestFinalizeComputesSelfTime(t *testing.T) {
	g := New()
	g.StartedAt = time.Unix(0, 0)
	g.RecordCall(&keyMain, keyFoo, 30*time.Millisecond)
	g.RecordCall(&keyFoo, keyBar, 10*time.Millisecond)
	g.RecordCall(nil, keyMain, 100*time.Millisecond)
	g.Finalize(time.Unix(0, int64(100*time.Millisecond)))

	tests := []struct {
		key  FunctionKey
		self time.Duration
		avg  time.Duration
	}{
		{keyMain, 70 * time.Millisecond, 100 * time.Millisecond},
		{keyFoo, 20 * time.Millisecond, 30 * time.Millisecond},
		{keyBar, 10 * time.Millisecond, 10 * time.Millisecond},
	}
	var sum time.Duration
	for _, tt := range tests {
		n := g.Node(tt.key)
		if n.SelfTime != tt.self {
			t.Errorf("%s: expected self time %v, got %v", tt.key, tt.self, n.SelfTime)
		}
		if n.AvgTime != tt.avg {
			t.Errorf("%s: expected avg time %v, got %v", tt.key, tt.avg, n.AvgTime)
		}
		sum += n.SelfTime
	}
	if sum != g.Duration() {
		t.Fatalf("self times sum to %v, capture lasted %v", sum, g.Duration())
	}
}

func TestFinalizeIsIdempotent(t *testing.T) {
	g := New()
	g.RecordCall(&keyMain, keyFoo, 30*time.Millisecond)
	g.RecordCall(nil, keyMain, 100*time.Millisecond)
	g.Finalize(time.Now())

	snapshot := func() []Node {
		nodes := make([]Node, 0)
		for _, n := range g.Nodes() {
			nodes = append(nodes, Node{
				Key:       n.Key,
				CallCount: n.CallCount,
				TotalTime: n.TotalTime,
				SelfTime:  n.SelfTime,
				AvgTime:   n.AvgTime,
			})
		}
		return nodes
	}

	before := snapshot()
	ended := g.EndedAt
	g.Finalize(time.Now().Add(time.Hour))
	after := snapshot()

	if diff := testutil.Diff(before, after, cmpopts.IgnoreUnexported(ignoreLocks()...)); diff != "" {
		t.Fatalf("finalizing twice changed the graph: %s", diff)
	}
	if !g.EndedAt.Equal(ended) {
		t.Fatal("finalizing twice moved the capture end")
	}
}

func TestNegativeElapsedClampsToZero(t *testing.T) {
	g := New()
	g.RecordCall(nil, keyFoo, -5*time.Millisecond)
	g.Finalize(time.Now())

	n := g.Node(keyFoo)
	if n.TotalTime != 0 || n.SelfTime != 0 {
		t.Fatalf("expected clamped times, got total %v self %v", n.TotalTime, n.SelfTime)
	}
	if !n.Clamped {
		t.Fatal("expected the node to be flagged as clamped")
	}
}

func TestSelfTimeClampsWhenChildrenOverlap(t *testing.T) {
	g := New()
	// Children reported more time than the parent itself, as after a
	// clock adjustment mid capture.
	g.RecordCall(nil, keyMain, 10*time.Millisecond)
	g.RecordCall(&keyMain, keyFoo, 25*time.Millisecond)
	g.Finalize(time.Now())

	n := g.Node(keyMain)
	if n.SelfTime != 0 {
		t.Fatalf("expected self time clamped to zero, got %v", n.SelfTime)
	}
	if !n.Clamped {
		t.Fatal("expected the node to be flagged as clamped")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	g := New()
	g.StartedAt = time.Unix(10, 0).UTC()
	g.RecordCall(&keyMain, keyFoo, 30*time.Millisecond)
	g.RecordCall(&keyFoo, keyBar, 10*time.Millisecond)
	g.RecordCall(&keyFoo, keyFoo, 5*time.Millisecond)
	g.RecordCall(nil, keyMain, 100*time.Millisecond)
	g.SetLastArgs(keyFoo, "42, hello")
	g.MarkErrored(keyBar)
	g.AddSample(StackSample{
		Stack:    []FunctionKey{keyMain, keyFoo},
		SelfTime: 20 * time.Millisecond,
	})
	g.Finalize(time.Unix(11, 0).UTC())

	first, err := json.Marshal(g)
	if err != nil {
		t.Fatal(err)
	}

	var replayed Graph
	if err := json.Unmarshal(first, &replayed); err != nil {
		t.Fatal(err)
	}
	if !replayed.Finalized() {
		t.Fatal("a deserialized graph must be finalized")
	}

	opts := cmpopts.IgnoreUnexported(ignoreLocks()...)
	if diff := testutil.Diff(g.Nodes(), replayed.Nodes(), opts); diff != "" {
		t.Fatalf("nodes did not round trip: %s", diff)
	}
	if diff := testutil.Diff(g.Edges(), replayed.Edges(), opts); diff != "" {
		t.Fatalf("edges did not round trip: %s", diff)
	}
	if diff := testutil.Diff(g.Roots(), replayed.Roots()); diff != "" {
		t.Fatalf("roots did not round trip: %s", diff)
	}

	second, err := json.Marshal(&replayed)
	if err != nil {
		t.Fatal(err)
	}
	if string(first) != string(second) {
		t.Fatalf("serialization is not stable:\nfirst:  %s\nsecond: %s", first, second)
	}
}

func TestUnmarshalRejectsInconsistentNode(t *testing.T) {
	doc := `{
		"trace_id": "t1",
		"started_at": "2026-01-02T03:04:05Z",
		"ended_at": "2026-01-02T03:04:06Z",
		"nodes": [
			{"name": "foo", "module": "app", "call_count": 1, "total_time": 10, "self_time": 20, "avg_time": 10}
		],
		"edges": []
	}`
	var g Graph
	if err := json.Unmarshal([]byte(doc), &g); err == nil {
		t.Fatal("expected a data integrity error for self_time > total_time")
	}
}
