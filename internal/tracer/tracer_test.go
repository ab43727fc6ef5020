package tracer

import (
	"errors"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/perftrace/perftrace/internal/callgraph"
)

var (
	keyMain = callgraph.FunctionKey{Name: "main", Module: "app"}
	keyFoo  = callgraph.FunctionKey{Name: "foo", Module: "app"}
	keyBar  = callgraph.FunctionKey{Name: "bar", Module: "lib"}
)

type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1000, 0)}
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func TestNestedCallsAccounting(t *testing.T) {
	clk := newFakeClock()
	c := Start(Options{Clock: clk.Now})
	th := c.Thread(1)

	th.Enter(keyMain)
	clk.Advance(10 * time.Millisecond)
	th.Enter(keyFoo)
	clk.Advance(5 * time.Millisecond)
	th.Enter(keyBar)
	clk.Advance(20 * time.Millisecond)
	th.Exit() // bar
	clk.Advance(5 * time.Millisecond)
	th.Exit() // foo
	clk.Advance(10 * time.Millisecond)
	th.Exit() // main
	g := c.Finish()

	tests := []struct {
		key   callgraph.FunctionKey
		total time.Duration
		self  time.Duration
	}{
		{keyMain, 50 * time.Millisecond, 20 * time.Millisecond},
		{keyFoo, 30 * time.Millisecond, 10 * time.Millisecond},
		{keyBar, 20 * time.Millisecond, 20 * time.Millisecond},
	}
	var sum time.Duration
	for _, tt := range tests {
		n := g.Node(tt.key)
		if n == nil {
			t.Fatalf("missing node %s", tt.key)
		}
		if n.TotalTime != tt.total {
			t.Errorf("%s: expected total %v, got %v", tt.key, tt.total, n.TotalTime)
		}
		if n.SelfTime != tt.self {
			t.Errorf("%s: expected self %v, got %v", tt.key, tt.self, n.SelfTime)
		}
		sum += n.SelfTime
	}
	if sum != g.Duration() {
		t.Fatalf("self times sum to %v, capture lasted %v", sum, g.Duration())
	}

	e := g.Edge(keyMain, keyFoo)
	if e == nil || e.CallCount != 1 {
		t.Fatal("expected one main to foo edge call")
	}
}

func TestDirectRecursion(t *testing.T) {
	clk := newFakeClock()
	c := Start(Options{Clock: clk.Now})
	th := c.Thread(1)

	// One initial activation plus 4 recursive self calls.
	const recursions = 4
	for i := 0; i <= recursions; i++ {
		th.Enter(keyFoo)
		clk.Advance(time.Millisecond)
	}
	for i := 0; i <= recursions; i++ {
		th.Exit()
	}
	g := c.Finish()

	n := g.Node(keyFoo)
	if n.CallCount != recursions+1 {
		t.Fatalf("expected call_count %d, got %d", recursions+1, n.CallCount)
	}
	edges := g.Edges()
	if len(edges) != 1 {
		t.Fatalf("expected a single self edge, got %d", len(edges))
	}
	e := edges[0]
	if e.Caller != keyFoo || e.Callee != keyFoo {
		t.Fatalf("expected a self edge, got %s -> %s", e.Caller, e.Callee)
	}
	if e.CallCount != recursions {
		t.Fatalf("expected self edge call_count %d, got %d", recursions, e.CallCount)
	}
}

func TestUnbalancedExitIsIgnored(t *testing.T) {
	clk := newFakeClock()
	c := Start(Options{Clock: clk.Now})
	th := c.Thread(1)

	th.Exit()

	th.Enter(keyFoo)
	clk.Advance(time.Millisecond)
	th.Exit()
	th.Exit()
	g := c.Finish()

	n := g.Node(keyFoo)
	if n == nil || n.CallCount != 1 {
		t.Fatal("balanced calls must survive unbalanced exit events")
	}
}

func TestFinishClosesOpenFrames(t *testing.T) {
	clk := newFakeClock()
	c := Start(Options{Clock: clk.Now})
	th := c.Thread(1)

	th.Enter(keyMain)
	clk.Advance(10 * time.Millisecond)
	th.Enter(keyFoo)
	clk.Advance(5 * time.Millisecond)
	// No exits, the traced code blew up. Finish still closes both
	// frames at the capture end.
	g := c.Finish()

	main := g.Node(keyMain)
	foo := g.Node(keyFoo)
	if main == nil || foo == nil {
		t.Fatal("open frames must still be recorded")
	}
	if !main.Errored || !foo.Errored {
		t.Fatal("nodes closed at capture end must be flagged as errored")
	}
	if main.TotalTime != 15*time.Millisecond {
		t.Fatalf("expected main closed at capture end with 15ms, got %v", main.TotalTime)
	}
	if foo.TotalTime != 5*time.Millisecond {
		t.Fatalf("expected foo closed at capture end with 5ms, got %v", foo.TotalTime)
	}
}

func TestFinishIsIdempotent(t *testing.T) {
	clk := newFakeClock()
	c := Start(Options{Clock: clk.Now})
	th := c.Thread(1)
	th.Enter(keyFoo)
	clk.Advance(time.Millisecond)
	th.Exit()

	g1 := c.Finish()
	clk.Advance(time.Hour)
	g2 := c.Finish()
	if g1 != g2 {
		t.Fatal("finishing twice must return the same graph")
	}
	if g1.Duration() >= time.Hour {
		t.Fatal("finishing twice must not move the capture end")
	}
}

func TestClockAnomalyClampsElapsed(t *testing.T) {
	clk := newFakeClock()
	c := Start(Options{Clock: clk.Now})
	th := c.Thread(1)

	th.Enter(keyFoo)
	clk.Advance(-10 * time.Millisecond)
	th.Exit()
	g := c.Finish()

	n := g.Node(keyFoo)
	if n.TotalTime != 0 {
		t.Fatalf("expected clamped elapsed time, got %v", n.TotalTime)
	}
	if !n.Clamped {
		t.Fatal("expected the node to be flagged as clamped")
	}
}

func TestCallReturnsErrorUnmodified(t *testing.T) {
	clk := newFakeClock()
	c := Start(Options{Clock: clk.Now})
	th := c.Thread(1)

	sentinel := errors.New("boom")
	err := th.Call(keyFoo, func() error {
		clk.Advance(time.Millisecond)
		return sentinel
	})
	if err != sentinel {
		t.Fatalf("expected the original error back, got %v", err)
	}
	g := c.Finish()
	n := g.Node(keyFoo)
	if n.CallCount != 1 || !n.Errored {
		t.Fatal("a failed call must still be recorded and flagged")
	}
}

func TestCallRepanicsAndClosesFrame(t *testing.T) {
	clk := newFakeClock()
	c := Start(Options{Clock: clk.Now})
	th := c.Thread(1)

	defer func() {
		r := recover()
		if r != "boom" {
			t.Fatalf("expected the original panic value, got %v", r)
		}
		g := c.Finish()
		n := g.Node(keyFoo)
		if n == nil || n.CallCount != 1 {
			t.Fatal("a panicking call must still be recorded")
		}
		if !n.Errored {
			t.Fatal("a panicking call must flag its node")
		}
		if th.Depth() != 0 {
			t.Fatal("the frame must be closed before the panic propagates")
		}
	}()

	_ = th.Call(keyFoo, func() error {
		clk.Advance(time.Millisecond)
		panic("boom")
	})
}

func TestLastArgsAreTruncated(t *testing.T) {
	clk := newFakeClock()
	c := Start(Options{Clock: clk.Now, MaxArgLength: 8})
	th := c.Thread(1)

	th.Enter(keyFoo, "a very long argument value")
	clk.Advance(time.Millisecond)
	th.Exit()
	g := c.Finish()

	n := g.Node(keyFoo)
	if n.LastArgs != "a very l..." {
		t.Fatalf("unexpected truncated args: %q", n.LastArgs)
	}
}

func TestArgTruncationKeepsValidUTF8(t *testing.T) {
	clk := newFakeClock()
	c := Start(Options{Clock: clk.Now, MaxArgLength: 2})
	th := c.Thread(1)

	// The cap falls in the middle of the two byte é.
	th.Enter(keyFoo, "héllo")
	clk.Advance(time.Millisecond)
	th.Exit()
	g := c.Finish()

	n := g.Node(keyFoo)
	if !utf8.ValidString(n.LastArgs) {
		t.Fatalf("truncated args are not valid UTF-8: %q", n.LastArgs)
	}
	if n.LastArgs != "h..." {
		t.Fatalf("unexpected truncated args: %q", n.LastArgs)
	}
}

func TestRecordPathsKeepsCallPathsApart(t *testing.T) {
	clk := newFakeClock()
	c := Start(Options{Clock: clk.Now, RecordPaths: true})
	th := c.Thread(1)

	// bar is reached through two distinct paths.
	th.Enter(keyMain)
	th.Enter(keyFoo)
	th.Enter(keyBar)
	clk.Advance(3 * time.Millisecond)
	th.Exit()
	th.Exit()
	th.Enter(keyBar)
	clk.Advance(7 * time.Millisecond)
	th.Exit()
	th.Exit()
	g := c.Finish()

	if len(g.Samples) != 4 {
		t.Fatalf("expected 4 samples, got %d", len(g.Samples))
	}
	var fooBar, mainBar bool
	for _, s := range g.Samples {
		switch {
		case len(s.Stack) == 3 && s.Stack[2] == keyBar && s.Stack[1] == keyFoo:
			fooBar = true
			if s.SelfTime != 3*time.Millisecond {
				t.Fatalf("expected 3ms on main/foo/bar, got %v", s.SelfTime)
			}
		case len(s.Stack) == 2 && s.Stack[1] == keyBar:
			mainBar = true
			if s.SelfTime != 7*time.Millisecond {
				t.Fatalf("expected 7ms on main/bar, got %v", s.SelfTime)
			}
		}
	}
	if !fooBar || !mainBar {
		t.Fatal("expected both call paths to bar to be sampled")
	}
}

func TestThreadsHaveIndependentStacks(t *testing.T) {
	clk := newFakeClock()
	c := Start(Options{Clock: clk.Now})
	t1 := c.Thread(1)
	t2 := c.Thread(2)

	t1.Enter(keyFoo)
	t2.Enter(keyBar)
	clk.Advance(time.Millisecond)
	t2.Exit()
	t1.Exit()
	g := c.Finish()

	// No cross thread caller relationship exists.
	if len(g.Edges()) != 0 {
		t.Fatalf("expected no edges across threads, got %d", len(g.Edges()))
	}
	if g.Node(keyFoo).CallCount != 1 || g.Node(keyBar).CallCount != 1 {
		t.Fatal("both thread roots must be recorded")
	}
}
