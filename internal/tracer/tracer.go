// Package tracer turns function entry and exit events into call graph
// mutations. A Capture is an explicit scope object, there is no ambient
// process-wide trace state.
package tracer

import (
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/perftrace/perftrace/internal/callgraph"
)

const defaultMaxArgLength = 128

type (
	Options struct {
		// Clock overrides the time source, for tests.
		Clock func() time.Time
		// MaxArgLength caps the rendered length of recorded call
		// arguments. Zero means the default.
		MaxArgLength int
		// RecordPaths enables per stack path samples on the graph so
		// flamegraphs can distinguish call paths to the same function.
		RecordPaths bool
	}

	// Capture is one tracing scope. It owns the graph being built and one
	// stack per execution context. Finish tears everything down exactly
	// once on all exit paths.
	Capture struct {
		opts  Options
		graph *callgraph.Graph

		mu       sync.Mutex
		threads  map[uint64]*Thread
		finished bool
	}

	// Thread is the tracer state of one execution context. It is owned by
	// that context and must not be shared, only the graph mutations it
	// performs are synchronized.
	Thread struct {
		capture *Capture
		id      uint64
		stack   []stackFrame
	}

	stackFrame struct {
		key       callgraph.FunctionKey
		enteredAt time.Time
		childTime time.Duration
		args      string
	}
)

// Start begins a new capture scope with an empty graph.
func Start(opts Options) *Capture {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.MaxArgLength <= 0 {
		opts.MaxArgLength = defaultMaxArgLength
	}
	c := &Capture{
		opts:    opts,
		graph:   callgraph.New(),
		threads: make(map[uint64]*Thread),
	}
	c.graph.StartedAt = opts.Clock()
	return c
}

// Thread returns the tracer state for the given execution context,
// creating it on first use.
func (c *Capture) Thread(id uint64) *Thread {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, exists := c.threads[id]
	if !exists {
		t = &Thread{capture: c, id: id}
		c.threads[id] = t
	}
	return t
}

// Enter records a function entry on this context's stack. If the stack is
// non-empty the call is nested and the previous top of stack becomes the
// caller.
func (t *Thread) Enter(key callgraph.FunctionKey, args ...interface{}) {
	frame := stackFrame{
		key:       key,
		enteredAt: t.capture.opts.Clock(),
	}
	if len(args) > 0 {
		frame.args = truncateArgs(args, t.capture.opts.MaxArgLength)
	}
	t.stack = append(t.stack, frame)
}

// Exit records a function exit, folding the popped frame's timing into the
// graph. An exit with no matching open frame is logged and ignored.
func (t *Thread) Exit() {
	if len(t.stack) == 0 {
		log.Warn().
			Uint64("thread_id", t.id).
			Msg("unbalanced exit event, no open frame")
		return
	}
	t.closeFrame(t.capture.opts.Clock(), false)
}

// Call runs fn inside an Enter/Exit pair. If fn panics, the frame is still
// closed, the node is marked errored and the panic is re-raised unmodified.
// A non-nil error also marks the node as having observed a failure, the
// error itself is returned untouched.
func (t *Thread) Call(key callgraph.FunctionKey, fn func() error, args ...interface{}) error {
	t.Enter(key, args...)
	defer func() {
		if r := recover(); r != nil {
			t.capture.graph.MarkErrored(key)
			t.Exit()
			panic(r)
		}
	}()
	err := fn()
	if err != nil {
		t.capture.graph.MarkErrored(key)
	}
	t.Exit()
	return err
}

// closeFrame pops the top frame and reports it to the graph. The caller key
// is the key of the frame below it, if any.
func (t *Thread) closeFrame(now time.Time, errored bool) {
	top := len(t.stack) - 1
	frame := t.stack[top]
	t.stack = t.stack[:top]

	elapsed := now.Sub(frame.enteredAt)
	if elapsed < 0 {
		// Clock anomaly, RecordCall clamps and flags the node.
		elapsed = -1
	}

	var caller *callgraph.FunctionKey
	if top > 0 {
		parent := &t.stack[top-1]
		if elapsed > 0 {
			parent.childTime += elapsed
		}
		caller = &parent.key
	}

	g := t.capture.graph
	g.RecordCall(caller, frame.key, elapsed)
	if frame.args != "" {
		g.SetLastArgs(frame.key, frame.args)
	}
	if errored {
		g.MarkErrored(frame.key)
	}

	if t.capture.opts.RecordPaths {
		self := elapsed - frame.childTime
		if self < 0 {
			self = 0
		}
		stack := make([]callgraph.FunctionKey, 0, top+1)
		for i := 0; i < top; i++ {
			stack = append(stack, t.stack[i].key)
		}
		stack = append(stack, frame.key)
		g.AddSample(callgraph.StackSample{Stack: stack, SelfTime: self})
	}
}

// Depth returns the number of open frames on this context's stack.
func (t *Thread) Depth() int {
	return len(t.stack)
}

// Finish ends the capture scope. Every frame still open, on any context, is
// closed using the finish timestamp and its node marked errored, so partial
// data from failed executions is preserved. The graph is finalized exactly
// once and returned, finishing an already finished capture returns the same
// graph unchanged.
func (c *Capture) Finish() *callgraph.Graph {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return c.graph
	}
	c.finished = true

	now := c.opts.Clock()
	for _, t := range c.threads {
		for len(t.stack) > 0 {
			t.closeFrame(now, true)
		}
	}
	c.graph.Finalize(now)
	return c.graph
}

// Graph exposes the graph being built. It is only safe for consumers after
// Finish has returned.
func (c *Capture) Graph() *callgraph.Graph {
	return c.graph
}

func truncateArgs(args []interface{}, max int) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		parts = append(parts, fmt.Sprintf("%v", a))
	}
	s := strings.Join(parts, ", ")
	if len(s) > max {
		// Cut on a rune boundary so the recorded value stays valid
		// UTF-8 in the JSON export.
		cut := max
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + "..."
	}
	return s
}
