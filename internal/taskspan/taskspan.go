// Package taskspan tracks cooperatively scheduled units of work sharing one
// logical thread of control. Tasks never run truly in parallel, they
// interleave at explicit suspend and resume transitions reported by the
// caller.
package taskspan

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/perftrace/perftrace/internal/callgraph"
	"github.com/perftrace/perftrace/internal/timeutil"
)

const (
	StatusRunning   Status = "running"
	StatusSuspended Status = "suspended"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ErrUnknownTask is returned for a transition on a task id that was never
// begun in this tracker.
var ErrUnknownTask = errors.New("unknown task")

type (
	Status string

	// Interval is one active interval of a task. End is zero while the
	// interval is still open.
	Interval struct {
		Start time.Time
		End   time.Time
	}

	// Span is the tracked lifetime of one task.
	Span struct {
		ID        uint64
		ParentID  *uint64
		Name      string
		Status    Status
		StartedAt time.Time
		EndedAt   time.Time
		Intervals []Interval
	}

	// Stats are the concurrency statistics derived at capture end.
	Stats struct {
		MaxConcurrentTasks int
		TotalActiveTime    time.Duration
		TotalWallTime      time.Duration
		Efficiency         float64
	}

	Options struct {
		// Clock overrides the time source, for tests.
		Clock func() time.Time
	}

	// Tracker records task transitions for one capture. All transitions
	// are serialized under one mutex, the concurrency watermark is
	// maintained online so no interval sweep is needed afterwards.
	//
	// The concurrency level counts spans in flight, begun and not yet
	// completed. A suspended task still occupies its slot in the
	// timeline, it only stops accumulating active time.
	Tracker struct {
		clock func() time.Time

		mu          sync.Mutex
		startedAt   time.Time
		endedAt     time.Time
		spans       []*Span
		byID        map[uint64]*Span
		nextID      uint64
		inFlight    int
		maxInFlight int
		finished    bool
	}

	// Task is one unit of work for Gather.
	Task struct {
		Name string
		Run  func() error
	}
)

// NewTracker starts tracking at the current clock time.
func NewTracker(opts Options) *Tracker {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Tracker{
		clock:     opts.Clock,
		startedAt: opts.Clock(),
		byID:      make(map[uint64]*Span),
	}
}

// Begin starts a new task span with status running and returns its id.
func (t *Tracker) Begin(parentID *uint64, name string) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	now := t.clock()
	span := &Span{
		ID:        t.nextID,
		ParentID:  parentID,
		Name:      name,
		Status:    StatusRunning,
		StartedAt: now,
		Intervals: []Interval{{Start: now}},
	}
	t.spans = append(t.spans, span)
	t.byID[span.ID] = span
	t.inFlight++
	if t.inFlight > t.maxInFlight {
		t.maxInFlight = t.inFlight
	}
	return span.ID
}

// Suspend marks the task suspended and closes its current active interval.
func (t *Tracker) Suspend(id uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	span, err := t.transition(id, StatusRunning)
	if err != nil {
		return err
	}
	span.Status = StatusSuspended
	span.Intervals[len(span.Intervals)-1].End = t.clock()
	return nil
}

// Resume marks the task running again and opens a new active interval.
func (t *Tracker) Resume(id uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	span, err := t.transition(id, StatusSuspended)
	if err != nil {
		return err
	}
	span.Status = StatusRunning
	span.Intervals = append(span.Intervals, Interval{Start: t.clock()})
	return nil
}

// Complete finalizes the task, closing its last active interval if one is
// still open.
func (t *Tracker) Complete(id uint64, failed bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	span, exists := t.byID[id]
	if !exists {
		return fmt.Errorf("%w: %d", ErrUnknownTask, id)
	}
	now := t.clock()
	if span.Status == StatusRunning {
		span.Intervals[len(span.Intervals)-1].End = now
	}
	if span.Status == StatusRunning || span.Status == StatusSuspended {
		t.inFlight--
	}
	if failed {
		span.Status = StatusFailed
	} else {
		span.Status = StatusCompleted
	}
	span.EndedAt = now
	return nil
}

func (t *Tracker) transition(id uint64, from Status) (*Span, error) {
	span, exists := t.byID[id]
	if !exists {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTask, id)
	}
	if span.Status != from {
		return nil, fmt.Errorf("task %d is %s, not %s", id, span.Status, from)
	}
	return span, nil
}

// Gather runs every task concurrently and waits for all of them, recording
// one span per task so a timeline can show the overlap. The first task
// error is returned after all tasks have completed.
func (t *Tracker) Gather(parentID *uint64, tasks []Task) error {
	var wg sync.WaitGroup
	wg.Add(len(tasks))
	errs := make(chan error, len(tasks))
	for _, task := range tasks {
		id := t.Begin(parentID, task.Name)
		go func(id uint64, run func() error) {
			defer wg.Done()
			err := run()
			if completeErr := t.Complete(id, err != nil); completeErr != nil {
				err = completeErr
			}
			if err != nil {
				errs <- err
			}
		}(id, task.Run)
	}
	wg.Wait()
	close(errs)
	return <-errs
}

// Finish closes out the tracker and returns the derived statistics. A task
// still running is completed at the finish timestamp. An abandoned task,
// suspended and never resumed, keeps status suspended and contributes no
// active time past its suspension point. Finishing twice returns the same
// statistics.
func (t *Tracker) Finish() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.finished {
		t.finished = true
		t.endedAt = t.clock()
		for _, span := range t.spans {
			switch span.Status {
			case StatusRunning:
				span.Intervals[len(span.Intervals)-1].End = t.endedAt
				span.Status = StatusCompleted
				span.EndedAt = t.endedAt
				t.inFlight--
			case StatusSuspended:
				// Abandoned, it keeps status suspended and stops
				// contributing active time at its suspension point.
				span.EndedAt = t.endedAt
				t.inFlight--
			}
		}
	}
	return t.statsLocked()
}

func (t *Tracker) statsLocked() Stats {
	stats := Stats{
		MaxConcurrentTasks: t.maxInFlight,
		TotalWallTime:      t.endedAt.Sub(t.startedAt),
	}
	for _, span := range t.spans {
		for _, iv := range span.Intervals {
			if !iv.End.IsZero() {
				stats.TotalActiveTime += iv.End.Sub(iv.Start)
			}
		}
	}
	if stats.TotalWallTime > 0 {
		stats.Efficiency = float64(stats.TotalActiveTime) / float64(stats.TotalWallTime)
	}
	return stats
}

// Spans returns a copy of every recorded span, ordered by id.
func (t *Tracker) Spans() []Span {
	t.mu.Lock()
	defer t.mu.Unlock()
	spans := make([]Span, 0, len(t.spans))
	for _, span := range t.spans {
		spans = append(spans, *span)
	}
	return spans
}

// AttachTo attaches the recorded spans and statistics to a capture's graph
// metadata. Call it after Finish.
func (t *Tracker) AttachTo(g *callgraph.Graph) {
	stats := t.Finish()
	t.mu.Lock()
	defer t.mu.Unlock()
	spans := make([]callgraph.TaskSpan, 0, len(t.spans))
	for _, span := range t.spans {
		out := callgraph.TaskSpan{
			ID:        span.ID,
			ParentID:  span.ParentID,
			Name:      span.Name,
			Status:    string(span.Status),
			StartedAt: timeutil.Time(span.StartedAt),
		}
		if !span.EndedAt.IsZero() {
			ended := timeutil.Time(span.EndedAt)
			out.EndedAt = &ended
		}
		for _, iv := range span.Intervals {
			out.Intervals = append(out.Intervals, callgraph.TaskInterval{
				Start: timeutil.Time(iv.Start),
				End:   timeutil.Time(iv.End),
			})
		}
		spans = append(spans, out)
	}
	g.AttachTasks(spans, callgraph.TaskStats(stats))
}
