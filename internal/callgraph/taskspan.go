package callgraph

import (
	"time"

	"github.com/perftrace/perftrace/internal/timeutil"
)

type (
	// TaskInterval is one active interval of a task, between a begin or
	// resume transition and the matching suspend or completion.
	TaskInterval struct {
		Start timeutil.Time `json:"start"`
		End   timeutil.Time `json:"end"`
	}

	// TaskSpan is the recorded lifetime of one cooperatively scheduled
	// unit of work, attached to the capture metadata once the capture
	// ends.
	TaskSpan struct {
		ID        uint64         `json:"id"`
		ParentID  *uint64        `json:"parent_id,omitempty"`
		Name      string         `json:"name,omitempty"`
		Status    string         `json:"status"`
		StartedAt timeutil.Time  `json:"started_at"`
		EndedAt   *timeutil.Time `json:"ended_at,omitempty"`
		Intervals []TaskInterval `json:"intervals,omitempty"`
	}

	// TaskStats summarizes the concurrency behaviour of a capture.
	TaskStats struct {
		MaxConcurrentTasks int           `json:"max_concurrent_tasks"`
		TotalActiveTime    time.Duration `json:"total_active_time"`
		TotalWallTime      time.Duration `json:"total_wall_time"`
		Efficiency         float64       `json:"efficiency"`
	}
)
