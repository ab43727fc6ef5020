// Package compare diffs two finalized call graphs and classifies every
// function's change. The critical flag is a plain threshold rule, not a
// statistical test.
package compare

import (
	"sort"
	"time"

	"github.com/perftrace/perftrace/internal/callgraph"
)

const (
	StatusImproved  Status = "improved"
	StatusRegressed Status = "regressed"
	StatusAdded     Status = "added"
	StatusRemoved   Status = "removed"
	StatusUnchanged Status = "unchanged"

	// DefaultThreshold is the relative change past which a function
	// counts as regressed or improved.
	DefaultThreshold = 0.10
	// DefaultCriticalThreshold is the single function regression past
	// which the whole comparison is flagged critical.
	DefaultCriticalThreshold = 0.50
	// DefaultTopN bounds the ranked regression and improvement lists.
	DefaultTopN = 10
)

type (
	Status string

	// NodeComparison is the before and after view of one function.
	NodeComparison struct {
		Key           callgraph.FunctionKey `json:"key"`
		BeforeTime    time.Duration         `json:"before_time"`
		AfterTime     time.Duration         `json:"after_time"`
		BeforeCalls   uint64                `json:"before_calls"`
		AfterCalls    uint64                `json:"after_calls"`
		Delta         time.Duration         `json:"delta"`
		PercentChange float64               `json:"percent_change"`
		Status        Status                `json:"status"`
	}

	// Summary aggregates the whole comparison.
	Summary struct {
		TotalTimeBefore time.Duration    `json:"total_time_before"`
		TotalTimeAfter  time.Duration    `json:"total_time_after"`
		Delta           time.Duration    `json:"delta"`
		PercentChange   float64          `json:"percent_change"`
		Counts          map[Status]int   `json:"counts"`
		TopRegressions  []NodeComparison `json:"top_regressions"`
		TopImprovements []NodeComparison `json:"top_improvements"`
		Critical        bool             `json:"critical"`
	}

	Result struct {
		Comparisons []NodeComparison `json:"comparisons"`
		Summary     Summary          `json:"summary"`
	}

	Options struct {
		// Threshold is the relative change classifying a function as
		// regressed or improved. Zero means DefaultThreshold.
		Threshold float64
		// CriticalThreshold is the single function regression flagging
		// the comparison critical. Zero means the default.
		CriticalThreshold float64
		// TopN bounds the ranked lists. Zero means the default.
		TopN int
	}
)

// Compare diffs two finalized graphs. The result is created fresh and
// immutable once returned.
func Compare(before, after *callgraph.Graph, opts Options) Result {
	if opts.Threshold == 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.CriticalThreshold == 0 {
		opts.CriticalThreshold = DefaultCriticalThreshold
	}
	if opts.TopN == 0 {
		opts.TopN = DefaultTopN
	}

	beforeNodes := nodesByKey(before)
	afterNodes := nodesByKey(after)

	keys := make([]callgraph.FunctionKey, 0, len(beforeNodes)+len(afterNodes))
	seen := make(map[callgraph.FunctionKey]struct{}, len(beforeNodes)+len(afterNodes))
	for key := range beforeNodes {
		keys = append(keys, key)
		seen[key] = struct{}{}
	}
	for key := range afterNodes {
		if _, dup := seen[key]; !dup {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})

	result := Result{
		Comparisons: make([]NodeComparison, 0, len(keys)),
		Summary: Summary{
			Counts: make(map[Status]int),
		},
	}
	for _, key := range keys {
		nc := compareNode(key, beforeNodes[key], afterNodes[key], opts.Threshold)
		result.Summary.TotalTimeBefore += nc.BeforeTime
		result.Summary.TotalTimeAfter += nc.AfterTime
		result.Summary.Counts[nc.Status]++
		if nc.Status == StatusRegressed && nc.PercentChange >= opts.CriticalThreshold {
			result.Summary.Critical = true
		}
		result.Comparisons = append(result.Comparisons, nc)
	}

	result.Summary.Delta = result.Summary.TotalTimeAfter - result.Summary.TotalTimeBefore
	if result.Summary.TotalTimeBefore > 0 {
		result.Summary.PercentChange = float64(result.Summary.Delta) / float64(result.Summary.TotalTimeBefore)
		if result.Summary.PercentChange >= opts.Threshold {
			result.Summary.Critical = true
		}
	} else if result.Summary.TotalTimeAfter > 0 {
		// All cost is new. The relative change is undefined, like the
		// per node added case, and counts as past any threshold.
		result.Summary.Critical = true
	}
	result.Summary.TopRegressions = topBy(result.Comparisons, opts.TopN, func(nc NodeComparison) bool {
		return (nc.Status == StatusRegressed || nc.Status == StatusAdded) && nc.Delta > 0
	})
	result.Summary.TopImprovements = topBy(result.Comparisons, opts.TopN, func(nc NodeComparison) bool {
		return (nc.Status == StatusImproved || nc.Status == StatusRemoved) && nc.Delta < 0
	})
	return result
}

func compareNode(key callgraph.FunctionKey, before, after *callgraph.Node, threshold float64) NodeComparison {
	nc := NodeComparison{Key: key}
	if before != nil {
		nc.BeforeTime = before.TotalTime
		nc.BeforeCalls = before.CallCount
	}
	if after != nil {
		nc.AfterTime = after.TotalTime
		nc.AfterCalls = after.CallCount
	}
	nc.Delta = nc.AfterTime - nc.BeforeTime

	switch {
	case before == nil:
		nc.Status = StatusAdded
	case after == nil:
		nc.Status = StatusRemoved
	case nc.BeforeTime == 0:
		// New cost with no baseline, the relative change is undefined
		// so it classifies as added regardless of threshold.
		if nc.AfterTime == 0 {
			nc.Status = StatusUnchanged
		} else {
			nc.Status = StatusAdded
		}
	default:
		nc.PercentChange = float64(nc.Delta) / float64(nc.BeforeTime)
		switch {
		case nc.PercentChange >= threshold:
			nc.Status = StatusRegressed
		case nc.PercentChange <= -threshold:
			nc.Status = StatusImproved
		default:
			nc.Status = StatusUnchanged
		}
	}
	return nc
}

func topBy(comparisons []NodeComparison, n int, match func(NodeComparison) bool) []NodeComparison {
	top := make([]NodeComparison, 0, n)
	for _, nc := range comparisons {
		if match(nc) {
			top = append(top, nc)
		}
	}
	sort.SliceStable(top, func(i, j int) bool {
		di, dj := top[i].Delta, top[j].Delta
		if di < 0 {
			di = -di
		}
		if dj < 0 {
			dj = -dj
		}
		return di > dj
	})
	if len(top) > n {
		top = top[:n]
	}
	return top
}

func nodesByKey(g *callgraph.Graph) map[callgraph.FunctionKey]*callgraph.Node {
	nodes := g.Nodes()
	byKey := make(map[callgraph.FunctionKey]*callgraph.Node, len(nodes))
	for _, n := range nodes {
		byKey[n.Key] = n
	}
	return byKey
}
