// Package metrics aggregates per function statistics across many finalized
// call graphs. It consumes graph snapshots only and holds no tracer state.
package metrics

import (
	"errors"
	"math"
	"sort"
	"time"

	"github.com/perftrace/perftrace/internal/callgraph"
)

type (
	functionAggregate struct {
		key       callgraph.FunctionKey
		selfTimes []time.Duration
		sum       time.Duration
		count     uint64
	}

	functionMetadata struct {
		maxVal   time.Duration
		worstID  string
		examples []string
	}

	Aggregator struct {
		MaxUniqueFunctions uint
		MaxNumOfExamples   uint

		functions map[callgraph.FunctionKey]*functionAggregate
		metadata  map[callgraph.FunctionKey]*functionMetadata
	}

	// FunctionMetrics is the aggregated view of one function, ranked by
	// summed self time so hotspots surface first.
	FunctionMetrics struct {
		Name     string        `json:"name"`
		Module   string        `json:"module"`
		P75      time.Duration `json:"p75"`
		P95      time.Duration `json:"p95"`
		P99      time.Duration `json:"p99"`
		Avg      float64       `json:"avg"`
		Sum      time.Duration `json:"sum"`
		Count    uint64        `json:"count"`
		Worst    string        `json:"worst"`
		Examples []string      `json:"examples"`
	}
)

func NewAggregator(maxUniqueFunctions, maxNumOfExamples uint) Aggregator {
	return Aggregator{
		MaxUniqueFunctions: maxUniqueFunctions,
		MaxNumOfExamples:   maxNumOfExamples,
		functions:          make(map[callgraph.FunctionKey]*functionAggregate),
		metadata:           make(map[callgraph.FunctionKey]*functionMetadata),
	}
}

// AddGraph folds one finalized graph into the aggregate. The trace ID is
// kept as the worst or example reference for each function it touches.
func (ma *Aggregator) AddGraph(g *callgraph.Graph, traceID string) {
	for _, n := range g.Nodes() {
		if fn, exists := ma.functions[n.Key]; exists {
			fn.selfTimes = append(fn.selfTimes, n.SelfTime)
			fn.sum += n.SelfTime
			fn.count += n.CallCount
			md := ma.metadata[n.Key]
			if n.SelfTime > md.maxVal {
				md.maxVal = n.SelfTime
				md.worstID = traceID
			}
			if len(md.examples) < int(ma.MaxNumOfExamples) {
				md.examples = append(md.examples, traceID)
			}
		} else {
			ma.functions[n.Key] = &functionAggregate{
				key:       n.Key,
				selfTimes: []time.Duration{n.SelfTime},
				sum:       n.SelfTime,
				count:     n.CallCount,
			}
			ma.metadata[n.Key] = &functionMetadata{
				maxVal:   n.SelfTime,
				worstID:  traceID,
				examples: []string{traceID},
			}
		}
	}
}

// ToMetrics returns the aggregated functions ranked by summed self time,
// truncated to MaxUniqueFunctions.
func (ma *Aggregator) ToMetrics() []FunctionMetrics {
	metrics := make([]FunctionMetrics, 0, len(ma.functions))

	for key, f := range ma.functions {
		sort.Slice(f.selfTimes, func(i, j int) bool {
			return f.selfTimes[i] < f.selfTimes[j]
		})
		p75, _ := quantile(f.selfTimes, 0.75)
		p95, _ := quantile(f.selfTimes, 0.95)
		p99, _ := quantile(f.selfTimes, 0.99)
		metrics = append(metrics, FunctionMetrics{
			Name:     key.Name,
			Module:   key.Module,
			P75:      p75,
			P95:      p95,
			P99:      p99,
			Avg:      float64(f.sum) / float64(len(f.selfTimes)),
			Sum:      f.sum,
			Count:    f.count,
			Worst:    ma.metadata[key].worstID,
			Examples: ma.metadata[key].examples,
		})
	}
	sort.Slice(metrics, func(i, j int) bool {
		if metrics[i].Sum != metrics[j].Sum {
			return metrics[i].Sum > metrics[j].Sum
		}
		ki := callgraph.FunctionKey{Name: metrics[i].Name, Module: metrics[i].Module}
		kj := callgraph.FunctionKey{Name: metrics[j].Name, Module: metrics[j].Module}
		return ki.String() < kj.String()
	})
	if len(metrics) > int(ma.MaxUniqueFunctions) {
		metrics = metrics[:ma.MaxUniqueFunctions]
	}
	return metrics
}

func quantile(values []time.Duration, q float64) (time.Duration, error) {
	if len(values) == 0 {
		return 0, errors.New("cannot compute percentile from empty list")
	}
	if q <= 0 || q > 1.0 {
		return 0, errors.New("q must be a value between 0 and 1.0")
	}
	index := int(math.Ceil(float64(len(values))*q)) - 1
	return values[index], nil
}
