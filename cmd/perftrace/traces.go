package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	gojson "github.com/goccy/go-json"
	"github.com/julienschmidt/httprouter"

	"github.com/perftrace/perftrace/internal/callgraph"
	"github.com/perftrace/perftrace/internal/compare"
	"github.com/perftrace/perftrace/internal/errorutil"
	"github.com/perftrace/perftrace/internal/flamegraph"
	"github.com/perftrace/perftrace/internal/httputil"
	"github.com/perftrace/perftrace/internal/metrics"
	"github.com/perftrace/perftrace/internal/storageutil"
)

type (
	postTraceResponse struct {
		TraceID string `json:"trace_id"`
	}

	flamegraphResponse struct {
		TraceID string             `json:"trace_id"`
		Total   time.Duration      `json:"total"`
		Frames  []flamegraph.Frame `json:"frames"`
	}

	postMetricsBody struct {
		TraceIDs []string `json:"trace_ids"`
	}
)

func (e *environment) postTrace(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hub := sentry.GetHubFromContext(ctx)

	var graph callgraph.Graph
	s := sentry.StartSpan(ctx, "processing")
	s.Description = "Decoding trace"
	err := json.NewDecoder(r.Body).Decode(&graph)
	s.Finish()
	if err != nil {
		if hub != nil {
			hub.CaptureException(err)
		}
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if graph.ID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s = sentry.StartSpan(ctx, "trace.write")
	s.Description = "Write trace to storage"
	err = storageutil.CompressedWrite(ctx, e.traces, storageutil.TracePath(graph.ID), &graph)
	s.Finish()
	if err != nil {
		if hub != nil {
			hub.CaptureException(err)
		}
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(postTraceResponse{TraceID: graph.ID})
}

func (e *environment) readTrace(w http.ResponseWriter, r *http.Request, traceID string) (*callgraph.Graph, bool) {
	ctx := r.Context()
	hub := sentry.GetHubFromContext(ctx)

	s := sentry.StartSpan(ctx, "trace.read")
	s.Description = "Read trace from storage"
	var graph callgraph.Graph
	err := storageutil.UnmarshalCompressed(ctx, e.traces, storageutil.TracePath(traceID), &graph)
	s.Finish()
	if err != nil {
		if errors.Is(err, storageutil.ErrObjectNotFound) {
			w.WriteHeader(http.StatusNotFound)
			return nil, false
		}
		if hub != nil {
			hub.CaptureException(err)
		}
		w.WriteHeader(http.StatusInternalServerError)
		return nil, false
	}
	return &graph, true
}

func (e *environment) getTrace(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hub := sentry.GetHubFromContext(ctx)
	ps := httprouter.ParamsFromContext(ctx)

	graph, ok := e.readTrace(w, r, ps.ByName("trace_id"))
	if !ok {
		return
	}

	s := sentry.StartSpan(ctx, "json.marshal")
	defer s.Finish()
	b, err := json.Marshal(graph)
	if err != nil {
		if hub != nil {
			hub.CaptureException(err)
		}
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(b)
}

func (e *environment) getFlamegraph(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hub := sentry.GetHubFromContext(ctx)
	ps := httprouter.ParamsFromContext(ctx)

	minFraction, err := httputil.FloatQueryParameter(r, "min_fraction", e.config.FlamegraphMinFraction)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	graph, ok := e.readTrace(w, r, ps.ByName("trace_id"))
	if !ok {
		return
	}

	s := sentry.StartSpan(ctx, "processing")
	s.Description = "Build flamegraph"
	opts := flamegraph.Options{MinFraction: minFraction}
	var frames []flamegraph.Frame
	if len(graph.Samples) > 0 {
		frames = flamegraph.Build(graph.Samples, opts)
	} else {
		frames = flamegraph.BuildFromGraph(graph, opts)
	}
	s.Finish()

	s = sentry.StartSpan(ctx, "json.marshal")
	defer s.Finish()
	b, err := gojson.Marshal(flamegraphResponse{
		TraceID: graph.ID,
		Total:   flamegraph.TotalWidth(frames),
		Frames:  frames,
	})
	if err != nil {
		if hub != nil {
			hub.CaptureException(err)
		}
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(b)
}

func (e *environment) getComparison(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hub := sentry.GetHubFromContext(ctx)
	ps := httprouter.ParamsFromContext(ctx)

	threshold, err := httputil.FloatQueryParameter(r, "threshold", e.config.CompareThreshold)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	before, ok := e.readTrace(w, r, ps.ByName("trace_id"))
	if !ok {
		return
	}
	after, ok := e.readTrace(w, r, ps.ByName("after_id"))
	if !ok {
		return
	}

	s := sentry.StartSpan(ctx, "processing")
	s.Description = "Compare traces"
	result := compare.Compare(before, after, compare.Options{
		Threshold:         threshold,
		CriticalThreshold: e.config.CompareCriticalThreshold,
		TopN:              e.config.CompareTopN,
	})
	s.Finish()

	s = sentry.StartSpan(ctx, "json.marshal")
	defer s.Finish()
	b, err := json.Marshal(result)
	if err != nil {
		if hub != nil {
			hub.CaptureException(err)
		}
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(b)
}

func (e *environment) postMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hub := sentry.GetHubFromContext(ctx)

	var body postMetricsBody
	err := json.NewDecoder(r.Body).Decode(&body)
	if err != nil || len(body.TraceIDs) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s := sentry.StartSpan(ctx, "processing")
	s.Description = "Aggregate function metrics"
	ma := metrics.NewAggregator(e.config.MaxUniqueFunctions, e.config.MaxNumOfExamples)
	aggregated := 0
	for _, traceID := range body.TraceIDs {
		var graph callgraph.Graph
		err := storageutil.UnmarshalCompressed(ctx, e.traces, storageutil.TracePath(traceID), &graph)
		if err != nil {
			if errors.Is(err, storageutil.ErrObjectNotFound) {
				continue
			}
			if hub != nil {
				hub.CaptureException(err)
			}
			continue
		}
		ma.AddGraph(&graph, graph.ID)
		aggregated++
	}
	s.Finish()
	if aggregated == 0 {
		if hub != nil {
			hub.CaptureException(errorutil.ErrNoResults)
		}
		w.WriteHeader(http.StatusNotFound)
		return
	}

	s = sentry.StartSpan(ctx, "json.marshal")
	defer s.Finish()
	b, err := gojson.Marshal(ma.ToMetrics())
	if err != nil {
		if hub != nil {
			hub.CaptureException(err)
		}
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(b)
}
