// Copyright 2025 AgentOS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package router

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome is route()'s result: exactly one of Response, ToolResult or
// ToolFailed is populated (spec §4.6 "Binary fork").
type Outcome struct {
	IsResponse bool // true: passthrough, no tool selected

	Tool      string // populated on ToolResult/ToolFailed
	ResultXML string // populated on ToolResult
	Failed    bool   // true: ToolFailed
	Note      string // user-facing note on ToolFailed
}

// Metrics are the Router-level Prometheus collectors, following the same
// nil-safe registration pattern as pkg/kernel.Metrics.
type Metrics struct {
	outcomeTotal *prometheus.CounterVec
}

// NewMetrics registers route-outcome counters against reg (which may be
// nil to disable collection).
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		outcomeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentos_router_outcome_total",
			Help: "Route outcomes by kind: response, tool_result, tool_failed.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.outcomeTotal)
	}
	return m
}

func (m *Metrics) inc(outcome string) {
	if m == nil {
		return
	}
	m.outcomeTotal.WithLabelValues(outcome).Inc()
}

// Router classifies free text into a tool invocation or a passthrough
// response (spec §4.6).
type Router struct {
	Index      *EmbeddingIndex
	Embedder   Embedder
	FormFiller FormFiller
	log        *slog.Logger
	metrics    *Metrics
}

// NewRouter builds a Router over a compiled index, the embedder used to
// produce query vectors, and the form-filler strategy chain. reg may be
// nil to disable metrics collection.
func NewRouter(index *EmbeddingIndex, embedder Embedder, filler FormFiller, log *slog.Logger, reg *prometheus.Registry) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{Index: index, Embedder: embedder, FormFiller: filler, log: log, metrics: NewMetrics(reg)}
}

// Route implements the binary fork of spec §4.6:
//  1. allowed empty -> Response.
//  2. embed + search_filtered -> candidate or None.
//  3. None -> Response.
//  4. candidate -> form-fill.
//  5. Success -> ToolResult; Failed -> ToolFailed.
func (r *Router) Route(ctx context.Context, text string, allowed []string) Outcome {
	if len(allowed) == 0 {
		r.metrics.inc("response")
		return Outcome{IsResponse: true}
	}

	query := r.Embedder.Embed(text)
	match, ok := r.Index.SearchFiltered(query, allowed)
	if !ok {
		r.metrics.inc("response")
		return Outcome{IsResponse: true}
	}

	result := r.FormFiller.Fill(ctx, FillRequest{
		Intent:      text,
		Tool:        match.Entry.Name,
		Description: match.Entry.Description,
		XMLTemplate: match.Entry.XMLTemplate,
		PayloadTag:  match.Entry.PayloadTag,
	})
	if !result.OK {
		r.log.Warn("form-fill failed", "tool", match.Entry.Name, "error", result.Err())
		r.metrics.inc("tool_failed")
		return Outcome{Failed: true, Tool: match.Entry.Name, Note: result.Reason}
	}
	r.metrics.inc("tool_result")
	return Outcome{Tool: match.Entry.Name, ResultXML: result.XML}
}
