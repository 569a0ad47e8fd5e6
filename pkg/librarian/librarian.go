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

// Package librarian curates a thread's context inventory under a token
// budget before each LLM hop (spec §4.7).
package librarian

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/dullfig/AgentOS/pkg/kernel"
	"github.com/dullfig/AgentOS/pkg/llm"
)

// maxLlmAttempts bounds the retry count for a curation/scoring LLM call
// (spec §7 LlmTransient: "retried with backoff up to the per-call limit;
// then becomes HandlerError"). Wired directly against
// cenkalti/backoff/v5, the same library the Router's CloudFormFiller
// uses, rather than a second hand-rolled retry loop.
const maxLlmAttempts = 3

func callWithRetry(ctx context.Context, client llm.Client, req llm.Request) (llm.Response, error) {
	operation := func() (llm.Response, error) {
		return client.Complete(ctx, req)
	}
	return backoff.Retry(ctx, operation, backoff.WithMaxTries(maxLlmAttempts))
}

// maxMessageChars is the per-message truncation length the curation
// prompt applies to incoming messages (spec §4.7 step 2: "truncated to
// ≤500 chars each").
const maxMessageChars = 500

// Librarian curates and scores a thread's ContextInventory via a cheap
// LLM call, writing every status change back through the Kernel so it is
// WAL-backed (spec §4.7 step 4).
type Librarian struct {
	kernel *kernel.Kernel
	client llm.Client
	ladder llm.Ladder
	log    *slog.Logger
}

// New builds a Librarian over k, issuing curation/scoring prompts through
// client. Every call, retries included, uses the ladder's first rung.
func New(k *kernel.Kernel, client llm.Client, ladder llm.Ladder, log *slog.Logger) *Librarian {
	if log == nil {
		log = slog.Default()
	}
	return &Librarian{kernel: k, client: client, ladder: ladder, log: log}
}

func truncate(s string) string {
	if len(s) <= maxMessageChars {
		return s
	}
	return s[:maxMessageChars]
}

// Curate runs spec §4.7's curation algorithm: snapshot, prompt, parse
// page_in/page_out, apply WAL-backed status changes, then compose
// system_context from the resulting Active segments in creation order.
func (l *Librarian) Curate(ctx context.Context, threadID string, incomingMessages []string, tokenBudget int64) (string, error) {
	segments, ok := l.kernel.Contexts().Segments(threadID)
	if !ok {
		return "", nil
	}

	truncated := make([]string, len(incomingMessages))
	for i, m := range incomingMessages {
		truncated[i] = truncate(m)
	}

	prompt := buildCurationPrompt(segments, truncated, tokenBudget)
	resp, err := callWithRetry(ctx, l.client, llm.Request{Model: l.ladder.At(0), Prompt: prompt, Timeout: 30 * time.Second})
	if err != nil {
		l.log.Warn("curation llm call failed, keeping active set unchanged", "thread", threadID, "error", err)
		return composeSystemContext(segments), nil
	}

	decision, ok := parseCurationDecision(resp.Text)
	if !ok {
		// Graceful degradation per spec §4.7: unparseable output leaves
		// the current Active set unchanged.
		l.log.Debug("curation response unparseable, keeping active set unchanged", "thread", threadID)
		return composeSystemContext(segments), nil
	}

	byID := make(map[string]kernel.Segment, len(segments))
	for _, s := range segments {
		byID[s.ID] = s
	}

	targetActive := enforceBudget(segments, byID, decision.PageIn, decision.PageOut, tokenBudget)
	for _, s := range segments {
		wantActive := targetActive[s.ID]
		if wantActive == (s.Status == kernel.Active) {
			continue
		}
		status := kernel.Shelved
		if wantActive {
			status = kernel.Active
		}
		if err := l.kernel.SetSegmentStatus(threadID, s.ID, status); err != nil {
			return "", err
		}
	}

	updated, _ := l.kernel.Contexts().Segments(threadID)
	return composeSystemContext(updated), nil
}

// enforceBudget computes the post-curation Active set so that spec §8's
// "Curation budget" invariant holds: the set is (currentlyActive ∪
// pageIn) \ pageOut, filled greedily in descending relevance order: a
// member is kept only if it still fits under budget, otherwise it is
// skipped and the next one is tried. Members dropped for budget, and
// every segment named in pageOut, end up Shelved; everything else keeps
// its current status.
func enforceBudget(segments []kernel.Segment, byID map[string]kernel.Segment, pageIn, pageOut []string, budget int64) map[string]bool {
	pageOutSet := make(map[string]bool, len(pageOut))
	for _, id := range pageOut {
		pageOutSet[id] = true
	}

	type candidate struct {
		id        string
		size      int64
		relevance float64
	}
	seen := make(map[string]bool)
	candidates := make([]candidate, 0, len(segments))
	add := func(seg kernel.Segment) {
		if seen[seg.ID] || pageOutSet[seg.ID] {
			return
		}
		seen[seg.ID] = true
		candidates = append(candidates, candidate{id: seg.ID, size: seg.Size, relevance: seg.Relevance})
	}
	for _, s := range segments {
		if s.Status == kernel.Active {
			add(s)
		}
	}
	for _, id := range pageIn {
		if seg, ok := byID[id]; ok {
			add(seg)
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].relevance > candidates[j].relevance })

	active := make(map[string]bool, len(candidates))
	var total int64
	for _, c := range candidates {
		if total+c.size > budget {
			continue
		}
		total += c.size
		active[c.id] = true
	}
	return active
}

// composeSystemContext concatenates Active segments in creation order,
// each tagged by its segment kind (spec §4.7 step 5).
func composeSystemContext(segments []kernel.Segment) string {
	var b strings.Builder
	for _, s := range segments {
		if s.Status != kernel.Active {
			continue
		}
		b.WriteString("<")
		b.WriteString(s.Tag)
		b.WriteString(">")
		b.WriteString(s.ID)
		b.WriteString("</")
		b.WriteString(s.Tag)
		b.WriteString(">\n")
	}
	return b.String()
}

// Summarize produces a condensed system_context for threadID within
// budget without involving the page_in/page_out status machinery —
// supplemental to curate(), for LlmHandlers that want a read-only digest
// rather than a stateful curation pass (e.g. rendering a terminal UI
// preview of what the next call would see).
func (l *Librarian) Summarize(threadID string, budget int64) (string, error) {
	segments, ok := l.kernel.Contexts().Segments(threadID)
	if !ok {
		return "", nil
	}
	sort.SliceStable(segments, func(i, j int) bool { return segments[i].Relevance > segments[j].Relevance })

	var b strings.Builder
	var total int64
	for _, s := range segments {
		if s.Status != kernel.Active {
			continue
		}
		if total+s.Size > budget {
			continue
		}
		total += s.Size
		b.WriteString("<")
		b.WriteString(s.Tag)
		b.WriteString(">")
		b.WriteString(s.ID)
		b.WriteString("</")
		b.WriteString(s.Tag)
		b.WriteString(">\n")
	}
	return b.String(), nil
}
