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

package librarian

import (
	"context"
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"github.com/dullfig/AgentOS/pkg/llm"
)

// ScoredSegment is one (segment_id, score) pair from score() (spec §4.7).
type ScoredSegment struct {
	SegmentID string
	Score     float64
}

type xmlScoringResult struct {
	XMLName xml.Name `xml:"ScoringResult"`
	Scores  []struct {
		ID    string  `xml:"id,attr"`
		Value float64 `xml:"value,attr"`
	} `xml:"score"`
}

func buildScoringPrompt(threadID, query string) string {
	var b strings.Builder
	b.WriteString("<ScoringRequest><thread_id>")
	xml.EscapeText(&b, []byte(threadID))
	b.WriteString("</thread_id><query>")
	xml.EscapeText(&b, []byte(query))
	b.WriteString("</query></ScoringRequest>")
	return b.String()
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// parseScoringResult parses a <ScoringResult> response, clamping every
// value to [0,1] (spec §4.7 "clamped to [0,1]").
func parseScoringResult(text string) ([]ScoredSegment, bool) {
	var doc xmlScoringResult
	if err := xml.Unmarshal([]byte(extractXML(text)), &doc); err != nil {
		return nil, false
	}
	out := make([]ScoredSegment, 0, len(doc.Scores))
	for _, s := range doc.Scores {
		out = append(out, ScoredSegment{SegmentID: s.ID, Score: clamp01(s.Value)})
	}
	return out, true
}

// Score runs the scoring prompt for query and threadID (the prompt
// carries only those two values, not the inventory itself) and returns
// per-segment relevance scores. Scores update nothing by
// themselves (spec §4.7: "update segment relevance but do not change
// status") — the LlmHandler calling Score decides what, if anything, to
// do with the result.
func (l *Librarian) Score(ctx context.Context, threadID, query string) ([]ScoredSegment, error) {
	prompt := buildScoringPrompt(threadID, query)
	resp, err := callWithRetry(ctx, l.client, llm.Request{Model: l.ladder.At(0), Prompt: prompt, Timeout: 30 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("score: llm call failed: %w", err)
	}
	scores, ok := parseScoringResult(resp.Text)
	if !ok {
		return nil, nil
	}
	return scores, nil
}
