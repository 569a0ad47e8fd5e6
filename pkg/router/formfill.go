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
	"encoding/xml"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/dullfig/AgentOS/pkg/agentoserr"
	"github.com/dullfig/AgentOS/pkg/llm"
)

// FillRequest names the single operation every form-filler strategy
// implements (spec §4.6: "polymorphic over a single operation fill(intent,
// tool, desc, template, tag) -> Success|Failed").
type FillRequest struct {
	Intent      string
	Tool        string
	Description string
	XMLTemplate string
	PayloadTag  string
}

// FillResult is either a Success (cleaned, validated XML) or a Failed
// (user-facing reason, internal error never surfaced — spec §7
// FormFillFailed).
type FillResult struct {
	OK      bool
	XML     string
	Reason  string
	lastErr error
}

// Err returns the internal cause of a Failed result, for logging only —
// spec §7 FormFillFailed is explicit that "internal error text is never
// leaked" to the caller that receives ToolFailed.
func (r FillResult) Err() error { return r.lastErr }

// FormFiller fills a tool-call payload from free-text intent.
type FormFiller interface {
	Fill(ctx context.Context, req FillRequest) FillResult
}

var codeFence = regexp.MustCompile("(?s)```(?:xml)?\\s*(.*?)\\s*```")

// stripCodeFence removes a surrounding markdown code fence, if present
// (spec §4.6 "strip code-fence markers").
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if m := codeFence.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	return s
}

// validateXML parses candidate and checks its root tag matches tag (spec
// §4.6 validate_xml; §8 "Form-fill closure": every Success payload parses
// as XML with root tag equal to the tool's payload_tag). encoding/xml is
// stdlib: no example repo in the corpus imports a third-party XML
// library, so there is nothing to wire here (documented in DESIGN.md).
func validateXML(candidate, tag string) error {
	decoder := xml.NewDecoder(strings.NewReader(candidate))
	tok, err := decoder.Token()
	for err == nil {
		if start, ok := tok.(xml.StartElement); ok {
			if start.Name.Local != tag {
				return fmt.Errorf("root tag %q does not match expected %q", start.Name.Local, tag)
			}
			// Fully consume to confirm well-formedness.
			var discard interface{}
			return xml.NewDecoder(strings.NewReader(candidate)).Decode(&discard)
		}
		tok, err = decoder.Token()
	}
	return fmt.Errorf("no root element found")
}

// CloudFormFiller calls a remote LLM with a model ladder, retrying up to
// MaxAttempts times and escalating one ladder rung per attempt (spec
// §4.6 "Cloud" strategy). Retry uses cenkalti/backoff/v5 rather than the
// teacher's hand-rolled Retryer (v2/rag/retry.go): backoff/v5 is already
// an indirect dependency of the pack, and wiring it directly here beats
// re-deriving exponential-backoff-with-jitter a second time in this
// package.
type CloudFormFiller struct {
	Client      llm.Client
	Ladder      llm.Ladder
	MaxAttempts int
	PerAttempt  time.Duration
	log         *slog.Logger
}

// NewCloudFormFiller builds a Cloud strategy over client using ladder for
// escalation.
func NewCloudFormFiller(client llm.Client, ladder llm.Ladder, maxAttempts int, perAttempt time.Duration, log *slog.Logger) *CloudFormFiller {
	if log == nil {
		log = slog.Default()
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if perAttempt <= 0 {
		perAttempt = 10 * time.Second
	}
	return &CloudFormFiller{Client: client, Ladder: ladder, MaxAttempts: maxAttempts, PerAttempt: perAttempt, log: log}
}

func (f *CloudFormFiller) prompt(req FillRequest) string {
	var b strings.Builder
	b.WriteString("Fill the following XML template to express the user's intent.\n")
	b.WriteString("Tool: ")
	b.WriteString(req.Tool)
	b.WriteString("\nDescription: ")
	b.WriteString(req.Description)
	b.WriteString("\nTemplate:\n")
	b.WriteString(req.XMLTemplate)
	b.WriteString("\nIntent:\n")
	b.WriteString(req.Intent)
	b.WriteString("\nRespond with only the filled XML document, root tag <")
	b.WriteString(req.PayloadTag)
	b.WriteString(">.\n")
	return b.String()
}

// Fill implements FormFiller.
func (f *CloudFormFiller) Fill(ctx context.Context, req FillRequest) FillResult {
	attempt := 0
	operation := func() (string, error) {
		model := f.Ladder.At(attempt)
		attemptCtx, cancel := context.WithTimeout(ctx, f.PerAttempt)
		defer cancel()

		resp, err := f.Client.Complete(attemptCtx, llm.Request{Model: model, Prompt: f.prompt(req), Timeout: f.PerAttempt})
		attempt++
		if err != nil {
			f.log.Debug("form-fill attempt failed", "tool", req.Tool, "attempt", attempt, "error", err)
			return "", err
		}

		candidate := stripCodeFence(resp.Text)
		if err := validateXML(candidate, req.PayloadTag); err != nil {
			f.log.Debug("form-fill produced invalid xml", "tool", req.Tool, "attempt", attempt, "error", err)
			return "", err
		}
		return candidate, nil
	}

	result, err := backoff.Retry(ctx, operation, backoff.WithMaxTries(uint(f.MaxAttempts)))
	if err != nil {
		return FillResult{OK: false, Reason: "could not produce a valid tool call", lastErr: agentoserr.FormFillFailed(req.Tool, err)}
	}
	return FillResult{OK: true, XML: result}
}

// LocalFormFiller uses a schema table built at registration (constrained
// decoding against a known payload schema) and falls back to a Cloud
// strategy for tools without a schema or on inference error (spec §4.6
// "Local" strategy). AgentOS has no local inference runtime in the
// corpus, so "constrained decoding" here means: check eagerly that the
// intent is well-formed XML whose root tag is the tool's payload_tag from
// Schemas, and skip the network round trip entirely when it is (e.g. an agent that emits exact tool XML directly rather than
// prose); any other case defers to fallback.
type LocalFormFiller struct {
	Schemas  map[string]string // tool -> payload_tag, used to recognize pass-through XML
	Fallback FormFiller
}

// NewLocalFormFiller builds a Local strategy with schemas and a mandatory
// fallback for unrecognized or malformed input.
func NewLocalFormFiller(schemas map[string]string, fallback FormFiller) *LocalFormFiller {
	return &LocalFormFiller{Schemas: schemas, Fallback: fallback}
}

// Fill implements FormFiller.
func (f *LocalFormFiller) Fill(ctx context.Context, req FillRequest) FillResult {
	tag, hasSchema := f.Schemas[req.Tool]
	if !hasSchema {
		return f.Fallback.Fill(ctx, req)
	}

	candidate := stripCodeFence(req.Intent)
	if err := validateXML(candidate, tag); err != nil {
		return f.Fallback.Fill(ctx, req)
	}
	return FillResult{OK: true, XML: candidate}
}
