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

// Package llm defines the boundary contract to the remote LLM HTTP
// client: a pure request/response collaborator whose own implementation
// is out of scope (spec §1 "Out of scope"). The Router's form-fillers and
// the Librarian's curator are the only two callers; both talk to a Client
// rather than any specific vendor SDK, so a model ladder (§6.2) can
// escalate providers without either caller knowing which vendor answered.
package llm

import (
	"context"
	"time"
)

// Model names a single rung on a form-filler's escalation ladder (spec
// §4.6 "a model ladder: first attempt uses the cheapest model, later
// attempts escalate one tier").
type Model struct {
	Name        string
	MaxTokens   int
	Temperature float64
}

// Request is one completion call: a prompt plus the rung of the ladder to
// use. Every caller in AgentOS speaks in plain prompts and plain text
// completions — no tool-calling or structured-output surface is needed,
// since both the Router and the Librarian parse their own XML envelopes
// out of the returned text (spec §6.3).
type Request struct {
	Model   Model
	Prompt  string
	Timeout time.Duration
}

// Response is the completion text plus the token count the vendor billed,
// trimmed to what AgentOS's callers actually consume.
type Response struct {
	Text   string
	Tokens int
}

// Client is the fixed boundary to the remote LLM HTTP client. Concrete
// vendor wiring (OpenAI, Anthropic, Ollama, ...) lives outside AgentOS;
// only this interface crosses into pkg/router and pkg/librarian.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// Ladder is an ordered escalation path: index 0 is tried first, failures
// advance to the next rung (spec §4.6, §6.2 "escalates one tier").
type Ladder []Model

// At returns the model for attempt (0-indexed), clamped to the last rung
// once attempts exceed the ladder's length.
func (l Ladder) At(attempt int) Model {
	if len(l) == 0 {
		return Model{}
	}
	if attempt >= len(l) {
		attempt = len(l) - 1
	}
	return l[attempt]
}
