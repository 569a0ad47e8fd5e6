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

// Concrete tool implementations and the terminal UI are out of scope
// (spec §1); the two handlers in this file are the minimal, always-present
// listeners needed to drive the Pipeline/Router/Librarian end to end:
// echo, a liveness probe, and agent, the LlmHandler that curates context
// and routes free text into a tool invocation or a plain reply.
package main

import (
	"context"
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/dullfig/AgentOS/pkg/librarian"
	"github.com/dullfig/AgentOS/pkg/pipeline"
	"github.com/dullfig/AgentOS/pkg/router"
	"github.com/dullfig/AgentOS/pkg/security"
)

type echoRequest struct {
	XMLName xml.Name `xml:"EchoRequest"`
	Text    string   `xml:"text"`
}

func buildEchoResponse(text string) string {
	var b strings.Builder
	b.WriteString("<EchoResponse><text>")
	xml.EscapeText(&b, []byte(text))
	b.WriteString("</text></EchoResponse>")
	return b.String()
}

// echoHandler replies with an EchoResponse carrying the request's text
// unchanged. Used as the
// liveness listener every organism config declares (spec §8's scenarios
// exercise a minimal reachable listener the same way).
func echoHandler() pipeline.Handler {
	return pipeline.HandlerFunc(func(ctx context.Context, cap pipeline.Capability, payload []byte) (pipeline.HandlerResult, error) {
		var req echoRequest
		if err := xml.Unmarshal(payload, &req); err != nil {
			return pipeline.HandlerResult{}, fmt.Errorf("echo: %w", err)
		}
		return pipeline.ReplyResult(buildEchoResponse(req.Text)), nil
	})
}

type agentRequest struct {
	XMLName xml.Name `xml:"AgentRequest"`
	Text    string   `xml:"text"`
}

func buildAgentResponse(text string) string {
	var b strings.Builder
	b.WriteString("<AgentResponse><text>")
	xml.EscapeText(&b, []byte(text))
	b.WriteString("</text></AgentResponse>")
	return b.String()
}

func buildToolFailureResponse(tool, note string) string {
	var b strings.Builder
	b.WriteString("<AgentResponse><tool_failed tool=\"")
	xml.EscapeText(&b, []byte(tool))
	b.WriteString("\"><note>")
	xml.EscapeText(&b, []byte(note))
	b.WriteString("</note></tool_failed></AgentResponse>")
	return b.String()
}

// agentHandlerConfig bundles the collaborators an agent listener's
// LlmHandler needs: curation (Librarian), tool routing (Router), and the
// allow-list lookup (SecurityResolver) that bounds which tools route()
// may ever pick (spec §4.6 "Security filter").
type agentHandlerConfig struct {
	librarian     *librarian.Librarian
	router        *router.Router
	security      *security.Resolver
	contextBudget int64
}

// agentHandler curates the thread's context inventory, then routes the
// request text: a tool match is forwarded to that listener under the
// same thread (spec §4.6 step 4's binary fork becomes the Pipeline's
// Forward result kind); no match or a failed form-fill replies directly.
func agentHandler(cfg agentHandlerConfig) pipeline.Handler {
	return pipeline.HandlerFunc(func(ctx context.Context, cap pipeline.Capability, payload []byte) (pipeline.HandlerResult, error) {
		var req agentRequest
		if err := xml.Unmarshal(payload, &req); err != nil {
			return pipeline.HandlerResult{}, fmt.Errorf("agent: %w", err)
		}

		systemContext, err := cfg.librarian.Curate(ctx, cap.Thread, []string{req.Text}, cfg.contextBudget)
		if err != nil {
			return pipeline.HandlerResult{}, fmt.Errorf("agent: curate: %w", err)
		}

		allowed := cfg.security.AllowedListeners(cap.Profile)
		outcome := cfg.router.Route(ctx, req.Text, allowed)

		switch {
		case outcome.Failed:
			return pipeline.ReplyResult(buildToolFailureResponse(outcome.Tool, outcome.Note)), nil
		case outcome.IsResponse:
			return pipeline.ReplyResult(buildAgentResponse(systemContext)), nil
		default:
			return pipeline.ForwardResult(outcome.Tool, outcome.ResultXML), nil
		}
	})
}
