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

package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/dullfig/AgentOS/pkg/config"
)

// PermissionTier is how a listener's action is gated once it is reachable
// (spec §9 design note iii: tier exists in the config schema, the path
// from tier to user interaction is left to the implementer). AgentOS
// models it as a (tier, approval channel) pair with Auto as the
// deterministic default.
type PermissionTier int

const (
	// Auto runs the handler without any user interaction. Default.
	Auto PermissionTier = iota
	// Prompt carries the ApprovalChannel an approval request is routed
	// to. Pipeline.Inject does not wait for an approval: it runs the
	// handler exactly as for Auto.
	Prompt
	// Deny always fails the inject with SecurityDenied, independent of
	// the security resolver's table.
	Deny
)

// Permission pairs a tier with the channel an approval prompt is sent to
// (meaningful only when Tier is Prompt).
type Permission struct {
	Tier            PermissionTier
	ApprovalChannel string
}

// HandlerKind marks whether a listener represents an LLM-driven agent
// (its output is free text routed by the Semantic Router) or a plain
// tool (its output is structured and consumed directly).
type HandlerKind int

const (
	ToolHandler HandlerKind = iota
	AgentHandler
)

// Capability is the injection handle a handler receives to dispatch
// further envelopes without holding a direct Pipeline reference (spec §9
// "Cyclic ownership"). It knows only the Pipeline's injection entry
// point, is safe to clone, and carries the originating thread + profile
// so nested dispatches inherit them.
type Capability struct {
	inject  func(ctx context.Context, env Envelope, profile string) (HandlerResult, error)
	Thread  string
	Profile string
}

// Inject lets a handler dispatch a new envelope under the same security
// profile as the one it is running under.
func (c Capability) Inject(ctx context.Context, env Envelope) (HandlerResult, error) {
	return c.inject(ctx, env, c.Profile)
}

// ResultKind is the discriminant of HandlerResult (spec §4.4 step 6:
// Reply, None, Forward).
type ResultKind int

const (
	None ResultKind = iota
	Reply
	Forward
)

// HandlerResult is what a listener handler returns to the Pipeline.
type HandlerResult struct {
	Kind       ResultKind
	PayloadXML string // Reply, Forward
	ForwardTo  string // Forward only
}

// ReplyResult builds a terminal Reply result.
func ReplyResult(payloadXML string) HandlerResult {
	return HandlerResult{Kind: Reply, PayloadXML: payloadXML}
}

// NoneResult builds a terminal result that sends nothing back.
func NoneResult() HandlerResult { return HandlerResult{Kind: None} }

// ForwardResult builds a result that dispatches a new envelope to `to`
// under the same thread.
func ForwardResult(to, payloadXML string) HandlerResult {
	return HandlerResult{Kind: Forward, ForwardTo: to, PayloadXML: payloadXML}
}

// Handler is the capability set a listener exposes: handle(payload, ctx)
// -> result (spec §9 "Polymorphism"). Concrete variants — LLM agents,
// local tools, form-filling relays — are enumerated at build time by the
// organism configuration, not discovered dynamically.
type Handler interface {
	Handle(ctx context.Context, cap Capability, payload []byte) (HandlerResult, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, cap Capability, payload []byte) (HandlerResult, error)

func (f HandlerFunc) Handle(ctx context.Context, cap Capability, payload []byte) (HandlerResult, error) {
	return f(ctx, cap, payload)
}

// Listener is a named endpoint a bound organism declares: a payload
// schema, a handler, whether it is an LLM agent, its allowed peers, any
// declared inbound ports, and a permission map keyed by peer name.
type Listener struct {
	Name        string
	Kind        HandlerKind
	Schema      Schema
	Handler     Handler
	Peers       []string
	Ports       []int
	Permissions map[string]Permission
}

// PermissionFor returns the Permission for peer, defaulting to Auto when
// the listener declares none.
func (l Listener) PermissionFor(peer string) Permission {
	if p, ok := l.Permissions[peer]; ok {
		return p
	}
	return Permission{Tier: Auto}
}

// ListenerRegistry holds the bound listener set. It is specialized to
// Listener rather than a generic name->item map, since Build must
// additionally check cross-listener port conflicts, which a bare map
// cannot express.
type ListenerRegistry struct {
	mu    sync.RWMutex
	items map[string]Listener
}

// NewListenerRegistry returns an empty registry.
func NewListenerRegistry() *ListenerRegistry {
	return &ListenerRegistry{items: make(map[string]Listener)}
}

// Register adds l under its own name. Re-registering a name is an error,
// mirroring BaseRegistry.Register.
func (r *ListenerRegistry) Register(l Listener) error {
	if l.Name == "" {
		return fmt.Errorf("listener registry: name cannot be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.items[l.Name]; exists {
		return fmt.Errorf("listener registry: %q already registered", l.Name)
	}
	r.items[l.Name] = l
	return nil
}

// Get returns the listener named name.
func (r *ListenerRegistry) Get(name string) (Listener, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.items[name]
	return l, ok
}

// Names returns every registered listener name.
func (r *ListenerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.items))
	for name := range r.items {
		out = append(out, name)
	}
	return out
}

// CheckPortConflicts scans every registered listener's declared ports
// using the same config.CheckPortConflicts the organism loader runs at
// parse time, so a registry built directly in tests or demo code is held
// to the identical rule (spec §8 scenario 3).
func (r *ListenerRegistry) CheckPortConflicts() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	configs := make([]config.ListenerConfig, 0, len(r.items))
	for _, name := range sortedNames(r.items) {
		l := r.items[name]
		configs = append(configs, config.ListenerConfig{Name: l.Name, Ports: l.Ports})
	}
	return config.CheckPortConflicts(configs)
}

func sortedNames(items map[string]Listener) []string {
	names := make([]string, 0, len(items))
	for name := range items {
		names = append(names, name)
	}
	// Deterministic ordering keeps which listener is reported as "First"
	// stable across runs for the same registration set.
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && names[j-1] > names[j]; j-- {
			names[j-1], names[j] = names[j], names[j-1]
		}
	}
	return names
}
