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
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dullfig/AgentOS/pkg/agentoserr"
	"github.com/dullfig/AgentOS/pkg/kernel"
	"github.com/dullfig/AgentOS/pkg/security"
)

// Metrics are the Pipeline's Prometheus collectors.
type Metrics struct {
	injectTotal *prometheus.CounterVec
	inFlight    prometheus.Gauge
}

// NewMetrics registers Pipeline collectors against reg, which may be nil
// to disable collection.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		injectTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentos_pipeline_inject_total",
			Help: "Envelope injections by result.",
		}, []string{"result"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentos_pipeline_inflight_envelopes",
			Help: "Envelopes currently being processed.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.injectTotal, m.inFlight)
	}
	return m
}

func (m *Metrics) inc(result string) {
	if m == nil {
		return
	}
	m.injectTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) inFlightDelta(delta float64) {
	if m == nil {
		return
	}
	m.inFlight.Add(delta)
}

// Pipeline is the Agent Pipeline: envelope ingress, security gating,
// schema validation, handler dispatch, and the step-2 loop that handles
// a Reply by re-injecting it toward the original sender (spec §4.4).
//
// A Pipeline holds a Kernel reference; the Kernel must not hold one back
// (spec §9 "Cyclic ownership"). Handlers that need to dispatch receive a
// Capability rather than the Pipeline itself.
type Pipeline struct {
	kernel   *kernel.Kernel
	security *security.Resolver
	registry *ListenerRegistry
	log      *slog.Logger
	metrics  *Metrics

	sem chan struct{} // bounded worker pool: one slot per in-flight envelope

	mu            sync.RWMutex
	threadProfile map[string]string // thread UUID -> owning security profile
}

// New builds a Pipeline. maxInFlight bounds the number of envelopes
// processed concurrently (0 means unbounded). log and reg may be nil.
func New(k *kernel.Kernel, sec *security.Resolver, registry *ListenerRegistry, maxInFlight int, log *slog.Logger, reg *prometheus.Registry) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	var sem chan struct{}
	if maxInFlight > 0 {
		sem = make(chan struct{}, maxInFlight)
	}
	return &Pipeline{
		kernel:        k,
		security:      sec,
		registry:      registry,
		log:           log,
		metrics:       NewMetrics(reg),
		sem:           sem,
		threadProfile: make(map[string]string),
	}
}

// Build validates the registry's listener set before the Pipeline
// accepts any envelopes: currently this is the port-conflict check (spec
// §8 scenario 3). Call once after all listeners are registered.
func (p *Pipeline) Build() error {
	return p.registry.CheckPortConflicts()
}

// ProfileOf returns the security profile a live thread was dispatched
// under, so a caller can inject further envelopes on that thread under
// the same profile without re-supplying it. Nothing in this module calls
// it.
func (p *Pipeline) ProfileOf(thread string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	prof, ok := p.threadProfile[thread]
	return prof, ok
}

func (p *Pipeline) setProfile(thread, profile string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.threadProfile[thread] = profile
}

func (p *Pipeline) forgetProfile(thread string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.threadProfile, thread)
}

func (p *Pipeline) acquire() {
	if p.sem != nil {
		p.sem <- struct{}{}
	}
	p.metrics.inFlightDelta(1)
}

func (p *Pipeline) release() {
	p.metrics.inFlightDelta(-1)
	if p.sem != nil {
		<-p.sem
	}
}

// InjectRoot is the entry point for an envelope whose thread names an
// already-open root or parent chain established outside the Pipeline
// (e.g. by the process wiring up a new conversation). profile is the
// security profile the envelope's source acts under; it is remembered
// for the lifetime of any thread this call produces so that handler
// callbacks and reply loops inherit it without re-deriving it.
func (p *Pipeline) InjectRoot(ctx context.Context, env Envelope, profile string) (HandlerResult, error) {
	p.setProfile(env.Thread, profile)
	return p.Inject(ctx, env, profile)
}

// InjectAsync spawns one goroutine per envelope, bounded by the
// Pipeline's worker-pool semaphore (spec §4.4 "Concurrency"), and
// reports the terminal result (or error) on done. It does not block the
// caller.
func (p *Pipeline) InjectAsync(ctx context.Context, env Envelope, profile string, done func(HandlerResult, error)) {
	go func() {
		p.acquire()
		defer p.release()
		res, err := p.InjectRoot(ctx, env, profile)
		if done != nil {
			done(res, err)
		}
	}()
}

// Inject runs the exact dispatch order of spec §4.4 step 1-7:
//  1. envelope already parsed (callers construct Envelope directly; see
//     ParseEnvelope for wire-format ingress)
//  2. security gate: SecurityResolver.CanReach(profile, to), fail closed
//  3. schema validate the payload against the target listener
//  4. Kernel.DispatchMessage, producing a new thread UUID
//  5. handler invoke
//  6. Reply / None / Forward handling
//  7. on Reply, loop to step 2 toward the original sender; on terminal,
//     prune the thread; on error, mark the message failed
func (p *Pipeline) Inject(ctx context.Context, env Envelope, profile string) (HandlerResult, error) {
	listener, ok := p.registry.Get(env.To)
	if !ok {
		p.metrics.inc("unknown_target")
		return HandlerResult{}, agentoserr.SecurityDenied("unknown target listener", fmt.Errorf("%q", env.To))
	}

	// Step 2: security gate. Fail closed and do nothing else — no kernel
	// mutation, no handler invocation (spec §8 "Security soundness").
	if perm := listener.PermissionFor(env.From); perm.Tier == Deny {
		p.metrics.inc("denied")
		return HandlerResult{}, agentoserr.SecurityDenied("listener denies this peer", fmt.Errorf("%s -> %s", env.From, env.To))
	}
	if !p.security.CanReach(profile, env.To) {
		p.metrics.inc("denied")
		return HandlerResult{}, agentoserr.SecurityDenied("profile cannot reach target", fmt.Errorf("%s -> %s", profile, env.To))
	}

	// Step 3: schema validation.
	if err := ValidateEnvelope(env, listener); err != nil {
		p.metrics.inc("schema_rejected")
		return HandlerResult{}, agentoserr.SchemaRejected("payload failed schema validation", err)
	}

	// Step 4: dispatch_message. Each inject gets a fresh message id: the
	// journal's dedup check (ErrMessageIDInUse) guards against the same
	// WAL batch being re-applied on crash recovery, not against two
	// distinct envelopes carrying equal content.
	messageID := uuid.NewString()
	newThread, err := p.kernel.DispatchMessage(env.From, env.To, env.Thread, messageID)
	if err != nil {
		p.metrics.inc("kernel_io")
		return HandlerResult{}, agentoserr.KernelIO("dispatch_message failed", err)
	}
	p.setProfile(newThread, profile)
	p.log.Debug("injected", "from", env.From, "to", env.To, "thread", newThread, "profile", profile)

	cap := Capability{
		inject: func(ctx context.Context, fwd Envelope, fwdProfile string) (HandlerResult, error) {
			return p.Inject(ctx, fwd, fwdProfile)
		},
		Thread:  newThread,
		Profile: profile,
	}

	// Step 5: handler invoke. A handler that forwarded the error from its
	// own Capability.Inject call already carries a classified
	// agentoserr.Error (e.g. SecurityDenied from a nested gate); only a
	// handler's own, unclassified failure becomes HandlerError, so the
	// taxonomy a caller inspects reflects the real cause rather than
	// always blaming the handler.
	result, err := listener.Handler.Handle(ctx, cap, []byte(env.Payload))
	if err != nil {
		_ = p.kernel.MarkFailed(messageID)
		if agentoserr.KindOf(err) != agentoserr.KindUnknown {
			p.metrics.inc("handler_propagated_error")
			return HandlerResult{}, err
		}
		p.metrics.inc("handler_error")
		return HandlerResult{}, agentoserr.HandlerError("handler returned an error", err)
	}

	// Step 6/7.
	switch result.Kind {
	case None:
		if _, err := p.kernel.PruneThread(newThread); err != nil {
			p.metrics.inc("kernel_io")
			return HandlerResult{}, agentoserr.KernelIO("prune_thread failed", err)
		}
		p.forgetProfile(newThread)
		p.metrics.inc("ok")
		return result, nil

	case Reply:
		replyEnv := Envelope{From: env.To, To: env.From, Thread: newThread, Payload: result.PayloadXML}
		replyResult, err := p.Inject(ctx, replyEnv, profile)
		if _, pruneErr := p.kernel.PruneThread(newThread); pruneErr == nil {
			p.forgetProfile(newThread)
		}
		if err != nil {
			return HandlerResult{}, err
		}
		p.metrics.inc("ok")
		return replyResult, nil

	case Forward:
		fwdEnv := Envelope{From: env.To, To: result.ForwardTo, Thread: newThread, Payload: result.PayloadXML}
		fwdResult, err := p.Inject(ctx, fwdEnv, profile)
		if err != nil {
			return HandlerResult{}, err
		}
		p.metrics.inc("ok")
		return fwdResult, nil

	default:
		p.metrics.inc("handler_error")
		return HandlerResult{}, agentoserr.HandlerError("handler returned an unknown result kind", nil)
	}
}
