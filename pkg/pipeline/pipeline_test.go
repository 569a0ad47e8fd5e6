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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dullfig/AgentOS/pkg/agentoserr"
	"github.com/dullfig/AgentOS/pkg/config"
	"github.com/dullfig/AgentOS/pkg/kernel"
	"github.com/dullfig/AgentOS/pkg/security"
)

func testOrganism() *config.Organism {
	return &config.Organism{
		Name: "test-org",
		Listeners: []config.ListenerConfig{
			{Name: "echo", PayloadClass: "EchoRequest", Handler: "echo"},
			{Name: "sink", PayloadClass: "SinkRequest", Handler: "sink"},
		},
		Profiles: []config.ProfileConfig{
			{Name: "public", OSUser: "public", AllowedListeners: []string{"echo"}},
			{Name: "admin", OSUser: "admin", AllowedListeners: []string{"echo", "sink"}},
		},
	}
}

func openTestKernel(t *testing.T) *kernel.Kernel {
	t.Helper()
	k, err := kernel.Open(t.TempDir(), nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = k.Close() })
	return k
}

func newTestPipeline(t *testing.T, registry *ListenerRegistry) (*Pipeline, *kernel.Kernel, string) {
	t.Helper()
	k := openTestKernel(t)
	resolver := security.NewResolver(testOrganism())
	p := New(k, resolver, registry, 4, nil, nil)
	require.NoError(t, p.Build())

	root, err := k.InitializeRoot("test-org", "admin")
	require.NoError(t, err)
	return p, k, root
}

func echoSchema() Schema {
	return Schema{RootTag: "EchoRequest"}
}

func TestInjectSecurityGateDeniesOutOfProfileTarget(t *testing.T) {
	registry := NewListenerRegistry()
	require.NoError(t, registry.Register(Listener{
		Name:   "sink",
		Schema: echoSchema(),
		Handler: HandlerFunc(func(ctx context.Context, cap Capability, payload []byte) (HandlerResult, error) {
			t.Fatal("handler must not run when the security gate denies")
			return HandlerResult{}, nil
		}),
	}))

	p, k, root := newTestPipeline(t, registry)
	before, _ := k.Contexts().Segments(root)

	env := Envelope{From: "console", To: "sink", Thread: root, Payload: "<EchoRequest/>"}
	_, err := p.Inject(context.Background(), env, "public")

	require.Error(t, err)
	assert.True(t, agentoserr.Is(err, agentoserr.KindSecurityDenied))

	after, _ := k.Contexts().Segments(root)
	assert.Equal(t, before, after)
}

func TestInjectSecurityGateAllowsInProfileTarget(t *testing.T) {
	registry := NewListenerRegistry()
	require.NoError(t, registry.Register(Listener{
		Name:   "sink",
		Schema: echoSchema(),
		Handler: HandlerFunc(func(ctx context.Context, cap Capability, payload []byte) (HandlerResult, error) {
			return NoneResult(), nil
		}),
	}))

	p, _, root := newTestPipeline(t, registry)
	env := Envelope{From: "console", To: "sink", Thread: root, Payload: "<EchoRequest/>"}
	_, err := p.Inject(context.Background(), env, "admin")
	assert.NoError(t, err)
}

func TestInjectRejectsSchemaMismatch(t *testing.T) {
	registry := NewListenerRegistry()
	require.NoError(t, registry.Register(Listener{
		Name:   "echo",
		Schema: Schema{RootTag: "EchoRequest", Required: []string{"text"}},
		Handler: HandlerFunc(func(ctx context.Context, cap Capability, payload []byte) (HandlerResult, error) {
			t.Fatal("handler must not run on a schema-rejected payload")
			return HandlerResult{}, nil
		}),
	}))

	p, _, root := newTestPipeline(t, registry)
	env := Envelope{From: "console", To: "echo", Thread: root, Payload: "<EchoRequest/>"}
	_, err := p.Inject(context.Background(), env, "admin")

	require.Error(t, err)
	assert.True(t, agentoserr.Is(err, agentoserr.KindSchemaRejected))
}

func TestInjectNoneResultPrunesThread(t *testing.T) {
	registry := NewListenerRegistry()
	require.NoError(t, registry.Register(Listener{
		Name:   "echo",
		Schema: echoSchema(),
		Handler: HandlerFunc(func(ctx context.Context, cap Capability, payload []byte) (HandlerResult, error) {
			return NoneResult(), nil
		}),
	}))

	p, k, root := newTestPipeline(t, registry)
	env := Envelope{From: "console", To: "echo", Thread: root, Payload: "<EchoRequest/>"}
	_, err := p.Inject(context.Background(), env, "admin")
	require.NoError(t, err)

	_, exists := k.Threads().Get(root)
	assert.True(t, exists, "root thread must still exist")
	assert.Empty(t, k.Journal().FindUndelivered(), "pruning marks the dispatched message delivered")
}

func TestInjectReplyLoopsBackToSender(t *testing.T) {
	registry := NewListenerRegistry()
	require.NoError(t, registry.Register(Listener{
		Name:   "echo",
		Schema: echoSchema(),
		Handler: HandlerFunc(func(ctx context.Context, cap Capability, payload []byte) (HandlerResult, error) {
			return ReplyResult("<EchoRequest/>"), nil
		}),
	}))
	require.NoError(t, registry.Register(Listener{
		Name:   "console",
		Schema: echoSchema(),
		Handler: HandlerFunc(func(ctx context.Context, cap Capability, payload []byte) (HandlerResult, error) {
			return NoneResult(), nil
		}),
	}))

	k := openTestKernel(t)
	org := &config.Organism{
		Name: "test-org",
		Listeners: []config.ListenerConfig{
			{Name: "echo", PayloadClass: "EchoRequest", Handler: "echo"},
			{Name: "console", PayloadClass: "EchoRequest", Handler: "console"},
		},
		Profiles: []config.ProfileConfig{
			{Name: "admin", OSUser: "admin", AllowedListeners: []string{"echo", "console"}},
		},
	}
	resolver := security.NewResolver(org)
	p := New(k, resolver, registry, 0, nil, nil)
	require.NoError(t, p.Build())

	root, err := k.InitializeRoot("test-org", "admin")
	require.NoError(t, err)

	env := Envelope{From: "console", To: "echo", Thread: root, Payload: "<EchoRequest/>"}
	result, err := p.Inject(context.Background(), env, "admin")
	require.NoError(t, err)
	assert.Equal(t, None, result.Kind)
}

func TestInjectForwardDispatchesUnderSameThread(t *testing.T) {
	registry := NewListenerRegistry()
	require.NoError(t, registry.Register(Listener{
		Name:   "echo",
		Schema: echoSchema(),
		Handler: HandlerFunc(func(ctx context.Context, cap Capability, payload []byte) (HandlerResult, error) {
			return ForwardResult("sink", "<SinkRequest/>"), nil
		}),
	}))
	require.NoError(t, registry.Register(Listener{
		Name:   "sink",
		Schema: Schema{RootTag: "SinkRequest"},
		Handler: HandlerFunc(func(ctx context.Context, cap Capability, payload []byte) (HandlerResult, error) {
			return NoneResult(), nil
		}),
	}))

	p, _, root := newTestPipeline(t, registry)
	env := Envelope{From: "console", To: "echo", Thread: root, Payload: "<EchoRequest/>"}
	result, err := p.Inject(context.Background(), env, "admin")
	require.NoError(t, err)
	assert.Equal(t, None, result.Kind)
}

func TestInjectHandlerErrorMarksMessageFailed(t *testing.T) {
	registry := NewListenerRegistry()
	require.NoError(t, registry.Register(Listener{
		Name:   "echo",
		Schema: echoSchema(),
		Handler: HandlerFunc(func(ctx context.Context, cap Capability, payload []byte) (HandlerResult, error) {
			return HandlerResult{}, assert.AnError
		}),
	}))

	p, k, root := newTestPipeline(t, registry)
	env := Envelope{From: "console", To: "echo", Thread: root, Payload: "<EchoRequest/>"}
	_, err := p.Inject(context.Background(), env, "admin")

	require.Error(t, err)
	assert.True(t, agentoserr.Is(err, agentoserr.KindHandlerError))
	assert.Empty(t, k.Journal().FindUndelivered(), "the failed message must not stay dispatched")
}

func TestInjectUnknownTargetIsSecurityDenied(t *testing.T) {
	registry := NewListenerRegistry()
	p, _, root := newTestPipeline(t, registry)

	env := Envelope{From: "console", To: "ghost", Thread: root, Payload: "<X/>"}
	_, err := p.Inject(context.Background(), env, "admin")

	require.Error(t, err)
	assert.True(t, agentoserr.Is(err, agentoserr.KindSecurityDenied))
}

func TestBuildRejectsPortConflict(t *testing.T) {
	registry := NewListenerRegistry()
	require.NoError(t, registry.Register(Listener{Name: "a", Ports: []int{8080}}))
	require.NoError(t, registry.Register(Listener{Name: "b", Ports: []int{8080}}))

	err := registry.CheckPortConflicts()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "8080")
}

func TestCapabilityInjectUsesCallersProfile(t *testing.T) {
	registry := NewListenerRegistry()
	require.NoError(t, registry.Register(Listener{
		Name:   "sink",
		Schema: Schema{RootTag: "SinkRequest"},
		Handler: HandlerFunc(func(ctx context.Context, cap Capability, payload []byte) (HandlerResult, error) {
			return NoneResult(), nil
		}),
	}))
	require.NoError(t, registry.Register(Listener{
		Name:   "echo",
		Schema: echoSchema(),
		Handler: HandlerFunc(func(ctx context.Context, cap Capability, payload []byte) (HandlerResult, error) {
			_, err := cap.Inject(ctx, Envelope{From: "echo", To: "sink", Thread: cap.Thread, Payload: "<SinkRequest/>"})
			if err != nil {
				return HandlerResult{}, err
			}
			return NoneResult(), nil
		}),
	}))

	p, _, root := newTestPipeline(t, registry)

	env := Envelope{From: "console", To: "echo", Thread: root, Payload: "<EchoRequest/>"}
	_, err := p.Inject(context.Background(), env, "public")
	require.Error(t, err, "echo's nested inject to sink must be denied under the public profile")
	assert.True(t, agentoserr.Is(err, agentoserr.KindSecurityDenied))
}
