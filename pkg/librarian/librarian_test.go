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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dullfig/AgentOS/pkg/kernel"
	"github.com/dullfig/AgentOS/pkg/llm"
)

type scriptedClient struct {
	text string
	err  error
}

func (c *scriptedClient) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	if c.err != nil {
		return llm.Response{}, c.err
	}
	return llm.Response{Text: c.text}, nil
}

func openTestKernel(t *testing.T) *kernel.Kernel {
	t.Helper()
	dir := t.TempDir()
	k, err := kernel.Open(dir, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = k.Close() })
	return k
}

func seedThreadWithSegments(t *testing.T, k *kernel.Kernel) string {
	t.Helper()
	root, err := k.InitializeRoot("org", "admin")
	require.NoError(t, err)
	thread, err := k.DispatchMessage("console", "handler", root, "m1")
	require.NoError(t, err)

	segs := []kernel.Segment{
		{ID: "s1", Tag: "message", Size: 1000, Status: kernel.Active, Relevance: 0.9},
		{ID: "s2", Tag: "message", Size: 1500, Status: kernel.Active, Relevance: 0.5},
		{ID: "s3", Tag: "codemap", Size: 1000, Status: kernel.Shelved, Relevance: 0.2},
	}
	for _, s := range segs {
		require.NoError(t, k.AddSegment(thread, s))
	}
	return thread
}

// TestCurationBudgetScenario covers spec §8 "Curation budget" and
// scenario 6: after curate with budget 1000 over 3500 total bytes (2500
// of them active), the resulting active set must not exceed budget.
func TestCurationBudgetScenario(t *testing.T) {
	k := openTestKernel(t)
	thread := seedThreadWithSegments(t, k)

	client := &scriptedClient{text: `<CurationDecision><page_in><segment id="s1"/><segment id="s2"/></page_in><page_out></page_out></CurationDecision>`}
	lib := New(k, client, llm.Ladder{{Name: "cheap"}}, nil)

	_, err := lib.Curate(context.Background(), thread, []string{"hello"}, 1000)
	require.NoError(t, err)

	_, active := k.Contexts().TotalBytes(thread)
	assert.LessOrEqual(t, active, int64(1000))
}

func TestCuratePageOutShelvesSegments(t *testing.T) {
	k := openTestKernel(t)
	thread := seedThreadWithSegments(t, k)

	client := &scriptedClient{text: `<CurationDecision><page_in></page_in><page_out><segment id="s1"/></page_out></CurationDecision>`}
	lib := New(k, client, llm.Ladder{{Name: "cheap"}}, nil)

	_, err := lib.Curate(context.Background(), thread, nil, 5000)
	require.NoError(t, err)

	segs, _ := k.Contexts().Segments(thread)
	for _, s := range segs {
		if s.ID == "s1" {
			assert.Equal(t, kernel.Shelved, s.Status)
		}
	}
}

func TestCurateUnparseableResponseKeepsActiveUnchanged(t *testing.T) {
	k := openTestKernel(t)
	thread := seedThreadWithSegments(t, k)

	client := &scriptedClient{text: "not xml garbage"}
	lib := New(k, client, llm.Ladder{{Name: "cheap"}}, nil)

	before, _ := k.Contexts().Segments(thread)
	_, err := lib.Curate(context.Background(), thread, nil, 5000)
	require.NoError(t, err)
	after, _ := k.Contexts().Segments(thread)

	assert.Equal(t, statusMap(before), statusMap(after))
}

func TestCurateLlmErrorKeepsActiveUnchanged(t *testing.T) {
	k := openTestKernel(t)
	thread := seedThreadWithSegments(t, k)

	client := &scriptedClient{err: errors.New("network down")}
	lib := New(k, client, llm.Ladder{{Name: "cheap"}}, nil)

	before, _ := k.Contexts().Segments(thread)
	_, err := lib.Curate(context.Background(), thread, nil, 5000)
	require.NoError(t, err)
	after, _ := k.Contexts().Segments(thread)

	assert.Equal(t, statusMap(before), statusMap(after))
}

func TestCurateUnknownThreadIsNoop(t *testing.T) {
	k := openTestKernel(t)
	client := &scriptedClient{text: "<CurationDecision/>"}
	lib := New(k, client, llm.Ladder{{Name: "cheap"}}, nil)

	out, err := lib.Curate(context.Background(), "ghost-thread", nil, 100)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestSummarizeRespectsBudgetAndActiveOnly(t *testing.T) {
	k := openTestKernel(t)
	thread := seedThreadWithSegments(t, k)
	lib := New(k, nil, nil, nil)

	out, err := lib.Summarize(thread, 1000)
	require.NoError(t, err)
	assert.NotContains(t, out, "codemap")
	assert.NotContains(t, out, ">s2<")
}

func statusMap(segs []kernel.Segment) map[string]kernel.SegmentStatus {
	out := make(map[string]kernel.SegmentStatus, len(segs))
	for _, s := range segs {
		out[s.ID] = s.Status
	}
	return out
}
