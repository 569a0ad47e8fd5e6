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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dullfig/AgentOS/pkg/llm"
)

type scriptedClient struct {
	responses []llm.Response
	errs      []error
	calls     int
}

func (c *scriptedClient) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	i := c.calls
	c.calls++
	if i < len(c.errs) && c.errs[i] != nil {
		return llm.Response{}, c.errs[i]
	}
	if i < len(c.responses) {
		return c.responses[i], nil
	}
	return llm.Response{}, errors.New("no scripted response")
}

func TestStripCodeFenceRemovesFence(t *testing.T) {
	in := "```xml\n<Foo>bar</Foo>\n```"
	assert.Equal(t, "<Foo>bar</Foo>", stripCodeFence(in))
}

func TestStripCodeFenceNoFenceIsUnchanged(t *testing.T) {
	in := "<Foo>bar</Foo>"
	assert.Equal(t, in, stripCodeFence(in))
}

func TestValidateXMLAcceptsMatchingRootTag(t *testing.T) {
	assert.NoError(t, validateXML("<FileOpsRequest><path>a</path></FileOpsRequest>", "FileOpsRequest"))
}

func TestValidateXMLRejectsWrongRootTag(t *testing.T) {
	assert.Error(t, validateXML("<Other/>", "FileOpsRequest"))
}

func TestValidateXMLRejectsMalformed(t *testing.T) {
	assert.Error(t, validateXML("not xml at all", "FileOpsRequest"))
}

func TestCloudFormFillerSucceedsFirstAttempt(t *testing.T) {
	client := &scriptedClient{responses: []llm.Response{{Text: "<FileOpsRequest><path>a</path></FileOpsRequest>"}}}
	filler := NewCloudFormFiller(client, llm.Ladder{{Name: "cheap"}}, 3, time.Second, nil)

	result := filler.Fill(context.Background(), FillRequest{Tool: "file-ops", PayloadTag: "FileOpsRequest"})
	require.True(t, result.OK)
	assert.Contains(t, result.XML, "FileOpsRequest")
}

func TestCloudFormFillerRetriesThenSucceeds(t *testing.T) {
	client := &scriptedClient{
		responses: []llm.Response{{Text: "not valid xml"}, {Text: "<FileOpsRequest/>"}},
	}
	filler := NewCloudFormFiller(client, llm.Ladder{{Name: "cheap"}, {Name: "better"}}, 3, time.Second, nil)

	result := filler.Fill(context.Background(), FillRequest{Tool: "file-ops", PayloadTag: "FileOpsRequest"})
	require.True(t, result.OK)
}

func TestCloudFormFillerExhaustsAttemptsReturnsFailed(t *testing.T) {
	client := &scriptedClient{responses: []llm.Response{{Text: "x"}, {Text: "y"}, {Text: "z"}}}
	filler := NewCloudFormFiller(client, llm.Ladder{{Name: "cheap"}}, 3, time.Second, nil)

	result := filler.Fill(context.Background(), FillRequest{Tool: "file-ops", PayloadTag: "FileOpsRequest"})
	assert.False(t, result.OK)
	assert.NotEmpty(t, result.Reason)
	assert.Error(t, result.Err())
}

func TestLocalFormFillerPassesThroughValidIntent(t *testing.T) {
	filler := NewLocalFormFiller(map[string]string{"file-ops": "FileOpsRequest"}, nil)
	result := filler.Fill(context.Background(), FillRequest{Tool: "file-ops", Intent: "<FileOpsRequest/>"})
	require.True(t, result.OK)
	assert.Equal(t, "<FileOpsRequest/>", result.XML)
}

func TestLocalFormFillerFallsBackWhenNoSchema(t *testing.T) {
	client := &scriptedClient{responses: []llm.Response{{Text: "<ShellRequest/>"}}}
	fallback := NewCloudFormFiller(client, llm.Ladder{{Name: "cheap"}}, 1, time.Second, nil)
	filler := NewLocalFormFiller(map[string]string{}, fallback)

	result := filler.Fill(context.Background(), FillRequest{Tool: "shell", Intent: "run ls", PayloadTag: "ShellRequest"})
	require.True(t, result.OK)
	assert.Contains(t, result.XML, "ShellRequest")
}
