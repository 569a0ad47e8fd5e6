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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildAndParseEnvelopeRoundTrips(t *testing.T) {
	env := Envelope{From: "console", To: "echo", Thread: "t-1", Payload: "<EchoRequest><text>hi</text></EchoRequest>"}
	wire := BuildEnvelope(env)

	parsed, err := ParseEnvelope(wire)
	require.NoError(t, err)
	assert.Equal(t, env, parsed)
}

func TestBuildEnvelopeEscapesPayload(t *testing.T) {
	env := Envelope{From: "a", To: "b", Thread: "t", Payload: "<X>a & b < c</X>"}
	wire := BuildEnvelope(env)

	assert.NotContains(t, string(wire), "<X>a & b < c</X>")

	parsed, err := ParseEnvelope(wire)
	require.NoError(t, err)
	assert.Equal(t, env.Payload, parsed.Payload)
}

func TestParseEnvelopeRejectsMissingMandatoryTag(t *testing.T) {
	_, err := ParseEnvelope([]byte(`<Envelope><from>a</from><to>b</to></Envelope>`))
	assert.Error(t, err)
}

func TestParseEnvelopeOrderFree(t *testing.T) {
	wire := `<Envelope><payload>&lt;X/&gt;</payload><thread>t</thread><to>b</to><from>a</from></Envelope>`
	env, err := ParseEnvelope([]byte(wire))
	require.NoError(t, err)
	assert.Equal(t, "a", env.From)
	assert.Equal(t, "b", env.To)
	assert.Equal(t, "t", env.Thread)
	assert.Equal(t, "<X/>", env.Payload)
}

func TestValidateEnvelopeRejectsMismatchedTag(t *testing.T) {
	schema := Schema{RootTag: "EchoRequest"}
	env := Envelope{Payload: "<OtherRequest/>"}
	err := ValidateEnvelope(env, Listener{Schema: schema})
	assert.Error(t, err)
}

func TestValidateEnvelopeRejectsMissingRequiredField(t *testing.T) {
	schema := Schema{RootTag: "EchoRequest", Required: []string{"text"}}
	env := Envelope{Payload: "<EchoRequest><other/></EchoRequest>"}
	err := ValidateEnvelope(env, Listener{Schema: schema})
	assert.Error(t, err)
}

func TestValidateEnvelopeAcceptsWellFormedPayload(t *testing.T) {
	schema := Schema{RootTag: "EchoRequest", Required: []string{"text"}}
	env := Envelope{Payload: "<EchoRequest><text>hi</text></EchoRequest>"}
	err := ValidateEnvelope(env, Listener{Schema: schema})
	assert.NoError(t, err)
}
