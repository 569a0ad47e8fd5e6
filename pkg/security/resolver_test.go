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

package security

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dullfig/AgentOS/pkg/config"
)

func orgFixture(t *testing.T) *config.Organism {
	t.Helper()
	org, err := config.Parse([]byte(`
name: o
listeners:
  - {name: echo, payload_class: text, handler: echo_handler}
  - {name: sink, payload_class: text, handler: sink_handler}
profiles:
  - {name: public, os_user: nobody, allowed_listeners: [echo]}
  - {name: admin, os_user: root, allowed_listeners: [echo, sink]}
  - {name: locked, os_user: none}
`))
	require.NoError(t, err)
	return org
}

// TestSecuritySoundnessScenario covers spec §8 scenario 4: public may
// reach echo but not sink; admin may reach both.
func TestSecuritySoundnessScenario(t *testing.T) {
	r := NewResolver(orgFixture(t))

	assert.True(t, r.CanReach("public", "echo"))
	assert.False(t, r.CanReach("public", "sink"))
	assert.True(t, r.CanReach("admin", "echo"))
	assert.True(t, r.CanReach("admin", "sink"))
}

func TestEmptyAllowListMeansNoAccess(t *testing.T) {
	r := NewResolver(orgFixture(t))
	assert.False(t, r.CanReach("locked", "echo"))
	assert.False(t, r.CanReach("locked", "sink"))
}

func TestUnknownProfileOrListenerFailsClosed(t *testing.T) {
	r := NewResolver(orgFixture(t))
	assert.False(t, r.CanReach("ghost", "echo"))
	assert.False(t, r.CanReach("public", "ghost"))
}

func TestAllowedListeners(t *testing.T) {
	r := NewResolver(orgFixture(t))
	assert.ElementsMatch(t, []string{"echo", "sink"}, r.AllowedListeners("admin"))
	assert.ElementsMatch(t, []string{"echo"}, r.AllowedListeners("public"))
	assert.Nil(t, r.AllowedListeners("locked"))
}

func TestReloadReplacesTableAtomically(t *testing.T) {
	r := NewResolver(orgFixture(t))
	require.True(t, r.CanReach("public", "echo"))

	next, err := config.Parse([]byte(`
name: o
listeners:
  - {name: echo, payload_class: text, handler: echo_handler}
profiles:
  - {name: public, os_user: nobody, allowed_listeners: []}
`))
	require.NoError(t, err)

	r.Reload(next)
	assert.False(t, r.CanReach("public", "echo"))
	// sink no longer exists post-reload; any profile targeting it fails closed.
	assert.False(t, r.CanReach("admin", "sink"))
}

// TestManyListenersCrossesWordBoundary exercises the bitmap's word-packing
// beyond a single 64-bit word.
func TestManyListenersCrossesWordBoundary(t *testing.T) {
	yaml := "name: o\nlisteners:\n"
	for i := 0; i < 130; i++ {
		yaml += listenerYAML(i)
	}
	yaml += "profiles:\n  - name: p\n    os_user: u\n    allowed_listeners: [l0, l65, l129]\n"

	org, err := config.Parse([]byte(yaml))
	require.NoError(t, err)
	r := NewResolver(org)

	assert.True(t, r.CanReach("p", "l0"))
	assert.True(t, r.CanReach("p", "l65"))
	assert.True(t, r.CanReach("p", "l129"))
	assert.False(t, r.CanReach("p", "l1"))
	assert.False(t, r.CanReach("p", "l64"))
}

func listenerYAML(i int) string {
	name := "l" + strconv.Itoa(i)
	return "  - {name: " + name + ", payload_class: text, handler: h}\n"
}
