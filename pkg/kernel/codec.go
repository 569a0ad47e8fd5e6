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

package kernel

import "strings"

// Record payloads are null-separated UTF-8 fields (spec §6.2). These two
// helpers are the only place that framing detail lives; every store's
// ApplyWALEntry and every Kernel transaction builder goes through them so
// the encoding stays consistent across the three stores.

const fieldSep = "\x00"

func encodeFields(fields ...string) []byte {
	return []byte(strings.Join(fields, fieldSep))
}

func decodeFields(payload []byte, n int) ([]string, bool) {
	parts := strings.Split(string(payload), fieldSep)
	if len(parts) != n {
		return nil, false
	}
	return parts, true
}
