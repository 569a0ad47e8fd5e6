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

package llm

import (
	"context"
	"errors"
)

// ErrNoProvider is returned by NopClient.Complete. It is the fallback
// wired in cmd/agentosd when no vendor client is configured, so the
// Router's form-filler and the Librarian's curator still fail with an
// ordinary returned error rather than a nil-pointer panic. It is a plain
// sentinel, not an agentoserr kinded error.
var ErrNoProvider = errors.New("llm: no provider configured")

// NopClient is a Client that always fails. Concrete vendor wiring is out
// of scope (see the Client doc comment); NopClient exists only so the
// rest of the module has something concrete to construct against in the
// absence of one.
type NopClient struct{}

func (NopClient) Complete(ctx context.Context, req Request) (Response, error) {
	return Response{}, ErrNoProvider
}
