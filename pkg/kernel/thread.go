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

import (
	"fmt"
	"sync"

	"github.com/dullfig/AgentOS/pkg/wal"
)

// chain is one entry in the ThreadTable: a dotted call-chain string and
// the parent UUID it extends (empty for the root).
type chain struct {
	uuid   string
	parent string
	path   string // dotted chain string, e.g. "root.agent.file-read"
}

// ThreadTable is a rooted tree of call chains, each identified by a UUID
// (spec §3 Thread). All mutators are idempotent under repeated
// application of the same WAL record: the Kernel calls them directly after
// a successful WAL append, and ApplyWALEntry calls the same mutators once
// per record recovered from disk, so live application and replay agree.
type ThreadTable struct {
	mu    sync.RWMutex
	byID  map[string]*chain
	roots map[string]*chain // org+"\x00"+profile -> root chain
}

// NewThreadTable returns an empty table, ready to be fed WAL records or
// mutated directly.
func NewThreadTable() *ThreadTable {
	return &ThreadTable{
		byID:  make(map[string]*chain),
		roots: make(map[string]*chain),
	}
}

// Chain describes a thread for read-only callers (Pipeline, Librarian).
type Chain struct {
	UUID   string
	Parent string
	Path   string
}

// Get returns the chain for uuid, if present.
func (t *ThreadTable) Get(uuid string) (Chain, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.byID[uuid]
	if !ok {
		return Chain{}, false
	}
	return Chain{UUID: c.uuid, Parent: c.parent, Path: c.path}, true
}

// Exists reports whether uuid names a live (non-pruned) chain.
func (t *ThreadTable) Exists(uuid string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.byID[uuid]
	return ok
}

// InitializeRoot creates the root chain for an organization/profile pair
// with a pre-decided uuid (the Kernel allocates the uuid before writing
// the WAL record so that live application and replay agree on it).
// Idempotent: calling it again with the same uuid is a no-op.
func (t *ThreadTable) InitializeRoot(uuid, org, profile string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byID[uuid]; ok {
		return
	}
	c := &chain{uuid: uuid, parent: "", path: "root"}
	t.byID[uuid] = c
	t.roots[org+"\x00"+profile] = c
}

// Extend creates a child chain under parentUUID named listener, using a
// pre-decided newUUID. Idempotent: if newUUID already exists the call is
// a no-op (this is what makes replaying the same ThreadExtend record
// twice safe).
func (t *ThreadTable) Extend(newUUID, parentUUID, listener string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byID[newUUID]; ok {
		return nil
	}
	parent, ok := t.byID[parentUUID]
	if !ok {
		return fmt.Errorf("extend: parent thread %q not found", parentUUID)
	}
	t.byID[newUUID] = &chain{
		uuid:   newUUID,
		parent: parentUUID,
		path:   parent.path + "." + listener,
	}
	return nil
}

// PeekExtend reports whether extending parentUUID would succeed, without
// mutating anything. The Kernel calls this before it writes any WAL so
// that a missing parent never produces a partial transaction.
func (t *ThreadTable) PeekExtend(parentUUID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.byID[parentUUID]
	return ok
}

// PeekPrune computes what Prune(uuid) would return, without mutating
// anything.
func (t *ThreadTable) PeekPrune(uuid string) (parentUUID string, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.byID[uuid]
	if !ok {
		return "", false
	}
	return c.parent, true
}

// Prune removes the deepest segment of the chain named by uuid, returning
// its parent UUID. Idempotent: pruning an already-absent uuid returns
// ("", false) without error, matching the semantics replay needs (a
// ThreadPrune record for a chain already removed by an earlier apply is a
// no-op).
func (t *ThreadTable) Prune(uuid string) (parentUUID string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.byID[uuid]
	if !ok {
		return "", false
	}
	delete(t.byID, uuid)
	return c.parent, true
}

// ApplyWALEntry feeds one recovered WAL record into the table. Record
// types outside this store's range (ThreadInitRoot, ThreadExtend,
// ThreadPrune) are silently ignored, per spec §4.3 ("Stores silently
// ignore entries that do not concern them").
func (t *ThreadTable) ApplyWALEntry(rec wal.Record) error {
	switch rec.Type {
	case wal.ThreadInitRoot:
		fields, ok := decodeFields(rec.Payload, 3)
		if !ok {
			return fmt.Errorf("thread init_root: malformed payload")
		}
		t.InitializeRoot(fields[0], fields[1], fields[2])
		return nil
	case wal.ThreadExtend:
		fields, ok := decodeFields(rec.Payload, 3)
		if !ok {
			return fmt.Errorf("thread extend: malformed payload")
		}
		return t.Extend(fields[0], fields[1], fields[2])
	case wal.ThreadPrune:
		fields, ok := decodeFields(rec.Payload, 1)
		if !ok {
			return fmt.Errorf("thread prune: malformed payload")
		}
		_, _ = t.Prune(fields[0])
		return nil
	default:
		return nil
	}
}

// EncodeInitRoot builds the ThreadInitRoot payload.
func EncodeInitRoot(uuid, org, profile string) []byte {
	return encodeFields(uuid, org, profile)
}

// EncodeExtend builds the ThreadExtend payload.
func EncodeExtend(newUUID, parentUUID, listener string) []byte {
	return encodeFields(newUUID, parentUUID, listener)
}

// EncodePrune builds the ThreadPrune payload.
func EncodePrune(uuid string) []byte {
	return encodeFields(uuid)
}

// Path returns the dotted chain string for uuid, mostly for diagnostics
// and the Librarian's curation prompt.
func (t *ThreadTable) Path(uuid string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.byID[uuid]
	if !ok {
		return "", false
	}
	return c.path, true
}
