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
	"strconv"
	"sync"
	"time"

	"github.com/dullfig/AgentOS/pkg/wal"
)

// SegmentStatus is a context segment's paging state (spec §3).
type SegmentStatus int

const (
	Active SegmentStatus = iota
	Shelved
)

func (s SegmentStatus) String() string {
	if s == Active {
		return "active"
	}
	return "shelved"
}

func parseStatus(s string) (SegmentStatus, bool) {
	switch s {
	case "active":
		return Active, true
	case "shelved":
		return Shelved, true
	default:
		return 0, false
	}
}

// Segment is a unit of context owned by a thread: a conversation message,
// a code map, a tool output, etc.
type Segment struct {
	ID        string
	Tag       string
	Size      int64
	Status    SegmentStatus
	Relevance float64
	CreatedAt time.Time
}

// threadContext is the per-thread segment bag. order preserves creation
// order, which the Librarian uses to compose system_context.
type threadContext struct {
	exists   bool
	segments map[string]*Segment
	order    []string
}

// ContextStore holds, for every thread UUID, an ordered set of segments
// (spec §3 Context).
type ContextStore struct {
	mu   sync.RWMutex
	byID map[string]*threadContext
}

// NewContextStore returns an empty store.
func NewContextStore() *ContextStore {
	return &ContextStore{byID: make(map[string]*threadContext)}
}

// PeekCreate reports whether a context already exists for threadUUID.
// Create is idempotent regardless; the Kernel uses this as the
// precondition check before writing a segment mutation to the WAL.
func (c *ContextStore) PeekCreate(threadUUID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tc, ok := c.byID[threadUUID]
	return ok && tc.exists
}

// Create allocates an (initially empty) context for threadUUID.
// Idempotent.
func (c *ContextStore) Create(threadUUID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tc, ok := c.byID[threadUUID]; ok && tc.exists {
		return nil
	}
	c.byID[threadUUID] = &threadContext{exists: true, segments: make(map[string]*Segment)}
	return nil
}

// PeekRelease reports whether Release(threadUUID) would do anything.
func (c *ContextStore) PeekRelease(threadUUID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tc, ok := c.byID[threadUUID]
	return ok && tc.exists
}

// Release removes the context for threadUUID entirely. Idempotent.
func (c *ContextStore) Release(threadUUID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byID, threadUUID)
	return nil
}

// AddSegment appends seg to threadUUID's inventory. The thread's context
// must already exist (via Create); AddSegment does not implicitly
// allocate one, since ContextAllocate is always the kernel-transaction
// partner of ThreadExtend and should have already run.
func (c *ContextStore) AddSegment(threadUUID string, seg Segment) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	tc, ok := c.byID[threadUUID]
	if !ok || !tc.exists {
		return fmt.Errorf("add segment: no context for thread %q", threadUUID)
	}
	if _, dup := tc.segments[seg.ID]; dup {
		return nil // idempotent re-application
	}
	tc.segments[seg.ID] = &seg
	tc.order = append(tc.order, seg.ID)
	return nil
}

// SetStatus transitions a segment between Active and Shelved. Idempotent
// (setting the same status twice is a no-op beyond the first write).
func (c *ContextStore) SetStatus(threadUUID, segmentID string, status SegmentStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	tc, ok := c.byID[threadUUID]
	if !ok || !tc.exists {
		return fmt.Errorf("set status: no context for thread %q", threadUUID)
	}
	seg, ok := tc.segments[segmentID]
	if !ok {
		return fmt.Errorf("set status: no segment %q in thread %q", segmentID, threadUUID)
	}
	seg.Status = status
	return nil
}

// Segments returns a snapshot of threadUUID's inventory in creation
// order. The bool is false if no context exists for the thread.
func (c *ContextStore) Segments(threadUUID string) ([]Segment, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tc, ok := c.byID[threadUUID]
	if !ok || !tc.exists {
		return nil, false
	}
	out := make([]Segment, 0, len(tc.order))
	for _, id := range tc.order {
		out = append(out, *tc.segments[id])
	}
	return out, true
}

// TotalBytes returns (total size of all segments, total size of Active
// segments only) for threadUUID, per spec §3's size invariants.
func (c *ContextStore) TotalBytes(threadUUID string) (total, active int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tc, ok := c.byID[threadUUID]
	if !ok {
		return 0, 0
	}
	for _, seg := range tc.segments {
		total += seg.Size
		if seg.Status == Active {
			active += seg.Size
		}
	}
	return total, active
}

// ApplyWALEntry feeds one recovered record into the store. Records
// outside this store's type range are ignored.
func (c *ContextStore) ApplyWALEntry(rec wal.Record) error {
	switch rec.Type {
	case wal.ContextAllocate:
		fields, ok := decodeFields(rec.Payload, 1)
		if !ok {
			return fmt.Errorf("context allocate: malformed payload")
		}
		return c.Create(fields[0])
	case wal.ContextRelease:
		fields, ok := decodeFields(rec.Payload, 1)
		if !ok {
			return fmt.Errorf("context release: malformed payload")
		}
		return c.Release(fields[0])
	case wal.ContextSegmentAdd:
		fields, ok := decodeFields(rec.Payload, 6)
		if !ok {
			return fmt.Errorf("context segment add: malformed payload")
		}
		size, err := strconv.ParseInt(fields[3], 10, 64)
		if err != nil {
			return fmt.Errorf("context segment add: bad size: %w", err)
		}
		status, ok := parseStatus(fields[4])
		if !ok {
			return fmt.Errorf("context segment add: bad status %q", fields[4])
		}
		relevance, err := strconv.ParseFloat(fields[5], 64)
		if err != nil {
			return fmt.Errorf("context segment add: bad relevance: %w", err)
		}
		return c.AddSegment(fields[0], Segment{
			ID:        fields[1],
			Tag:       fields[2],
			Size:      size,
			Status:    status,
			Relevance: relevance,
			CreatedAt: time.Now().UTC(),
		})
	case wal.ContextSegmentStatus:
		fields, ok := decodeFields(rec.Payload, 3)
		if !ok {
			return fmt.Errorf("context segment status: malformed payload")
		}
		status, ok := parseStatus(fields[2])
		if !ok {
			return fmt.Errorf("context segment status: bad status %q", fields[2])
		}
		return c.SetStatus(fields[0], fields[1], status)
	default:
		return nil
	}
}

// EncodeContextAllocate builds the ContextAllocate payload.
func EncodeContextAllocate(threadUUID string) []byte { return encodeFields(threadUUID) }

// EncodeContextRelease builds the ContextRelease payload.
func EncodeContextRelease(threadUUID string) []byte { return encodeFields(threadUUID) }

// EncodeSegmentAdd builds the ContextSegmentAdd payload. The creation
// timestamp is not carried in the payload; replay stamps the segment with
// the current wall-clock time at apply time. This keeps the WAL payload
// free of a clock dependency — size, status and relevance are all a
// caller decides and needs reproduced exactly, but the microsecond the
// record was replayed on a different host doesn't need to match the
// original append time for any invariant in spec §8 to hold.
func EncodeSegmentAdd(threadUUID string, seg Segment) []byte {
	return encodeFields(
		threadUUID,
		seg.ID,
		seg.Tag,
		strconv.FormatInt(seg.Size, 10),
		seg.Status.String(),
		strconv.FormatFloat(seg.Relevance, 'f', -1, 64),
	)
}

// EncodeSegmentStatus builds the ContextSegmentStatusSet payload.
func EncodeSegmentStatus(threadUUID, segmentID string, status SegmentStatus) []byte {
	return encodeFields(threadUUID, segmentID, status.String())
}
