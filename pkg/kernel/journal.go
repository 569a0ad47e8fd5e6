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

// JournalStatus is a message's delivery state (spec §3 Journal entry).
type JournalStatus int

const (
	Dispatched JournalStatus = iota
	Delivered
	Failed
)

func (s JournalStatus) String() string {
	switch s {
	case Dispatched:
		return "dispatched"
	case Delivered:
		return "delivered"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

func parseJournalStatus(s string) (JournalStatus, bool) {
	switch s {
	case "dispatched":
		return Dispatched, true
	case "delivered":
		return Delivered, true
	case "failed":
		return Failed, true
	default:
		return 0, false
	}
}

// Entry is one journal row, keyed by message ID.
type Entry struct {
	MessageID string
	From      string
	To        string
	ThreadID  string
	Status    JournalStatus
	Timestamp time.Time
}

// Journal is the message-by-ID delivery-status table (spec §3).
type Journal struct {
	mu   sync.RWMutex
	byID map[string]*Entry
}

// NewJournal returns an empty journal.
func NewJournal() *Journal {
	return &Journal{byID: make(map[string]*Entry)}
}

// PeekDispatch reports whether messageID is already in use — the Kernel
// checks this before writing a dispatch batch so a duplicate message ID
// never reaches the WAL.
func (j *Journal) PeekDispatch(messageID string) (inUse bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	_, ok := j.byID[messageID]
	return ok
}

// LogDispatch creates a Dispatched entry. Idempotent: re-logging the same
// messageID is a no-op, which is what makes replaying a JournalDispatched
// record twice safe.
func (j *Journal) LogDispatch(messageID, from, to, threadID string, ts time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.byID[messageID]; ok {
		return nil
	}
	j.byID[messageID] = &Entry{
		MessageID: messageID,
		From:      from,
		To:        to,
		ThreadID:  threadID,
		Status:    Dispatched,
		Timestamp: ts,
	}
	return nil
}

// MarkDelivered advances messageID to Delivered. No-op if absent or
// already past Dispatched, so repeated application is safe.
func (j *Journal) MarkDelivered(messageID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	e, ok := j.byID[messageID]
	if !ok {
		return nil
	}
	if e.Status == Dispatched {
		e.Status = Delivered
	}
	return nil
}

// MarkDeliveredByThread advances every Dispatched entry under threadID to
// Delivered. This is the policy chosen for Open Question (i) in spec §9:
// prune_thread's JournalDelivered-by-thread batch entry marks delivery by
// thread id rather than requiring every message id on the thread to be
// enumerated individually, keeping prune's WAL payload a single UUID.
func (j *Journal) MarkDeliveredByThread(threadID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, e := range j.byID {
		if e.ThreadID == threadID && e.Status == Dispatched {
			e.Status = Delivered
		}
	}
	return nil
}

// MarkFailed advances messageID to Failed. No-op if absent.
func (j *Journal) MarkFailed(messageID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	e, ok := j.byID[messageID]
	if !ok {
		return nil
	}
	e.Status = Failed
	return nil
}

// FindUndelivered returns every entry still in state Dispatched, used at
// recovery time to identify in-flight work a crash interrupted.
func (j *Journal) FindUndelivered() []Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	var out []Entry
	for _, e := range j.byID {
		if e.Status == Dispatched {
			out = append(out, *e)
		}
	}
	return out
}

// Get returns the entry for messageID, if any.
func (j *Journal) Get(messageID string) (Entry, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	e, ok := j.byID[messageID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// ApplyWALEntry feeds one recovered record into the journal. Records
// outside this store's type range are ignored.
func (j *Journal) ApplyWALEntry(rec wal.Record) error {
	switch rec.Type {
	case wal.JournalDispatched:
		fields, ok := decodeFields(rec.Payload, 5)
		if !ok {
			return fmt.Errorf("journal dispatched: malformed payload")
		}
		nanos, err := strconv.ParseInt(fields[4], 10, 64)
		if err != nil {
			return fmt.Errorf("journal dispatched: bad timestamp: %w", err)
		}
		return j.LogDispatch(fields[0], fields[1], fields[2], fields[3], time.Unix(0, nanos).UTC())
	case wal.JournalDelivered:
		fields, ok := decodeFields(rec.Payload, 1)
		if !ok {
			return fmt.Errorf("journal delivered: malformed payload")
		}
		return j.MarkDeliveredByThread(fields[0])
	case wal.JournalFailed:
		fields, ok := decodeFields(rec.Payload, 1)
		if !ok {
			return fmt.Errorf("journal failed: malformed payload")
		}
		return j.MarkFailed(fields[0])
	default:
		return nil
	}
}

// EncodeDispatched builds the JournalDispatched payload.
func EncodeDispatched(messageID, from, to, threadID string, ts time.Time) []byte {
	return encodeFields(messageID, from, to, threadID, strconv.FormatInt(ts.UnixNano(), 10))
}

// EncodeDeliveredByThread builds the JournalDelivered (by-thread) payload.
func EncodeDeliveredByThread(threadID string) []byte { return encodeFields(threadID) }

// EncodeFailed builds the JournalFailed payload.
func EncodeFailed(messageID string) []byte { return encodeFields(messageID) }
