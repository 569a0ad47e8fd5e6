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

// Package kernel owns the WAL and the three durable stores (ThreadTable,
// ContextStore, Journal) and exposes the only atomic cross-store
// transactions in AgentOS: dispatch_message and prune_thread (spec §4.3).
// Everything else in the system holds a reference to a *Kernel rather than
// touching its stores directly.
package kernel

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dullfig/AgentOS/pkg/agentoserr"
	"github.com/dullfig/AgentOS/pkg/wal"
)

// Errors returned by the peek-checked preconditions of a transaction.
// These are deliberately distinct from agentoserr.Error: they are raised
// before any WAL write is attempted, so no kernel mutation or handler
// invocation has happened yet (spec §8 "Security soundness" sibling
// property for dispatch/prune preconditions).
var (
	ErrParentNotFound = errors.New("kernel: parent thread not found")
	ErrMessageIDInUse = errors.New("kernel: message id already dispatched")
	ErrThreadNotFound = errors.New("kernel: thread not found")
)

// Metrics are the Kernel-level Prometheus collectors, layered on top of
// the WAL's own metrics (pkg/wal.Metrics).
type Metrics struct {
	txTotal *prometheus.CounterVec
}

// NewMetrics registers Kernel transaction counters against reg (which may
// be nil to disable collection).
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		txTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentos_kernel_tx_total",
			Help: "Kernel transactions by operation and result.",
		}, []string{"op", "result"}),
	}
	if reg != nil {
		reg.MustRegister(m.txTotal)
	}
	return m
}

func (m *Metrics) inc(op, result string) {
	if m == nil {
		return
	}
	m.txTotal.WithLabelValues(op, result).Inc()
}

// Kernel is the single shared mutable resource in AgentOS (spec §5): one
// exclusive lock (mu) guards every WAL append plus its paired in-memory
// apply. Everything outside that pair — LLM calls, form-fill, handler
// logic — runs without holding mu.
type Kernel struct {
	mu sync.Mutex

	wal      *wal.WAL
	threads  *ThreadTable
	contexts *ContextStore
	journal  *Journal

	log     *slog.Logger
	metrics *Metrics
}

// Threads, Contexts and Journal expose read-only access to the stores for
// callers (Pipeline, Router, Librarian) that only ever peek at state
// outside a transaction.
func (k *Kernel) Threads() *ThreadTable   { return k.threads }
func (k *Kernel) Contexts() *ContextStore { return k.contexts }
func (k *Kernel) Journal() *Journal       { return k.journal }

// Open creates (or opens) the kernel's data directory, replays its WAL
// into fresh stores, and returns a Kernel ready for new mutations (spec
// §4.3 Open/recovery). log and reg may be nil.
func Open(dir string, log *slog.Logger, reg *prometheus.Registry) (*Kernel, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, agentoserr.KernelIO("create data dir", err)
	}

	w, err := wal.Open(filepath.Join(dir, "kernel.wal"), wal.NewMetrics(reg))
	if err != nil {
		return nil, err
	}

	k := &Kernel{
		wal:      w,
		threads:  NewThreadTable(),
		contexts: NewContextStore(),
		journal:  NewJournal(),
		log:      log,
		metrics:  NewMetrics(reg),
	}

	records, err := w.Replay()
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		// Each store silently ignores record types that don't concern it
		// (spec §4.3).
		if err := k.threads.ApplyWALEntry(rec); err != nil {
			return nil, fmt.Errorf("replay: thread table: %w", err)
		}
		if err := k.contexts.ApplyWALEntry(rec); err != nil {
			return nil, fmt.Errorf("replay: context store: %w", err)
		}
		if err := k.journal.ApplyWALEntry(rec); err != nil {
			return nil, fmt.Errorf("replay: journal: %w", err)
		}
	}

	log.Info("kernel opened", "dir", dir, "records_replayed", len(records))
	return k, nil
}

// Close releases the WAL file handle.
func (k *Kernel) Close() error {
	return k.wal.Close()
}

// InitializeRoot creates the root chain for (org, profile) and returns its
// fresh UUID. Unlike dispatch/prune this is a single-store transaction
// (only ThreadTable is touched), but it still goes through the same
// WAL-append-then-apply sequence under mu.
func (k *Kernel) InitializeRoot(org, profile string) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	id := uuid.NewString()
	if err := k.wal.Append(wal.ThreadInitRoot, EncodeInitRoot(id, org, profile)); err != nil {
		k.metrics.inc("init_root", "io_error")
		return "", err
	}
	k.threads.InitializeRoot(id, org, profile)
	k.metrics.inc("init_root", "ok")
	return id, nil
}

// DispatchMessage is the Kernel's first atomic cross-store transaction
// (spec §4.3): it extends the thread table, allocates a context, and logs
// a Dispatched journal entry as a single WAL batch, then applies all
// three mutators in the same order. Either all three land, or (on a crash
// between WAL append and apply) none of them do until the next Open
// replays the batch.
func (k *Kernel) DispatchMessage(from, to, parentThreadID, messageID string) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if !k.threads.PeekExtend(parentThreadID) {
		k.metrics.inc("dispatch", "denied")
		return "", fmt.Errorf("%w: %s", ErrParentNotFound, parentThreadID)
	}
	if k.journal.PeekDispatch(messageID) {
		k.metrics.inc("dispatch", "denied")
		return "", fmt.Errorf("%w: %s", ErrMessageIDInUse, messageID)
	}

	newUUID := uuid.NewString()
	now := time.Now().UTC()

	batch := []wal.Record{
		{Type: wal.ThreadExtend, Payload: EncodeExtend(newUUID, parentThreadID, to)},
		{Type: wal.ContextAllocate, Payload: EncodeContextAllocate(newUUID)},
		{Type: wal.JournalDispatched, Payload: EncodeDispatched(messageID, from, to, newUUID, now)},
	}
	if err := k.wal.AppendBatch(batch); err != nil {
		k.metrics.inc("dispatch", "io_error")
		return "", err
	}

	if err := k.threads.Extend(newUUID, parentThreadID, to); err != nil {
		// Unreachable in practice: PeekExtend above already verified the
		// precondition under the same lock, so this mutator cannot fail.
		k.metrics.inc("dispatch", "io_error")
		return "", agentoserr.KernelIO("apply thread extend after wal commit", err)
	}
	_ = k.contexts.Create(newUUID)
	_ = k.journal.LogDispatch(messageID, from, to, newUUID, now)

	k.metrics.inc("dispatch", "ok")
	k.log.Debug("dispatched", "from", from, "to", to, "thread", newUUID, "message_id", messageID)
	return newUUID, nil
}

// PruneThread is the Kernel's second atomic cross-store transaction,
// symmetric to DispatchMessage. It peeks first: if uuid names no live
// chain, it returns (false, nil) without writing anything to the WAL,
// exactly matching spec §4.3's "peek_prune — if None, return None without
// writing WAL."
func (k *Kernel) PruneThread(threadUUID string) (pruned bool, err error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	parentUUID, ok := k.threads.PeekPrune(threadUUID)
	if !ok {
		return false, nil
	}

	batch := []wal.Record{
		{Type: wal.ThreadPrune, Payload: EncodePrune(threadUUID)},
		{Type: wal.ContextRelease, Payload: EncodeContextRelease(threadUUID)},
		{Type: wal.JournalDelivered, Payload: EncodeDeliveredByThread(threadUUID)},
	}
	if err := k.wal.AppendBatch(batch); err != nil {
		k.metrics.inc("prune", "io_error")
		return false, err
	}

	_, _ = k.threads.Prune(threadUUID)
	_ = k.contexts.Release(threadUUID)
	_ = k.journal.MarkDeliveredByThread(threadUUID)

	k.metrics.inc("prune", "ok")
	k.log.Debug("pruned", "thread", threadUUID, "parent", parentUUID)
	return true, nil
}

// MarkFailed advances messageID to Failed. This is the journal-only path
// the Pipeline takes when a handler returns a HandlerError (spec §4.4
// step 7, §7).
func (k *Kernel) MarkFailed(messageID string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := k.wal.Append(wal.JournalFailed, EncodeFailed(messageID)); err != nil {
		return err
	}
	return k.journal.MarkFailed(messageID)
}

// AddSegment appends a context segment to threadUUID under WAL protection.
// Listeners call this (via the Pipeline's injection handle) whenever they
// produce context worth remembering: a conversation message, a code map,
// a tool output (spec §3 Context).
func (k *Kernel) AddSegment(threadUUID string, seg Segment) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if !k.contexts.PeekCreate(threadUUID) {
		return fmt.Errorf("%w: %s", ErrThreadNotFound, threadUUID)
	}
	if err := k.wal.Append(wal.ContextSegmentAdd, EncodeSegmentAdd(threadUUID, seg)); err != nil {
		return err
	}
	return k.contexts.AddSegment(threadUUID, seg)
}

// SetSegmentStatus transitions a segment between Active and Shelved under
// WAL protection. The Librarian calls this once per id in curate()'s
// page_in/page_out sets (spec §4.7 step 4).
func (k *Kernel) SetSegmentStatus(threadUUID, segmentID string, status SegmentStatus) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if !k.contexts.PeekCreate(threadUUID) {
		return fmt.Errorf("%w: %s", ErrThreadNotFound, threadUUID)
	}
	if err := k.wal.Append(wal.ContextSegmentStatus, EncodeSegmentStatus(threadUUID, segmentID, status)); err != nil {
		return err
	}
	return k.contexts.SetStatus(threadUUID, segmentID, status)
}
