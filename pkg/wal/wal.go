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

// Package wal implements the append-only write-ahead log that fronts the
// Kernel's three stores (thread table, context store, journal).
//
// Record framing (spec §6.2): u32 LE length | u8 type | payload (length-1
// bytes) | u32 LE crc32 of (type || payload). A partial write at the tail
// is recoverable — Replay truncates to the last intact record boundary. A
// CRC mismatch anywhere before the tail is fatal: the caller must refuse
// to open rather than silently drop history.
package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dullfig/AgentOS/pkg/agentoserr"
)

// RecordType identifies the kind of state mutation a record encodes. See
// spec §3 and §6.2 for the full type catalogue.
type RecordType uint8

const (
	ThreadInitRoot        RecordType = 1
	ThreadExtend          RecordType = 2
	ThreadPrune           RecordType = 3
	ContextAllocate       RecordType = 4
	ContextRelease        RecordType = 5
	ContextSegmentAdd     RecordType = 6
	ContextSegmentStatus  RecordType = 7
	JournalDispatched     RecordType = 8
	JournalDelivered      RecordType = 9
	JournalFailed         RecordType = 10
)

// lengthFieldSize and crcFieldSize are the fixed-width framing fields
// around the type+payload body.
const (
	lengthFieldSize = 4
	crcFieldSize    = 4
	typeFieldSize   = 1
)

// Record is one intact entry recovered from (or about to be appended to)
// the log.
type Record struct {
	Type    RecordType
	Payload []byte
}

// Metrics holds the Prometheus collectors the WAL updates. A nil *Metrics
// (Open with nil metrics) disables collection so tests never need a live
// registry.
type Metrics struct {
	appends       prometheus.Counter
	appendSeconds prometheus.Histogram
	replayRecords prometheus.Counter
	appendBytes   prometheus.Counter
}

// NewMetrics registers the WAL's collectors against reg. reg may be nil,
// in which case the collectors are registered nowhere and their
// observations are never exported.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		appends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentos_wal_appends_total",
			Help: "Number of WAL append calls (batches count as one).",
		}),
		appendSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentos_wal_append_seconds",
			Help:    "Latency of WAL append calls, including fsync.",
			Buckets: prometheus.DefBuckets,
		}),
		replayRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentos_wal_replay_records_total",
			Help: "Number of intact records recovered during replay.",
		}),
		appendBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentos_wal_append_bytes_total",
			Help: "Total bytes of record payload appended.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.appends, m.appendSeconds, m.replayRecords, m.appendBytes)
	}
	return m
}

func (m *Metrics) observeAppend(n int, d time.Duration) {
	if m == nil {
		return
	}
	m.appends.Inc()
	m.appendSeconds.Observe(d.Seconds())
	m.appendBytes.Add(float64(n))
}

func (m *Metrics) observeReplay(n int) {
	if m == nil {
		return
	}
	m.replayRecords.Add(float64(n))
}

// WAL is a single append-only file. One WAL guards exactly one Kernel; all
// appends are serialized by mu.
type WAL struct {
	mu      sync.Mutex
	path    string
	f       *os.File
	metrics *Metrics
}

// Open opens (creating if absent) the WAL file at path. It does not
// replay; callers use Replay separately so that store construction can
// happen before entries are fed in.
func Open(path string, metrics *Metrics) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, agentoserr.KernelIO("open wal file", err)
	}
	return &WAL{path: path, f: f, metrics: metrics}, nil
}

// Close releases the underlying file handle.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

// Append writes a single record and fsyncs immediately.
func (w *WAL) Append(t RecordType, payload []byte) error {
	return w.AppendBatch([]Record{{Type: t, Payload: payload}})
}

// AppendBatch writes every record in order and fsyncs once after the last
// one, giving the caller atomic all-or-nothing durability for the batch:
// a crash partway through the write leaves a torn tail that Replay
// truncates away on the next Open, exactly as if the batch had never been
// appended (spec §4.1, §4.3 crash semantics).
func (w *WAL) AppendBatch(records []Record) error {
	if len(records) == 0 {
		return nil
	}
	start := time.Now()
	w.mu.Lock()
	defer w.mu.Unlock()

	// Always append at the current end of file; os.O_APPEND is
	// intentionally not used so a single Seek establishes the offset once
	// for the whole batch instead of once per write.
	if _, err := w.f.Seek(0, io.SeekEnd); err != nil {
		return agentoserr.KernelIO("seek wal file", err)
	}

	bw := bufio.NewWriter(w.f)
	total := 0
	for _, rec := range records {
		buf := encodeRecord(rec)
		if _, err := bw.Write(buf); err != nil {
			return agentoserr.KernelIO("write wal record", err)
		}
		total += len(rec.Payload)
	}
	if err := bw.Flush(); err != nil {
		return agentoserr.KernelIO("flush wal buffer", err)
	}
	if err := w.f.Sync(); err != nil {
		return agentoserr.KernelIO("fsync wal file", err)
	}

	w.metrics.observeAppend(total, time.Since(start))
	return nil
}

// encodeRecord frames a single record: length || type || payload || crc32.
// length covers type+payload (lengthFieldSize is not itself counted).
func encodeRecord(rec Record) []byte {
	body := make([]byte, typeFieldSize+len(rec.Payload))
	body[0] = byte(rec.Type)
	copy(body[typeFieldSize:], rec.Payload)

	sum := crc32.ChecksumIEEE(body)

	buf := make([]byte, lengthFieldSize+len(body)+crcFieldSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(body)))
	copy(buf[4:], body)
	binary.LittleEndian.PutUint32(buf[4+len(body):], sum)
	return buf
}

// Replay reads every intact record from the start of the file in order.
// A length prefix or body or crc field that runs past EOF is a torn tail
// (an interrupted write caught mid-frame): replay stops there and the
// file is truncated to the last good record boundary so a subsequent
// Append starts cleanly past it. A record whose length/body/crc fields
// are all fully present but whose CRC does not check out is not a torn
// tail — the bytes exist, they are simply wrong — and is mid-file
// corruption per spec §4.1/§7: "CRC mismatch mid-file is fatal (refuse to
// open)". That case returns agentoserr.WalCorrupt and leaves the file
// untouched instead of truncating, so the operator can inspect it.
func (w *WAL) Replay() ([]Record, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		return nil, agentoserr.KernelIO("seek wal file", err)
	}
	r := bufio.NewReader(w.f)

	var records []Record
	var goodOffset int64

	for {
		lenBuf := make([]byte, lengthFieldSize)
		n, err := io.ReadFull(r, lenBuf)
		if err == io.EOF && n == 0 {
			break // clean end of file
		}
		if err != nil {
			// Partial length prefix: torn tail.
			break
		}
		bodyLen := binary.LittleEndian.Uint32(lenBuf)

		body := make([]byte, bodyLen)
		if _, err := io.ReadFull(r, body); err != nil {
			break // torn tail mid-body
		}

		crcBuf := make([]byte, crcFieldSize)
		if _, err := io.ReadFull(r, crcBuf); err != nil {
			break // torn tail mid-crc
		}
		wantCRC := binary.LittleEndian.Uint32(crcBuf)
		gotCRC := crc32.ChecksumIEEE(body)
		if gotCRC != wantCRC || bodyLen < 1 {
			// A complete frame was read off disk, so this is not an
			// interrupted write: refuse to open rather than discard
			// everything after this point.
			return nil, agentoserr.WalCorrupt(fmt.Sprintf("crc mismatch at offset %d", goodOffset), nil)
		}

		records = append(records, Record{
			Type:    RecordType(body[0]),
			Payload: append([]byte(nil), body[1:]...),
		})
		goodOffset += int64(lengthFieldSize + int(bodyLen) + crcFieldSize)
	}

	if err := w.truncateTo(goodOffset); err != nil {
		return nil, err
	}

	w.metrics.observeReplay(len(records))
	return records, nil
}

func (w *WAL) truncateTo(offset int64) error {
	info, err := w.f.Stat()
	if err != nil {
		return agentoserr.KernelIO("stat wal file", err)
	}
	if info.Size() == offset {
		return nil
	}
	if err := w.f.Truncate(offset); err != nil {
		return agentoserr.KernelIO("truncate wal file", err)
	}
	if _, err := w.f.Seek(0, io.SeekEnd); err != nil {
		return agentoserr.KernelIO("seek wal file", err)
	}
	return nil
}

// Size returns the current length of the underlying file, mostly useful
// in tests that want to simulate a crash by truncating mid-record.
func (w *WAL) Size() (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	info, err := w.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat wal file: %w", err)
	}
	return info.Size(), nil
}
