/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package audit implements the append-only, HMAC-chained decision log shared
// by every agent. Records accumulate into batches sealed by size or by
// wall-clock, whichever bound hits first; sealed batches are immutable.
package audit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/ormind/ormind/pkg/utils/logging"
)

// RecordKind distinguishes ordinary decision records from compliance
// tombstones, so an erasure can never masquerade as ordinary log growth.
type RecordKind string

const (
	KindDecision  RecordKind = "decision"
	KindTombstone RecordKind = "tombstone"
)

// Record is one audited decision.
type Record struct {
	Kind           RecordKind     `json:"kind"`
	Sequence       int            `json:"sequence"` // within the batch
	Agent          string         `json:"agent"`
	Action         string         `json:"action"`
	Reasoning      string         `json:"reasoning"`
	Input          map[string]any `json:"input,omitempty"`
	Outcome        string         `json:"outcome"`
	CostImpactUSD  float64        `json:"cost_impact_usd"`
	Duration       time.Duration  `json:"duration"`
	SafetyApproved bool           `json:"safety_approved"`
	// SubjectID ties the record to an erasure subject (typically the goal
	// owner); erasure requests tombstone by this field.
	SubjectID string    `json:"subject_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	// Digest chains this record to its predecessor; it is computed at seal
	// time and is not part of its own HMAC input.
	Digest []byte `json:"digest,omitempty"`
}

// Batch is a sealed, immutable run of records.
type Batch struct {
	Index          int       `json:"index"`
	Records        []Record  `json:"records"`
	PreviousDigest []byte    `json:"previous_digest"`
	Tag            []byte    `json:"tag"`
	SealedAt       time.Time `json:"sealed_at"`
}

// BatchSink persists sealed batches. Persistence failures are the one error
// the core cannot mask; the log reports unhealthy until a retry succeeds.
type BatchSink interface {
	SaveBatch(ctx context.Context, batch Batch) error
}

type Options struct {
	BatchSize    int
	SealInterval time.Duration
}

func DefaultOptions() Options {
	return Options{BatchSize: 128, SealInterval: 5 * time.Second}
}

// Log is the append channel plus the single sealer that serializes batch
// emission. All agents share one Log.
type Log struct {
	secret []byte
	clk    clock.WithTicker
	opts   Options
	sink   BatchSink

	mu        sync.Mutex
	pending   []Record
	sealed    []Batch
	lastTag   []byte
	unhealthy bool
}

func NewLog(secret []byte, clk clock.WithTicker, opts Options) *Log {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultOptions().BatchSize
	}
	if opts.SealInterval <= 0 {
		opts.SealInterval = DefaultOptions().SealInterval
	}
	return &Log{secret: secret, clk: clk, opts: opts}
}

// WithSink attaches a persistence sink. Without one the log keeps sealed
// batches in memory only.
func (l *Log) WithSink(sink BatchSink) *Log {
	l.sink = sink
	return l
}

// Append stamps and queues a record. The full batch bound seals inline so a
// burst of decisions cannot grow the pending buffer past one batch.
func (l *Log) Append(ctx context.Context, record Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if record.Kind == "" {
		record.Kind = KindDecision
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = l.clk.Now()
	}
	record.Sequence = len(l.pending)
	l.pending = append(l.pending, record)
	if len(l.pending) >= l.opts.BatchSize {
		l.sealLocked(ctx)
	}
}

// Run drives time-based sealing until ctx is cancelled. A final flush runs on
// the way out so shutdown never strands pending records.
func (l *Log) Run(ctx context.Context) error {
	ticker := l.clk.NewTicker(l.opts.SealInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			l.Flush(context.WithoutCancel(ctx))
			return nil
		case <-ticker.C():
			l.Flush(ctx)
		}
	}
}

// Flush seals whatever is pending, if anything.
func (l *Log) Flush(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pending) > 0 {
		l.sealLocked(ctx)
	}
}

// Healthy reports whether the last persistence attempt succeeded. The
// orchestrator halts new dispatches while this is false.
func (l *Log) Healthy() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.unhealthy
}

func (l *Log) sealLocked(ctx context.Context) {
	start := l.clk.Now()
	index := len(l.sealed)
	records := l.pending

	prevRecord := l.lastRecordDigestLocked()
	for i := range records {
		records[i].Digest = l.recordDigest(records[i], prevRecord)
		prevRecord = records[i].Digest
	}
	batch := Batch{
		Index:          index,
		Records:        records,
		PreviousDigest: l.lastTag,
		SealedAt:       l.clk.Now(),
	}
	batch.Tag = l.batchTag(batch)

	if l.sink != nil {
		if err := l.sink.SaveBatch(ctx, batch); err != nil {
			// Keep the records pending (unsealed) and retry on the next
			// flush; digests are recomputed then.
			if !l.unhealthy {
				logging.FromContext(ctx).Errorw("audit batch persistence failed, halting admissions",
					"batch-index", index, "error", err)
			}
			l.unhealthy = true
			return
		}
	}
	if l.unhealthy {
		logging.FromContext(ctx).Infow("audit persistence recovered", "batch-index", index)
	}
	l.unhealthy = false
	l.sealed = append(l.sealed, batch)
	l.lastTag = batch.Tag
	l.pending = nil
	sealLatency.Observe(l.clk.Since(start).Seconds())
	sealedBatches.Inc()
	sealedRecords.Add(float64(len(records)))
}

func (l *Log) lastRecordDigestLocked() []byte {
	if len(l.sealed) == 0 {
		return nil
	}
	last := l.sealed[len(l.sealed)-1]
	if len(last.Records) == 0 {
		return nil
	}
	return last.Records[len(last.Records)-1].Digest
}

// recordDigest chains a record onto its predecessor. The record's own Digest
// field is excluded from the input.
func (l *Log) recordDigest(record Record, prev []byte) []byte {
	record.Digest = nil
	payload, err := json.Marshal(record)
	if err != nil {
		// Record inputs are plain JSON-able maps; a marshal failure is a
		// programming error.
		panic(fmt.Sprintf("marshaling audit record: %v", err))
	}
	mac := hmac.New(sha256.New, l.secret)
	mac.Write(payload)
	mac.Write(prev)
	return mac.Sum(nil)
}

// batchTag computes tag_k = HMAC(secret, records_k || tag_{k-1} || index_k).
func (l *Log) batchTag(batch Batch) []byte {
	mac := hmac.New(sha256.New, l.secret)
	for _, record := range batch.Records {
		mac.Write(record.Digest)
	}
	mac.Write(batch.PreviousDigest)
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], uint64(batch.Index))
	mac.Write(idx[:])
	return mac.Sum(nil)
}

// Batches returns a copy of the sealed history.
func (l *Log) Batches() []Batch {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Batch, len(l.sealed))
	copy(out, l.sealed)
	return out
}

// Records returns every record, sealed and pending, in append order. Intended
// for inspection and tests, not for verification.
func (l *Log) Records() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Record
	for _, batch := range l.sealed {
		out = append(out, batch.Records...)
	}
	out = append(out, l.pending...)
	return out
}
