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

package audit

import (
	"context"
	"crypto/hmac"
	"fmt"
)

// Divergence locates the first tampered record in a verified range.
type Divergence struct {
	Batch  int
	Record int
}

func (d Divergence) String() string {
	return fmt.Sprintf("batch %d record %d", d.Batch, d.Record)
}

// Range is an inclusive run of batch indices.
type Range struct {
	From, To int
}

// Report is the outcome of verifying a historical range.
type Report struct {
	Valid     bool
	Divergent *Divergence
	// ValidBefore and ValidAfter bracket the divergence. A batch after the
	// divergent one still verifies if it is internally consistent with its
	// own stored previous-digest.
	ValidBefore *Range
	ValidAfter  *Range
}

// Verify recomputes the record chain and batch tags over [from, to] and
// reports the earliest divergent index, if any. The sweep is linear.
func (l *Log) Verify(from, to int) (Report, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if from < 0 || to >= len(l.sealed) || from > to {
		return Report{}, fmt.Errorf("verify range [%d, %d] outside sealed history of %d batches", from, to, len(l.sealed))
	}

	report := Report{Valid: true}
	prevRecord := []byte(nil)
	if from > 0 {
		prev := l.sealed[from-1]
		if len(prev.Records) > 0 {
			prevRecord = prev.Records[len(prev.Records)-1].Digest
		}
	}

	for i := from; i <= to; i++ {
		batch := l.sealed[i]
		if div := l.verifyBatch(batch, prevRecord); div != nil {
			report.Valid = false
			report.Divergent = div
			if i > from {
				report.ValidBefore = &Range{From: from, To: i - 1}
			}
			if after := l.verifyTail(i+1, to); after != nil {
				report.ValidAfter = after
			}
			return report, nil
		}
		if len(batch.Records) > 0 {
			prevRecord = batch.Records[len(batch.Records)-1].Digest
		}
	}
	return report, nil
}

// verifyBatch checks every record digest then the batch tag, returning the
// earliest divergent position.
func (l *Log) verifyBatch(batch Batch, prevRecord []byte) *Divergence {
	for j, record := range batch.Records {
		expect := l.recordDigest(record, prevRecord)
		if !hmac.Equal(record.Digest, expect) {
			return &Divergence{Batch: batch.Index, Record: j}
		}
		prevRecord = record.Digest
	}
	if !hmac.Equal(batch.Tag, l.batchTag(batch)) {
		return &Divergence{Batch: batch.Index, Record: len(batch.Records)}
	}
	return nil
}

// verifyTail re-verifies batches past a divergence against their own stored
// previous-digests, so the untampered suffix can be reported as valid.
func (l *Log) verifyTail(from, to int) *Range {
	for i := from; i <= to; i++ {
		batch := l.sealed[i]
		prevRecord := []byte(nil)
		if i > 0 {
			prev := l.sealed[i-1]
			if len(prev.Records) > 0 {
				prevRecord = prev.Records[len(prev.Records)-1].Digest
			}
		}
		if l.verifyBatch(batch, prevRecord) != nil {
			if i == from {
				return nil
			}
			return &Range{From: from, To: i - 1}
		}
	}
	if from > to {
		return nil
	}
	return &Range{From: from, To: to}
}

// Erase tombstones every sealed record belonging to the subject, then
// re-seals forward from the earliest affected batch. The operation appends a
// distinct decision record so erasure is itself auditable.
func (l *Log) Erase(ctx context.Context, subject, requestedBy string) (int, error) {
	l.mu.Lock()
	earliest := -1
	erased := 0
	for i := range l.sealed {
		for j := range l.sealed[i].Records {
			record := &l.sealed[i].Records[j]
			if record.SubjectID != subject || record.Kind == KindTombstone {
				continue
			}
			*record = Record{
				Kind:      KindTombstone,
				Sequence:  record.Sequence,
				Agent:     record.Agent,
				Action:    "audit.record_erased",
				SubjectID: subject,
				Timestamp: record.Timestamp,
			}
			erased++
			if earliest < 0 {
				earliest = i
			}
		}
	}
	if earliest >= 0 {
		l.resealFromLocked(earliest)
		if l.sink != nil {
			for i := earliest; i < len(l.sealed); i++ {
				if err := l.sink.SaveBatch(ctx, l.sealed[i]); err != nil {
					l.unhealthy = true
					l.mu.Unlock()
					return 0, fmt.Errorf("persisting resealed batch %d, %w", i, err)
				}
			}
		}
	}
	l.mu.Unlock()

	l.Append(ctx, Record{
		Agent:     "audit",
		Action:    "audit.erase_subject",
		Reasoning: fmt.Sprintf("compliance erasure requested by %s", requestedBy),
		Input:     map[string]any{"subject": subject},
		Outcome:   fmt.Sprintf("%d records tombstoned", erased),
	})
	return erased, nil
}

// resealFromLocked recomputes digests and tags from the given batch forward.
func (l *Log) resealFromLocked(from int) {
	prevRecord := []byte(nil)
	prevTag := []byte(nil)
	if from > 0 {
		prev := l.sealed[from-1]
		prevTag = prev.Tag
		if len(prev.Records) > 0 {
			prevRecord = prev.Records[len(prev.Records)-1].Digest
		}
	}
	for i := from; i < len(l.sealed); i++ {
		batch := &l.sealed[i]
		for j := range batch.Records {
			batch.Records[j].Digest = l.recordDigest(batch.Records[j], prevRecord)
			prevRecord = batch.Records[j].Digest
		}
		batch.PreviousDigest = prevTag
		batch.SealedAt = l.clk.Now()
		batch.Tag = l.batchTag(*batch)
		prevTag = batch.Tag
	}
	l.lastTag = prevTag
}
