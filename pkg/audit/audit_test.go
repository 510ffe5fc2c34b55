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

package audit_test

import (
	"context"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/ormind/ormind/pkg/audit"
)

// flakySink counts saves and fails on demand.
type flakySink struct {
	saved []audit.Batch
	fail  bool
}

func (s *flakySink) SaveBatch(_ context.Context, batch audit.Batch) error {
	if s.fail {
		return fmt.Errorf("disk full")
	}
	s.saved = append(s.saved, batch)
	return nil
}

var _ = Describe("Log", func() {
	var (
		ctx  context.Context
		clk  *clocktesting.FakeClock
		log  *audit.Log
		sink *flakySink
	)

	BeforeEach(func() {
		ctx = context.Background()
		clk = clocktesting.NewFakeClock(time.Now())
		sink = &flakySink{}
		log = audit.NewLog([]byte("test-secret"), clk, audit.Options{BatchSize: 4, SealInterval: 5 * time.Second}).WithSink(sink)
	})

	appendN := func(n int) {
		for i := 0; i < n; i++ {
			log.Append(ctx, audit.Record{
				Agent:     "scheduler",
				Action:    "task_admission",
				Reasoning: fmt.Sprintf("record %d", i),
				Outcome:   "approved",
				SubjectID: "owner-1",
			})
		}
	}

	It("should seal inline once the batch size bound is reached", func() {
		appendN(3)
		Expect(log.Batches()).To(BeEmpty())
		appendN(1)
		batches := log.Batches()
		Expect(batches).To(HaveLen(1))
		Expect(batches[0].Records).To(HaveLen(4))
		Expect(sink.saved).To(HaveLen(1))
	})

	It("should seal a partial batch on flush", func() {
		appendN(2)
		log.Flush(ctx)
		batches := log.Batches()
		Expect(batches).To(HaveLen(1))
		Expect(batches[0].Records).To(HaveLen(2))
	})

	It("should chain batches through the previous tag", func() {
		appendN(4)
		appendN(4)
		batches := log.Batches()
		Expect(batches).To(HaveLen(2))
		Expect(batches[0].PreviousDigest).To(BeEmpty())
		Expect(batches[1].PreviousDigest).To(Equal(batches[0].Tag))
	})

	It("should default kind and stamp timestamps from the clock", func() {
		appendN(1)
		records := log.Records()
		Expect(records).To(HaveLen(1))
		Expect(records[0].Kind).To(Equal(audit.KindDecision))
		Expect(records[0].Timestamp).To(Equal(clk.Now()))
	})

	Context("health", func() {
		It("should report unhealthy after a persistence failure and recover on retry", func() {
			sink.fail = true
			appendN(4)
			Expect(log.Healthy()).To(BeFalse())
			Expect(log.Batches()).To(BeEmpty())

			sink.fail = false
			log.Flush(ctx)
			Expect(log.Healthy()).To(BeTrue())
			batches := log.Batches()
			Expect(batches).To(HaveLen(1))
			Expect(batches[0].Records).To(HaveLen(4))
		})
	})

	Context("verification", func() {
		BeforeEach(func() {
			appendN(12) // three full batches
			Expect(log.Batches()).To(HaveLen(3))
		})

		It("should verify an untampered history", func() {
			report, err := log.Verify(0, 2)
			Expect(err).ToNot(HaveOccurred())
			Expect(report.Valid).To(BeTrue())
			Expect(report.Divergent).To(BeNil())
		})

		It("should reject out-of-range requests", func() {
			_, err := log.Verify(0, 9)
			Expect(err).To(HaveOccurred())
			_, err = log.Verify(2, 1)
			Expect(err).To(HaveOccurred())
		})

		It("should locate the earliest tampered record and bracket it", func() {
			log.Batches()[1].Records[2].Reasoning = "rewritten history"
			report, err := log.Verify(0, 2)
			Expect(err).ToNot(HaveOccurred())
			Expect(report.Valid).To(BeFalse())
			Expect(report.Divergent).ToNot(BeNil())
			Expect(report.Divergent.Batch).To(Equal(1))
			Expect(report.Divergent.Record).To(Equal(2))
			Expect(report.ValidBefore).To(Equal(&audit.Range{From: 0, To: 0}))
			Expect(report.ValidAfter).To(Equal(&audit.Range{From: 2, To: 2}))
		})

		It("should report the first of two tampered records", func() {
			log.Batches()[0].Records[1].Outcome = "denied"
			log.Batches()[2].Records[0].Outcome = "denied"
			report, err := log.Verify(0, 2)
			Expect(err).ToNot(HaveOccurred())
			Expect(report.Divergent.Batch).To(Equal(0))
			Expect(report.Divergent.Record).To(Equal(1))
			Expect(report.ValidBefore).To(BeNil())
			// Batch 1 is untampered; the suffix sweep recovers it even though
			// the later tamper cuts the run short.
			Expect(report.ValidAfter).To(Equal(&audit.Range{From: 1, To: 1}))
		})

		It("should flag a forged batch tag at the position past the last record", func() {
			log.Batches()[2].Tag[0] ^= 0xff
			report, err := log.Verify(2, 2)
			Expect(err).ToNot(HaveOccurred())
			Expect(report.Valid).To(BeFalse())
			Expect(report.Divergent.Record).To(Equal(4))
		})
	})

	Context("erasure", func() {
		It("should tombstone the subject's records and keep the chain verifiable", func() {
			appendN(4)
			log.Append(ctx, audit.Record{Agent: "governor", Action: "cap_check", SubjectID: "owner-2"})
			log.Flush(ctx)

			erased, err := log.Erase(ctx, "owner-1", "compliance-officer")
			Expect(err).ToNot(HaveOccurred())
			Expect(erased).To(Equal(4))

			batches := log.Batches()
			for _, record := range batches[0].Records {
				Expect(record.Kind).To(Equal(audit.KindTombstone))
				Expect(record.Reasoning).To(BeEmpty())
				Expect(record.Action).To(Equal("audit.record_erased"))
			}
			Expect(batches[1].Records[0].SubjectID).To(Equal("owner-2"))
			Expect(batches[1].Records[0].Kind).To(Equal(audit.KindDecision))

			report, err := log.Verify(0, len(batches)-1)
			Expect(err).ToNot(HaveOccurred())
			Expect(report.Valid).To(BeTrue())
		})

		It("should append an erasure record naming the requester", func() {
			appendN(4)
			_, err := log.Erase(ctx, "owner-1", "compliance-officer")
			Expect(err).ToNot(HaveOccurred())
			records := log.Records()
			last := records[len(records)-1]
			Expect(last.Action).To(Equal("audit.erase_subject"))
			Expect(last.Reasoning).To(ContainSubstring("compliance-officer"))
		})

		It("should not double-erase and should report zero on an unknown subject", func() {
			appendN(4)
			_, err := log.Erase(ctx, "owner-1", "one")
			Expect(err).ToNot(HaveOccurred())
			erased, err := log.Erase(ctx, "owner-1", "two")
			Expect(err).ToNot(HaveOccurred())
			Expect(erased).To(BeZero())

			erased, err = log.Erase(ctx, "nobody", "three")
			Expect(err).ToNot(HaveOccurred())
			Expect(erased).To(BeZero())
		})
	})
})
