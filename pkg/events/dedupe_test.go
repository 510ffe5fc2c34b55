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

package events_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/ormind/ormind/pkg/apis/core"
	"github.com/ormind/ormind/pkg/events"
)

// tally counts notifications per key.
type tally struct {
	counts map[string]int
}

func newTally() *tally { return &tally{counts: map[string]int{}} }

func (t *tally) InstanceUnhealthy(_ context.Context, instance *core.Instance, _ string) {
	t.counts["unhealthy/"+instance.ID]++
}

func (t *tally) InterruptionWarning(_ context.Context, instanceID, _ string) {
	t.counts["interruption/"+instanceID]++
}

func (t *tally) TelemetryLost(_ context.Context, instanceID string) {
	t.counts["lost/"+instanceID]++
}

func (t *tally) GoalTerminal(_ context.Context, goal *core.Goal) {
	t.counts["goal/"+goal.ID]++
}

var _ = Describe("DedupeRecorder", func() {
	var (
		ctx   context.Context
		inner *tally
		rec   events.Recorder
	)

	BeforeEach(func() {
		ctx = context.Background()
		inner = newTally()
		rec = events.NewDedupeRecorder(inner)
	})

	It("should pass the first notification through and swallow repeats", func() {
		instance := &core.Instance{ID: "i-1"}
		rec.InstanceUnhealthy(ctx, instance, "restart budget exhausted")
		rec.InstanceUnhealthy(ctx, instance, "restart budget exhausted")
		rec.InstanceUnhealthy(ctx, instance, "vram critical")

		Expect(inner.counts["unhealthy/i-1"]).To(Equal(1))
	})

	It("should keep distinct subjects independent", func() {
		rec.TelemetryLost(ctx, "i-1")
		rec.TelemetryLost(ctx, "i-2")
		rec.TelemetryLost(ctx, "i-1")

		Expect(inner.counts["lost/i-1"]).To(Equal(1))
		Expect(inner.counts["lost/i-2"]).To(Equal(1))
	})

	It("should dedupe per notification kind, not globally", func() {
		rec.InterruptionWarning(ctx, "i-1", "alpha")
		rec.TelemetryLost(ctx, "i-1")

		Expect(inner.counts["interruption/i-1"]).To(Equal(1))
		Expect(inner.counts["lost/i-1"]).To(Equal(1))
	})

	It("should report each goal's terminal transition once", func() {
		goal := &core.Goal{ID: "g1", Status: core.GoalCompleted}
		rec.GoalTerminal(ctx, goal)
		rec.GoalTerminal(ctx, goal)

		Expect(inner.counts["goal/g1"]).To(Equal(1))
	})
})
