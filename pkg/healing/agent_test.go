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

package healing

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/ormind/ormind/pkg/apis/core"
	"github.com/ormind/ormind/pkg/audit"
	"github.com/ormind/ormind/pkg/governor"
	"github.com/ormind/ormind/pkg/reasoning"
)

// scriptedEngine answers Diagnose from a per-anomaly table.
type scriptedEngine struct {
	table map[reasoning.AnomalyKind]reasoning.Diagnosis

	mu            sync.Mutex
	diagnoseCalls []reasoning.AnomalyContext
}

func (e *scriptedEngine) Plan(context.Context, string, reasoning.PlanConstraints) ([]reasoning.TaskSpec, error) {
	return nil, nil
}

func (e *scriptedEngine) Diagnose(_ context.Context, anomaly reasoning.AnomalyContext, _ []core.TelemetrySample) (reasoning.Diagnosis, error) {
	e.mu.Lock()
	e.diagnoseCalls = append(e.diagnoseCalls, anomaly)
	e.mu.Unlock()
	return e.table[anomaly.Kind], nil
}

func (e *scriptedEngine) Repair(context.Context, core.Task, reasoning.FailureContext) (reasoning.Repair, error) {
	return reasoning.Repair{}, nil
}

func (e *scriptedEngine) DiagnoseCalls() []reasoning.AnomalyContext {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]reasoning.AnomalyContext(nil), e.diagnoseCalls...)
}

// actionLog records remediator calls in order.
type actionLog struct {
	mu       sync.Mutex
	calls    []string
	backoffs []time.Duration
	reasons  []string
}

func (l *actionLog) note(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *actionLog) PrescaleMemory(context.Context, string) error {
	l.note("prescale")
	return nil
}

func (l *actionLog) ReduceBatchSize(context.Context, string) error {
	l.note("reduce_batch")
	return nil
}

func (l *actionLog) Restart(_ context.Context, _ string, backoff time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, "restart")
	l.backoffs = append(l.backoffs, backoff)
	return nil
}

func (l *actionLog) MigrateLargerGPU(context.Context, string) error {
	l.note("migrate_larger")
	return nil
}

func (l *actionLog) TerminateAndNotify(_ context.Context, _ string, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, "terminate")
	l.reasons = append(l.reasons, reason)
	return nil
}

func (l *actionLog) Calls() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *actionLog) Backoffs() []time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]time.Duration(nil), l.backoffs...)
}

func (l *actionLog) Reasons() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.reasons...)
}

// countingRecorder tallies notifications.
type countingRecorder struct {
	mu            sync.Mutex
	unhealthy     int
	interruptions int
	lost          int
	goals         int
}

func (r *countingRecorder) InstanceUnhealthy(context.Context, *core.Instance, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unhealthy++
}

func (r *countingRecorder) InterruptionWarning(context.Context, string, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.interruptions++
}

func (r *countingRecorder) TelemetryLost(context.Context, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lost++
}

func (r *countingRecorder) GoalTerminal(context.Context, *core.Goal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.goals++
}

func (r *countingRecorder) Unhealthy() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unhealthy
}

func (r *countingRecorder) Interruptions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interruptions
}

func (r *countingRecorder) Lost() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lost
}

var _ = Describe("Agent", func() {
	var (
		ctx      context.Context
		clk      *clocktesting.FakeClock
		log      *audit.Log
		gov      *governor.Governor
		engine   *scriptedEngine
		actions  *actionLog
		recorder *countingRecorder
		agent    *Agent
	)

	BeforeEach(func() {
		ctx = context.Background()
		clk = clocktesting.NewFakeClock(time.Now())
		log = audit.NewLog([]byte("secret"), clk, audit.DefaultOptions())
		gov = governor.New(governor.PolicyWeights{}, clk, log, nil)
		engine = &scriptedEngine{table: map[reasoning.AnomalyKind]reasoning.Diagnosis{}}
		actions = &actionLog{}
		recorder = &countingRecorder{}
		agent = NewAgent("job-1", &core.Instance{ID: "i-1", HourlyRateUSD: 30}, engine, gov, log, actions, recorder, clk, DefaultOptions())
	})

	sample := func(util, vram, temp float64, oom bool) core.TelemetrySample {
		return core.TelemetrySample{
			InstanceID:        "i-1",
			GPUUtilizationPct: util,
			VRAMUsagePct:      vram,
			TempCelsius:       temp,
			OOM:               oom,
			Timestamp:         clk.Now(),
		}
	}

	It("should route an explicit OOM signal through diagnose, governor and remediator", func() {
		engine.table[reasoning.AnomalyOOM] = reasoning.Diagnosis{
			Action: reasoning.ActionPrescaleMemory, Confidence: 0.95, Reasoning: "allocator climbing",
		}
		agent.observe(ctx, sample(50, 90, 60, true))

		Expect(engine.DiagnoseCalls()).To(HaveLen(1))
		Expect(engine.DiagnoseCalls()[0].Kind).To(Equal(reasoning.AnomalyOOM))
		Expect(actions.Calls()).To(Equal([]string{"prescale"}))
		Expect(log.Records()).To(ContainElement(HaveField("Action", "heal.prescale_memory")))
	})

	It("should record but not act on a diagnosis below the confidence gate", func() {
		engine.table[reasoning.AnomalyOOM] = reasoning.Diagnosis{
			Action: reasoning.ActionPrescaleMemory, Confidence: 0.60,
		}
		agent.observe(ctx, sample(50, 90, 60, true))

		Expect(actions.Calls()).To(BeEmpty())
		Expect(log.Records()).To(ContainElement(And(
			HaveField("Action", "heal.confidence_below_threshold"),
			HaveField("Outcome", "skipped"),
		)))
	})

	It("should fire the critical VRAM trigger on a single sample", func() {
		engine.table[reasoning.AnomalyVRAMCritical] = reasoning.Diagnosis{
			Action: reasoning.ActionReduceBatchSize, Confidence: 0.9,
		}
		agent.observe(ctx, sample(50, 98, 60, false))

		Expect(engine.DiagnoseCalls()).To(HaveLen(1))
		Expect(engine.DiagnoseCalls()[0].Kind).To(Equal(reasoning.AnomalyVRAMCritical))
		Expect(actions.Calls()).To(Equal([]string{"reduce_batch"}))
	})

	It("should require the temperature ceiling to be sustained", func() {
		engine.table[reasoning.AnomalyTempHigh] = reasoning.Diagnosis{
			Action: reasoning.ActionReduceBatchSize, Confidence: 0.9,
		}
		agent.observe(ctx, sample(50, 50, 90, false))
		agent.observe(ctx, sample(50, 50, 90, false))
		Expect(engine.DiagnoseCalls()).To(BeEmpty())

		// A cool sample resets the run.
		agent.observe(ctx, sample(50, 50, 60, false))
		agent.observe(ctx, sample(50, 50, 90, false))
		agent.observe(ctx, sample(50, 50, 90, false))
		Expect(engine.DiagnoseCalls()).To(BeEmpty())

		agent.observe(ctx, sample(50, 50, 90, false))
		Expect(engine.DiagnoseCalls()).To(HaveLen(1))
		Expect(engine.DiagnoseCalls()[0].Kind).To(Equal(reasoning.AnomalyTempHigh))
	})

	It("should fire the z-score trigger after three consecutive excursions", func() {
		engine.table[reasoning.AnomalyZScore] = reasoning.Diagnosis{
			Action: reasoning.ActionRestart, Confidence: 0.9,
		}
		for i := 0; i < 20; i++ {
			agent.observe(ctx, sample(50, 50, 60, false))
		}
		agent.observe(ctx, sample(100, 50, 60, false))
		agent.observe(ctx, sample(100, 50, 60, false))
		Expect(engine.DiagnoseCalls()).To(BeEmpty())
		agent.observe(ctx, sample(100, 50, 60, false))

		Expect(engine.DiagnoseCalls()).To(HaveLen(1))
		Expect(engine.DiagnoseCalls()[0].Kind).To(Equal(reasoning.AnomalyZScore))
		Expect(engine.DiagnoseCalls()[0].Metric).To(Equal(core.MetricGPUUtilization))
		Expect(actions.Calls()).To(Equal([]string{"restart"}))
	})

	It("should fire the same anomaly at most once per cooldown", func() {
		engine.table[reasoning.AnomalyOOM] = reasoning.Diagnosis{
			Action: reasoning.ActionPrescaleMemory, Confidence: 0.95,
		}
		agent.observe(ctx, sample(50, 90, 60, true))
		agent.observe(ctx, sample(50, 90, 60, true))
		Expect(engine.DiagnoseCalls()).To(HaveLen(1))

		clk.Step(triggerCooldown)
		agent.observe(ctx, sample(50, 90, 60, true))
		Expect(engine.DiagnoseCalls()).To(HaveLen(2))
	})

	Describe("restart budget", func() {
		It("should back off exponentially and escalate once the budget is spent", func() {
			engine.table[reasoning.AnomalyRestartStorm] = reasoning.Diagnosis{
				Action: reasoning.ActionTerminateNotify, Confidence: 1, Reasoning: "restart storm",
			}
			for i := 0; i < 3; i++ {
				Expect(agent.restart(ctx)).To(Succeed())
			}
			Expect(actions.Backoffs()).To(Equal([]time.Duration{
				10 * time.Second, 20 * time.Second, 40 * time.Second,
			}))

			Expect(agent.restart(ctx)).To(Succeed())
			Expect(actions.Calls()).To(Equal([]string{"restart", "restart", "restart", "terminate"}))
			Expect(actions.Reasons()).To(Equal([]string{"restart budget exhausted"}))
			Expect(recorder.Unhealthy()).To(Equal(1))
		})

		It("should forget restarts older than the budget window", func() {
			for i := 0; i < 3; i++ {
				Expect(agent.restart(ctx)).To(Succeed())
			}
			clk.Step(restartBudgetWindow + time.Minute)
			Expect(agent.restart(ctx)).To(Succeed())
			Expect(actions.Calls()).ToNot(ContainElement("terminate"))
			Expect(actions.Backoffs()).To(HaveLen(4))
			Expect(actions.Backoffs()[3]).To(Equal(10 * time.Second))
		})
	})

	Describe("staleness", func() {
		It("should note silence at ten seconds and fail the instance at thirty", func() {
			clk.Step(StaleAfter)
			Expect(agent.checkStaleness(ctx)).To(BeFalse())
			Expect(log.Records()).To(ContainElement(HaveField("Action", "telemetry_stale")))

			// The note is written once per silent stretch.
			Expect(agent.checkStaleness(ctx)).To(BeFalse())
			stale := 0
			for _, record := range log.Records() {
				if record.Action == "telemetry_stale" {
					stale++
				}
			}
			Expect(stale).To(Equal(1))

			clk.Step(FailedAfter - StaleAfter)
			Expect(agent.checkStaleness(ctx)).To(BeTrue())
			Expect(log.Records()).To(ContainElement(HaveField("Action", "telemetry_lost")))
			Expect(recorder.Lost()).To(Equal(1))
			Expect(actions.Calls()).To(Equal([]string{"terminate"}))
			Expect(actions.Reasons()).To(Equal([]string{"telemetry lost"}))
		})

		It("should reset staleness on a fresh sample", func() {
			clk.Step(StaleAfter)
			Expect(agent.checkStaleness(ctx)).To(BeFalse())
			agent.observe(ctx, sample(50, 50, 60, false))
			Expect(agent.checkStaleness(ctx)).To(BeFalse())
			Expect(log.Records()).ToNot(ContainElement(HaveField("Action", "telemetry_lost")))
		})
	})
})
