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

package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/ormind/ormind/pkg/apis/core"
	"github.com/ormind/ormind/pkg/audit"
	"github.com/ormind/ormind/pkg/events"
	"github.com/ormind/ormind/pkg/governor"
	"github.com/ormind/ormind/pkg/providers/adapter/fake"
	"github.com/ormind/ormind/pkg/providers/pricing"
	"github.com/ormind/ormind/pkg/providers/router"
	"github.com/ormind/ormind/pkg/reasoning"
	"github.com/ormind/ormind/pkg/repository"
	"github.com/ormind/ormind/pkg/scheduling"
)

// goalTally counts terminal goal notifications.
type goalTally struct {
	mu        sync.Mutex
	terminals int
	last      core.GoalStatus
}

func (t *goalTally) InstanceUnhealthy(context.Context, *core.Instance, string) {}
func (t *goalTally) InterruptionWarning(context.Context, string, string)       {}
func (t *goalTally) TelemetryLost(context.Context, string)                     {}

func (t *goalTally) GoalTerminal(_ context.Context, goal *core.Goal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.terminals++
	t.last = goal.Status
}

func (t *goalTally) Terminals() (int, core.GoalStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.terminals, t.last
}

var _ events.Recorder = (*goalTally)(nil)

// brokenSink refuses every batch, which drives the audit log unhealthy.
type brokenSink struct{}

func (brokenSink) SaveBatch(context.Context, audit.Batch) error {
	return fmt.Errorf("disk full")
}

var _ = Describe("Orchestrator", func() {
	var (
		ctx      context.Context
		clk      *clocktesting.FakeClock
		log      *audit.Log
		goals    *repository.MemoryGoals
		jobs     *repository.MemoryJobs
		queue    *scheduling.Queue
		gov      *governor.Governor
		recorder *goalTally
		orc      *Orchestrator
	)

	BeforeEach(func() {
		ctx = context.Background()
		clk = clocktesting.NewFakeClock(time.Now())
		log = audit.NewLog([]byte("secret"), clk, audit.DefaultOptions())
		goals = repository.NewMemoryGoals()
		jobs = repository.NewMemoryJobs()
		instances := repository.NewMemoryInstances()
		store := pricing.NewStore(pricing.DefaultWindow, pricing.DefaultAlpha)
		rtr := router.New(store, clk, log, router.DefaultReliabilityWeight)
		queue = scheduling.NewQueue(clk, 0)
		dispatcher := scheduling.NewDispatcher(queue, rtr, jobs, instances, log, clk, scheduling.Options{})
		gov = governor.New(governor.PolicyWeights{}, clk, log, nil)
		recorder = &goalTally{}
		orc = New(reasoning.NewRuleEngine(1), gov, queue, dispatcher, goals, jobs, log, recorder, clk)
	})

	// planned creates a goal in the repository and builds its plan.
	planned := func(text string, budget float64) *core.Goal {
		goal := &core.Goal{ID: "g1", Text: text, Owner: "owner-1", BudgetUSD: budget}
		Expect(goals.Create(ctx, goal)).To(Succeed())
		Expect(orc.plan(ctx, goal)).To(Succeed())
		return goal
	}

	Describe("Submit", func() {
		It("should refuse admission while audit persistence is down", func() {
			down := audit.NewLog([]byte("secret"), clk, audit.Options{BatchSize: 1}).WithSink(brokenSink{})
			down.Append(ctx, audit.Record{Agent: "orchestrator", Action: "warmup"})
			Expect(down.Healthy()).To(BeFalse())

			queue2 := scheduling.NewQueue(clk, 0)
			orc2 := New(reasoning.NewRuleEngine(1), gov, queue2, nil, goals, jobs, down, recorder, clk)
			err := orc2.Submit(ctx, &core.Goal{Text: "train model"})
			Expect(err).To(MatchError(ContainSubstring("admissions are halted")))
			listed, lerr := goals.List(ctx)
			Expect(lerr).ToNot(HaveOccurred())
			Expect(listed).To(BeEmpty())
		})

		It("should run a goal to cancellation through its activity", func() {
			goal := &core.Goal{Text: "hold position", Owner: "owner-1"}
			Expect(orc.Submit(ctx, goal)).To(Succeed())
			Expect(goal.ID).ToNot(BeEmpty())
			Expect(log.Records()).To(ContainElement(HaveField("Action", "goal_accepted")))

			Eventually(func() core.GoalStatus {
				stored, err := goals.Get(ctx, goal.ID)
				if err != nil {
					return ""
				}
				return stored.Status
			}).Should(Equal(core.GoalRunning))

			Expect(orc.Cancel(goal.ID)).To(Succeed())
			Eventually(func() core.GoalStatus {
				stored, _ := goals.Get(ctx, goal.ID)
				return stored.Status
			}).Should(Equal(core.GoalCancelled))

			Eventually(func() int {
				n, _ := recorder.Terminals()
				return n
			}).Should(Equal(1))
			_, last := recorder.Terminals()
			Expect(last).To(Equal(core.GoalCancelled))

			// The activity is gone; a second cancel has nothing to talk to.
			Eventually(func() error { return orc.Cancel(goal.ID) }).Should(HaveOccurred())
		})

		It("should refuse to cancel an unknown goal", func() {
			Expect(orc.Cancel("ghost")).To(HaveOccurred())
		})
	})

	Describe("plan", func() {
		It("should build the task arena from the engine's specs", func() {
			goal := planned("prepare data then train model", 0)
			Expect(goal.Plan).ToNot(BeNil())
			Expect(goal.Plan.Tasks()).To(HaveLen(2))
			first := goal.Plan.Task(0)
			second := goal.Plan.Task(1)
			Expect(first.Name).To(Equal("prepare data"))
			Expect(first.GoalID).To(Equal("g1"))
			Expect(second.Predecessors).To(Equal([]core.TaskHandle{0}))
		})
	})

	Describe("pump", func() {
		It("should queue ready tasks and leave successors pending", func() {
			goal := planned("prepare data then train model", 0)
			orc.pump(ctx, goal)

			Expect(goal.Plan.Task(0).Status).To(Equal(core.TaskQueued))
			Expect(goal.Plan.Task(1).Status).To(Equal(core.TaskPending))

			items := queue.Drain("g1")
			Expect(items).To(HaveLen(1))
			Expect(items[0].Name).To(Equal("prepare data"))
			Expect(log.Records()).To(ContainElement(And(
				HaveField("Action", "task_admission"),
				HaveField("Outcome", "approve"),
			)))
		})

		It("should cancel tasks whose predecessor failed", func() {
			goal := planned("prepare data then train model", 0)
			goal.Plan.Task(0).Status = core.TaskFailed
			orc.pump(ctx, goal)

			second := goal.Plan.Task(1)
			Expect(second.Status).To(Equal(core.TaskCancelled))
			Expect(second.FailureReason).To(Equal("predecessor failed"))
		})

		It("should hold dispatch while audit persistence is down", func() {
			down := audit.NewLog([]byte("secret"), clk, audit.Options{BatchSize: 1}).WithSink(brokenSink{})
			down.Append(ctx, audit.Record{Agent: "orchestrator", Action: "warmup"})
			orc2 := New(reasoning.NewRuleEngine(1), gov, queue, nil, goals, jobs, down, recorder, clk)

			goal := &core.Goal{ID: "g1", Text: "train model"}
			Expect(goals.Create(ctx, goal)).To(Succeed())
			Expect(orc2.plan(ctx, goal)).To(Succeed())
			orc2.pump(ctx, goal)

			Expect(goal.Plan.Task(0).Status).To(Equal(core.TaskPending))
			Expect(queue.Drain("g1")).To(BeEmpty())
		})
	})

	Describe("admit", func() {
		It("should fail a task the governor denies, carrying the rationale", func() {
			Expect(gov.SetWeights(ctx, governor.PolicyWeights{DailyCapUSD: 1}, "operator")).To(Succeed())
			goal := planned("prepare data then train model", 10)
			orc.pump(ctx, goal)

			first := goal.Plan.Task(0)
			Expect(first.Status).To(Equal(core.TaskFailed))
			Expect(first.FailureReason).To(ContainSubstring("daily cap"))
			Expect(queue.Drain("g1")).To(BeEmpty())
		})
	})

	Describe("handleEvent", func() {
		It("should mark a released task running", func() {
			goal := planned("train model", 0)
			orc.handleEvent(ctx, goal, scheduling.TaskEvent{GoalID: "g1", Task: 0, Kind: scheduling.EventReleased})
			Expect(goal.Plan.Task(0).Status).To(Equal(core.TaskRunning))
		})

		It("should fold a finished job's cost into the goal on success", func() {
			goal := planned("train model", 0)
			Expect(jobs.Create(ctx, &core.Job{
				ID: "j1", GoalID: "g1", Task: 0, AccruedCostUSD: 12.5, Status: core.JobSucceeded,
			})).To(Succeed())

			orc.handleEvent(ctx, goal, scheduling.TaskEvent{
				GoalID: "g1", Task: 0, Kind: scheduling.EventSucceeded, JobID: "j1",
			})

			Expect(goal.Plan.Task(0).Status).To(Equal(core.TaskSucceeded))
			Expect(goal.AccruedCostUSD).To(BeNumerically("==", 12.5))
			stored, err := goals.Get(ctx, "g1")
			Expect(err).ToNot(HaveOccurred())
			Expect(stored.AccruedCostUSD).To(BeNumerically("==", 12.5))
		})

		It("should requeue a failure the engine decides to retry", func() {
			goal := planned("train model", 0)
			orc.handleEvent(ctx, goal, scheduling.TaskEvent{
				GoalID: "g1", Task: 0, Kind: scheduling.EventFailed, Reason: "provider blip",
			})

			task := goal.Plan.Task(0)
			Expect(task.Status).To(Equal(core.TaskQueued))
			Expect(task.Attempts).To(Equal(1))
			items := queue.Drain("g1")
			Expect(items).To(HaveLen(1))
			Expect(items[0].Attempt).To(Equal(1))
		})

		It("should upgrade demand and requeue after an out-of-memory failure", func() {
			goal := planned("train model", 0)
			orc.handleEvent(ctx, goal, scheduling.TaskEvent{
				GoalID: "g1", Task: 0, Kind: scheduling.EventFailed, Reason: "exit 137", OOM: true,
			})

			task := goal.Plan.Task(0)
			Expect(task.Status).To(Equal(core.TaskQueued))
			Expect(task.Workload.Demand.GPUClass).To(Equal("l40s"))
			Expect(task.Workload.Demand.VRAMGiB).To(Equal(48))
		})

		It("should fail the task for good once the engine abandons it", func() {
			goal := planned("train model", 0)
			goal.Plan.Task(0).Attempts = 2
			orc.handleEvent(ctx, goal, scheduling.TaskEvent{
				GoalID: "g1", Task: 0, Kind: scheduling.EventFailed, Reason: "permanent quota",
			})

			task := goal.Plan.Task(0)
			Expect(task.Status).To(Equal(core.TaskFailed))
			Expect(task.FailureReason).To(ContainSubstring("attempts exhausted"))
			Expect(queue.Drain("g1")).To(BeEmpty())
		})
	})

	Describe("budget ceiling", func() {
		It("should cancel the goal once accrued cost exceeds the budget", func() {
			goal := planned("prepare data then train model", 10)
			Expect(jobs.Create(ctx, &core.Job{
				ID: "j1", GoalID: "g1", Task: 0, AccruedCostUSD: 15, Status: core.JobSucceeded,
			})).To(Succeed())

			orc.handleEvent(ctx, goal, scheduling.TaskEvent{
				GoalID: "g1", Task: 0, Kind: scheduling.EventSucceeded, JobID: "j1",
			})

			Expect(goal.Status).To(Equal(core.GoalCancelled))
			Expect(goal.Plan.Task(1).Status).To(Equal(core.TaskCancelled))
			stored, err := goals.Get(ctx, "g1")
			Expect(err).ToNot(HaveOccurred())
			Expect(stored.Status).To(Equal(core.GoalCancelled))
			Expect(stored.FailureReason).To(Equal("budget ceiling exceeded"))
			Expect(log.Records()).To(ContainElement(HaveField("Action", "budget_exceeded")))

			n, last := recorder.Terminals()
			Expect(n).To(Equal(1))
			Expect(last).To(Equal(core.GoalCancelled))
		})
	})

	Describe("end to end", func() {
		It("should drive a goal through planning, dispatch and completion with settled cost", func() {
			provider := fake.NewAdapter("fake", clk, []string{"us-east-1"}, []string{"a10"})
			provider.SetPrice("a10", "us-east-1", 10, core.AvailabilityHigh)
			store := pricing.NewStore(pricing.DefaultWindow, pricing.DefaultAlpha)
			store.Seed(core.PricePoint{
				Key:           core.PriceKey{Provider: "fake", Region: "us-east-1", GPUClass: "a10"},
				HourlyRateUSD: 10,
				Availability:  core.AvailabilityHigh,
			})
			rtr := router.New(store, clk, log, router.DefaultReliabilityWeight)
			rtr.Register(provider)
			instances := repository.NewMemoryInstances()
			fullQueue := scheduling.NewQueue(clk, 0)
			dispatcher := scheduling.NewDispatcher(fullQueue, rtr, jobs, instances, log, clk, scheduling.Options{})
			orc2 := New(reasoning.NewRuleEngine(1), gov, fullQueue, dispatcher, goals, jobs, log, recorder, clk)

			runCtx, cancel := context.WithCancel(ctx)
			DeferCleanup(cancel)
			go func() {
				defer GinkgoRecover()
				_ = dispatcher.Run(runCtx)
			}()
			go func() {
				defer GinkgoRecover()
				_ = orc2.Run(runCtx)
			}()

			goal := &core.Goal{Text: "train model", Owner: "owner-1", BudgetUSD: 100}
			Expect(orc2.Submit(runCtx, goal)).To(Succeed())

			var jc scheduling.JobContext
			Eventually(func() bool {
				var ok bool
				jc, ok = dispatcher.Running(goal.ID + "-0-0")
				return ok
			}).Should(BeTrue())

			// Half an hour at $10/h settles $5 against the goal.
			clk.Step(30 * time.Minute)
			provider.CompleteCommand(jc.Instance.ID, 0)

			Eventually(func() core.GoalStatus {
				stored, err := goals.Get(ctx, goal.ID)
				if err != nil {
					return ""
				}
				return stored.Status
			}).Should(Equal(core.GoalCompleted))

			stored, err := goals.Get(ctx, goal.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(stored.AccruedCostUSD).To(BeNumerically("~", 5, 1e-9))
			Expect(provider.LiveCount()).To(BeZero())
			_, last := recorder.Terminals()
			Expect(last).To(Equal(core.GoalCompleted))
			Expect(log.Records()).To(ContainElement(HaveField("Action", "goal_completed")))
		})
	})
})
