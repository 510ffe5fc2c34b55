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

package scheduling

import (
	"context"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/ormind/ormind/pkg/apis/core"
	"github.com/ormind/ormind/pkg/audit"
	"github.com/ormind/ormind/pkg/providers/adapter"
	"github.com/ormind/ormind/pkg/providers/adapter/fake"
	"github.com/ormind/ormind/pkg/providers/pricing"
	"github.com/ormind/ormind/pkg/providers/router"
	"github.com/ormind/ormind/pkg/repository"
)

var _ = Describe("Dispatcher", func() {
	var (
		ctx        context.Context
		clk        *clocktesting.FakeClock
		provider   *fake.Adapter
		log        *audit.Log
		jobs       repository.Jobs
		instances  repository.Instances
		queue      *Queue
		dispatcher *Dispatcher
	)

	BeforeEach(func() {
		ctx = context.Background()
		clk = clocktesting.NewFakeClock(time.Now())
		log = audit.NewLog([]byte("secret"), clk, audit.DefaultOptions())
		provider = fake.NewAdapter("fake", clk, []string{"us-east-1"}, []string{"a100"})
		provider.SetPrice("a100", "us-east-1", 30, core.AvailabilityHigh)

		store := pricing.NewStore(pricing.DefaultWindow, pricing.DefaultAlpha)
		store.Seed(core.PricePoint{
			Key:           core.PriceKey{Provider: "fake", Region: "us-east-1", GPUClass: "a100"},
			HourlyRateUSD: 30,
			Availability:  core.AvailabilityHigh,
		})
		rtr := router.New(store, clk, log, router.DefaultReliabilityWeight)
		rtr.Register(provider)

		jobs = repository.NewMemoryJobs()
		instances = repository.NewMemoryInstances()
		queue = NewQueue(clk, 8)
		dispatcher = NewDispatcher(queue, rtr, jobs, instances, log, clk, Options{
			MaxRetries: 3,
			Backoff:    []time.Duration{10 * time.Second},
			Budget:     SpotBudget{InterruptProbabilityPerHour: 0.1},
		})
	})

	newItem := func() *Item {
		return &Item{
			GoalID: "g1",
			Task:   0,
			Name:   "train",
			Workload: core.Workload{
				Image:   "trainer:latest",
				Command: []string{"python", "train.py"},
				Demand:  core.ResourceDemand{GPUClass: "a100", GPUCount: 1},
			},
			ExpectedDuration: 2 * time.Hour,
		}
	}

	releaseAndStart := func(item *Item) TaskEvent {
		dispatcher.release(ctx, item)
		var event TaskEvent
		Expect(dispatcher.Events()).To(Receive(&event))
		Expect(event.Kind).To(Equal(EventReleased))
		return event
	}

	It("should release a task into a running job", func() {
		event := releaseAndStart(newItem())
		Expect(event.JobID).To(Equal("g1-0-0"))

		jc, ok := dispatcher.Running(event.JobID)
		Expect(ok).To(BeTrue())
		Expect(jc.Instance.Provider).To(Equal("fake"))

		stored, err := jobs.Get(ctx, event.JobID)
		Expect(err).ToNot(HaveOccurred())
		Expect(stored.Status).To(Equal(core.JobRunning))

		owned, err := instances.KnownInstanceIDs(ctx, "fake")
		Expect(err).ToNot(HaveOccurred())
		Expect(owned).To(HaveKey(jc.Instance.ID))
	})

	It("should settle a clean exit as success and release the instance", func() {
		event := releaseAndStart(newItem())
		jc, _ := dispatcher.Running(event.JobID)

		provider.CompleteCommand(jc.Instance.ID, 0)
		Eventually(dispatcher.Events()).Should(Receive(HaveField("Kind", EventSucceeded)))
		Eventually(func() bool {
			_, running := dispatcher.Running(event.JobID)
			return running
		}).Should(BeFalse())
		Expect(provider.LiveCount()).To(BeZero())

		stored, err := jobs.Get(ctx, event.JobID)
		Expect(err).ToNot(HaveOccurred())
		Expect(stored.Status).To(Equal(core.JobSucceeded))
	})

	It("should mark an out-of-memory exit on the failure event", func() {
		event := releaseAndStart(newItem())
		jc, _ := dispatcher.Running(event.JobID)

		provider.CompleteCommand(jc.Instance.ID, OOMExitCode)
		var failed TaskEvent
		Eventually(dispatcher.Events()).Should(Receive(&failed))
		Expect(failed.Kind).To(Equal(EventFailed))
		Expect(failed.OOM).To(BeTrue())
		Expect(failed.Reason).To(ContainSubstring("137"))
	})

	Context("interruptible capacity", func() {
		It("should run an eligible workload on spot", func() {
			item := newItem()
			item.Workload.Interruptible = true
			item.Workload.Checkpointable = true
			event := releaseAndStart(item)
			jc, _ := dispatcher.Running(event.JobID)
			Expect(jc.Instance.Interruptible).To(BeTrue())
		})

		It("should hand the approved checkpoint cadence to the command", func() {
			item := newItem()
			item.Workload.Interruptible = true
			item.Workload.Checkpointable = true
			event := releaseAndStart(item)
			jc, _ := dispatcher.Running(event.JobID)

			// 0.1/hour over a 2 hour run admits a 12 minute interval.
			handle := jc.Handle.(*fake.CommandHandle)
			Expect(handle.Env()).To(HaveKeyWithValue(CheckpointIntervalEnv, "720"))
		})

		It("should decline spot for a non-checkpointable workload and audit the decline", func() {
			item := newItem()
			item.Workload.Interruptible = true
			event := releaseAndStart(item)
			jc, _ := dispatcher.Running(event.JobID)
			Expect(jc.Instance.Interruptible).To(BeFalse())

			records := log.Records()
			Expect(records).To(ContainElement(And(
				HaveField("Action", "spot_declined"),
				HaveField("Outcome", "on_demand"),
			)))
		})
	})

	Context("failed releases", func() {
		It("should requeue after backoff on a transient provisioning failure", func() {
			provider.FailProvisionWith(adapter.NewError(adapter.KindTransient, "fake", fmt.Errorf("blip")))
			dispatcher.release(ctx, newItem())

			// release returns with the requeue armed, not waited out.
			Expect(queue.Len()).To(BeZero())
			Expect(clk.HasWaiters()).To(BeTrue())

			clk.Step(10 * time.Second)
			Eventually(queue.Len).Should(Equal(1))
			requeued, err := queue.Dequeue(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(requeued.Attempt).To(Equal(1))
		})

		It("should keep releasing other tasks while a backoff is pending", func() {
			provider.FailProvisionWith(adapter.NewError(adapter.KindTransient, "fake", fmt.Errorf("blip")))
			dispatcher.release(ctx, newItem())
			Expect(clk.HasWaiters()).To(BeTrue())

			next := newItem()
			next.Task = 1
			event := releaseAndStart(next)
			Expect(event.JobID).To(Equal("g1-1-0"))
		})

		It("should fail immediately on a permanent error", func() {
			provider.FailProvisionWith(adapter.NewError(adapter.KindPermanent, "fake", fmt.Errorf("bad credentials")))
			dispatcher.release(ctx, newItem())

			var event TaskEvent
			Expect(dispatcher.Events()).To(Receive(&event))
			Expect(event.Kind).To(Equal(EventFailed))
			Expect(queue.Len()).To(BeZero())
			Expect(log.Records()).To(ContainElement(HaveField("Action", "task_failed")))
		})

		It("should fail once retries are exhausted", func() {
			provider.FailProvisionWith(adapter.NewError(adapter.KindTransient, "fake", fmt.Errorf("blip")))
			item := newItem()
			item.Attempt = 2
			dispatcher.release(ctx, item)

			Expect(dispatcher.Events()).To(Receive(HaveField("Kind", EventFailed)))
			Expect(queue.Len()).To(BeZero())
		})
	})

	Describe("CancelJob", func() {
		It("should end the job cancelled without a failure event", func() {
			event := releaseAndStart(newItem())
			jc, _ := dispatcher.Running(event.JobID)

			Expect(dispatcher.CancelJob(ctx, event.JobID, 30*time.Second)).To(Succeed())
			stored, err := jobs.Get(ctx, event.JobID)
			Expect(err).ToNot(HaveOccurred())
			Expect(stored.Status).To(Equal(core.JobCancelled))
			Expect(provider.LiveCount()).To(BeZero())
			Expect(jc.Instance.State).To(Equal(core.InstanceTerminated))
			Expect(log.Records()).To(ContainElement(HaveField("Action", "job_cancelled")))

			Consistently(dispatcher.Events()).ShouldNot(Receive())
		})

		It("should refuse to cancel an unknown job", func() {
			Expect(dispatcher.CancelJob(ctx, "nope", time.Second)).ToNot(Succeed())
		})
	})

	Describe("TerminateJob", func() {
		It("should force-fail the job with the escalation reason", func() {
			event := releaseAndStart(newItem())

			Expect(dispatcher.TerminateJob(ctx, event.JobID, "unrecoverable thermal anomaly")).To(Succeed())
			var failed TaskEvent
			Expect(dispatcher.Events()).To(Receive(&failed))
			Expect(failed.Kind).To(Equal(EventFailed))
			Expect(failed.Reason).To(Equal("unrecoverable thermal anomaly"))

			stored, err := jobs.Get(ctx, event.JobID)
			Expect(err).ToNot(HaveOccurred())
			Expect(stored.Status).To(Equal(core.JobFailed))
			Expect(provider.LiveCount()).To(BeZero())
		})
	})

	Describe("RestartJob", func() {
		It("should replace the command handle without ending the job", func() {
			event := releaseAndStart(newItem())
			jc, _ := dispatcher.Running(event.JobID)

			Expect(dispatcher.RestartJob(ctx, event.JobID, 0)).To(Succeed())
			Expect(provider.ExecuteCalls).To(Equal(2))
			Consistently(dispatcher.Events()).ShouldNot(Receive())

			// The restarted command's exit settles the job normally.
			provider.CompleteCommand(jc.Instance.ID, 0)
			Eventually(dispatcher.Events()).Should(Receive(HaveField("Kind", EventSucceeded)))
		})

		It("should refuse to restart an unknown job", func() {
			Expect(dispatcher.RestartJob(ctx, "nope", 0)).ToNot(Succeed())
		})
	})

	It("should run released jobs dequeued from the queue", func() {
		Expect(queue.Enqueue(ctx, newItem())).To(Succeed())
		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = dispatcher.Run(runCtx)
		}()

		Eventually(dispatcher.Events()).Should(Receive(HaveField("Kind", EventReleased)))
		cancel()
		Eventually(done).Should(BeClosed())
	})
})
