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

package core_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/ormind/ormind/pkg/apis/core"
)

var _ = Describe("Plan", func() {
	var plan *core.Plan

	BeforeEach(func() {
		plan = core.NewPlan("goal-1")
	})

	It("should hand out sequential handles and stamp the goal id", func() {
		first, err := plan.Add(core.Task{Name: "prepare"})
		Expect(err).ToNot(HaveOccurred())
		second, err := plan.Add(core.Task{Name: "train", Predecessors: []core.TaskHandle{first}})
		Expect(err).ToNot(HaveOccurred())

		Expect(first).To(Equal(core.TaskHandle(0)))
		Expect(second).To(Equal(core.TaskHandle(1)))
		Expect(plan.Task(second).GoalID).To(Equal("goal-1"))
		Expect(plan.Task(second).Status).To(Equal(core.TaskPending))
	})

	It("should reject forward and self references, which rules out cycles", func() {
		_, err := plan.Add(core.Task{Name: "broken", Predecessors: []core.TaskHandle{0}})
		Expect(err).To(HaveOccurred())

		_, err = plan.Add(core.Task{Name: "root"})
		Expect(err).ToNot(HaveOccurred())
		_, err = plan.Add(core.Task{Name: "forward", Predecessors: []core.TaskHandle{5}})
		Expect(err).To(HaveOccurred())
	})

	It("should only report tasks ready once every predecessor succeeded", func() {
		root, _ := plan.Add(core.Task{Name: "root"})
		left, _ := plan.Add(core.Task{Name: "left", Predecessors: []core.TaskHandle{root}})
		right, _ := plan.Add(core.Task{Name: "right", Predecessors: []core.TaskHandle{root}})
		join, _ := plan.Add(core.Task{Name: "join", Predecessors: []core.TaskHandle{left, right}})

		Expect(plan.Ready()).To(ConsistOf(root))

		plan.Task(root).Status = core.TaskSucceeded
		Expect(plan.Ready()).To(ConsistOf(left, right))

		plan.Task(left).Status = core.TaskSucceeded
		Expect(plan.Ready()).To(ConsistOf(right))

		plan.Task(right).Status = core.TaskSucceeded
		Expect(plan.Ready()).To(ConsistOf(join))
	})

	It("should report successors of a failed task as blocked", func() {
		root, _ := plan.Add(core.Task{Name: "root"})
		child, _ := plan.Add(core.Task{Name: "child", Predecessors: []core.TaskHandle{root}})
		grandchild, _ := plan.Add(core.Task{Name: "grandchild", Predecessors: []core.TaskHandle{child}})

		plan.Task(root).Status = core.TaskFailed
		Expect(plan.Blocked()).To(ConsistOf(child))
		Expect(plan.Ready()).To(BeEmpty())

		plan.Task(child).Status = core.TaskCancelled
		Expect(plan.Blocked()).To(ConsistOf(grandchild))
	})

	It("should reach terminal only when every task is terminal", func() {
		a, _ := plan.Add(core.Task{Name: "a"})
		b, _ := plan.Add(core.Task{Name: "b"})

		Expect(plan.Terminal()).To(BeFalse())
		plan.Task(a).Status = core.TaskSucceeded
		Expect(plan.Terminal()).To(BeFalse())
		plan.Task(b).Status = core.TaskCancelled
		Expect(plan.Terminal()).To(BeTrue())
		Expect(plan.Succeeded()).To(BeFalse())

		plan.Task(b).Status = core.TaskSucceeded
		Expect(plan.Succeeded()).To(BeTrue())
	})
})

var _ = Describe("LargerGPUClass", func() {
	It("should climb the ladder one class at a time", func() {
		Expect(core.LargerGPUClass("t4")).To(Equal("a10"))
		Expect(core.LargerGPUClass("a10")).To(Equal("l40s"))
		Expect(core.LargerGPUClass("a100")).To(Equal("h100"))
	})
	It("should stay put at the top or on unknown classes", func() {
		Expect(core.LargerGPUClass("h100")).To(Equal("h100"))
		Expect(core.LargerGPUClass("mystery")).To(Equal("mystery"))
	})
})
