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
	"time"

	"github.com/ormind/ormind/pkg/apis/core"
)

const (
	// DefaultInterruptProbabilityPerHour is the assumed spot reclaim rate when a
	// provider publishes none.
	DefaultInterruptProbabilityPerHour = 0.05
	// CheckpointIntervalEnv carries the approved checkpoint cadence, in
	// seconds, into the workload's environment.
	CheckpointIntervalEnv = "ORMIND_CHECKPOINT_INTERVAL_SECONDS"
)

// SpotBudget bounds the expected loss from preemption. For a job on an
// interruptible class, budget = p_interrupt_per_hour * expected_duration_hours
// * hourly_rate, and the checkpoint interval must satisfy
// delta <= budget / hourly_rate. The hourly rate cancels out of the interval
// bound, so the bound is p * expected_duration.
type SpotBudget struct {
	InterruptProbabilityPerHour float64
}

// MaxCheckpointInterval returns the largest checkpoint interval the budget
// admits for a workload of the given expected duration.
func (b SpotBudget) MaxCheckpointInterval(expected time.Duration) time.Duration {
	p := b.InterruptProbabilityPerHour
	if p <= 0 {
		p = DefaultInterruptProbabilityPerHour
	}
	return time.Duration(float64(expected) * p)
}

// interruptibleDecision is the scheduler's call on whether a workload may run
// on interruptible capacity, and at what checkpoint interval.
type interruptibleDecision struct {
	useInterruptible   bool
	checkpointInterval time.Duration
	// declineReason is set when the interruptible class was requested but
	// declined; the decline is audited, never silent.
	declineReason string
}

// decideInterruptible applies the spot interruption budget. Workloads that
// cannot checkpoint, or whose requested interval exceeds the budget, are
// declined the interruptible class and scheduled on-demand instead.
func (b SpotBudget) decideInterruptible(workload core.Workload, expected time.Duration) interruptibleDecision {
	if !workload.Interruptible {
		return interruptibleDecision{}
	}
	if !workload.Checkpointable {
		return interruptibleDecision{declineReason: "workload cannot checkpoint"}
	}
	maxInterval := b.MaxCheckpointInterval(expected)
	if maxInterval <= 0 {
		return interruptibleDecision{declineReason: "no checkpoint interval satisfies the interruption budget"}
	}
	interval := workload.CheckpointInterval
	if interval == 0 {
		interval = maxInterval
	}
	if interval > maxInterval {
		return interruptibleDecision{declineReason: "requested checkpoint interval exceeds the interruption budget"}
	}
	return interruptibleDecision{useInterruptible: true, checkpointInterval: interval}
}
