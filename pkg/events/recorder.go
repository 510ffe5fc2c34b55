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

// Package events records operator-facing notifications about goals and
// instances, so actions are observable without log inspection. Recorders wrap
// one another; the dedupe layer keeps alert storms from repeating the same
// notification.
package events

import (
	"context"

	"github.com/ormind/ormind/pkg/apis/core"
	"github.com/ormind/ormind/pkg/utils/logging"
)

// Recorder is notified about the externally interesting lifecycle moments.
type Recorder interface {
	// InstanceUnhealthy is called when the healing agent decides an instance
	// is beyond remediation and terminates it.
	InstanceUnhealthy(ctx context.Context, instance *core.Instance, reason string)
	// InterruptionWarning is called when a provider announces it will reclaim
	// an instance.
	InterruptionWarning(ctx context.Context, instanceID, provider string)
	// TelemetryLost is called when an instance has been silent long enough to
	// be treated as failed.
	TelemetryLost(ctx context.Context, instanceID string)
	// GoalTerminal is called once per goal when it reaches a terminal status.
	GoalTerminal(ctx context.Context, goal *core.Goal)
}

// NewLogRecorder returns the base recorder, which writes notifications to the
// context logger.
func NewLogRecorder() Recorder {
	return &logRecorder{}
}

type logRecorder struct{}

func (logRecorder) InstanceUnhealthy(ctx context.Context, instance *core.Instance, reason string) {
	logging.FromContext(ctx).Warnw("instance terminated as unhealthy",
		"instance", instance.ID, "provider", instance.Provider, "reason", reason)
}

func (logRecorder) InterruptionWarning(ctx context.Context, instanceID, provider string) {
	logging.FromContext(ctx).Warnw("provider interruption warning",
		"instance", instanceID, "provider", provider)
}

func (logRecorder) TelemetryLost(ctx context.Context, instanceID string) {
	logging.FromContext(ctx).Errorw("telemetry lost, instance treated as failed", "instance", instanceID)
}

func (logRecorder) GoalTerminal(ctx context.Context, goal *core.Goal) {
	logging.FromContext(ctx).Infow("goal reached terminal status",
		"goal", goal.ID, "status", string(goal.Status), "accrued-cost-usd", goal.AccruedCostUSD)
}
