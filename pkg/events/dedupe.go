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

package events

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/ormind/ormind/pkg/apis/core"
)

// NewDedupeRecorder suppresses repeats of the same notification within a
// two-minute window. A healing agent re-firing on every sample of a sustained
// anomaly produces one notification, not sixty.
func NewDedupeRecorder(rec Recorder) Recorder {
	return &dedupe{
		rec:   rec,
		cache: cache.New(120*time.Second, 10*time.Second),
	}
}

type dedupe struct {
	rec   Recorder
	cache *cache.Cache
}

func (d *dedupe) shouldRecord(key string) bool {
	if _, exists := d.cache.Get(key); exists {
		return false
	}
	d.cache.SetDefault(key, nil)
	return true
}

func (d *dedupe) InstanceUnhealthy(ctx context.Context, instance *core.Instance, reason string) {
	if !d.shouldRecord(fmt.Sprintf("instance-unhealthy-%s", instance.ID)) {
		return
	}
	d.rec.InstanceUnhealthy(ctx, instance, reason)
}

func (d *dedupe) InterruptionWarning(ctx context.Context, instanceID, provider string) {
	if !d.shouldRecord(fmt.Sprintf("interruption-%s", instanceID)) {
		return
	}
	d.rec.InterruptionWarning(ctx, instanceID, provider)
}

func (d *dedupe) TelemetryLost(ctx context.Context, instanceID string) {
	if !d.shouldRecord(fmt.Sprintf("telemetry-lost-%s", instanceID)) {
		return
	}
	d.rec.TelemetryLost(ctx, instanceID)
}

func (d *dedupe) GoalTerminal(ctx context.Context, goal *core.Goal) {
	if !d.shouldRecord(fmt.Sprintf("goal-terminal-%s", goal.ID)) {
		return
	}
	d.rec.GoalTerminal(ctx, goal)
}
