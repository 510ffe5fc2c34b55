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

package telemetry

import (
	"context"
	"time"

	"k8s.io/utils/clock"

	"github.com/ormind/ormind/pkg/apis/core"
	"github.com/ormind/ormind/pkg/utils/logging"
)

// SampleInterval is the telemetry cadence: one sample per instance per second.
const SampleInterval = time.Second

// Sampler is the slice of the provider adapter the pump needs.
type Sampler interface {
	Metrics(ctx context.Context, instance *core.Instance) (core.TelemetrySample, error)
}

// Pump polls one instance's metrics at 1 Hz and publishes them to the bus.
// One pump runs per active instance; a failed poll is a gap, not an error,
// and staleness detection downstream decides what a run of gaps means.
type Pump struct {
	bus      *Bus
	sampler  Sampler
	instance *core.Instance
	clk      clock.WithTicker
}

func NewPump(bus *Bus, sampler Sampler, instance *core.Instance, clk clock.WithTicker) *Pump {
	return &Pump{bus: bus, sampler: sampler, instance: instance, clk: clk}
}

func (p *Pump) Run(ctx context.Context) error {
	ticker := p.clk.NewTicker(SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			callCtx, cancel := context.WithTimeout(ctx, SampleInterval)
			sample, err := p.sampler.Metrics(callCtx, p.instance)
			cancel()
			if err != nil {
				logging.FromContext(ctx).Debugw("telemetry poll missed",
					"instance", p.instance.ID, "error", err)
				continue
			}
			p.bus.Publish(ctx, sample)
		}
	}
}
