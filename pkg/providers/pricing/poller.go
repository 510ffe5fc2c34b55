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

package pricing

import (
	"context"
	"time"

	"github.com/mitchellh/hashstructure/v2"
	"go.uber.org/multierr"
	"k8s.io/utils/clock"

	"github.com/ormind/ormind/pkg/apis/core"
	"github.com/ormind/ormind/pkg/providers/adapter"
	"github.com/ormind/ormind/pkg/utils/logging"
)

const DefaultPollInterval = 60 * time.Second

// Poller sweeps every registered (provider, region, gpu_class) tuple on a
// fixed interval and writes observations into the store. One poller instance
// runs per process; it is the store's single writer.
type Poller struct {
	adapters []adapter.Adapter
	store    *Store
	clk      clock.WithTicker
	interval time.Duration

	lastHash map[string]uint64
}

func NewPoller(adapters []adapter.Adapter, store *Store, clk clock.WithTicker, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		adapters: adapters,
		store:    store,
		clk:      clk,
		interval: interval,
		lastHash: map[string]uint64{},
	}
}

func (p *Poller) Run(ctx context.Context) error {
	// Poll once up front so scoring has fresh data before the first tick.
	if err := p.PollOnce(ctx); err != nil {
		logging.FromContext(ctx).Warnw("initial price poll incomplete", "error", err)
	}
	ticker := p.clk.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			if err := p.PollOnce(ctx); err != nil {
				logging.FromContext(ctx).Warnw("price poll incomplete", "error", err)
			}
		}
	}
}

// PollOnce sweeps the full catalog once. Individual offering failures are
// joined and returned but never stop the sweep.
func (p *Poller) PollOnce(ctx context.Context) error {
	var errs error
	for _, a := range p.adapters {
		for _, region := range a.Regions() {
			for _, gpuClass := range a.GPUClasses() {
				if err := p.pollOffering(ctx, a, region, gpuClass); err != nil {
					errs = multierr.Append(errs, err)
				}
			}
		}
	}
	return errs
}

func (p *Poller) pollOffering(ctx context.Context, a adapter.Adapter, region, gpuClass string) error {
	callCtx, cancel := context.WithTimeout(ctx, adapter.PriceBudget)
	defer cancel()
	point, err := a.Price(callCtx, gpuClass, region)
	if err != nil {
		pollErrors.WithLabelValues(a.Name()).Inc()
		return err
	}
	p.store.Record(point)
	p.logIfChanged(ctx, point)
	return nil
}

// logIfChanged logs a price only when it moved, so steady-state sweeps stay
// quiet.
func (p *Poller) logIfChanged(ctx context.Context, point core.PricePoint) {
	hash, err := hashstructure.Hash(point.HourlyRateUSD, hashstructure.FormatV2, nil)
	if err != nil {
		return
	}
	key := point.Key.String()
	if p.lastHash[key] == hash {
		return
	}
	p.lastHash[key] = hash
	logging.FromContext(ctx).Debugw("updated offering price",
		"offering", key,
		"hourly-rate-usd", point.HourlyRateUSD,
		"availability", string(point.Availability))
}
