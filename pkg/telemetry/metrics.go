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
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ormind/ormind/pkg/metrics"
)

var (
	dropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "telemetry",
		Name:      "dropped_samples_total",
		Help:      "Samples dropped because a consumer fell behind.",
	})
	outOfOrder = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "telemetry",
		Name:      "out_of_order_samples_total",
		Help:      "Samples discarded for violating per-instance timestamp order.",
	})
	lag = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metrics.Namespace,
		Subsystem: "telemetry",
		Name:      "sample_lag",
		Help:      "Buffered samples awaiting the consumer on the most recently published stream.",
	})
)

func init() {
	metrics.Registry.MustRegister(dropped, outOfOrder, lag)
}
