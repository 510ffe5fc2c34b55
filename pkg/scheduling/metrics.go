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
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ormind/ormind/pkg/metrics"
)

var (
	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metrics.Namespace,
		Subsystem: "scheduler",
		Name:      "queue_depth",
		Help:      "Ready tasks awaiting release.",
	})
	dispatches = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "scheduler",
		Name:      "dispatches_total",
		Help:      "Tasks released to a provider.",
	})
	retries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "scheduler",
		Name:      "release_retries_total",
		Help:      "Failed releases returned to the queue with backoff.",
	})
)

func init() {
	metrics.Registry.MustRegister(queueDepth, dispatches, retries)
}
