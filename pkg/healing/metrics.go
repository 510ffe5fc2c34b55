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

package healing

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ormind/ormind/pkg/metrics"
)

var (
	anomalies = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "healing",
		Name:      "anomalies_total",
		Help:      "Detected anomalies by kind.",
	}, []string{"kind"})
	// timeToAction tracks the design target of <= 10 s median from detection
	// to executed remediation.
	timeToAction = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: metrics.Namespace,
		Subsystem: "healing",
		Name:      "time_to_action_seconds",
		Help:      "Latency from anomaly detection to executed remediation.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
	})
	restarts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "healing",
		Name:      "restarts_total",
		Help:      "Instance restarts issued by healing agents.",
	})
)

func init() {
	metrics.Registry.MustRegister(anomalies, timeToAction, restarts)
}
