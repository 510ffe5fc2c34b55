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

package audit

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ormind/ormind/pkg/metrics"
)

var (
	sealLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: metrics.Namespace,
		Subsystem: "audit",
		Name:      "seal_duration_seconds",
		Help:      "Time taken to seal and persist one audit batch.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
	})
	sealedBatches = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "audit",
		Name:      "sealed_batches_total",
		Help:      "Number of audit batches sealed.",
	})
	sealedRecords = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "audit",
		Name:      "sealed_records_total",
		Help:      "Number of audit records sealed into batches.",
	})
)

func init() {
	metrics.Registry.MustRegister(sealLatency, sealedBatches, sealedRecords)
}
