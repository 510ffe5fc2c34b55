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
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ormind/ormind/pkg/metrics"
)

var (
	observedPrice = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metrics.Namespace,
		Subsystem: "pricing",
		Name:      "hourly_rate_usd",
		Help:      "Last observed hourly rate per offering.",
	}, []string{metrics.ProviderLabel, metrics.RegionLabel, metrics.GPUClassLabel})
	pollErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "pricing",
		Name:      "poll_errors_total",
		Help:      "Price poll failures per provider.",
	}, []string{metrics.ProviderLabel})
)

func init() {
	metrics.Registry.MustRegister(observedPrice, pollErrors)
}
