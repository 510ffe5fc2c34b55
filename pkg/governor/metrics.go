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

package governor

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ormind/ormind/pkg/metrics"
)

var (
	verdicts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "governor",
		Name:      "verdicts_total",
		Help:      "Governor verdicts by decision.",
	}, []string{metrics.OutcomeLabel})
	dailySpend = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metrics.Namespace,
		Subsystem: "governor",
		Name:      "daily_spend_usd",
		Help:      "Approved spend charged against the daily cap.",
	})
)

func init() {
	metrics.Registry.MustRegister(verdicts, dailySpend)
}
