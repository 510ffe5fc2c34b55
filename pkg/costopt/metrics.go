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

package costopt

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ormind/ormind/pkg/metrics"
)

var migrations = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: metrics.Namespace,
	Subsystem: "cost",
	Name:      "migrations_total",
	Help:      "Attempted migrations by outcome.",
}, []string{metrics.OutcomeLabel})

func init() {
	metrics.Registry.MustRegister(migrations)
}
