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

package router

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ormind/ormind/pkg/metrics"
)

var (
	requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "router",
		Name:      "provision_requests_total",
		Help:      "Provision attempts per provider by outcome.",
	}, []string{metrics.ProviderLabel, metrics.OutcomeLabel})
	provisionLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metrics.Namespace,
		Subsystem: "router",
		Name:      "provision_duration_seconds",
		Help:      "Successful provisioning latency per provider.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{metrics.ProviderLabel})
	leakedTerminations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "router",
		Name:      "leaked_instances_terminated_total",
		Help:      "Instances terminated by reconcile sweeps.",
	}, []string{metrics.ProviderLabel})
)

func init() {
	metrics.Registry.MustRegister(requests, provisionLatency, leakedTerminations)
}
