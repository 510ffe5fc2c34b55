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

// Package metrics holds the shared registry and label conventions. Each
// package registers its own collectors against Registry at init.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const (
	Namespace = "ormind"

	ProviderLabel = "provider"
	RegionLabel   = "region"
	GPUClassLabel = "gpu_class"
	OutcomeLabel  = "outcome"
	ActionLabel   = "action"
	AgentLabel    = "agent"
)

// Registry is the process-wide registry scraped by the external exporter.
var Registry = prometheus.NewRegistry()
