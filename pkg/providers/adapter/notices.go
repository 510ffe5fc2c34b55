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

package adapter

import "time"

// NoticeKind classifies provider-initiated capacity events.
type NoticeKind string

const (
	SpotInterruption        NoticeKind = "spot_interruption"
	RebalanceRecommendation NoticeKind = "rebalance_recommendation"
)

// Notice is an advance warning from a provider that an instance is about to
// lose its capacity.
type Notice struct {
	Provider   string
	InstanceID string
	Kind       NoticeKind
	Deadline   time.Time
}

// NoticeSource is implemented by adapters whose provider pushes interruption
// warnings. The operator fans these into the router's unavailability cache
// and the healing agent's proactive checkpointing.
type NoticeSource interface {
	Notices() <-chan Notice
}
