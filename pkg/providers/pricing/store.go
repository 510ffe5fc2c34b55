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

// Package pricing keeps the per-offering price history the cost optimizer
// scores against. Each (provider, region, gpu_class) key holds a bounded ring
// of observations and an EWMA that smooths transient spikes.
package pricing

import (
	"sync"

	"github.com/samber/lo"

	"github.com/ormind/ormind/pkg/apis/core"
)

const (
	DefaultWindow = 60
	// DefaultAlpha is the EWMA smoothing factor applied per observation.
	DefaultAlpha = 0.3
)

type series struct {
	ring  []core.PricePoint
	next  int
	count int
	ewma  float64
}

// Store is single-writer (the poller); readers take the shared lock.
type Store struct {
	window int
	alpha  float64

	mu     sync.RWMutex
	series map[core.PriceKey]*series
}

func NewStore(window int, alpha float64) *Store {
	if window <= 0 {
		window = DefaultWindow
	}
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultAlpha
	}
	return &Store{
		window: window,
		alpha:  alpha,
		series: map[core.PriceKey]*series{},
	}
}

// Record appends an observation, evicting the oldest once the ring is full.
func (s *Store) Record(point core.PricePoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.series[point.Key]
	if !ok {
		entry = &series{ring: make([]core.PricePoint, s.window)}
		s.series[point.Key] = entry
	}
	entry.ring[entry.next] = point
	entry.next = (entry.next + 1) % s.window
	if entry.count < s.window {
		entry.count++
	}
	if entry.count == 1 {
		entry.ewma = point.HourlyRateUSD
	} else {
		entry.ewma = s.alpha*point.HourlyRateUSD + (1-s.alpha)*entry.ewma
	}
	observedPrice.WithLabelValues(point.Key.Provider, point.Key.Region, point.Key.GPUClass).Set(point.HourlyRateUSD)
}

// Seed installs a static starting price for a key so scoring works before the
// first successful poll. Seeded points carry the stale flag.
func (s *Store) Seed(point core.PricePoint) {
	point.Stale = true
	s.Record(point)
}

// Latest returns the most recent observation for a key.
func (s *Store) Latest(key core.PriceKey) (core.PricePoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.series[key]
	if !ok || entry.count == 0 {
		return core.PricePoint{}, false
	}
	return entry.ring[(entry.next-1+s.window)%s.window], true
}

// Smoothed returns the EWMA price for a key.
func (s *Store) Smoothed(key core.PriceKey) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.series[key]
	if !ok || entry.count == 0 {
		return 0, false
	}
	return entry.ewma, true
}

// History returns observations oldest-first.
func (s *Store) History(key core.PriceKey) []core.PricePoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.series[key]
	if !ok {
		return nil
	}
	out := make([]core.PricePoint, 0, entry.count)
	start := (entry.next - entry.count + s.window*2) % s.window
	for i := 0; i < entry.count; i++ {
		out = append(out, entry.ring[(start+i)%s.window])
	}
	return out
}

// Keys lists every key with at least one observation.
func (s *Store) Keys() []core.PriceKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.Keys(s.series)
}
