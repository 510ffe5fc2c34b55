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

import "math"

// sigmaFloor clamps the rolling standard deviation so a perfectly flat metric
// cannot divide by zero.
const sigmaFloor = 1e-3

// minSamplesForZ is how many observations a window needs before z-scores are
// meaningful; below this every value reports z=0.
const minSamplesForZ = 10

// Window is a bounded ring of metric observations with rolling mean and
// standard deviation.
type Window struct {
	values []float64
	next   int
	count  int
	sum    float64
	sumSq  float64
}

func NewWindow(size int) *Window {
	if size <= 0 {
		size = 60
	}
	return &Window{values: make([]float64, size)}
}

// Push admits an observation, evicting the oldest once full.
func (w *Window) Push(value float64) {
	if w.count == len(w.values) {
		old := w.values[w.next]
		w.sum -= old
		w.sumSq -= old * old
	} else {
		w.count++
	}
	w.values[w.next] = value
	w.sum += value
	w.sumSq += value * value
	w.next = (w.next + 1) % len(w.values)
}

func (w *Window) Count() int { return w.count }

func (w *Window) Mean() float64 {
	if w.count == 0 {
		return 0
	}
	return w.sum / float64(w.count)
}

func (w *Window) StdDev() float64 {
	if w.count == 0 {
		return sigmaFloor
	}
	mean := w.Mean()
	variance := w.sumSq/float64(w.count) - mean*mean
	if variance < 0 {
		variance = 0
	}
	return max(math.Sqrt(variance), sigmaFloor)
}

// ZScore reports how many standard deviations a value sits from the rolling
// mean. Windows with too few samples report 0 so startup noise never trips
// the anomaly threshold.
func (w *Window) ZScore(value float64) float64 {
	if w.count < minSamplesForZ {
		return 0
	}
	return (value - w.Mean()) / w.StdDev()
}
