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

package pricing_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/ormind/ormind/pkg/apis/core"
	"github.com/ormind/ormind/pkg/providers/adapter"
	"github.com/ormind/ormind/pkg/providers/adapter/fake"
	"github.com/ormind/ormind/pkg/providers/pricing"
)

var _ = Describe("Poller", func() {
	var (
		ctx      context.Context
		clk      *clocktesting.FakeClock
		provider *fake.Adapter
		store    *pricing.Store
		poller   *pricing.Poller
	)

	BeforeEach(func() {
		ctx = context.Background()
		clk = clocktesting.NewFakeClock(time.Now())
		provider = fake.NewAdapter("fake", clk, []string{"us-east-1", "us-west-2"}, []string{"t4", "a100"})
		store = pricing.NewStore(pricing.DefaultWindow, pricing.DefaultAlpha)
		poller = pricing.NewPoller([]adapter.Adapter{provider}, store, clk, time.Minute)
	})

	It("should sweep every offering of every region", func() {
		provider.SetPrice("t4", "us-east-1", 0.52, core.AvailabilityHigh)
		provider.SetPrice("t4", "us-west-2", 0.55, core.AvailabilityHigh)
		provider.SetPrice("a100", "us-east-1", 32.77, core.AvailabilityMedium)
		provider.SetPrice("a100", "us-west-2", 31.20, core.AvailabilityMedium)

		Expect(poller.PollOnce(ctx)).To(Succeed())
		Expect(provider.PriceCalls).To(Equal(4))
		Expect(store.Keys()).To(HaveLen(4))

		latest, ok := store.Latest(core.PriceKey{Provider: "fake", Region: "us-west-2", GPUClass: "a100"})
		Expect(ok).To(BeTrue())
		Expect(latest.HourlyRateUSD).To(Equal(31.20))
	})

	It("should keep sweeping past individual offering failures", func() {
		provider.SetPrice("t4", "us-east-1", 0.52, core.AvailabilityHigh)
		// The other three offerings have no price and fail.

		err := poller.PollOnce(ctx)
		Expect(err).To(HaveOccurred())
		Expect(provider.PriceCalls).To(Equal(4))

		_, ok := store.Latest(core.PriceKey{Provider: "fake", Region: "us-east-1", GPUClass: "t4"})
		Expect(ok).To(BeTrue())
	})

	It("should fold repeated polls into the same series", func() {
		provider.SetPrice("t4", "us-east-1", 1.00, core.AvailabilityHigh)
		Expect(poller.PollOnce(ctx)).ToNot(Succeed()) // other offerings unpriced
		provider.SetPrice("t4", "us-east-1", 2.00, core.AvailabilityHigh)
		Expect(poller.PollOnce(ctx)).ToNot(Succeed())

		key := core.PriceKey{Provider: "fake", Region: "us-east-1", GPUClass: "t4"}
		Expect(store.History(key)).To(HaveLen(2))
		smoothed, _ := store.Smoothed(key)
		Expect(smoothed).To(BeNumerically("~", 0.3*2.00+0.7*1.00, 1e-9))
	})
})
