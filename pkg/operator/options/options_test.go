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

package options

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Options", func() {
	// valid is the minimal flag set that passes validation.
	valid := []string{
		"--audit-secret", "test-secret",
		"--governor-daily-cap-usd", "500",
		"--governor-per-action-cap-usd", "50",
	}

	It("should carry the documented defaults", func() {
		opts := New()
		Expect(opts.Parse(valid)).To(Succeed())
		Expect(opts.Validate()).To(Succeed())

		Expect(opts.MetricsPort).To(Equal(8080))
		Expect(opts.HealthProbePort).To(Equal(8081))
		Expect(opts.SchedulerMaxRetries).To(Equal(3))
		Expect(opts.QueueCapacity).To(Equal(1024))
		Expect(opts.CostPollIntervalSeconds).To(Equal(60))
		Expect(opts.CostMigrationThreshold).To(BeNumerically("==", 0.15))
		Expect(opts.HealingWindowSamples).To(Equal(60))
		Expect(opts.AuditBatchSize).To(Equal(128))
		Expect(opts.EC2Enabled).To(BeFalse())
		Expect(opts.Backoff()).To(Equal([]time.Duration{10 * time.Second, 20 * time.Second, 40 * time.Second}))
	})

	It("should read defaults from the environment", func() {
		os.Setenv("METRICS_PORT", "9999")
		DeferCleanup(func() { os.Unsetenv("METRICS_PORT") })

		opts := New()
		Expect(opts.Parse(valid)).To(Succeed())
		Expect(opts.MetricsPort).To(Equal(9999))
	})

	Describe("Backoff", func() {
		It("should parse the schedule and skip unusable entries", func() {
			opts := New()
			Expect(opts.Parse(append(valid, "--scheduler-backoff-seconds", "5, 15,junk,25"))).To(Succeed())
			Expect(opts.Backoff()).To(Equal([]time.Duration{5 * time.Second, 15 * time.Second, 25 * time.Second}))
		})
	})

	Describe("region lists", func() {
		It("should split and trim the CSV flags", func() {
			opts := New()
			Expect(opts.Parse(append(valid,
				"--allowed-regions", "us-east-1, eu-west-1",
				"--denied-regions", "cn-north-1",
			))).To(Succeed())
			Expect(opts.AllowedRegionList()).To(Equal([]string{"us-east-1", "eu-west-1"}))
			Expect(opts.DeniedRegionList()).To(Equal([]string{"cn-north-1"}))
			Expect(New().AllowedRegionList()).To(BeEmpty())
		})
	})

	Describe("Validate", func() {
		parse := func(extra ...string) *Options {
			opts := New()
			Expect(opts.Parse(append(append([]string{}, valid...), extra...))).To(Succeed())
			return opts
		}

		It("should require the audit secret", func() {
			opts := New()
			Expect(opts.Parse([]string{
				"--governor-daily-cap-usd", "500",
				"--governor-per-action-cap-usd", "50",
			})).To(Succeed())
			Expect(opts.Validate()).To(MatchError(ContainSubstring("AuditSecret")))
		})

		It("should require the governor caps", func() {
			opts := New()
			Expect(opts.Parse([]string{"--audit-secret", "s"})).To(Succeed())
			Expect(opts.Validate()).To(MatchError(ContainSubstring("GovernorDailyCapUSD")))
		})

		It("should require one backoff entry per retry", func() {
			opts := parse("--scheduler-max-retries", "5")
			Expect(opts.Validate()).To(MatchError(ContainSubstring("at least 5 entries")))
		})

		It("should reject a backoff schedule with no usable entries", func() {
			opts := parse("--scheduler-backoff-seconds", "junk,-1")
			Expect(opts.Validate()).To(MatchError(ContainSubstring("no usable entries")))
		})

		It("should reject a per-goal cap above the daily cap", func() {
			opts := parse("--governor-per-goal-cap-usd", "1000")
			Expect(opts.Validate()).To(MatchError(ContainSubstring("exceeds governor-daily-cap-usd")))
		})

		It("should bound the migration threshold to a fraction", func() {
			opts := parse("--cost-migration-threshold", "1.5")
			Expect(opts.Validate()).To(MatchError(ContainSubstring("CostMigrationThreshold")))
		})
	})

	Describe("config file overlay", func() {
		write := func(content string) string {
			path := filepath.Join(GinkgoT().TempDir(), "config.yaml")
			Expect(os.WriteFile(path, []byte(content), 0o600)).To(Succeed())
			return path
		}

		It("should fill unset fields and lose to explicit flags", func() {
			path := write(`
scheduler:
  backoff_seconds: [1, 2, 3]
audit:
  batch_size: 256
  secret: file-secret
governor:
  allowed_regions: [us-east-1, eu-west-1]
`)
			opts := New()
			Expect(opts.Parse([]string{"--audit-batch-size", "64"})).To(Succeed())
			Expect(opts.overlayFile(path)).To(Succeed())

			Expect(opts.AuditBatchSize).To(Equal(64))
			Expect(opts.AuditSecret).To(Equal("file-secret"))
			Expect(opts.SchedulerBackoffSeconds).To(Equal("1,2,3"))
			Expect(opts.AllowedRegions).To(Equal("us-east-1,eu-west-1"))
		})

		It("should fail on a missing file", func() {
			opts := New()
			Expect(opts.Parse(valid)).To(Succeed())
			Expect(opts.overlayFile("/does/not/exist.yaml")).To(HaveOccurred())
		})

		It("should fail on malformed YAML", func() {
			path := write("scheduler: [not: a map")
			opts := New()
			Expect(opts.Parse(valid)).To(Succeed())
			Expect(opts.overlayFile(path)).To(HaveOccurred())
		})
	})
})
