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

package env_test

import (
	"os"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/ormind/ormind/pkg/utils/env"
)

var _ = Describe("Env", func() {
	set := func(key, value string) {
		os.Setenv(key, value)
		DeferCleanup(func() { os.Unsetenv(key) })
	}

	It("should fall back to the default when the variable is unset", func() {
		Expect(env.WithDefaultInt("ORMIND_TEST_UNSET", 42)).To(Equal(42))
		Expect(env.WithDefaultString("ORMIND_TEST_UNSET", "fallback")).To(Equal("fallback"))
		Expect(env.WithDefaultBool("ORMIND_TEST_UNSET", true)).To(BeTrue())
	})

	It("should parse a set variable by type", func() {
		set("ORMIND_TEST_INT", "7")
		set("ORMIND_TEST_INT64", "9000000000")
		set("ORMIND_TEST_FLOAT", "0.25")
		set("ORMIND_TEST_BOOL", "true")
		Expect(env.WithDefaultInt("ORMIND_TEST_INT", 1)).To(Equal(7))
		Expect(env.WithDefaultInt64("ORMIND_TEST_INT64", 1)).To(Equal(int64(9000000000)))
		Expect(env.WithDefaultFloat64("ORMIND_TEST_FLOAT", 1)).To(BeNumerically("==", 0.25))
		Expect(env.WithDefaultBool("ORMIND_TEST_BOOL", false)).To(BeTrue())
	})

	It("should fall back to the default when parsing fails", func() {
		set("ORMIND_TEST_JUNK", "not-a-number")
		Expect(env.WithDefaultInt("ORMIND_TEST_JUNK", 13)).To(Equal(13))
		Expect(env.WithDefaultFloat64("ORMIND_TEST_JUNK", 2.5)).To(BeNumerically("==", 2.5))
		Expect(env.WithDefaultBool("ORMIND_TEST_JUNK", true)).To(BeTrue())
	})
})
