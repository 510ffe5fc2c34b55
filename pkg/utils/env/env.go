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

// Package env resolves typed defaults for the options flags from the process
// environment. An unset or unparseable variable always yields the default.
package env

import (
	"os"
	"strconv"
)

func lookup[T any](key string, def T, parse func(string) (T, error)) T {
	val, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	parsed, err := parse(val)
	if err != nil {
		return def
	}
	return parsed
}

func WithDefaultInt(key string, def int) int {
	return lookup(key, def, strconv.Atoi)
}

func WithDefaultInt64(key string, def int64) int64 {
	return lookup(key, def, func(v string) (int64, error) { return strconv.ParseInt(v, 10, 64) })
}

func WithDefaultFloat64(key string, def float64) float64 {
	return lookup(key, def, func(v string) (float64, error) { return strconv.ParseFloat(v, 64) })
}

func WithDefaultString(key string, def string) string {
	return lookup(key, def, func(v string) (string, error) { return v, nil })
}

func WithDefaultBool(key string, def bool) bool {
	return lookup(key, def, strconv.ParseBool)
}
