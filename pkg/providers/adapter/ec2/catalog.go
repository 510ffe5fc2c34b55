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

package ec2

import (
	"sort"

	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/samber/lo"
)

// offering maps a GPU count onto the smallest instance type carrying it.
type offering struct {
	gpuCount     int
	instanceType ec2types.InstanceType
}

// catalog orders offerings per GPU class by ascending GPU count. Demand is
// satisfied by the first offering with at least the requested count.
var catalog = map[string][]offering{
	"t4": {
		{1, ec2types.InstanceType("g4dn.xlarge")},
		{4, ec2types.InstanceType("g4dn.12xlarge")},
		{8, ec2types.InstanceType("g4dn.metal")},
	},
	"a10": {
		{1, ec2types.InstanceType("g5.xlarge")},
		{4, ec2types.InstanceType("g5.12xlarge")},
		{8, ec2types.InstanceType("g5.48xlarge")},
	},
	"l40s": {
		{1, ec2types.InstanceType("g6e.xlarge")},
		{4, ec2types.InstanceType("g6e.12xlarge")},
		{8, ec2types.InstanceType("g6e.48xlarge")},
	},
	"a100": {
		{8, ec2types.InstanceType("p4d.24xlarge")},
	},
	"h100": {
		{8, ec2types.InstanceType("p5.48xlarge")},
	},
}

// gpuClasses returns the catalog's classes in stable order; lo.Keys order is
// random and the router's selection should stay reproducible.
func gpuClasses() []string {
	classes := lo.Keys(catalog)
	sort.Strings(classes)
	return classes
}

func instanceTypeFor(gpuClass string, gpuCount int) (ec2types.InstanceType, bool) {
	if gpuCount <= 0 {
		gpuCount = 1
	}
	for _, o := range catalog[gpuClass] {
		if o.gpuCount >= gpuCount {
			return o.instanceType, true
		}
	}
	return "", false
}

// cheapestInstanceType is the smallest offering of a class, used for price
// quotes.
func cheapestInstanceType(gpuClass string) (ec2types.InstanceType, bool) {
	offerings := catalog[gpuClass]
	if len(offerings) == 0 {
		return "", false
	}
	return offerings[0].instanceType, true
}

// gpuSpecFor inverts the catalog for instances discovered by the reconcile
// sweep.
func gpuSpecFor(instanceType ec2types.InstanceType) (gpuClass string, gpuCount int) {
	for class, offerings := range catalog {
		for _, o := range offerings {
			if o.instanceType == instanceType {
				return class, o.gpuCount
			}
		}
	}
	return "", 0
}
