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

package state

import "k8s.io/apimachinery/pkg/api/resource"

// incremented and decremented count the node.allocated[pods] dimension,
// which the teacher's own apimachinery dependency models as a Quantity
// alongside cpu/memory so that a single ResourceList.FitsIn check (spec
// §4.3 "node has at least one free pod slot") covers all three dimensions
// uniformly.
func incremented(q resource.Quantity) resource.Quantity {
	one := resource.MustParse("1")
	out := q.DeepCopy()
	out.Add(one)
	return out
}

func decremented(q resource.Quantity) resource.Quantity {
	one := resource.MustParse("1")
	out := q.DeepCopy()
	out.Sub(one)
	if out.CmpInt64(0) < 0 {
		return resource.MustParse("0")
	}
	return out
}
