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

package scheduler_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/podforge/podforge/pkg/apis/v1alpha1"
	"github.com/podforge/podforge/pkg/config"
	"github.com/podforge/podforge/pkg/scheduler"
	"github.com/podforge/podforge/pkg/state"
)

func resources(cpu, memory, pods string) v1alpha1.ResourceList {
	return v1alpha1.ResourceList{
		v1alpha1.ResourceCPU:    resource.MustParse(cpu),
		v1alpha1.ResourceMemory: resource.MustParse(memory),
		v1alpha1.ResourcePods:   resource.MustParse(pods),
	}
}

var _ = Describe("Scheduler", func() {
	var s *state.Store
	var settings config.Settings

	BeforeEach(func() {
		settings = config.Default()
		s = state.New(logr.Discard(), settings)
	})

	It("places a pending pod on the only compatible, fitting node", func() {
		sch := scheduler.New(s, nil, settings, scheduler.PolicySpread, logr.Discard())
		pack, err := s.RegisterPack(state.PackSpec{Name: "p", Version: "1.0.0", RuntimeTag: v1alpha1.RuntimeN})
		Expect(err).NotTo(HaveOccurred())
		_, err = s.AddNode(state.NodeSpec{Name: "nA", RuntimeKind: v1alpha1.RuntimeN, Allocatable: resources("1000m", "1Gi", "10")})
		Expect(err).NotTo(HaveOccurred())
		pod, err := s.CreatePod(state.PodSpec{PackID: pack.ID, ResourceRequests: resources("200m", "256Mi", "0")})
		Expect(err).NotTo(HaveOccurred())

		scheduled, err := sch.Schedule(context.Background(), pod.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(scheduled.Status).To(Equal(v1alpha1.PodScheduled))
	})

	It("rejects runtime-incompatible nodes with NO_COMPATIBLE_NODES", func() {
		sch := scheduler.New(s, nil, settings, scheduler.PolicySpread, logr.Discard())
		pack, _ := s.RegisterPack(state.PackSpec{Name: "p", Version: "1.0.0", RuntimeTag: v1alpha1.RuntimeB})
		_, _ = s.AddNode(state.NodeSpec{Name: "nA", RuntimeKind: v1alpha1.RuntimeN, Allocatable: resources("1000m", "1Gi", "10")})
		pod, _ := s.CreatePod(state.PodSpec{PackID: pack.ID, ResourceRequests: resources("200m", "256Mi", "0")})

		_, err := sch.Schedule(context.Background(), pod.ID)
		Expect(v1alpha1.Is(err, v1alpha1.CodeNoCompatibleNodes)).To(BeTrue())
	})

	It("respects NoSchedule taints without a matching toleration", func() {
		sch := scheduler.New(s, nil, settings, scheduler.PolicySpread, logr.Discard())
		pack, _ := s.RegisterPack(state.PackSpec{Name: "p", Version: "1.0.0", RuntimeTag: v1alpha1.RuntimeN})
		node, _ := s.AddNode(state.NodeSpec{Name: "nA", RuntimeKind: v1alpha1.RuntimeN, Allocatable: resources("1000m", "1Gi", "10")})
		Expect(s.AddNodeTaint(node.ID, v1alpha1.Taint{Key: "dedicated", Value: "gpu", Effect: v1alpha1.TaintEffectNoSchedule})).To(Succeed())
		pod, _ := s.CreatePod(state.PodSpec{PackID: pack.ID, ResourceRequests: resources("200m", "256Mi", "0")})

		_, err := sch.Schedule(context.Background(), pod.ID)
		Expect(v1alpha1.Is(err, v1alpha1.CodeNoCompatibleNodes)).To(BeTrue())
	})

	It("spreads across nodes preferring the least-loaded one", func() {
		sch := scheduler.New(s, nil, settings, scheduler.PolicySpread, logr.Discard())
		pack, _ := s.RegisterPack(state.PackSpec{Name: "p", Version: "1.0.0", RuntimeTag: v1alpha1.RuntimeN})
		nodeA, _ := s.AddNode(state.NodeSpec{Name: "nA", RuntimeKind: v1alpha1.RuntimeN, Allocatable: resources("1000m", "1Gi", "10")})
		nodeB, _ := s.AddNode(state.NodeSpec{Name: "nB", RuntimeKind: v1alpha1.RuntimeN, Allocatable: resources("1000m", "1Gi", "10")})

		first, _ := s.CreatePod(state.PodSpec{PackID: pack.ID, ResourceRequests: resources("100m", "100Mi", "0")})
		placedFirst, err := sch.Schedule(context.Background(), first.ID)
		Expect(err).NotTo(HaveOccurred())

		// Both nodes start empty, so the first pod's node comes from the
		// node-ID tie-break; the second must go to the other, emptier node.
		leastLoaded := nodeB.ID
		if placedFirst.NodeID == nodeB.ID {
			leastLoaded = nodeA.ID
		}

		second, _ := s.CreatePod(state.PodSpec{PackID: pack.ID, ResourceRequests: resources("100m", "100Mi", "0")})
		scheduled, err := sch.Schedule(context.Background(), second.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(scheduled.NodeID).To(Equal(leastLoaded))
	})

	It("rolls back a scheduled pod to a different pack version in place", func() {
		sch := scheduler.New(s, nil, settings, scheduler.PolicySpread, logr.Discard())
		packV1, _ := s.RegisterPack(state.PackSpec{Name: "p", Version: "1.0.0", RuntimeTag: v1alpha1.RuntimeN})
		_, _ = s.RegisterPack(state.PackSpec{Name: "p", Version: "0.9.0", RuntimeTag: v1alpha1.RuntimeN})
		node, _ := s.AddNode(state.NodeSpec{Name: "nA", RuntimeKind: v1alpha1.RuntimeN, Allocatable: resources("1000m", "1Gi", "10")})
		pod, _ := s.CreatePod(state.PodSpec{PackID: packV1.ID, ResourceRequests: resources("100m", "100Mi", "0")})
		_, err := s.SchedulePod(pod.ID, node.ID, pod.ResourceRequests)
		Expect(err).NotTo(HaveOccurred())

		rolled, err := sch.Rollback(pod.ID, "0.9.0")
		Expect(err).NotTo(HaveOccurred())
		Expect(rolled.PackVersion).To(Equal("0.9.0"))
		Expect(rolled.NodeID).To(Equal(node.ID))
	})

	It("rejects rollback to the pod's current version with SAME_VERSION", func() {
		sch := scheduler.New(s, nil, settings, scheduler.PolicySpread, logr.Discard())
		pack, _ := s.RegisterPack(state.PackSpec{Name: "p", Version: "1.0.0", RuntimeTag: v1alpha1.RuntimeN})
		node, _ := s.AddNode(state.NodeSpec{Name: "nA", RuntimeKind: v1alpha1.RuntimeN, Allocatable: resources("1000m", "1Gi", "10")})
		pod, _ := s.CreatePod(state.PodSpec{PackID: pack.ID, ResourceRequests: resources("100m", "100Mi", "0")})
		_, _ = s.SchedulePod(pod.ID, node.ID, pod.ResourceRequests)

		_, err := sch.Rollback(pod.ID, "1.0.0")
		Expect(v1alpha1.Is(err, v1alpha1.CodeSameVersion)).To(BeTrue())
	})

	It("preempts a lower priority pod when enabled and no free node exists", func() {
		settings.PreemptionEnabled = true
		sch := scheduler.New(s, nil, settings, scheduler.PolicySpread, logr.Discard())
		pack, _ := s.RegisterPack(state.PackSpec{Name: "p", Version: "1.0.0", RuntimeTag: v1alpha1.RuntimeN})
		node, _ := s.AddNode(state.NodeSpec{Name: "nA", RuntimeKind: v1alpha1.RuntimeN, Allocatable: resources("1000m", "1Gi", "10")})

		low, _ := s.CreatePod(state.PodSpec{PackID: pack.ID, Priority: 0, ResourceRequests: resources("900m", "900Mi", "0")})
		_, err := s.SchedulePod(low.ID, node.ID, low.ResourceRequests)
		Expect(err).NotTo(HaveOccurred())

		high, _ := s.CreatePod(state.PodSpec{PackID: pack.ID, Priority: 100, ResourceRequests: resources("500m", "500Mi", "0")})
		scheduled, err := sch.Schedule(context.Background(), high.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(scheduled.NodeID).To(Equal(node.ID))

		evicted, err := s.GetPod(low.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(evicted.Status).To(Equal(v1alpha1.PodEvicted))
	})
})
