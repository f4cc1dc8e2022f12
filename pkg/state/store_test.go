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

package state_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/podforge/podforge/pkg/apis/v1alpha1"
	"github.com/podforge/podforge/pkg/config"
	"github.com/podforge/podforge/pkg/state"
)

func resources(cpu, memory, pods string) v1alpha1.ResourceList {
	return v1alpha1.ResourceList{
		v1alpha1.ResourceCPU:    resource.MustParse(cpu),
		v1alpha1.ResourceMemory: resource.MustParse(memory),
		v1alpha1.ResourcePods:   resource.MustParse(pods),
	}
}

func newStore() *state.Store {
	return state.New(logr.Discard(), config.Default())
}

var _ = Describe("Store", func() {
	var s *state.Store

	BeforeEach(func() {
		s = newStore()
	})

	It("rejects duplicate node names", func() {
		_, err := s.AddNode(state.NodeSpec{Name: "nA", RuntimeKind: v1alpha1.RuntimeN, Allocatable: resources("1000m", "1Gi", "10")})
		Expect(err).NotTo(HaveOccurred())
		_, err = s.AddNode(state.NodeSpec{Name: "nA", RuntimeKind: v1alpha1.RuntimeN, Allocatable: resources("1000m", "1Gi", "10")})
		Expect(v1alpha1.Is(err, v1alpha1.CodeNameTaken)).To(BeTrue())
	})

	It("rejects duplicate (name, version) packs", func() {
		_, err := s.RegisterPack(state.PackSpec{Name: "p", Version: "1.0.0", RuntimeTag: v1alpha1.RuntimeN})
		Expect(err).NotTo(HaveOccurred())
		_, err = s.RegisterPack(state.PackSpec{Name: "p", Version: "1.0.0", RuntimeTag: v1alpha1.RuntimeN})
		Expect(v1alpha1.Is(err, v1alpha1.CodeVersionExists)).To(BeTrue())
	})

	Describe("scenario S1 — basic placement", func() {
		It("schedules a pod onto a fitting node and conserves resources", func() {
			pack, err := s.RegisterPack(state.PackSpec{Name: "p", Version: "1.0.0", RuntimeTag: v1alpha1.RuntimeN})
			Expect(err).NotTo(HaveOccurred())
			node, err := s.AddNode(state.NodeSpec{Name: "nA", RuntimeKind: v1alpha1.RuntimeN, Allocatable: resources("1000m", "1Gi", "10")})
			Expect(err).NotTo(HaveOccurred())
			pod, err := s.CreatePod(state.PodSpec{PackID: pack.ID, ResourceRequests: resources("200m", "256Mi", "0")})
			Expect(err).NotTo(HaveOccurred())
			Expect(pod.Status).To(Equal(v1alpha1.PodPending))

			scheduled, err := s.SchedulePod(pod.ID, node.ID, pod.ResourceRequests)
			Expect(err).NotTo(HaveOccurred())
			Expect(scheduled.Status).To(Equal(v1alpha1.PodScheduled))
			Expect(scheduled.NodeID).To(Equal(node.ID))

			got, err := s.GetNode(node.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Allocated[v1alpha1.ResourceCPU].String()).To(Equal("200m"))
			Expect(got.Allocated[v1alpha1.ResourcePods].String()).To(Equal("1"))
		})
	})

	It("fails INSUFFICIENT_RESOURCES when the node cannot fit the pod", func() {
		pack, _ := s.RegisterPack(state.PackSpec{Name: "p", Version: "1.0.0", RuntimeTag: v1alpha1.RuntimeN})
		node, _ := s.AddNode(state.NodeSpec{Name: "nA", RuntimeKind: v1alpha1.RuntimeN, Allocatable: resources("500m", "512Mi", "10")})
		pod, _ := s.CreatePod(state.PodSpec{PackID: pack.ID, ResourceRequests: resources("1000m", "1Gi", "0")})
		_, err := s.SchedulePod(pod.ID, node.ID, pod.ResourceRequests)
		Expect(v1alpha1.Is(err, v1alpha1.CodeInsufficientResources)).To(BeTrue())
	})

	It("releases node resources and quota on terminal transition", func() {
		pack, _ := s.RegisterPack(state.PackSpec{Name: "p", Version: "1.0.0", RuntimeTag: v1alpha1.RuntimeN})
		node, _ := s.AddNode(state.NodeSpec{Name: "nA", RuntimeKind: v1alpha1.RuntimeN, Allocatable: resources("1000m", "1Gi", "10")})
		pod, _ := s.CreatePod(state.PodSpec{PackID: pack.ID, ResourceRequests: resources("200m", "256Mi", "0")})
		_, err := s.SchedulePod(pod.ID, node.ID, pod.ResourceRequests)
		Expect(err).NotTo(HaveOccurred())

		_, err = s.TransitionPod(pod.ID, state.ActionStart, "")
		Expect(err).NotTo(HaveOccurred())
		_, err = s.TransitionPod(pod.ID, state.ActionRun, "")
		Expect(err).NotTo(HaveOccurred())
		_, err = s.TransitionPod(pod.ID, state.ActionStop, "")
		Expect(err).NotTo(HaveOccurred())
		final, err := s.TransitionPod(pod.ID, state.ActionStopComplete, "")
		Expect(err).NotTo(HaveOccurred())
		Expect(final.Status).To(Equal(v1alpha1.PodStopped))

		got, err := s.GetNode(node.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Allocated[v1alpha1.ResourceCPU].IsZero()).To(BeTrue())
		Expect(got.Allocated[v1alpha1.ResourcePods].IsZero()).To(BeTrue())
	})

	It("forbids any transition out of a terminal state", func() {
		pack, _ := s.RegisterPack(state.PackSpec{Name: "p", Version: "1.0.0", RuntimeTag: v1alpha1.RuntimeN})
		node, _ := s.AddNode(state.NodeSpec{Name: "nA", RuntimeKind: v1alpha1.RuntimeN, Allocatable: resources("1000m", "1Gi", "10")})
		pod, _ := s.CreatePod(state.PodSpec{PackID: pack.ID, ResourceRequests: resources("200m", "256Mi", "0")})
		_, _ = s.SchedulePod(pod.ID, node.ID, pod.ResourceRequests)
		_, err := s.TransitionPod(pod.ID, state.ActionEvict, "preempted")
		Expect(err).NotTo(HaveOccurred())
		_, err = s.TransitionPod(pod.ID, state.ActionStart, "")
		Expect(v1alpha1.Is(err, v1alpha1.CodeInvalidStatusTransition)).To(BeTrue())
	})

	It("enforces namespace quota (QUOTA_EXCEEDED)", func() {
		_, err := s.CreateNamespace("team-a", resources("500m", "512Mi", "5"), nil)
		Expect(err).NotTo(HaveOccurred())
		pack, _ := s.RegisterPack(state.PackSpec{Name: "p", Version: "1.0.0", RuntimeTag: v1alpha1.RuntimeN})
		_, err = s.CreatePod(state.PodSpec{PackID: pack.ID, Namespace: "team-a", ResourceRequests: resources("400m", "400Mi", "0")})
		Expect(err).NotTo(HaveOccurred())
		_, err = s.CreatePod(state.PodSpec{PackID: pack.ID, Namespace: "team-a", ResourceRequests: resources("400m", "400Mi", "0")})
		Expect(v1alpha1.Is(err, v1alpha1.CodeQuotaExceeded)).To(BeTrue())
	})

	It("blocks deleting a pack still referenced by a pod", func() {
		pack, _ := s.RegisterPack(state.PackSpec{Name: "p", Version: "1.0.0", RuntimeTag: v1alpha1.RuntimeN})
		_, err := s.CreatePod(state.PodSpec{PackID: pack.ID, ResourceRequests: resources("100m", "100Mi", "0")})
		Expect(err).NotTo(HaveOccurred())
		err = s.DeletePack(pack.ID)
		Expect(v1alpha1.Is(err, v1alpha1.CodeInvalidState)).To(BeTrue())
	})

	It("never deletes the reserved default namespace", func() {
		err := s.DeleteNamespace("default")
		Expect(v1alpha1.Is(err, v1alpha1.CodeInvalidState)).To(BeTrue())
	})
})
