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

package reconciler_test

import (
	"context"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/podforge/podforge/pkg/apis/v1alpha1"
	"github.com/podforge/podforge/pkg/config"
	"github.com/podforge/podforge/pkg/connection"
	"github.com/podforge/podforge/pkg/reconciler"
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

type fakeDispatcher struct {
	mu      sync.Mutex
	deploys []string
	stops   []string
}

func (f *fakeDispatcher) DeployPod(ctx context.Context, nodeID string, payload connection.DeployPodPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deploys = append(f.deploys, payload.PodID)
	return nil
}

func (f *fakeDispatcher) StopPod(ctx context.Context, nodeID, podID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, podID)
	return nil
}

type fakeBundleResolver struct{}

func (fakeBundleResolver) Resolve(ctx context.Context, pack *v1alpha1.Pack) ([]byte, error) {
	return []byte("bytes"), nil
}

var _ = Describe("Reconciler", func() {
	var (
		s          *state.Store
		settings   config.Settings
		dispatcher *fakeDispatcher
		rec        *reconciler.Reconciler
	)

	BeforeEach(func() {
		settings = config.Default()
		s = state.New(logr.Discard(), settings)
		dispatcher = &fakeDispatcher{}
		placer := scheduler.New(s, dispatcher, settings, scheduler.PolicySpread, logr.Discard())
		rec = reconciler.New(s, placer, dispatcher, fakeBundleResolver{}, settings, logr.Discard())

		_, err := s.CreateNamespace("team-web", resources("4", "4Gi", "20"), v1alpha1.ResourceList{})
		Expect(err).NotTo(HaveOccurred())

		for _, name := range []string{"node-a", "node-b"} {
			_, err := s.AddNode(state.NodeSpec{
				Name:        name,
				RuntimeKind: v1alpha1.RuntimeUniversal,
				Allocatable: resources("2", "2Gi", "10"),
			})
			Expect(err).NotTo(HaveOccurred())
		}

		_, err = s.RegisterPack(state.PackSpec{
			Name:        "web",
			Version:     "1.0.0",
			RuntimeTag:  v1alpha1.RuntimeUniversal,
			InlineBytes: []byte("v1"),
		})
		Expect(err).NotTo(HaveOccurred())
	})

	It("scales a new service up to its desired replica count and deploys each pod", func() {
		svc, err := s.CreateService(state.ServiceSpec{
			Name:        "web",
			Namespace:   "team-web",
			PackName:    "web",
			PackVersion: "1.0.0",
			Replicas:    2,
			Template:    v1alpha1.PodTemplate{ResourceRequests: resources("500m", "256Mi", "1")},
		})
		Expect(err).NotTo(HaveOccurred())

		Expect(rec.Tick(context.Background())).To(Succeed())

		pods := s.PodsByService(svc.ID)
		Expect(pods).To(HaveLen(2))
		for _, p := range pods {
			Expect(p.Status).To(Equal(v1alpha1.PodScheduled))
		}

		dispatcher.mu.Lock()
		defer dispatcher.mu.Unlock()
		Expect(dispatcher.deploys).To(HaveLen(2))
	})

	It("scales down to the reduced replica count", func() {
		svc, err := s.CreateService(state.ServiceSpec{
			Name:        "web",
			Namespace:   "team-web",
			PackName:    "web",
			PackVersion: "1.0.0",
			Replicas:    2,
			Template:    v1alpha1.PodTemplate{ResourceRequests: resources("500m", "256Mi", "1")},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(rec.Tick(context.Background())).To(Succeed())
		Expect(s.PodsByService(svc.ID)).To(HaveLen(2))

		Expect(s.SetServiceReplicas(svc.ID, 1)).To(Succeed())
		Expect(rec.Tick(context.Background())).To(Succeed())

		remaining := 0
		for _, p := range s.PodsByService(svc.ID) {
			if !p.Status.Terminal() {
				remaining++
			}
		}
		Expect(remaining).To(Equal(1))
	})

	It("evicts non-terminal pods stranded on an offline node", func() {
		svc, err := s.CreateService(state.ServiceSpec{
			Name:        "web",
			Namespace:   "team-web",
			PackName:    "web",
			PackVersion: "1.0.0",
			Replicas:    1,
			Template:    v1alpha1.PodTemplate{ResourceRequests: resources("500m", "256Mi", "1")},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(rec.Tick(context.Background())).To(Succeed())

		pods := s.PodsByService(svc.ID)
		Expect(pods).To(HaveLen(1))
		nodeID := pods[0].NodeID
		Expect(s.SetNodeStatus(nodeID, v1alpha1.NodeOffline)).To(Succeed())

		Expect(rec.Tick(context.Background())).To(Succeed())

		pod, err := s.GetPod(pods[0].ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(pod.Status).To(Equal(v1alpha1.PodEvicted))
	})
})
