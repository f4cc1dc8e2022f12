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

package signaling_test

import (
	"context"
	"encoding/json"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/podforge/podforge/pkg/apis/v1alpha1"
	"github.com/podforge/podforge/pkg/config"
	"github.com/podforge/podforge/pkg/connection"
	"github.com/podforge/podforge/pkg/signaling"
	"github.com/podforge/podforge/pkg/state"
)

type pipeTransport struct {
	in  chan []byte
	out chan []byte
}

func newPipe() (*pipeTransport, *pipeTransport) {
	a2b := make(chan []byte, 64)
	b2a := make(chan []byte, 64)
	return &pipeTransport{in: b2a, out: a2b}, &pipeTransport{in: a2b, out: b2a}
}

func (p *pipeTransport) ReadJSON(v any) error {
	data, ok := <-p.in
	if !ok {
		return context.Canceled
	}
	return json.Unmarshal(data, v)
}

func (p *pipeTransport) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p.out <- data
	return nil
}

func (p *pipeTransport) Close(int, string) error { return nil }

func connectPodSession(mgr *connection.Manager, auth *connection.StaticAuthenticator, token, podID, serviceID string) *pipeTransport {
	server, client := newPipe()
	go mgr.Accept(context.Background(), server, connection.KindPod)

	var env connection.Envelope
	_ = client.ReadJSON(&env) // connected

	_ = client.WriteJSON(connection.Envelope{Type: connection.TypeAuthAuthenticate, Payload: mustJSON(map[string]string{"token": token})})
	_ = client.ReadJSON(&env) // auth ack

	_ = client.WriteJSON(connection.Envelope{Type: connection.TypePodRegister, Payload: mustJSON(map[string]string{"podId": podID, "serviceId": serviceID})})
	_ = client.ReadJSON(&env) // register ack
	return client
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	Expect(err).NotTo(HaveOccurred())
	return data
}

var _ = Describe("Router", func() {
	var (
		s        *state.Store
		auth     *connection.StaticAuthenticator
		settings config.Settings
		mgr      *connection.Manager
		router   *signaling.Router
	)

	BeforeEach(func() {
		settings = config.Default()
		settings.AuthTimeout = time.Second
		settings.PingInterval = time.Hour
		s = state.New(logr.Discard(), settings)
		auth = connection.NewStaticAuthenticator()
		mgr = connection.New(s, auth, settings, logr.Discard())
		router = signaling.New(s, mgr, logr.Discard())
		mgr.SetSignalHandler(router)
	})

	makePod := func(resourceRequests v1alpha1.ResourceList) *v1alpha1.Pod {
		pack, err := s.GetPackByVersion("p", "1.0.0")
		if err != nil {
			pack, err = s.RegisterPack(state.PackSpec{Name: "p", Version: "1.0.0", RuntimeTag: v1alpha1.RuntimeN})
		}
		Expect(err).NotTo(HaveOccurred())
		pod, err := s.CreatePod(state.PodSpec{PackID: pack.ID, ResourceRequests: resourceRequests})
		Expect(err).NotTo(HaveOccurred())
		return pod
	}

	It("forwards a signal to its registered target and drops spoofed sources", func() {
		small := v1alpha1.ResourceList{v1alpha1.ResourceCPU: resource.MustParse("10m"), v1alpha1.ResourceMemory: resource.MustParse("10Mi"), v1alpha1.ResourcePods: resource.MustParse("0")}
		podA := makePod(small)
		podB := makePod(small)

		tokenA := auth.Issue("tok-a", connection.Identity{Subject: podA.ID, Kind: connection.KindPod})
		tokenB := auth.Issue("tok-b", connection.Identity{Subject: podB.ID, Kind: connection.KindPod})
		clientA := connectPodSession(mgr, auth, tokenA, podA.ID, "")
		clientB := connectPodSession(mgr, auth, tokenB, podB.ID, "")

		_ = clientA.WriteJSON(connection.Envelope{
			Type: connection.TypeNetworkSignal,
			Payload: mustJSON(connection.SignalPayload{
				SourcePodID: podA.ID, TargetPodID: podB.ID, SignalType: "offer", SignalData: mustJSON("sdp"),
			}),
		})

		var received connection.Envelope
		Expect(clientB.ReadJSON(&received)).To(Succeed())
		Expect(received.Type).To(Equal(connection.TypeNetworkSignal))

		// Spoofed source: claims to be podB while authenticated as podA.
		_ = clientA.WriteJSON(connection.Envelope{
			Type: connection.TypeNetworkSignal,
			Payload: mustJSON(connection.SignalPayload{
				SourcePodID: podB.ID, TargetPodID: podA.ID, SignalType: "offer", SignalData: mustJSON("sdp"),
			}),
		})
		// No message should arrive on clientA from this spoofed attempt;
		// the liveness ticker is disabled so the next readable frame (if
		// any) would only be the spoofed forward, which must not happen.
		select {
		case data := <-clientA.in:
			Fail("unexpected message delivered after spoofed signal: " + string(data))
		case <-time.After(50 * time.Millisecond):
		}
	})

	It("replies TARGET_UNREACHABLE when the target pod has no session", func() {
		small := v1alpha1.ResourceList{v1alpha1.ResourceCPU: resource.MustParse("10m"), v1alpha1.ResourceMemory: resource.MustParse("10Mi"), v1alpha1.ResourcePods: resource.MustParse("0")}
		podA := makePod(small)
		tokenA := auth.Issue("tok-a", connection.Identity{Subject: podA.ID, Kind: connection.KindPod})
		clientA := connectPodSession(mgr, auth, tokenA, podA.ID, "")

		_ = clientA.WriteJSON(connection.Envelope{
			Type: connection.TypeNetworkSignal,
			Payload: mustJSON(connection.SignalPayload{
				SourcePodID: podA.ID, TargetPodID: "nonexistent", SignalType: "offer", SignalData: mustJSON("sdp"),
			}),
		})

		var reply connection.Envelope
		Expect(clientA.ReadJSON(&reply)).To(Succeed())
		Expect(reply.Type).To(Equal(connection.TypeNetworkSignalError))
	})
})
