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

package connection_test

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
	"github.com/podforge/podforge/pkg/state"
)

// pipeTransport is an in-memory connection.Transport for exercising the
// manager without a real socket, wired like a loopback pair.
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

func (p *pipeTransport) Close(code int, reason string) error {
	return nil
}

var _ = Describe("Manager", func() {
	var (
		s        *state.Store
		auth     *connection.StaticAuthenticator
		settings config.Settings
		mgr      *connection.Manager
		client   *pipeTransport
	)

	BeforeEach(func() {
		settings = config.Default()
		settings.AuthTimeout = time.Second
		settings.PingInterval = time.Hour // disable liveness churn during tests
		s = state.New(logr.Discard(), settings)
		auth = connection.NewStaticAuthenticator()
		mgr = connection.New(s, auth, settings, logr.Discard())

		var server *pipeTransport
		server, client = newPipe()
		go mgr.Accept(context.Background(), server, connection.KindNode)
	})

	readEnvelope := func() connection.Envelope {
		var env connection.Envelope
		Expect(client.ReadJSON(&env)).To(Succeed())
		return env
	}

	It("sends connected then accepts a valid auth token", func() {
		connected := readEnvelope()
		Expect(connected.Type).To(Equal(connection.TypeConnected))

		token := auth.Issue("tok-1", connection.Identity{Subject: "node-a", Kind: connection.KindNode})
		Expect(client.WriteJSON(connection.Envelope{
			Type:          connection.TypeAuthAuthenticate,
			CorrelationID: "c1",
			Payload:       mustJSON(map[string]string{"token": token}),
		})).To(Succeed())

		ack := readEnvelope()
		Expect(ack.Type).To(Equal(connection.TypeAuthAuthenticate))
		Expect(ack.CorrelationID).To(Equal("c1"))
	})

	It("registers a node after authentication and assigns it a session", func() {
		_ = readEnvelope() // connected
		token := auth.Issue("tok-2", connection.Identity{Subject: "node-b", Kind: connection.KindNode})
		_ = client.WriteJSON(connection.Envelope{Type: connection.TypeAuthAuthenticate, Payload: mustJSON(map[string]string{"token": token})})
		_ = readEnvelope() // auth ack

		_ = client.WriteJSON(connection.Envelope{
			Type: connection.TypeNodeRegister,
			Payload: mustJSON(connection.RegisterNodeInput{
				Name:        "nA",
				RuntimeKind: "N-runtime",
				Allocatable: resources(),
			}),
		})
		regAck := readEnvelope()
		Expect(regAck.Type).To(Equal(connection.TypeNodeRegister))

		var body map[string]string
		Expect(json.Unmarshal(regAck.Payload, &body)).To(Succeed())
		Expect(body["nodeId"]).NotTo(BeEmpty())

		_, ok := mgr.SessionByNodeID(body["nodeId"])
		Expect(ok).To(BeTrue())
	})
})

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	Expect(err).NotTo(HaveOccurred())
	return data
}

func resources() v1alpha1.ResourceList {
	return v1alpha1.ResourceList{
		v1alpha1.ResourceCPU:    resource.MustParse("1000m"),
		v1alpha1.ResourceMemory: resource.MustParse("1Gi"),
		v1alpha1.ResourcePods:   resource.MustParse("10"),
	}
}
