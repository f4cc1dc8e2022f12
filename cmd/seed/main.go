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

// Command seed is a demo fleet: it dials a running controller's node
// message channel as a handful of simulated nodes, the same role the
// teacher's kwok fake-kubelet harness played against a real kubelet API,
// generalized here to speak podforge's own wire protocol instead of
// kubelet's. It exercises the placement, taint-rejection, preemption,
// node-loss and rolling-update scenarios of spec §8 end to end against
// whatever namespaces/packs/services a -seed manifest bootstrapped.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"math/rand"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Pallinder/go-randomdata"
	"github.com/gorilla/websocket"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/podforge/podforge/pkg/apis/v1alpha1"
	"github.com/podforge/podforge/pkg/connection"
)

func main() {
	var (
		addr      = flag.String("addr", "ws://localhost:8080", "base address of a running podforge controller")
		token     = flag.String("token", "", "auth token the controller was started with -dev-token")
		nodeCount = flag.Int("nodes", 3, "number of simulated nodes to register")
		taintedN  = flag.Int("tainted", 1, "how many of those nodes carry a gpu=true:NoSchedule taint (spec §8 S2)")
		killAfter = flag.Duration("kill-after", 0, "if set, disconnect one node after this long to exercise node-loss rescheduling (spec §8 S4)")
		runFor    = flag.Duration("run-for", 2*time.Minute, "how long to keep the simulated fleet connected")
	)
	flag.Parse()

	if *token == "" {
		log.Fatal("seed: -token is required (must match the controller's -dev-token)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctx, cancel := context.WithTimeout(ctx, *runFor)
	defer cancel()

	var wg sync.WaitGroup
	nodes := make([]*simNode, *nodeCount)
	for i := 0; i < *nodeCount; i++ {
		n := newSimNode(*addr, *token, i < *taintedN)
		nodes[i] = n
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.run(ctx)
		}()
	}

	if *killAfter > 0 && len(nodes) > 0 {
		go func() {
			select {
			case <-time.After(*killAfter):
				victim := nodes[rand.Intn(len(nodes))]
				log.Printf("seed: dropping %s to simulate node loss", victim.name)
				victim.disconnect()
			case <-ctx.Done():
			}
		}()
	}

	wg.Wait()
	log.Println("seed: fleet shut down")
}

// simNode simulates one node's lifetime on the message channel: connect,
// authenticate, register, then answer pod:deploy/pod:stop with the status
// sequence a real runtime would report (spec §4.3, §4.4).
type simNode struct {
	addr    string
	token   string
	name    string
	tainted bool

	mu        sync.Mutex
	transport connection.Transport
	closed    bool
}

func newSimNode(addr, token string, tainted bool) *simNode {
	return &simNode{addr: addr, token: token, name: randomdata.SillyName(), tainted: tainted}
}

func (n *simNode) disconnect() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.transport != nil && !n.closed {
		n.closed = true
		_ = n.transport.Close(connection.CloseNormal, "simulated node loss")
	}
}

func (n *simNode) run(ctx context.Context) {
	url := n.addr + "/v1/connect/node"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		log.Printf("seed: %s failed to dial %s: %v", n.name, url, err)
		return
	}
	transport := connection.NewWebsocketTransport(conn)
	n.mu.Lock()
	n.transport = transport
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		closed := n.closed
		n.closed = true
		n.mu.Unlock()
		if !closed {
			_ = transport.Close(connection.CloseNormal, "run-for elapsed")
		}
	}()

	if err := n.handshake(transport); err != nil {
		log.Printf("seed: %s handshake failed: %v", n.name, err)
		return
	}
	log.Printf("seed: %s registered (tainted=%v)", n.name, n.tainted)

	done := make(chan struct{})
	go func() {
		defer close(done)
		n.serve(transport)
	}()

	select {
	case <-ctx.Done():
	case <-done:
	}
}

func (n *simNode) handshake(transport connection.Transport) error {
	var connected connection.Envelope
	if err := transport.ReadJSON(&connected); err != nil {
		return err
	}

	if err := transport.WriteJSON(connection.Envelope{
		Type:    connection.TypeAuthAuthenticate,
		Payload: marshal(map[string]string{"token": n.token}),
	}); err != nil {
		return err
	}
	var authAck connection.Envelope
	if err := transport.ReadJSON(&authAck); err != nil {
		return err
	}

	taints := []v1alpha1.Taint(nil)
	if n.tainted {
		taints = []v1alpha1.Taint{{Key: "gpu", Value: "true", Effect: v1alpha1.TaintEffectNoSchedule}}
	}
	input := connection.RegisterNodeInput{
		Name:        n.name,
		RuntimeKind: v1alpha1.RuntimeN,
		Taints:      taints,
		Allocatable: v1alpha1.ResourceList{
			v1alpha1.ResourceCPU:    resource.MustParse("4"),
			v1alpha1.ResourceMemory: resource.MustParse("8Gi"),
			v1alpha1.ResourcePods:   resource.MustParse("32"),
		},
	}
	if err := transport.WriteJSON(connection.Envelope{
		Type:    connection.TypeNodeRegister,
		Payload: marshal(input),
	}); err != nil {
		return err
	}
	var registerAck connection.Envelope
	return transport.ReadJSON(&registerAck)
}

// serve answers pings and pod lifecycle commands until the transport
// closes. A real node runtime would actually run the pack; this one
// reports the status sequence a healthy start produces immediately,
// which is enough to drive the reconciler's rollout/replica-diff logic
// the same way a live fleet would.
func (n *simNode) serve(transport connection.Transport) {
	for {
		var env connection.Envelope
		if err := transport.ReadJSON(&env); err != nil {
			return
		}
		switch env.Type {
		case connection.TypePing:
			_ = transport.WriteJSON(connection.Envelope{Type: connection.TypePong})
		case connection.TypePodDeploy:
			var payload connection.DeployPodPayload
			if err := json.Unmarshal(env.Payload, &payload); err != nil {
				continue
			}
			go n.simulateDeploy(transport, payload.PodID)
		case connection.TypePodStop:
			var payload connection.StopPodPayload
			if err := json.Unmarshal(env.Payload, &payload); err != nil {
				continue
			}
			_ = transport.WriteJSON(connection.Envelope{
				Type: connection.TypePodStatusUpdate,
				Payload: marshal(connection.PodStatusUpdate{
					PodID: payload.PodID, Status: v1alpha1.PodStopped, Reason: payload.Reason,
				}),
			})
		}
	}
}

func (n *simNode) simulateDeploy(transport connection.Transport, podID string) {
	_ = transport.WriteJSON(connection.Envelope{
		Type: connection.TypePodStatusUpdate,
		Payload: marshal(connection.PodStatusUpdate{
			PodID: podID, Status: v1alpha1.PodStarting,
		}),
	})
	time.Sleep(200 * time.Millisecond)
	_ = transport.WriteJSON(connection.Envelope{
		Type: connection.TypePodStatusUpdate,
		Payload: marshal(connection.PodStatusUpdate{
			PodID: podID, Status: v1alpha1.PodRunning,
		}),
	})
}

func marshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}
