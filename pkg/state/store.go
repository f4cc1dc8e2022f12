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

// Package state is the authoritative in-memory store of nodes, pods, packs,
// services, namespaces, priority classes and pod history (spec §3, §4.1).
// Every mutation goes through a typed method that validates invariants,
// updates the relevant maps under a single exclusive lock, appends history
// where applicable, and then notifies observers asynchronously — observers
// must re-read through the store for a current snapshot, per spec §5.
package state

import (
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/podforge/podforge/pkg/apis/v1alpha1"
	"github.com/podforge/podforge/pkg/config"
)

// Store is the single in-process reactive store. The zero value is not
// usable; construct with New.
type Store struct {
	mu sync.RWMutex
	logger logr.Logger
	settings config.Settings

	nodes          map[string]*v1alpha1.Node
	nodeNames      map[string]string // name -> id
	packs          map[string]*v1alpha1.Pack
	packVersions   map[string]string // name@version -> id
	pods           map[string]*v1alpha1.Pod
	services       map[string]*v1alpha1.Service
	serviceNames   map[string]string // namespace/name -> id
	namespaces     map[string]*v1alpha1.Namespace
	priorityClasses map[string]*v1alpha1.PriorityClass
	history        map[string][]v1alpha1.PodHistoryEntry // podId -> entries, bounded ring

	observers []Observer
}

// Observer is notified after a successful mutation. Event carries only the
// affected id and kind so observers re-read through the store rather than
// trust a stale snapshot embedded in the notification, per spec §5.
type Observer func(Event)

// EventKind identifies which entity kind changed.
type EventKind string

const (
	EventNode      EventKind = "node"
	EventPack      EventKind = "pack"
	EventPod       EventKind = "pod"
	EventService   EventKind = "service"
	EventNamespace EventKind = "namespace"
)

// Event is the diff notification delivered to observers.
type Event struct {
	Kind EventKind
	ID   string
}

// New constructs an empty Store seeded with the reserved "default"
// namespace, per spec §3.
func New(logger logr.Logger, settings config.Settings) *Store {
	s := &Store{
		logger:          logger,
		settings:        settings,
		nodes:           map[string]*v1alpha1.Node{},
		nodeNames:       map[string]string{},
		packs:           map[string]*v1alpha1.Pack{},
		packVersions:    map[string]string{},
		pods:            map[string]*v1alpha1.Pod{},
		services:        map[string]*v1alpha1.Service{},
		serviceNames:    map[string]string{},
		namespaces:      map[string]*v1alpha1.Namespace{},
		priorityClasses: map[string]*v1alpha1.PriorityClass{},
		history:         map[string][]v1alpha1.PodHistoryEntry{},
	}
	s.namespaces["default"] = &v1alpha1.Namespace{Name: "default", Phase: v1alpha1.NamespaceActive}
	return s
}

// Observe registers a callback invoked asynchronously after each successful
// mutation. Observe is itself safe to call concurrently with mutations.
func (s *Store) Observe(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// notify must be called without s.mu held: it dispatches to observers on
// their own goroutine so that a slow or blocking observer can never delay
// the next mutation, satisfying spec §5's "notifications asynchronous"
// contract and the "store operations must not suspend" rule.
func (s *Store) notify(kind EventKind, id string) {
	s.mu.RLock()
	observers := make([]Observer, len(s.observers))
	copy(observers, s.observers)
	s.mu.RUnlock()
	ev := Event{Kind: kind, ID: id}
	for _, o := range observers {
		go o(ev)
	}
}

func newID() string { return uuid.NewString() }
