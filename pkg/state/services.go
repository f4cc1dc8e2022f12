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

import (
	"fmt"
	"time"

	"github.com/podforge/podforge/pkg/apis/v1alpha1"
)

// ServiceSpec describes a service being declared.
type ServiceSpec struct {
	Name           string
	Namespace      string
	PackName       string
	PackVersion    string
	Replicas       int
	Template       v1alpha1.PodTemplate
	RollingUpdate  v1alpha1.RollingUpdatePolicy
	Visibility     v1alpha1.ServiceVisibility
	Exposed        bool
	AllowedSources []string
}

func serviceKey(namespace, name string) string { return fmt.Sprintf("%s/%s", namespace, name) }

// CreateService declares a new desired-state service. Fails NAME_TAKEN on
// duplicate (namespace, name) and NAMESPACE_MISSING if the namespace does
// not exist.
func (s *Store) CreateService(spec ServiceSpec) (*v1alpha1.Service, error) {
	s.mu.Lock()
	namespace := spec.Namespace
	if namespace == "" {
		namespace = "default"
	}
	if _, ok := s.namespaces[namespace]; !ok {
		s.mu.Unlock()
		return nil, v1alpha1.New(v1alpha1.CodeNamespaceMissing, "namespace %q not found", namespace)
	}
	key := serviceKey(namespace, spec.Name)
	if _, exists := s.serviceNames[key]; exists {
		s.mu.Unlock()
		return nil, v1alpha1.New(v1alpha1.CodeNameTaken, "service %s already exists", key)
	}
	svc := &v1alpha1.Service{
		ID:             newID(),
		Name:           spec.Name,
		Namespace:      namespace,
		PackName:       spec.PackName,
		PackVersion:    spec.PackVersion,
		Replicas:       spec.Replicas,
		Template:       spec.Template,
		Status:         v1alpha1.ServiceActive,
		RollingUpdate:  spec.RollingUpdate,
		Visibility:     spec.Visibility,
		Exposed:        spec.Exposed,
		AllowedSources: spec.AllowedSources,
		CreatedAt:      time.Now(),
	}
	s.services[svc.ID] = svc
	s.serviceNames[key] = svc.ID
	s.mu.Unlock()
	s.notify(EventService, svc.ID)
	return svc, nil
}

// GetService returns a service snapshot.
func (s *Store) GetService(serviceID string) (*v1alpha1.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	svc, ok := s.services[serviceID]
	if !ok {
		return nil, v1alpha1.New(v1alpha1.CodeServiceNotFound, "service %s not found", serviceID)
	}
	clone := *svc
	return &clone, nil
}

// UpdateServiceTarget retargets a service's desired pack version, moving it
// to "scaling" status so the reconciler performs a rolling update.
func (s *Store) UpdateServiceTarget(serviceID, packVersion string) error {
	s.mu.Lock()
	svc, ok := s.services[serviceID]
	if !ok {
		s.mu.Unlock()
		return v1alpha1.New(v1alpha1.CodeServiceNotFound, "service %s not found", serviceID)
	}
	svc.PackVersion = packVersion
	svc.Status = v1alpha1.ServiceScaling
	s.mu.Unlock()
	s.notify(EventService, serviceID)
	return nil
}

// SetServiceReplicas changes desired replica count.
func (s *Store) SetServiceReplicas(serviceID string, replicas int) error {
	s.mu.Lock()
	svc, ok := s.services[serviceID]
	if !ok {
		s.mu.Unlock()
		return v1alpha1.New(v1alpha1.CodeServiceNotFound, "service %s not found", serviceID)
	}
	svc.Replicas = replicas
	if svc.Status == v1alpha1.ServiceActive {
		svc.Status = v1alpha1.ServiceScaling
	}
	s.mu.Unlock()
	s.notify(EventService, serviceID)
	return nil
}

// UpdateServiceObserved records the reconciler's latest computed counters.
func (s *Store) UpdateServiceObserved(serviceID string, ready, available, updated int, settled bool) error {
	s.mu.Lock()
	svc, ok := s.services[serviceID]
	if !ok {
		s.mu.Unlock()
		return v1alpha1.New(v1alpha1.CodeServiceNotFound, "service %s not found", serviceID)
	}
	svc.ObservedReady = ready
	svc.ObservedAvailable = available
	svc.ObservedUpdated = updated
	if settled && svc.Status == v1alpha1.ServiceScaling {
		svc.Status = v1alpha1.ServiceActive
	}
	s.mu.Unlock()
	s.notify(EventService, serviceID)
	return nil
}

// NextRouteCursor advances and returns the round-robin cursor a signaling
// route-lookup uses to pick among a service's healthy pods (spec §4.5).
func (s *Store) NextRouteCursor(serviceID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	svc, ok := s.services[serviceID]
	if !ok {
		return 0, v1alpha1.New(v1alpha1.CodeServiceNotFound, "service %s not found", serviceID)
	}
	cursor := svc.RouteCursor
	svc.RouteCursor++
	return cursor, nil
}

// DeleteService removes the service entity immediately. It does not
// cascade: the service's pods are neither stopped nor deleted.
func (s *Store) DeleteService(serviceID string) error {
	s.mu.Lock()
	svc, ok := s.services[serviceID]
	if !ok {
		s.mu.Unlock()
		return v1alpha1.New(v1alpha1.CodeServiceNotFound, "service %s not found", serviceID)
	}
	svc.Status = v1alpha1.ServiceDeleting
	delete(s.services, serviceID)
	delete(s.serviceNames, serviceKey(svc.Namespace, svc.Name))
	s.mu.Unlock()
	s.notify(EventService, serviceID)
	return nil
}

// PodsByService returns every non-terminal pod belonging to a service.
func (s *Store) PodsByService(serviceID string) []*v1alpha1.Pod {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*v1alpha1.Pod
	for _, p := range s.pods {
		if p.ServiceID == serviceID && !p.Status.Terminal() {
			clone := *p
			out = append(out, &clone)
		}
	}
	return out
}
