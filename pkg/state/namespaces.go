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
	"time"

	"github.com/podforge/podforge/pkg/apis/v1alpha1"
)

// CreateNamespace registers a namespace with an optional resource quota.
func (s *Store) CreateNamespace(name string, quota, limitRange v1alpha1.ResourceList) (*v1alpha1.Namespace, error) {
	s.mu.Lock()
	if _, exists := s.namespaces[name]; exists {
		s.mu.Unlock()
		return nil, v1alpha1.New(v1alpha1.CodeNameTaken, "namespace %q already exists", name)
	}
	ns := &v1alpha1.Namespace{
		Name:          name,
		Phase:         v1alpha1.NamespaceActive,
		ResourceQuota: quota.DeepCopy(),
		LimitRange:    limitRange.DeepCopy(),
		Usage:         v1alpha1.ResourceList{},
		CreatedAt:     time.Now(),
	}
	s.namespaces[name] = ns
	s.mu.Unlock()
	s.notify(EventNamespace, name)
	return ns, nil
}

// GetNamespace returns a namespace snapshot.
func (s *Store) GetNamespace(name string) (*v1alpha1.Namespace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ns, ok := s.namespaces[name]
	if !ok {
		return nil, v1alpha1.New(v1alpha1.CodeNamespaceMissing, "namespace %q not found", name)
	}
	clone := *ns
	clone.ResourceQuota = ns.ResourceQuota.DeepCopy()
	clone.LimitRange = ns.LimitRange.DeepCopy()
	clone.Usage = ns.Usage.DeepCopy()
	return &clone, nil
}

// DeleteNamespace removes a namespace. Reserved names ("default",
// "system-*") can never be deleted, per spec §3.
func (s *Store) DeleteNamespace(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.namespaces[name]
	if !ok {
		return v1alpha1.New(v1alpha1.CodeNamespaceMissing, "namespace %q not found", name)
	}
	if ns.Reserved() {
		return v1alpha1.New(v1alpha1.CodeInvalidState, "namespace %q is reserved", name)
	}
	ns.Phase = v1alpha1.NamespaceTerminating
	delete(s.namespaces, name)
	return nil
}

// checkAndReserveQuotaLocked fails QUOTA_EXCEEDED unless admitting request
// into namespace keeps usage within quota for every dimension the quota
// declares, and otherwise adds request to the namespace's usage
// (SPEC_FULL EXPANSION C.4). Caller must hold s.mu.
func (s *Store) checkAndReserveQuotaLocked(namespace string, request v1alpha1.ResourceList) error {
	ns, ok := s.namespaces[namespace]
	if !ok {
		return v1alpha1.New(v1alpha1.CodeNamespaceMissing, "namespace %q not found", namespace)
	}
	if len(ns.ResourceQuota) == 0 {
		ns.Usage = ns.Usage.Add(request)
		return nil
	}
	projected := ns.Usage.Add(request)
	if !projected.FitsIn(ns.ResourceQuota) {
		return v1alpha1.New(v1alpha1.CodeQuotaExceeded, "namespace %q quota exceeded", namespace)
	}
	ns.Usage = projected
	return nil
}

// releaseQuotaLocked gives back a pod's requests when it reaches a terminal
// state. Caller must hold s.mu.
func (s *Store) releaseQuotaLocked(namespace string, request v1alpha1.ResourceList) {
	ns, ok := s.namespaces[namespace]
	if !ok {
		return
	}
	ns.Usage = ns.Usage.Sub(request)
}
