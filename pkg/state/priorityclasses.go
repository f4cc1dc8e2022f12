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

import "github.com/podforge/podforge/pkg/apis/v1alpha1"

// RegisterPriorityClass installs a priority class, referenced by pods by
// name (spec §3; missing name implies default value 0).
func (s *Store) RegisterPriorityClass(pc v1alpha1.PriorityClass) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := pc
	s.priorityClasses[pc.Name] = &cp
	return nil
}

// PriorityValue resolves a priority class name to its value, defaulting to
// v1alpha1.DefaultPriorityClassValue when name is empty or unknown.
func (s *Store) PriorityValue(name string) int {
	if name == "" {
		return v1alpha1.DefaultPriorityClassValue
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if pc, ok := s.priorityClasses[name]; ok {
		return pc.Value
	}
	return v1alpha1.DefaultPriorityClassValue
}
