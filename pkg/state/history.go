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

const defaultHistoryRetention = 200

// appendHistoryLocked records a lifecycle event, bounding retention to the
// most recent entries (spec §3 calls retention "advisory"; SPEC_FULL
// EXPANSION C.5 fixes it at a configurable ring size). Caller must hold
// s.mu.
func (s *Store) appendHistoryLocked(podID string, action v1alpha1.HistoryAction, previous, next v1alpha1.PodStatus, metadata map[string]string) {
	entry := v1alpha1.PodHistoryEntry{
		PodID:          podID,
		Timestamp:      time.Now(),
		Action:         action,
		PreviousStatus: previous,
		NewStatus:      next,
		Metadata:       metadata,
	}
	entries := append(s.history[podID], entry)
	retention := s.settings.HistoryRetention
	if retention <= 0 {
		retention = defaultHistoryRetention
	}
	if len(entries) > retention {
		entries = entries[len(entries)-retention:]
	}
	s.history[podID] = entries
}

// PodHistory returns the recorded lifecycle events for a pod, oldest first.
// History is owned by the pod it describes; it is already gone once the
// pod itself is deleted.
func (s *Store) PodHistory(podID string) []v1alpha1.PodHistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.history[podID]
	out := make([]v1alpha1.PodHistoryEntry, len(entries))
	copy(out, entries)
	return out
}
