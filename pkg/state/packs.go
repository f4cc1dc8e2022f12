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

// PackSpec describes a pack being registered.
type PackSpec struct {
	Name          string
	Version       string
	RuntimeTag    v1alpha1.RuntimeTag
	OwnerID       string
	BundleLocator string
	InlineBytes   []byte
	Metadata      v1alpha1.PackMetadata
}

func packKey(name, version string) string { return fmt.Sprintf("%s@%s", name, version) }

// RegisterPack creates an immutable pack. Fails VERSION_EXISTS on duplicate
// (name, version).
func (s *Store) RegisterPack(spec PackSpec) (*v1alpha1.Pack, error) {
	s.mu.Lock()
	key := packKey(spec.Name, spec.Version)
	if _, exists := s.packVersions[key]; exists {
		s.mu.Unlock()
		return nil, v1alpha1.New(v1alpha1.CodeVersionExists, "pack %s already registered", key)
	}
	pack := &v1alpha1.Pack{
		ID:            newID(),
		Name:          spec.Name,
		Version:       spec.Version,
		RuntimeTag:    spec.RuntimeTag,
		OwnerID:       spec.OwnerID,
		BundleLocator: spec.BundleLocator,
		InlineBytes:   spec.InlineBytes,
		Metadata:      spec.Metadata,
		CreatedAt:     time.Now(),
	}
	s.packs[pack.ID] = pack
	s.packVersions[key] = pack.ID
	s.mu.Unlock()
	s.notify(EventPack, pack.ID)
	return pack, nil
}

// UpdatePackMetadata mutates the only fields the spec allows to change
// post-creation.
func (s *Store) UpdatePackMetadata(packID string, metadata v1alpha1.PackMetadata) error {
	s.mu.Lock()
	pack, ok := s.packs[packID]
	if !ok {
		s.mu.Unlock()
		return v1alpha1.New(v1alpha1.CodePackNotFound, "pack %s not found", packID)
	}
	pack.Metadata = metadata
	s.mu.Unlock()
	s.notify(EventPack, packID)
	return nil
}

// GetPack returns a pack by id.
func (s *Store) GetPack(packID string) (*v1alpha1.Pack, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pack, ok := s.packs[packID]
	if !ok {
		return nil, v1alpha1.New(v1alpha1.CodePackNotFound, "pack %s not found", packID)
	}
	clone := *pack
	return &clone, nil
}

// GetPackByVersion looks a pack up by (name, version).
func (s *Store) GetPackByVersion(name, version string) (*v1alpha1.Pack, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.packVersions[packKey(name, version)]
	if !ok {
		return nil, v1alpha1.New(v1alpha1.CodeVersionNotFound, "pack %s@%s not found", name, version)
	}
	clone := *s.packs[id]
	return &clone, nil
}

// PacksByName returns every registered version of the named pack, a
// reactive view per spec §4.1's `packsByName`.
func (s *Store) PacksByName(name string) []*v1alpha1.Pack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*v1alpha1.Pack
	for _, p := range s.packs {
		if p.Name == name {
			clone := *p
			out = append(out, &clone)
		}
	}
	return out
}

// DeletePack removes a pack. Fails while any pod references it by
// (packId, packVersion), per spec §3.
func (s *Store) DeletePack(packID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pack, ok := s.packs[packID]
	if !ok {
		return v1alpha1.New(v1alpha1.CodePackNotFound, "pack %s not found", packID)
	}
	for _, pod := range s.pods {
		if pod.PackID == packID {
			return v1alpha1.New(v1alpha1.CodeInvalidState, "pack %s still referenced by pod %s", packID, pod.ID)
		}
	}
	delete(s.packs, packID)
	delete(s.packVersions, packKey(pack.Name, pack.Version))
	return nil
}
