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

package connection

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/podforge/podforge/pkg/apis/v1alpha1"
	"github.com/podforge/podforge/pkg/metrics"
)

// correlationEntry resolves or rejects exactly once, guarding against the
// cache's eviction callback double-firing after an explicit resolve
// already delivered a result.
type correlationEntry struct {
	once    sync.Once
	resultC chan correlationResult
}

type correlationResult struct {
	payload json.RawMessage
	err     error
}

func (e *correlationEntry) resolve(payload json.RawMessage) {
	e.once.Do(func() { e.resultC <- correlationResult{payload: payload} })
}

func (e *correlationEntry) reject(err error) {
	e.once.Do(func() { e.resultC <- correlationResult{err: err} })
}

// CorrelationTracker keeps outstanding request/response correlations,
// bounded by a per-entry deadline, per spec §4.2.
type CorrelationTracker struct {
	cache *gocache.Cache
}

// NewCorrelationTracker builds a tracker whose entries self-expire and
// reject with CONNECTION_CLOSED-adjacent TIMEOUT on eviction.
func NewCorrelationTracker() *CorrelationTracker {
	c := gocache.New(gocache.NoExpiration, time.Second)
	t := &CorrelationTracker{cache: c}
	c.OnEvicted(func(id string, v any) {
		entry, ok := v.(*correlationEntry)
		if !ok {
			return
		}
		entry.reject(v1alpha1.New(v1alpha1.CodeTimeout, "correlation %s timed out", id))
		metrics.CorrelationsOutstanding.Dec()
	})
	return t
}

// Await registers correlationId and blocks until the response, the
// deadline, or ctx cancellation, returning the response payload or error.
func (t *CorrelationTracker) Await(ctx context.Context, correlationID string, deadline time.Duration) (json.RawMessage, error) {
	entry := &correlationEntry{resultC: make(chan correlationResult, 1)}
	t.cache.Set(correlationID, entry, deadline)
	metrics.CorrelationsOutstanding.Inc()
	select {
	case r := <-entry.resultC:
		return r.payload, r.err
	case <-ctx.Done():
		entry.reject(v1alpha1.New(v1alpha1.CodeCancelled, "correlation %s cancelled", correlationID))
		t.cache.Delete(correlationID)
		return nil, ctx.Err()
	}
}

// Resolve delivers payload to the waiter registered under id, if any.
func (t *CorrelationTracker) Resolve(id string, payload json.RawMessage) bool {
	v, ok := t.cache.Get(id)
	if !ok {
		return false
	}
	entry := v.(*correlationEntry)
	entry.resolve(payload)
	t.cache.Delete(id)
	return true
}

// Reject delivers err to the waiter registered under id, if any.
func (t *CorrelationTracker) Reject(id string, err error) bool {
	v, ok := t.cache.Get(id)
	if !ok {
		return false
	}
	entry := v.(*correlationEntry)
	entry.reject(err)
	t.cache.Delete(id)
	return true
}

// RejectAll rejects every correlation id in ids with err, used when a
// session closes with outstanding requests (spec §4.2).
func (t *CorrelationTracker) RejectAll(ids []string, err error) {
	for _, id := range ids {
		t.Reject(id, err)
	}
}
