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
	"sync"

	"github.com/podforge/podforge/pkg/apis/v1alpha1"
)

// Identity is what an Authenticator resolves a token to.
type Identity struct {
	Subject string
	Kind    Kind
}

// Authenticator is the external identity collaborator the manager verifies
// auth:authenticate tokens against (spec §4.2 step 3). Production wiring
// talks to whatever identity provider the deployment uses; it is injected
// here so the manager stays free of that concern.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}

// StaticAuthenticator authenticates against a fixed, in-memory token table.
// It grounds local development and the demo seeder without requiring a real
// identity provider.
type StaticAuthenticator struct {
	mu     sync.RWMutex
	tokens map[string]Identity
}

// NewStaticAuthenticator builds an authenticator with no tokens registered.
func NewStaticAuthenticator() *StaticAuthenticator {
	return &StaticAuthenticator{tokens: map[string]Identity{}}
}

// Issue registers token as valid for the given identity and returns it.
func (a *StaticAuthenticator) Issue(token string, identity Identity) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tokens[token] = identity
	return token
}

// Authenticate implements Authenticator.
func (a *StaticAuthenticator) Authenticate(_ context.Context, token string) (Identity, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	identity, ok := a.tokens[token]
	if !ok {
		return Identity{}, v1alpha1.New(v1alpha1.CodeValidationError, "token not recognized")
	}
	return identity, nil
}
