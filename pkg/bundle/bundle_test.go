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

package bundle_test

import (
	"context"
	"sync/atomic"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/podforge/podforge/pkg/apis/v1alpha1"
	"github.com/podforge/podforge/pkg/bundle"
)

type fakeOrigin struct {
	calls   int32
	fail    bool
	payload []byte
}

func (f *fakeOrigin) Fetch(ctx context.Context, locator string) ([]byte, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.fail {
		return nil, v1alpha1.New(v1alpha1.CodeTimeout, "origin unreachable")
	}
	return f.payload, nil
}

var _ = Describe("Resolver", func() {
	It("prefers inline bytes over cache and origin", func() {
		origin := &fakeOrigin{payload: []byte("origin-bytes")}
		r, err := bundle.New(origin, 64<<20, 8<<20)
		Expect(err).NotTo(HaveOccurred())

		pack := &v1alpha1.Pack{ID: "p1", Version: "1.0.0", Name: "demo", InlineBytes: []byte("inline-bytes")}
		data, err := r.Resolve(context.Background(), pack)
		Expect(err).NotTo(HaveOccurred())
		Expect(data).To(Equal([]byte("inline-bytes")))
		Expect(origin.calls).To(Equal(int32(0)))
	})

	It("fetches from origin once and serves subsequent calls from cache", func() {
		origin := &fakeOrigin{payload: []byte("origin-bytes")}
		r, err := bundle.New(origin, 64<<20, 8<<20)
		Expect(err).NotTo(HaveOccurred())

		pack := &v1alpha1.Pack{ID: "p2", Version: "1.0.0", Name: "demo", BundleLocator: "https://example/bundle"}
		first, err := r.Resolve(context.Background(), pack)
		Expect(err).NotTo(HaveOccurred())
		Expect(first).To(Equal([]byte("origin-bytes")))

		second, err := r.Resolve(context.Background(), pack)
		Expect(err).NotTo(HaveOccurred())
		Expect(second).To(Equal([]byte("origin-bytes")))
		Expect(origin.calls).To(Equal(int32(1)))
	})

	It("propagates BUNDLE_UNAVAILABLE when origin fetch exhausts retries", func() {
		origin := &fakeOrigin{fail: true}
		r, err := bundle.New(origin, 64<<20, 8<<20)
		Expect(err).NotTo(HaveOccurred())

		pack := &v1alpha1.Pack{ID: "p3", Version: "1.0.0", Name: "demo", BundleLocator: "https://example/bundle"}
		_, err = r.Resolve(context.Background(), pack)
		Expect(v1alpha1.Is(err, v1alpha1.CodeBundleUnavailable)).To(BeTrue())
	})

	It("reports BUNDLE_UNAVAILABLE when a pack has no source at all", func() {
		origin := &fakeOrigin{}
		r, err := bundle.New(origin, 64<<20, 8<<20)
		Expect(err).NotTo(HaveOccurred())

		pack := &v1alpha1.Pack{ID: "p4", Version: "1.0.0", Name: "demo"}
		_, err = r.Resolve(context.Background(), pack)
		Expect(v1alpha1.Is(err, v1alpha1.CodeBundleUnavailable)).To(BeTrue())
	})
})
