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

package reconciler

import (
	"context"

	"github.com/podforge/podforge/pkg/apis/v1alpha1"
)

// advanceRollingUpdate makes one bounded step of progress on a version
// rollout: it surges at most maxSurge pods above desired to bring the new
// version up, then retires at most maxUnavailable out-of-date running
// pods once their replacement is already running (spec §4.4 step 6).
func (r *Reconciler) advanceRollingUpdate(ctx context.Context, svc *v1alpha1.Service, pods []*v1alpha1.Pod, desired int) {
	maxSurge := svc.RollingUpdate.MaxSurge
	if maxSurge <= 0 {
		maxSurge = r.settings.DefaultMaxSurge
	}
	maxUnavailable := svc.RollingUpdate.MaxUnavailable
	if maxUnavailable <= 0 {
		maxUnavailable = r.settings.DefaultMaxUnavailable
	}

	var outOfDateRunning []*v1alpha1.Pod
	var upToDateNotRunning, upToDateRunning int
	for _, p := range pods {
		upToDate := p.PackVersion == svc.PackVersion
		switch {
		case upToDate && p.Status == v1alpha1.PodRunning:
			upToDateRunning++
		case upToDate:
			upToDateNotRunning++
		case !upToDate && p.Status == v1alpha1.PodRunning:
			outOfDateRunning = append(outOfDateRunning, p)
		}
	}

	if len(outOfDateRunning) == 0 {
		// Rollout already complete for this service.
		return
	}

	surgeUsed := len(pods) - desired
	if surgeUsed < maxSurge && upToDateNotRunning == 0 {
		r.createAndPlace(ctx, svc)
	}

	budget := maxUnavailable
	for _, p := range outOfDateRunning {
		if budget <= 0 || upToDateRunning <= 0 {
			break
		}
		r.retirePod(ctx, p, "rolling_update")
		budget--
		upToDateRunning--
	}
}
