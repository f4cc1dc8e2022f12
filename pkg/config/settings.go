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

// Package config holds every tunable named across the spec: connection
// liveness timings, reconciler cadence and rollout bounds, scheduler retry
// counts, and backpressure watermarks. Settings load compiled-in defaults,
// then an optional TOML file, then environment overrides, the same
// layering the teacher applies across flag.XVar/env.WithDefaultX pairs.
package config

import (
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"

	"github.com/podforge/podforge/pkg/config/env"
)

// Settings is the full set of control-plane tunables.
type Settings struct {
	// Connection manager (spec §4.2)
	AuthTimeout        time.Duration `toml:"authTimeout"`
	PingInterval       time.Duration `toml:"pingInterval"`
	PongTimeout        time.Duration `toml:"pongTimeout"`
	CorrelationTimeout time.Duration `toml:"correlationTimeout"`
	ReconnectBaseDelay time.Duration `toml:"reconnectBaseDelay"`
	ReconnectMaxSteps  int           `toml:"reconnectMaxSteps"`
	MaxMessageBytes    int64         `toml:"maxMessageBytes"`

	// Backpressure (spec §5)
	SendQueueHighWaterMark int `toml:"sendQueueHighWaterMark"`
	SendQueueLowWaterMark  int `toml:"sendQueueLowWaterMark"`

	// Scheduler (spec §4.3)
	SchedulerCommitRetries int  `toml:"schedulerCommitRetries"`
	PreemptionEnabled      bool `toml:"preemptionEnabled"`

	// Reconciler (spec §4.4)
	ReconcileInterval    time.Duration `toml:"reconcileInterval"`
	DefaultMaxUnavailable int          `toml:"defaultMaxUnavailable"`
	DefaultMaxSurge       int          `toml:"defaultMaxSurge"`
	MaxScheduleAttempts   int          `toml:"maxScheduleAttempts"`

	// Bundle distribution (spec §4.6)
	BundleCacheSizeBytes int64 `toml:"bundleCacheSizeBytes"`

	// Pod cooperative shutdown (spec §9)
	GracefulStopDeadline time.Duration `toml:"gracefulStopDeadline"`

	// Pod history retention (SPEC_FULL EXPANSION C.5)
	HistoryRetention int `toml:"historyRetention"`
}

// Default returns the compiled-in defaults named throughout the spec.
func Default() Settings {
	return Settings{
		AuthTimeout:            10 * time.Second,
		PingInterval:           30 * time.Second,
		PongTimeout:            10 * time.Second,
		CorrelationTimeout:     30 * time.Second,
		ReconnectBaseDelay:     time.Second,
		ReconnectMaxSteps:      5,
		MaxMessageBytes:        10 << 20, // 10 MiB
		SendQueueHighWaterMark: 1024,
		SendQueueLowWaterMark:  256,
		SchedulerCommitRetries: 3,
		PreemptionEnabled:      false,
		ReconcileInterval:      10 * time.Second,
		DefaultMaxUnavailable:  1,
		DefaultMaxSurge:        1,
		MaxScheduleAttempts:    5,
		BundleCacheSizeBytes:   512 << 20, // 512 MiB, per spec §9 Open Questions
		GracefulStopDeadline:   5 * time.Second,
		HistoryRetention:       200,
	}
}

// LoadFile merges a TOML file at path over the receiver's current values.
// A missing file is not an error; the defaults (or prior overrides) stand.
func (s *Settings) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "reading config file %s", path)
	}
	if err := toml.Unmarshal(data, s); err != nil {
		return errors.Wrapf(err, "parsing config file %s", path)
	}
	return nil
}

// LoadEnv applies environment variable overrides, highest precedence.
func (s *Settings) LoadEnv() {
	s.AuthTimeout = env.WithDefaultDuration("AUTH_TIMEOUT", s.AuthTimeout)
	s.PingInterval = env.WithDefaultDuration("PING_INTERVAL", s.PingInterval)
	s.PongTimeout = env.WithDefaultDuration("PONG_TIMEOUT", s.PongTimeout)
	s.CorrelationTimeout = env.WithDefaultDuration("CORRELATION_TIMEOUT", s.CorrelationTimeout)
	s.ReconnectBaseDelay = env.WithDefaultDuration("RECONNECT_BASE_DELAY", s.ReconnectBaseDelay)
	s.ReconnectMaxSteps = env.WithDefaultInt("RECONNECT_MAX_STEPS", s.ReconnectMaxSteps)
	s.SendQueueHighWaterMark = env.WithDefaultInt("SEND_QUEUE_HIGH_WATER_MARK", s.SendQueueHighWaterMark)
	s.SendQueueLowWaterMark = env.WithDefaultInt("SEND_QUEUE_LOW_WATER_MARK", s.SendQueueLowWaterMark)
	s.SchedulerCommitRetries = env.WithDefaultInt("SCHEDULER_COMMIT_RETRIES", s.SchedulerCommitRetries)
	s.PreemptionEnabled = env.WithDefaultBool("PREEMPTION_ENABLED", s.PreemptionEnabled)
	s.ReconcileInterval = env.WithDefaultDuration("RECONCILE_INTERVAL", s.ReconcileInterval)
	s.DefaultMaxUnavailable = env.WithDefaultInt("DEFAULT_MAX_UNAVAILABLE", s.DefaultMaxUnavailable)
	s.DefaultMaxSurge = env.WithDefaultInt("DEFAULT_MAX_SURGE", s.DefaultMaxSurge)
	s.MaxScheduleAttempts = env.WithDefaultInt("MAX_SCHEDULE_ATTEMPTS", s.MaxScheduleAttempts)
	s.GracefulStopDeadline = env.WithDefaultDuration("GRACEFUL_STOP_DEADLINE", s.GracefulStopDeadline)
	s.HistoryRetention = env.WithDefaultInt("HISTORY_RETENTION", s.HistoryRetention)
}
