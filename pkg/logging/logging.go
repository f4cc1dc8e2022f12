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

// Package logging injects a structured logr.Logger, backed by zap, through
// context.Context. It mirrors the teacher's cmd/controller/main.go
// LoggingContextOrDie, minus the knative ConfigMap live-reload machinery:
// the level is fixed when the logger is built at startup and is not
// reloaded while the process runs.
package logging

import (
	"context"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey struct{}

// NewOrDie builds the process-wide zap-backed logger at the given level
// ("debug", "info", "warn", "error"; defaults to "info" on parse failure).
func NewOrDie(component string, level string, development bool) logr.Logger {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zl, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return zapr.NewLogger(zl).WithName(component)
}

// WithLogger returns a context carrying logger, retrievable with FromContext.
func WithLogger(ctx context.Context, logger logr.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// FromContext returns the logger stored in ctx, or the discard logger if
// none was set.
func FromContext(ctx context.Context) logr.Logger {
	if l, ok := ctx.Value(contextKey{}).(logr.Logger); ok {
		return l
	}
	return logr.Discard()
}
