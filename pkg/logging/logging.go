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

// Package logging builds the process-wide logger. Every stage logs JSON to
// stdout; the CI wrappers archive the stream as the run record.
package logging

import (
	"context"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"k8s.io/klog/v2"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// NewLogger constructs the zap-backed logr.Logger, routes client-go's klog
// output into it, and stores it in the returned context.
func NewLogger(ctx context.Context, name string, debug bool) (context.Context, logr.Logger) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lo.Ternary(debug, zapcore.DebugLevel, zapcore.InfoLevel))
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.OutputPaths = []string{"stdout"}
	cfg.DisableStacktrace = true
	cfg.DisableCaller = true

	logger := zapr.NewLogger(lo.Must(cfg.Build())).WithName(name)
	klog.SetLogger(logger)
	log.SetLogger(logger)
	return log.IntoContext(ctx, logger), logger
}

// FromContext retrieves the stage logger stored by NewLogger.
func FromContext(ctx context.Context) logr.Logger {
	return log.FromContext(ctx)
}
