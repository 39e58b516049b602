package cli

import (
	"fmt"
	"log/slog"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// setupLogging routes slog through zap. The returned func flushes the
// zap buffers.
func setupLogging(development bool, verbosity int) (func(), error) {
	zcfg := zap.NewProductionConfig()
	if development {
		zcfg = zap.NewDevelopmentConfig()
	}
	// logr V(n) maps to zap level -n
	zcfg.Level = zap.NewAtomicLevelAt(zapcore.Level(int8(-verbosity)))

	zl, err := zcfg.Build(zap.AddCaller())
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	slog.SetDefault(slog.New(logr.ToSlogHandler(zapr.NewLogger(zl))))
	return func() { _ = zl.Sync() }, nil
}
