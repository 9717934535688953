package cli

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// newLogger builds the daemon logger. Verbose enables debug JSON output;
// quiet raises the floor to warnings.
func newLogger(globals *Globals) *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "json"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	switch {
	case globals.Verbose:
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case globals.Quiet:
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop().Sugar()
	}
	return logger.Sugar()
}
