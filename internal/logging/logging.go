// Package logging builds the zap loggers used by the daemon and CLI.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Production selects the JSON production encoder.
const Production = "production"

// New creates a logger for the environment. "production" gets JSON output at
// info level; anything else gets a coloured console logger at debug level.
// verbose lowers a production logger to debug.
func New(environment string, verbose bool) (*zap.Logger, error) {
	var cfg zap.Config
	if environment == Production {
		cfg = zap.NewProductionConfig()
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		if !verbose {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
		}
	}

	cfg.EncoderConfig.CallerKey = "caller"
	cfg.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	return cfg.Build(zap.AddCaller())
}
