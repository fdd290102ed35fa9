package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var log = zap.NewNop()

// Init builds the process-wide logger. Production gets JSON output, anything
// else gets the human-friendly development encoder.
func Init(level string, environment string) error {
	parsed := zapcore.InfoLevel
	switch level {
	case "debug":
		parsed = zapcore.DebugLevel
	case "info":
		parsed = zapcore.InfoLevel
	case "warn":
		parsed = zapcore.WarnLevel
	case "error":
		parsed = zapcore.ErrorLevel
	}

	var cfg zap.Config
	if environment == "production" {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(parsed)

	built, err := cfg.Build(zap.Fields(zap.String("service", "posledger")))
	if err != nil {
		return err
	}
	log = built
	zap.ReplaceGlobals(built)
	return nil
}

func Get() *zap.Logger {
	return log
}
