package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New creates the process logger.
// level: "debug", "info", "warn", "error"; anything else falls back to info.
// format: "console" for development output, anything else is json
func New(level string, format string) *zap.Logger {
	logger, err := Config(level, format).Build()
	if err != nil {
		// if logger fails, fallback to basic stderr and exit
		os.Stderr.WriteString("FAILED TO INIT LOGGER: " + err.Error() + "\n") //nolint:errcheck
		os.Exit(1)
	}

	return logger.Named("ironcache")
}

// Config builds the zap configuration New uses, writing to stdout
func Config(level string, format string) zap.Config {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	encoding := "json"
	encodeLevel := zapcore.LowercaseLevelEncoder
	if format == "console" {
		encoding = "console"
		encodeLevel = zapcore.CapitalLevelEncoder
	}

	return zap.Config{
		Level:       zap.NewAtomicLevelAt(lvl),
		Development: encoding == "console",
		Encoding:    encoding,
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    encodeLevel,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
}
