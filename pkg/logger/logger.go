// Package logger builds the zap loggers used across gojodata. Components
// receive a *zap.Logger and derive named children from it, so one call to New
// at startup configures every package.
package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DefaultService is attached as the "service" field when Config.Service is empty.
const DefaultService = "gojodata"

// Config is the logger section of the gojodata configuration file.
type Config struct {
	// Level is the minimum level: debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is "json" (the default) or "console".
	Format string `yaml:"format"`
	// OutputFile is a path, or "stdout" (the default) or "stderr".
	OutputFile string `yaml:"output_file"`
	// Service overrides the value of the "service" field.
	Service string `yaml:"service"`
}

// Validate reports settings New would otherwise quietly replace.
func (c Config) Validate() error {
	switch strings.ToLower(c.Format) {
	case "", "json", "console":
	default:
		return fmt.Errorf("unknown format %q", c.Format)
	}
	if c.Level != "" {
		var level zapcore.Level
		if err := level.UnmarshalText([]byte(c.Level)); err != nil {
			return fmt.Errorf("unknown level %q", c.Level)
		}
	}
	return nil
}

// New builds the process logger. An unknown or empty level means info.
func New(c Config) (*zap.Logger, error) {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if c.Level != "" {
		if err := level.UnmarshalText([]byte(c.Level)); err != nil {
			level.SetLevel(zap.InfoLevel)
		}
	}

	sink, err := openSink(c.OutputFile)
	if err != nil {
		return nil, err
	}

	service := c.Service
	if service == "" {
		service = DefaultService
	}
	core := zapcore.NewCore(encoder(c.Format), sink, level)
	return zap.New(core, zap.AddCaller(), zap.Fields(zap.String("service", service))), nil
}

// Or returns l, or a no-op logger when l is nil.
func Or(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

func encoder(format string) zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.EncodeDuration = zapcore.StringDurationEncoder

	if strings.EqualFold(format, "console") {
		return zapcore.NewConsoleEncoder(cfg)
	}
	return zapcore.NewJSONEncoder(cfg)
}

func openSink(path string) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(path) {
	case "", "stdout":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	return zapcore.AddSync(f), nil
}
