// internal/logging/logger.go
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log levels
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Log formats
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// Component logger names
const (
	ComponentSLO       = "slo"
	ComponentBreaker   = "breaker"
	ComponentHA        = "ha"
	ComponentRecovery  = "recovery"
	ComponentIncident  = "incident"
	ComponentRunbooks  = "runbooks"
	ComponentAPI       = "api"
	ComponentScheduler = "scheduler"
	ComponentAudit     = "audit"
	ComponentStore     = "store"
	ComponentNotify    = "notify"
)

// Context keys
type contextKey string

var (
	ContextKeyRequestID = contextKey("request_id")
	ContextKeyActor     = contextKey("actor")
)

// Config configures the process logger
type Config struct {
	Level  string `yaml:"level" json:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" json:"format" validate:"omitempty,oneof=json console"`
	// Output is a file path, "stdout" or "stderr"
	Output string `yaml:"output" json:"output"`
	// Sampling drops repeated entries under load
	Sampling bool `yaml:"sampling" json:"sampling"`
}

// Validate checks configuration
func (c *Config) Validate() error {
	if _, err := ParseLevel(c.Level); err != nil {
		return err
	}
	switch c.Format {
	case "", FormatJSON, FormatConsole:
		return nil
	default:
		return fmt.Errorf("logging: invalid format: %s", c.Format)
	}
}

// ApplyDefaults fills in default values
func (c *Config) ApplyDefaults() {
	if c.Level == "" {
		c.Level = LevelInfo
	}
	if c.Format == "" {
		c.Format = FormatJSON
	}
	if c.Output == "" {
		c.Output = "stdout"
	}
}

// ParseLevel maps a configured level name to a zap level. Empty is info.
func ParseLevel(level string) (zapcore.Level, error) {
	switch level {
	case LevelDebug:
		return zapcore.DebugLevel, nil
	case "", LevelInfo:
		return zapcore.InfoLevel, nil
	case LevelWarn:
		return zapcore.WarnLevel, nil
	case LevelError:
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("logging: invalid level: %s", level)
	}
}

// New builds the process logger
func New(cfg Config) (*zap.Logger, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var w zapcore.WriteSyncer
	switch cfg.Output {
	case "stdout":
		w = zapcore.Lock(os.Stdout)
	case "stderr":
		w = zapcore.Lock(os.Stderr)
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("logging: open %s: %w", cfg.Output, err)
		}
		w = zapcore.Lock(f)
	}
	return build(cfg, w)
}

// NewWithWriter builds a logger writing to w
func NewWithWriter(cfg Config, w io.Writer) (*zap.Logger, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return build(cfg, zapcore.AddSync(w))
}

func build(cfg Config, w zapcore.WriteSyncer) (*zap.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if cfg.Format == FormatConsole {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, w, zap.NewAtomicLevelAt(level))
	if cfg.Sampling {
		core = zapcore.NewSamplerWithOptions(core, time.Second, 100, 100)
	}
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

// WithRequestID stores a request id on ctx
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, id)
}

// WithActor stores the authenticated actor on ctx
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, ContextKeyActor, actor)
}

// ActorFrom returns the actor stored on ctx
func ActorFrom(ctx context.Context) string {
	v, _ := ctx.Value(ContextKeyActor).(string)
	return v
}

// FromContext adds request scoped fields to logger
func FromContext(ctx context.Context, logger *zap.Logger) *zap.Logger {
	if v, ok := ctx.Value(ContextKeyRequestID).(string); ok && v != "" {
		logger = logger.With(zap.String("request_id", v))
	}
	if v := ActorFrom(ctx); v != "" {
		logger = logger.With(zap.String("actor", v))
	}
	return logger
}
