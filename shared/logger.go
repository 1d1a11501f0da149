package shared

import (
	"go.uber.org/zap"
)

// LoggerConfig holds the configuration for the logger
type LoggerConfig struct {
	ServiceName string // e.g. "idscp2-server" or "idscp2-client"
	Development bool   // true for development mode
	Level       string // "debug", "info", "warn", "error"; empty means the mode default
}

// Logger wraps zap.Logger with additional protocol context
type Logger struct {
	*zap.Logger
	serviceName string
}

// NewLogger creates a new logger instance based on the configuration
func NewLogger(config LoggerConfig) (*Logger, error) {
	var zapConfig zap.Config

	if config.Development {
		// Development mode: console logging with debug level
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	} else {
		// Production mode: structured JSON logging
		zapConfig = zap.NewProductionConfig()
		zapConfig.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	if config.Level != "" {
		level, err := zap.ParseAtomicLevel(config.Level)
		if err != nil {
			return nil, err
		}
		zapConfig.Level = level
	}

	zapLogger, err := zapConfig.Build()
	if err != nil {
		return nil, err
	}

	if config.ServiceName != "" {
		zapLogger = zapLogger.With(zap.String("service", config.ServiceName))
	}

	return &Logger{
		Logger:      zapLogger,
		serviceName: config.ServiceName,
	}, nil
}

// NewLoggerFromEnv creates a logger using environment variables
func NewLoggerFromEnv(serviceName string) (*Logger, error) {
	config := LoggerConfig{
		ServiceName: serviceName,
		Development: GetEnvOrDefault("DEVELOPMENT", "false") == "true",
		Level:       GetEnvOrDefault("LOG_LEVEL", ""),
	}
	return NewLogger(config)
}

// NewNopLogger returns a logger that discards everything. Used by tests and as
// the fallback when a component is constructed without one.
func NewNopLogger() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// Connection-aware logging methods
func (l *Logger) WithConnection(connectionID string) *zap.Logger {
	if connectionID == "" {
		return l.Logger
	}
	return l.Logger.With(zap.String("connection_id", connectionID))
}

// State-aware logging methods
func (l *Logger) WithState(state string) *zap.Logger {
	if state == "" {
		return l.Logger
	}
	return l.Logger.With(zap.String("fsm_state", state))
}

// Protocol-aware logging methods
func (l *Logger) WithMessageType(msgType string) *zap.Logger {
	if msgType == "" {
		return l.Logger
	}
	return l.Logger.With(zap.String("message_type", msgType))
}

// Driver-aware logging methods
func (l *Logger) WithRatDriver(driverID string) *zap.Logger {
	return l.Logger.With(zap.String("rat_driver", driverID))
}

// Security event logging - for attestation and DAT verdicts
func (l *Logger) Security(msg string, fields ...zap.Field) {
	l.Logger.Warn(msg, append(fields, zap.Bool("security_event", true))...)
}

// ConnectionClosed logs the terminal event of a connection
func (l *Logger) ConnectionClosed(connectionID string, reason string, fields ...zap.Field) {
	baseFields := []zap.Field{
		zap.String("connection_id", connectionID),
		zap.String("close_reason", reason),
	}
	l.Logger.Info("Connection closed", append(baseFields, fields...)...)
}

// Sync flushes any buffered log entries
func (l *Logger) Sync() error {
	return l.Logger.Sync()
}

// Global logger instance shared by components that are not handed one explicitly
var DefaultLogger *Logger

// InitializeGlobalLogger initializes the global logger instance.
// This is called during application startup.
func InitializeGlobalLogger(serviceName string) error {
	var err error
	DefaultLogger, err = NewLoggerFromEnv(serviceName)
	return err
}

// GetLogger returns the default logger, creating a basic one if not initialized
func GetLogger() *Logger {
	if DefaultLogger == nil {
		logger, _ := NewLoggerFromEnv("idscp2")
		return logger
	}
	return DefaultLogger
}
