package obs

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogRotationConfig holds configuration for log rotation.
type LogRotationConfig struct {
	Filename   string // Log file path
	MaxSize    int    // Maximum size in megabytes
	MaxBackups int    // Maximum number of old log files to retain
	MaxAge     int    // Maximum number of days to retain old log files
	Compress   bool   // Compress old log files
}

// DefaultLogRotationConfig returns default log rotation settings.
func DefaultLogRotationConfig(logFile string) *LogRotationConfig {
	return &LogRotationConfig{
		Filename:   logFile,
		MaxSize:    10,
		MaxBackups: 10,
		MaxAge:     30,
		Compress:   true,
	}
}

// NewRotatingWriter creates a lumberjack writer with the given configuration.
func NewRotatingWriter(cfg *LogRotationConfig) io.Writer {
	return &lumberjack.Logger{
		Filename:   cfg.Filename,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}
}

// SetupLogging configures the global logrus logger. Output goes to stderr
// and, when logDir is non-empty, also to a rotating file under it.
func SetupLogging(logDir string, verbose, debug bool) {
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	switch {
	case verbose:
		logrus.SetLevel(logrus.TraceLevel)
	case debug:
		logrus.SetLevel(logrus.DebugLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}

	if logDir == "" {
		return
	}
	if err := os.MkdirAll(logDir, 0700); err != nil {
		logrus.WithError(err).Warn("failed to create log directory, file logging disabled")
		return
	}

	fileWriter := NewRotatingWriter(DefaultLogRotationConfig(filepath.Join(logDir, "kirobox.log")))
	logrus.SetOutput(io.MultiWriter(os.Stderr, fileWriter))
}
