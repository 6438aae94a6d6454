package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/exam-tutor-go/internal/config"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Service is stamped on every entry so tutor lines can be told apart in shared sinks
const Service = "exam-tutor"

// FieldErrorKind tags an entry with the pipeline failure it reports
const FieldErrorKind = "error_kind"

// NewLogger creates the tutor logger from config
func NewLogger(cfg *config.LoggingConfig) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	out, err := openOutput(cfg)
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(out)
	logger.SetFormatter(formatter(cfg.Format))
	logger.AddHook(serviceHook{})
	return logger, nil
}

func formatter(format string) logrus.Formatter {
	if format == "json" {
		return &logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		}
	}
	return &logrus.TextFormatter{
		TimestampFormat: "2006-01-02 15:04:05",
		FullTimestamp:   true,
	}
}

func openOutput(cfg *config.LoggingConfig) (io.Writer, error) {
	if cfg.Output != "file" {
		return os.Stdout, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.File.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	return &lumberjack.Logger{
		Filename:   cfg.File.Path,
		MaxSize:    cfg.File.MaxSize, // megabytes
		MaxBackups: cfg.File.MaxBackups,
		MaxAge:     cfg.File.MaxAge, // days
		Compress:   true,
	}, nil
}

type serviceHook struct{}

func (serviceHook) Levels() []logrus.Level { return logrus.AllLevels }

func (serviceHook) Fire(entry *logrus.Entry) error {
	if _, ok := entry.Data["service"]; !ok {
		entry.Data["service"] = Service
	}
	return nil
}

// ErrorKindRecorder counts failures by kind
type ErrorKindRecorder interface {
	RecordErrorKind(kind string)
}

// ErrorKindHook forwards the error_kind field of warnings and errors to a recorder
type ErrorKindHook struct {
	recorder ErrorKindRecorder
}

// NewErrorKindHook creates a hook feeding recorder
func NewErrorKindHook(recorder ErrorKindRecorder) *ErrorKindHook {
	return &ErrorKindHook{recorder: recorder}
}

func (h *ErrorKindHook) Levels() []logrus.Level {
	return []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel, logrus.WarnLevel}
}

func (h *ErrorKindHook) Fire(entry *logrus.Entry) error {
	if kind, ok := entry.Data[FieldErrorKind]; ok {
		h.recorder.RecordErrorKind(fmt.Sprint(kind))
	}
	return nil
}

// WithSession adds the fields every chat log line carries
func WithSession(logger *logrus.Logger, sessionID, userID, paperID string) *logrus.Entry {
	return logger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"user_id":    userID,
		"paper_id":   paperID,
	})
}
