package logger

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/exam-tutor-go/internal/config"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	t.Run("json formatter at debug level", func(t *testing.T) {
		log, err := NewLogger(&config.LoggingConfig{Level: "debug", Format: "json", Output: "stdout"})
		require.NoError(t, err)
		assert.Equal(t, logrus.DebugLevel, log.GetLevel())
		assert.IsType(t, &logrus.JSONFormatter{}, log.Formatter)
	})

	t.Run("file output creates the directory", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nested", "tutor.log")
		log, err := NewLogger(&config.LoggingConfig{
			Level:  "info",
			Output: "file",
			File:   config.FileConfig{Path: path, MaxSize: 1},
		})
		require.NoError(t, err)
		log.Info("hello")

		_, err = os.Stat(filepath.Dir(path))
		assert.NoError(t, err)
	})

	t.Run("bad level is rejected", func(t *testing.T) {
		_, err := NewLogger(&config.LoggingConfig{Level: "loud"})
		assert.Error(t, err)
	})
}

func TestWithSession(t *testing.T) {
	entry := WithSession(logrus.New(), "s1", "u1", "p1")
	assert.Equal(t, "s1", entry.Data["session_id"])
	assert.Equal(t, "u1", entry.Data["user_id"])
	assert.Equal(t, "p1", entry.Data["paper_id"])
}

type kindCounter map[string]int

func (k kindCounter) RecordErrorKind(kind string) { k[kind]++ }

func TestHooks(t *testing.T) {
	log, err := NewLogger(&config.LoggingConfig{Level: "debug", Output: "stdout"})
	require.NoError(t, err)
	log.SetOutput(io.Discard)

	kinds := kindCounter{}
	log.AddHook(NewErrorKindHook(kinds))
	captured := test.NewLocal(log)

	log.WithField(FieldErrorKind, "ai_invocation_failure").Error("Tutor request failed")
	log.WithField(FieldErrorKind, "context_fetch_failure").Warn("Falling back")
	log.WithField(FieldErrorKind, "ignored").Debug("Not counted")
	log.Error("No kind")

	assert.Equal(t, kindCounter{"ai_invocation_failure": 1, "context_fetch_failure": 1}, kinds)
	require.NotEmpty(t, captured.AllEntries())
	for _, entry := range captured.AllEntries() {
		assert.Equal(t, Service, entry.Data["service"])
	}
}
