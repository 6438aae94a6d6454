package ai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/exam-tutor-go/internal/config"
	"github.com/exam-tutor-go/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(url string, retries int, timeout time.Duration) *Client {
	log := logrus.New()
	log.SetOutput(io.Discard)
	c := NewClient(&config.AIConfig{
		Endpoint:   url,
		APIKey:     "key",
		Timeout:    timeout,
		MaxRetries: retries,
	}, log)
	c.backoff = time.Millisecond
	return c
}

func TestClientAsk(t *testing.T) {
	payload := &models.RequestPayload{
		OptimizedMode:      true,
		QuestionNumber:     "2",
		ExamPaperImages:    []string{"data:image/png;base64,AAA"},
		MarkingSchemeText:  "award 2 marks",
		QuestionText:       "Solve x",
		PaperID:            "p1",
		UserID:             "u1",
		ConversationID:     "c1",
		LastQuestionNumber: "1",
		Question:           "question 2 please",
	}

	t.Run("sends the payload contract with bearer auth", func(t *testing.T) {
		var body map[string]interface{}
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			_, _ = w.Write([]byte(`{"answer":"x = 2","isFollowUp":true}`))
		}))
		defer srv.Close()

		resp, err := newTestClient(srv.URL, 0, time.Second).Ask(context.Background(), payload)
		require.NoError(t, err)
		assert.Equal(t, "x = 2", resp.Answer)
		assert.True(t, resp.IsFollowUp)

		for _, field := range []string{
			"optimizedMode", "questionNumber", "examPaperImages", "markingSchemeText",
			"questionText", "conversationId", "userId", "lastQuestionNumber",
		} {
			assert.Contains(t, body, field)
		}
	})

	t.Run("retries server errors", func(t *testing.T) {
		var calls int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&calls, 1) == 1 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			_, _ = w.Write([]byte(`{"answer":"ok"}`))
		}))
		defer srv.Close()

		resp, err := newTestClient(srv.URL, 2, time.Second).Ask(context.Background(), payload)
		require.NoError(t, err)
		assert.Equal(t, "ok", resp.Answer)
		assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	})

	t.Run("client errors are not retried", func(t *testing.T) {
		var calls int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer srv.Close()

		_, err := newTestClient(srv.URL, 3, time.Second).Ask(context.Background(), payload)
		require.Error(t, err)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("empty answer is an error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"answer":""}`))
		}))
		defer srv.Close()

		_, err := newTestClient(srv.URL, 2, time.Second).Ask(context.Background(), payload)
		assert.ErrorIs(t, err, ErrEmptyAnswer)
	})

	t.Run("timeout bounds the call", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		}))
		defer srv.Close()

		start := time.Now()
		_, err := newTestClient(srv.URL, 0, 50*time.Millisecond).Ask(context.Background(), payload)
		require.Error(t, err)
		assert.Less(t, time.Since(start), time.Second)
	})
}
