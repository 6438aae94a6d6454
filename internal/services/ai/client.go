package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/exam-tutor-go/internal/config"
	"github.com/exam-tutor-go/internal/models"
	"github.com/sirupsen/logrus"
)

// ErrEmptyAnswer is returned when the tutor function replies without an answer
var ErrEmptyAnswer = errors.New("no answer from tutor")

// Service invokes the remote tutor function
type Service interface {
	Ask(ctx context.Context, payload *models.RequestPayload) (*models.AIResponse, error)
}

// clientError marks responses that must not be retried
type clientError struct {
	status int
	body   string
}

func (e *clientError) Error() string {
	return fmt.Sprintf("tutor request failed with client error %d: %s", e.status, e.body)
}

// Client posts request payloads to the tutor endpoint
type Client struct {
	endpoint   string
	apiKey     string
	timeout    time.Duration
	maxRetries int
	backoff    time.Duration
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewClient creates a new tutor client
func NewClient(cfg *config.AIConfig, logger *logrus.Logger) *Client {
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}

	logger.WithFields(logrus.Fields{
		"endpoint": cfg.Endpoint,
		"provider": cfg.Provider,
		"timeout":  timeout,
	}).Info("Tutor client initialized")

	return &Client{
		endpoint:   cfg.Endpoint,
		apiKey:     cfg.APIKey,
		timeout:    timeout,
		maxRetries: maxRetries,
		backoff:    2 * time.Second,
		httpClient: &http.Client{},
		logger:     logger,
	}
}

// Ask sends the payload with retry logic. The whole call, retries included,
// is bounded by the configured timeout.
func (c *Client) Ask(ctx context.Context, payload *models.RequestPayload) (*models.AIResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxRetries+1; attempt++ {
		resp, err := c.send(ctx, body, attempt)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		var ce *clientError
		if errors.As(err, &ce) || errors.Is(err, ErrEmptyAnswer) {
			return nil, err
		}

		c.logger.WithFields(logrus.Fields{
			"attempt": attempt,
			"error":   err.Error(),
			"paperID": payload.PaperID,
		}).Warn("Tutor request failed, retrying...")

		if attempt <= c.maxRetries {
			// Exponential backoff: 2s, 4s, 8s
			waitTime := c.backoff << uint(attempt-1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(waitTime):
			}
		}
	}

	return nil, fmt.Errorf("all retry attempts failed: %w", lastErr)
}

func (c *Client) send(ctx context.Context, body []byte, attempt int) (*models.AIResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))
	}

	c.logger.WithFields(logrus.Fields{
		"endpoint": c.endpoint,
		"attempt":  attempt,
		"bytes":    len(body),
	}).Debug("Sending tutor request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.WithFields(logrus.Fields{
			"status":  resp.StatusCode,
			"body":    string(data),
			"attempt": attempt,
		}).Error("Tutor request failed")

		// Don't retry for client errors (4xx)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, &clientError{status: resp.StatusCode, body: string(data)}
		}
		return nil, fmt.Errorf("tutor request failed with status %d: %s", resp.StatusCode, string(data))
	}

	var result struct {
		models.AIResponse
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if result.Error != "" {
		return nil, fmt.Errorf("tutor error: %s", result.Error)
	}
	if result.Answer == "" {
		return nil, ErrEmptyAnswer
	}

	return &result.AIResponse, nil
}
