package objectstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/exam-tutor-go/internal/config"
	"github.com/sirupsen/logrus"
)

// Storage issues signed URLs and downloads objects from buckets
type Storage interface {
	SignedURL(ctx context.Context, bucket, path string, ttl time.Duration) (string, error)
	Download(ctx context.Context, bucket, path string) ([]byte, error)
}

// HTTPStorage talks to a bucket REST API
type HTTPStorage struct {
	baseURL    string
	serviceKey string
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewHTTPStorage creates a client for the configured object storage
func NewHTTPStorage(cfg *config.ObjectStorageConfig, logger *logrus.Logger) *HTTPStorage {
	return &HTTPStorage{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		serviceKey: cfg.ServiceKey,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		logger: logger,
	}
}

func objectPath(bucket, path string) string {
	segments := strings.Split(strings.TrimPrefix(path, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return url.PathEscape(bucket) + "/" + strings.Join(segments, "/")
}

func (s *HTTPStorage) newRequest(ctx context.Context, method, target string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if s.serviceKey != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", s.serviceKey))
	}
	return req, nil
}

// SignedURL returns a time-limited URL for an object
func (s *HTTPStorage) SignedURL(ctx context.Context, bucket, path string, ttl time.Duration) (string, error) {
	body, err := json.Marshal(map[string]int64{"expiresIn": int64(ttl.Seconds())})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := s.newRequest(ctx, http.MethodPost,
		fmt.Sprintf("%s/object/sign/%s", s.baseURL, objectPath(bucket, path)), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("sign %s/%s failed with status %d: %s", bucket, path, resp.StatusCode, string(data))
	}

	var result struct {
		SignedURL string `json:"signedURL"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if result.SignedURL == "" {
		return "", fmt.Errorf("empty signed url for %s/%s", bucket, path)
	}
	if strings.HasPrefix(result.SignedURL, "http://") || strings.HasPrefix(result.SignedURL, "https://") {
		return result.SignedURL, nil
	}
	return s.baseURL + "/" + strings.TrimPrefix(result.SignedURL, "/"), nil
}

// Download fetches the raw bytes of an object
func (s *HTTPStorage) Download(ctx context.Context, bucket, path string) ([]byte, error) {
	req, err := s.newRequest(ctx, http.MethodGet,
		fmt.Sprintf("%s/object/%s", s.baseURL, objectPath(bucket, path)), nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		s.logger.WithFields(logrus.Fields{
			"bucket": bucket,
			"path":   path,
			"status": resp.StatusCode,
		}).Warn("Object download failed")
		return nil, fmt.Errorf("download %s/%s failed with status %d", bucket, path, resp.StatusCode)
	}
	return data, nil
}
