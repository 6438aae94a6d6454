package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/exam-tutor-go/internal/config"
	"github.com/exam-tutor-go/internal/i18n"
	"github.com/exam-tutor-go/internal/models"
	"github.com/exam-tutor-go/internal/services/conversation"
	"github.com/exam-tutor-go/internal/services/quota"
	"github.com/exam-tutor-go/internal/services/storage"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type fakeAI struct {
	mu    sync.Mutex
	calls []*models.RequestPayload
	resp  models.AIResponse
	err   error
}

func (f *fakeAI) Ask(ctx context.Context, payload *models.RequestPayload) (*models.AIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, payload)
	if f.err != nil {
		return nil, f.err
	}
	resp := f.resp
	return &resp, nil
}

func (f *fakeAI) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeAI) last() *models.RequestPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

type fakeObjects struct{}

func (fakeObjects) SignedURL(ctx context.Context, bucket, path string, ttl time.Duration) (string, error) {
	if path == "broken.pdf" {
		return "", errors.New("sign failed")
	}
	return fmt.Sprintf("https://signed/%s/%s?ttl=%s", bucket, path, ttl), nil
}

func (fakeObjects) Download(ctx context.Context, bucket, path string) ([]byte, error) {
	if path == "missing.png" {
		return nil, errors.New("not found")
	}
	return []byte("data of " + path), nil
}

type harness struct {
	cfg           *config.Config
	store         *storage.Manager
	ai            *fakeAI
	sessions      *SessionManager
	messages      *MessageHandler
	conversations *conversation.Store
	localizer     *i18n.Localizer
	logger        *logrus.Logger
}

func testConfig() *config.Config {
	return &config.Config{
		AI: config.AIConfig{Provider: "gemini"},
		ObjectStorage: config.ObjectStorageConfig{
			QuestionBucket: "questions",
			PaperBucket:    "papers",
			SignedURLTTL:   time.Hour,
		},
		Quota: config.QuotaConfig{
			TierCacheTTL:    time.Minute,
			MaxWriteRetries: 3,
			Tiers: map[string]config.TierLimits{
				"free":    {TokenLimit: 50000, PapersLimit: 2},
				"student": {TokenLimit: 1000000, PackageScoped: true},
				"pro":     {},
			},
		},
		Session: config.SessionConfig{
			IdleTimeout:     time.Minute,
			Timezone:        "UTC",
			PersistRetries:  0,
			PersistBackoff:  time.Millisecond,
			MaxMessageBytes: 2000,
		},
		RateLimit: config.RateLimitConfig{Enabled: false},
		I18n:      config.I18nConfig{DefaultLanguage: "en", Languages: []string{"en"}},
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	log := logrus.New()
	log.SetOutput(io.Discard)

	cfg := testConfig()
	store := storage.NewManagerWithStore(storage.NewMemoryStorage(), log)
	quota.RegisterProcedures(store)

	for _, rec := range []storage.Record{
		{"id": "p1", "grade_id": "g10", "subject_id": "math", "exam_paper_path": "p1.pdf", "marking_scheme_path": "p1-ms.pdf"},
		{"id": "p2", "grade_id": "g10", "subject_id": "math", "exam_paper_path": "p2.pdf"},
		{"id": "p3", "grade_id": "g10", "subject_id": "math", "exam_paper_path": "p3.pdf"},
		{"id": "p4", "grade_id": "g10", "subject_id": "math", "exam_paper_path": "broken.pdf"},
	} {
		_, err := store.Insert(ctx, storage.TablePapers, rec)
		require.NoError(t, err)
	}
	for _, rec := range []storage.Record{
		{"exam_paper_id": "p1", "question_number": "1", "image_paths": []string{"q1.png"}, "question_text": "Expand (x+1)^2"},
		{"exam_paper_id": "p1", "question_number": "2", "image_paths": []string{"q2.png"}, "marking_scheme_text": "B1"},
		{"exam_paper_id": "p1", "question_number": "5", "image_paths": []string{"missing.png"}},
		{"exam_paper_id": "p2", "question_number": "1", "image_paths": []string{"p2q1.png"}},
	} {
		_, err := store.Insert(ctx, storage.TableQuestions, rec)
		require.NoError(t, err)
	}

	localizer, err := i18n.NewLocalizer(&cfg.I18n)
	require.NoError(t, err)

	conversations := conversation.NewStore(store, &cfg.Session, nil, log)
	sessions, err := NewSessionManager(SessionDeps{
		Config:        cfg,
		Store:         store,
		Objects:       fakeObjects{},
		Conversations: conversations,
		Tiers:         quota.NewCatalog(store, &cfg.Quota, log),
		Localizer:     localizer,
		Logger:        log,
	})
	require.NoError(t, err)

	ai := &fakeAI{resp: models.AIResponse{Answer: "Let's work through it."}}
	return &harness{
		cfg:           cfg,
		store:         store,
		ai:            ai,
		sessions:      sessions,
		messages:      NewMessageHandler(cfg, ai, conversations, nil, localizer, log),
		conversations: conversations,
		localizer:     localizer,
		logger:        log,
	}
}

func (h *harness) open(t *testing.T, userID, paperID string) *Session {
	t.Helper()
	sess, err := h.sessions.Open(context.Background(), userID, paperID, "")
	require.NoError(t, err)
	return sess
}

func (h *harness) send(t *testing.T, sess *Session, text string) *Reply {
	t.Helper()
	reply, err := h.messages.HandleMessage(context.Background(), sess, text)
	require.NoError(t, err)
	return reply
}

// seedMessages writes persisted messages for a user and paper directly into the store
func (h *harness) seedMessages(t *testing.T, userID, paperID string, at time.Time, msgs ...models.ConversationMessage) {
	t.Helper()
	ctx := context.Background()
	conv, err := h.store.Insert(ctx, storage.TableConversations, storage.Record{
		"user_id":  userID,
		"paper_id": paperID,
	})
	require.NoError(t, err)

	for i, msg := range msgs {
		rec := storage.Record{
			"conversation_id": conv.ID(),
			"seq":             i + 1,
			"role":            msg.Role,
			"content":         msg.Content,
			"created_at":      at.UTC().Format(time.RFC3339Nano),
		}
		if msg.QuestionRef != "" {
			rec["question_ref"] = string(msg.QuestionRef)
		}
		_, err := h.store.Insert(ctx, storage.TableMessages, rec)
		require.NoError(t, err)
	}
}

func (h *harness) persisted(t *testing.T, userID, paperID string) []models.ConversationMessage {
	t.Helper()
	conv, err := h.conversations.Load(context.Background(), userID, paperID)
	require.NoError(t, err)
	return conv.Messages
}
