package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/exam-tutor-go/internal/config"
	"github.com/exam-tutor-go/internal/models"
	"github.com/exam-tutor-go/internal/services/storage"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// FailureRecorder counts persistence writes that gave up
type FailureRecorder interface {
	RecordPersistenceFailure()
}

// Store persists conversations and their messages
type Store struct {
	data     storage.DataStore
	retries  int
	backoff  time.Duration
	recorder FailureRecorder
	logger   *logrus.Logger
	now      func() time.Time
}

// NewStore creates a conversation store. recorder may be nil.
func NewStore(data storage.DataStore, cfg *config.SessionConfig, recorder FailureRecorder, logger *logrus.Logger) *Store {
	retries := cfg.PersistRetries
	if retries < 0 {
		retries = 0
	}
	backoff := cfg.PersistBackoff
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	return &Store{
		data:     data,
		retries:  retries,
		backoff:  backoff,
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
	}
}

// Load returns the conversation for a user and paper. A missing conversation
// yields an empty state without an id; it is created on the first write.
func (s *Store) Load(ctx context.Context, userID, paperID string) (*models.ConversationState, error) {
	state := &models.ConversationState{UserID: userID, PaperID: paperID}

	conv, err := s.data.QueryOne(ctx, storage.TableConversations, storage.Filters{
		"user_id":  userID,
		"paper_id": paperID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	if conv == nil {
		return state, nil
	}
	state.ConversationID = conv.ID()

	recs, err := s.data.QueryMany(ctx, storage.TableMessages, storage.Filters{
		"conversation_id": state.ConversationID,
	}, &storage.Order{Field: "seq"})
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}

	state.Messages = make([]models.ConversationMessage, 0, len(recs))
	for _, rec := range recs {
		state.Messages = append(state.Messages, messageFromRecord(rec))
	}
	state.PersistedCount = len(state.Messages)
	return state, nil
}

func messageFromRecord(rec storage.Record) models.ConversationMessage {
	msg := models.ConversationMessage{
		Role:        rec.String("role"),
		Content:     rec.String("content"),
		QuestionRef: models.QuestionRef(rec.String("question_ref")),
	}
	msg.Seq, _ = rec.Int("seq")
	if ts, err := time.Parse(time.RFC3339Nano, rec.String("created_at")); err == nil {
		msg.CreatedAt = ts
	}
	return msg
}

// EnsureConversation creates the conversation record if conv has none yet
func (s *Store) EnsureConversation(ctx context.Context, conv *models.ConversationState) (string, error) {
	if conv.ConversationID != "" {
		return conv.ConversationID, nil
	}

	rec, err := s.data.Insert(ctx, storage.TableConversations, storage.Record{
		"id":         uuid.NewString(),
		"user_id":    conv.UserID,
		"paper_id":   conv.PaperID,
		"created_at": s.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create conversation: %w", err)
	}

	conv.ConversationID = rec.ID()
	s.logger.WithFields(logrus.Fields{
		"conversation_id": conv.ConversationID,
		"user_id":         conv.UserID,
		"paper_id":        conv.PaperID,
	}).Info("Conversation created")
	return conv.ConversationID, nil
}

// AppendMessage adds a message to the transcript and persists it
func (s *Store) AppendMessage(ctx context.Context, conv *models.ConversationState, role, content string, ref models.QuestionRef) (models.ConversationMessage, error) {
	msg := conv.Append(role, content, ref, s.now())
	return msg, s.Persist(ctx, conv, msg)
}

// Persist writes an already appended message, retrying with exponential backoff.
// It stops early when ctx is cancelled.
func (s *Store) Persist(ctx context.Context, conv *models.ConversationState, msg models.ConversationMessage) error {
	var lastErr error
	for attempt := 0; attempt <= s.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return s.fail(msg, ctx.Err())
			case <-time.After(s.backoff << (attempt - 1)):
			}
		}

		lastErr = s.write(ctx, conv, msg)
		if lastErr == nil || errors.Is(lastErr, storage.ErrDuplicate) {
			// A duplicate means an earlier attempt landed
			conv.PersistedCount++
			return nil
		}
		s.logger.WithError(lastErr).WithFields(logrus.Fields{
			"conversation_id": conv.ConversationID,
			"seq":             msg.Seq,
			"attempt":         attempt + 1,
		}).Warn("Failed to persist message")
	}

	return s.fail(msg, lastErr)
}

func (s *Store) fail(msg models.ConversationMessage, err error) error {
	if s.recorder != nil {
		s.recorder.RecordPersistenceFailure()
	}
	return fmt.Errorf("failed to persist message %d: %w", msg.Seq, err)
}

func (s *Store) write(ctx context.Context, conv *models.ConversationState, msg models.ConversationMessage) error {
	convID, err := s.EnsureConversation(ctx, conv)
	if err != nil {
		return err
	}

	record := storage.Record{
		"id":              fmt.Sprintf("%s:%d", convID, msg.Seq),
		"conversation_id": convID,
		"seq":             msg.Seq,
		"role":            msg.Role,
		"content":         msg.Content,
		"created_at":      msg.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if msg.QuestionRef != "" {
		record["question_ref"] = string(msg.QuestionRef)
	}

	_, err = s.data.Insert(ctx, storage.TableMessages, record)
	return err
}
