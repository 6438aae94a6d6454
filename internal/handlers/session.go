package handlers

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/exam-tutor-go/internal/models"
	"github.com/exam-tutor-go/internal/services/cache"
	"github.com/exam-tutor-go/internal/services/continuity"
	"github.com/exam-tutor-go/internal/services/quota"
	"github.com/sirupsen/logrus"
)

var (
	// ErrBusy is returned when a message arrives while the previous one is still in flight
	ErrBusy = errors.New("session is busy")
	// ErrSessionNotFound is returned for unknown or expired session ids
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionClosed is returned when a closed session receives a message
	ErrSessionClosed = errors.New("session closed")
	// ErrPaperNotFound is returned when opening a session on an unknown paper
	ErrPaperNotFound = errors.New("paper not found")
)

// Session is one user viewing one exam paper
type Session struct {
	ID       string
	UserID   string
	PaperID  string
	Language string
	// PaperURL is a signed link to the exam PDF
	PaperURL string

	tracker *continuity.Tracker
	cache   cache.Service
	ledger  *quota.Ledger
	logger  *logrus.Entry

	mu   sync.Mutex
	conv *models.ConversationState

	busy      int32
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newSession(id, userID, paperID, lang string, conv *models.ConversationState, ledger *quota.Ledger, contextCache cache.Service, logger *logrus.Entry) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	tracker := continuity.NewTracker()
	tracker.Seed(conv)

	return &Session{
		ID:       id,
		UserID:   userID,
		PaperID:  paperID,
		Language: lang,
		tracker:  tracker,
		cache:    contextCache,
		ledger:   ledger,
		logger:   logger,
		conv:     conv,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// tryAcquire marks the session busy; it fails if a message is already in flight
func (s *Session) tryAcquire() bool {
	return atomic.CompareAndSwapInt32(&s.busy, 0, 1)
}

func (s *Session) release() {
	atomic.StoreInt32(&s.busy, 0)
}

// Busy reports whether a message is being processed
func (s *Session) Busy() bool {
	return atomic.LoadInt32(&s.busy) == 1
}

// Closed reports whether Close has run
func (s *Session) Closed() bool {
	return s.ctx.Err() != nil
}

// messageContext derives a context that ends with either the request or the session
func (s *Session) messageContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Transcript returns a copy of the conversation messages
func (s *Session) Transcript() []models.ConversationMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ConversationMessage(nil), s.conv.Messages...)
}

// ConversationID returns the conversation id, empty until the first write
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv.ConversationID
}

// LastQuestion returns the question the conversation is currently about
func (s *Session) LastQuestion() models.QuestionRef {
	return s.tracker.Last()
}

// Ledger returns the session's quota ledger
func (s *Session) Ledger() *quota.Ledger {
	return s.ledger
}

// Close cancels in-flight work and drops the cached context
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.cache.Clear()
		s.logger.Info("Session closed")
	})
}
