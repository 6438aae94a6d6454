package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/exam-tutor-go/internal/config"
	"github.com/exam-tutor-go/internal/i18n"
	"github.com/exam-tutor-go/internal/middleware"
	"github.com/exam-tutor-go/internal/models"
	"github.com/exam-tutor-go/internal/services/cache"
	"github.com/exam-tutor-go/internal/services/conversation"
	"github.com/exam-tutor-go/internal/services/objectstore"
	"github.com/exam-tutor-go/internal/services/quota"
	"github.com/exam-tutor-go/internal/services/storage"
	"github.com/exam-tutor-go/pkg/logger"
	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

// SessionDeps are the shared services a session is built from
type SessionDeps struct {
	Config        *config.Config
	Store         storage.DataStore
	Objects       objectstore.Storage
	Conversations *conversation.Store
	Tiers         *quota.Catalog
	Localizer     *i18n.Localizer
	Metrics       *middleware.Metrics
	Logger        *logrus.Logger
}

// SessionManager keeps open sessions and closes them after an idle timeout
type SessionManager struct {
	deps     SessionDeps
	sessions *gocache.Cache
	location *time.Location
	now      func() time.Time
}

// NewSessionManager creates a session manager
func NewSessionManager(deps SessionDeps) (*SessionManager, error) {
	loc, err := time.LoadLocation(deps.Config.Session.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid session timezone: %w", err)
	}

	idle := deps.Config.Session.IdleTimeout
	if idle <= 0 {
		idle = 30 * time.Minute
	}

	m := &SessionManager{
		deps:     deps,
		sessions: gocache.New(idle, time.Minute),
		location: loc,
		now:      time.Now,
	}
	m.sessions.OnEvicted(func(id string, val interface{}) {
		val.(*Session).Close()
		m.reportActive()
	})
	return m, nil
}

// Open starts a viewing session for a user and paper
func (m *SessionManager) Open(ctx context.Context, userID, paperID, lang string) (*Session, error) {
	paper, err := m.deps.Store.QueryOne(ctx, storage.TablePapers, storage.Filters{"id": paperID})
	if err != nil {
		return nil, fmt.Errorf("failed to load paper: %w", err)
	}
	if paper == nil {
		return nil, fmt.Errorf("%w: %s", ErrPaperNotFound, paperID)
	}

	conv, err := m.deps.Conversations.Load(ctx, userID, paperID)
	if err != nil {
		return nil, err
	}

	var recorder quota.DenialRecorder
	var cacheRecorder cache.Recorder
	if m.deps.Metrics != nil {
		recorder = m.deps.Metrics
		cacheRecorder = m.deps.Metrics
	}

	ledger := quota.NewLedger(userID, m.deps.Store, m.deps.Tiers, &m.deps.Config.Quota, recorder, m.deps.Logger)
	if _, err := ledger.Load(ctx); err != nil {
		return nil, err
	}

	if lang == "" {
		lang = m.deps.Localizer.DefaultLanguage()
	}

	id := uuid.NewString()
	contextCache := cache.NewContextCache(paperID, m.deps.Store, m.deps.Objects, &m.deps.Config.ObjectStorage, cacheRecorder, m.deps.Logger)
	sess := newSession(id, userID, paperID, lang, conv, ledger, contextCache,
		logger.WithSession(m.deps.Logger, id, userID, paperID))

	sess.PaperURL = m.signPaper(ctx, paper, sess.logger)

	m.welcomeBack(ctx, sess)

	m.sessions.SetDefault(id, sess)
	m.reportActive()

	sess.logger.WithFields(logrus.Fields{
		"conversation_id": conv.ConversationID,
		"messages":        len(conv.Messages),
		"last_question":   sess.LastQuestion(),
	}).Info("Session opened")
	return sess, nil
}

// signPaper returns a viewer URL for the exam PDF, empty when signing fails
func (m *SessionManager) signPaper(ctx context.Context, paper storage.Record, log *logrus.Entry) string {
	path := paper.String("exam_paper_path")
	if path == "" {
		return ""
	}
	cfg := m.deps.Config.ObjectStorage
	url, err := m.deps.Objects.SignedURL(ctx, cfg.PaperBucket, path, cfg.SignedURLTTL)
	if err != nil {
		log.WithError(err).WithField("path", path).Warn("Failed to sign exam paper URL")
		return ""
	}
	return url
}

// welcomeBack greets a returning user whose last message was on an earlier day
func (m *SessionManager) welcomeBack(ctx context.Context, sess *Session) {
	last, ok := sess.conv.LastActivity()
	if !ok || !m.earlierDay(last) {
		return
	}

	text := m.deps.Localizer.Get(sess.Language, i18n.MsgWelcomeBack, nil)
	if ref := sess.LastQuestion(); ref != "" {
		text = m.deps.Localizer.Get(sess.Language, i18n.MsgWelcomeBackQuestion, map[string]interface{}{
			"LastQuestion": string(ref),
		})
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if _, err := m.deps.Conversations.AppendMessage(ctx, sess.conv, models.RoleAssistant, text, ""); err != nil {
		sess.logger.WithError(err).Warn("Failed to persist welcome back message")
	}
}

func (m *SessionManager) earlierDay(t time.Time) bool {
	ly, lm, ld := t.In(m.location).Date()
	ny, nm, nd := m.now().In(m.location).Date()
	lastDay := time.Date(ly, lm, ld, 0, 0, 0, 0, m.location)
	today := time.Date(ny, nm, nd, 0, 0, 0, 0, m.location)
	return lastDay.Before(today)
}

// Get returns an open session and extends its idle timeout
func (m *SessionManager) Get(id string) (*Session, error) {
	val, found := m.sessions.Get(id)
	if !found {
		return nil, ErrSessionNotFound
	}
	sess := val.(*Session)
	m.sessions.SetDefault(id, sess)
	return sess, nil
}

// Close closes and forgets a session
func (m *SessionManager) Close(id string) error {
	if _, found := m.sessions.Get(id); !found {
		return ErrSessionNotFound
	}
	// Delete triggers OnEvicted which closes the session
	m.sessions.Delete(id)
	return nil
}

// CloseAll closes every open session
func (m *SessionManager) CloseAll() {
	for id := range m.sessions.Items() {
		m.sessions.Delete(id)
	}
}

// Count returns the number of open sessions
func (m *SessionManager) Count() int {
	return m.sessions.ItemCount()
}

func (m *SessionManager) reportActive() {
	if m.deps.Metrics != nil {
		m.deps.Metrics.SetActiveSessions(m.sessions.ItemCount())
	}
}
