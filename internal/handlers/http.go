package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/exam-tutor-go/internal/i18n"
	"github.com/exam-tutor-go/internal/middleware"
	"github.com/exam-tutor-go/internal/models"
	"github.com/exam-tutor-go/internal/services/storage"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// API serves the tutor's JSON endpoints
type API struct {
	sessions    *SessionManager
	messages    *MessageHandler
	rateLimiter middleware.RateLimiter
	store       storage.DataStore
	localizer   *i18n.Localizer
	logger      *logrus.Logger
}

// NewAPI creates the HTTP API
func NewAPI(
	sessions *SessionManager,
	messages *MessageHandler,
	rateLimiter middleware.RateLimiter,
	store storage.DataStore,
	localizer *i18n.Localizer,
	logger *logrus.Logger,
) *API {
	return &API{
		sessions:    sessions,
		messages:    messages,
		rateLimiter: rateLimiter,
		store:       store,
		localizer:   localizer,
		logger:      logger,
	}
}

// Router builds the route table
func (a *API) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/sessions", a.handleOpenSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/messages", a.handleMessage).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/quota", a.handleQuota).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", a.handleCloseSession).Methods(http.MethodDelete)
	api.Use(a.logRequests)
	return router
}

type openSessionRequest struct {
	UserID   string `json:"userId"`
	PaperID  string `json:"paperId"`
	Language string `json:"language"`
}

type quotaResponse struct {
	Tier                models.Tier      `json:"tier"`
	TokensUsed          int64            `json:"tokensUsed"`
	TokenLimit          int64            `json:"tokenLimit"`
	PapersAccessedCount int64            `json:"papersAccessedCount"`
	PapersLimit         int64            `json:"papersLimit"`
	AccessedPaperIDs    []string         `json:"accessedPaperIds"`
	Remaining           models.Remaining `json:"remaining"`
	Locked              bool             `json:"locked"`
}

type sessionResponse struct {
	SessionID      string                       `json:"sessionId"`
	ConversationID string                       `json:"conversationId,omitempty"`
	PaperURL       string                       `json:"paperUrl,omitempty"`
	LastQuestion   models.QuestionRef           `json:"lastQuestion,omitempty"`
	Messages       []models.ConversationMessage `json:"messages"`
	Quota          *quotaResponse               `json:"quota"`
}

type messageRequest struct {
	Content string `json:"content"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func (a *API) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var req openSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request body", "")
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	req.PaperID = strings.TrimSpace(req.PaperID)
	if req.UserID == "" || req.PaperID == "" {
		a.writeError(w, http.StatusBadRequest, "userId and paperId are required", "")
		return
	}

	sess, err := a.sessions.Open(r.Context(), req.UserID, req.PaperID, req.Language)
	if errors.Is(err, ErrPaperNotFound) {
		a.writeError(w, http.StatusNotFound, "paper not found", "")
		return
	}
	if err != nil {
		a.logger.WithError(err).WithFields(logrus.Fields{
			"user_id":  req.UserID,
			"paper_id": req.PaperID,
		}).Error("Failed to open session")
		a.writeError(w, http.StatusInternalServerError, "failed to open session", "")
		return
	}

	a.writeJSON(w, http.StatusCreated, sessionResponse{
		SessionID:      sess.ID,
		ConversationID: sess.ConversationID(),
		PaperURL:       sess.PaperURL,
		LastQuestion:   sess.LastQuestion(),
		Messages:       sess.Transcript(),
		Quota:          quotaOf(sess),
	})
}

func (a *API) handleMessage(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.session(w, r)
	if !ok {
		return
	}

	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request body", "")
		return
	}

	if !a.rateLimiter.Allow(sess.UserID) {
		a.writeError(w, http.StatusTooManyRequests, "rate limited",
			a.localizer.Get(sess.Language, i18n.MsgRateLimited, nil))
		return
	}

	reply, err := a.messages.HandleMessage(r.Context(), sess, req.Content)
	switch {
	case errors.Is(err, ErrBusy):
		a.writeError(w, http.StatusConflict, "session busy", a.localizer.Get(sess.Language, i18n.MsgBusy, nil))
	case errors.Is(err, ErrSessionClosed):
		a.writeError(w, http.StatusGone, "session closed", "")
	case errors.Is(err, ErrInvalidMessage):
		a.writeError(w, http.StatusBadRequest, err.Error(), "")
	case err != nil:
		a.logger.WithError(err).Error("Unexpected message handling error")
		a.writeError(w, http.StatusInternalServerError, "internal error", a.localizer.Get(sess.Language, i18n.MsgError, nil))
	default:
		a.writeJSON(w, http.StatusOK, reply)
	}
}

func (a *API) handleQuota(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.session(w, r)
	if !ok {
		return
	}
	if err := sess.Ledger().Refresh(r.Context()); err != nil {
		a.logger.WithError(err).Warn("Failed to refresh quota, serving last snapshot")
	}
	a.writeJSON(w, http.StatusOK, quotaOf(sess))
}

func (a *API) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	if err := a.sessions.Close(mux.Vars(r)["id"]); err != nil {
		a.writeError(w, http.StatusNotFound, "session not found", "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := a.store.Ping(r.Context()); err != nil {
		a.writeError(w, http.StatusServiceUnavailable, "storage unavailable", "")
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"sessions": a.sessions.Count(),
	})
}

func (a *API) session(w http.ResponseWriter, r *http.Request) (*Session, bool) {
	sess, err := a.sessions.Get(mux.Vars(r)["id"])
	if err != nil {
		a.writeError(w, http.StatusNotFound, "session not found", "")
		return nil, false
	}
	return sess, true
}

func quotaOf(sess *Session) *quotaResponse {
	snap := sess.Ledger().Snapshot()
	if snap == nil {
		return nil
	}
	return &quotaResponse{
		Tier:                snap.Tier,
		TokensUsed:          snap.TokensUsed,
		TokenLimit:          snap.TokenLimit,
		PapersAccessedCount: snap.PapersAccessedCount,
		PapersLimit:         snap.PapersLimit,
		AccessedPaperIDs:    snap.AccessedPaperIDs,
		Remaining:           sess.Ledger().Remaining(),
		Locked:              sess.Ledger().Locked(),
	}
}

func (a *API) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.logger.WithError(err).Warn("Failed to write response")
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, errText, message string) {
	a.writeJSON(w, status, errorResponse{Error: errText, Message: message})
}

func (a *API) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		a.logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start),
		}).Debug("Request handled")
	})
}
