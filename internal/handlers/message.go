package handlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/exam-tutor-go/internal/config"
	"github.com/exam-tutor-go/internal/i18n"
	"github.com/exam-tutor-go/internal/middleware"
	"github.com/exam-tutor-go/internal/models"
	"github.com/exam-tutor-go/internal/services/ai"
	"github.com/exam-tutor-go/internal/services/composer"
	"github.com/exam-tutor-go/internal/services/continuity"
	"github.com/exam-tutor-go/internal/services/conversation"
	"github.com/exam-tutor-go/internal/services/extractor"
	"github.com/exam-tutor-go/pkg/logger"
	"github.com/exam-tutor-go/pkg/markdown"
	"github.com/sirupsen/logrus"
)

// ErrInvalidMessage wraps input validation failures
var ErrInvalidMessage = errors.New("invalid message")

// Reply kinds
const (
	ReplyAnswer   = "answer"
	ReplyNotFound = "question_not_found"
	ReplyUpsell   = "upsell"
	ReplyClarify  = "clarify"
	ReplyError    = "error"
)

// Reply is the assistant's response to one chat message
type Reply struct {
	Role          string              `json:"role"`
	Kind          string              `json:"kind"`
	Content       string              `json:"content"`
	HTML          string              `json:"answerHtml,omitempty"`
	QuestionRef   models.QuestionRef  `json:"questionRef,omitempty"`
	OptimizedMode bool                `json:"optimizedMode,omitempty"`
	Reason        models.DenialReason `json:"reason,omitempty"`
	ErrorKind     models.ErrorKind    `json:"errorKind,omitempty"`
	Remaining     models.Remaining    `json:"remaining"`
	Locked        bool                `json:"locked"`
}

// MessageHandler runs the chat pipeline for one message
type MessageHandler struct {
	config        *config.Config
	aiService     ai.Service
	conversations *conversation.Store
	security      *middleware.SecurityMiddleware
	metrics       *middleware.Metrics
	localizer     *i18n.Localizer
	logger        *logrus.Logger
}

// NewMessageHandler creates a new message handler. metrics may be nil.
func NewMessageHandler(
	cfg *config.Config,
	aiService ai.Service,
	conversations *conversation.Store,
	metrics *middleware.Metrics,
	localizer *i18n.Localizer,
	logger *logrus.Logger,
) *MessageHandler {
	return &MessageHandler{
		config:        cfg,
		aiService:     aiService,
		conversations: conversations,
		security:      middleware.NewSecurityMiddleware(cfg.Session.MaxMessageBytes, logger),
		metrics:       metrics,
		localizer:     localizer,
		logger:        logger,
	}
}

// HandleMessage processes a user message. Pipeline failures become assistant
// replies; only ErrBusy, ErrSessionClosed and ErrInvalidMessage are returned.
func (h *MessageHandler) HandleMessage(ctx context.Context, sess *Session, text string) (*Reply, error) {
	if sess.Closed() {
		return nil, ErrSessionClosed
	}
	if err := h.security.ValidateInput(text); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if !sess.tryAcquire() {
		return nil, ErrBusy
	}
	defer sess.release()

	ctx, cancel := sess.messageContext(ctx)
	defer cancel()

	reply := h.process(ctx, sess, text)
	reply.Role = models.RoleAssistant
	reply.Remaining = sess.ledger.Remaining()
	reply.Locked = sess.ledger.Locked()

	h.recordOutcome(reply)
	return reply, nil
}

func (h *MessageHandler) process(ctx context.Context, sess *Session, text string) *Reply {
	log := sess.logger

	decision, err := sess.ledger.CheckAccess(ctx, sess.PaperID)
	if err != nil {
		log.WithError(err).Error("Quota check failed")
		return h.errorReply(sess, models.KindNone)
	}
	if !decision.Allowed {
		return h.upsell(sess, decision.Reason)
	}

	sess.mu.Lock()
	isFirst := sess.conv.PersistedCount == 0 && len(sess.conv.Messages) == 0
	sess.mu.Unlock()

	extracted, _ := extractor.Extract(text)
	cls := sess.tracker.Classify(text, extracted, isFirst)
	log.WithFields(logrus.Fields{
		"extracted": extracted,
		"kind":      cls.Kind,
		"question":  cls.Ref,
	}).Debug("Message classified")

	if !cls.Resolvable() {
		prompt := h.localizer.Get(sess.Language, cls.Prompt, nil)
		// Clarifications stay in the session transcript only
		sess.mu.Lock()
		now := time.Now()
		sess.conv.Append(models.RoleUser, text, "", now)
		sess.conv.Append(models.RoleAssistant, prompt, "", now)
		sess.mu.Unlock()
		return &Reply{Kind: ReplyClarify, Content: prompt}
	}

	payloadIn := composer.Input{
		Ref:         cls.Ref,
		UserMessage: text,
		Provider:    h.config.AI.Provider,
		PaperID:     sess.PaperID,
		UserID:      sess.UserID,
		LastRef:     sess.tracker.Last(),
	}

	bundle, err := sess.cache.FetchAndCache(ctx, cls.Ref)
	if err != nil {
		log.WithError(err).WithFields(logrus.Fields{
			"question":            cls.Ref,
			logger.FieldErrorKind: models.KindContextFetchFailure,
		}).Warn("Falling back to full document")

		doc, docErr := sess.cache.FullDocument(ctx)
		if docErr != nil {
			log.WithError(docErr).Error("Full document unavailable")
			return h.errorReply(sess, models.KindContextFetchFailure)
		}
		payloadIn.FullDocument = doc
	} else {
		payloadIn.Bundle = bundle
	}

	// The conversation record is created by the first persisted turn
	sess.mu.Lock()
	payloadIn.ConversationID = sess.conv.ConversationID
	sess.mu.Unlock()

	payload, err := composer.Compose(payloadIn)
	if err != nil {
		log.WithError(err).Error("Failed to compose tutor request")
		return h.errorReply(sess, models.KindContextFetchFailure)
	}

	resp, err := h.ask(ctx, payload)
	if err != nil {
		log.WithError(err).WithField(logger.FieldErrorKind, models.KindAIInvocationFailure).Error("Tutor request failed")
		// Keep the user's message visible without persisting it or moving lastRef
		sess.mu.Lock()
		sess.conv.Append(models.RoleUser, text, cls.Ref, time.Now())
		sess.mu.Unlock()
		return h.errorReply(sess, models.KindAIInvocationFailure)
	}

	if resp.IsFollowUp != (cls.Kind == continuity.KindFollowUp) {
		log.WithFields(logrus.Fields{
			"kind":             cls.Kind,
			"server_follow_up": resp.IsFollowUp,
		}).Info("Tutor follow-up hint disagrees with local classification")
	}

	answer := h.security.SanitizeOutput(resp.Answer)
	h.persistTurn(ctx, sess, text, answer, cls.Ref)

	if resp.TokensUsed > 0 {
		if err := sess.ledger.AddTokens(ctx, resp.TokensUsed); err != nil {
			log.WithError(err).Warn("Failed to record token usage")
		}
	}
	if err := sess.ledger.Refresh(ctx); err != nil {
		log.WithError(err).Warn("Failed to refresh quota")
	}

	reply := &Reply{
		Kind:          ReplyAnswer,
		Content:       answer,
		HTML:          markdown.ToHTML(answer),
		QuestionRef:   cls.Ref,
		OptimizedMode: payload.OptimizedMode,
	}
	if resp.QuestionNotFound {
		reply.Kind = ReplyNotFound
		if answer == "" {
			reply.Content = h.localizer.Get(sess.Language, i18n.MsgQuestionNotFound, nil)
			reply.HTML = ""
		}
		return reply
	}

	sess.tracker.Resolve(cls.Ref)
	return reply
}

func (h *MessageHandler) ask(ctx context.Context, payload *models.RequestPayload) (*models.AIResponse, error) {
	mode := "fallback"
	if payload.OptimizedMode {
		mode = "optimized"
	}

	start := time.Now()
	resp, err := h.aiService.Ask(ctx, payload)
	if h.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		h.metrics.RecordAIRequest(mode, status, time.Since(start))
	}
	return resp, err
}

// persistTurn writes the user message then the assistant message. Failures are logged only.
func (h *MessageHandler) persistTurn(ctx context.Context, sess *Session, question, answer string, ref models.QuestionRef) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if _, err := h.conversations.AppendMessage(ctx, sess.conv, models.RoleUser, question, ref); err != nil {
		sess.logger.WithError(err).WithField(logger.FieldErrorKind, models.KindPersistenceFailure).Error("Failed to persist user message")
	}
	if _, err := h.conversations.AppendMessage(ctx, sess.conv, models.RoleAssistant, answer, ref); err != nil {
		sess.logger.WithError(err).WithField(logger.FieldErrorKind, models.KindPersistenceFailure).Error("Failed to persist assistant message")
	}
}

func (h *MessageHandler) upsell(sess *Session, reason models.DenialReason) *Reply {
	var msgID string
	data := map[string]interface{}{}
	switch reason {
	case models.ReasonPackageRestriction:
		msgID = i18n.MsgQuotaPackageRestriction
	case models.ReasonPaperLimit:
		msgID = i18n.MsgQuotaPaperLimit
		if snap := sess.ledger.Snapshot(); snap != nil {
			data["PapersLimit"] = snap.PapersLimit
		}
	default:
		msgID = i18n.MsgQuotaTokenLimit
	}

	return &Reply{
		Kind:      ReplyUpsell,
		Content:   h.localizer.Get(sess.Language, msgID, data),
		Reason:    reason,
		ErrorKind: models.KindQuotaExceeded,
	}
}

func (h *MessageHandler) errorReply(sess *Session, kind models.ErrorKind) *Reply {
	return &Reply{
		Kind:      ReplyError,
		Content:   h.localizer.Get(sess.Language, i18n.MsgError, nil),
		ErrorKind: kind,
	}
}

func (h *MessageHandler) recordOutcome(reply *Reply) {
	if h.metrics != nil {
		h.metrics.RecordMessageProcessed(reply.Kind)
	}
}
