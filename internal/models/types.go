package models

import (
	"time"
)

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// QuestionRef is a normalized question identifier such as "2" or "12"
type QuestionRef string

// ContextBundle is the per-question payload sent in optimized mode
type ContextBundle struct {
	Images            []string
	MarkingSchemeText string
	QuestionText      string
}

// FullDocument holds the whole exam and marking scheme for fallback requests
type FullDocument struct {
	ExamImages          []string
	MarkingSchemeImages []string
}

// Tier is a subscription plan
type Tier string

const (
	TierFree        Tier = "free"
	TierStudentLite Tier = "student_lite"
	TierStudent     Tier = "student"
	TierPro         Tier = "pro"
)

// Valid reports whether t is a known tier
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierStudentLite, TierStudent, TierPro:
		return true
	}
	return false
}

// Unbounded marks a limit with no ceiling
const Unbounded int64 = -1

// QuotaState is a snapshot of a subscriber's usage counters
type QuotaState struct {
	UserID              string
	Tier                Tier
	TokensUsed          int64
	TokenLimit          int64
	PapersAccessedCount int64
	PapersLimit         int64
	AccessedPaperIDs    []string
	GradeID             string
	SubjectIDs          []string
	Version             int64
}

// TokenBounded reports whether the token limit applies
func (q *QuotaState) TokenBounded() bool {
	return q.TokenLimit != Unbounded
}

// PapersBounded reports whether the paper limit applies
func (q *QuotaState) PapersBounded() bool {
	return q.PapersLimit != Unbounded
}

// HasAccessed reports whether paperID was already used in a chat turn
func (q *QuotaState) HasAccessed(paperID string) bool {
	for _, id := range q.AccessedPaperIDs {
		if id == paperID {
			return true
		}
	}
	return false
}

// DenialReason explains a refused chat request
type DenialReason string

const (
	ReasonNone               DenialReason = ""
	ReasonTokenLimit         DenialReason = "token_limit"
	ReasonPaperLimit         DenialReason = "paper_limit"
	ReasonPackageRestriction DenialReason = "package_restriction"
)

// Remaining is what is left of a subscriber's allowance. Unbounded fields are -1.
type Remaining struct {
	Tokens int64 `json:"tokens"`
	Papers int64 `json:"papers"`
}

// AccessDecision is the outcome of a quota check
type AccessDecision struct {
	Allowed   bool         `json:"allowed"`
	Reason    DenialReason `json:"reason,omitempty"`
	Remaining Remaining    `json:"remaining"`
}

// ConversationMessage is one persisted chat turn
type ConversationMessage struct {
	Seq         int64       `json:"seq"`
	Role        string      `json:"role"`
	Content     string      `json:"content"`
	QuestionRef QuestionRef `json:"questionRef,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// ConversationState is the transcript for one user and paper
type ConversationState struct {
	ConversationID string
	UserID         string
	PaperID        string
	Messages       []ConversationMessage
	// PersistedCount is the number of messages the store held when the conversation was loaded
	PersistedCount int
}

// LastQuestionRef returns the most recent question reference in the transcript
func (c *ConversationState) LastQuestionRef() (QuestionRef, bool) {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].QuestionRef != "" {
			return c.Messages[i].QuestionRef, true
		}
	}
	return "", false
}

// LastActivity returns the timestamp of the newest message
func (c *ConversationState) LastActivity() (time.Time, bool) {
	if len(c.Messages) == 0 {
		return time.Time{}, false
	}
	return c.Messages[len(c.Messages)-1].CreatedAt, true
}

// RequestPayload is the JSON body sent to the remote tutor function
type RequestPayload struct {
	OptimizedMode       bool     `json:"optimizedMode"`
	QuestionNumber      string   `json:"questionNumber,omitempty"`
	ExamPaperImages     []string `json:"examPaperImages"`
	MarkingSchemeText   string   `json:"markingSchemeText,omitempty"`
	QuestionText        string   `json:"questionText,omitempty"`
	MarkingSchemeImages []string `json:"markingSchemeImages,omitempty"`
	Provider            string   `json:"provider"`
	PaperID             string   `json:"paperId"`
	ConversationID      string   `json:"conversationId,omitempty"`
	UserID              string   `json:"userId"`
	LastQuestionNumber  string   `json:"lastQuestionNumber,omitempty"`
	Question            string   `json:"question"`
}

// AIResponse is the reply of the remote tutor function
type AIResponse struct {
	Answer           string `json:"answer"`
	QuestionNotFound bool   `json:"questionNotFound,omitempty"`
	IsFollowUp       bool   `json:"isFollowUp,omitempty"`
	TokensUsed       int64  `json:"tokensUsed,omitempty"`
}

// ErrorKind classifies failures converted to chat replies at the message boundary
type ErrorKind string

const (
	KindNone                ErrorKind = ""
	KindQuotaExceeded       ErrorKind = "quota_exceeded"
	KindContextFetchFailure ErrorKind = "context_fetch_failure"
	KindAIInvocationFailure ErrorKind = "ai_invocation_failure"
	KindPersistenceFailure  ErrorKind = "persistence_failure"
)

// Append adds a message to the in-memory transcript with the next sequence number
func (c *ConversationState) Append(role, content string, ref QuestionRef, at time.Time) ConversationMessage {
	var seq int64 = 1
	if n := len(c.Messages); n > 0 {
		seq = c.Messages[n-1].Seq + 1
	}
	msg := ConversationMessage{
		Seq:         seq,
		Role:        role,
		Content:     content,
		QuestionRef: ref,
		CreatedAt:   at,
	}
	c.Messages = append(c.Messages, msg)
	return msg
}
