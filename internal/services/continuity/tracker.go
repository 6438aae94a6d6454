package continuity

import (
	"regexp"
	"sync"

	"github.com/exam-tutor-go/internal/i18n"
	"github.com/exam-tutor-go/internal/models"
)

// Kind is how an incoming message relates to the conversation
type Kind string

const (
	KindNew              Kind = "new"
	KindFollowUp         Kind = "followup"
	KindAmbiguousFirst   Kind = "ambiguous-first"
	KindAmbiguousClarify Kind = "ambiguous-clarify"
)

// Classification is the outcome of Classify
type Classification struct {
	Kind Kind
	// Ref is the question the turn is about; empty for the ambiguous kinds
	Ref models.QuestionRef
	// Prompt is the reply message id for the ambiguous kinds
	Prompt string
}

// Resolvable reports whether the message can go to the tutor
func (c Classification) Resolvable() bool {
	return c.Kind == KindNew || c.Kind == KindFollowUp
}

var clarifyFamilies = []struct {
	pattern *regexp.Regexp
	prompt  string
}{
	{regexp.MustCompile(`(?i)\b(help|stuck|confus\w*|lost)\b`), i18n.MsgClarifyHelp},
	{regexp.MustCompile(`(?i)\b(explain\w*|how|what|why)\b`), i18n.MsgClarifyExplain},
	{regexp.MustCompile(`(?i)\b(solve\w*|answers?|solutions?)\b`), i18n.MsgClarifySolve},
}

// ClarifyPrompt picks the clarification template for a message without a question number
func ClarifyPrompt(text string) string {
	for _, family := range clarifyFamilies {
		if family.pattern.MatchString(text) {
			return family.prompt
		}
	}
	return i18n.MsgClarifyDefault
}

// Classify decides whether a message is a new question, a follow-up or ambiguous.
// isFirstMessage is true only while neither the store nor the session transcript holds a message.
func Classify(text string, extracted, last models.QuestionRef, isFirstMessage bool) Classification {
	switch {
	case extracted != "" && extracted == last:
		return Classification{Kind: KindFollowUp, Ref: extracted}
	case extracted != "":
		return Classification{Kind: KindNew, Ref: extracted}
	case last != "":
		return Classification{Kind: KindFollowUp, Ref: last}
	case isFirstMessage:
		return Classification{Kind: KindAmbiguousFirst, Prompt: i18n.MsgConfirmFirstQuestion}
	default:
		return Classification{Kind: KindAmbiguousClarify, Prompt: ClarifyPrompt(text)}
	}
}

// Tracker remembers the last question discussed in a viewing session
type Tracker struct {
	mu      sync.RWMutex
	lastRef models.QuestionRef
}

func NewTracker() *Tracker {
	return &Tracker{}
}

// Seed restores the last question from a loaded conversation
func (t *Tracker) Seed(conv *models.ConversationState) {
	if conv == nil {
		return
	}
	if ref, ok := conv.LastQuestionRef(); ok {
		t.mu.Lock()
		t.lastRef = ref
		t.mu.Unlock()
	}
}

// Last returns the last resolved question, or ""
func (t *Tracker) Last() models.QuestionRef {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastRef
}

// Classify classifies text against the tracked last question
func (t *Tracker) Classify(text string, extracted models.QuestionRef, isFirstMessage bool) Classification {
	return Classify(text, extracted, t.Last(), isFirstMessage)
}

// Resolve records a successfully answered question
func (t *Tracker) Resolve(ref models.QuestionRef) {
	if ref == "" {
		return
	}
	t.mu.Lock()
	t.lastRef = ref
	t.mu.Unlock()
}
