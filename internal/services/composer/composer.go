package composer

import (
	"errors"

	"github.com/exam-tutor-go/internal/models"
)

// ErrNoContext is returned when neither a bundle nor the full document is available
var ErrNoContext = errors.New("no exam context available")

// Input is everything needed to build one tutor request
type Input struct {
	Ref            models.QuestionRef
	Bundle         *models.ContextBundle
	FullDocument   *models.FullDocument
	UserMessage    string
	Provider       string
	PaperID        string
	ConversationID string
	UserID         string
	LastRef        models.QuestionRef
}

// Compose builds the optimized payload when a bundle is present and the full-document payload otherwise
func Compose(in Input) (*models.RequestPayload, error) {
	payload := &models.RequestPayload{
		Provider:           in.Provider,
		PaperID:            in.PaperID,
		ConversationID:     in.ConversationID,
		UserID:             in.UserID,
		LastQuestionNumber: string(in.LastRef),
		Question:           in.UserMessage,
	}

	switch {
	case in.Bundle != nil:
		payload.OptimizedMode = true
		payload.QuestionNumber = string(in.Ref)
		payload.ExamPaperImages = in.Bundle.Images
		payload.MarkingSchemeText = in.Bundle.MarkingSchemeText
		payload.QuestionText = in.Bundle.QuestionText
	case in.FullDocument != nil:
		payload.QuestionNumber = string(in.Ref)
		payload.ExamPaperImages = in.FullDocument.ExamImages
		payload.MarkingSchemeImages = in.FullDocument.MarkingSchemeImages
	default:
		return nil, ErrNoContext
	}

	if payload.ExamPaperImages == nil {
		payload.ExamPaperImages = []string{}
	}
	return payload, nil
}
