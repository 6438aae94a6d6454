package extractor

import (
	"regexp"
	"strings"

	"github.com/exam-tutor-go/internal/models"
)

var (
	keywordPattern = regexp.MustCompile(`(?i)(?:question|q)\s*(\d+)[a-z]*`)
	leadingPattern = regexp.MustCompile(`^(\d+)[a-z]*`)
)

// Extract finds an explicit question number in free text.
// "Q5b" and "question 12a" yield the digit group; so does text that starts with digits.
func Extract(text string) (models.QuestionRef, bool) {
	if m := keywordPattern.FindStringSubmatch(text); m != nil {
		return models.QuestionRef(m[1]), true
	}
	if m := leadingPattern.FindStringSubmatch(strings.ToLower(strings.TrimSpace(text))); m != nil {
		return models.QuestionRef(m[1]), true
	}
	return "", false
}
