package i18n

import (
	"embed"
	"encoding/json"
	"fmt"

	"github.com/exam-tutor-go/internal/config"
	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
)

//go:embed locales/*.json
var localeFS embed.FS

// Localizer manages internationalization
type Localizer struct {
	bundle          *i18n.Bundle
	defaultLanguage string
	localizers      map[string]*i18n.Localizer
}

// NewLocalizer creates a new localizer from the embedded message files
func NewLocalizer(cfg *config.I18nConfig) (*Localizer, error) {
	bundle := i18n.NewBundle(language.English)
	bundle.RegisterUnmarshalFunc("json", json.Unmarshal)

	languages := cfg.Languages
	if len(languages) == 0 {
		languages = []string{"en"}
	}

	for _, lang := range languages {
		name := fmt.Sprintf("%s.json", lang)
		data, err := localeFS.ReadFile("locales/" + name)
		if err != nil {
			return nil, fmt.Errorf("failed to load language file %s: %w", lang, err)
		}
		if _, err := bundle.ParseMessageFileBytes(data, name); err != nil {
			return nil, fmt.Errorf("failed to parse language file %s: %w", lang, err)
		}
	}

	localizers := make(map[string]*i18n.Localizer)
	for _, lang := range languages {
		localizers[lang] = i18n.NewLocalizer(bundle, lang)
	}

	defaultLanguage := cfg.DefaultLanguage
	if _, ok := localizers[defaultLanguage]; !ok {
		defaultLanguage = languages[0]
	}

	return &Localizer{
		bundle:          bundle,
		defaultLanguage: defaultLanguage,
		localizers:      localizers,
	}, nil
}

// Get returns localized message
func (l *Localizer) Get(lang, messageID string, data map[string]interface{}) string {
	localizer, exists := l.localizers[lang]
	if !exists {
		localizer = l.localizers[l.defaultLanguage]
	}

	msg, err := localizer.Localize(&i18n.LocalizeConfig{
		MessageID:    messageID,
		TemplateData: data,
	})
	if err != nil {
		return messageID // Fallback to message ID
	}

	return msg
}

// DefaultLanguage returns the fallback language
func (l *Localizer) DefaultLanguage() string {
	return l.defaultLanguage
}

// Message IDs
const (
	MsgQuotaTokenLimit         = "quota_token_limit"
	MsgQuotaPaperLimit         = "quota_paper_limit"
	MsgQuotaPackageRestriction = "quota_package_restriction"
	MsgConfirmFirstQuestion    = "confirm_first_question"
	MsgClarifyHelp             = "clarify_help"
	MsgClarifyExplain          = "clarify_explain"
	MsgClarifySolve            = "clarify_solve"
	MsgClarifyDefault          = "clarify_default"
	MsgError                   = "error"
	MsgWelcomeBack             = "welcome_back"
	MsgWelcomeBackQuestion     = "welcome_back_question"
	MsgBusy                    = "busy"
	MsgQuestionNotFound        = "question_not_found"
	MsgRateLimited             = "rate_limited"
)
