package markdown

import (
	"regexp"
	"strings"

	"github.com/russross/blackfriday/v2"
)

var (
	tagPattern    = regexp.MustCompile(`</?([a-zA-Z][a-zA-Z0-9]*)(?:\s[^>]*)?/?>`)
	blankLines    = regexp.MustCompile(`\n{3,}`)
	supportedTags = map[string]bool{
		"p": true, "br": true, "hr": true,
		"strong": true, "em": true, "del": true, "sup": true, "sub": true,
		"code": true, "pre": true, "blockquote": true,
		"ul": true, "ol": true, "li": true,
		"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
		"table": true, "thead": true, "tbody": true, "tr": true, "th": true, "td": true,
		"a": true,
	}
)

// ToHTML renders a tutor answer to HTML for the exam viewer.
// Raw HTML in the answer is dropped and only an allow-list of tags survives.
func ToHTML(markdown string) string {
	if strings.TrimSpace(markdown) == "" {
		return ""
	}

	renderer := blackfriday.NewHTMLRenderer(blackfriday.HTMLRendererParameters{
		Flags: blackfriday.SkipHTML | blackfriday.Safelink | blackfriday.NofollowLinks |
			blackfriday.NoreferrerLinks | blackfriday.HrefTargetBlank,
	})
	html := string(blackfriday.Run([]byte(markdown),
		blackfriday.WithExtensions(blackfriday.CommonExtensions),
		blackfriday.WithRenderer(renderer),
	))

	return cleanHTML(html)
}

// cleanHTML strips tags outside the allow-list and collapses blank lines
func cleanHTML(html string) string {
	html = tagPattern.ReplaceAllStringFunc(html, func(match string) string {
		if m := tagPattern.FindStringSubmatch(match); len(m) > 1 && supportedTags[strings.ToLower(m[1])] {
			return match
		}
		return ""
	})

	html = blankLines.ReplaceAllString(html, "\n\n")
	return strings.TrimSpace(html)
}
