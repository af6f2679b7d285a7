package chat

import (
	"fmt"
	"html"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"

	"github.com/tbourn/play-review-bridge/internal/domain"
)

// Message is a rendered chat message body.
type Message struct {
	Body          string
	FormattedBody string // empty for plain rooms
}

// RenderReview formats a review for a room. format is "plain" or "html";
// anything else is treated as html.
func RenderReview(r *domain.ReviewRecord, format string) Message {
	stars := stars(r.StarRating)
	text := deref(r.Text)
	meta := metadata(r)

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", stars, r.AuthorName)
	if text != "" {
		b.WriteString(text)
		b.WriteByte('\n')
	}
	if meta != "" {
		b.WriteString(meta)
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "Review %s", r.ReviewID)
	msg := Message{Body: b.String()}
	if format == "plain" {
		return msg
	}

	var h strings.Builder
	fmt.Fprintf(&h, "<p>%s <strong>%s</strong></p>", stars, html.EscapeString(r.AuthorName))
	if text != "" {
		fmt.Fprintf(&h, "<blockquote>%s</blockquote>", strings.ReplaceAll(html.EscapeString(text), "\n", "<br>"))
	}
	if meta != "" {
		fmt.Fprintf(&h, "<p><small>%s</small></p>", html.EscapeString(meta))
	}
	fmt.Fprintf(&h, "<p><small>Review <code>%s</code></small></p>", html.EscapeString(r.ReviewID))
	msg.FormattedBody = h.String()
	return msg
}

func stars(n int) string {
	if n < 0 {
		n = 0
	}
	if n > 5 {
		n = 5
	}
	return strings.Repeat("★", n) + strings.Repeat("☆", 5-n)
}

func metadata(r *domain.ReviewRecord) string {
	var parts []string
	if name := LanguageName(deref(r.LanguageCode)); name != "" {
		parts = append(parts, name)
	}
	if d := deref(r.Device); d != "" {
		parts = append(parts, d)
	}
	if v := deref(r.OSVersion); v != "" {
		parts = append(parts, "Android API "+v)
	}
	if v := deref(r.AppVersionName); v != "" {
		if r.AppVersionCode != nil {
			v = fmt.Sprintf("%s (%d)", v, *r.AppVersionCode)
		}
		parts = append(parts, "v"+v)
	}
	return strings.Join(parts, " · ")
}

// LanguageName returns the English name of a reviewer language code such
// as "en_US" or "pt-BR". Unparseable codes are returned unchanged.
func LanguageName(code string) string {
	if code == "" {
		return ""
	}
	tag, err := language.Parse(strings.ReplaceAll(code, "_", "-"))
	if err != nil {
		return code
	}
	if name := display.English.Tags().Name(tag); name != "" {
		return name
	}
	return code
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}
