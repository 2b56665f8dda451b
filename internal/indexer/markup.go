package indexer

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

// DescribeMarkup summarizes an unsupported markup response for a diagnostic: the page
// title, how many scripts and forms it carries, and whether it looks like a login page.
// It never extracts channels; a markup-only portal is terminal.
func DescribeMarkup(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "markup document"
	}
	title := strings.TrimSpace(doc.Find("title").First().Text())
	scripts := doc.Find("script").Length()
	forms := doc.Find("form").Length()
	login := doc.Find(`input[type="password"]`).Length() > 0

	var parts []string
	if title != "" {
		parts = append(parts, fmt.Sprintf("title %q", truncate(title, 60)))
	}
	parts = append(parts, fmt.Sprintf("%d scripts", scripts))
	if forms > 0 {
		parts = append(parts, fmt.Sprintf("%d forms", forms))
	}
	if login {
		parts = append(parts, "login form")
	}
	return "markup document (" + strings.Join(parts, ", ") + ")"
}

// truncate keeps at most n runes of s.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}
