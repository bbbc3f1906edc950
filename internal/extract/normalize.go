package extract

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

var (
	spaceRunRe = regexp.MustCompile(`[ \t\x{00a0}]+`)
	blankRunRe = regexp.MustCompile(`\n{3,}`)
)

// blockTags end a line when converting HTML to text.
var blockTags = map[string]bool{
	"br": true, "p": true, "div": true, "tr": true, "li": true, "table": true,
	"h1": true, "h2": true, "h3": true, "h4": true,
}

// NormalizeBody returns the plain-text body, falling back to the HTML part
// with tags stripped. Line structure is kept because label extraction works
// line by line.
func NormalizeBody(plain, htmlBody string) string {
	text := plain
	if strings.TrimSpace(text) == "" && strings.TrimSpace(htmlBody) != "" {
		text = htmlToText(htmlBody)
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(spaceRunRe.ReplaceAllString(l, " "))
	}
	text = strings.Join(lines, "\n")
	return strings.TrimSpace(blankRunRe.ReplaceAllString(text, "\n\n"))
}

func htmlToText(s string) string {
	z := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return b.String()
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if tag == "script" || tag == "style" {
				skip++
				continue
			}
			if blockTags[tag] {
				b.WriteByte('\n')
			} else if tag == "td" {
				b.WriteByte(' ')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if (tag == "script" || tag == "style") && skip > 0 {
				skip--
				continue
			}
			if blockTags[tag] {
				b.WriteByte('\n')
			}
		}
	}
}
