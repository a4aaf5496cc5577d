// ABOUTME: Markdown to Telegram HTML rendering.
// ABOUTME: Converts with goldmark, then reduces the output to Telegram's supported tag set.

package botbridge

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// md converts assistant markdown; strikethrough is the one GFM extra
// Telegram can represent.
var md = goldmark.New(goldmark.WithExtensions(extension.Strikethrough))

// Telegram HTML accepts only a handful of inline tags; everything
// structural (paragraphs, headings, lists) has to become plain text
// with newlines.
var (
	reParagraph  = regexp.MustCompile(`(?s)<p>(.*?)</p>`)
	reHeading    = regexp.MustCompile(`(?s)<h[1-6][^>]*>(.*?)</h[1-6]>`)
	reListItem   = regexp.MustCompile(`(?s)<li>(.*?)</li>`)
	reListWrap   = regexp.MustCompile(`</?[ou]l[^>]*>`)
	reBlockquote = regexp.MustCompile(`</?blockquote[^>]*>`)
	reHr         = regexp.MustCompile(`<hr[^>]*/?>`)
	reBr         = regexp.MustCompile(`<br[^>]*/?>`)
	reStrong     = regexp.MustCompile(`<(/?)strong>`)
	reEm         = regexp.MustCompile(`<(/?)em>`)
	reDel        = regexp.MustCompile(`<(/?)del>`)
	reCodeBlock  = regexp.MustCompile(`(?s)<pre><code[^>]*>(.*?)</code></pre>`)
)

// renderHTML converts assistant markdown into Telegram-flavored HTML.
// The bool result reports whether rendering succeeded; on failure the
// caller sends the raw text without a parse mode.
func renderHTML(markdown string) (string, bool) {
	var buf bytes.Buffer
	if err := md.Convert([]byte(markdown), &buf); err != nil {
		return "", false
	}

	html := buf.String()
	html = reCodeBlock.ReplaceAllString(html, "<pre>$1</pre>")
	html = reParagraph.ReplaceAllString(html, "$1\n\n")
	html = reHeading.ReplaceAllString(html, "<b>$1</b>\n\n")
	html = reListItem.ReplaceAllString(html, "• $1\n")
	html = reListWrap.ReplaceAllString(html, "")
	html = reBlockquote.ReplaceAllString(html, "")
	html = reHr.ReplaceAllString(html, "")
	html = reBr.ReplaceAllString(html, "\n")
	html = reStrong.ReplaceAllString(html, "<${1}b>")
	html = reEm.ReplaceAllString(html, "<${1}i>")
	html = reDel.ReplaceAllString(html, "<${1}s>")

	return strings.TrimSpace(html), true
}
