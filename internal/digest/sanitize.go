package digest

import (
	"regexp"
	"strings"
)

// Telegram accepts a small HTML subset. We keep exactly <b>, <i> and
// <a href="..."> (plus their closers); everything else is escaped so a model
// that emits stray angle brackets or unknown tags cannot produce a payload
// the Bot API rejects, and injected tags stay inert text.
var (
	// Entities produced by this sanitizer itself. Passing them through
	// verbatim is what makes Sanitize idempotent.
	entityRe = regexp.MustCompile(`^&(amp|lt|gt|quot|#34|#39);`)

	// Anchor with a URL free of markup-significant characters. Anything
	// fancier stays escaped.
	anchorRe = regexp.MustCompile(`^<a href="[^"<>&]*">`)
)

var allowedTags = []string{"<b>", "</b>", "<i>", "</i>", "</a>"}

// Sanitize converts raw summary text into Telegram-safe HTML. It is pure,
// never fails and is idempotent: sanitizing already-sanitized text returns
// it unchanged.
func Sanitize(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))

	for i := 0; i < len(raw); {
		switch raw[i] {
		case '<':
			if tag := matchAllowedTag(raw[i:]); tag != "" {
				b.WriteString(tag)
				i += len(tag)
				continue
			}
			b.WriteString("&lt;")
			i++
		case '>':
			b.WriteString("&gt;")
			i++
		case '&':
			if m := entityRe.FindString(raw[i:]); m != "" {
				b.WriteString(m)
				i += len(m)
				continue
			}
			b.WriteString("&amp;")
			i++
		case '"':
			b.WriteString("&#34;")
			i++
		default:
			b.WriteByte(raw[i])
			i++
		}
	}
	return b.String()
}

func matchAllowedTag(s string) string {
	for _, t := range allowedTags {
		if strings.HasPrefix(s, t) {
			return t
		}
	}
	return anchorRe.FindString(s)
}
