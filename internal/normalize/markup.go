package normalize

import (
	"strings"

	"github.com/kyokomi/emoji/v2"
)

var (
	emojiCodes = emoji.CodeMap()
	entities   = strings.NewReplacer("&amp;", "&", "&lt;", "<", "&gt;", ">")
)

type segment struct {
	text string
	code bool
}

// ToJira converts Slack mrkdwn into Jira wiki markup.
func ToJira(text string, resolver MentionResolver) string {
	var out []string
	for _, seg := range splitFences(text) {
		if seg.code {
			out = append(out, "{code}"+entities.Replace(strings.Trim(seg.text, "\n"))+"{code}")
			continue
		}
		if converted := convertLines(seg.text, resolver); converted != "" {
			out = append(out, converted)
		}
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// splitFences separates ``` preformatted blocks from regular text. An
// unmatched fence is left in the text as typed.
func splitFences(text string) []segment {
	var segs []segment
	for {
		start := strings.Index(text, "```")
		if start < 0 {
			break
		}
		end := strings.Index(text[start+3:], "```")
		if end < 0 {
			break
		}
		segs = append(segs,
			segment{text: text[:start]},
			segment{text: text[start+3 : start+3+end], code: true},
		)
		text = text[start+3+end+3:]
	}
	return append(segs, segment{text: text})
}

func convertLines(text string, resolver MentionResolver) string {
	text = strings.Trim(text, "\n")
	if strings.TrimSpace(text) == "" {
		return ""
	}
	var out, quote []string
	flush := func() {
		if len(quote) > 0 {
			out = append(out, "{quote}"+strings.Join(quote, "\n")+"{quote}")
			quote = nil
		}
	}
	for _, line := range strings.Split(text, "\n") {
		if body, ok := quoteBody(line); ok {
			quote = append(quote, inline(body, resolver))
			continue
		}
		flush()
		out = append(out, listLine(line, resolver))
	}
	flush()
	return strings.Join(out, "\n")
}

func quoteBody(line string) (string, bool) {
	for _, prefix := range []string{"&gt; ", "&gt;", "> ", ">"} {
		if strings.HasPrefix(line, prefix) {
			return strings.TrimPrefix(line, prefix), true
		}
	}
	return "", false
}

func listLine(line string, resolver MentionResolver) string {
	trimmed := strings.TrimLeft(line, " ")
	for _, bullet := range []string{"• ", "◦ ", "- "} {
		if strings.HasPrefix(trimmed, bullet) {
			return "* " + inline(strings.TrimPrefix(trimmed, bullet), resolver)
		}
	}
	if n := orderedPrefix(trimmed); n > 0 {
		return "# " + inline(trimmed[n:], resolver)
	}
	return inline(line, resolver)
}

func orderedPrefix(line string) int {
	i := 0
	for i < len(line) && line[i] >= '0' && line[i] <= '9' {
		i++
	}
	if i == 0 || i+1 >= len(line) || line[i] != '.' || line[i+1] != ' ' {
		return 0
	}
	return i + 2
}

func inline(s string, resolver MentionResolver) string {
	var b strings.Builder
	for i := 0; i < len(s); {
		switch s[i] {
		case '<':
			if end := strings.IndexByte(s[i+1:], '>'); end >= 0 {
				b.WriteString(angleToken(s[i+1:i+1+end], resolver))
				i += end + 2
				continue
			}
		case '`':
			if end := strings.IndexByte(s[i+1:], '`'); end > 0 {
				b.WriteString("{{" + entities.Replace(s[i+1:i+1+end]) + "}}")
				i += end + 2
				continue
			}
		case '~':
			if end, ok := strikeEnd(s, i); ok {
				b.WriteString("-" + inline(s[i+1:end], resolver) + "-")
				i = end + 1
				continue
			}
		case ':':
			if end := aliasEnd(s, i); end > 0 {
				if code, ok := emojiCodes[s[i:end+1]]; ok {
					b.WriteString(strings.TrimSpace(code))
					i = end + 1
					continue
				}
			}
		case '&':
			if r, n := entity(s[i:]); n > 0 {
				b.WriteString(r)
				i += n
				continue
			}
		}
		b.WriteByte(s[i])
		i++
	}
	return b.String()
}

func angleToken(inner string, resolver MentionResolver) string {
	target, label, _ := strings.Cut(inner, "|")
	switch {
	case strings.HasPrefix(target, "@"):
		if name, ok := resolver.Resolve(target[1:]); ok {
			return "[~" + name + "]"
		}
		return "<" + inner + ">"
	case strings.HasPrefix(target, "#"):
		if label != "" {
			return "#" + entities.Replace(label)
		}
		return target
	case strings.HasPrefix(target, "!"):
		switch cmd := target[1:]; {
		case cmd == "here" || cmd == "channel" || cmd == "everyone":
			return "@" + cmd
		case label != "":
			return entities.Replace(label)
		}
		return "<" + inner + ">"
	}
	target = entities.Replace(target)
	if label != "" {
		return "[" + entities.Replace(label) + "|" + target + "]"
	}
	return target
}

// strikeEnd finds the closing ~ for an opening ~ at i using Slack's word
// boundary rules.
func strikeEnd(s string, i int) (int, bool) {
	if i > 0 && isWordByte(s[i-1]) {
		return 0, false
	}
	if i+1 >= len(s) || s[i+1] == ' ' {
		return 0, false
	}
	for j := i + 2; j < len(s); j++ {
		if s[j] != '~' || s[j-1] == ' ' {
			continue
		}
		if j+1 == len(s) || !isWordByte(s[j+1]) {
			return j, true
		}
	}
	return 0, false
}

func aliasEnd(s string, i int) int {
	j := i + 1
	for j < len(s) && isAliasByte(s[j]) {
		j++
	}
	if j == i+1 || j >= len(s) || s[j] != ':' {
		return -1
	}
	return j
}

func entity(s string) (string, int) {
	for _, e := range []struct{ code, char string }{{"&amp;", "&"}, {"&lt;", "<"}, {"&gt;", ">"}} {
		if strings.HasPrefix(s, e.code) {
			return e.char, len(e.code)
		}
	}
	return "", 0
}

func isWordByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

func isAliasByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '_' || c == '+' || c == '-'
}

// headline returns the first non-empty line of text with tokens flattened to
// plain text. Used for issue summaries.
func headline(text string, resolver MentionResolver) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.ReplaceAll(line, "```", ""))
		if body, ok := quoteBody(line); ok {
			line = strings.TrimSpace(body)
		}
		if line == "" {
			continue
		}
		return plain(line, resolver)
	}
	return ""
}

func plain(s string, resolver MentionResolver) string {
	var b strings.Builder
	for i := 0; i < len(s); {
		switch s[i] {
		case '<':
			if end := strings.IndexByte(s[i+1:], '>'); end >= 0 {
				b.WriteString(plainToken(s[i+1:i+1+end], resolver))
				i += end + 2
				continue
			}
		case ':':
			if end := aliasEnd(s, i); end > 0 {
				if code, ok := emojiCodes[s[i:end+1]]; ok {
					b.WriteString(strings.TrimSpace(code))
					i = end + 1
					continue
				}
			}
		case '&':
			if r, n := entity(s[i:]); n > 0 {
				b.WriteString(r)
				i += n
				continue
			}
		}
		b.WriteByte(s[i])
		i++
	}
	return strings.TrimSpace(b.String())
}

func plainToken(inner string, resolver MentionResolver) string {
	target, label, _ := strings.Cut(inner, "|")
	switch {
	case strings.HasPrefix(target, "@"):
		if name, ok := resolver.Resolve(target[1:]); ok {
			return "@" + name
		}
		if label != "" {
			return "@" + label
		}
		return target
	case strings.HasPrefix(target, "#"):
		if label != "" {
			return "#" + label
		}
		return target
	case strings.HasPrefix(target, "!"):
		if label != "" {
			return entities.Replace(label)
		}
		return "@" + target[1:]
	}
	if label != "" {
		return entities.Replace(label)
	}
	return entities.Replace(target)
}
