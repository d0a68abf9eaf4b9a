package telegraph

import (
	"regexp"
	"strings"
)

// Directive kinds. Agents emit these as the whole of an outbound message to
// act on the chat instead of posting text.
const (
	DirectiveReact        = "REACT"
	DirectiveReply        = "REPLY_TO"
	DirectiveSendPhoto    = "SEND_PHOTO"
	DirectiveSendDocument = "SEND_DOCUMENT"
	DirectiveSendVideo    = "SEND_VIDEO"
)

// Directive is a parsed control message.
type Directive struct {
	Kind      string
	MessageID string // REACT, REPLY_TO
	Emoji     string // REACT
	Path      string // SEND_*: path inside the worker container
	Text      string // REPLY_TO body, SEND_* caption
}

var (
	reactRe = regexp.MustCompile(`(?s)^REACT:([^:\s]+):(.+)$`)
	replyRe = regexp.MustCompile(`^REPLY_TO:(\S+)\n((?s).*)$`)
	sendRe  = regexp.MustCompile(`^(SEND_PHOTO|SEND_DOCUMENT|SEND_VIDEO):(.+?)(?:\n((?s).*))?$`)
)

// ParseDirective parses text as a control directive. ok is false when text
// does not match any directive syntax.
func ParseDirective(text string) (d Directive, ok bool) {
	text = strings.TrimSpace(text)
	if m := reactRe.FindStringSubmatch(text); m != nil {
		return Directive{Kind: DirectiveReact, MessageID: m[1], Emoji: strings.TrimSpace(m[2])}, true
	}
	if m := replyRe.FindStringSubmatch(text); m != nil {
		return Directive{Kind: DirectiveReply, MessageID: m[1], Text: m[2]}, true
	}
	if m := sendRe.FindStringSubmatch(text); m != nil {
		return Directive{Kind: m[1], Path: strings.TrimSpace(m[2]), Text: strings.TrimSpace(m[3])}, true
	}
	return Directive{}, false
}

// AttachmentKind maps a SEND_* directive to an attachment kind.
func AttachmentKind(kind string) string {
	switch kind {
	case DirectiveSendPhoto:
		return "photo"
	case DirectiveSendVideo:
		return "video"
	default:
		return "document"
	}
}

// SplitText breaks text into chunks of at most limit runes, preferring to
// cut at a newline.
func SplitText(text string, limit int) []string {
	if limit <= 0 {
		return []string{text}
	}
	var chunks []string
	r := []rune(text)
	for len(r) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if r[i-1] == '\n' {
				cut = i
				break
			}
		}
		chunks = append(chunks, string(r[:cut]))
		r = r[cut:]
	}
	if len(r) > 0 || len(chunks) == 0 {
		chunks = append(chunks, string(r))
	}
	return chunks
}
