package router

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/zulandar/roundhouse/internal/models"
)

var xmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")

// EscapeXML escapes the characters that would break an attribute or element body.
func EscapeXML(s string) string { return xmlEscaper.Replace(s) }

// FormatMessages renders a backlog as the prompt handed to a container.
func FormatMessages(msgs []models.ChatMessage) string {
	var b strings.Builder
	b.WriteString("<messages>\n")
	for i, m := range msgs {
		fmt.Fprintf(&b, `<message id="%s" sender="%s" time="%s"`, EscapeXML(m.ID), EscapeXML(m.SenderName), m.Timestamp)
		if m.ReplyToMessageID != "" {
			fmt.Fprintf(&b, ` reply_to="%s"`, EscapeXML(m.ReplyToMessageID))
		}
		b.WriteString(">")
		b.WriteString(EscapeXML(m.Content))
		b.WriteString("</message>")
		if i < len(msgs)-1 {
			b.WriteString("\n")
		}
	}
	b.WriteString("\n</messages>")
	return b.String()
}

// TriggerPattern matches "@<name>" at the start of a message, case-insensitively.
func TriggerPattern(assistantName string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)^@` + regexp.QuoteMeta(assistantName) + `\b`)
}

// HasTrigger reports whether any message in msgs starts with the trigger.
func HasTrigger(pattern *regexp.Regexp, msgs []models.ChatMessage) bool {
	for _, m := range msgs {
		if pattern.MatchString(strings.TrimSpace(m.Content)) {
			return true
		}
	}
	return false
}

var internalBlock = regexp.MustCompile(`(?s)<internal>.*?</internal>`)

// StripInternal removes <internal>…</internal> reasoning blocks from agent output.
func StripInternal(text string) string {
	return strings.TrimSpace(internalBlock.ReplaceAllString(text, ""))
}

// controlPrefixes start text the channel interprets as an action rather
// than a chat message. A name prefix would break their syntax.
var controlPrefixes = []string{"REACT:", "REPLY_TO:", "SEND_PHOTO:", "SEND_DOCUMENT:", "SEND_VIDEO:"}

// IsControl reports whether text is a channel control directive.
func IsControl(text string) bool {
	for _, p := range controlPrefixes {
		if strings.HasPrefix(text, p) {
			return true
		}
	}
	return false
}

// FormatOutbound prepares agent output for a chat. It returns "" when
// nothing is left to send.
func FormatOutbound(assistantName string, prefixName bool, raw string) string {
	text := StripInternal(raw)
	if text == "" || IsControl(text) || !prefixName {
		return text
	}
	return assistantName + ": " + text
}
