package common

import (
	"fmt"
	"strings"
	"time"
)

// FormatBalance formats an amount with thousand separators
func FormatBalance(balance int64) string {
	if balance < 0 {
		return "-" + FormatBalance(-balance)
	}

	str := fmt.Sprintf("%d", balance)
	n := len(str)
	if n <= 3 {
		return str
	}

	var result strings.Builder
	for i, digit := range str {
		if i > 0 && (n-i)%3 == 0 {
			result.WriteRune(',')
		}
		result.WriteRune(digit)
	}
	return result.String()
}

// FormatDiscordTimestamp formats a time as a Discord timestamp that displays in the reader's timezone.
// Format types: "t" = short time, "T" = long time, "d" = short date, "D" = long date,
// "f" = short date/time, "F" = long date/time, "R" = relative time
func FormatDiscordTimestamp(t time.Time, format string) string {
	return fmt.Sprintf("<t:%d:%s>", t.Unix(), format)
}

// FormatMention renders a member mention
func FormatMention(memberID int64) string {
	return fmt.Sprintf("<@%d>", memberID)
}

// FormatMentions renders a space separated list of member mentions
func FormatMentions(memberIDs []int64) string {
	mentions := make([]string, 0, len(memberIDs))
	for _, id := range memberIDs {
		mentions = append(mentions, FormatMention(id))
	}
	return strings.Join(mentions, " ")
}

// Truncate shortens s to max runes, marking the cut with an ellipsis
func Truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max <= 3 {
		return string(runes[:max])
	}
	return string(runes[:max-3]) + "..."
}
