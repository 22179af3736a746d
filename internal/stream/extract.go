package stream

import (
	"regexp"
	"strings"
)

var (
	sqlFenceRe = regexp.MustCompile("(?is)```sql\\s*(.*?)```")
	anyFenceRe = regexp.MustCompile("(?s)```\\s*(.*?)```")
	tagRe      = regexp.MustCompile(`(?i)\[AUTO_EXECUTE\]`)
	blankRunRe = regexp.MustCompile(`\n{3,}`)
	sqlBlockRe = regexp.MustCompile("(?is)```sql.*?```")
	anyBlockRe = regexp.MustCompile("(?s)```.*?```")
)

// ExtractStatement pulls the statement out of the text that followed the
// sentinel: an sql fence wins over a bare fence, and unfenced text is used
// as is.
func ExtractStatement(buf string) string {
	if buf == "" {
		return ""
	}
	if m := sqlFenceRe.FindStringSubmatch(buf); m != nil && strings.TrimSpace(m[1]) != "" {
		return strings.TrimSpace(m[1])
	}
	if m := anyFenceRe.FindStringSubmatch(buf); m != nil && strings.TrimSpace(m[1]) != "" {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(tagRe.ReplaceAllString(buf, ""))
}

// ExtractFenced returns the body of the first sql fence in content, or "".
func ExtractFenced(content string) string {
	if m := sqlFenceRe.FindStringSubmatch(content); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}

// CleanVisible removes sentinels and fenced blocks from text meant for the
// user and collapses runs of blank lines.
func CleanVisible(content string) string {
	content = tagRe.ReplaceAllString(content, "")
	content = sqlBlockRe.ReplaceAllString(content, "")
	content = anyBlockRe.ReplaceAllString(content, "")
	content = blankRunRe.ReplaceAllString(content, "\n\n")
	return strings.TrimSpace(content)
}

// Resolve turns a raw partition into the displayable text and the statement
// to execute. When the model forgot the sentinel but still wrote an sql
// fence, that fence is used.
func Resolve(sp Split) (visible, statement string) {
	statement = ExtractStatement(sp.Statement)
	if !sp.Found && statement == "" {
		statement = ExtractFenced(sp.Visible)
	}
	return CleanVisible(sp.Visible), statement
}
