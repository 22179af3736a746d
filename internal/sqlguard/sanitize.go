package sqlguard

import (
	"regexp"
	"strings"

	"github.com/kalambet/crmgate/internal/errcode"
)

// Sentinel separates visible assistant prose from the hidden statement.
const Sentinel = "[AUTO_EXECUTE]"

var (
	sentinelRe     = regexp.MustCompile(`(?i)\[AUTO_EXECUTE\]`)
	fencedSQLRe    = regexp.MustCompile("(?is)```sql\\s*(.*?)```")
	fencedAnyRe    = regexp.MustCompile("(?s)```\\s*(.*?)```")
	languageTagRe  = regexp.MustCompile(`(?i)^(?:(?:sql|postgresql|postgres|pgsql)(?:\s+|$))+`)
	leadKeywordRe  = regexp.MustCompile(`(?i)\b(?:SELECT|WITH|INSERT\s+INTO|UPDATE)\b`)
	trailingTermRe = regexp.MustCompile(`;\s*$`)
)

// Sanitize reduces raw model output to a single candidate statement. It
// returns a MissingQuery error when nothing is left and a
// MultiStatementNotAllowed error when more than one statement remains.
func Sanitize(raw string) (string, error) {
	q := strings.TrimSpace(raw)
	for sentinelRe.MatchString(q) {
		q = sentinelRe.ReplaceAllString(q, "")
	}
	q = strings.TrimSpace(q)

	if m := fencedSQLRe.FindStringSubmatch(q); m != nil && strings.TrimSpace(m[1]) != "" {
		q = strings.TrimSpace(m[1])
	} else if m := fencedAnyRe.FindStringSubmatch(q); m != nil && strings.TrimSpace(m[1]) != "" {
		q = strings.TrimSpace(m[1])
	}

	q = strings.TrimSpace(languageTagRe.ReplaceAllString(q, ""))

	if loc := leadKeywordRe.FindStringIndex(q); loc != nil && loc[0] > 0 {
		q = strings.TrimSpace(q[loc[0]:])
	}

	q = strings.TrimSpace(trailingTermRe.ReplaceAllString(q, ""))

	if q == "" {
		return "", errcode.New(errcode.MissingQuery)
	}
	if strings.Contains(q, ";") {
		return "", errcode.New(errcode.MultiStatementNotAllowed)
	}
	return q, nil
}
