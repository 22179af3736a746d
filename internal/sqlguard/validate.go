package sqlguard

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/kalambet/crmgate/internal/errcode"
)

// Kind is the accepted operation class of a statement.
type Kind string

const (
	KindRead  Kind = "read"
	KindWrite Kind = "write"
)

// WriteTables is the fixed set of tables a generated statement may modify.
var WriteTables = []string{"tasks", "deals", "leads", "notes"}

const ident = `"?[A-Za-z0-9_]+"?`

var (
	forbiddenRe  = regexp.MustCompile(`(?i)\b(?:DROP|TRUNCATE|ALTER|GRANT|REVOKE|DELETE|EXEC|EXECUTE)\b`)
	leadWordRe   = regexp.MustCompile(`^\s*([A-Za-z]+)\b`)
	writeWordRe  = regexp.MustCompile(`(?i)\b(?:INSERT|UPDATE)\b`)
	writeTarget  = regexp.MustCompile(`(?i)\b(?:INSERT\s+INTO|UPDATE)\s+(` + ident + `)(?:\s*\.\s*(` + ident + `))?`)
	readSourceRe = regexp.MustCompile(`(?i)\b(?:FROM|JOIN)\s+(` + ident + `)(?:\s*\.\s*(` + ident + `))?`)
	literalRe    = regexp.MustCompile(`'(?:[^']|'')*'`)
	cteNameRe    = regexp.MustCompile(`(?i)(?:\bWITH(?:\s+RECURSIVE)?|,)\s*(` + ident + `)\s*(?:\([^)]*\)\s*)?AS\s*(?:NOT\s+)?(?:MATERIALIZED\s*)?\(`)
)

// Statement is a statement that passed validation.
type Statement struct {
	Text   string
	Kind   Kind
	Tables []string
}

// Validate applies the operation allowlist to an already sanitized
// statement.
func Validate(stmt string) (Statement, error) {
	if forbiddenRe.MatchString(stmt) {
		return Statement{}, errcode.New(errcode.ForbiddenOperation)
	}
	if strings.Contains(stmt, ";") {
		return Statement{}, errcode.New(errcode.MultiStatementNotAllowed)
	}

	m := leadWordRe.FindStringSubmatch(stmt)
	if m == nil {
		return Statement{}, errcode.New(errcode.OperationNotAllowed)
	}

	switch strings.ToUpper(m[1]) {
	case "WITH":
		if !writeWordRe.MatchString(stmt) {
			return Statement{Text: stmt, Kind: KindRead}, nil
		}
		return validateWrite(stmt)
	case "SELECT":
		return Statement{Text: stmt, Kind: KindRead}, nil
	case "INSERT", "UPDATE":
		return validateWrite(stmt)
	default:
		return Statement{}, errcode.New(errcode.OperationNotAllowed)
	}
}

// validateWrite accepts a statement only when every write target is in
// WriteTables. A write may read from other allowlisted tables or from CTEs
// it defines, never from anything else.
func validateWrite(stmt string) (Statement, error) {
	bare := literalRe.ReplaceAllString(stmt, "''")

	var targets []string
	for _, m := range writeTarget.FindAllStringSubmatch(bare, -1) {
		name := tableName(m[1], m[2])
		// ON CONFLICT ... DO UPDATE SET has no target of its own.
		if strings.EqualFold(m[1], "SET") && m[2] == "" {
			continue
		}
		if !isWriteTable(name) {
			return Statement{}, errcode.Wrap(errcode.WriteNotAllowed, fmt.Errorf("target %q", name))
		}
		targets = append(targets, name)
	}
	if len(targets) == 0 {
		return Statement{}, errcode.Wrap(errcode.WriteNotAllowed, errors.New("no write target"))
	}

	ctes := make(map[string]bool)
	for _, m := range cteNameRe.FindAllStringSubmatch(bare, -1) {
		ctes[unquote(m[1])] = true
	}
	for _, idx := range readSourceRe.FindAllStringSubmatchIndex(bare, -1) {
		if inKeywordCall(bare, idx[0]) {
			continue
		}
		name := tableName(submatch(bare, idx, 1), submatch(bare, idx, 2))
		if idx[4] < 0 && ctes[name] {
			continue
		}
		if !isWriteTable(name) {
			return Statement{}, errcode.Wrap(errcode.WriteNotAllowed, fmt.Errorf("write reads from %q", name))
		}
	}

	return Statement{Text: stmt, Kind: KindWrite, Tables: targets}, nil
}

// keywordCalls take FROM as part of their argument syntax.
var keywordCalls = map[string]bool{
	"extract":   true,
	"substring": true,
	"trim":      true,
	"overlay":   true,
	"position":  true,
}

// inKeywordCall reports whether pos sits directly inside the parentheses of
// one of keywordCalls. A subquery nested in such a call opens its own group
// and is not covered.
func inKeywordCall(s string, pos int) bool {
	depth := 0
	for i := pos - 1; i >= 0; i-- {
		switch s[i] {
		case ')':
			depth++
		case '(':
			if depth > 0 {
				depth--
				continue
			}
			j := strings.TrimRight(s[:i], " \t\r\n")
			k := len(j)
			for k > 0 && isWordByte(j[k-1]) {
				k--
			}
			return keywordCalls[strings.ToLower(j[k:])]
		}
	}
	return false
}

func isWordByte(b byte) bool {
	return b == '_' || b >= '0' && b <= '9' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z'
}

func submatch(s string, idx []int, n int) string {
	if idx[2*n] < 0 {
		return ""
	}
	return s[idx[2*n]:idx[2*n+1]]
}

func tableName(first, second string) string {
	if second != "" {
		return unquote(second)
	}
	return unquote(first)
}

func unquote(s string) string {
	return strings.ToLower(strings.Trim(s, `"`))
}

func isWriteTable(name string) bool {
	for _, t := range WriteTables {
		if t == name {
			return true
		}
	}
	return false
}
