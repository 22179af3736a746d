// Package errcode defines the fixed vocabulary of error codes that may be
// surfaced to a user-facing client. Raw backend or statement text never
// crosses this boundary; only a Code and its friendly message do.
package errcode

import (
	"errors"
	"strings"
)

// Code is a stable, user-safe error identifier.
type Code string

const (
	AuthMissing         Code = "auth_missing"
	AuthInvalid         Code = "auth_invalid"
	AuthProjectMismatch Code = "auth_project_mismatch"
	NotAuthenticated    Code = "not_authenticated"

	MissingQuery             Code = "missing_query"
	MultiStatementNotAllowed Code = "multi_statement_not_allowed"
	ForbiddenOperation       Code = "forbidden_operation"
	WriteNotAllowed          Code = "write_not_allowed"
	OperationNotAllowed      Code = "operation_not_allowed"

	NotNullViolation    Code = "23502"
	ForeignKeyViolation Code = "23503"
	UniqueViolation     Code = "23505"
	StringTooLong       Code = "22001"
	QueryFailed         Code = "query_failed"

	ConfigMissing Code = "config_missing"
	Internal      Code = "internal_error"
)

// Error carries a Code together with the underlying cause. The cause is for
// logs only.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an error carrying only a code.
func New(code Code) error {
	return &Error{Code: code}
}

// Wrap attaches a code to err.
func Wrap(code Code, err error) error {
	return &Error{Code: code, Err: err}
}

// Of returns the code attached to err, or Internal when none is attached.
func Of(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// IsValidation reports whether code is a statement validation failure.
func IsValidation(code Code) bool {
	switch code {
	case MissingQuery, MultiStatementNotAllowed, ForbiddenOperation, WriteNotAllowed, OperationNotAllowed:
		return true
	}
	return false
}

// IsAuth reports whether code (possibly a raw backend string) denotes an
// authentication failure that requires the local session to be discarded.
func IsAuth(code string) bool {
	if code == "" {
		return false
	}
	n := strings.ToLower(code)
	switch n {
	case string(AuthMissing), string(AuthInvalid), string(AuthProjectMismatch), string(NotAuthenticated), "401":
		return true
	}
	return strings.Contains(n, "invalid jwt") ||
		strings.Contains(n, "jwt expired") ||
		strings.Contains(n, "invalid api key") ||
		strings.Contains(n, "authorization")
}

const (
	msgGeneric      = "Nao foi possivel concluir agora."
	msgNotPermitted = "Nao foi possivel concluir esta solicitacao."
	msgSession      = "Sessao invalida. Entre novamente para continuar."
)

// Message maps a code (or raw backend code string) to a fixed sentence that
// is safe to show to the end user.
func Message(code string) string {
	switch code {
	case string(NotNullViolation):
		return "Nao foi possivel concluir. Faltou uma informacao obrigatoria."
	case string(ForeignKeyViolation):
		return "Nao foi possivel concluir. Um item relacionado nao foi encontrado."
	case string(UniqueViolation):
		return "Nao foi possivel concluir. Ja existe um registro parecido."
	case string(StringTooLong):
		return "Nao foi possivel concluir. O texto e muito longo."
	case string(ForbiddenOperation), string(WriteNotAllowed), string(OperationNotAllowed), string(MultiStatementNotAllowed):
		return msgNotPermitted
	case string(ConfigMissing):
		return msgGeneric
	case string(AuthMissing), string(AuthInvalid), string(AuthProjectMismatch), string(NotAuthenticated),
		"Invalid JWT", "JWT expired", "Missing authorization header", "Invalid API key":
		return msgSession
	default:
		return msgGeneric
	}
}
