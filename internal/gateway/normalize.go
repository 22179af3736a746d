package gateway

import (
	"strings"

	"github.com/kalambet/crmgate/internal/errcode"
)

// validationCodes are listed lowest priority first; a later match wins.
var validationCodes = []errcode.Code{
	errcode.WriteNotAllowed,
	errcode.ForbiddenOperation,
	errcode.OperationNotAllowed,
	errcode.MultiStatementNotAllowed,
}

// NormalizeRemote maps a remote failure to the public vocabulary. The
// procedure reports its own validation failures in the message text;
// constraint violations arrive as SQLSTATE codes. Anything else is
// query_failed.
func NormalizeRemote(code, message string) errcode.Code {
	found := errcode.Code("")
	for _, c := range validationCodes {
		if strings.Contains(message, string(c)) {
			found = c
		}
	}
	if found != "" {
		return found
	}

	switch errcode.Code(code) {
	case errcode.NotNullViolation, errcode.ForeignKeyViolation, errcode.UniqueViolation, errcode.StringTooLong:
		return errcode.Code(code)
	}
	if errcode.IsAuth(code) || errcode.IsAuth(message) {
		return errcode.AuthInvalid
	}
	return errcode.QueryFailed
}
