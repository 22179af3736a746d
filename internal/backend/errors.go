package backend

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

// APIError is a non-2xx answer from the backend. Both the REST error shape
// (code, message, details, hint) and the identity provider shape (error,
// error_description, msg) are understood.
type APIError struct {
	Status  int
	Code    string
	Message string
	Details string
	Hint    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("backend error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("backend error %d: %s", e.Status, e.Message)
}

// Unauthorized reports whether the backend rejected the credential.
func (e *APIError) Unauthorized() bool {
	return e.Status == http.StatusUnauthorized
}

type rawError struct {
	Code             json.RawMessage `json:"code"`
	Message          string          `json:"message"`
	Details          string          `json:"details"`
	Hint             string          `json:"hint"`
	Error            string          `json:"error"`
	ErrorDescription string          `json:"error_description"`
	Msg              string          `json:"msg"`
}

// ReadError consumes resp.Body and decodes it into an APIError. It never
// fails; an unreadable body leaves only Status set.
func ReadError(resp *http.Response) *APIError {
	apiErr := &APIError{Status: resp.StatusCode}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil || len(body) == 0 {
		return apiErr
	}

	var raw rawError
	if err := json.Unmarshal(body, &raw); err != nil {
		apiErr.Message = string(body)
		return apiErr
	}

	apiErr.Code = decodeCode(raw.Code)
	apiErr.Details = raw.Details
	apiErr.Hint = raw.Hint
	switch {
	case raw.Message != "":
		apiErr.Message = raw.Message
	case raw.ErrorDescription != "":
		apiErr.Message = raw.ErrorDescription
	case raw.Msg != "":
		apiErr.Message = raw.Msg
	default:
		apiErr.Message = raw.Error
	}
	if apiErr.Code == "" && raw.Error != "" && raw.Error != apiErr.Message {
		apiErr.Code = raw.Error
	}
	return apiErr
}

// decodeCode accepts codes sent as strings ("23505") or numbers (401).
func decodeCode(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
			return strconv.FormatInt(i, 10)
		}
		return n.String()
	}
	return ""
}
