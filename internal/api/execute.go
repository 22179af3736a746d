package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/kalambet/crmgate/internal/errcode"
	"github.com/kalambet/crmgate/internal/gateway"
)

type executeBody struct {
	Query     string `json:"query"`
	Statement string `json:"statement"`
}

type executeResponse struct {
	Success  bool            `json:"success"`
	Data     *gateway.Result `json:"data,omitempty"`
	RowCount int             `json:"rowCount,omitempty"`
	Code     errcode.Code    `json:"code,omitempty"`
}

func handleExecute(s Statements) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := principal(w, r)
		if !ok {
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var body executeBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			writeExecError(w, codeInvalidRequest)
			return
		}
		raw := body.Query
		if strings.TrimSpace(raw) == "" {
			raw = body.Statement
		}
		if strings.TrimSpace(raw) == "" {
			writeExecError(w, errcode.MissingQuery)
			return
		}
		stmt, err := s.Classify(raw)
		if err != nil {
			writeExecError(w, errcode.Of(err))
			return
		}
		if p.TenantID == "" {
			slog.Warn("execute without organization", "user", p.UserID)
			writeJSON(w, http.StatusForbidden, executeResponse{Code: errcode.ForbiddenOperation})
			return
		}

		res, err := s.Run(r.Context(), stmt, p.Token)
		if err != nil {
			code := errcode.Of(err)
			slog.Info("execute failed", "user", p.UserID, "tenant", p.TenantID, "code", code)
			writeExecError(w, code)
			return
		}
		writeJSON(w, http.StatusOK, executeResponse{Success: true, Data: &res, RowCount: res.RowCount})
	}
}

// writeExecError answers 401 for auth codes, 500 for infrastructure and 400
// for anything the statement itself caused.
func writeExecError(w http.ResponseWriter, code errcode.Code) {
	status := http.StatusBadRequest
	switch {
	case errcode.IsAuth(string(code)):
		status = http.StatusUnauthorized
	case code == errcode.ConfigMissing, code == errcode.Internal:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, executeResponse{Code: code})
}
