package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/kalambet/crmgate/internal/auth"
	"github.com/kalambet/crmgate/internal/backend"
	"github.com/kalambet/crmgate/internal/errcode"
	"github.com/kalambet/crmgate/internal/sqlguard"
)

// RPCExecutor calls the procedure over the backend's REST RPC endpoint with
// the caller's token, so row-level tenant isolation applies.
type RPCExecutor struct {
	backend  *backend.Client
	guardian *auth.Guardian
}

func NewRPCExecutor(b *backend.Client, g *auth.Guardian) *RPCExecutor {
	return &RPCExecutor{backend: b, guardian: g}
}

func (e *RPCExecutor) Execute(ctx context.Context, stmt sqlguard.Statement, token string) (Result, error) {
	args := map[string]string{"query_text": stmt.Text}
	resp, err := e.guardian.Do(ctx, token, func(ctx context.Context, tok string) (*http.Response, error) {
		return e.backend.RPC(ctx, tok, Procedure, args)
	})
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := backend.ReadError(resp)
		if apiErr.Unauthorized() {
			return Result{}, errcode.Wrap(errcode.AuthInvalid, apiErr)
		}
		return Result{}, errcode.Wrap(NormalizeRemote(apiErr.Code, apiErr.Message), apiErr)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("reading %s response: %w", Procedure, err)
	}
	return decodeResult(body)
}

type procedureResult struct {
	Operation string          `json:"operation"`
	RowCount  *int            `json:"rowCount"`
	RowCount2 *int            `json:"row_count"`
	Rows      json.RawMessage `json:"rows"`
	Data      json.RawMessage `json:"data"`
}

// decodeResult reads the procedure's JSON answer. Rows may be reported
// under "rows" or "data", or the answer may be a bare row array; a missing
// count falls back to the row total.
func decodeResult(body []byte) (Result, error) {
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '[' {
		var rows []map[string]any
		if err := json.Unmarshal(body, &rows); err != nil {
			return Result{}, fmt.Errorf("decoding %s rows: %w", Procedure, err)
		}
		return Result{Operation: "select", RowCount: len(rows), Rows: rows}, nil
	}

	var pr procedureResult
	if err := json.Unmarshal(body, &pr); err != nil {
		return Result{}, fmt.Errorf("decoding %s result: %w", Procedure, err)
	}

	res := Result{Operation: pr.Operation}
	for _, raw := range []json.RawMessage{pr.Rows, pr.Data} {
		var rows []map[string]any
		if len(raw) > 0 && json.Unmarshal(raw, &rows) == nil && rows != nil {
			res.Rows = rows
			break
		}
	}

	switch {
	case pr.RowCount != nil:
		res.RowCount = *pr.RowCount
	case pr.RowCount2 != nil:
		res.RowCount = *pr.RowCount2
	default:
		res.RowCount = len(res.Rows)
	}
	return res, nil
}
