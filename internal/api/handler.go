// Package api is the HTTP surface of crmgate: the streaming chat function,
// statement execution, the tool assistant, conversations and settings.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/crmgate/internal/assistant"
	"github.com/kalambet/crmgate/internal/completion"
	"github.com/kalambet/crmgate/internal/errcode"
	"github.com/kalambet/crmgate/internal/gateway"
	"github.com/kalambet/crmgate/internal/pipeline"
	"github.com/kalambet/crmgate/internal/sqlguard"
	"github.com/kalambet/crmgate/internal/storage"
	"github.com/kalambet/crmgate/internal/tools"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Statements classifies raw statements and runs accepted ones through the
// gateway.
type Statements interface {
	Classify(raw string) (sqlguard.Statement, error)
	Run(ctx context.Context, stmt sqlguard.Statement, token string) (gateway.Result, error)
}

// Completions is the upstream completion service.
type Completions interface {
	Stream(ctx context.Context, req completion.Request) (io.ReadCloser, error)
	ListModels(ctx context.Context) ([]completion.Model, error)
}

// Assistant answers with the tool-calling loop.
type Assistant interface {
	Run(ctx context.Context, scope tools.Scope, req completion.Request) (assistant.Answer, error)
}

// Deps holds the collaborators of the HTTP handler. Metrics may be nil.
type Deps struct {
	Identity    Identity
	Statements  Statements
	Preparer    *pipeline.Preparer
	Completions Completions
	Assistant   Assistant
	Store       *storage.Store
	Metrics     http.Handler
}

// NewHandler returns the router. /health and /metrics are public; every
// /v1 route requires a bearer token accepted by the identity provider.
func NewHandler(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(RequireUser(d.Identity))

		r.Get("/models", handleModels(d.Completions))
		r.Post("/chat", handleChat(d.Preparer, d.Completions))
		r.Post("/execute", handleExecute(d.Statements))
		r.Post("/assistant", handleAssistant(d.Preparer, d.Assistant))

		r.Get("/conversations", handleListConversations(d.Store))
		r.Post("/conversations", handleCreateConversation(d.Store))
		r.Patch("/conversations/{id}", handleRenameConversation(d.Store))
		r.Get("/conversations/{id}/messages", handleListMessages(d.Store))
		r.Post("/conversations/{id}/messages", handleAppendMessage(d.Store))

		r.Get("/settings", handleGetSettings(d.Store))
		r.Put("/settings", handlePutSettings(d.Store))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleModels(c Completions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		models, err := c.ListModels(r.Context())
		if err != nil {
			slog.Error("listing models failed", "error", err)
			httpError(w, http.StatusBadGateway, errcode.Internal)
			return
		}
		if models == nil {
			models = []completion.Model{}
		}
		writeJSON(w, http.StatusOK, completion.ModelList{Object: "list", Data: models})
	}
}

type chatBody struct {
	Messages       json.RawMessage `json:"messages"`
	ConversationID string          `json:"conversation_id,omitempty"`
}

// handleChat streams the statement-emitting completion. The upstream call
// is bound to the request context, so a client disconnect cancels it.
func handleChat(prep *pipeline.Preparer, c Completions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := principal(w, r)
		if !ok {
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var body chatBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			httpError(w, http.StatusBadRequest, "messages_required")
			return
		}
		history, ok := decodeHistory(body.Messages)
		if !ok {
			httpError(w, http.StatusBadRequest, "messages_required")
			return
		}

		prepared := prep.Prepare(r.Context(), p.TenantID)
		req := prep.ChatRequest(prepared, history)
		slog.Info("chat request",
			"user", p.UserID,
			"tenant", p.TenantID,
			"conversation", body.ConversationID,
			"model", req.Model,
			"settings", prepared.SettingsUsed,
			"metadata_tables", prepared.Snapshot.Len(),
			"history", len(req.Messages)-1,
			"prepare_ms", prepared.DurationMs,
		)

		rc, err := c.Stream(r.Context(), req)
		if err != nil {
			slog.Error("upstream completion failed", "error", err, "rate_limited", completion.IsRateLimit(err))
			status := http.StatusBadGateway
			if completion.IsRateLimit(err) {
				status = http.StatusTooManyRequests
			}
			httpError(w, status, errcode.Internal)
			return
		}
		defer rc.Close()

		streamResponse(w, rc)
	}
}

// decodeHistory accepts only a non-empty JSON array of messages.
func decodeHistory(raw json.RawMessage) ([]completion.Message, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var msgs []completion.Message
	if err := json.Unmarshal(raw, &msgs); err != nil || len(msgs) == 0 {
		return nil, false
	}
	return msgs, true
}

func streamResponse(w http.ResponseWriter, rc io.Reader) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, errcode.Internal)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	reader := bufio.NewReader(rc)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			w.Write(line)
			flusher.Flush()
		}
		if err != nil {
			if err != io.EOF && !errors.Is(err, context.Canceled) {
				slog.Warn("upstream stream read error", "error", err)
				payload, _ := json.Marshal(map[string]any{
					"error": map[string]any{
						"message": "upstream read error",
						"type":    string(errcode.Internal),
					},
				})
				fmt.Fprintf(w, "data: %s\n\n", payload)
				flusher.Flush()
			}
			break
		}
	}
}

type assistantBody struct {
	Message    string               `json:"message"`
	History    []completion.Message `json:"history,omitempty"`
	DeepSearch bool                 `json:"deep_search,omitempty"`
}

func handleAssistant(prep *pipeline.Preparer, a Assistant) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := tenantPrincipal(w, r)
		if !ok {
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var body assistantBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Message == "" {
			httpError(w, http.StatusBadRequest, "messages_required")
			return
		}

		history := append(body.History, completion.Message{Role: "user", Content: body.Message})
		prepared := prep.Prepare(r.Context(), p.TenantID)
		req := prep.AssistantRequest(prepared, history, body.DeepSearch)

		ans, err := a.Run(r.Context(), tools.Scope{TenantID: p.TenantID, UserID: p.UserID, Token: p.Token}, req)
		if err != nil {
			slog.Error("assistant failed", "user", p.UserID, "error", err)
			httpError(w, http.StatusBadGateway, errcode.Internal)
			return
		}
		slog.Info("assistant answered", "user", p.UserID, "rounds", ans.Rounds, "tool_calls", ans.ToolCalls)
		writeJSON(w, http.StatusOK, ans)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// httpError writes {"error": code, "message": friendly}. Only codes and
// their fixed sentences leave the server.
func httpError(w http.ResponseWriter, status int, code errcode.Code) {
	writeJSON(w, status, map[string]string{
		"error":   string(code),
		"message": errcode.Message(string(code)),
	})
}
