package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/crmgate/internal/errcode"
	"github.com/kalambet/crmgate/internal/storage"
)

const (
	codeNotFound       errcode.Code = "not_found"
	codeInvalidRequest errcode.Code = "invalid_request"

	defaultConversationTitle = "Nova conversa"
	maxConversationList      = 100
)

func handleListConversations(store *storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := principal(w, r)
		if !ok {
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if limit <= 0 || limit > maxConversationList {
			limit = 50
		}
		convs, err := store.ListConversations(p.TenantID, p.UserID, limit)
		if err != nil {
			slog.Error("listing conversations failed", "user", p.UserID, "error", err)
			httpError(w, http.StatusInternalServerError, errcode.Internal)
			return
		}
		if convs == nil {
			convs = []storage.Conversation{}
		}
		writeJSON(w, http.StatusOK, convs)
	}
}

type titleBody struct {
	Title string `json:"title"`
}

func handleCreateConversation(store *storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := principal(w, r)
		if !ok {
			return
		}
		// An empty body creates an untitled conversation.
		var body titleBody
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			httpError(w, http.StatusBadRequest, codeInvalidRequest)
			return
		}
		title := strings.TrimSpace(body.Title)
		if title == "" {
			title = defaultConversationTitle
		}

		conv, err := store.CreateConversation(storage.Conversation{TenantID: p.TenantID, UserID: p.UserID, Title: title})
		if err != nil {
			slog.Error("creating conversation failed", "user", p.UserID, "error", err)
			httpError(w, http.StatusInternalServerError, errcode.Internal)
			return
		}
		writeJSON(w, http.StatusCreated, conv)
	}
}

func handleRenameConversation(store *storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := principal(w, r)
		if !ok {
			return
		}
		conv, ok := ownedConversation(w, store, p, chi.URLParam(r, "id"))
		if !ok {
			return
		}
		var body titleBody
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize)).Decode(&body); err != nil || strings.TrimSpace(body.Title) == "" {
			httpError(w, http.StatusBadRequest, codeInvalidRequest)
			return
		}
		if err := store.UpdateConversationTitle(conv.ID, strings.TrimSpace(body.Title)); err != nil {
			slog.Error("renaming conversation failed", "conversation", conv.ID, "error", err)
			httpError(w, http.StatusInternalServerError, errcode.Internal)
			return
		}
		updated, err := store.GetConversation(conv.ID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, errcode.Internal)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	}
}

func handleListMessages(store *storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := principal(w, r)
		if !ok {
			return
		}
		conv, ok := ownedConversation(w, store, p, chi.URLParam(r, "id"))
		if !ok {
			return
		}
		msgs, err := store.ListMessages(conv.ID, false)
		if err != nil {
			slog.Error("listing messages failed", "conversation", conv.ID, "error", err)
			httpError(w, http.StatusInternalServerError, errcode.Internal)
			return
		}
		if msgs == nil {
			msgs = []storage.Message{}
		}
		writeJSON(w, http.StatusOK, msgs)
	}
}

type messageBody struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Hidden  bool   `json:"hidden"`
}

func handleAppendMessage(store *storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := principal(w, r)
		if !ok {
			return
		}
		conv, ok := ownedConversation(w, store, p, chi.URLParam(r, "id"))
		if !ok {
			return
		}
		var body messageBody
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize)).Decode(&body); err != nil {
			httpError(w, http.StatusBadRequest, codeInvalidRequest)
			return
		}
		if (body.Role != storage.RoleUser && body.Role != storage.RoleAssistant) || body.Content == "" {
			httpError(w, http.StatusBadRequest, codeInvalidRequest)
			return
		}

		msg, err := store.AppendMessage(storage.Message{
			ConversationID: conv.ID,
			Role:           body.Role,
			Content:        body.Content,
			Hidden:         body.Hidden,
		})
		if err != nil {
			slog.Error("appending message failed", "conversation", conv.ID, "error", err)
			httpError(w, http.StatusInternalServerError, errcode.Internal)
			return
		}
		writeJSON(w, http.StatusCreated, msg)
	}
}

// ownedConversation loads id and answers 404 unless it belongs to p.
func ownedConversation(w http.ResponseWriter, store *storage.Store, p Principal, id string) (storage.Conversation, bool) {
	conv, err := store.GetConversation(id)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && (conv.TenantID != p.TenantID || conv.UserID != p.UserID)) {
		httpError(w, http.StatusNotFound, codeNotFound)
		return storage.Conversation{}, false
	}
	if err != nil {
		slog.Error("loading conversation failed", "conversation", id, "error", err)
		httpError(w, http.StatusInternalServerError, errcode.Internal)
		return storage.Conversation{}, false
	}
	return conv, true
}

func handleGetSettings(store *storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := tenantPrincipal(w, r)
		if !ok {
			return
		}
		st, err := store.ActiveSettings(p.TenantID)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, codeNotFound)
			return
		}
		if err != nil {
			slog.Error("loading settings failed", "tenant", p.TenantID, "error", err)
			httpError(w, http.StatusInternalServerError, errcode.Internal)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func handlePutSettings(store *storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := tenantPrincipal(w, r)
		if !ok {
			return
		}
		var st storage.Settings
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize)).Decode(&st); err != nil {
			httpError(w, http.StatusBadRequest, codeInvalidRequest)
			return
		}
		if st.Temperature != nil && (*st.Temperature < 0 || *st.Temperature > 2) || st.MaxTokens < 0 {
			httpError(w, http.StatusBadRequest, codeInvalidRequest)
			return
		}
		st.ID = ""
		st.TenantID = p.TenantID

		saved, err := store.SaveSettings(st)
		if err != nil {
			slog.Error("saving settings failed", "tenant", p.TenantID, "error", err)
			httpError(w, http.StatusInternalServerError, errcode.Internal)
			return
		}
		slog.Info("settings updated", "tenant", p.TenantID, "model", saved.Model, "active", saved.Active)
		writeJSON(w, http.StatusOK, saved)
	}
}
