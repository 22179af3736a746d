// Package chat is the conversational loop: it sends user text for
// completion, splits the streamed reply into visible prose and a hidden
// statement, runs the statement and reports the outcome.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/kalambet/crmgate/internal/errcode"
	"github.com/kalambet/crmgate/internal/gateway"
	"github.com/kalambet/crmgate/internal/logging"
	"github.com/kalambet/crmgate/internal/sqlguard"
	"github.com/kalambet/crmgate/internal/stream"
)

// State is the orchestrator's position in one send.
type State int32

const (
	Idle State = iota
	Sending
	StreamingVisible
	Executing
)

func (s State) String() string {
	switch s {
	case Sending:
		return "sending"
	case StreamingVisible:
		return "streaming"
	case Executing:
		return "executing"
	default:
		return "idle"
	}
}

const (
	replyResults   = "Certo, aqui estao os resultados."
	replyNoAnswer  = "Nao consegui responder agora. Tente reformular."
	noticeSuccess  = "Acao concluida com sucesso."
	noticeExpired  = "Sessao expirada ou invalida. Entre novamente para continuar."
	noticeGeneric  = "Nao foi possivel concluir agora."
	defaultTitle   = "Nova conversa"
	titleMaxRunes  = 50
	previewRunes   = 160
	nonStreamLimit = 64 << 10
)

// Turn is one history entry sent for completion.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ExecResponse is the execution endpoint's answer.
type ExecResponse struct {
	Success  bool            `json:"success"`
	Data     *gateway.Result `json:"data,omitempty"`
	RowCount int             `json:"rowCount,omitempty"`
	Code     string          `json:"code,omitempty"`
}

// Remote is the completion and execution boundary.
type Remote interface {
	Chat(ctx context.Context, token string, history []Turn, conversationID string) (*http.Response, error)
	Execute(ctx context.Context, token, statement string) ExecResponse
}

// Store persists conversations and messages.
type Store interface {
	CreateConversation(ctx context.Context, title string) (string, error)
	UpdateTitle(ctx context.Context, conversationID, title string) error
	AppendMessage(ctx context.Context, conversationID, role, content string, hidden bool) error
}

// Tokens resolves the bearer token for a send and discards the local
// session when it is no longer accepted.
type Tokens interface {
	Resolve(ctx context.Context) (string, error)
	Invalidate() error
}

// NoticeKind classifies an Outcome notice.
type NoticeKind string

const (
	NoticeNone    NoticeKind = ""
	NoticeSuccess NoticeKind = "success"
	NoticeError   NoticeKind = "error"
)

// Outcome is what one Send produced for the user.
type Outcome struct {
	Skipped        bool
	Reply          string
	Notice         string
	NoticeKind     NoticeKind
	Result         *gateway.Result
	Code           errcode.Code
	SessionCleared bool
}

// Session holds one conversation's local history. Sends are serialized by
// a busy flag: a Send while another is in flight returns immediately.
type Session struct {
	remote     Remote
	store      Store
	tokens     Tokens
	classifier sqlguard.Classifier
	tag        string

	// OnTyping receives the cleaned visible text after every fragment.
	OnTyping func(string)

	// OnState observes state transitions.
	OnState func(State)

	busy  atomic.Bool
	state atomic.Int32

	mu             sync.Mutex
	history        []Turn
	conversationID string

	logger *slog.Logger
}

func NewSession(remote Remote, store Store, tokens Tokens) *Session {
	return &Session{
		remote:     remote,
		store:      store,
		tokens:     tokens,
		classifier: sqlguard.Rules{},
		tag:        sqlguard.Sentinel,
		logger:     slog.Default(),
	}
}

// State returns the current state.
func (s *Session) State() State { return State(s.state.Load()) }

// ConversationID returns the persisted conversation, or "" before the
// first successful creation.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// History returns a copy of the local history.
func (s *Session) History() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Turn(nil), s.history...)
}

// Reset starts a new conversation.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = nil
	s.conversationID = ""
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
	if s.OnState != nil {
		s.OnState(st)
	}
}

func (s *Session) appendTurn(role, content string) {
	s.mu.Lock()
	s.history = append(s.history, Turn{Role: role, Content: content})
	s.mu.Unlock()
}

// Send runs one user message through the loop. Errors never escape: they
// become a notice on the Outcome.
func (s *Session) Send(ctx context.Context, text string) Outcome {
	if strings.TrimSpace(text) == "" {
		return Outcome{Skipped: true}
	}
	if !s.busy.CompareAndSwap(false, true) {
		s.logger.Debug("send ignored, session busy", "state", s.State())
		return Outcome{Skipped: true}
	}
	defer func() {
		s.setState(Idle)
		s.busy.Store(false)
	}()

	s.setState(Sending)
	s.mu.Lock()
	prior := append([]Turn(nil), s.history...)
	s.history = append(s.history, Turn{Role: "user", Content: text})
	s.mu.Unlock()

	out, err := s.send(ctx, text, prior)
	if err != nil {
		return s.fail(err)
	}
	return out
}

func (s *Session) send(ctx context.Context, text string, prior []Turn) (Outcome, error) {
	token, err := s.tokens.Resolve(ctx)
	if err != nil {
		return Outcome{}, err
	}

	convID := s.ensureConversation(ctx, text, len(prior) == 0)

	turns := append(prior, Turn{Role: "user", Content: text})
	resp, err := s.remote.Chat(ctx, token, turns, convID)
	if err != nil {
		return Outcome{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		code := responseCode(resp.Body)
		s.logger.Error("chat request failed", "status", resp.StatusCode, "code", code)
		if code == "" {
			code = "chat_request_failed"
			if resp.StatusCode == http.StatusUnauthorized {
				code = string(errcode.AuthInvalid)
			}
		}
		return Outcome{}, codeError(code)
	}

	if !strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		reply := nonStreamReply(resp.Body)
		s.appendTurn("assistant", reply)
		return Outcome{Reply: reply}, nil
	}

	s.setState(StreamingVisible)
	res, err := stream.Read(resp.Body, s.tag, func(v string) {
		if s.OnTyping != nil {
			s.OnTyping(stream.CleanVisible(v))
		}
	})
	if err != nil {
		return Outcome{}, err
	}
	s.logger.Info("chat response parsed",
		"has_visible", res.Visible != "",
		"has_statement", res.Statement != "",
		"tagged", res.Tagged,
		"statement", logging.Preview(res.Statement, previewRunes),
	)

	var out Outcome
	switch {
	case res.Visible != "" || res.Statement != "":
		out.Reply = res.Visible
		if out.Reply == "" {
			out.Reply = replyResults
		}
		s.appendTurn("assistant", out.Reply)
		s.persist(ctx, convID, "assistant", out.Reply, false)
	default:
		out.Reply = replyNoAnswer
		s.appendTurn("assistant", out.Reply)
	}

	if res.Statement == "" {
		return out, nil
	}

	s.setState(Executing)
	s.execute(ctx, token, convID, res.Statement, &out)
	return out, nil
}

func (s *Session) execute(ctx context.Context, token, convID, raw string, out *Outcome) {
	stmt, err := s.classifier.Classify(raw)
	if err != nil {
		out.Code = errcode.Of(err)
		out.Notice = errcode.Message(string(out.Code))
		out.NoticeKind = NoticeError
		s.logger.Warn("statement rejected locally", "code", out.Code, "preview", logging.Preview(raw, previewRunes))
		return
	}
	s.persist(ctx, convID, "assistant", stmt.Text, true)

	res := s.remote.Execute(ctx, token, stmt.Text)
	s.logger.Info("execute result", "success", res.Success, "code", res.Code)
	if res.Success {
		out.Result = res.Data
		if res.Data != nil && len(res.Data.Rows) > 0 {
			out.Notice = noticeSuccess
			out.NoticeKind = NoticeSuccess
		}
		return
	}

	code := res.Code
	if code == "" {
		code = string(errcode.Internal)
	}
	out.Code = errcode.Code(code)
	out.Notice = errcode.Message(code)
	out.NoticeKind = NoticeError
	if errcode.IsAuth(code) {
		out.SessionCleared = s.invalidate()
		out.Notice = noticeExpired
	}
}

// ensureConversation creates the conversation on the first send. Store
// failures are logged and the send continues unpersisted.
func (s *Session) ensureConversation(ctx context.Context, text string, first bool) string {
	s.mu.Lock()
	id := s.conversationID
	s.mu.Unlock()

	if id == "" {
		created, err := s.store.CreateConversation(ctx, defaultTitle)
		if err != nil {
			s.logger.Error("conversation create failed", "error", err)
			return ""
		}
		id = created
		s.mu.Lock()
		s.conversationID = id
		s.mu.Unlock()
	}

	s.persist(ctx, id, "user", text, false)
	if first {
		if err := s.store.UpdateTitle(ctx, id, Title(text)); err != nil {
			s.logger.Error("conversation title failed", "error", err)
		}
	}
	return id
}

func (s *Session) persist(ctx context.Context, convID, role, content string, hidden bool) {
	if convID == "" {
		return
	}
	if err := s.store.AppendMessage(ctx, convID, role, content, hidden); err != nil {
		s.logger.Error("message create failed", "role", role, "error", err)
	}
}

func (s *Session) fail(err error) Outcome {
	code := string(errcode.Of(err))
	var ce codeError
	if errors.As(err, &ce) {
		code = string(ce)
	}
	s.logger.Error("chat failed", "code", code, "error", err)

	if errcode.IsAuth(code) {
		return Outcome{
			Notice:         noticeExpired,
			NoticeKind:     NoticeError,
			Code:           errcode.Code(code),
			SessionCleared: s.invalidate(),
		}
	}
	return Outcome{Notice: noticeGeneric, NoticeKind: NoticeError, Code: errcode.Internal}
}

func (s *Session) invalidate() bool {
	if err := s.tokens.Invalidate(); err != nil {
		s.logger.Error("clearing local session failed", "error", err)
		return false
	}
	return true
}

// Title derives a conversation title from its first message.
func Title(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return defaultTitle
	}
	if utf8.RuneCountInString(text) <= titleMaxRunes {
		return text
	}
	return string([]rune(text)[:titleMaxRunes]) + "..."
}

// codeError carries a raw code string reported by the server.
type codeError string

func (e codeError) Error() string { return string(e) }

type errorBody struct {
	Error   json.RawMessage `json:"error"`
	Message string          `json:"message"`
	Code    string          `json:"code"`
}

// responseCode extracts error, message or code from a JSON body. The
// error field may be a string or the {"message","type"} envelope.
func responseCode(body io.Reader) string {
	var eb errorBody
	if err := json.NewDecoder(io.LimitReader(body, nonStreamLimit)).Decode(&eb); err != nil {
		return ""
	}
	if len(eb.Error) > 0 {
		var s string
		if json.Unmarshal(eb.Error, &s) == nil && s != "" {
			return s
		}
		var env struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		}
		if json.Unmarshal(eb.Error, &env) == nil {
			if env.Type != "" {
				return env.Type
			}
			if env.Message != "" {
				return env.Message
			}
		}
	}
	if eb.Code != "" {
		return eb.Code
	}
	return eb.Message
}

func nonStreamReply(body io.Reader) string {
	if code := responseCode(body); code != "" {
		return errcode.Message(code)
	}
	return noticeGeneric
}
