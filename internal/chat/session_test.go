package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/crmgate/internal/errcode"
	"github.com/kalambet/crmgate/internal/gateway"
)

func sseBody(t *testing.T, deltas ...string) string {
	t.Helper()
	var b strings.Builder
	for _, d := range deltas {
		payload, err := json.Marshal(map[string]any{
			"choices": []map[string]any{{"delta": map[string]string{"content": d}}},
		})
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		b.WriteString("data: ")
		b.Write(payload)
		b.WriteString("\n\n")
	}
	b.WriteString("data: [DONE]\n\n")
	return b.String()
}

func response(status int, contentType, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": {contentType}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

type fakeRemote struct {
	chat     func(history []Turn) (*http.Response, error)
	exec     ExecResponse
	chats    atomic.Int32
	mu       sync.Mutex
	executed []string
}

func (f *fakeRemote) Chat(_ context.Context, _ string, history []Turn, _ string) (*http.Response, error) {
	f.chats.Add(1)
	return f.chat(history)
}

func (f *fakeRemote) Execute(_ context.Context, _ string, statement string) ExecResponse {
	f.mu.Lock()
	f.executed = append(f.executed, statement)
	f.mu.Unlock()
	return f.exec
}

type savedMessage struct {
	role, content string
	hidden        bool
}

type fakeStore struct {
	createErr error
	titles    []string
	messages  []savedMessage
}

func (f *fakeStore) CreateConversation(_ context.Context, title string) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	f.titles = append(f.titles, title)
	return "conv-1", nil
}

func (f *fakeStore) UpdateTitle(_ context.Context, _ string, title string) error {
	f.titles = append(f.titles, title)
	return nil
}

func (f *fakeStore) AppendMessage(_ context.Context, _ string, role, content string, hidden bool) error {
	f.messages = append(f.messages, savedMessage{role, content, hidden})
	return nil
}

type fakeTokens struct {
	err     error
	cleared atomic.Bool
}

func (f *fakeTokens) Resolve(context.Context) (string, error) { return "tok", f.err }
func (f *fakeTokens) Invalidate() error                       { f.cleared.Store(true); return nil }

func streaming(t *testing.T, deltas ...string) func([]Turn) (*http.Response, error) {
	body := sseBody(t, deltas...)
	return func([]Turn) (*http.Response, error) {
		return response(http.StatusOK, "text/event-stream", body), nil
	}
}

func TestSend_VisibleAndStatement(t *testing.T) {
	remote := &fakeRemote{
		chat: streaming(t, "Aqui estão ", "os dados.\n[AUTO_", "EXECUTE]\n```sql\nSELECT id FROM leads LIMIT 5\n```"),
		exec: ExecResponse{Success: true, Data: &gateway.Result{Operation: "select", RowCount: 2, Rows: []map[string]any{{"id": 1.0}, {"id": 2.0}}}},
	}
	store := &fakeStore{}
	s := NewSession(remote, store, &fakeTokens{})

	var typed []string
	s.OnTyping = func(v string) { typed = append(typed, v) }

	out := s.Send(context.Background(), "quais sao meus leads?")
	if out.Reply != "Aqui estão os dados." {
		t.Errorf("reply = %q", out.Reply)
	}
	if out.NoticeKind != NoticeSuccess || out.Notice != noticeSuccess {
		t.Errorf("notice = %q (%s)", out.Notice, out.NoticeKind)
	}
	if out.Result == nil || out.Result.RowCount != 2 {
		t.Errorf("result = %+v", out.Result)
	}
	if len(remote.executed) != 1 || remote.executed[0] != "SELECT id FROM leads LIMIT 5" {
		t.Errorf("executed = %q", remote.executed)
	}
	for _, v := range typed {
		if strings.Contains(v, "[AUTO") || strings.Contains(v, "SELECT") {
			t.Errorf("typing update leaked statement: %q", v)
		}
	}

	if len(store.titles) != 2 || store.titles[0] != defaultTitle || store.titles[1] != "quais sao meus leads?" {
		t.Errorf("titles = %q", store.titles)
	}
	want := []savedMessage{
		{"user", "quais sao meus leads?", false},
		{"assistant", "Aqui estão os dados.", false},
		{"assistant", "SELECT id FROM leads LIMIT 5", true},
	}
	if len(store.messages) != len(want) {
		t.Fatalf("messages = %+v", store.messages)
	}
	for i := range want {
		if store.messages[i] != want[i] {
			t.Errorf("message %d = %+v, want %+v", i, store.messages[i], want[i])
		}
	}

	h := s.History()
	if len(h) != 2 || h[0].Role != "user" || h[1].Content != "Aqui estão os dados." {
		t.Errorf("history = %+v", h)
	}
	if s.State() != Idle || s.ConversationID() != "conv-1" {
		t.Errorf("state = %s, conversation = %q", s.State(), s.ConversationID())
	}
}

func TestSend_SecondTurnKeepsConversation(t *testing.T) {
	var seen [][]Turn
	remote := &fakeRemote{chat: func(h []Turn) (*http.Response, error) {
		seen = append(seen, h)
		return response(http.StatusOK, "text/event-stream", "data: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n\n"), nil
	}}
	store := &fakeStore{}
	s := NewSession(remote, store, &fakeTokens{})

	s.Send(context.Background(), "primeira")
	s.Send(context.Background(), "segunda")

	if len(store.titles) != 2 {
		t.Errorf("title should be set once, got %q", store.titles)
	}
	if len(seen) != 2 || len(seen[1]) != 3 || seen[1][2].Content != "segunda" {
		t.Errorf("second request history = %+v", seen)
	}
}

func TestSend_StatementOnly(t *testing.T) {
	remote := &fakeRemote{
		chat: streaming(t, "[AUTO_EXECUTE]\nSELECT id FROM tasks"),
		exec: ExecResponse{Success: true, Data: &gateway.Result{Operation: "select"}},
	}
	s := NewSession(remote, &fakeStore{}, &fakeTokens{})

	out := s.Send(context.Background(), "minhas tarefas")
	if out.Reply != replyResults {
		t.Errorf("reply = %q", out.Reply)
	}
	if out.NoticeKind != NoticeNone {
		t.Errorf("empty result should not notify, got %q", out.Notice)
	}
}

func TestSend_NothingUsable(t *testing.T) {
	remote := &fakeRemote{chat: streaming(t, "   ")}
	store := &fakeStore{}
	s := NewSession(remote, store, &fakeTokens{})

	out := s.Send(context.Background(), "oi")
	if out.Reply != replyNoAnswer {
		t.Errorf("reply = %q", out.Reply)
	}
	if len(remote.executed) != 0 {
		t.Error("nothing should be executed")
	}
	for _, m := range store.messages {
		if m.role == "assistant" {
			t.Errorf("fallback reply persisted: %+v", m)
		}
	}
}

func TestSend_RejectedStatementNeverExecuted(t *testing.T) {
	remote := &fakeRemote{chat: streaming(t, "Feito.[AUTO_EXECUTE]DROP TABLE leads")}
	s := NewSession(remote, &fakeStore{}, &fakeTokens{})

	out := s.Send(context.Background(), "apague tudo")
	if out.Code != errcode.ForbiddenOperation {
		t.Errorf("code = %q", out.Code)
	}
	if out.Notice != errcode.Message(string(errcode.ForbiddenOperation)) || out.NoticeKind != NoticeError {
		t.Errorf("notice = %q", out.Notice)
	}
	if len(remote.executed) != 0 {
		t.Errorf("rejected statement reached execution: %q", remote.executed)
	}
}

func TestSend_ExecuteFailureMapped(t *testing.T) {
	remote := &fakeRemote{
		chat: streaming(t, "Criando.[AUTO_EXECUTE]INSERT INTO notes (title) VALUES ('a')"),
		exec: ExecResponse{Code: "23505"},
	}
	tokens := &fakeTokens{}
	s := NewSession(remote, &fakeStore{}, tokens)

	out := s.Send(context.Background(), "crie uma nota")
	if out.Notice != errcode.Message("23505") || out.Code != errcode.UniqueViolation {
		t.Errorf("outcome = %+v", out)
	}
	if tokens.cleared.Load() {
		t.Error("constraint failures must not clear the session")
	}
}

func TestSend_ExecuteAuthFailureClearsSession(t *testing.T) {
	remote := &fakeRemote{
		chat: streaming(t, "[AUTO_EXECUTE]SELECT id FROM deals"),
		exec: ExecResponse{Code: string(errcode.AuthInvalid)},
	}
	tokens := &fakeTokens{}
	out := NewSession(remote, &fakeStore{}, tokens).Send(context.Background(), "negocios")
	if !out.SessionCleared || !tokens.cleared.Load() || out.Notice != noticeExpired {
		t.Errorf("outcome = %+v", out)
	}
}

func TestSend_AuthFailures(t *testing.T) {
	cases := map[string]struct {
		tokens *fakeTokens
		chat   func([]Turn) (*http.Response, error)
	}{
		"resolve": {
			tokens: &fakeTokens{err: errcode.Wrap(errcode.AuthMissing, errors.New("no session"))},
			chat:   streaming(t, "x"),
		},
		"401 with code": {
			tokens: &fakeTokens{},
			chat: func([]Turn) (*http.Response, error) {
				return response(http.StatusUnauthorized, "application/json", `{"error":"auth_project_mismatch"}`), nil
			},
		},
		"401 empty": {
			tokens: &fakeTokens{},
			chat: func([]Turn) (*http.Response, error) {
				return response(http.StatusUnauthorized, "application/json", ``), nil
			},
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			out := NewSession(&fakeRemote{chat: tc.chat}, &fakeStore{}, tc.tokens).Send(context.Background(), "oi")
			if !out.SessionCleared || !tc.tokens.cleared.Load() {
				t.Errorf("session not cleared: %+v", out)
			}
			if out.Notice != noticeExpired || out.NoticeKind != NoticeError {
				t.Errorf("notice = %q", out.Notice)
			}
		})
	}
}

func TestSend_GenericFailure(t *testing.T) {
	tokens := &fakeTokens{}
	remote := &fakeRemote{chat: func([]Turn) (*http.Response, error) {
		return nil, errors.New("dial tcp: connection refused")
	}}
	out := NewSession(remote, &fakeStore{}, tokens).Send(context.Background(), "oi")
	if out.Notice != noticeGeneric || out.Code != errcode.Internal {
		t.Errorf("outcome = %+v", out)
	}
	if tokens.cleared.Load() {
		t.Error("transport failure must not clear the session")
	}

	remote.chat = func([]Turn) (*http.Response, error) {
		return response(http.StatusBadGateway, "application/json", `{"error":{"message":"upstream","type":"upstream_error"}}`), nil
	}
	out = NewSession(remote, &fakeStore{}, tokens).Send(context.Background(), "oi")
	if out.Notice != noticeGeneric {
		t.Errorf("notice = %q", out.Notice)
	}
}

func TestSend_NonStreamResponse(t *testing.T) {
	remote := &fakeRemote{chat: func([]Turn) (*http.Response, error) {
		return response(http.StatusOK, "application/json", `{"code":"write_not_allowed"}`), nil
	}}
	s := NewSession(remote, &fakeStore{}, &fakeTokens{})

	out := s.Send(context.Background(), "oi")
	if out.Reply != errcode.Message("write_not_allowed") {
		t.Errorf("reply = %q", out.Reply)
	}
	if h := s.History(); len(h) != 2 || h[1].Content != out.Reply {
		t.Errorf("history = %+v", h)
	}
}

func TestSend_StoreFailureIsNotFatal(t *testing.T) {
	remote := &fakeRemote{chat: streaming(t, "Tudo certo.")}
	s := NewSession(remote, &fakeStore{createErr: errors.New("offline")}, &fakeTokens{})

	out := s.Send(context.Background(), "oi")
	if out.Reply != "Tudo certo." || out.NoticeKind != NoticeNone {
		t.Errorf("outcome = %+v", out)
	}
	if s.ConversationID() != "" {
		t.Errorf("conversation id = %q", s.ConversationID())
	}
}

func TestSend_BusyIsNoOp(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	remote := &fakeRemote{chat: func([]Turn) (*http.Response, error) {
		close(entered)
		<-release
		return response(http.StatusOK, "text/event-stream", "data: [DONE]\n\n"), nil
	}}
	s := NewSession(remote, &fakeStore{}, &fakeTokens{})

	done := make(chan Outcome, 1)
	go func() { done <- s.Send(context.Background(), "primeira") }()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first send never reached the remote")
	}

	if out := s.Send(context.Background(), "segunda"); !out.Skipped {
		t.Errorf("overlapping send should be skipped, got %+v", out)
	}
	close(release)
	if out := <-done; out.Skipped {
		t.Error("first send was skipped")
	}
	if remote.chats.Load() != 1 {
		t.Errorf("chat calls = %d, want 1", remote.chats.Load())
	}
	if h := s.History(); len(h) != 2 || h[0].Content != "primeira" {
		t.Errorf("history = %+v", h)
	}
}

func TestSend_BlankIsNoOp(t *testing.T) {
	remote := &fakeRemote{chat: streaming(t, "x")}
	if out := NewSession(remote, &fakeStore{}, &fakeTokens{}).Send(context.Background(), "  \n"); !out.Skipped {
		t.Errorf("outcome = %+v", out)
	}
	if remote.chats.Load() != 0 {
		t.Error("blank input reached the remote")
	}
}

func TestTitle(t *testing.T) {
	cases := []struct{ in, want string }{
		{"", defaultTitle},
		{"  curto  ", "curto"},
		{strings.Repeat("a", 50), strings.Repeat("a", 50)},
		{strings.Repeat("á", 60), strings.Repeat("á", 50) + "..."},
	}
	for _, tc := range cases {
		if got := Title(tc.in); got != tc.want {
			t.Errorf("Title(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestStateString(t *testing.T) {
	for st, want := range map[State]string{Idle: "idle", Sending: "sending", StreamingVisible: "streaming", Executing: "executing"} {
		if st.String() != want {
			t.Errorf("%d.String() = %q", st, st.String())
		}
	}
}
