// Package assistant runs the bounded tool-calling loop behind the
// structured CRM assistant.
package assistant

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/crmgate/internal/completion"
	"github.com/kalambet/crmgate/internal/tools"
)

// Fallback is answered when the model ends without any text.
const Fallback = "Desculpe, nao consegui gerar uma resposta agora. Tente novamente."

const defaultMaxRounds = 3

type Completer interface {
	Complete(ctx context.Context, req completion.Request) (*completion.Response, error)
}

type Invoker interface {
	Invoke(ctx context.Context, scope tools.Scope, call completion.ToolCall) string
}

type Assistant struct {
	completer Completer
	invoker   Invoker
	maxRounds int
	logger    *slog.Logger
}

func New(c Completer, inv Invoker, maxRounds int) *Assistant {
	if maxRounds <= 0 {
		maxRounds = defaultMaxRounds
	}
	return &Assistant{
		completer: c,
		invoker:   inv,
		maxRounds: maxRounds,
		logger:    slog.Default(),
	}
}

// Answer is the outcome of one Run.
type Answer struct {
	Text      string `json:"response"`
	Rounds    int    `json:"-"`
	ToolCalls int    `json:"-"`
}

// Run sends req and executes requested tools until the model answers with
// text or maxRounds completions have been made. Tool failures are fed back
// to the model; only completion failures are returned.
func (a *Assistant) Run(ctx context.Context, scope tools.Scope, req completion.Request) (Answer, error) {
	var ans Answer
	msgs := append([]completion.Message(nil), req.Messages...)

	for ans.Rounds < a.maxRounds {
		req.Messages = msgs
		resp, err := a.completer.Complete(ctx, req)
		if err != nil {
			return Answer{}, fmt.Errorf("completion round %d: %w", ans.Rounds+1, err)
		}
		ans.Rounds++
		if len(resp.Choices) == 0 {
			break
		}

		msg := resp.Choices[0].Message
		if len(msg.ToolCalls) == 0 {
			ans.Text = strings.TrimSpace(msg.Content)
			break
		}

		msgs = append(msgs, completion.Message{
			Role:      "assistant",
			Content:   msg.Content,
			ToolCalls: msg.ToolCalls,
		})
		for _, call := range msg.ToolCalls {
			ans.ToolCalls++
			out := a.invoker.Invoke(ctx, scope, call)
			msgs = append(msgs, completion.Message{
				Role:       "tool",
				Name:       call.Function.Name,
				ToolCallID: call.ID,
				Content:    out,
			})
		}
	}

	if ans.Text == "" {
		ans.Text = Fallback
	}
	a.logger.Info("assistant answered",
		"rounds", ans.Rounds,
		"tool_calls", ans.ToolCalls,
		"chars", len(ans.Text),
	)
	return ans, nil
}
