// Package tools is the closed set of structured CRM operations the
// assistant may call. Each tool decodes typed arguments, checks them
// against the schema snapshot and renders a single quoted statement.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/kalambet/crmgate/internal/completion"
	"github.com/kalambet/crmgate/internal/errcode"
	"github.com/kalambet/crmgate/internal/gateway"
	"github.com/kalambet/crmgate/internal/logging"
	"github.com/kalambet/crmgate/internal/metadata"
	"github.com/kalambet/crmgate/internal/sqlguard"
)

const (
	QueryTool  = "crm_query"
	InsertTool = "crm_insert"
)

var (
	// QueryTables may be read through crm_query.
	QueryTables = []string{"leads", "lead_lists", "deals", "notes", "tasks", "partners", "companies", "contacts"}
	// InsertTables may be written through crm_insert.
	InsertTables = []string{"tasks", "notes"}
)

// Scope identifies who a tool call runs for.
type Scope struct {
	TenantID string
	UserID   string
	Token    string
}

// Runner executes a statement whose kind is already known.
type Runner interface {
	Run(ctx context.Context, stmt sqlguard.Statement, token string) (gateway.Result, error)
}

// Snapshots supplies the current schema snapshot.
type Snapshots interface {
	Get(ctx context.Context) (*metadata.Snapshot, error)
}

// UnknownToolError is returned for a name outside the registry.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string { return "Unknown function: " + e.Name }

// ArgumentError is a rejected argument. Its text is safe to hand back to
// the model.
type ArgumentError struct {
	Msg string
}

func (e *ArgumentError) Error() string { return e.Msg }

func argErr(format string, args ...any) error {
	return &ArgumentError{Msg: fmt.Sprintf(format, args...)}
}

type handler func(ctx context.Context, scope Scope, snap *metadata.Snapshot, args json.RawMessage) (any, error)

// Registry dispatches tool calls by name.
type Registry struct {
	runner   Runner
	meta     Snapshots
	handlers map[string]handler
	logger   *slog.Logger
}

func NewRegistry(runner Runner, meta Snapshots) *Registry {
	r := &Registry{
		runner: runner,
		meta:   meta,
		logger: slog.Default(),
	}
	r.handlers = map[string]handler{
		QueryTool:  r.query,
		InsertTool: r.insert,
	}
	return r
}

// Call runs the named tool. Argument problems come back as
// *ArgumentError, unknown names as *UnknownToolError and execution
// failures as coded errors.
func (r *Registry) Call(ctx context.Context, scope Scope, name string, args json.RawMessage) (any, error) {
	h, ok := r.handlers[name]
	if !ok {
		return nil, &UnknownToolError{Name: name}
	}
	snap, err := r.meta.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading metadata: %w", err)
	}
	return h(ctx, scope, snap, args)
}

// Invoke runs call and encodes the outcome as tool message content. Every
// failure becomes {"error": ...}; backend text is replaced by its code.
func (r *Registry) Invoke(ctx context.Context, scope Scope, call completion.ToolCall) string {
	args := json.RawMessage(call.Function.Arguments)
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	out, err := r.Call(ctx, scope, call.Function.Name, args)
	if err != nil {
		r.logger.Warn("tool call failed", "tool", call.Function.Name, "error", err,
			"args", logging.Preview(call.Function.Arguments, 200))
		out = map[string]string{"error": ErrorText(err)}
	}

	b, err := json.Marshal(out)
	if err != nil {
		return `{"error":"internal_error"}`
	}
	return string(b)
}

// ErrorText is the user-safe text for a tool failure.
func ErrorText(err error) string {
	var ae *ArgumentError
	var ue *UnknownToolError
	switch {
	case errors.As(err, &ae), errors.As(err, &ue):
		return err.Error()
	}
	return string(errcode.Of(err))
}

// table looks up name in the snapshot after checking it against allowed.
func table(snap *metadata.Snapshot, allowed []string, name, deny string) (metadata.Table, error) {
	if !slices.Contains(allowed, name) {
		return metadata.Table{}, argErr("%s", deny)
	}
	t, ok := snap.Table(name)
	if !ok {
		return metadata.Table{}, argErr("Table metadata not found")
	}
	return t, nil
}

// checkColumns accepts "*" and any column the table has.
func checkColumns(t metadata.Table, cols []string) error {
	var invalid []string
	for _, c := range cols {
		if c != "*" && !t.HasColumn(c) {
			invalid = append(invalid, c)
		}
	}
	if len(invalid) > 0 {
		return argErr("Invalid columns: %s", strings.Join(invalid, ", "))
	}
	return nil
}
