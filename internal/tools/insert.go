package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/lib/pq"

	"github.com/kalambet/crmgate/internal/metadata"
	"github.com/kalambet/crmgate/internal/sqlguard"
)

// InsertArgs are the crm_insert arguments.
type InsertArgs struct {
	Table  string          `json:"table"`
	Values json.RawMessage `json:"values"`
}

func (r *Registry) insert(ctx context.Context, scope Scope, snap *metadata.Snapshot, raw json.RawMessage) (any, error) {
	var args InsertArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, argErr("Invalid arguments")
	}
	t, err := table(snap, InsertTables, args.Table, "Insert table not allowed")
	if err != nil {
		return nil, err
	}
	values, err := decodeValues(args.Values)
	if err != nil {
		return nil, err
	}

	sql, err := BuildInsert(t, values, scope)
	if err != nil {
		return nil, err
	}

	res, err := r.runner.Run(ctx, sqlguard.Statement{Text: sql, Kind: sqlguard.KindWrite, Tables: []string{t.Name}}, scope.Token)
	if err != nil {
		return nil, err
	}
	if res.Rows == nil {
		return []map[string]any{}, nil
	}
	return res.Rows, nil
}

func decodeValues(raw json.RawMessage) (map[string]any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, argErr("Values must be an object")
	}
	var values map[string]any
	if err := json.Unmarshal(trimmed, &values); err != nil {
		return nil, argErr("Values must be an object")
	}
	return values, nil
}

// BuildInsert renders one INSERT ... RETURNING * for values. Tenant and
// user columns are overwritten from scope when the table has them.
func BuildInsert(t metadata.Table, values map[string]any, scope Scope) (string, error) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	if err := checkColumns(t, keys); err != nil {
		return "", err
	}

	row := make(map[string]any, len(values)+3)
	for k, v := range values {
		row[k] = v
	}
	if t.HasOrganization {
		row["organization_id"] = scope.TenantID
	}
	if t.HasUser {
		row["user_id"] = scope.UserID
	}
	if _, ok := row["status"]; t.Name == "tasks" && !ok {
		row["status"] = "Pending"
	}
	if strings.TrimSpace(fmt.Sprint(valueOr(row["title"], ""))) == "" {
		return "", argErr("title is required")
	}

	cols := make([]string, 0, len(row))
	for k := range row {
		cols = append(cols, k)
	}
	slices.Sort(cols)

	names := make([]string, len(cols))
	vals := make([]string, len(cols))
	for i, c := range cols {
		names[i] = pq.QuoteIdentifier(c)
		vals[i] = literal(row[c])
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING *",
		pq.QuoteIdentifier(t.Name), strings.Join(names, ", "), strings.Join(vals, ", ")), nil
}

func valueOr(v, def any) any {
	if v == nil {
		return def
	}
	return v
}
