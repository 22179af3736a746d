package tools

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/lib/pq"

	"github.com/kalambet/crmgate/internal/metadata"
	"github.com/kalambet/crmgate/internal/sqlguard"
)

const (
	defaultLimit = 20
	maxLimit     = 50
)

// QueryArgs are the crm_query arguments.
type QueryArgs struct {
	Table     string     `json:"table"`
	Select    []string   `json:"select"`
	Filters   []Filter   `json:"filters"`
	OrderBy   []Order    `json:"order_by"`
	Limit     *float64   `json:"limit"`
	Offset    *float64   `json:"offset"`
	Aggregate *Aggregate `json:"aggregate"`
}

type Filter struct {
	Column string `json:"column"`
	Op     string `json:"op"`
	Value  any    `json:"value"`
}

type Order struct {
	Column    string `json:"column"`
	Ascending *bool  `json:"ascending"`
}

type Aggregate struct {
	Type   string `json:"type"`
	Column string `json:"column"`
}

// Limit clamps a requested row limit. Missing or non-positive values give
// the default.
func Limit(v *float64) int {
	if v == nil {
		return defaultLimit
	}
	n := int(math.Floor(*v))
	if n <= 0 {
		return defaultLimit
	}
	return min(n, maxLimit)
}

func (r *Registry) query(ctx context.Context, scope Scope, snap *metadata.Snapshot, raw json.RawMessage) (any, error) {
	var args QueryArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, argErr("Invalid arguments")
	}
	t, err := table(snap, QueryTables, args.Table, "Table not allowed")
	if err != nil {
		return nil, err
	}

	sql, count, err := BuildQuery(t, args, scope.TenantID)
	if err != nil {
		return nil, err
	}

	res, err := r.runner.Run(ctx, sqlguard.Statement{Text: sql, Kind: sqlguard.KindRead, Tables: []string{t.Name}}, scope.Token)
	if err != nil {
		return nil, err
	}
	if count {
		return map[string]any{"count": countOf(res.Rows)}, nil
	}
	if res.Rows == nil {
		return []map[string]any{}, nil
	}
	return res.Rows, nil
}

// BuildQuery renders args as one SELECT. count reports whether the
// statement is an aggregate count.
func BuildQuery(t metadata.Table, args QueryArgs, tenantID string) (sql string, count bool, err error) {
	cols := args.Select
	if len(cols) == 0 {
		cols = []string{"*"}
	}
	if err := checkColumns(t, cols); err != nil {
		return "", false, err
	}

	count = args.Aggregate != nil && args.Aggregate.Type == "count"

	var b strings.Builder
	b.WriteString("SELECT ")
	if count {
		b.WriteString("count(*) AS count")
	} else {
		b.WriteString(selectList(cols))
	}
	b.WriteString(" FROM ")
	b.WriteString(pq.QuoteIdentifier(t.Name))

	var conds []string
	for _, f := range args.Filters {
		if f.Column == "" || f.Op == "" {
			continue
		}
		if err := checkColumns(t, []string{f.Column}); err != nil {
			return "", false, err
		}
		c, err := condition(f)
		if err != nil {
			return "", false, err
		}
		conds = append(conds, c)
	}
	if t.HasOrganization {
		conds = append(conds, pq.QuoteIdentifier("organization_id")+" = "+pq.QuoteLiteral(tenantID))
	}
	if len(conds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(conds, " AND "))
	}

	var orders []string
	for _, o := range args.OrderBy {
		if o.Column == "" {
			continue
		}
		if err := checkColumns(t, []string{o.Column}); err != nil {
			return "", false, err
		}
		dir := "ASC"
		if o.Ascending != nil && !*o.Ascending {
			dir = "DESC"
		}
		orders = append(orders, pq.QuoteIdentifier(o.Column)+" "+dir)
	}
	if len(orders) > 0 && !count {
		b.WriteString(" ORDER BY ")
		b.WriteString(strings.Join(orders, ", "))
	}

	if !count {
		b.WriteString(" LIMIT ")
		b.WriteString(strconv.Itoa(Limit(args.Limit)))
		if args.Offset != nil {
			off := max(0, int(math.Floor(*args.Offset)))
			b.WriteString(" OFFSET ")
			b.WriteString(strconv.Itoa(off))
		}
	}
	return b.String(), count, nil
}

func selectList(cols []string) string {
	if len(cols) == 1 && cols[0] == "*" {
		return "*"
	}
	quoted := make([]string, 0, len(cols))
	for _, c := range cols {
		if c == "*" {
			quoted = append(quoted, "*")
			continue
		}
		quoted = append(quoted, pq.QuoteIdentifier(c))
	}
	return strings.Join(quoted, ", ")
}

func condition(f Filter) (string, error) {
	col := pq.QuoteIdentifier(f.Column)
	switch f.Op {
	case "eq":
		if f.Value == nil {
			return col + " IS NULL", nil
		}
		return col + " = " + literal(f.Value), nil
	case "ilike":
		if f.Value == nil {
			return col + " ILIKE ''", nil
		}
		return col + " ILIKE " + literal(f.Value), nil
	case "gte":
		return col + " >= " + literal(f.Value), nil
	case "lte":
		return col + " <= " + literal(f.Value), nil
	case "in":
		list, ok := f.Value.([]any)
		if !ok {
			return "", argErr("Filter value must be array for in")
		}
		if len(list) == 0 {
			return "FALSE", nil
		}
		items := make([]string, len(list))
		for i, v := range list {
			items[i] = literal(v)
		}
		return col + " IN (" + strings.Join(items, ", ") + ")", nil
	default:
		return "", argErr("Invalid filter operation")
	}
}

// literal quotes v as an untyped SQL literal so the server coerces it to
// the column type. nil renders as NULL.
func literal(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case string:
		return pq.QuoteLiteral(x)
	case float64:
		return pq.QuoteLiteral(strconv.FormatFloat(x, 'f', -1, 64))
	case bool:
		return pq.QuoteLiteral(strconv.FormatBool(x))
	default:
		b, _ := json.Marshal(x)
		return pq.QuoteLiteral(string(b))
	}
}

func countOf(rows []map[string]any) int {
	if len(rows) == 0 {
		return 0
	}
	switch n := rows[0]["count"].(type) {
	case float64:
		return int(n)
	case string:
		v, _ := strconv.Atoi(n)
		return v
	}
	return 0
}
