package metadata

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// ServiceCaller invokes a database procedure with service credentials.
type ServiceCaller interface {
	ServiceRPC(ctx context.Context, fn string, args, out any) error
}

// RPCLoader reads the catalogue through the get_database_metadata
// procedure.
type RPCLoader struct {
	Caller ServiceCaller
}

func (l RPCLoader) LoadColumns(ctx context.Context) ([]Column, error) {
	var cols []Column
	if err := l.Caller.ServiceRPC(ctx, "get_database_metadata", struct{}{}, &cols); err != nil {
		return nil, err
	}
	return cols, nil
}

// PostgresLoader reads information_schema directly.
type PostgresLoader struct {
	DB      *sql.DB
	Schemas []string
}

const columnsQuery = `
SELECT table_schema, table_name, column_name, data_type, is_nullable = 'YES', column_default
FROM information_schema.columns
WHERE table_schema = ANY($1)
ORDER BY table_schema, table_name, ordinal_position`

func (l PostgresLoader) LoadColumns(ctx context.Context) ([]Column, error) {
	schemas := l.Schemas
	if len(schemas) == 0 {
		schemas = []string{"public"}
	}

	rows, err := l.DB.QueryContext(ctx, columnsQuery, pq.Array(schemas))
	if err != nil {
		return nil, fmt.Errorf("querying columns: %w", err)
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var c Column
		var def sql.NullString
		if err := rows.Scan(&c.Schema, &c.Table, &c.Name, &c.DataType, &c.Nullable, &def); err != nil {
			return nil, fmt.Errorf("scanning column: %w", err)
		}
		if def.Valid {
			c.Default = &def.String
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}
