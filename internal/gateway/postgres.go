package gateway

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/kalambet/crmgate/internal/auth"
	"github.com/kalambet/crmgate/internal/errcode"
	"github.com/kalambet/crmgate/internal/sqlguard"
)

// PostgresExecutor calls the procedure over a direct database connection.
// The token's claims are installed as request.jwt.claims inside the
// transaction so the database's row-level policies see the caller. The token
// must already have been verified by the identity provider.
type PostgresExecutor struct {
	db *sql.DB
}

// OpenPostgres opens and pings a lib/pq connection pool.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return db, nil
}

func NewPostgresExecutor(db *sql.DB) *PostgresExecutor {
	return &PostgresExecutor{db: db}
}

func (e *PostgresExecutor) Execute(ctx context.Context, stmt sqlguard.Statement, token string) (Result, error) {
	claims, err := auth.Decode(token)
	if err != nil {
		return Result{}, errcode.Wrap(errcode.AuthInvalid, err)
	}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return Result{}, fmt.Errorf("encoding claims: %w", err)
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT set_config('request.jwt.claims', $1, true)`, string(claimsJSON)); err != nil {
		return Result{}, fmt.Errorf("setting claims: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `SET LOCAL ROLE authenticated`); err != nil {
		return Result{}, fmt.Errorf("setting role: %w", err)
	}

	var raw []byte
	err = tx.QueryRowContext(ctx, `SELECT `+Procedure+`($1)`, stmt.Text).Scan(&raw)
	if err != nil {
		return Result{}, mapPQError(err)
	}
	if err := tx.Commit(); err != nil {
		return Result{}, mapPQError(err)
	}
	return decodeResult(raw)
}

func mapPQError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return errcode.Wrap(NormalizeRemote(string(pqErr.Code), pqErr.Message), err)
	}
	return fmt.Errorf("executing %s: %w", Procedure, err)
}
