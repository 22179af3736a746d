// Package gateway executes validated statements through the backend's
// privileged procedure and reduces every failure to an errcode.Code.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kalambet/crmgate/internal/errcode"
	"github.com/kalambet/crmgate/internal/logging"
	"github.com/kalambet/crmgate/internal/sqlguard"
)

// Procedure is the remote function that re-validates and runs statements.
const Procedure = "execute_safe_query"

// Result is a successful execution.
type Result struct {
	Operation string           `json:"operation"`
	RowCount  int              `json:"rowCount"`
	Rows      []map[string]any `json:"rows,omitempty"`
}

// Executor runs one statement on behalf of token.
type Executor interface {
	Execute(ctx context.Context, stmt sqlguard.Statement, token string) (Result, error)
}

// Gateway classifies raw statements and hands accepted ones to an Executor.
// Statement failures are never retried here.
type Gateway struct {
	classifier sqlguard.Classifier
	executor   Executor
	metrics    *Metrics
	logger     *slog.Logger
}

// New creates a Gateway. metrics may be nil.
func New(classifier sqlguard.Classifier, executor Executor, metrics *Metrics) *Gateway {
	if classifier == nil {
		classifier = sqlguard.Rules{}
	}
	return &Gateway{
		classifier: classifier,
		executor:   executor,
		metrics:    metrics,
		logger:     slog.Default(),
	}
}

// Execute sanitizes, validates and runs raw.
func (g *Gateway) Execute(ctx context.Context, raw, token string) (Result, error) {
	stmt, err := g.Classify(raw)
	if err != nil {
		return Result{}, err
	}
	return g.Run(ctx, stmt, token)
}

// Classify sanitizes and validates raw without running it. Rejections are
// logged and counted.
func (g *Gateway) Classify(raw string) (sqlguard.Statement, error) {
	stmt, err := g.classifier.Classify(raw)
	if err != nil {
		code := errcode.Of(err)
		g.logger.Info("statement rejected", "code", code, "preview", logging.Preview(raw, 180))
		g.metrics.observe("rejected", string(code), 0)
		return sqlguard.Statement{}, err
	}
	return stmt, nil
}

// Run executes an already classified statement.
func (g *Gateway) Run(ctx context.Context, stmt sqlguard.Statement, token string) (Result, error) {
	start := time.Now()
	res, err := g.executor.Execute(ctx, stmt, token)
	elapsed := time.Since(start)

	if err != nil {
		code := errcode.Of(err)
		// The remote procedure re-validates; its refusals are expected.
		level := slog.LevelWarn
		if errcode.IsValidation(code) {
			level = slog.LevelInfo
		}
		g.logger.Log(ctx, level, "statement failed",
			"kind", stmt.Kind,
			"code", code,
			"error", err,
			"preview", logging.Preview(stmt.Text, 180),
		)
		g.metrics.observe(string(stmt.Kind), string(code), elapsed)
		var coded *errcode.Error
		if !errors.As(err, &coded) {
			err = errcode.Wrap(errcode.Internal, err)
		}
		return Result{}, err
	}

	g.logger.Info("statement executed",
		"kind", stmt.Kind,
		"operation", res.Operation,
		"rows", res.RowCount,
		"duration", elapsed,
	)
	g.metrics.observe(string(stmt.Kind), "ok", elapsed)
	return res, nil
}
