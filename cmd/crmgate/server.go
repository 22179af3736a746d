package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/kalambet/crmgate/internal/api"
	"github.com/kalambet/crmgate/internal/assistant"
	"github.com/kalambet/crmgate/internal/auth"
	"github.com/kalambet/crmgate/internal/backend"
	"github.com/kalambet/crmgate/internal/completion"
	"github.com/kalambet/crmgate/internal/composer"
	"github.com/kalambet/crmgate/internal/config"
	"github.com/kalambet/crmgate/internal/gateway"
	"github.com/kalambet/crmgate/internal/logging"
	"github.com/kalambet/crmgate/internal/metadata"
	"github.com/kalambet/crmgate/internal/pipeline"
	"github.com/kalambet/crmgate/internal/sqlguard"
	"github.com/kalambet/crmgate/internal/storage"
	"github.com/kalambet/crmgate/internal/tools"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the crmgate server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running crmgate server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show crmgate status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "crmgate.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

// newGateway builds the statement gateway and the schema cache for the
// configured execution mode. release closes the direct database
// connection, if one was opened.
func newGateway(ctx context.Context, cfg config.Config, b *backend.Client, g *auth.Guardian, m *gateway.Metrics) (gw *gateway.Gateway, meta *metadata.Cache, release func(), err error) {
	var exec gateway.Executor
	var loader metadata.Loader = metadata.RPCLoader{Caller: b}
	release = func() {}

	switch cfg.Backend.ExecMode {
	case config.ExecModePostgres:
		db, err := gateway.OpenPostgres(ctx, cfg.Backend.DatabaseURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("opening database: %w", err)
		}
		exec = gateway.NewPostgresExecutor(db)
		loader = metadata.PostgresLoader{DB: db}
		release = func() {
			if err := db.Close(); err != nil {
				slog.Warn("closing database", "error", err)
			}
		}
	default:
		exec = gateway.NewRPCExecutor(b, g)
	}

	return gateway.New(sqlguard.Rules{}, exec, m), metadata.NewCache(loader, cfg.MetadataTTL()), release, nil
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logging.Init(cfg.Log.Level, cfg.Log.Format)
	slog.Info("crmgate starting", "version", version, "exec_mode", cfg.Backend.ExecMode)

	// A healthy listener on the port means another instance owns it.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("crmgate is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("crmgate is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := gateway.NewMetrics(reg)

	// Requests carry the caller's token; the server has no session to
	// refresh, so a 401 from the backend is returned as is.
	backendClient := backend.New(cfg.Backend.URL, cfg.Backend.AnonKey, cfg.Backend.ServiceKey)
	guardian := auth.NewGuardian(auth.Static(""), nil, cfg.Backend.URL).WithRetryCounter(metrics.AuthRetries)

	gw, meta, release, err := newGateway(ctx, cfg, backendClient, guardian, metrics)
	if err != nil {
		return err
	}
	defer release()

	completionClient := completion.NewClient(cfg.Completion.APIKey, cfg.Completion.BaseURL)
	preparer := pipeline.NewPreparer(
		store,
		meta,
		pipeline.Defaults{Model: cfg.Completion.Model, Temperature: cfg.Completion.Temperature},
		composer.New(0, cfg.Chat.HistoryLimit),
	)
	registry := tools.NewRegistry(gw, meta)

	handler := api.NewHandler(api.Deps{
		Identity:    backendClient,
		Statements:  gw,
		Preparer:    preparer,
		Completions: completionClient,
		Assistant:   assistant.New(completionClient, registry, cfg.Chat.MaxToolRounds),
		Store:       store,
		Metrics:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "crmgate listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.LoadClient()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("crmgate is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop crmgate (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to crmgate (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.LoadClient()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client := &http.Client{Timeout: 2 * time.Second}
	running := false
	resp, err := client.Get(cfg.Server.URL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running at %s", cfg.Server.URL)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Backend", "%s", cfg.Backend.URL)
	printStatus("Exec mode", "%s", cfg.Backend.ExecMode)
	printStatus("Model", "%s", cfg.Completion.Model)

	sess, err := config.NewSessionFile().Load()
	switch {
	case err != nil:
		printStatus("Session", "signed out")
	case sess.Email != "":
		printStatus("Session", "signed in as %s", sess.Email)
	default:
		printStatus("Session", "signed in")
	}

	if running && err == nil {
		if c, cerr := newAPIClient(); cerr == nil {
			if convResp, gerr := c.get(ctx, fmt.Sprintf("/v1/conversations?limit=%d", statusListLimit)); gerr == nil {
				var convs []json.RawMessage
				if decodeJSON(convResp, &convs) == nil {
					printStatus("Conversations", "%s", countLabel(len(convs), statusListLimit))
				}
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

const statusListLimit = 100

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}
