// Command pgtasks runs and feeds a durable Postgres work queue.
//
// Subcommands:
//
//	serve    - HTTP API + embedded consumer (default for production)
//	worker   - standalone consumer only (scaled deployments)
//	publish  - publish one JSON payload and exit
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	// Embeds the IANA timezone database in the binary so that
	// time.LoadLocation works inside distroless containers that have no
	// /usr/share/zoneinfo.
	_ "time/tzdata"

	// Automatically sets GOMEMLIMIT from the cgroup memory limit so that
	// the Go GC triggers before the OOM killer fires in containers.
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/scarson/pgtasks/internal/api"
	"github.com/scarson/pgtasks/internal/config"
	"github.com/scarson/pgtasks/internal/metrics"
	"github.com/scarson/pgtasks/internal/queue"
	"github.com/scarson/pgtasks/internal/worker"
)

func main() {
	root := &cobra.Command{
		Use:   "pgtasks",
		Short: "pgtasks: durable work queue on Postgres",
		// Silence default error printing; we print it ourselves with slog.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		serveCmd(),
		workerCmd(),
		publishCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// ── serve ─────────────────────────────────────────────────────────────────────

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and embedded consumer",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	client := newClient(cfg, logger, metrics.New(reg))
	newRouter(cfg, logger).Subscribe(client, queue.WithVisibilityTimeout(cfg.VisibilityTimeout))

	// The queue client drains on ctx cancellation, which happens before or
	// alongside HTTP server shutdown.
	queueErr := make(chan error, 1)
	go func() { queueErr <- client.Run(ctx) }()

	// Explicit timeouts required to prevent Slowloris attacks.
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewServer(client, cfg, reg).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("server started", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case err := <-serverErr:
		runErr = fmt.Errorf("server error: %w", err)
	case err := <-queueErr:
		// Run only returns early when it has given up on the database.
		queueErr <- err
		runErr = fmt.Errorf("queue: %w", err)
	case <-ctx.Done():
	}
	stop() // release signal notification and stop the consumer

	slog.Info("shutting down", "timeout_seconds", cfg.ShutdownTimeoutSeconds)
	deadline := time.Now().Add(time.Duration(cfg.ShutdownTimeoutSeconds) * time.Second)
	shutdownCtx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("graceful shutdown: %w", err)
	}
	if !waitQueue(queueErr, time.Until(deadline)) {
		slog.Warn("queue consumer did not stop before shutdown timeout")
	}
	slog.Info("server stopped")
	return runErr
}

// ── worker ────────────────────────────────────────────────────────────────────

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Start the standalone consumer (no HTTP server)",
		RunE:  runWorker,
	}
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	client := newClient(cfg, logger, nil)
	newRouter(cfg, logger).Subscribe(client, queue.WithVisibilityTimeout(cfg.VisibilityTimeout))

	slog.Info("worker started", "consumer_id", client.ID())
	queueErr := make(chan error, 1)
	go func() { queueErr <- client.Run(ctx) }()

	select {
	case err := <-queueErr:
		// Run only returns early when it has given up on the database.
		if err != nil {
			return fmt.Errorf("queue: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	stop()

	timeout := time.Duration(cfg.ShutdownTimeoutSeconds) * time.Second
	slog.Info("shutting down", "timeout_seconds", cfg.ShutdownTimeoutSeconds)
	if !waitQueue(queueErr, timeout) {
		slog.Warn("queue consumer did not stop before shutdown timeout")
	}
	slog.Info("worker stopped")
	return nil
}

// waitQueue waits up to timeout for Run to return after its context was
// cancelled. Handlers that ignore cancellation keep Run blocked; it reports
// false when the timeout passes first.
func waitQueue(queueErr <-chan error, timeout time.Duration) bool {
	select {
	case <-queueErr:
		return true
	default:
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-queueErr:
		return true
	case <-timer.C:
		return false
	}
}

// ── publish ───────────────────────────────────────────────────────────────────

func publishCmd() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "publish [json]",
		Short: "Publish one JSON payload (argument or stdin) and exit",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPublish(cmd, args, kind)
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "",
		`wrap the payload as the data of a {"kind": ..., "data": ...} envelope`)
	return cmd
}

func runPublish(cmd *cobra.Command, args []string, kind string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	payload, err := readPayload(cmd.InOrStdin(), args)
	if err != nil {
		return err
	}
	var msg any = payload
	if kind != "" {
		msg = worker.Envelope{Kind: kind, Data: payload}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	client := newClient(cfg, logger, nil)
	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(runCtx) }()
	defer func() {
		cancel()
		<-runErr
	}()

	if err := client.WaitReady(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	id, err := client.Publish(ctx, msg)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), id)
	return nil
}

// readPayload returns the JSON given as the single argument, or read from in
// when there is none.
func readPayload(in io.Reader, args []string) (json.RawMessage, error) {
	var raw []byte
	if len(args) == 1 {
		raw = []byte(args[0])
	} else {
		b, err := io.ReadAll(in)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		raw = b
	}
	if !json.Valid(raw) {
		return nil, errors.New("payload is not valid JSON")
	}
	return json.RawMessage(raw), nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

// newClient builds a queue client from cfg. m may be nil.
func newClient(cfg *config.Config, logger *slog.Logger, m queue.Metrics) *queue.Client {
	opts := []queue.Option{
		queue.WithLogger(logger),
		queue.WithRetryPolicy(cfg.RetryPolicy()),
		queue.WithSweepInterval(cfg.SweepInterval),
	}
	if m != nil {
		opts = append(opts, queue.WithMetrics(m))
	}
	return queue.New(queue.StoreDialer(cfg.Store()), opts...)
}

// newRouter builds the task router with the built-in kinds registered.
func newRouter(cfg *config.Config, logger *slog.Logger) *worker.Router {
	r := worker.NewRouter(
		worker.WithRouterLogger(logger),
		worker.WithHeartbeat(cfg.LeaseHeartbeat),
	)
	r.Register(worker.KindWebhook, worker.WebhookHandler(worker.NewSafeClient(), cfg.WebhookSigningSecret))
	if cfg.SMTPHost != "" {
		r.Register(worker.KindEmail, worker.EmailHandler(cfg.SMTP()))
	}
	return r
}

// newLogger creates a slog.Logger based on the configured log level and format.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" || cfg.IsDevelopment() {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
