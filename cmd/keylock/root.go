package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/mirkobrombin/go-keylock/v1/metrics"
	"github.com/mirkobrombin/go-keylock/v1/presets"
	"github.com/mirkobrombin/go-keylock/v1/registry"
)

const Version = "0.1.0"

// app carries the state shared by the subcommands of one invocation.
type app struct {
	v      *viper.Viper
	stdout io.Writer
	stderr io.Writer

	cfg      config
	logger   *slog.Logger
	backend  *presets.Backend
	registry *registry.Registry
	cleanup  []func(context.Context) error
}

// execute runs the CLI and returns the process exit code. A failing child
// command of "run" passes its own exit code through.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{v: viper.New(), stdout: stdout, stderr: stderr}
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	a.close()
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) && ee.ExitCode() > 0 {
		return ee.ExitCode()
	}
	fmt.Fprintln(stderr, "keylock:", err)
	return 1
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "keylock",
		Short: "distributed locks over a shared key-value store",
		Long: fmt.Sprintf(`keylock (v%s)

Serialize work across processes and hosts by locking a named key in Redis,
NATS JetStream, SQLite or process memory.`, Version),
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}
	defineFlags(root.PersistentFlags())
	initEnv(a.v)

	version := &cobra.Command{
		Use:   "version",
		Short: "Print the version number of keylock",
		// no backend needed
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "keylock v%s\n", Version)
		},
	}
	root.AddCommand(version, a.runCmd(), a.holdCmd(), a.watchCmd())
	return root
}

// setup resolves the configuration and opens the backend.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	if err := a.v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	cfg, err := loadConfig(a.v)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = slog.New(slog.NewTextHandler(a.stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(a.logger)

	if cfg.Trace {
		if err := a.setupTracing(); err != nil {
			return err
		}
	}
	if cfg.MetricsAddr != "" {
		a.serveMetrics(cfg.MetricsAddr)
	}

	b, err := cfg.openBackend()
	if err != nil {
		return err
	}
	a.backend = b
	a.cleanup = append(a.cleanup, func(context.Context) error { return b.Close() })

	a.registry, err = registry.New(b.Store, registry.WithLockOptions(cfg.lockOptions(b, a.logger)...))
	if err != nil {
		return err
	}
	a.logger.Debug("keylock: backend ready", "backend", cfg.Backend)
	return nil
}

func (a *app) setupTracing() error {
	exp, err := stdouttrace.New(stdouttrace.WithWriter(a.stderr))
	if err != nil {
		return err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	a.cleanup = append(a.cleanup, tp.Shutdown)
	return nil
}

func (a *app) serveMetrics(addr string) {
	reg := metrics.NewRegistry()
	metrics.RegisterLockMetrics(reg)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("keylock: metrics server failed", "addr", addr, "error", err)
		}
	}()
	a.cleanup = append(a.cleanup, srv.Shutdown)
}

// close runs the cleanups in reverse order.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		if err := a.cleanup[i](ctx); err != nil && a.logger != nil {
			a.logger.Warn("keylock: cleanup failed", "error", err)
		}
	}
	a.cleanup = nil
}
