package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/rovot/rovot/internal/agent"
	"github.com/rovot/rovot/internal/agent/providers"
	"github.com/rovot/rovot/internal/approvals"
	"github.com/rovot/rovot/internal/audit"
	"github.com/rovot/rovot/internal/auth"
	"github.com/rovot/rovot/internal/config"
	"github.com/rovot/rovot/internal/events"
	"github.com/rovot/rovot/internal/observability"
	"github.com/rovot/rovot/internal/policy"
	"github.com/rovot/rovot/internal/secrets"
	"github.com/rovot/rovot/internal/server"
	"github.com/rovot/rovot/internal/sessions"
	"github.com/rovot/rovot/internal/tools/email"
	"github.com/rovot/rovot/internal/tools/files"
	"github.com/rovot/rovot/internal/tools/shell"
	"github.com/rovot/rovot/internal/tools/web"
	"github.com/rovot/rovot/internal/workspace"
)

const (
	keychainService  = "rovot"
	emailPasswordKey = "email.password"
)

func buildServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger := buildLogger(settings)
			slog.SetDefault(logger)

			srv, err := assemble(settings, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "rovot.yaml", "Path to configuration file")
	return cmd
}

// assemble builds the full daemon from settings.
func assemble(settings *config.Settings, logger *slog.Logger) (*server.Server, error) {
	if err := os.MkdirAll(settings.WorkspaceDir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace dir: %w", err)
	}
	if err := os.MkdirAll(settings.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	secretStore := secrets.NewStore(keychainService, settings.DataDir)
	if _, err := auth.EnsureToken(secretStore, settings.DataDir); err != nil {
		return nil, err
	}

	guard, err := workspace.NewGuard(settings.WorkspaceDir)
	if err != nil {
		return nil, err
	}
	sessStore, err := sessions.NewStore(settings.DataDir)
	if err != nil {
		return nil, err
	}
	apprStore, err := approvals.NewStore(settings.DataDir)
	if err != nil {
		return nil, err
	}
	auditLog, err := audit.NewLogger(settings.DataDir, logger)
	if err != nil {
		return nil, err
	}

	promRegistry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(promRegistry)
	engine := policy.NewEngine(apprStore)
	hub := events.NewHub(logger)

	registry := agent.NewRegistry(engine, metrics, logger)
	if err := registerTools(registry, guard, settings, secretStore); err != nil {
		return nil, err
	}

	provider, err := providers.NewOpenAICompatible(providers.OpenAIOptions{
		BaseURL: settings.ModelEndpoint,
		APIKey:  settings.ModelAPIKey,
		Model:   settings.ModelName,
		Timeout: settings.ModelTimeout,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	executor, err := agent.NewExecutor(agent.ExecutorConfig{
		Provider:      provider,
		Registry:      registry,
		Sessions:      sessStore,
		Approvals:     apprStore,
		Hub:           hub,
		Audit:         auditLog,
		Metrics:       metrics,
		SystemPrompt:  settings.SystemPrompt,
		MaxIterations: settings.MaxIterations,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	return server.New(server.Config{
		Settings:  settings,
		Secrets:   secretStore,
		Executor:  executor,
		Registry:  registry,
		Provider:  provider,
		Sessions:  sessStore,
		Locker:    sessions.NewLocker(),
		Approvals: apprStore,
		Policy:    engine,
		Hub:       hub,
		Audit:     auditLog,
		Metrics:   metrics,
		Gatherer:  promRegistry,
		Version:   version,
		Logger:    logger,
	})
}

func registerTools(registry *agent.Registry, guard *workspace.Guard, settings *config.Settings, secretStore *secrets.Store) error {
	for _, desc := range files.New(guard).Descriptors() {
		if err := registry.Register(desc); err != nil {
			return err
		}
	}
	if err := registry.Register(shell.New(guard, settings.SecurityMode, 0).Descriptor()); err != nil {
		return err
	}
	if err := registry.Register(web.New(settings.AllowedDomains, 0).Descriptor()); err != nil {
		return err
	}
	if settings.Email.Username != "" {
		connector := email.New(settings.Email, secretStore.Get(emailPasswordKey))
		for _, desc := range connector.Descriptors() {
			if err := registry.Register(desc); err != nil {
				return err
			}
		}
	}
	return nil
}

func buildLogger(settings *config.Settings) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(settings.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(settings.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func buildDoctorCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the environment the daemon depends on",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.Load(configPath)
			if err != nil {
				return err
			}

			failed := false
			check := func(name string, err error) {
				if err != nil {
					failed = true
					fmt.Printf("FAIL  %-28s %v\n", name, err)
					return
				}
				fmt.Printf("ok    %s\n", name)
			}

			check("workspace directory", checkDir(settings.WorkspaceDir))
			check("data directory", checkDir(settings.DataDir))
			check("loopback bind", checkBind(settings.Host, settings.Port))
			check("model backend", checkProvider(cmd.Context(), settings))

			if failed {
				return fmt.Errorf("some checks failed")
			}
			fmt.Println("All checks passed.")
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "rovot.yaml", "Path to configuration file")
	return cmd
}

func checkDir(dir string) error {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return fmt.Errorf("%s does not exist (created on first serve)", dir)
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	return nil
}

// checkBind confirms the configured address is free. A daemon already
// serving on it also fails this check, which is worth knowing too.
func checkBind(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("cannot bind %s: %w", addr, err)
	}
	return l.Close()
}

func checkProvider(ctx context.Context, settings *config.Settings) error {
	provider, err := providers.NewOpenAICompatible(providers.OpenAIOptions{
		BaseURL: settings.ModelEndpoint,
		APIKey:  settings.ModelAPIKey,
		Model:   settings.ModelName,
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return err
	}
	ids, err := provider.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("unreachable at %s: %w", settings.ModelEndpoint, err)
	}
	if len(ids) == 0 {
		return fmt.Errorf("reachable but no models loaded")
	}
	return nil
}

func buildTokenCmd() *cobra.Command {
	var configPath string
	var rotate bool
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print (or rotate) the control-plane bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.Load(configPath)
			if err != nil {
				return err
			}
			store := secrets.NewStore(keychainService, settings.DataDir)

			var tok string
			if rotate {
				tok, err = auth.RotateToken(store, settings.DataDir)
			} else {
				tok, err = auth.EnsureToken(store, settings.DataDir)
			}
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "rovot.yaml", "Path to configuration file")
	cmd.Flags().BoolVar(&rotate, "rotate", false, "Discard the current token and mint a new one")
	return cmd
}
