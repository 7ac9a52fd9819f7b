package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/horizon-agent/biz/transport"
	"github.com/horizon-agent/internal/auth"
	"github.com/horizon-agent/internal/chat"
	"github.com/horizon-agent/internal/contextsearch"
	"github.com/horizon-agent/internal/event"
	"github.com/horizon-agent/internal/logger"
	"github.com/horizon-agent/internal/orchestrator"
	"github.com/horizon-agent/internal/property"
	"github.com/horizon-agent/internal/reconnect"
	"github.com/horizon-agent/internal/tagsync"
)

var (
	configPath string
	listenAddr string
	logDir     string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "horizond",
	Short: "Horizon agent daemon",
	Long: `horizond keeps the chat, tag and context search sessions alive and
serves them to local clients over HTTP and the /ws bridge.`,
	SilenceUsage: true,
	RunE:         runDaemon,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "config/config.json", "Path to the JSON config file")
	rootCmd.Flags().StringVar(&listenAddr, "addr", "", "Listen address (overrides server_addr)")
	rootCmd.Flags().StringVar(&logDir, "log-dir", "", "Log directory (overrides log_dir)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (debug|info|warn|error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cfg, err := property.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.ServerAddr = listenAddr
	}
	if logDir != "" {
		cfg.LogDir = logDir
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	log, err := logger.NewWithOptions(cfg.LogFile(), logger.Options{Level: cfg.LogLevel, Console: true})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()
	abs, _ := filepath.Abs(cfg.LogDir)
	log.Info("horizond starting, logs in %s", abs)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mirror := event.NewMirror(log)
	defer mirror.Close()

	authManager := auth.NewManager(auth.Config{
		BaseURL: cfg.Auth.BaseURL,
		TTL:     cfg.Auth.TTL.Duration,
	}, auth.WithLogger(log))
	if cfg.Auth.Token != "" {
		if err := authManager.Authenticate(ctx, cfg.Auth.Token); err != nil {
			log.Warn("authentication failed, continuing with configured tenant: %v", err)
		}
	}

	chatSession := chat.NewSession(chat.Config{
		APIKey:          cfg.OpenAI.APIKey,
		BaseURL:         cfg.OpenAI.BaseURL,
		Model:           cfg.OpenAI.Model,
		SystemPrompt:    cfg.OpenAI.SystemPrompt,
		MaxPromptTokens: cfg.OpenAI.MaxPromptTokens,
		HealthInterval:  cfg.OpenAI.HealthInterval.Duration,
	}, chat.WithLogger(log))
	chatSession.Bus().MirrorTo(mirror)

	tags := tagsync.NewSession(tagsync.Config{
		WSBaseURL:   cfg.Tags.WSBaseURL,
		HTTPBaseURL: cfg.Tags.HTTPBaseURL,
	}, tagsync.WithLogger(log), tagsync.WithAuthHeader(authManager.Header))
	tags.Bus().MirrorTo(mirror)

	method, err := contextsearch.ParseMethod(cfg.ContextSearch.Method)
	if err != nil {
		return err
	}
	search := contextsearch.NewSession(contextsearch.Config{
		WSBaseURL: cfg.ContextSearch.WSBaseURL,
		Method:    method,
		Reconnect: reconnect.Constant(cfg.ContextSearch.ReconnectDelay.Duration),
	}, contextsearch.WithLogger(log), contextsearch.WithAuthHeader(authManager.Header))
	coordinator := contextsearch.NewCoordinator(search)
	defer coordinator.Close()
	coordinator.Bus().MirrorTo(mirror)

	if cfg.OpenAI.APIKey != "" {
		go func() {
			if err := chatSession.Connect(ctx); err != nil {
				log.Warn("chat connect: %v", err)
			}
		}()
	} else {
		log.Warn("no OpenAI API key configured; chat stays offline")
	}

	tenant := authManager.TenantName()
	if tenant == "" {
		tenant = cfg.Auth.Tenant
	}
	if tenant != "" {
		go func() {
			if err := tags.Initialize(ctx, tenant); err != nil {
				log.Warn("tag sync for %s: %v", tenant, err)
			}
		}()
	}

	srv := transport.NewServer(cfg.ServerAddr, transport.Deps{
		Chat:         chatSession,
		Tags:         tags,
		Context:      coordinator,
		Auth:         authManager,
		Events:       mirror,
		Orchestrator: orchestrator.New(chatSession, log),
		Tenant:       cfg.Auth.Tenant,
		Log:          log,
	})

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case runErr = <-serveErr:
		if runErr != nil {
			log.Error("server: %v", runErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown: %v", err)
	}
	chatSession.Disconnect()
	tags.Disconnect()
	coordinator.Disconnect()
	log.Info("horizond stopped")
	return runErr
}
