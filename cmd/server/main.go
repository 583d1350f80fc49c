package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/MegaGrindStone/streamchat/internal/agent"
	"github.com/MegaGrindStone/streamchat/internal/handlers"
	"github.com/MegaGrindStone/streamchat/internal/relay"
	"github.com/MegaGrindStone/streamchat/internal/services"
	"github.com/mark3labs/mcp-go/client"
	"golang.org/x/sync/errgroup"
)

const (
	clientName    = "streamchat"
	clientVersion = "0.1.0"

	errLoggerKey = "err"
)

func main() {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		log.Fatal(fmt.Errorf("error getting user config dir: %w", err))
	}
	cfgPath := filepath.Join(cfgDir, "streamchat")

	cfgFilePath := flag.String("config", filepath.Join(cfgPath, "config.yaml"), "path to the config file")
	flag.Parse()

	cfgFile, err := os.Open(*cfgFilePath)
	if err != nil {
		log.Fatal(fmt.Errorf("error opening config file: %w", err))
	}
	cfg, err := loadConfig(cfgFile)
	cfgFile.Close()
	if err != nil {
		log.Fatal(err)
	}

	logger := cfg.newLogger(os.Stderr)

	if err := run(cfg, cfgPath, logger); err != nil {
		logger.Error("Server stopped", slog.String(errLoggerKey, err.Error()))
		os.Exit(1)
	}
}

func run(cfg config, cfgPath string, logger *slog.Logger) error {
	model, err := cfg.LLM.model(cfg.SystemPrompt, logger)
	if err != nil {
		return fmt.Errorf("error creating llm: %w", err)
	}

	dbPath := cfg.DBPath
	if dbPath == "" {
		if err := os.MkdirAll(cfgPath, 0755); err != nil {
			return fmt.Errorf("error creating config directory: %w", err)
		}
		dbPath = filepath.Join(cfgPath, "store.db")
	}
	boltDB, err := services.NewBoltDB(dbPath)
	if err != nil {
		return err
	}
	defer boltDB.Close()

	auth, err := services.NewJWTAuth(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		return err
	}

	connectCtx, connectCancel := context.WithTimeout(context.Background(), 30*time.Second)
	mcpClients, err := connectMCPClients(connectCtx, cfg, logger)
	connectCancel()
	if err != nil {
		return err
	}

	var toolset agent.Toolset
	if len(mcpClients) > 0 {
		tools := services.NewMCPTools(mcpClients, logger)
		defer func() {
			if err := tools.Close(); err != nil {
				logger.Warn("Failed to close MCP clients", slog.String(errLoggerKey, err.Error()))
			}
		}()
		toolset = tools
	}

	ag := agent.New(model, toolset, logger,
		agent.WithMaxIterations(cfg.Agent.MaxIterations),
		agent.WithHistoryLimit(cfg.Agent.HistoryLimit))

	metrics := handlers.NewMetrics()
	rl := relay.New(boltDB, ag, logger,
		relay.WithBuffer(cfg.Stream.Buffer),
		relay.WithObserver(metrics.ObserveEnvelope))

	opts := []handlers.Option{handlers.WithMetrics(metrics)}
	if cfg.RateLimit.PerMinute > 0 {
		opts = append(opts, handlers.WithRateLimit(cfg.RateLimit.PerMinute, cfg.RateLimit.Burst))
	}
	m := handlers.NewMain(boltDB, rl, auth, logger, opts...)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           m.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Warn("Failed to shutdown sse server", slog.String(errLoggerKey, err.Error()))
		}
	})

	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting", slog.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("Graceful shutdown failed", slog.String(errLoggerKey, err.Error()))
			if err := srv.Close(); err != nil {
				return fmt.Errorf("forcing server close: %w", err)
			}
		}
	}

	return nil
}

// connectMCPClients starts and initializes every configured MCP server concurrently. Any failure
// closes the clients that did connect.
func connectMCPClients(ctx context.Context, cfg config, logger *slog.Logger) (map[string]services.MCPClient, error) {
	clients := make(map[string]*client.Client)

	for name, sc := range cfg.MCPSSEServers {
		cli, err := client.NewSSEMCPClient(sc.URL)
		if err != nil {
			return nil, fmt.Errorf("error creating mcp client %s: %w", name, err)
		}
		clients[name] = cli
	}
	for name, sc := range cfg.MCPStdIOServers {
		if _, ok := clients[name]; ok {
			closeMCPClients(clients, logger)
			return nil, fmt.Errorf("duplicate mcp server name %s", name)
		}
		cli, err := client.NewStdioMCPClient(sc.Command, sc.Env, sc.Args...)
		if err != nil {
			closeMCPClients(clients, logger)
			return nil, fmt.Errorf("error starting mcp server %s: %w", name, err)
		}
		clients[name] = cli
	}

	g, gctx := errgroup.WithContext(ctx)
	for name, cli := range clients {
		g.Go(func() error {
			logger.Info("Connecting to MCP server", slog.String("name", name))
			if err := services.ConnectMCP(gctx, cli, clientName, clientVersion); err != nil {
				return fmt.Errorf("error connecting to mcp server %s: %w", name, err)
			}
			logger.Info("Connected to MCP server", slog.String("name", name))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		closeMCPClients(clients, logger)
		return nil, err
	}

	res := make(map[string]services.MCPClient, len(clients))
	for name, cli := range clients {
		res[name] = cli
	}
	return res, nil
}

func closeMCPClients(clients map[string]*client.Client, logger *slog.Logger) {
	for name, cli := range clients {
		if err := cli.Close(); err != nil {
			logger.Warn("Failed to close MCP client",
				slog.String("name", name),
				slog.String(errLoggerKey, err.Error()))
		}
	}
}
