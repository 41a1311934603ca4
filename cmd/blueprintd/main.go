package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/veskar/blueprint/config"
	"github.com/veskar/blueprint/dbopen"
	"github.com/veskar/blueprint/genai"
	"github.com/veskar/blueprint/layout"
	"github.com/veskar/blueprint/mcpsrv"
	"github.com/veskar/blueprint/pipeline"
	"github.com/veskar/blueprint/preprocess"
	"github.com/veskar/blueprint/raster"
	"github.com/veskar/blueprint/semantic"
	"github.com/veskar/blueprint/server"
	"github.com/veskar/blueprint/shield"
	"github.com/veskar/blueprint/store"
	"github.com/veskar/blueprint/visual"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	addr := flag.String("addr", "", "listen address override")
	withMCP := flag.Bool("mcp", false, "serve MCP tools on stdio alongside HTTP")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	// Logging.
	var lvl slog.Level
	switch cfg.LogLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logOut := io.Writer(os.Stdout)
	if *withMCP {
		// MCP owns stdout when serving on stdio; logs move to stderr.
		logOut = os.Stderr
	}
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Job database.
	db, err := dbopen.Open(cfg.Storage.DBPath, dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	st := store.NewStore(db)
	if err := st.Init(ctx); err != nil {
		slog.Error("store init", "error", err)
		os.Exit(1)
	}
	if err := shield.Init(db); err != nil {
		slog.Error("shield init", "error", err)
		os.Exit(1)
	}

	// Model client. Starting without credentials is allowed: generation
	// stages degrade to their error slots and the deterministic pipeline
	// parts keep serving.
	cfg.GenAI.Logger = logger
	client, err := genai.NewClient(cfg.GenAI)
	if err != nil {
		slog.Error("genai client", "error", err)
		os.Exit(1)
	}

	// Page renderer for the vision pass; a blank URL disables it.
	renderer := raster.NewHTTPRenderer(cfg.Raster)

	// Analyzers.
	pre := preprocess.New(preprocess.Config{MaxFileSize: cfg.Limits.MaxUploadBytes()})
	sem := semantic.New(client, semantic.Config{Logger: logger})
	lay := layout.New(client, layout.Config{Logger: logger})
	vis := visual.New(client, renderer, visual.Config{Logger: logger})

	// Pipeline runner.
	pcfg := cfg.Pipeline
	pcfg.Logger = logger
	runner := pipeline.New(st, pre, sem, lay, vis, nil, pcfg)

	// Middleware stack and router.
	stack, rl := shield.DefaultStack(db, cfg.Limits.MaxUploadBytes())
	rl.StartReloader(ctx.Done())

	router := server.NewRouter(server.Deps{
		Runner:         runner,
		Jobs:           st,
		MaxUploadBytes: cfg.Limits.MaxUploadBytes(),
		Middlewares:    stack,
	})

	// Optional MCP on stdio.
	if *withMCP {
		mcpServer := mcp.NewServer(&mcp.Implementation{
			Name:    "blueprint",
			Version: "1.0.0",
		}, nil)
		mcpsrv.New(runner, st).RegisterMCP(mcpServer)
		go func() {
			if err := mcpServer.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
				slog.Error("mcp server", "error", err)
			}
		}()
		slog.Info("mcp tools serving on stdio")
	}

	// HTTP server.
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}

	// Drain in-flight jobs before the deferred db.Close pulls the store
	// out from under them.
	if err := runner.Close(); err != nil {
		slog.Error("pipeline drain", "error", err)
	}
	slog.Info("server stopped")
}
