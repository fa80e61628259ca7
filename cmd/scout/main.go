// Command scout runs the capture-and-extract service.
//
// Usage:
//
//	scout -config scout.yaml                        # HTTP API (and MCP) server
//	scout -mcp-stdio                                # MCP over stdin/stdout
//	scout capture -url https://example.com -select '#price' [-query price]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/scout"
	"github.com/hazyhaar/scout/browser"
	"github.com/hazyhaar/scout/dispatch"
	"github.com/hazyhaar/scout/idgen"
	"github.com/hazyhaar/scout/internal/config"
	"github.com/hazyhaar/scout/message"
	"github.com/hazyhaar/scout/settings"
)

const version = "0.3.0"

func main() {
	configPath := flag.String("config", "", "path to scout.yaml; built-in defaults when empty")
	addr := flag.String("addr", "", "listen address, overrides http.addr")
	mcpStdio := flag.Bool("mcp-stdio", false, "serve MCP on stdin/stdout instead of HTTP")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	// stdout carries MCP frames in stdio mode, so logs always go to stderr.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Error("scout: config", "error", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.HTTP.Addr = *addr
	}
	if *mcpStdio {
		cfg.MCP.Stdio = true
	}

	if args := flag.Args(); len(args) > 0 && args[0] == "capture" {
		err = runCapture(ctx, logger, cfg, args[1:])
	} else {
		err = run(ctx, logger, cfg)
	}
	if err != nil {
		logger.Error("scout: fatal", "error", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.LoadFile(path)
}

// stack is the assembled runtime shared by both modes.
type stack struct {
	svc   *scout.Service
	close func()
}

func build(ctx context.Context, logger *slog.Logger, cfg *config.Config) (*stack, error) {
	store, db, err := settings.Open(cfg.Settings.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("settings: %w", err)
	}

	mgr := browser.NewManager(browser.Config{
		RemoteURL:        cfg.Browser.Remote,
		Bin:              cfg.Browser.Bin,
		Headful:          cfg.Browser.Headful,
		NoSandbox:        cfg.Browser.NoSandbox,
		Stealth:          cfg.Browser.Stealth,
		MemoryLimit:      cfg.Browser.MemoryLimit,
		RecycleInterval:  cfg.Browser.RecycleInterval,
		NavigateTimeout:  cfg.Browser.NavigateTimeout,
		ResourceBlocking: cfg.Browser.ResourceBlocking,
		Logger:           logger,
	})
	if err := mgr.Start(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("browser: %w", err)
	}
	pool := browser.NewPool(mgr)

	svc := scout.New(pool, store, scout.Config{
		SettleDelay:       cfg.Dispatch.SettleDelay,
		RestrictedSchemes: cfg.Dispatch.RestrictedSchemes,
		ExtractTimeout:    cfg.Extraction.Timeout,
		MaxHTMLChars:      cfg.Extraction.MaxHTMLChars,
		SanitizeHTML:      cfg.Extraction.Sanitize,
	}, logger)
	pool.OnClose(svc.Detach)

	return &stack{
		svc: svc,
		close: func() {
			pool.CloseAll()
			if err := mgr.Close(); err != nil {
				logger.Warn("scout: browser close", "error", err)
			}
			db.Close()
		},
	}, nil
}

func newMCPServer(svc *scout.Service) *mcp.Server {
	srv := mcp.NewServer(&mcp.Implementation{Name: "scout", Version: version}, nil)
	svc.RegisterMCP(srv)
	return srv
}

func run(ctx context.Context, logger *slog.Logger, cfg *config.Config) error {
	st, err := build(ctx, logger, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	mcpSrv := newMCPServer(st.svc)

	if cfg.MCP.Stdio {
		logger.Info("scout: serving MCP on stdio", "version", version)
		if err := mcpSrv.Run(ctx, &mcp.StdioTransport{}); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("mcp stdio: %w", err)
		}
		return nil
	}

	opts := scout.HTTPOptions{
		BasicAuthUser: cfg.HTTP.BasicAuthUser,
		BasicAuthHash: cfg.HTTP.BasicAuthHash,
		RateLimit:     cfg.HTTP.RateLimit,
		RateWindow:    cfg.HTTP.RateWindow,
		MaxBody:       cfg.HTTP.MaxBody,
	}
	if cfg.MCP.Path != "" {
		opts.MCPPath = cfg.MCP.Path
		opts.MCP = mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return mcpSrv }, nil)
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           st.svc.Handler(opts),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("scout: listening", "addr", cfg.HTTP.Addr, "mcp", cfg.MCP.Path, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("scout: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// runCapture performs one capture, and optionally one extraction, and
// prints the result as JSON on stdout.
func runCapture(ctx context.Context, logger *slog.Logger, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("capture", flag.ContinueOnError)
	pageURL := fs.String("url", "", "page URL (required)")
	sel := fs.String("select", "", "CSS selector to select before capturing; full page when empty")
	query := fs.String("query", "", "run extraction with this query")
	extract := fs.Bool("extract", false, "run extraction even when -query is empty")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *pageURL == "" {
		fs.Usage()
		return errors.New("capture: -url is required")
	}

	st, err := build(ctx, logger, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	req := scout.CaptureRequest{
		Target: dispatch.Target{ID: idgen.New(), URL: *pageURL},
		Action: message.ActionCaptureFullPage,
	}
	if *sel != "" {
		req.Action = message.ActionCaptureSelection
		req.Select = *sel
	}

	var out any
	if *query != "" || *extract {
		out, err = st.svc.Extract(ctx, scout.ExtractRequest{CaptureRequest: req, Query: *query})
	} else {
		out, err = st.svc.Capture(ctx, req)
	}
	if err != nil {
		return fmt.Errorf("%s: %s", scout.Kind(err), scout.UserMessage(err))
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
