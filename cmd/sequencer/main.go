// Command sequencer runs the follow-up sequence engine: the dispatcher, the
// management HTTP API and, with the mcp subcommand, an MCP stdio server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rendis/sequencer/internal/logging"
	"github.com/rendis/sequencer/pkg/mcp"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cmd, args := "serve", os.Args[1:]
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	var code int
	switch cmd {
	case "serve":
		code = runServe()
	case "mcp":
		code = runMCP()
	case "install":
		code = runInstall(args)
	case "version", "--version", "-v":
		printVersion()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\nusage: sequencer [serve|mcp|install|version]\n", cmd)
		code = 2
	}
	os.Exit(code)
}

// runServe starts the dispatcher and the HTTP API, reloads settings on
// SIGHUP and shuts down on SIGINT/SIGTERM.
func runServe() int {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	var level slog.LevelVar
	level.Set(logging.ParseLevel(cfg.LogLevel))
	logger := logging.NewLeveled(os.Stderr, &level, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	defer a.close()

	handler, err := a.apiHandler(cfg)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	swapper := newHandlerSwapper(handler)
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           swapper,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := a.dispatcher.Start(ctx); err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	writePID(logger)
	defer os.Remove(pidPath())

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func(current Config) {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				current = reload(current, a, &level, swapper, logger)
			}
		}
	}(cfg)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("sequencer listening", "addr", cfg.ListenAddr, "db", cfg.DBPath)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			return 1
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	return 0
}

// reload re-reads the configuration. The log level and trigger queries
// apply in place; everything else is reported as needing a restart.
func reload(cur Config, a *app, level *slog.LevelVar, swapper *handlerSwapper, logger *slog.Logger) Config {
	next, err := loadConfig()
	if err != nil {
		logger.Error("config reload failed", "error", err)
		return cur
	}
	diff := diffConfigs(cur, next)
	if diff.LogLevelChanged {
		level.Set(logging.ParseLevel(next.LogLevel))
		logger.Info("log level changed", "level", next.LogLevel)
	}
	if diff.TriggersChanged {
		h, err := a.apiHandler(next)
		if err != nil {
			logger.Error("trigger queries rejected", "error", err)
			next.Triggers = cur.Triggers
		} else {
			swapper.Swap(h)
			logger.Info("trigger queries reloaded")
		}
	}
	if len(diff.RestartNeeded) > 0 {
		logger.Warn("config changes need a restart", "fields", diff.RestartNeeded)
	}
	return next
}

// runMCP serves the MCP tools over stdio. The dispatcher runs alongside so
// a standalone MCP process still delivers messages; leases keep it safe
// next to a serve process on the same database.
func runMCP() int {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	defer a.close()

	if err := a.dispatcher.Start(ctx); err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	srv := mcp.NewSequencerServer(mcp.ServerDeps{Service: a.service, Hub: a.hub, Logger: logger})
	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("mcp server failed", "error", err)
		return 1
	}
	return 0
}

func writePID(logger *slog.Logger) {
	if err := os.MkdirAll(sequencerDir(), 0o700); err != nil {
		logger.Warn("cannot create state dir", "error", err)
		return
	}
	if err := os.WriteFile(pidPath(), []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		logger.Warn("cannot write pid file", "error", err)
	}
}
