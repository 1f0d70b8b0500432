package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// runInstall writes settings.json from flags, keeping values the flags do
// not mention, and asks a running server to reload it.
func runInstall(args []string) int {
	fs := flag.NewFlagSet("install", flag.ContinueOnError)
	listenAddr := fs.String("listen-addr", "", "TCP listen address")
	baseURL := fs.String("base-url", "", "public base URL used for booking links")
	dbPath := fs.String("db-path", "", "database path (default: ~/.sequencer/sequencer.db)")
	logLevel := fs.String("log-level", "", "log level: debug, info, warn, error")
	poolSize := fs.Int("pool-size", 0, "worker pool size")
	schedule := fs.String("schedule", "", "dispatcher poll schedule, e.g. \"@every 15s\"")
	engineName := fs.String("condition-engine", "", "condition engine: cel or expr")
	catalogDir := fs.String("catalog-dir", "", "directory of extra catalog files")
	maxAttempts := fs.Int("max-attempts", 0, "failed attempts before an enrollment fails")
	sendTimeout := fs.Duration("send-timeout", 0, "timeout of one send")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	dir := sequencerDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot create %s: %v\n", dir, err)
		return 1
	}

	cfg, err := loadConfigFrom(settingsPath(), func(string) string { return "" })
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if *listenAddr != "" && *baseURL == "" && cfg.BaseURL == "http://localhost"+cfg.ListenAddr {
		cfg.BaseURL = "http://localhost" + *listenAddr
	}
	setString(&cfg.ListenAddr, *listenAddr)
	setString(&cfg.BaseURL, *baseURL)
	setString(&cfg.DBPath, *dbPath)
	setString(&cfg.LogLevel, *logLevel)
	setString(&cfg.Schedule, *schedule)
	setString(&cfg.ConditionEngine, *engineName)
	setString(&cfg.CatalogDir, *catalogDir)
	if *poolSize > 0 {
		cfg.PoolSize = *poolSize
	}
	if *maxAttempts > 0 {
		cfg.MaxAttempts = *maxAttempts
	}
	if *sendTimeout > 0 {
		cfg.SendTimeout = Duration(*sendTimeout)
		if cfg.Lease.D() <= *sendTimeout {
			cfg.Lease = Duration(4 * *sendTimeout)
		}
	}
	if err := cfg.validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	data, _ := json.MarshalIndent(cfg, "", "  ")
	path := settingsPath()
	// Credentials may live in this file.
	if err := os.WriteFile(path, data, 0o600); err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot write %s: %v\n", path, err)
		return 1
	}
	fmt.Printf("Config written to %s\n", path)

	signalRunningServer()
	return 0
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// signalRunningServer sends SIGHUP to a running sequencer (via pidfile).
// Returns true if the server was signaled.
func signalRunningServer() bool {
	data, err := os.ReadFile(pidPath())
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Check if process is alive.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return false
	}
	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return false
	}
	fmt.Printf("Signaled running server (PID %d) to reload configuration\n", pid)
	return true
}
