package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/BTreeMap/ForwardPipe/internal/api"
	"github.com/BTreeMap/ForwardPipe/internal/config"
	"github.com/BTreeMap/ForwardPipe/internal/lockfile"
	"github.com/BTreeMap/ForwardPipe/internal/store"
	"github.com/joho/godotenv"
)

// EnvConfigPath names the YAML configuration file when -config is not given.
const EnvConfigPath = "FORWARDPIPE_CONFIG"

func main() {
	// Initialize structured logger
	initializeLogger(slog.LevelDebug)

	// Load .env before anything reads the environment
	loadDotEnv()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("ForwardPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("ForwardPipe exited successfully")
}

// Flags holds command line flag values. Empty strings leave the loaded configuration alone.
type Flags struct {
	configPath string
	stateDir   string
	dbDSN      string
	apiAddr    string
	qrOutput   string
	numeric    bool
	logLevel   string
}

func run(args []string) error {
	flags, err := parseCommandLineFlags(args)
	if err != nil {
		return err
	}
	if flags.logLevel != "" {
		var level slog.Level
		if err := level.UnmarshalText([]byte(flags.logLevel)); err != nil {
			return fmt.Errorf("invalid -log-level %q: %w", flags.logLevel, err)
		}
		initializeLogger(level)
	}

	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}

	if err := ensureStateDir(cfg); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	lock, err := lockfile.AcquireLock(cfg.StateDir)
	if err != nil {
		var lockErr *lockfile.LockError
		if errors.As(err, &lockErr) {
			slog.Error("Another ForwardPipe instance holds the state directory", "lock_path", lockErr.LockPath, "holder", lockErr.Holder)
		}
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			slog.Warn("Failed to release lock", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping ForwardPipe", "state_dir", cfg.StateDir, "api_addr", cfg.APIAddr, "targets", len(cfg.Targets))
	return api.Run(ctx, cfg, nil, buildAPIOptions(cfg))
}

// initializeLogger sets up structured logging at the given level
func initializeLogger(level slog.Level) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

func loadDotEnv() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}
}

// parseCommandLineFlags parses args into Flags
func parseCommandLineFlags(args []string) (Flags, error) {
	var f Flags
	fs := flag.NewFlagSet("forwardpipe", flag.ContinueOnError)
	fs.StringVar(&f.configPath, "config", os.Getenv(EnvConfigPath), "path to YAML configuration (overrides $"+EnvConfigPath+")")
	fs.StringVar(&f.stateDir, "state-dir", "", "state directory for ForwardPipe data (overrides $"+config.EnvStateDir+")")
	fs.StringVar(&f.dbDSN, "db-dsn", "", "backlog database DSN, SQLite path or PostgreSQL URL (overrides $"+config.EnvDatabaseURL+")")
	fs.StringVar(&f.apiAddr, "api-addr", "", "API server address (overrides $"+config.EnvAPIAddr+")")
	fs.StringVar(&f.qrOutput, "qr-output", "", "path to write the WhatsApp login QR code")
	fs.BoolVar(&f.numeric, "numeric-code", false, "use a numeric WhatsApp login code instead of a QR code")
	fs.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return f, err
	}
	if fs.NArg() > 0 {
		return f, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	slog.Debug("flags parsed",
		"config", f.configPath,
		"stateDir", f.stateDir,
		"dbDSN_set", f.dbDSN != "",
		"apiAddr", f.apiAddr,
		"qrOutput", f.qrOutput,
		"numeric", f.numeric)
	return f, nil
}

// loadConfig reads the configuration file and environment, applies flags and validates.
func loadConfig(f Flags) (config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return cfg, err
	}
	applyFlags(&cfg, f)
	cfg.ResolveDSNs()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyFlags(cfg *config.Config, f Flags) {
	if f.stateDir != "" {
		cfg.StateDir = f.stateDir
	}
	if f.dbDSN != "" {
		cfg.DatabaseDSN = f.dbDSN
	}
	if f.apiAddr != "" {
		cfg.APIAddr = f.apiAddr
	}
	if f.qrOutput != "" {
		cfg.WhatsApp.QRPath = f.qrOutput
	}
	if f.numeric {
		cfg.WhatsApp.NumericCode = true
	}
}

// ensureStateDir creates the state directory and the directories of file-based databases.
func ensureStateDir(cfg config.Config) error {
	dirs := []string{cfg.StateDir}
	if store.DetectDSNType(cfg.DatabaseDSN) != "postgres" {
		dirs = append(dirs, filepath.Dir(cfg.DatabaseDSN))
	}
	if cfg.WhatsApp.Enabled && store.DetectDSNType(cfg.WhatsApp.DSN) != "postgres" {
		dirs = append(dirs, filepath.Dir(cfg.WhatsApp.DSN))
	}
	for _, dir := range dirs {
		slog.Debug("Creating directory", "dir", dir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(cfg config.Config) []api.Option {
	var apiOpts []api.Option
	if cfg.APIAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(cfg.APIAddr))
	}
	return apiOpts
}
