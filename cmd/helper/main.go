// Package main is the privileged helper daemon. launchd runs it as root and
// it serves the helper API on a Unix domain socket.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/mdm-migrate/internal/config"
	"github.com/pandeptwidyaop/mdm-migrate/internal/database"
	"github.com/pandeptwidyaop/mdm-migrate/internal/logger"
	"github.com/pandeptwidyaop/mdm-migrate/internal/portal"
	"github.com/pandeptwidyaop/mdm-migrate/internal/registry"
	"github.com/pandeptwidyaop/mdm-migrate/internal/router"
	"github.com/pandeptwidyaop/mdm-migrate/internal/service"
	"github.com/pandeptwidyaop/mdm-migrate/internal/services"
	"github.com/pandeptwidyaop/mdm-migrate/internal/version"
)

const (
	defaultConfigPath = "/Library/Application Support/MDMMigrate/config.yaml"
	helperLogFile     = "helper.log"
	shutdownTimeout   = 10 * time.Second
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "install":
			if err := runInstall(os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "Install failed: %v\n", err)
				os.Exit(1)
			}
			os.Exit(0)
		case "uninstall":
			if err := runUninstall(os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "Uninstall failed: %v\n", err)
				os.Exit(1)
			}
			os.Exit(0)
		case "version":
			printVersion()
			os.Exit(0)
		}
	}

	configPath := flag.String("config", defaultConfigPath, "path to config file")
	showVersion := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	cfg := loadConfig(*configPath)
	cfg.Logging.File = helperLogFile

	log, closer, err := logger.New(cfg.Logging, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialise logging: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = closer.Close() }()

	if err := serve(cfg, log); err != nil {
		log.Error().Err(err).Msg("Helper stopped")
		_ = closer.Close()
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("MDM Migrate helper %s\n", version.Version)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Printf("Git Commit: %s\n", version.GitCommit)
}

func loadConfig(path string) *config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not load config from %s: %v\n", path, err)
		fmt.Fprintln(os.Stderr, "Using default configuration...")
		cfg, _ = config.Load("")
	}
	return cfg
}

func serve(cfg *config.Config, log zerolog.Logger) error {
	if !service.IsRoot() {
		return errors.New("helper must run as root")
	}

	db, err := database.New(cfg.Helper.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing database")
		}
	}()

	if err := db.Migrate(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	tokens, err := services.LoadTokenService(cfg.Helper.TokenHashPath)
	if err != nil {
		return fmt.Errorf("failed to load helper token: %w", err)
	}

	reg, err := registry.NewDefault()
	if err != nil {
		return fmt.Errorf("failed to load vendor catalog: %w", err)
	}
	for _, v := range cfg.Vendors {
		reg.RegisterVendor(v)
	}

	executor := services.NewExecutorService(cfg.Helper.GetCommandTimeout(), logger.WithComponent(log, "executor"))
	audit := services.NewAuditService(db, log)
	profiles := services.NewProfileService(executor, audit, logger.WithComponent(log, "profiles"))

	svc := router.Services{
		Tokens:     tokens,
		Executor:   executor,
		Audit:      audit,
		Profiles:   profiles,
		Removal:    services.NewRemovalService(reg, executor, audit, logger.WithComponent(log, "removal")),
		Backups:    services.NewBackupService(db, profiles, audit, cfg.Migration.BackupDir, logger.WithComponent(log, "backups")),
		Enrollment: services.NewEnrollmentService(executor, profiles, audit, cfg.Portal.PreferencesDomain, logger.WithComponent(log, "enrollment")),
		FileVault:  services.NewFileVaultService(executor, audit, cfg.FileVault.GetRotationTimeout(), logger.WithComponent(log, "filevault")),
		Portal:     portal.NewInstaller(cfg.Portal.DownloadURL, cfg.Portal.AppPath, executor, logger.WithComponent(log, "portal")),
		Guard:      services.NewGuard(),
	}

	listener, err := listen(cfg.Helper.SocketPath)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           router.New(svc, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("version", version.Version).
			Str("socket", cfg.Helper.SocketPath).
			Msg("Helper listening")
		errCh <- srv.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down helper")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down: %w", err)
	}
	return nil
}

// listen binds the socket. Any client may connect; requests are
// authorised by token.
func listen(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", path, err)
	}
	// #nosec G302 - the socket must be reachable by the unprivileged app
	if err := os.Chmod(path, 0666); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("failed to set socket permissions: %w", err)
	}
	return listener, nil
}

// runInstall is invoked as root by the migrator's install script. It stores
// the token hash and the config, then registers the launch daemon.
func runInstall(args []string) error {
	fs := flag.NewFlagSet("install", flag.ExitOnError)
	tokenHash := fs.String("token-hash", "", "path to the bcrypt hash of the helper token")
	configPath := fs.String("config", "", "config file to install for the helper")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if !service.IsDarwin() {
		return errors.New("install is only supported on macOS")
	}
	if !service.IsRoot() {
		return errors.New("install must run as root")
	}
	if *tokenHash == "" {
		return errors.New("-token-hash is required")
	}

	cfg := loadConfig(*configPath)

	if err := copyFile(*tokenHash, cfg.Helper.TokenHashPath, 0600); err != nil {
		return fmt.Errorf("failed to install token hash: %w", err)
	}
	if *configPath != "" {
		if err := copyFile(*configPath, cfg.Helper.ConfigPath, 0644); err != nil {
			return fmt.Errorf("failed to install config: %w", err)
		}
	}

	exe, err := os.Executable()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := service.NewLaunchctl().Install(ctx, serviceConfig(cfg, exe)); err != nil {
		return err
	}

	fmt.Printf("Helper %s installed as %s\n", version.Version, cfg.Helper.Label)
	return nil
}

func runUninstall(args []string) error {
	fs := flag.NewFlagSet("uninstall", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if !service.IsRoot() {
		return errors.New("uninstall must run as root")
	}

	cfg := loadConfig(*configPath)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := service.NewLaunchctl().Uninstall(ctx, serviceConfig(cfg, cfg.Helper.BinaryPath)); err != nil {
		return err
	}
	_ = os.Remove(cfg.Helper.SocketPath)
	_ = os.Remove(cfg.Helper.TokenHashPath)

	fmt.Println("Helper uninstalled")
	return nil
}

func serviceConfig(cfg *config.Config, execPath string) service.ServiceConfig {
	return service.ServiceConfig{
		Label:      cfg.Helper.Label,
		ExecPath:   execPath,
		ConfigPath: cfg.Helper.ConfigPath,
		LogPath:    filepath.Join(cfg.Logging.Dir, "helper.stdout.log"),
		PlistPath:  cfg.Helper.PlistPath,
	}
}

func copyFile(src, dest string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}

	in, err := os.Open(src) // #nosec G304 - path supplied by the install script
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode) // #nosec G304
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chmod(dest, mode)
}
