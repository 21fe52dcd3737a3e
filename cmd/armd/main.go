//go:build !windows

package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/google/renameio/v2"
	"github.com/spf13/cobra"

	armd "github.com/armkit/armd"
	"github.com/armkit/armd/internal/logger"
)

// Exit codes match what service scripts probe for.
const (
	exitUsage  = 1
	exitListen = 2
)

type daemonFlags struct {
	ConfigPath string
	LogLevel   string
	PidFile    string
	Daemonize  bool
	NoColor    bool
}

func main() {
	var flags daemonFlags
	root := &cobra.Command{
		Use:           "armd",
		Short:         "automated restart manager daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(flags)
		},
	}
	root.Flags().StringVarP(&flags.ConfigPath, "config", "c", "", "configuration file")
	root.Flags().StringVarP(&flags.LogLevel, "log-level", "L", "info", "log level (debug, info, warn, error)")
	root.Flags().StringVar(&flags.PidFile, "pidfile", "", "write the daemon pid to this file")
	root.Flags().BoolVarP(&flags.Daemonize, "daemonize", "d", false, "detach from the terminal")
	root.Flags().BoolVar(&flags.NoColor, "no-color", false, "disable colored log output")

	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "armd:", err)
		code := exitUsage
		var ee *exitErr
		if errors.As(err, &ee) {
			code = ee.code
		}
		os.Exit(code)
	}
}

// exitErr carries a process exit code alongside the underlying error.
type exitErr struct {
	code int
	err  error
}

func (e *exitErr) Error() string { return e.err.Error() }
func (e *exitErr) Unwrap() error { return e.err }

func run(flags daemonFlags) error {
	if flags.Daemonize {
		return detach()
	}

	log := logger.Setup(flags.LogLevel, !flags.NoColor)

	cfg, err := armd.LoadConfig(flags.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	opts := armd.DaemonOptions{
		UserServices:   cfg.YesNo("arm", "START_USER_SERVICES"),
		SystemServices: cfg.YesNo("arm", "START_SYSTEM_SERVICES"),
		WatchConfig:    cfg.YesNo("arm", "RESTART_ON_CONFIG_CHANGE"),
	}
	if dir, ok := cfg.Filename("arm", "SERVICE_LOG_DIR"); ok {
		opts.Output = logger.OutputConfig{Dir: dir}
		if mb, ok := cfg.GetInt("arm", "SERVICE_LOG_MAX_SIZE_MB"); ok {
			opts.Output.MaxSizeMB = mb
		}
		if n, ok := cfg.GetInt("arm", "SERVICE_LOG_MAX_BACKUPS"); ok {
			opts.Output.MaxBackups = n
		}
	}
	if db, ok := cfg.Filename("arm", "HISTORY_DB"); ok {
		opts.HistoryDB = db
	}

	d, err := armd.NewDaemon(cfg, opts)
	if err != nil {
		if errors.Is(err, armd.ErrNoScope) {
			return fmt.Errorf("%w: enable START_USER_SERVICES or START_SYSTEM_SERVICES", err)
		}
		return &exitErr{code: exitListen, err: err}
	}

	if flags.PidFile != "" {
		pid := []byte(strconv.Itoa(os.Getpid()) + "\n")
		if err := renameio.WriteFile(flags.PidFile, pid, 0o644); err != nil {
			log.Warn("pidfile write failed", "path", flags.PidFile, "err", err)
		}
		defer func() { _ = os.Remove(flags.PidFile) }()
	}

	if addr, ok := cfg.GetString("arm", "RESOURCE_DIAGNOSTICS"); ok && addr != "" {
		diag := armd.NewDiagnosticsServer(addr, d.Supervisor())
		go func() {
			if err := diag.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn("diagnostics server failed", "addr", addr, "err", err)
			}
		}()
		defer func() { _ = diag.Close() }()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		s := <-sigs
		log.Info("shutdown signal received", "signal", s)
		d.Shutdown()
	}()

	log.Info("restart manager running", "socket", d.SocketAddr())
	d.Run()
	log.Info("restart manager stopped")
	return nil
}

// detach re-executes the daemon in its own session without the -d flag.
func detach() error {
	args := make([]string, 0, len(os.Args)-1)
	for _, a := range os.Args[1:] {
		if a == "-d" || a == "--daemonize" {
			continue
		}
		args = append(args, a)
	}
	cmd := exec.Command(os.Args[0], args...) // #nosec G204 -- re-exec of self
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("daemonize: %w", err)
	}
	return nil
}
