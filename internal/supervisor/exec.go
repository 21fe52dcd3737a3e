//go:build !windows

package supervisor

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/armkit/armd/internal/config"
	"github.com/armkit/armd/internal/registry"
)

// buildArgv assembles the command line for one service: prefix words, the
// binary, "-c <config>" when a config file is resolved, "-L DEBUG" when the
// section asks for it, and the option words with "{}" replaced by the
// service name. Services marked TYPE=SIMPLE get neither "-c" nor "-L" since
// their binaries do not understand the standard flags. Every part is
// $-expanded against the configuration.
func buildArgv(cfg *config.Config, svc *registry.Service) []string {
	prefix := svc.Prefix
	if prefix == "" {
		prefix, _ = cfg.Filename("arm", "GLOBAL_PREFIX")
	}
	options := svc.Options
	if options == "" {
		options, _ = cfg.Filename("arm", "GLOBAL_POSTFIX")
	}
	var argv []string
	argv = append(argv, strings.Fields(cfg.Expand(prefix))...)
	argv = append(argv, svc.Binary)
	if !svc.Simple {
		if svc.Config != "" {
			argv = append(argv, "-c", svc.Config)
		}
		if cfg.YesNo(svc.Name, "DEBUG") {
			argv = append(argv, "-L", "DEBUG")
		}
	}
	for _, w := range strings.Fields(cfg.Expand(options)) {
		if w == "{}" {
			w = svc.Name
		}
		argv = append(argv, w)
	}
	return argv
}

// spawn starts the service process. Listen socket descriptors are duplicated
// into the child (fds 3..n, announced with the LISTEN_FDS convention) with
// the accept waits cancelled first, so the child inherits any pending
// connection. With PIPECONTROL the child's stdin is a pipe whose parent end
// closing means "terminate".
func (s *Supervisor) spawn(svc *registry.Service) error {
	argv := buildArgv(s.cfg, svc)
	if len(argv) == 0 {
		return fmt.Errorf("empty command line for %s", svc.Name)
	}
	// #nosec G204 -- binary and arguments come from the operator's config
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	env := os.Environ()
	var extra []*os.File
	if len(svc.Sockets) > 0 {
		names := make([]string, 0, len(svc.Sockets))
		for _, ls := range svc.Sockets {
			ls.CancelWait()
			f, err := ls.File()
			if err != nil {
				for _, ef := range extra {
					_ = ef.Close()
				}
				return err
			}
			extra = append(extra, f)
			names = append(names, ls.Addr.String())
		}
		cmd.ExtraFiles = extra
		env = append(env,
			fmt.Sprintf("LISTEN_FDS=%d", len(extra)),
			"LISTEN_FDNAMES="+strings.Join(names, ":"))
	}
	cmd.Env = env

	var closeAfterStart []*os.File
	if svc.PipeControl {
		pr, pw, err := os.Pipe()
		if err != nil {
			return fmt.Errorf("control pipe for %s: %w", svc.Name, err)
		}
		cmd.Stdin = pr
		svc.KillPipe = pw
		closeAfterStart = append(closeAfterStart, pr)
	}
	outW, errW := s.outCfg.Writers(svc.Name)
	for _, pair := range []struct {
		w   io.WriteCloser
		set func(*os.File)
	}{
		{outW, func(f *os.File) { cmd.Stdout = f }},
		{errW, func(f *os.File) { cmd.Stderr = f }},
	} {
		if pair.w == nil {
			continue
		}
		pr, pw, err := os.Pipe()
		if err != nil {
			slog.Warn("output capture pipe failed", "service", svc.Name, "err", err)
			_ = pair.w.Close()
			continue
		}
		pair.set(pw)
		closeAfterStart = append(closeAfterStart, pw)
		go func(r *os.File, w io.WriteCloser) {
			_, _ = io.Copy(w, r)
			_ = r.Close()
			_ = w.Close()
		}(pr, pair.w)
	}

	err := cmd.Start()
	// The child owns its ends now; keeping ours would hold pipes open.
	for _, f := range closeAfterStart {
		_ = f.Close()
	}
	for _, f := range extra {
		_ = f.Close()
	}
	if err != nil {
		if svc.KillPipe != nil {
			_ = svc.KillPipe.Close()
			svc.KillPipe = nil
		}
		return fmt.Errorf("exec %s: %w", argv[0], err)
	}
	svc.Proc = cmd.Process
	svc.PID = cmd.Process.Pid
	slog.Info("service started", "service", svc.Name, "pid", svc.PID, "binary", svc.Binary)
	return nil
}

// terminate asks a live service to exit: close the control pipe under
// PIPECONTROL, otherwise SIGTERM to the process group. Failures are logged
// and best-effort.
func (s *Supervisor) terminate(svc *registry.Service) {
	if svc.PipeControl && svc.KillPipe != nil {
		_ = svc.KillPipe.Close()
		svc.KillPipe = nil
		return
	}
	if svc.PID == 0 {
		return
	}
	if err := syscall.Kill(-svc.PID, syscall.SIGTERM); err != nil {
		// Fall back to the single process if the group is already gone.
		if err2 := syscall.Kill(svc.PID, syscall.SIGTERM); err2 != nil {
			slog.Warn("kill failed", "service", svc.Name, "pid", svc.PID, "err", err2)
		}
	}
}
