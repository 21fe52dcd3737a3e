//go:build !windows

// Package supervisor runs the restart manager's event loop: one goroutine
// owns every service descriptor and serializes client requests, child-exit
// reaping, socket-activation events and restart timers. Nothing outside the
// loop touches descriptor state.
package supervisor

import (
	"log/slog"
	"time"

	"github.com/armkit/armd/internal/config"
	"github.com/armkit/armd/internal/history"
	"github.com/armkit/armd/internal/logger"
	"github.com/armkit/armd/internal/metrics"
	"github.com/armkit/armd/internal/netsock"
	"github.com/armkit/armd/internal/protocol"
	"github.com/armkit/armd/internal/registry"
	"github.com/armkit/armd/internal/sigbridge"
	"github.com/fsnotify/fsnotify"
	"golang.org/x/sys/unix"
)

// BroadcastFunc fans one status event out to monitor subscribers.
type BroadcastFunc func(protocol.StatusMessage)

// Options configures a Supervisor.
type Options struct {
	Output      logger.OutputConfig // capture service stdout/stderr
	History     history.Sink        // optional lifecycle audit sink
	WatchConfig bool                // restart services when their config file changes
}

// Supervisor is the process state machine. Construct with New, then Run.
type Supervisor struct {
	cfg    *config.Config
	reg    *registry.Registry
	bridge *sigbridge.Bridge

	ops    chan func()
	demand chan *netsock.ListenSocket

	restartTimer *time.Timer
	watcher      *fsnotify.Watcher
	watchCh      <-chan fsnotify.Event

	broadcast BroadcastFunc
	hist      history.Sink
	outCfg    logger.OutputConfig

	shuttingDown bool
	done         chan struct{}
}

const opQueueDepth = 64

func New(cfg *config.Config, reg *registry.Registry, bridge *sigbridge.Bridge, opts Options) *Supervisor {
	s := &Supervisor{
		cfg:    cfg,
		reg:    reg,
		bridge: bridge,
		ops:    make(chan func(), opQueueDepth),
		demand: make(chan *netsock.ListenSocket, opQueueDepth),
		outCfg: opts.Output,
		hist:   opts.History,
		done:   make(chan struct{}),
	}
	s.restartTimer = time.NewTimer(time.Hour)
	if !s.restartTimer.Stop() {
		<-s.restartTimer.C
	}
	if opts.WatchConfig {
		if w, err := fsnotify.NewWatcher(); err == nil {
			s.watcher = w
		} else {
			slog.Warn("config watch unavailable", "err", err)
		}
	}
	return s
}

// SetBroadcast wires the status fan-out. Must be called before Run.
func (s *Supervisor) SetBroadcast(b BroadcastFunc) { s.broadcast = b }

// Done is closed once global shutdown has fully drained.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// Run executes the event loop until global shutdown completes. Force-started
// services are spawned first, then every on-demand socket is armed.
func (s *Supervisor) Run() {
	for _, svc := range s.reg.All() {
		if svc.ForceStart {
			s.startService(svc, nil, 0)
		} else {
			s.armSockets(svc)
		}
		s.watchConfigFile(svc)
	}
	s.updateRunningGauge()

	if s.watcher != nil {
		s.watchCh = s.watcher.Events
	}
	for {
		select {
		case op := <-s.ops:
			op()
		case <-s.bridge.C():
			s.reap()
		case ls := <-s.demand:
			s.demandStart(ls)
		case <-s.restartTimer.C:
			s.restartSweep()
		case ev, ok := <-s.watchCh:
			if !ok {
				s.watchCh = nil // nil channel never fires again
				continue
			}
			s.onConfigEvent(ev)
		case <-s.done:
			return
		}
	}
}

// do schedules f onto the event loop. Calls arriving after shutdown has
// completed are discarded.
func (s *Supervisor) do(f func()) {
	select {
	case s.ops <- f:
	case <-s.done:
	}
}

// --- client-facing operations -------------------------------------------

// RequestStart handles a client Start request. The reply callback receives
// exactly one terminal result; it is invoked on the loop goroutine and must
// not block.
func (s *Supervisor) RequestStart(name string, requestID uint64, reply registry.ReplyFunc) {
	s.do(func() {
		if s.shuttingDown {
			reply(requestID, protocol.ResultInShutdown)
			return
		}
		if name == "arm" {
			reply(requestID, protocol.ResultAlreadyStarted)
			return
		}
		svc := s.reg.Find(name)
		if svc == nil {
			reply(requestID, protocol.ResultNotKnown)
			return
		}
		svc.ForceStart = true
		if svc.Proc != nil {
			reply(requestID, protocol.ResultAlreadyStarted)
			return
		}
		s.startService(svc, reply, requestID)
	})
}

// RequestStop handles a client Stop request. Stopping the supervisor itself
// replies immediately, pins the requesting connection open via
// markPersistent, and triggers global shutdown.
func (s *Supervisor) RequestStop(name string, requestID uint64, reply registry.ReplyFunc, markPersistent func()) {
	s.do(func() {
		if name == "arm" {
			s.emit(protocol.StatusMessage{Status: protocol.StatusStopping, Name: "arm"})
			reply(requestID, protocol.ResultStopping)
			if markPersistent != nil {
				markPersistent()
			}
			s.beginShutdown()
			return
		}
		svc := s.reg.Find(name)
		if svc == nil {
			reply(requestID, protocol.ResultNotKnown)
			return
		}
		svc.ForceStart = false
		switch {
		case s.shuttingDown:
			reply(requestID, protocol.ResultInShutdown)
		case svc.State == registry.StateStopping:
			reply(requestID, protocol.ResultAlreadyStopping)
		case svc.Proc == nil:
			reply(requestID, protocol.ResultAlreadyStopped)
		default:
			s.emit(protocol.StatusMessage{Status: protocol.StatusStopping, Name: svc.Name})
			svc.KilledAt = time.Now()
			svc.KillReply = reply
			svc.KillRequestID = requestID
			svc.State = registry.StateStopping
			s.terminate(svc)
			slog.Info("stopping service", "service", svc.Name, "pid", svc.PID)
		}
	})
}

// RequestList answers with one entry per descriptor that has a live process.
func (s *Supervisor) RequestList(requestID uint64, reply func(protocol.ListResultMessage)) {
	s.do(func() {
		m := protocol.ListResultMessage{RequestID: requestID}
		for _, svc := range s.reg.All() {
			if svc.Proc == nil {
				continue
			}
			m.Entries = append(m.Entries, protocol.ListEntry{
				Name:           svc.Name,
				Binary:         svc.Binary,
				LastExitStatus: int32(svc.LastExitCode),
				Status:         svcStatus(svc),
				RestartAt:      svc.RestartAt,
				LastStartedAt:  svc.LastStartedAt,
			})
		}
		reply(m)
	})
}

// RequestTest answers the liveness probe.
func (s *Supervisor) RequestTest(requestID uint64, reply registry.ReplyFunc) {
	s.do(func() {
		reply(requestID, protocol.ResultAlreadyStarted)
	})
}

// Shutdown triggers global shutdown from outside the loop (signal handler).
func (s *Supervisor) Shutdown() {
	s.do(s.beginShutdown)
}

// RunningServices implements the diagnostics listing. Safe from any
// goroutine; it round-trips through the loop.
func (s *Supervisor) RunningServices() []metrics.RunningService {
	ch := make(chan []metrics.RunningService, 1)
	s.do(func() {
		var out []metrics.RunningService
		for _, svc := range s.reg.All() {
			if svc.Proc == nil {
				continue
			}
			out = append(out, metrics.RunningService{
				Name:      svc.Name,
				Binary:    svc.Binary,
				PID:       svc.PID,
				StartedAt: svc.LastStartedAt,
			})
		}
		ch <- out
	})
	select {
	case v := <-ch:
		return v
	case <-s.done:
		return nil
	}
}

// --- loop internals ------------------------------------------------------

func svcStatus(svc *registry.Service) protocol.ServiceStatus {
	switch svc.State {
	case registry.StateStarting:
		return protocol.StatusStarting
	case registry.StateStopping:
		return protocol.StatusStopping
	}
	return protocol.StatusStopped
}

func (s *Supervisor) emit(m protocol.StatusMessage) {
	if s.broadcast != nil {
		s.broadcast(m)
	}
}

// startService spawns a descriptor's process. reply may be nil for demand
// and sweep starts. Spawn failure is reported only to the requester and the
// descriptor stays stopped and retryable.
func (s *Supervisor) startService(svc *registry.Service, reply registry.ReplyFunc, requestID uint64) {
	if svc.Proc != nil {
		if reply != nil {
			reply(requestID, protocol.ResultAlreadyStarted)
		}
		return
	}
	now := time.Now()
	svc.LastRestartAt = now
	if err := s.spawn(svc); err != nil {
		slog.Error("spawn failed", "service", svc.Name, "err", err)
		svc.State = registry.StateStopped
		if reply != nil {
			reply(requestID, protocol.ResultStartFailed)
		}
		return
	}
	svc.State = registry.StateStarting
	svc.LastStartedAt = now
	svc.RestartAt = time.Time{}
	metrics.IncStart(svc.Name)
	s.recordHistory(history.EventStarted, svc)
	s.emit(protocol.StatusMessage{Status: protocol.StatusStarting, Name: svc.Name})
	if reply != nil {
		reply(requestID, protocol.ResultStarting)
	}
	s.updateRunningGauge()
}

// demandStart handles the first inbound connection on an on-demand socket.
func (s *Supervisor) demandStart(ls *netsock.ListenSocket) {
	if s.shuttingDown {
		return
	}
	svc := s.reg.Find(ls.Service)
	if svc == nil || svc.Proc != nil {
		return
	}
	slog.Info("socket activity, starting service", "service", ls.Service, "addr", ls.Addr.String())
	metrics.IncDemand(ls.Service)
	s.startService(svc, nil, 0)
}

// reap runs a non-blocking wait over every descriptor with a live process.
// One signal can cover several exits, so the whole table is swept.
func (s *Supervisor) reap() {
	for _, svc := range s.reg.All() {
		if svc.Proc == nil {
			continue
		}
		var ws unix.WaitStatus
		pid, err := unix.Wait4(svc.PID, &ws, unix.WNOHANG, nil)
		if err != nil || pid == 0 {
			continue
		}
		if ws.Stopped() || ws.Continued() {
			continue
		}
		s.handleExit(svc, ws)
	}
	s.updateRunningGauge()
	s.maybeFinishShutdown()
}

func (s *Supervisor) handleExit(svc *registry.Service, ws unix.WaitStatus) {
	wasRequestedStop := svc.State == registry.StateStopping
	exitCode := 0
	if ws.Exited() {
		exitCode = ws.ExitStatus()
		slog.Info("service exited", "service", svc.Name, "pid", svc.PID, "status", exitCode)
	} else if ws.Signaled() {
		exitCode = 128 + int(ws.Signal())
		slog.Warn("service killed by signal", "service", svc.Name, "pid", svc.PID, "signal", ws.Signal().String())
	}
	svc.Proc = nil
	svc.PID = 0
	svc.State = registry.StateStopped
	svc.LastExitCode = exitCode
	if svc.KillPipe != nil {
		_ = svc.KillPipe.Close()
		svc.KillPipe = nil
	}
	metrics.IncStop(svc.Name)
	s.recordHistory(history.EventStopped, svc)
	s.emit(protocol.StatusMessage{Status: protocol.StatusStopped, Name: svc.Name})
	if svc.KillReply != nil {
		svc.KillReply(svc.KillRequestID, protocol.ResultStopped)
		svc.KillReply = nil
		svc.KillRequestID = 0
	}
	if s.shuttingDown {
		s.freeService(svc)
		return
	}
	if wasRequestedStop {
		// Requested. No timed restart: demand on the listen sockets is
		// the only thing that brings it back.
		svc.RestartAt = time.Time{}
		s.armSockets(svc)
		return
	}
	uptime := time.Since(svc.LastRestartAt)
	svc.Backoff = NextBackoff(svc.Backoff, uptime)
	svc.RestartAt = time.Now().Add(svc.Backoff)
	metrics.IncCrash(svc.Name)
	metrics.SetBackoffSeconds(svc.Name, svc.Backoff.Seconds())
	slog.Warn("service crashed, restart scheduled",
		"service", svc.Name, "exit_code", exitCode, "backoff", svc.Backoff.String())
	s.scheduleSweep()
}

// restartSweep starts or re-arms every stopped descriptor whose restart
// time has elapsed, then schedules the next earliest one.
func (s *Supervisor) restartSweep() {
	now := time.Now()
	for _, svc := range s.reg.All() {
		if svc.State != registry.StateStopped || svc.RestartAt.IsZero() || svc.RestartAt.After(now) {
			continue
		}
		svc.RestartAt = time.Time{}
		if svc.ForceStart {
			s.startService(svc, nil, 0)
		} else {
			s.armSockets(svc)
		}
	}
	s.scheduleSweep()
}

// scheduleSweep (re)arms the single restart timer at the minimum pending
// restart time, or leaves it stopped when nothing is pending.
func (s *Supervisor) scheduleSweep() {
	var next time.Time
	for _, svc := range s.reg.All() {
		if svc.State != registry.StateStopped || svc.RestartAt.IsZero() {
			continue
		}
		if next.IsZero() || svc.RestartAt.Before(next) {
			next = svc.RestartAt
		}
	}
	if !s.restartTimer.Stop() {
		select {
		case <-s.restartTimer.C:
		default:
		}
	}
	if next.IsZero() {
		return
	}
	d := time.Until(next)
	if d < 0 {
		d = 0
	}
	s.restartTimer.Reset(d)
}

func (s *Supervisor) armSockets(svc *registry.Service) {
	for _, ls := range svc.Sockets {
		ls.StartWait(s.demand)
	}
}

// beginShutdown cancels timers and waits, closes all listen sockets, asks
// every live process to terminate and frees everything else immediately.
func (s *Supervisor) beginShutdown() {
	if s.shuttingDown {
		return
	}
	s.shuttingDown = true
	slog.Info("global shutdown started", "services", s.reg.Len())
	if !s.restartTimer.Stop() {
		select {
		case <-s.restartTimer.C:
		default:
		}
	}
	if s.watcher != nil {
		_ = s.watcher.Close()
		s.watcher = nil
	}
	now := time.Now()
	for _, svc := range s.reg.All() {
		for _, ls := range svc.Sockets {
			ls.Close()
		}
		svc.Sockets = nil
		if svc.Proc != nil {
			svc.KilledAt = now
			svc.State = registry.StateStopping
			s.terminate(svc)
		} else {
			s.freeService(svc)
		}
	}
	s.maybeFinishShutdown()
}

func (s *Supervisor) freeService(svc *registry.Service) {
	for _, ls := range svc.Sockets {
		ls.Close()
	}
	svc.Sockets = nil
	s.reg.Remove(svc.Name)
}

// maybeFinishShutdown completes shutdown once no descriptors remain. The
// bridge is released and Done closes, which in turn releases the IPC
// acceptor held by the caller.
func (s *Supervisor) maybeFinishShutdown() {
	if !s.shuttingDown || s.reg.Len() > 0 {
		return
	}
	slog.Info("global shutdown complete")
	s.bridge.Close()
	close(s.done)
}

// --- config change watch -------------------------------------------------

func (s *Supervisor) watchConfigFile(svc *registry.Service) {
	if s.watcher == nil || svc.Config == "" {
		return
	}
	if err := s.watcher.Add(svc.Config); err != nil {
		slog.Warn("cannot watch config file", "service", svc.Name, "path", svc.Config, "err", err)
	}
}

// onConfigEvent restarts a running service whose config file changed; the
// normal crash-restart path brings it back with the new file.
func (s *Supervisor) onConfigEvent(ev fsnotify.Event) {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return
	}
	for _, svc := range s.reg.All() {
		if svc.Config != ev.Name || svc.Proc == nil || svc.State == registry.StateStopping {
			continue
		}
		slog.Info("config changed, restarting service", "service", svc.Name, "path", ev.Name)
		s.terminate(svc)
	}
}

func (s *Supervisor) updateRunningGauge() {
	n := 0
	for _, svc := range s.reg.All() {
		if svc.Proc != nil {
			n++
		}
	}
	metrics.SetRunning(n)
}

func (s *Supervisor) recordHistory(typ history.EventType, svc *registry.Service) {
	if s.hist == nil {
		return
	}
	s.hist.Record(history.Event{
		Type:       typ,
		Service:    svc.Name,
		PID:        svc.PID,
		ExitCode:   svc.LastExitCode,
		OccurredAt: time.Now().UTC(),
	})
}
