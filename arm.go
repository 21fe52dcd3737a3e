//go:build !windows

// Package armd embeds the automated restart manager: a local supervisor
// that starts services on demand, restarts crashed ones with backoff, and
// answers a framed control protocol over a unix socket.
package armd

import (
	"errors"
	"net/http"

	"github.com/armkit/armd/internal/client"
	"github.com/armkit/armd/internal/config"
	"github.com/armkit/armd/internal/history"
	"github.com/armkit/armd/internal/logger"
	"github.com/armkit/armd/internal/metrics"
	"github.com/armkit/armd/internal/protocol"
	"github.com/armkit/armd/internal/registry"
	"github.com/armkit/armd/internal/server"
	"github.com/armkit/armd/internal/sigbridge"
	"github.com/armkit/armd/internal/supervisor"
)

// Re-export the wire-level types external consumers see through the
// client callbacks. These are aliases so conversions are zero-cost.

type Result = protocol.Result

type ServiceStatus = protocol.ServiceStatus

const (
	ResultStopped         = protocol.ResultStopped
	ResultStopping        = protocol.ResultStopping
	ResultStarting        = protocol.ResultStarting
	ResultAlreadyStarting = protocol.ResultAlreadyStarting
	ResultAlreadyStopping = protocol.ResultAlreadyStopping
	ResultAlreadyStarted  = protocol.ResultAlreadyStarted
	ResultAlreadyStopped  = protocol.ResultAlreadyStopped
	ResultNotKnown        = protocol.ResultNotKnown
	ResultStartFailed     = protocol.ResultStartFailed
	ResultInShutdown      = protocol.ResultInShutdown
)

const (
	StatusMonitoringStarted = protocol.StatusMonitoringStarted
	StatusStopped           = protocol.StatusStopped
	StatusStarting          = protocol.StatusStarting
	StatusStopping          = protocol.StatusStopping
)

type ListEntry = protocol.ListEntry

type Client = client.Client

type Monitor = client.Monitor

var ErrDisconnected = client.ErrDisconnected

// Connect opens a control connection to a running supervisor.
func Connect(cfg *config.Config, statusCb client.StatusFunc) *Client {
	return client.Connect(cfg, statusCb)
}

// ConnectMonitor subscribes to service status broadcasts.
func ConnectMonitor(cfg *config.Config, cb client.MonitorFunc) *Monitor {
	return client.ConnectMonitor(cfg, cb)
}

// LoadConfig parses a supervisor configuration file.
func LoadConfig(path string) (*config.Config, error) { return config.Load(path) }

// RunningService is one row of the diagnostics service table.
type RunningService = metrics.RunningService

// NewDiagnosticsServer serves prometheus metrics and the running-service
// table over HTTP. The caller owns ListenAndServe and Close.
func NewDiagnosticsServer(addr string, lister metrics.ServiceLister) *http.Server {
	return metrics.NewDiagnosticsServer(addr, lister)
}

// DaemonOptions selects which service scopes the daemon manages and which
// optional subsystems it enables.
type DaemonOptions struct {
	UserServices   bool
	SystemServices bool
	Output         logger.OutputConfig
	HistoryDB      string
	WatchConfig    bool
}

// ErrNoScope is returned when neither service scope is enabled.
var ErrNoScope = errors.New("armd: no service scope enabled")

// Daemon ties the registry, supervisor and control server together for
// embedding. The armd binary is a thin wrapper around it.
type Daemon struct {
	cfg  *config.Config
	sup  *supervisor.Supervisor
	srv  *server.Server
	hist history.Sink
}

// NewDaemon loads the service registry and opens the control sockets.
// The SIGCHLD handler is installed here, before any service is spawned.
func NewDaemon(cfg *config.Config, opts DaemonOptions) (*Daemon, error) {
	if !opts.UserServices && !opts.SystemServices {
		return nil, ErrNoScope
	}
	bridge := sigbridge.New()
	reg := registry.Load(cfg, opts.UserServices, opts.SystemServices)

	var hist history.Sink
	if opts.HistoryDB != "" {
		h, err := history.NewSQLite(opts.HistoryDB)
		if err != nil {
			bridge.Close()
			return nil, err
		}
		hist = h
	}
	sup := supervisor.New(cfg, reg, bridge, supervisor.Options{
		Output:      opts.Output,
		History:     hist,
		WatchConfig: opts.WatchConfig,
	})
	srv, err := server.Listen(cfg, sup)
	if err != nil {
		bridge.Close()
		if hist != nil {
			_ = hist.Close()
		}
		return nil, err
	}
	return &Daemon{cfg: cfg, sup: sup, srv: srv, hist: hist}, nil
}

// Run serves the control protocol and drives the supervisor event loop
// until shutdown completes. It blocks.
func (d *Daemon) Run() {
	go d.srv.Serve()
	d.sup.Run()
	_ = d.srv.Close()
	if d.hist != nil {
		_ = d.hist.Close()
	}
}

// Shutdown requests global shutdown; Run returns once it drains.
func (d *Daemon) Shutdown() { d.sup.Shutdown() }

// Done is closed when the supervisor has fully drained.
func (d *Daemon) Done() <-chan struct{} { return d.sup.Done() }

// Supervisor exposes the underlying state machine, mainly for the
// diagnostics endpoint.
func (d *Daemon) Supervisor() *supervisor.Supervisor { return d.sup }

// SocketAddr reports the primary control socket address.
func (d *Daemon) SocketAddr() string { return d.srv.Addr() }
