//go:build !windows

// Package registry holds the in-memory table of managed service
// descriptors, built from the configuration at startup.
package registry

import (
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/armkit/armd/internal/config"
	"github.com/armkit/armd/internal/netsock"
	"github.com/armkit/armd/internal/protocol"
)

// State is the lifecycle phase of one descriptor.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateStopping
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateStopping:
		return "stopping"
	case StateRemoved:
		return "removed"
	}
	return "unknown"
}

// ReplyFunc delivers one terminal result to the client that asked for a stop.
type ReplyFunc func(requestID uint64, result protocol.Result)

// Service is the descriptor for one managed service. Descriptors are owned
// exclusively by the supervisor loop; nothing else mutates them.
type Service struct {
	Name        string
	Binary      string
	Config      string // resolved config file path, may be empty
	Prefix      string
	Options     string
	ForceStart  bool
	PipeControl bool
	Simple      bool // TYPE=SIMPLE: binary does not take the standard flags

	State    State
	PID      int         // 0 when no live process
	Proc     *os.Process // at most one live handle
	KillPipe *os.File    // PIPECONTROL: closing it asks the child to exit
	Sockets  []*netsock.ListenSocket

	Backoff       time.Duration
	RestartAt     time.Time // zero means never
	KilledAt      time.Time
	LastStartedAt time.Time
	LastRestartAt time.Time // when the last restart decision was taken
	LastExitCode  int

	// Recorded by Stop so the reaper can answer the requester once the
	// process is actually gone.
	KillReply     ReplyFunc
	KillRequestID uint64
}

// Registry is the config-driven descriptor table.
type Registry struct {
	cfg      *config.Config
	services map[string]*Service // keyed by lowercase name
}

// InitialBackoff is the backoff assigned to a freshly loaded descriptor.
const InitialBackoff = time.Millisecond

// Load enumerates all service sections and builds descriptors. A section
// qualifies when it is not the supervisor's own section and carries a BINARY
// key. RUN_PER_USER gates sections against the enabled scope. Listen sockets
// are bound for services that are force-started (unless NOARMBIND) or
// started on demand.
func Load(cfg *config.Config, userScope, systemScope bool) *Registry {
	r := &Registry{cfg: cfg, services: make(map[string]*Service)}
	for _, section := range cfg.Sections() {
		name := strings.ToLower(section)
		if name == "arm" || name == "paths" {
			continue
		}
		binary, ok := cfg.Filename(section, "BINARY")
		if !ok || binary == "" {
			continue
		}
		perUser := cfg.YesNo(section, "RUN_PER_USER")
		if perUser && !userScope {
			slog.Debug("skipping user-scope service", "service", name)
			continue
		}
		if !perUser && !systemScope {
			slog.Debug("skipping system-scope service", "service", name)
			continue
		}
		if _, dup := r.services[name]; dup {
			slog.Warn("duplicate service section ignored", "service", name)
			continue
		}
		svc := &Service{
			Name:       name,
			Binary:     binary,
			Prefix:     expandOr(cfg, section, "PREFIX", ""),
			Options:    expandOr(cfg, section, "OPTIONS", ""),
			ForceStart: cfg.YesNo(section, "FORCESTART"),

			PipeControl: cfg.YesNo(section, "PIPECONTROL"),
			State:       StateStopped,
			Backoff:     InitialBackoff,
		}
		if kind, ok := cfg.GetString(section, "TYPE"); ok {
			svc.Simple = strings.EqualFold(strings.TrimSpace(kind), "SIMPLE")
		}
		svc.Config = resolveConfig(cfg, section)
		if (svc.ForceStart && !cfg.YesNo(section, "NOARMBIND")) || cfg.YesNo(section, "START_ON_DEMAND") {
			svc.Sockets = netsock.OpenForService(cfg, section)
		}
		r.services[name] = svc
		slog.Debug("service registered", "service", name, "binary", binary,
			"sockets", len(svc.Sockets), "force_start", svc.ForceStart)
	}
	return r
}

// resolveConfig picks the service's config file: its own CONFIG key, else
// the shared PATHS/DEFAULTCONFIG, else none. Either way the file must exist.
func resolveConfig(cfg *config.Config, section string) string {
	if p, ok := cfg.Filename(section, "CONFIG"); ok {
		if fileExists(p) {
			return p
		}
		slog.Warn("configured CONFIG file missing", "service", section, "path", p)
		return ""
	}
	if p, ok := cfg.Filename("paths", "DEFAULTCONFIG"); ok && fileExists(p) {
		return p
	}
	return ""
}

func fileExists(p string) bool {
	st, err := os.Stat(p)
	return err == nil && st.Mode().IsRegular()
}

func expandOr(cfg *config.Config, section, key, def string) string {
	if v, ok := cfg.Filename(section, key); ok {
		return v
	}
	return def
}

// Find looks a service up by name, case-insensitively.
func (r *Registry) Find(name string) *Service {
	return r.services[strings.ToLower(name)]
}

// Remove drops a descriptor from the table. Shutdown only.
func (r *Registry) Remove(name string) {
	if svc := r.services[strings.ToLower(name)]; svc != nil {
		svc.State = StateRemoved
		delete(r.services, strings.ToLower(name))
	}
}

// All returns the descriptors sorted by name.
func (r *Registry) All() []*Service {
	out := make([]*Service, 0, len(r.services))
	for _, s := range r.services {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of live descriptors.
func (r *Registry) Len() int { return len(r.services) }

// Config exposes the configuration the registry was loaded from.
func (r *Registry) Config() *config.Config { return r.cfg }
