//go:build !windows

package netsock

import (
	"fmt"
	"hash/fnv"
	"net"
	"os"
	"path/filepath"

	"github.com/armkit/armd/internal/config"
	"golang.org/x/sys/unix"
)

// Maximum usable sun_path length, leaving room for the trailing NUL.
const maxUnixPathLen = 100

// Addr is one resolved bind address for a service.
type Addr struct {
	Network  string // "tcp4", "tcp6" or "unix"
	IP       net.IP
	Port     int
	Path     string // unix only
	Abstract bool   // Linux abstract namespace (leading '@' in config)
}

func (a Addr) String() string {
	switch a.Network {
	case "unix":
		if a.Abstract {
			return "unix:@" + a.Path
		}
		return "unix:" + a.Path
	default:
		return fmt.Sprintf("%s:%s", a.Network, net.JoinHostPort(a.IP.String(), fmt.Sprint(a.Port)))
	}
}

// ipv6Supported probes once whether the host can create AF_INET6 sockets.
func ipv6Supported() bool {
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return false
	}
	_ = unix.Close(fd)
	return true
}

// ResolveAddrs computes the bind addresses for a service section, honoring
// PORT, BINDTO, UNIXPATH and DISABLEV6. A UNIXPATH address, when configured,
// comes first in the returned list. Without BINDTO, wildcard addresses are
// synthesized dual-stack: IPv6 first, then IPv4, unless v6 is disabled or
// unsupported.
func ResolveAddrs(cfg *config.Config, section string) ([]Addr, error) {
	var out []Addr
	if path, ok := cfg.Filename(section, "UNIXPATH"); ok && path != "" {
		ua, err := resolveUnixPath(path)
		if err != nil {
			return nil, err
		}
		out = append(out, ua)
	}
	port, havePort := cfg.GetInt(section, "PORT")
	if !havePort {
		return out, nil
	}
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("section %s: bad PORT %d", section, port)
	}
	v6 := !cfg.YesNo(section, "DISABLEV6") && ipv6Supported()
	if bindTo, ok := cfg.GetString(section, "BINDTO"); ok && bindTo != "" {
		ipa, err := net.ResolveIPAddr("ip", bindTo)
		if err != nil {
			return nil, fmt.Errorf("section %s: unresolvable BINDTO %q: %w", section, bindTo, err)
		}
		nw := "tcp4"
		if ipa.IP.To4() == nil {
			if !v6 {
				return nil, fmt.Errorf("section %s: BINDTO %q needs IPv6, which is disabled", section, bindTo)
			}
			nw = "tcp6"
		}
		return append(out, Addr{Network: nw, IP: ipa.IP, Port: port}), nil
	}
	if v6 {
		out = append(out, Addr{Network: "tcp6", IP: net.IPv6unspecified, Port: port})
	}
	out = append(out, Addr{Network: "tcp4", IP: net.IPv4zero, Port: port})
	return out, nil
}

// resolveUnixPath validates a UNIXPATH value, switching to a deterministic
// short name under the temp dir when the path would overflow sun_path.
func resolveUnixPath(path string) (Addr, error) {
	abstract := false
	if path[0] == '@' {
		abstract = true
		path = path[1:]
		if path == "" {
			return Addr{}, fmt.Errorf("empty abstract UNIXPATH")
		}
	}
	if len(path) > maxUnixPathLen {
		h := fnv.New32a()
		_, _ = h.Write([]byte(path))
		short := filepath.Join(os.TempDir(), fmt.Sprintf("arm-%08x.sock", h.Sum32()))
		path = short
	}
	return Addr{Network: "unix", Path: path, Abstract: abstract}, nil
}
