//go:build !windows

package client

import (
	"bytes"
	"net"
	"sync"
	"time"

	"github.com/armkit/armd/internal/config"
	"github.com/armkit/armd/internal/protocol"
	"github.com/armkit/armd/internal/server"
)

// MonitorFunc receives one callback per service status change. A loss of
// the monitor connection is reported as ("", StatusStopped) before the
// handle reconnects.
type MonitorFunc func(service string, status protocol.ServiceStatus)

// Monitor is a dedicated status-subscription connection.
type Monitor struct {
	cfg *config.Config
	cb  MonitorFunc

	mu        sync.Mutex
	conn      net.Conn
	closed    bool
	backoff   time.Duration
	reconnect *time.Timer
	gen       int
}

// ConnectMonitor subscribes to status broadcasts. The first callback after
// each (re)connect is ("", MonitoringStarted).
func ConnectMonitor(cfg *config.Config, cb MonitorFunc) *Monitor {
	m := &Monitor{cfg: cfg, cb: cb, backoff: initialReconnectDelay}
	go m.dial()
	return m
}

func (m *Monitor) dial() {
	m.mu.Lock()
	if m.closed || m.conn != nil {
		m.mu.Unlock()
		return
	}
	path := server.SocketPath(m.cfg)
	m.mu.Unlock()

	conn, err := net.DialTimeout("unix", path, 5*time.Second)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		if err == nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		m.scheduleReconnectLocked()
		m.mu.Unlock()
		return
	}
	m.conn = conn
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	var buf bytes.Buffer
	_ = protocol.WriteRequest(&buf, protocol.Request{Type: protocol.TypeMonitor})
	if _, err := conn.Write(buf.Bytes()); err != nil {
		m.handleDisconnect(gen)
		return
	}
	go m.readLoop(conn, gen)
}

func (m *Monitor) scheduleReconnectLocked() {
	if m.closed || m.reconnect != nil {
		return
	}
	d := m.backoff
	m.backoff *= 2
	if m.backoff > maxReconnectDelay {
		m.backoff = maxReconnectDelay
	}
	m.reconnect = time.AfterFunc(d, func() {
		m.mu.Lock()
		m.reconnect = nil
		m.mu.Unlock()
		m.dial()
	})
}

func (m *Monitor) readLoop(conn net.Conn, gen int) {
	for {
		t, payload, err := protocol.ReadFrame(conn)
		if err != nil {
			m.handleDisconnect(gen)
			return
		}
		if t != protocol.TypeStatus {
			continue
		}
		msg, err := protocol.DecodeStatus(payload)
		if err != nil {
			continue
		}
		if msg.Status == protocol.StatusMonitoringStarted {
			m.mu.Lock()
			m.backoff = initialReconnectDelay
			m.mu.Unlock()
		}
		if m.cb != nil {
			m.cb(msg.Name, msg.Status)
		}
	}
}

func (m *Monitor) handleDisconnect(gen int) {
	m.mu.Lock()
	if gen != m.gen || m.conn == nil {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.conn = nil
	closed := m.closed
	if !closed {
		m.scheduleReconnectLocked()
	}
	m.mu.Unlock()

	_ = conn.Close()
	if !closed && m.cb != nil {
		m.cb("", protocol.StatusStopped)
	}
}

// Disconnect stops the subscription and any reconnect attempts.
func (m *Monitor) Disconnect() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
	conn := m.conn
	m.conn = nil
	m.gen++
	m.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}
