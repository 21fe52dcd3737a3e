//go:build !windows

// Package server exposes the supervisor's control protocol on a local
// socket. Each connection gets a reader that forwards requests to the
// supervisor loop in arrival order and a writer that drains a bounded
// outgoing queue, so a stalled client can never stall supervision.
package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/armkit/armd/internal/config"
	"github.com/armkit/armd/internal/protocol"
	"github.com/armkit/armd/internal/supervisor"
)

// SendQueueDepth bounds each connection's outgoing queue. When it fills,
// broadcasts are dropped; a reply that cannot be queued closes the
// connection instead, because losing a reply would wedge the client.
const SendQueueDepth = 1024

// DefaultSocketName is used when the arm section has no UNIXPATH.
const DefaultSocketName = "armd.sock"

// SocketPath resolves the control socket path from the arm section.
func SocketPath(cfg *config.Config) string {
	if p, ok := cfg.Filename("arm", "UNIXPATH"); ok && p != "" {
		return p
	}
	return filepath.Join(os.TempDir(), DefaultSocketName)
}

// Server is the IPC endpoint.
type Server struct {
	sup       *supervisor.Supervisor
	listeners []net.Listener

	mu       sync.Mutex
	conns    map[*clientConn]struct{}
	monitors []*clientConn // in subscription order
	closed   bool
}

// Listen binds the control socket(s): the arm section's UNIXPATH (or the
// default under the temp dir) and, when the section has a PORT, a loopback
// TCP listener as well.
func Listen(cfg *config.Config, sup *supervisor.Supervisor) (*Server, error) {
	s := &Server{sup: sup, conns: make(map[*clientConn]struct{})}
	path := SocketPath(cfg)
	_ = os.Remove(path)
	ul, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}
	s.listeners = append(s.listeners, ul)
	if port, ok := cfg.GetInt("arm", "PORT"); ok && port > 0 {
		tl, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			_ = ul.Close()
			return nil, fmt.Errorf("listen port %d: %w", port, err)
		}
		s.listeners = append(s.listeners, tl)
	}
	sup.SetBroadcast(s.Broadcast)
	return s, nil
}

// Addr returns the unix socket address the server accepts on.
func (s *Server) Addr() string { return s.listeners[0].Addr().String() }

// Serve runs the accept loops until Close.
func (s *Server) Serve() {
	var wg sync.WaitGroup
	for _, ln := range s.listeners {
		wg.Add(1)
		go func(ln net.Listener) {
			defer wg.Done()
			for {
				conn, err := ln.Accept()
				if err != nil {
					return
				}
				s.addConn(conn)
			}
		}(ln)
	}
	wg.Wait()
}

func (s *Server) addConn(nc net.Conn) {
	c := &clientConn{
		srv:   s,
		conn:  nc,
		sendQ: make(chan []byte, SendQueueDepth),
		done:  make(chan struct{}),
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = nc.Close()
		return
	}
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	go c.writeLoop()
	go c.readLoop()
}

// Broadcast fans a status event out to every monitor in subscription order.
// Slow subscribers lose events rather than blocking anyone.
func (s *Server) Broadcast(m protocol.StatusMessage) {
	var buf bytes.Buffer
	if err := protocol.WriteStatus(&buf, m); err != nil {
		return
	}
	b := buf.Bytes()
	s.mu.Lock()
	subs := make([]*clientConn, len(s.monitors))
	copy(subs, s.monitors)
	s.mu.Unlock()
	for _, c := range subs {
		c.enqueueDroppable(b)
	}
}

// Close tears down the acceptors and every connection, the persistent
// Stop("arm") requester last of all so its disconnect marks completion.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*clientConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	var err error
	for _, ln := range s.listeners {
		if e := ln.Close(); e != nil && err == nil {
			err = e
		}
	}
	var persistent []*clientConn
	for _, c := range conns {
		if c.isPersistent() {
			persistent = append(persistent, c)
			continue
		}
		c.close()
	}
	for _, c := range persistent {
		c.close()
	}
	return err
}

func (s *Server) dropConn(c *clientConn) {
	s.mu.Lock()
	delete(s.conns, c)
	for i, m := range s.monitors {
		if m == c {
			s.monitors = append(s.monitors[:i], s.monitors[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
}

// addMonitor registers a subscriber and queues the synthetic
// MonitoringStarted event in one step under the broadcast lock, so no
// concurrent broadcast can land in the queue ahead of it.
func (s *Server) addMonitor(c *clientConn) {
	first := encodeStatus(protocol.StatusMessage{Status: protocol.StatusMonitoringStarted})
	s.mu.Lock()
	if !c.monitor {
		c.monitor = true
		s.monitors = append(s.monitors, c)
		c.enqueueReply(first)
	}
	s.mu.Unlock()
}

// clientConn is the server side of one control connection.
type clientConn struct {
	srv   *Server
	conn  net.Conn
	sendQ chan []byte
	done  chan struct{}

	mu         sync.Mutex
	monitor    bool
	persistent bool
	dead       bool
}

func (c *clientConn) readLoop() {
	defer c.close()
	for {
		t, payload, err := protocol.ReadFrame(c.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				slog.Debug("client read failed", "err", err)
			}
			return
		}
		switch t {
		case protocol.TypeStart, protocol.TypeStop, protocol.TypeList, protocol.TypeTest:
			req, err := protocol.DecodeRequest(t, payload)
			if err != nil {
				slog.Warn("malformed request dropped", "type", t.String(), "err", err)
				continue
			}
			c.dispatch(req)
		case protocol.TypeMonitor:
			c.srv.addMonitor(c)
		default:
			slog.Warn("unknown message type, closing connection", "type", t.String())
			return
		}
	}
}

func (c *clientConn) dispatch(req protocol.Request) {
	switch req.Type {
	case protocol.TypeStart:
		if req.Name == "" {
			slog.Warn("start request without name dropped")
			return
		}
		c.srv.sup.RequestStart(req.Name, req.RequestID, c.sendResult)
	case protocol.TypeStop:
		if req.Name == "" {
			slog.Warn("stop request without name dropped")
			return
		}
		c.srv.sup.RequestStop(req.Name, req.RequestID, c.sendResult, c.markPersistent)
	case protocol.TypeList:
		c.srv.sup.RequestList(req.RequestID, c.sendListResult)
	case protocol.TypeTest:
		c.srv.sup.RequestTest(req.RequestID, c.sendResult)
	}
}

func (c *clientConn) sendResult(requestID uint64, result protocol.Result) {
	var buf bytes.Buffer
	if err := protocol.WriteResult(&buf, protocol.ResultMessage{RequestID: requestID, Result: result}); err != nil {
		return
	}
	c.enqueueReply(buf.Bytes())
}

func (c *clientConn) sendListResult(m protocol.ListResultMessage) {
	var buf bytes.Buffer
	if err := protocol.WriteListResult(&buf, m); err != nil {
		return
	}
	c.enqueueReply(buf.Bytes())
}

// enqueueReply queues a frame that must not be lost; an overflowing queue
// means the client stopped reading, so the connection is closed instead.
func (c *clientConn) enqueueReply(b []byte) {
	select {
	case c.sendQ <- b:
	default:
		slog.Warn("client send queue full, closing connection")
		c.close()
	}
}

// enqueueDroppable queues a broadcast, silently dropping it on overflow.
func (c *clientConn) enqueueDroppable(b []byte) {
	select {
	case c.sendQ <- b:
	default:
	}
}

// writeLoop drains the send queue until close, then flushes whatever was
// already queued before tearing the connection down. The flush keeps a
// terminal reply, such as the Stopping answer to a Stop("arm") request,
// from being lost when the reply and the shutdown race.
func (c *clientConn) writeLoop() {
	for {
		select {
		case b := <-c.sendQ:
			if _, err := c.conn.Write(b); err != nil {
				c.close()
			}
		case <-c.done:
			c.flush()
			_ = c.conn.Close()
			c.srv.dropConn(c)
			return
		}
	}
}

func (c *clientConn) flush() {
	for {
		select {
		case b := <-c.sendQ:
			if _, err := c.conn.Write(b); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *clientConn) markPersistent() {
	c.mu.Lock()
	c.persistent = true
	c.mu.Unlock()
}

func (c *clientConn) isPersistent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.persistent
}

// close signals the write loop to flush and tear down. The final flush is
// bounded by a write deadline so a wedged peer cannot hold the server.
func (c *clientConn) close() {
	c.mu.Lock()
	if c.dead {
		c.mu.Unlock()
		return
	}
	c.dead = true
	c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	close(c.done)
}

func encodeStatus(m protocol.StatusMessage) []byte {
	var buf bytes.Buffer
	_ = protocol.WriteStatus(&buf, m)
	return buf.Bytes()
}
