//go:build !windows

// Package client implements the caller-side handle for the restart
// manager's control protocol: connection management with reconnect backoff,
// request/reply correlation by request id, and the local fast paths for
// starting and stopping the supervisor itself.
package client

import (
	"bytes"
	"errors"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/armkit/armd/internal/config"
	"github.com/armkit/armd/internal/protocol"
	"github.com/armkit/armd/internal/server"
)

// ErrDisconnected is the terminal error for operations pending when the
// connection is lost or the handle is released.
var ErrDisconnected = errors.New("client: disconnected")

// Reconnect backoff bounds.
const (
	initialReconnectDelay = 100 * time.Millisecond
	maxReconnectDelay     = 15 * time.Second
)

// StatusFunc reports connection state changes: true once the liveness probe
// is answered, false on any loss.
type StatusFunc func(up bool)

// ResultFunc receives exactly one terminal outcome per operation: a result
// from the supervisor, or ErrDisconnected.
type ResultFunc func(result protocol.Result, err error)

// ListFunc receives the decoded running-service table, or ErrDisconnected.
type ListFunc func(entries []protocol.ListEntry, err error)

// Operation is the caller's handle on one in-flight request.
type Operation struct {
	id       uint64
	resultCb ResultFunc
	listCb   ListFunc
	armStop  bool
}

// Client is one control connection with automatic reconnect.
type Client struct {
	cfg      *config.Config
	statusCb StatusFunc

	wmu sync.Mutex // serializes frame writes on conn

	mu        sync.Mutex
	conn      net.Conn
	up        bool
	closed    bool
	testMode  bool
	nextID    uint64
	probeID   uint64
	pending   map[uint64]*Operation
	order     []uint64 // request ids, oldest first
	sendBuf   [][]byte // frames queued while the link is down
	backoff   time.Duration
	reconnect *time.Timer
	gen       int // connection generation, guards stale readers
}

// Connect creates a handle and begins connecting. statusCb may be nil.
func Connect(cfg *config.Config, statusCb StatusFunc) *Client {
	c := &Client{
		cfg:      cfg,
		statusCb: statusCb,
		pending:  make(map[uint64]*Operation),
		backoff:  initialReconnectDelay,
	}
	go c.dial()
	return c
}

// SetTestMode suppresses daemonization when the handle launches the
// supervisor binary itself.
func (c *Client) SetTestMode(on bool) {
	c.mu.Lock()
	c.testMode = on
	c.mu.Unlock()
}

func (c *Client) allocID() uint64 {
	c.nextID++
	if c.nextID == 0 { // id 0 is reserved
		c.nextID = 1
	}
	return c.nextID
}

// dial attempts one connection; on failure it arms the reconnect timer.
func (c *Client) dial() {
	c.mu.Lock()
	if c.closed || c.conn != nil {
		c.mu.Unlock()
		return
	}
	path := server.SocketPath(c.cfg)
	c.mu.Unlock()

	conn, err := net.DialTimeout("unix", path, 5*time.Second)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		if err == nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		return
	}
	c.conn = conn
	c.gen++
	gen := c.gen
	// Liveness probe; the connection only counts as up once it answers.
	c.probeID = c.allocID()
	var buf bytes.Buffer
	_ = protocol.WriteRequest(&buf, protocol.Request{Type: protocol.TypeTest, RequestID: c.probeID})
	frames := append([][]byte{buf.Bytes()}, c.sendBuf...)
	c.sendBuf = nil
	c.mu.Unlock()

	for _, f := range frames {
		if err := c.writeFrame(conn, f); err != nil {
			c.handleDisconnect(gen)
			return
		}
	}
	go c.readLoop(conn, gen)
}

func (c *Client) scheduleReconnectLocked() {
	if c.closed || c.reconnect != nil {
		return
	}
	d := c.backoff
	c.backoff *= 2
	if c.backoff > maxReconnectDelay {
		c.backoff = maxReconnectDelay
	}
	c.reconnect = time.AfterFunc(d, func() {
		c.mu.Lock()
		c.reconnect = nil
		c.mu.Unlock()
		c.dial()
	})
}

func (c *Client) readLoop(conn net.Conn, gen int) {
	for {
		t, payload, err := protocol.ReadFrame(conn)
		if err != nil {
			c.handleDisconnect(gen)
			return
		}
		switch t {
		case protocol.TypeResult:
			m, err := protocol.DecodeResult(payload)
			if err != nil {
				continue
			}
			c.handleResult(m)
		case protocol.TypeListResult:
			m, err := protocol.DecodeListResult(payload)
			if err != nil {
				continue
			}
			c.handleListResult(m)
		default:
			// Replies only on this connection; anything else is noise.
		}
	}
}

func (c *Client) handleResult(m protocol.ResultMessage) {
	c.mu.Lock()
	if m.RequestID == c.probeID {
		c.probeID = 0
		c.up = true
		c.backoff = initialReconnectDelay
		cb := c.statusCb
		c.mu.Unlock()
		if cb != nil {
			cb(true)
		}
		return
	}
	op := c.pending[m.RequestID]
	if op != nil && op.armStop {
		// Completion for a supervisor stop is the peer closing the
		// connection, not this reply; keep the operation pending.
		c.mu.Unlock()
		return
	}
	c.removeLocked(m.RequestID)
	c.mu.Unlock()
	if op != nil && op.resultCb != nil {
		op.resultCb(m.Result, nil)
	}
}

func (c *Client) handleListResult(m protocol.ListResultMessage) {
	c.mu.Lock()
	op := c.pending[m.RequestID]
	c.removeLocked(m.RequestID)
	c.mu.Unlock()
	if op != nil && op.listCb != nil {
		op.listCb(m.Entries, nil)
	}
}

// handleDisconnect fails every pending operation in request order with
// ErrDisconnected, except that exactly one pending supervisor-stop
// operation treats the loss as its successful completion.
func (c *Client) handleDisconnect(gen int) {
	c.mu.Lock()
	if gen != c.gen || c.conn == nil {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	wasUp := c.up
	c.up = false
	c.probeID = 0
	ops := c.takeAllLocked()
	cb := c.statusCb
	closed := c.closed
	if !closed {
		c.scheduleReconnectLocked()
	}
	c.mu.Unlock()

	_ = conn.Close()
	if wasUp && cb != nil {
		cb(false)
	}
	armStopDone := false
	for _, op := range ops {
		switch {
		case op.armStop && !armStopDone:
			armStopDone = true
			if op.resultCb != nil {
				op.resultCb(protocol.ResultStopped, nil)
			}
		case op.resultCb != nil:
			op.resultCb(0, ErrDisconnected)
		case op.listCb != nil:
			op.listCb(nil, ErrDisconnected)
		}
	}
}

func (c *Client) removeLocked(id uint64) {
	delete(c.pending, id)
	for i, v := range c.order {
		if v == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *Client) takeAllLocked() []*Operation {
	ops := make([]*Operation, 0, len(c.order))
	for _, id := range c.order {
		if op := c.pending[id]; op != nil {
			ops = append(ops, op)
		}
	}
	c.pending = make(map[uint64]*Operation)
	c.order = nil
	return ops
}

// send registers op and writes (or queues) its frame.
func (c *Client) send(op *Operation, frame []byte) {
	c.mu.Lock()
	c.pending[op.id] = op
	c.order = append(c.order, op.id)
	conn := c.conn
	if conn == nil {
		c.sendBuf = append(c.sendBuf, frame)
		c.mu.Unlock()
		return
	}
	gen := c.gen
	c.mu.Unlock()
	if err := c.writeFrame(conn, frame); err != nil {
		c.handleDisconnect(gen)
	}
}

func (c *Client) writeFrame(conn net.Conn, frame []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := conn.Write(frame)
	return err
}

func encodeRequest(t protocol.MessageType, id uint64, name string) []byte {
	var buf bytes.Buffer
	_ = protocol.WriteRequest(&buf, protocol.Request{Type: t, RequestID: id, Name: name})
	return buf.Bytes()
}

// RequestStart asks the supervisor to start a service. Starting "arm"
// itself never crosses the wire: if the link is up the answer is
// synthesized locally, otherwise the supervisor binary is launched and the
// handle keeps connecting.
func (c *Client) RequestStart(name string, cb ResultFunc) *Operation {
	name = strings.ToLower(name)
	if name == "arm" {
		return c.startArm(cb)
	}
	c.mu.Lock()
	op := &Operation{id: c.allocID(), resultCb: cb}
	c.mu.Unlock()
	c.send(op, encodeRequest(protocol.TypeStart, op.id, name))
	return op
}

func (c *Client) startArm(cb ResultFunc) *Operation {
	c.mu.Lock()
	op := &Operation{id: c.allocID(), resultCb: cb}
	c.pending[op.id] = op
	c.order = append(c.order, op.id)
	if c.up {
		c.mu.Unlock()
		go c.completeLocal(op, protocol.ResultAlreadyStarted)
		return op
	}
	testMode := c.testMode
	c.mu.Unlock()

	err := c.launchArmBinary(testMode)
	// Whatever the spawn outcome, keep trying to connect: the supervisor
	// may already be coming up from another path.
	c.mu.Lock()
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	c.mu.Unlock()
	go c.dial()
	if err != nil {
		go c.completeLocal(op, protocol.ResultStartFailed)
	} else {
		go c.completeLocal(op, protocol.ResultStarting)
	}
	return op
}

// completeLocal delivers a locally synthesized outcome. The operation is
// pending like any other until then, so a cancellation in between detaches
// the callback and the delivery becomes a no-op.
func (c *Client) completeLocal(op *Operation, r protocol.Result) {
	c.mu.Lock()
	if _, ok := c.pending[op.id]; !ok {
		c.mu.Unlock()
		return
	}
	c.removeLocked(op.id)
	c.mu.Unlock()
	if op.resultCb != nil {
		op.resultCb(r, nil)
	}
}

// launchArmBinary spawns the supervisor from the arm config section.
// Outside test mode the child is asked to daemonize itself.
func (c *Client) launchArmBinary(testMode bool) error {
	binary, ok := c.cfg.Filename("arm", "BINARY")
	if !ok || binary == "" {
		binary = "armd"
	}
	var argv []string
	if prefix, ok := c.cfg.Filename("arm", "PREFIX"); ok {
		argv = append(argv, strings.Fields(prefix)...)
	}
	argv = append(argv, binary)
	if cfgPath := c.cfg.Path(); cfgPath != "" {
		argv = append(argv, "-c", cfgPath)
	}
	if opts, ok := c.cfg.Filename("arm", "OPTIONS"); ok {
		argv = append(argv, strings.Fields(opts)...)
	}
	if !testMode {
		argv = append(argv, "-d")
	}
	// #nosec G204 -- binary and arguments come from the operator's config
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return err
	}
	// The supervisor re-parents itself; nothing to wait for here.
	go func() { _ = cmd.Wait() }()
	return nil
}

// RequestStop asks the supervisor to stop a service. Stopping "arm" flags
// the operation so its completion is the peer closing the connection.
func (c *Client) RequestStop(name string, cb ResultFunc) *Operation {
	name = strings.ToLower(name)
	c.mu.Lock()
	op := &Operation{id: c.allocID(), resultCb: cb, armStop: name == "arm"}
	c.mu.Unlock()
	c.send(op, encodeRequest(protocol.TypeStop, op.id, name))
	return op
}

// RequestList fetches the running-service table.
func (c *Client) RequestList(cb ListFunc) *Operation {
	c.mu.Lock()
	op := &Operation{id: c.allocID(), listCb: cb}
	c.mu.Unlock()
	c.send(op, encodeRequest(protocol.TypeList, op.id, ""))
	return op
}

// CancelOperation detaches the callback. The request, if already sent,
// still runs on the supervisor; its reply is silently ignored.
func (c *Client) CancelOperation(op *Operation) {
	if op == nil {
		return
	}
	c.mu.Lock()
	c.removeLocked(op.id)
	c.mu.Unlock()
}

// Disconnect fails all pending operations with ErrDisconnected, closes the
// connection and releases the handle.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	conn := c.conn
	c.conn = nil
	c.up = false
	c.gen++
	ops := c.takeAllLocked()
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	for _, op := range ops {
		switch {
		case op.resultCb != nil:
			op.resultCb(0, ErrDisconnected)
		case op.listCb != nil:
			op.listCb(nil, ErrDisconnected)
		}
	}
}
