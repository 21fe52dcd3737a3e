//go:build !windows

package server

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armkit/armd/internal/config"
	"github.com/armkit/armd/internal/protocol"
	"github.com/armkit/armd/internal/registry"
	"github.com/armkit/armd/internal/sigbridge"
	"github.com/armkit/armd/internal/supervisor"
)

const testTimeout = 5 * time.Second

type serverHarness struct {
	srv  *Server
	sup  *supervisor.Supervisor
	path string
}

func newServerHarness(t *testing.T, extraCfg string) *serverHarness {
	t.Helper()
	dir := t.TempDir()
	sock := filepath.Join(dir, "armd.sock")
	body := `
[arm]
UNIXPATH = "` + sock + `"
START_SYSTEM_SERVICES = "YES"

[sleeper]
BINARY = "/bin/sleep"
OPTIONS = "300"
` + extraCfg
	path := filepath.Join(dir, "arm.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	cfg, err := config.Load(path)
	require.NoError(t, err)

	bridge := sigbridge.New()
	reg := registry.Load(cfg, true, true)
	sup := supervisor.New(cfg, reg, bridge, supervisor.Options{})
	srv, err := Listen(cfg, sup)
	require.NoError(t, err)

	go srv.Serve()
	go sup.Run()

	t.Cleanup(func() {
		sup.Shutdown()
		select {
		case <-sup.Done():
		case <-time.After(testTimeout):
			t.Error("supervisor did not drain")
		}
		_ = srv.Close()
	})
	return &serverHarness{srv: srv, sup: sup, path: sock}
}

func (h *serverHarness) dial(t *testing.T) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("unix", h.path, testTimeout)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(testTimeout)))
	return conn
}

func sendRequest(t *testing.T, conn net.Conn, req protocol.Request) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, protocol.WriteRequest(&buf, req))
	_, err := conn.Write(buf.Bytes())
	require.NoError(t, err)
}

func readResult(t *testing.T, conn net.Conn) protocol.ResultMessage {
	t.Helper()
	typ, payload, err := protocol.ReadFrame(conn)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeResult, typ)
	m, err := protocol.DecodeResult(payload)
	require.NoError(t, err)
	return m
}

func TestProbeOverWire(t *testing.T) {
	h := newServerHarness(t, "")
	conn := h.dial(t)

	sendRequest(t, conn, protocol.Request{Type: protocol.TypeTest, RequestID: 11})
	m := readResult(t, conn)
	assert.Equal(t, uint64(11), m.RequestID)
	assert.Equal(t, protocol.ResultAlreadyStarted, m.Result)
}

func TestStartStopListOverWire(t *testing.T) {
	h := newServerHarness(t, "")
	conn := h.dial(t)

	sendRequest(t, conn, protocol.Request{Type: protocol.TypeStart, RequestID: 1, Name: "sleeper"})
	m := readResult(t, conn)
	assert.Equal(t, uint64(1), m.RequestID)
	assert.Equal(t, protocol.ResultStarting, m.Result)

	sendRequest(t, conn, protocol.Request{Type: protocol.TypeList, RequestID: 2})
	typ, payload, err := protocol.ReadFrame(conn)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeListResult, typ)
	lr, err := protocol.DecodeListResult(payload)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), lr.RequestID)
	require.Len(t, lr.Entries, 1)
	assert.Equal(t, "sleeper", lr.Entries[0].Name)

	sendRequest(t, conn, protocol.Request{Type: protocol.TypeStop, RequestID: 3, Name: "sleeper"})
	m = readResult(t, conn)
	assert.Equal(t, uint64(3), m.RequestID)
	assert.Equal(t, protocol.ResultStopped, m.Result)
}

func TestRepliesStayOnTheirConnection(t *testing.T) {
	h := newServerHarness(t, "")
	a := h.dial(t)
	b := h.dial(t)

	sendRequest(t, a, protocol.Request{Type: protocol.TypeTest, RequestID: 100})
	sendRequest(t, b, protocol.Request{Type: protocol.TypeTest, RequestID: 200})

	assert.Equal(t, uint64(100), readResult(t, a).RequestID)
	assert.Equal(t, uint64(200), readResult(t, b).RequestID)
}

func TestMonitorReceivesBroadcasts(t *testing.T) {
	h := newServerHarness(t, "")
	mon := h.dial(t)

	sendRequest(t, mon, protocol.Request{Type: protocol.TypeMonitor})
	typ, payload, err := protocol.ReadFrame(mon)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeStatus, typ)
	st, err := protocol.DecodeStatus(payload)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusMonitoringStarted, st.Status)
	assert.Empty(t, st.Name)

	// Activity on another connection shows up as broadcasts here.
	ctl := h.dial(t)
	sendRequest(t, ctl, protocol.Request{Type: protocol.TypeStart, RequestID: 1, Name: "sleeper"})
	require.Equal(t, protocol.ResultStarting, readResult(t, ctl).Result)

	typ, payload, err = protocol.ReadFrame(mon)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeStatus, typ)
	st, err = protocol.DecodeStatus(payload)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusStarting, st.Status)
	assert.Equal(t, "sleeper", st.Name)
}

func TestMonitoringStartedPrecedesBroadcasts(t *testing.T) {
	h := newServerHarness(t, "")

	// Flood status events while a monitor subscribes; the synthetic
	// MonitoringStarted event must still be the first frame it sees.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				h.srv.Broadcast(protocol.StatusMessage{Status: protocol.StatusStarting, Name: "sleeper"})
			}
		}
	}()
	defer func() {
		close(stop)
		wg.Wait()
	}()

	mon := h.dial(t)
	sendRequest(t, mon, protocol.Request{Type: protocol.TypeMonitor})
	typ, payload, err := protocol.ReadFrame(mon)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeStatus, typ)
	st, err := protocol.DecodeStatus(payload)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusMonitoringStarted, st.Status)
}

func TestQueuedReplySurvivesClose(t *testing.T) {
	// A reply that is already queued when the connection is closed must
	// still reach the peer before the teardown.
	srv := &Server{conns: make(map[*clientConn]struct{})}
	peer, ours := net.Pipe()
	t.Cleanup(func() { _ = peer.Close() })

	c := &clientConn{
		srv:   srv,
		conn:  ours,
		sendQ: make(chan []byte, SendQueueDepth),
		done:  make(chan struct{}),
	}
	srv.conns[c] = struct{}{}

	c.enqueueReply(encodeStatus(protocol.StatusMessage{Status: protocol.StatusStopping, Name: "arm"}))
	c.close()
	go c.writeLoop()

	require.NoError(t, peer.SetDeadline(time.Now().Add(testTimeout)))
	typ, payload, err := protocol.ReadFrame(peer)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeStatus, typ)
	st, err := protocol.DecodeStatus(payload)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusStopping, st.Status)
	assert.Equal(t, "arm", st.Name)

	_, _, err = protocol.ReadFrame(peer)
	assert.Error(t, err, "the connection closes once the queue is flushed")
}

func TestStopArmClosesConnectionLast(t *testing.T) {
	h := newServerHarness(t, "")
	conn := h.dial(t)

	sendRequest(t, conn, protocol.Request{Type: protocol.TypeStop, RequestID: 5, Name: "arm"})
	m := readResult(t, conn)
	assert.Equal(t, protocol.ResultStopping, m.Result)

	select {
	case <-h.sup.Done():
	case <-time.After(testTimeout):
		t.Fatal("shutdown never completed")
	}
	require.NoError(t, h.srv.Close())

	// With the server gone the peer sees EOF, which is the completion
	// signal for the stop.
	_, _, err := protocol.ReadFrame(conn)
	assert.Error(t, err)
}

func TestUnknownTypeClosesConnection(t *testing.T) {
	h := newServerHarness(t, "")
	conn := h.dial(t)

	var buf bytes.Buffer
	require.NoError(t, protocol.WriteRequest(&buf, protocol.Request{Type: protocol.MessageType(99), RequestID: 1}))
	_, err := conn.Write(buf.Bytes())
	require.NoError(t, err)

	_, _, err = protocol.ReadFrame(conn)
	assert.Error(t, err)
}

func TestMalformedRequestIsDropped(t *testing.T) {
	h := newServerHarness(t, "")
	conn := h.dial(t)

	// A START whose name lacks the NUL terminator is discarded without
	// killing the connection.
	raw := []byte{0, 19, 0, byte(protocol.TypeStart),
		0, 0, 0, 0,
		0, 0, 0, 0, 0, 0, 0, 1,
		'b', 'a', 'd'}
	_, err := conn.Write(raw)
	require.NoError(t, err)

	sendRequest(t, conn, protocol.Request{Type: protocol.TypeTest, RequestID: 2})
	assert.Equal(t, uint64(2), readResult(t, conn).RequestID)
}

func TestSocketPathDefault(t *testing.T) {
	cfg := config.New()
	assert.Equal(t, filepath.Join(os.TempDir(), DefaultSocketName), SocketPath(cfg))

	cfg.Set("arm", "UNIXPATH", "/run/arm/ctl.sock")
	assert.Equal(t, "/run/arm/ctl.sock", SocketPath(cfg))
}
