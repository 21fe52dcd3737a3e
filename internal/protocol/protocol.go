package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"
)

// Every message on the control socket is a frame: a 4-byte header carrying
// the total frame size and a type tag, both big-endian u16, followed by the
// type-specific payload. Names travel NUL-terminated.

const (
	HeaderLen    = 4
	MaxFrameSize = math.MaxUint16
)

type MessageType uint16

const (
	TypeStart MessageType = iota + 1
	TypeStop
	TypeResult
	TypeStatus
	TypeList
	TypeListResult
	TypeMonitor
	TypeTest
)

func (t MessageType) String() string {
	switch t {
	case TypeStart:
		return "START"
	case TypeStop:
		return "STOP"
	case TypeResult:
		return "RESULT"
	case TypeStatus:
		return "STATUS"
	case TypeList:
		return "LIST"
	case TypeListResult:
		return "LIST_RESULT"
	case TypeMonitor:
		return "MONITOR"
	case TypeTest:
		return "TEST"
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint16(t))
}

// Result is the terminal outcome of one request.
type Result uint32

const (
	ResultStopped Result = iota
	ResultStopping
	ResultStarting
	ResultAlreadyStarting
	ResultAlreadyStopping
	ResultAlreadyStarted
	ResultAlreadyStopped
	ResultNotKnown
	ResultStartFailed
	ResultInShutdown
)

func (r Result) String() string {
	switch r {
	case ResultStopped:
		return "stopped"
	case ResultStopping:
		return "stopping"
	case ResultStarting:
		return "starting"
	case ResultAlreadyStarting:
		return "already starting"
	case ResultAlreadyStopping:
		return "already stopping"
	case ResultAlreadyStarted:
		return "already started"
	case ResultAlreadyStopped:
		return "already stopped"
	case ResultNotKnown:
		return "service unknown"
	case ResultStartFailed:
		return "start failed"
	case ResultInShutdown:
		return "shutting down"
	}
	return fmt.Sprintf("result(%d)", uint32(r))
}

// ServiceStatus is broadcast to monitor subscribers.
type ServiceStatus uint32

const (
	StatusMonitoringStarted ServiceStatus = iota
	StatusStopped
	StatusStarting
	StatusStopping
)

func (s ServiceStatus) String() string {
	switch s {
	case StatusMonitoringStarted:
		return "monitoring started"
	case StatusStopped:
		return "stopped"
	case StatusStarting:
		return "starting"
	case StatusStopping:
		return "stopping"
	}
	return fmt.Sprintf("status(%d)", uint32(s))
}

var (
	ErrFrameTooLarge = errors.New("protocol: frame exceeds maximum size")
	ErrShortFrame    = errors.New("protocol: frame shorter than header")
	ErrBadPayload    = errors.New("protocol: malformed payload")
)

// Request is a client→server message. Start and Stop carry a service name;
// List and Test carry only the request id; Monitor carries neither.
type Request struct {
	Type      MessageType
	RequestID uint64
	Name      string
}

// ResultMessage correlates a terminal Result back to a request id.
type ResultMessage struct {
	RequestID uint64
	Result    Result
}

// StatusMessage is one broadcast event.
type StatusMessage struct {
	Status ServiceStatus
	Name   string
}

// ListEntry describes one running service in a LIST_RESULT.
type ListEntry struct {
	Name           string
	Binary         string
	LastExitStatus int32
	Status         ServiceStatus
	RestartAt      time.Time
	LastStartedAt  time.Time
}

const listEntryLen = 28

// ListResultMessage carries the running-service table.
type ListResultMessage struct {
	RequestID uint64
	Entries   []ListEntry
}

func writeFrame(w io.Writer, t MessageType, payload []byte) error {
	total := HeaderLen + len(payload)
	if total > MaxFrameSize {
		return ErrFrameTooLarge
	}
	buf := make([]byte, total)
	binary.BigEndian.PutUint16(buf[0:2], uint16(total))
	binary.BigEndian.PutUint16(buf[2:4], uint16(t))
	copy(buf[HeaderLen:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads exactly one frame and returns its type and payload.
func ReadFrame(r io.Reader) (MessageType, []byte, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	size := binary.BigEndian.Uint16(hdr[0:2])
	t := MessageType(binary.BigEndian.Uint16(hdr[2:4]))
	if size < HeaderLen {
		return 0, nil, ErrShortFrame
	}
	payload := make([]byte, int(size)-HeaderLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return t, payload, nil
}

// WriteRequest frames and writes a request. The reserved u32 stays zero.
func WriteRequest(w io.Writer, req Request) error {
	n := 12
	if req.Name != "" {
		n += len(req.Name) + 1
	}
	payload := make([]byte, n)
	binary.BigEndian.PutUint64(payload[4:12], req.RequestID)
	if req.Name != "" {
		copy(payload[12:], req.Name)
	}
	return writeFrame(w, req.Type, payload)
}

// DecodeRequest parses a Start/Stop/List/Test payload.
func DecodeRequest(t MessageType, payload []byte) (Request, error) {
	if len(payload) < 12 {
		return Request{}, ErrBadPayload
	}
	req := Request{Type: t, RequestID: binary.BigEndian.Uint64(payload[4:12])}
	rest := payload[12:]
	if len(rest) > 0 {
		name, ok := cutName(rest)
		if !ok {
			return Request{}, ErrBadPayload
		}
		req.Name = name
	}
	return req, nil
}

func WriteResult(w io.Writer, m ResultMessage) error {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint64(payload[0:8], m.RequestID)
	binary.BigEndian.PutUint32(payload[8:12], uint32(m.Result))
	return writeFrame(w, TypeResult, payload)
}

func DecodeResult(payload []byte) (ResultMessage, error) {
	if len(payload) != 12 {
		return ResultMessage{}, ErrBadPayload
	}
	return ResultMessage{
		RequestID: binary.BigEndian.Uint64(payload[0:8]),
		Result:    Result(binary.BigEndian.Uint32(payload[8:12])),
	}, nil
}

func WriteStatus(w io.Writer, m StatusMessage) error {
	payload := make([]byte, 4+len(m.Name)+1)
	binary.BigEndian.PutUint32(payload[0:4], uint32(m.Status))
	copy(payload[4:], m.Name)
	return writeFrame(w, TypeStatus, payload)
}

func DecodeStatus(payload []byte) (StatusMessage, error) {
	if len(payload) < 5 {
		return StatusMessage{}, ErrBadPayload
	}
	name, ok := cutName(payload[4:])
	if !ok {
		return StatusMessage{}, ErrBadPayload
	}
	return StatusMessage{
		Status: ServiceStatus(binary.BigEndian.Uint32(payload[0:4])),
		Name:   name,
	}, nil
}

// WriteListResult encodes the entry table followed by a string pool. Each
// entry references its name and binary by byte offset into the pool.
func WriteListResult(w io.Writer, m ListResultMessage) error {
	if len(m.Entries) > math.MaxUint16 {
		return ErrFrameTooLarge
	}
	var pool []byte
	offset := func(s string) (uint16, error) {
		if len(pool)+len(s)+1 > math.MaxUint16 {
			return 0, ErrFrameTooLarge
		}
		off := uint16(len(pool))
		pool = append(pool, s...)
		pool = append(pool, 0)
		return off, nil
	}
	body := make([]byte, 10+listEntryLen*len(m.Entries))
	binary.BigEndian.PutUint64(body[0:8], m.RequestID)
	binary.BigEndian.PutUint16(body[8:10], uint16(len(m.Entries)))
	for i, e := range m.Entries {
		nameOff, err := offset(e.Name)
		if err != nil {
			return err
		}
		binOff, err := offset(e.Binary)
		if err != nil {
			return err
		}
		b := body[10+i*listEntryLen:]
		binary.BigEndian.PutUint16(b[0:2], nameOff)
		binary.BigEndian.PutUint16(b[2:4], binOff)
		binary.BigEndian.PutUint32(b[4:8], uint32(e.LastExitStatus))
		binary.BigEndian.PutUint32(b[8:12], uint32(e.Status))
		binary.BigEndian.PutUint64(b[12:20], uint64(unixMillis(e.RestartAt)))
		binary.BigEndian.PutUint64(b[20:28], uint64(unixMillis(e.LastStartedAt)))
	}
	return writeFrame(w, TypeListResult, append(body, pool...))
}

func DecodeListResult(payload []byte) (ListResultMessage, error) {
	if len(payload) < 10 {
		return ListResultMessage{}, ErrBadPayload
	}
	m := ListResultMessage{RequestID: binary.BigEndian.Uint64(payload[0:8])}
	count := int(binary.BigEndian.Uint16(payload[8:10]))
	tableEnd := 10 + count*listEntryLen
	if len(payload) < tableEnd {
		return ListResultMessage{}, ErrBadPayload
	}
	pool := payload[tableEnd:]
	for i := 0; i < count; i++ {
		b := payload[10+i*listEntryLen : 10+(i+1)*listEntryLen]
		name, ok := poolString(pool, binary.BigEndian.Uint16(b[0:2]))
		if !ok {
			return ListResultMessage{}, ErrBadPayload
		}
		bin, ok := poolString(pool, binary.BigEndian.Uint16(b[2:4]))
		if !ok {
			return ListResultMessage{}, ErrBadPayload
		}
		m.Entries = append(m.Entries, ListEntry{
			Name:           name,
			Binary:         bin,
			LastExitStatus: int32(binary.BigEndian.Uint32(b[4:8])),
			Status:         ServiceStatus(binary.BigEndian.Uint32(b[8:12])),
			RestartAt:      fromUnixMillis(int64(binary.BigEndian.Uint64(b[12:20]))),
			LastStartedAt:  fromUnixMillis(int64(binary.BigEndian.Uint64(b[20:28]))),
		})
	}
	return m, nil
}

// cutName extracts a NUL-terminated string that must span the whole slice.
func cutName(b []byte) (string, bool) {
	if len(b) == 0 || b[len(b)-1] != 0 {
		return "", false
	}
	for _, c := range b[:len(b)-1] {
		if c == 0 {
			return "", false
		}
	}
	return string(b[:len(b)-1]), true
}

func poolString(pool []byte, off uint16) (string, bool) {
	if int(off) >= len(pool) {
		return "", false
	}
	for i := int(off); i < len(pool); i++ {
		if pool[i] == 0 {
			return string(pool[off:i]), true
		}
	}
	return "", false
}

func unixMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
