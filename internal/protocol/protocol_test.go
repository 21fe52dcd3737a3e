package protocol

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	err := WriteRequest(&buf, Request{Type: TypeStart, RequestID: 42, Name: "resolver"})
	require.NoError(t, err)

	typ, payload, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, TypeStart, typ)

	req, err := DecodeRequest(typ, payload)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), req.RequestID)
	assert.Equal(t, "resolver", req.Name)
}

func TestRequestWithoutName(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteRequest(&buf, Request{Type: TypeList, RequestID: 7}))

	typ, payload, err := ReadFrame(&buf)
	require.NoError(t, err)
	req, err := DecodeRequest(typ, payload)
	require.NoError(t, err)
	assert.Equal(t, TypeList, req.Type)
	assert.Equal(t, uint64(7), req.RequestID)
	assert.Empty(t, req.Name)
}

func TestDecodeRequestRejectsBadName(t *testing.T) {
	// No NUL terminator.
	payload := make([]byte, 12)
	payload = append(payload, 'a', 'b', 'c')
	_, err := DecodeRequest(TypeStart, payload)
	assert.ErrorIs(t, err, ErrBadPayload)

	// Embedded NUL before the terminator.
	payload = make([]byte, 12)
	payload = append(payload, 'a', 0, 'b', 0)
	_, err = DecodeRequest(TypeStart, payload)
	assert.ErrorIs(t, err, ErrBadPayload)

	// Truncated fixed part.
	_, err = DecodeRequest(TypeStart, make([]byte, 11))
	assert.ErrorIs(t, err, ErrBadPayload)
}

func TestResultRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteResult(&buf, ResultMessage{RequestID: 9, Result: ResultStarting}))

	typ, payload, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, TypeResult, typ)

	m, err := DecodeResult(payload)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), m.RequestID)
	assert.Equal(t, ResultStarting, m.Result)
}

func TestStatusRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteStatus(&buf, StatusMessage{Status: StatusStopping, Name: "dht"}))

	typ, payload, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, TypeStatus, typ)

	m, err := DecodeStatus(payload)
	require.NoError(t, err)
	assert.Equal(t, StatusStopping, m.Status)
	assert.Equal(t, "dht", m.Name)
}

func TestListResultRoundTrip(t *testing.T) {
	started := time.Now().Truncate(time.Millisecond)
	restart := started.Add(250 * time.Millisecond)
	in := ListResultMessage{
		RequestID: 3,
		Entries: []ListEntry{
			{Name: "resolver", Binary: "/usr/bin/resolver", LastExitStatus: 0,
				Status: StatusStarting, LastStartedAt: started},
			{Name: "dht", Binary: "/usr/bin/dht", LastExitStatus: 137,
				Status: StatusStopped, RestartAt: restart, LastStartedAt: started},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteListResult(&buf, in))

	typ, payload, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, TypeListResult, typ)

	out, err := DecodeListResult(payload)
	require.NoError(t, err)
	require.Len(t, out.Entries, 2)
	assert.Equal(t, uint64(3), out.RequestID)
	assert.Equal(t, "resolver", out.Entries[0].Name)
	assert.Equal(t, "/usr/bin/dht", out.Entries[1].Binary)
	assert.Equal(t, int32(137), out.Entries[1].LastExitStatus)
	assert.True(t, out.Entries[0].RestartAt.IsZero())
	assert.Equal(t, restart.UnixMilli(), out.Entries[1].RestartAt.UnixMilli())
	assert.Equal(t, started.UnixMilli(), out.Entries[0].LastStartedAt.UnixMilli())
}

func TestListResultEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteListResult(&buf, ListResultMessage{RequestID: 1}))

	_, payload, err := ReadFrame(&buf)
	require.NoError(t, err)
	out, err := DecodeListResult(payload)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), out.RequestID)
	assert.Empty(t, out.Entries)
}

func TestDecodeListResultRejectsBadOffsets(t *testing.T) {
	in := ListResultMessage{RequestID: 1, Entries: []ListEntry{{Name: "x", Binary: "y"}}}
	var buf bytes.Buffer
	require.NoError(t, WriteListResult(&buf, in))
	_, payload, err := ReadFrame(&buf)
	require.NoError(t, err)

	// Chop the string pool off; offsets now point past the end.
	truncated := payload[:10+listEntryLen]
	_, err = DecodeListResult(truncated)
	assert.ErrorIs(t, err, ErrBadPayload)

	// Claim more entries than the payload holds.
	short := append([]byte(nil), payload...)
	short[9] = 200
	_, err = DecodeListResult(short)
	assert.ErrorIs(t, err, ErrBadPayload)
}

func TestReadFrameShortHeader(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteResult(&buf, ResultMessage{RequestID: 1}))
	raw := buf.Bytes()
	// Frame size below the header length is invalid.
	raw[0], raw[1] = 0, 2
	_, _, err := ReadFrame(bytes.NewReader(raw))
	assert.ErrorIs(t, err, ErrShortFrame)
}

func TestReadFrameTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteResult(&buf, ResultMessage{RequestID: 1}))
	raw := buf.Bytes()
	_, _, err := ReadFrame(bytes.NewReader(raw[:len(raw)-3]))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestWriteRequestTooLarge(t *testing.T) {
	name := make([]byte, MaxFrameSize)
	for i := range name {
		name[i] = 'a'
	}
	err := WriteRequest(io.Discard, Request{Type: TypeStart, RequestID: 1, Name: string(name)})
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestEnumStrings(t *testing.T) {
	assert.Equal(t, "START", TypeStart.String())
	assert.Equal(t, "LIST_RESULT", TypeListResult.String())
	assert.Equal(t, "stopping", ResultStopping.String())
	assert.Equal(t, "service unknown", ResultNotKnown.String())
	assert.Contains(t, Result(99).String(), "99")
}
