package daemon

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadFrame_RoundTrips(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte(`{"jsonrpc":"2.0","method":"ping","id":"1"}`)

	require.NoError(t, WriteFrame(&buf, payload))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestReadFrame_EmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte{}))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReadFrame_CleanEOFOnHeader(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader(nil))
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadFrame_PartialHeaderIsError(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{0x00, 0x01}))
	require.Error(t, err)
}

func TestReadFrame_PartialPayloadIsError(t *testing.T) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], 10)
	buf := bytes.NewBuffer(lenBuf[:])
	buf.WriteString("short")

	_, err := ReadFrame(buf)
	require.Error(t, err)
}

func TestReadFrame_OversizeRejected(t *testing.T) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], MaxFrameBytes+1)

	_, err := ReadFrame(bytes.NewReader(lenBuf[:]))
	require.Error(t, err)
	var tooLarge ErrFrameTooLarge
	require.ErrorAs(t, err, &tooLarge)
	assert.Equal(t, uint32(MaxFrameBytes+1), tooLarge.Length)
}

func TestWriteFrame_OversizeRejected(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, make([]byte, MaxFrameBytes+1))
	require.Error(t, err)
	assert.Zero(t, buf.Len())
}

func TestReadFrame_MultipleFramesSequentially(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("first")))
	require.NoError(t, WriteFrame(&buf, []byte("second")))

	first, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, "first", string(first))

	second, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, "second", string(second))
}
