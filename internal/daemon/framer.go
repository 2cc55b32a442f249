package daemon

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameBytes bounds a single frame's payload per spec.md §4.5: a request
// or response larger than this is rejected and the connection dropped.
const MaxFrameBytes = 10 * 1024 * 1024 // 10 MiB

// ErrFrameTooLarge is returned by ReadFrame when the declared length prefix
// exceeds MaxFrameBytes.
type ErrFrameTooLarge struct {
	Length uint32
}

func (e ErrFrameTooLarge) Error() string {
	return fmt.Sprintf("frame length %d exceeds maximum of %d bytes", e.Length, MaxFrameBytes)
}

// ReadFrame reads one length-prefixed frame from r: a big-endian u32 length
// followed by exactly that many payload bytes. An EOF anywhere in the 4-byte
// length prefix (before any byte or partway through it) is reported via
// io.EOF so callers can treat it as an ordinary disconnect; a truncated
// payload is a read error.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, err
	}

	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > MaxFrameBytes {
		return nil, ErrFrameTooLarge{Length: length}
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("failed to read frame payload: %w", err)
	}
	return payload, nil
}

// WriteFrame writes payload to w as a length-prefixed frame. Returns
// ErrFrameTooLarge before attempting any write if payload exceeds the limit.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameBytes {
		return ErrFrameTooLarge{Length: uint32(len(payload))}
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))

	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("failed to write frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("failed to write frame payload: %w", err)
	}
	return nil
}
