package syncproto

import (
	"encoding/binary"
	"fmt"
	"io"
)

// DefaultMaxFrame bounds a single framed message.
const DefaultMaxFrame = 1 << 30

// WriteFrame writes data prefixed by its 4-byte big-endian length.
func WriteFrame(w io.Writer, data []byte) error {
	if uint64(len(data)) > DefaultMaxFrame {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// ReadFrame reads one length-prefixed frame of at most limit bytes.
func ReadFrame(r io.Reader, limit int) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if limit > 0 && uint64(n) > uint64(limit) {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read frame: %w", err)
	}
	return data, nil
}

// WriteMessage frames an enveloped message.
func WriteMessage(w io.Writer, msg *Message, enc Encoding) error {
	data, err := Marshal(msg, enc)
	if err != nil {
		return err
	}
	return WriteFrame(w, data)
}

// ReadMessage reads and decodes one framed message.
func ReadMessage(r io.Reader, limit int) (*Message, Encoding, error) {
	data, err := ReadFrame(r, limit)
	if err != nil {
		return nil, EncodingMsgPack, err
	}
	return Unmarshal(data)
}
