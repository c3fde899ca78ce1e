package ipc

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/billm/baaaht/relay/pkg/types"
)

const frameHeaderSize = 4

// writeFrame writes data with a 4-byte big-endian length prefix in a single write
func writeFrame(w io.Writer, data []byte, maxSize int) error {
	if len(data) > maxSize {
		return types.NewError(types.ErrCodeResourceExhausted,
			fmt.Sprintf("frame of %d bytes exceeds limit of %d", len(data), maxSize))
	}
	buf := make([]byte, frameHeaderSize+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[frameHeaderSize:], data)
	_, err := w.Write(buf)
	return err
}

// readFrame reads one length-prefixed frame
func readFrame(r io.Reader, maxSize int) ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if int64(n) > int64(maxSize) {
		return nil, types.NewError(types.ErrCodeResourceExhausted,
			fmt.Sprintf("incoming frame of %d bytes exceeds limit of %d", n, maxSize))
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
