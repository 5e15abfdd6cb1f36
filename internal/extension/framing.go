package extension

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Chrome caps host-to-extension messages at 1 MiB and extension-to-host at 64 MiB.
const (
	maxOutbound = 1 << 20
	maxInbound  = 64 << 20
)

var ErrFrameTooLarge = errors.New("native message exceeds size limit")

// ReadFrame reads one native-messaging frame: a uint32 length in little-endian
// byte order followed by that many bytes of JSON.
func ReadFrame(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	if n > maxInbound {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return buf, nil
}

func WriteFrame(w io.Writer, msg []byte) error {
	if len(msg) > maxOutbound {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(msg))
	}
	hdr := make([]byte, 4, 4+len(msg))
	binary.LittleEndian.PutUint32(hdr, uint32(len(msg)))
	_, err := w.Write(append(hdr, msg...))
	return err
}
