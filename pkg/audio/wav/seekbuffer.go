package wav

import (
	"errors"
	"io"
)

// seekBuffer is an in-memory io.WriteSeeker. The go-audio encoder seeks back
// to patch the RIFF and data chunk sizes on Close, which bytes.Buffer cannot do.
type seekBuffer struct {
	buf []byte
	pos int
}

func (b *seekBuffer) Write(p []byte) (int, error) {
	end := b.pos + len(p)
	if end > len(b.buf) {
		if end > cap(b.buf) {
			grown := make([]byte, end, max(end, 2*cap(b.buf)))
			copy(grown, b.buf)
			b.buf = grown
		} else {
			b.buf = b.buf[:end]
		}
	}
	copy(b.buf[b.pos:], p)
	b.pos = end
	return len(p), nil
}

func (b *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = int64(b.pos) + offset
	case io.SeekEnd:
		abs = int64(len(b.buf)) + offset
	default:
		return 0, errors.New("wav: invalid whence")
	}
	if abs < 0 {
		return 0, errors.New("wav: negative position")
	}
	b.pos = int(abs)
	return abs, nil
}

// Bytes returns the written contents.
func (b *seekBuffer) Bytes() []byte { return b.buf }
