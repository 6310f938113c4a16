package endpoint

// compactThreshold is the consumed prefix size after which a buffer moves its
// unread bytes to the front of the backing array.
const compactThreshold = 64 * 1024

// Buffer accumulates bytes in arrival order. The zero value is ready to use.
// A Buffer is not safe for concurrent use.
type Buffer struct {
	buf []byte
	off int
}

func (b *Buffer) Len() int {
	return len(b.buf) - b.off
}

func (b *Buffer) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	if b.off > 0 && b.off >= compactThreshold && b.off*2 >= len(b.buf) {
		n := copy(b.buf, b.buf[b.off:])
		b.buf = b.buf[:n]
		b.off = 0
	}
	b.buf = append(b.buf, p...)
}

// Take returns every buffered byte and empties the buffer. The caller owns
// the returned slice.
func (b *Buffer) Take() []byte {
	if b.Len() == 0 {
		b.Reset()
		return nil
	}
	out := b.buf[b.off:]
	b.buf, b.off = nil, 0
	return out
}

// Peek returns the buffered bytes without consuming them. The slice is only
// valid until the next mutation of the buffer.
func (b *Buffer) Peek() []byte {
	return b.buf[b.off:]
}

// Advance discards the first n buffered bytes.
func (b *Buffer) Advance(n int) {
	if n >= b.Len() {
		b.Reset()
		return
	}
	b.off += n
}

func (b *Buffer) Reset() {
	b.buf = b.buf[:0]
	b.off = 0
}

// ExtractFrame removes the first complete frame decoded by c and returns a
// copy of it. It returns ErrNeedMore, leaving the buffer untouched, while the
// frame is incomplete.
func (b *Buffer) ExtractFrame(c Codec) ([]byte, error) {
	frame, n, err := c.Decode(b.Peek())
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(frame))
	copy(out, frame)
	b.Advance(n)
	return out, nil
}
