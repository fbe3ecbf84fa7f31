package stream

// cappedBuffer accumulates bytes up to a fixed cap. Bytes past the cap are
// dropped and the truncated flag is set permanently. Not safe for concurrent
// use; the owning Parser serializes access.
type cappedBuffer struct {
	data      []byte
	max       int
	written   int64 // total bytes offered, including dropped
	truncated bool
}

func newCappedBuffer(maxBytes int) *cappedBuffer {
	return &cappedBuffer{
		data: make([]byte, 0, min(maxBytes, 4096)),
		max:  maxBytes,
	}
}

// Write appends p up to the cap. It never fails.
func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.written += int64(len(p))
	if b.truncated {
		return len(p), nil
	}
	room := b.max - len(b.data)
	if len(p) > room {
		b.data = append(b.data, p[:room]...)
		b.truncated = true
		return len(p), nil
	}
	b.data = append(b.data, p...)
	return len(p), nil
}

func (b *cappedBuffer) String() string { return string(b.data) }

func (b *cappedBuffer) Len() int { return len(b.data) }

func (b *cappedBuffer) Truncated() bool { return b.truncated }

// TotalWritten returns the number of bytes ever offered to the buffer.
func (b *cappedBuffer) TotalWritten() int64 { return b.written }

// Tail returns at most the last n buffered bytes.
func (b *cappedBuffer) Tail(n int) string {
	if n <= 0 {
		return ""
	}
	if len(b.data) <= n {
		return string(b.data)
	}
	return string(b.data[len(b.data)-n:])
}
