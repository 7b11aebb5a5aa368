package exec

// tailBuffer is an io.Writer that retains only the last Limit bytes
// written. Step output can be arbitrarily large; runs keep the tail, which
// is where failures explain themselves.
type tailBuffer struct {
	limit     int
	buf       []byte
	truncated bool
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

// Write never fails. os/exec guarantees single-goroutine writes when the
// same writer serves stdout and stderr, so no locking is needed here.
func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n >= t.limit {
		if len(t.buf) > 0 || n > t.limit {
			t.truncated = true
		}
		t.buf = append(t.buf[:0], p[n-t.limit:]...)
		return n, nil
	}
	if len(t.buf)+n > t.limit {
		drop := len(t.buf) + n - t.limit
		t.buf = t.buf[drop:]
		t.truncated = true
	}
	t.buf = append(t.buf, p...)
	return n, nil
}

func (t *tailBuffer) String() string {
	if t.truncated {
		return "[output truncated]\n" + string(t.buf)
	}
	return string(t.buf)
}
