package sandbox

import "sync"

// boundedBuffer is an io.Writer that stops retaining bytes at a fixed
// ceiling. Writes past the ceiling are counted but discarded, so an
// adversarial program writing gigabytes costs the engine at most the
// ceiling in memory. Safe for concurrent use: the child's stdout and
// stderr pipes are drained from separate goroutines.
type boundedBuffer struct {
	mu      sync.Mutex
	buf     []byte
	ceiling int64
	total   int64
}

func newBoundedBuffer(ceiling int64) *boundedBuffer {
	if ceiling <= 0 {
		ceiling = 64 << 10
	}
	return &boundedBuffer{ceiling: ceiling}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.total += int64(len(p))
	if room := b.ceiling - int64(len(b.buf)); room > 0 {
		if int64(len(p)) > room {
			p = p[:room]
		}
		b.buf = append(b.buf, p...)
	}
	// Report full consumption so the pipe keeps draining.
	return len(p), nil
}

// String returns the retained prefix.
func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// Total returns the number of bytes the program actually wrote,
// including discarded ones.
func (b *boundedBuffer) Total() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// Truncated reports whether anything was discarded.
func (b *boundedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total > int64(len(b.buf))
}
