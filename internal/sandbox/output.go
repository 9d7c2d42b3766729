package sandbox

import (
	"io"
	"sync"
)

// maxOutputBytes caps captured stdout/stderr to prevent OOM from chatty commands.
const maxOutputBytes = 1 << 20 // 1 MB

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded (not an error, just capped).
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil
	}
	n := len(p)
	if n > lw.remaining {
		p = p[:lw.remaining]
	}
	written, err := lw.w.Write(p)
	lw.remaining -= written
	if err != nil {
		return written, err
	}
	return n, nil
}

// streamWriter forwards every chunk to a callback before passing it on to
// the capture buffer.
type streamWriter struct {
	mu   sync.Mutex
	w    io.Writer
	emit func(string)
}

func newStreamWriter(w io.Writer, emit func(string)) io.Writer {
	if emit == nil {
		return w
	}
	return &streamWriter{w: w, emit: emit}
}

func (s *streamWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emit(string(p))
	return s.w.Write(p)
}
