package process

import (
	"io"
	"sync"
)

// multiWriter allows dynamic concurrent addition and removal of writers.
// Unlike io.MultiWriter, a failing writer is removed and the write still succeeds.
type multiWriter struct {
	m       sync.Mutex
	writers []io.Writer
}

func (t *multiWriter) Add(w io.Writer) {
	t.m.Lock()
	defer t.m.Unlock()
	t.writers = append(t.writers, w)
}

func (t *multiWriter) Remove(w io.Writer) {
	t.m.Lock()
	defer t.m.Unlock()
	for i := 0; i < len(t.writers); i++ {
		if t.writers[i] == w {
			t.writers = append(t.writers[:i], t.writers[i+1:]...)
			return
		}
	}
}

func (t *multiWriter) Len() int {
	t.m.Lock()
	defer t.m.Unlock()
	return len(t.writers)
}

func (t *multiWriter) Write(p []byte) (int, error) {
	t.m.Lock()
	defer t.m.Unlock()

	kept := t.writers[:0]
	for _, w := range t.writers {
		n, err := w.Write(p)
		if err != nil || n != len(p) {
			continue
		}
		kept = append(kept, w)
	}
	for i := len(kept); i < len(t.writers); i++ {
		t.writers[i] = nil
	}
	t.writers = kept
	return len(p), nil
}

// ChanWriter hands each write to a channel without blocking.
// Writes that arrive while the channel is full are dropped and counted.
type ChanWriter struct {
	C chan []byte

	m       sync.Mutex
	dropped int
}

func NewChanWriter(size int) *ChanWriter {
	return &ChanWriter{C: make(chan []byte, size)}
}

func (c *ChanWriter) Write(p []byte) (int, error) {
	b := make([]byte, len(p))
	copy(b, p)
	select {
	case c.C <- b:
	default:
		c.m.Lock()
		c.dropped++
		c.m.Unlock()
	}
	return len(p), nil
}

// Dropped returns the number of writes discarded because the reader fell behind.
func (c *ChanWriter) Dropped() int {
	c.m.Lock()
	defer c.m.Unlock()
	return c.dropped
}
