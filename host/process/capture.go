package process

import (
	"bufio"
	"errors"
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Capture continuously drains one output stream of a child process into a buffer.
// The buffer is written only by the drain goroutine and emptied by Flush.
type Capture struct {
	log  *zap.SugaredLogger
	name string
	src  io.ReadCloser

	mu  sync.Mutex
	buf strings.Builder

	subscribers multiWriter

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewCapture starts draining src on its own goroutine.
func NewCapture(log *zap.SugaredLogger, name string, src io.ReadCloser) *Capture {
	c := &Capture{
		log:  log.Named(name),
		name: name,
		src:  src,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go c.drain()
	return c
}

func (c *Capture) drain() {
	defer close(c.done)
	reader := bufio.NewReader(c.src)
	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			c.append(line)
		}
		if err != nil {
			// pipes closed by Stop or by the reaper surface as os.ErrClosed, which is just another end of stream
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				c.log.Debugf("read error, ending capture: %s", err)
			}
			return
		}
		select {
		case <-c.stop:
			return
		default:
		}
	}
}

func (c *Capture) append(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf.WriteString(s)
	if c.subscribers.Len() > 0 {
		_, _ = c.subscribers.Write([]byte(s))
	}
}

// Flush returns everything captured since the previous Flush and clears the buffer.
func (c *Capture) Flush() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.buf.String()
	c.buf.Reset()
	return s
}

// Peek returns the buffered output without clearing it.
func (c *Capture) Peek() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

// Subscribe first writes the output buffered so far to w, then forwards every chunk captured after it,
// until the returned func is called. Nothing is lost or repeated between the two.
// w is called with the buffer locked and must not block; see ChanWriter.
func (c *Capture) Subscribe(w io.Writer) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.buf.Len() > 0 {
		_, _ = w.Write([]byte(c.buf.String()))
	}
	c.subscribers.Add(w)
	return func() { c.subscribers.Remove(w) }
}

// Stop tells the drain goroutine to exit and closes the source so a blocked read returns.
// Data already buffered stays available to Flush and Peek.
func (c *Capture) Stop() {
	c.stopOnce.Do(func() {
		close(c.stop)
		if err := c.src.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			c.log.Debugf("closing source: %s", err)
		}
	})
}

// Done is closed once the drain goroutine has exited.
func (c *Capture) Done() <-chan struct{} {
	return c.done
}

func (c *Capture) Name() string {
	return c.name
}
