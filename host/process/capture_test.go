package process

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const waitFor = 5 * time.Second
const tick = 10 * time.Millisecond

func newTestCapture(t *testing.T) (*Capture, *io.PipeWriter) {
	pr, pw := io.Pipe()
	c := NewCapture(zaptest.NewLogger(t).Sugar(), "stdout", pr)
	t.Cleanup(func() {
		c.Stop()
		pw.Close()
		<-c.Done()
	})
	return c, pw
}

func TestCaptureFlushDrains(t *testing.T) {
	c, pw := newTestCapture(t)

	_, err := io.WriteString(pw, "first line\nsecond line\n")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return c.Peek() == "first line\nsecond line\n" }, waitFor, tick)

	assert.Equal(t, "first line\nsecond line\n", c.Flush())
	assert.Equal(t, "", c.Flush())

	_, err = io.WriteString(pw, "third\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.Peek() != "" }, waitFor, tick)
	assert.Equal(t, "third\n", c.Flush())
}

func TestCapturePeekDoesNotClear(t *testing.T) {
	c, pw := newTestCapture(t)

	_, err := io.WriteString(pw, "hello\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.Peek() == "hello\n" }, waitFor, tick)

	assert.Equal(t, "hello\n", c.Peek())
	assert.Equal(t, "hello\n", c.Peek())
	assert.Equal(t, "hello\n", c.Flush())
}

func TestCapturePartialLineAtEOF(t *testing.T) {
	c, pw := newTestCapture(t)

	_, err := io.WriteString(pw, "no newline")
	require.NoError(t, err)
	require.NoError(t, pw.Close())

	select {
	case <-c.Done():
	case <-time.After(waitFor):
		t.Fatal("capture did not finish after EOF")
	}
	assert.Equal(t, "no newline", c.Flush())
}

func TestCaptureStopUnblocksRead(t *testing.T) {
	c, pw := newTestCapture(t)

	_, err := io.WriteString(pw, "before stop\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.Peek() != "" }, waitFor, tick)

	// nothing more is written, so the drain goroutine is blocked in a read
	c.Stop()
	select {
	case <-c.Done():
	case <-time.After(waitFor):
		t.Fatal("capture did not finish after Stop")
	}

	// buffered output survives Stop
	assert.Equal(t, "before stop\n", c.Flush())

	// stopping twice is fine
	c.Stop()
}

func TestCaptureSubscribe(t *testing.T) {
	c, pw := newTestCapture(t)

	sub := NewChanWriter(10)
	unsubscribe := c.Subscribe(sub)

	_, err := io.WriteString(pw, "a\nb\n")
	require.NoError(t, err)

	var got []string
	for len(got) < 2 {
		select {
		case b := <-sub.C:
			got = append(got, string(b))
		case <-time.After(waitFor):
			t.Fatalf("timed out waiting for subscriber, got %v", got)
		}
	}
	assert.Equal(t, []string{"a\n", "b\n"}, got)

	// subscribing does not consume the buffer
	assert.Equal(t, "a\nb\n", c.Peek())

	// a late subscriber gets the backlog as one chunk
	late := NewChanWriter(10)
	unsubscribeLate := c.Subscribe(late)
	assert.Equal(t, "a\nb\n", string(<-late.C))
	unsubscribeLate()
	assert.Equal(t, "a\nb\n", c.Flush())

	unsubscribe()
	_, err = io.WriteString(pw, "c\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.Peek() == "c\n" }, waitFor, tick)
	assert.Empty(t, sub.C)
}

func TestChanWriterDropsWhenFull(t *testing.T) {
	w := NewChanWriter(1)

	n, err := w.Write([]byte("one"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = w.Write([]byte("two"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.Equal(t, 1, w.Dropped())
	assert.Equal(t, "one", string(<-w.C))
}

type errWriter struct{}

func (errWriter) Write(p []byte) (int, error) { return 0, io.ErrClosedPipe }

func TestMultiWriterDropsFailingWriters(t *testing.T) {
	var mw multiWriter
	good := NewChanWriter(4)
	mw.Add(errWriter{})
	mw.Add(good)
	require.Equal(t, 2, mw.Len())

	n, err := mw.Write([]byte("x"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, mw.Len())
	assert.Equal(t, "x", string(<-good.C))

	mw.Remove(good)
	assert.Equal(t, 0, mw.Len())
}
