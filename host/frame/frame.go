/*
Package frame implements the length-prefixed message framing used by browser native messaging hosts.

Each frame is a 4-byte unsigned length in the host's native byte order, followed by exactly that many bytes of
UTF-8 JSON. There are no other delimiters, so once a frame is truncated the stream cannot be resynchronized and the
reader reports a fatal error.
*/
package frame

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
)

const prefixLen = 4

var (
	// ErrTruncated is returned when the stream closes in the middle of a frame payload.
	ErrTruncated = errors.New("frame truncated")

	// ErrFrameTooLarge is returned when a frame exceeds the 32-bit length range or the configured read limit.
	ErrFrameTooLarge = errors.New("frame too large")
)

type Reader struct {
	r       io.Reader
	maxSize uint32
}

type ReaderOption func(r *Reader)

// WithMaxFrameSize rejects incoming frames larger than n bytes. Zero means no limit beyond the 32-bit range.
func WithMaxFrameSize(n uint32) ReaderOption {
	return func(r *Reader) {
		r.maxSize = n
	}
}

func NewReader(r io.Reader, opts ...ReaderOption) *Reader {
	fr := &Reader{r: r}
	for _, o := range opts {
		o(fr)
	}
	return fr
}

// ReadFrame blocks until a whole frame is available and returns its payload.
// It returns io.EOF if the stream closes before a complete length prefix was read,
// which is how the peer signals a normal shutdown.
func (r *Reader) ReadFrame() ([]byte, error) {
	var prefix [prefixLen]byte
	_, err := io.ReadFull(r.r, prefix[:])
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, io.EOF
	}
	if err != nil {
		return nil, fmt.Errorf("reading length prefix: %w", err)
	}

	n := binary.NativeEndian.Uint32(prefix[:])
	if r.maxSize > 0 && n > r.maxSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrFrameTooLarge, n, r.maxSize)
	}

	payload := make([]byte, n)
	_, err = io.ReadFull(r.r, payload)
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("%w: expected %d bytes: %w", ErrTruncated, n, io.ErrUnexpectedEOF)
	}
	if err != nil {
		return nil, fmt.Errorf("reading payload: %w", err)
	}
	return payload, nil
}

// Writer writes frames and flushes after each one, so the peer sees a complete frame before any later write.
// It is safe for concurrent use.
type Writer struct {
	mu sync.Mutex
	w  *bufio.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

func (w *Writer) WriteFrame(payload []byte) error {
	if uint64(len(payload)) > math.MaxUint32 {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	var prefix [prefixLen]byte
	binary.NativeEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.w.Write(prefix[:]); err != nil {
		return fmt.Errorf("writing length prefix: %w", err)
	}
	if _, err := w.w.Write(payload); err != nil {
		return fmt.Errorf("writing payload: %w", err)
	}
	if err := w.w.Flush(); err != nil {
		return fmt.Errorf("flushing frame: %w", err)
	}
	return nil
}
