package host

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/guseggert/nativehost/host/dispatch"
	"github.com/guseggert/nativehost/host/frame"
)

// Peer is the browser's end of the protocol: it writes requests to a host's input and reads its responses.
type Peer struct {
	mu sync.Mutex
	r  *frame.Reader
	w  *frame.Writer
}

// NewPeer builds a peer that reads responses from r and writes requests to w.
func NewPeer(r io.Reader, w io.Writer) *Peer {
	return &Peer{r: frame.NewReader(r), w: frame.NewWriter(w)}
}

// Send writes one raw request frame.
func (p *Peer) Send(payload []byte) error {
	return p.w.WriteFrame(payload)
}

// Receive reads one response frame and decodes it.
func (p *Peer) Receive() (dispatch.Response, error) {
	b, err := p.r.ReadFrame()
	if err != nil {
		return nil, err
	}
	var resp dispatch.Response
	if err := json.Unmarshal(b, &resp); err != nil {
		return nil, fmt.Errorf("decoding response %q: %w", b, err)
	}
	return resp, nil
}

// Call sends [name, args...] and waits for its response.
// Calls are serialized, since responses carry nothing to match them to requests.
func (p *Peer) Call(name string, args ...any) (dispatch.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, err := json.Marshal(append([]any{name}, args...))
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	if err := p.Send(b); err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	resp, err := p.Receive()
	if err != nil {
		return nil, fmt.Errorf("receiving response: %w", err)
	}
	return resp, nil
}
