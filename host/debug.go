package host

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/guseggert/nativehost/host/process"
	"github.com/julienschmidt/httprouter"
	"nhooyr.io/websocket"
)

// tailBuffer is how many captured chunks a slow tail client may fall behind before chunks are dropped.
const tailBuffer = 256

// OutputResponse is the body of GET /output/:stream.
type OutputResponse struct {
	Stream string `json:"stream"`
	Output string `json:"output"`
}

// DebugHandler serves a read-only view of the host over HTTP, for inspecting it while a browser drives it.
// Nothing it does changes what the protocol peer sees: output is peeked, never drained.
func (h *Host) DebugHandler() http.Handler {
	router := httprouter.New()
	router.GET("/status", h.debugStatus)
	router.GET("/commands", h.debugCommands)
	router.GET("/output/:stream", h.debugOutput)
	router.GET("/tail/:stream", h.debugTail)
	return router
}

func (h *Host) writeJSON(w http.ResponseWriter, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	if _, err := w.Write(b); err != nil {
		h.logger.Debugf("error writing debug response: %s", err)
	}
}

func (h *Host) debugStatus(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	h.writeJSON(w, h.supervisor.Status())
}

func (h *Host) debugCommands(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	h.writeJSON(w, h.Commands())
}

func parseStream(s string) (process.Stream, bool) {
	switch process.Stream(s) {
	case process.Stdout, process.Stderr:
		return process.Stream(s), true
	default:
		return "", false
	}
}

func (h *Host) debugOutput(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	stream, ok := parseStream(params.ByName("stream"))
	if !ok {
		http.Error(w, "no such stream", http.StatusNotFound)
		return
	}
	out, err := h.supervisor.Peek(stream)
	if errors.Is(err, process.ErrNotRunning) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, OutputResponse{Stream: string(stream), Output: out})
}

// debugTail streams a capture over a WebSocket: first the unread output, then new output as it arrives,
// and a final EOF message once the stream ends.
func (h *Host) debugTail(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	stream, ok := parseStream(params.ByName("stream"))
	if !ok {
		http.Error(w, "no such stream", http.StatusNotFound)
		return
	}

	chunks := process.NewChanWriter(tailBuffer)
	unsubscribe, done, err := h.supervisor.Subscribe(stream, chunks)
	if errors.Is(err, process.ErrNotRunning) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer unsubscribe()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		h.logger.Debugf("tail WebSocket accept error: %s", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	// the client never sends anything, CloseRead cancels ctx once it goes away
	ctx := conn.CloseRead(r.Context())
	log := h.logger.Named("tail").With("Stream", stream)
	writer := &wsJSONWriter{
		log:  log,
		ctx:  ctx,
		conn: conn,
		writeMsg: func(b []byte) any {
			return TailMessage{Stream: string(stream), Data: string(b), Dropped: chunks.Dropped()}
		},
		closeMsg: func() any {
			return TailMessage{Stream: string(stream), EOF: true, Dropped: chunks.Dropped()}
		},
	}

	for {
		select {
		case <-ctx.Done():
			log.Debug("tail client went away")
			return
		case b := <-chunks.C:
			if _, err := writer.Write(b); err != nil {
				log.Debugf("error writing tail message: %s", err)
				return
			}
		case <-done:
			// the drain goroutine has exited, so whatever is left in the channel is all there is
			for len(chunks.C) > 0 {
				if _, err := writer.Write(<-chunks.C); err != nil {
					log.Debugf("error writing tail message: %s", err)
					return
				}
			}
			if err := writer.Close(); err != nil {
				return
			}
			conn.Close(websocket.StatusNormalClosure, "")
			return
		}
	}
}
