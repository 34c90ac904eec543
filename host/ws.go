package host

import (
	"context"
	"unicode/utf8"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const wsReadLimit = 32768

// TailMessage is one message on a tail WebSocket.
// The last message of a stream that ended has EOF set and no data.
type TailMessage struct {
	Stream  string `json:"stream"`
	Data    string `json:"data,omitempty"`
	EOF     bool   `json:"eof,omitempty"`
	Dropped int    `json:"dropped,omitempty"`
}

// wsJSONWriter sends everything written to it as JSON messages, splitting writes to stay under the peer's read limit.
type wsJSONWriter struct {
	log  *zap.SugaredLogger
	ctx  context.Context
	conn *websocket.Conn

	// writeMsg builds the message for one chunk of a write.
	writeMsg func(b []byte) any
	// closeMsg builds the message sent on Close, if set.
	closeMsg func() any
}

func (w *wsJSONWriter) Write(b []byte) (int, error) {
	// estimate of the worst-case growth from JSON string escaping
	writeLimit := wsReadLimit / 3
	leftToWrite := b
	for {
		toWrite := leftToWrite
		more := false
		if len(leftToWrite) > writeLimit {
			// don't split a UTF-8 sequence across messages
			n := writeLimit
			for n > writeLimit-utf8.UTFMax && !utf8.RuneStart(leftToWrite[n]) {
				n--
			}
			toWrite = leftToWrite[:n]
			leftToWrite = leftToWrite[n:]
			more = true
		}

		msg := w.writeMsg(toWrite)
		if err := wsjson.Write(w.ctx, w.conn, &msg); err != nil {
			return 0, err
		}
		if !more {
			w.log.Debugf("wrote %d bytes", len(b))
			return len(b), nil
		}
	}
}

func (w *wsJSONWriter) Close() error {
	var err error
	sendClose := w.closeMsg != nil
	if sendClose {
		msg := w.closeMsg()
		err = wsjson.Write(w.ctx, w.conn, &msg)
	}
	w.log.Debugw("closed writer", "Error", err, "SentClose", sendClose)
	return err
}
