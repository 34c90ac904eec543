package host

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/guseggert/nativehost/host/process"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// DebugClient talks to a running host's debug API.
type DebugClient struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  string
	customizeRetryableClient func(*retryablehttp.Client)
	waitInterval             time.Duration
}

type ClientOption func(c *DebugClient)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *DebugClient) {
		c.waitInterval = d
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *DebugClient) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// NewDebugClient builds a client for the debug API listening on addr (host:port).
func NewDebugClient(log *zap.SugaredLogger, addr string, opts ...ClientOption) *DebugClient {
	c := &DebugClient{
		Logger:       log.Named("debug_client"),
		baseURL:      "http://" + addr,
		waitInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()
	return c
}

func (c *DebugClient) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Close = true

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body string
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			body = fmt.Errorf("error reading body: %w", err).Error()
		} else {
			body = string(b)
		}
		return fmt.Errorf("non-200 HTTP status code %d received from %s: %s", resp.StatusCode, path, body)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (c *DebugClient) Status(ctx context.Context) (process.Status, error) {
	var st process.Status
	err := c.getJSON(ctx, "/status", &st)
	return st, err
}

func (c *DebugClient) Commands(ctx context.Context) ([]string, error) {
	var cmds []string
	err := c.getJSON(ctx, "/commands", &cmds)
	return cmds, err
}

// Output returns the unread output of stream without draining it.
func (c *DebugClient) Output(ctx context.Context, stream process.Stream) (string, error) {
	var resp OutputResponse
	if err := c.getJSON(ctx, "/output/"+string(stream), &resp); err != nil {
		return "", err
	}
	return resp.Output, nil
}

// Tail copies stream to w until the stream ends or ctx is done.
func (c *DebugClient) Tail(ctx context.Context, stream process.Stream, w io.Writer) error {
	u := c.baseURL + "/tail/" + string(stream)
	c.Logger.Debugw("dialing WebSocket", "URL", u)
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPClient:      c.HTTPClient,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return fmt.Errorf("dialing WebSocket conn: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(wsReadLimit)

	dropped := 0
	for {
		var msg TailMessage
		err := wsjson.Read(ctx, conn, &msg)
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading tail message: %w", err)
		}
		if msg.Dropped > dropped {
			c.Logger.Warnf("host dropped %d chunks of %s", msg.Dropped-dropped, stream)
			dropped = msg.Dropped
		}
		if msg.Data != "" {
			if _, err := io.WriteString(w, msg.Data); err != nil {
				return fmt.Errorf("writing output: %w", err)
			}
		}
		if msg.EOF {
			return nil
		}
	}
}

func (c *DebugClient) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_, err := c.Status(ctx)
			if err == nil {
				c.Logger.Debug("status succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got status error: %s", err)
		}
	}
}
