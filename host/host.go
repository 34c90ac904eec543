package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"

	"github.com/guseggert/nativehost/host/dispatch"
	"github.com/guseggert/nativehost/host/frame"
	"github.com/guseggert/nativehost/host/process"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultName  = "zeronet"
	DefaultEntry = "zeronet.py"
)

// DefaultInterpreter is prepended to the entry script's path when spawning it.
var DefaultInterpreter = []string{"env", "python"}

// Host serves the native messaging protocol on a pair of streams and supervises one child process.
type Host struct {
	logger *zap.SugaredLogger

	supervisor *process.Supervisor
	dispatcher *dispatch.Dispatcher

	// launch is only touched by handlers, which run on the Serve goroutine.
	launch process.LaunchConfig
	entry  string

	maxFrameSize uint32
	debugAddr    string
	lockFile     string

	stdin  io.Reader
	stdout io.Writer
}

type Option func(h *Host)

func WithLogger(l *zap.Logger) Option {
	return func(h *Host) {
		h.logger = l.Named("host").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(h *Host) {
		h.logger = h.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithSupervisor replaces the supervisor the host creates for itself.
func WithSupervisor(s *process.Supervisor) Option {
	return func(h *Host) {
		h.supervisor = s
	}
}

// WithLaunchConfig sets the initial launch configuration.
// The whereiszeronet command later overrides its directory and executable.
func WithLaunchConfig(c process.LaunchConfig) Option {
	return func(h *Host) {
		h.launch = c
	}
}

// WithEntry sets the script name that whereiszeronet joins onto the directory it is given.
func WithEntry(name string) Option {
	return func(h *Host) {
		h.entry = name
	}
}

// WithDebugAddr makes Run serve the debug HTTP API on addr.
func WithDebugAddr(addr string) Option {
	return func(h *Host) {
		h.debugAddr = addr
	}
}

// WithLockFile makes the host's supervisor hold a lock on path while its process runs,
// so that two hosts never supervise the same application. It has no effect with WithSupervisor.
func WithLockFile(path string) Option {
	return func(h *Host) {
		h.lockFile = path
	}
}

func WithMaxFrameSize(n uint32) Option {
	return func(h *Host) {
		h.maxFrameSize = n
	}
}

// WithStdio sets the streams Run serves on, which default to os.Stdin and os.Stdout.
func WithStdio(r io.Reader, w io.Writer) Option {
	return func(h *Host) {
		h.stdin = r
		h.stdout = w
	}
}

// New constructs a host. Without WithLogger it logs to stderr with a development logger,
// since stdout belongs to the protocol.
func New(opts ...Option) (*Host, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	h := &Host{
		logger: logger.Named("host").Sugar(),
		launch: process.LaunchConfig{
			Name:        DefaultName,
			Interpreter: DefaultInterpreter,
		},
		entry:  DefaultEntry,
		stdin:  os.Stdin,
		stdout: os.Stdout,
	}
	for _, o := range opts {
		o(h)
	}
	if h.supervisor == nil {
		supervisorOpts := []process.Option{process.WithLogger(h.logger)}
		if h.lockFile != "" {
			supervisorOpts = append(supervisorOpts, process.WithLockFile(h.lockFile))
		}
		h.supervisor = process.NewSupervisor(supervisorOpts...)
	}
	h.dispatcher = dispatch.New(h.commandTable())
	return h, nil
}

func (h *Host) Supervisor() *process.Supervisor {
	return h.supervisor
}

func (h *Host) Commands() []string {
	return h.dispatcher.Commands()
}

// Serve reads requests from r and writes one response per request to w, until r is closed.
// A clean close between frames returns nil. Losing frame sync or failing to write returns an error.
func (h *Host) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	reader := frame.NewReader(r, frame.WithMaxFrameSize(h.maxFrameSize))
	writer := frame.NewWriter(w)
	for {
		payload, err := reader.ReadFrame()
		if errors.Is(err, io.EOF) {
			h.logger.Debug("input closed, done serving")
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading request: %w", err)
		}
		if len(payload) == 0 {
			h.logger.Debug("skipping empty frame")
			continue
		}
		// after Run is canceled this goroutine may still be reading, and must not act on what it reads
		if err := ctx.Err(); err != nil {
			return err
		}

		resp := h.handle(ctx, payload)
		b, err := json.Marshal(resp)
		if err != nil {
			h.logger.Errorw("unable to encode response", "Error", err)
			b, err = json.Marshal(dispatch.Error(fmt.Sprintf("Unable to encode response: %s", err)))
			if err != nil {
				return fmt.Errorf("encoding error response: %w", err)
			}
		}
		if err := writer.WriteFrame(b); err != nil {
			return fmt.Errorf("writing response: %w", err)
		}
	}
}

func (h *Host) handle(ctx context.Context, payload []byte) dispatch.Response {
	req, err := dispatch.ParseRequest(payload)
	if err != nil {
		var reqErr *dispatch.RequestError
		if errors.As(err, &reqErr) {
			h.logger.Debugw("rejected request", "Error", reqErr.Msg)
			return dispatch.Error(reqErr.Msg)
		}
		return dispatch.Error(err.Error())
	}
	h.logger.Debugw("handling request", "Command", req.Name(), "Args", req.NumArgs())
	return h.dispatcher.Dispatch(ctx, req)
}

// Run serves the protocol on the configured stdio streams, and the debug API if configured,
// until input closes, serving fails, or ctx is canceled. Any supervised process is killed before Run returns.
func (h *Host) Run(ctx context.Context) error {
	defer h.supervisor.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	group, groupCtx := errgroup.WithContext(ctx)

	if h.debugAddr != "" {
		listener, err := net.Listen("tcp", h.debugAddr)
		if err != nil {
			return fmt.Errorf("listening on debug addr: %w", err)
		}
		h.logger.Infow("serving debug API", "Addr", listener.Addr().String())
		group.Go(func() error { return h.runDebugServer(groupCtx, listener) })
	}

	// reads from stdin cannot be interrupted, so Serve gets its own goroutine and is abandoned on cancellation
	served := make(chan error, 1)
	go func() { served <- h.Serve(groupCtx, h.stdin, h.stdout) }()

	group.Go(func() error {
		defer cancel()
		select {
		case err := <-served:
			return err
		case <-groupCtx.Done():
			return nil
		}
	})

	return group.Wait()
}

func (h *Host) runDebugServer(ctx context.Context, listener net.Listener) error {
	server := &http.Server{Handler: h.DebugHandler()}
	go func() {
		<-ctx.Done()
		server.Close()
	}()
	err := server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
