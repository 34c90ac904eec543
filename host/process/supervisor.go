package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State is the supervisor's lifecycle state. It is derived from whether a session exists.
type State int

const (
	StateIdle State = iota
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "idle":
		*s = StateIdle
	case "running":
		*s = StateRunning
	default:
		return fmt.Errorf("unknown state %q", b)
	}
	return nil
}

type StartStatus string

const (
	StartSuccess   StartStatus = "success"
	StartRedundant StartStatus = "redundant"
)

type StopStatus string

const (
	StopSuccess    StopStatus = "success"
	StopNotRunning StopStatus = "notrunning"
)

// Stream names one of the child's captured output streams.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// ErrNotRunning is returned by output operations when there is no session.
var ErrNotRunning = errors.New("not running")

// ErrClosed is returned by Start once the supervisor has been closed.
var ErrClosed = errors.New("supervisor closed")

// PreconditionError reports a launch configuration problem found before anything was spawned.
// The message is meant to be shown to the user as-is.
type PreconditionError struct {
	Msg string
}

func (e *PreconditionError) Error() string { return e.Msg }

// LaunchConfig describes how to spawn the supervised process.
// The command line is Interpreter followed by Executable and Args.
type LaunchConfig struct {
	// Name is the human-readable name of the supervised application, used in messages.
	Name        string
	Dir         string
	Executable  string
	Interpreter []string
	Args        []string
	// Env is appended to the host's environment.
	Env []string
}

func (c LaunchConfig) displayName() string {
	if c.Name == "" {
		return "process"
	}
	return c.Name
}

func (c LaunchConfig) argv() []string {
	argv := make([]string, 0, len(c.Interpreter)+1+len(c.Args))
	argv = append(argv, c.Interpreter...)
	argv = append(argv, c.Executable)
	return append(argv, c.Args...)
}

// validate runs the launch checks in order and stops at the first failure.
func (c LaunchConfig) validate() error {
	name := c.displayName()
	if c.Dir == "" {
		return &PreconditionError{Msg: fmt.Sprintf("Must specify %s directory.", name)}
	}
	if fi, err := os.Stat(c.Dir); err != nil || !fi.IsDir() {
		return &PreconditionError{Msg: fmt.Sprintf("Must specify valid %s directory ('%s' does not exist)", name, c.Dir)}
	}
	if c.Executable == "" {
		return &PreconditionError{Msg: fmt.Sprintf("Must specify location of %s executable.", name)}
	}
	if fi, err := os.Stat(c.Executable); err != nil || !fi.Mode().IsRegular() {
		return &PreconditionError{Msg: fmt.Sprintf("Must specify valid location of %s ('%s' does not exist)", filepath.Base(c.Executable), c.Executable)}
	}
	return nil
}

// Session is one running instance of the supervised process together with its captured output.
type Session struct {
	ID      string
	Config  LaunchConfig
	Started time.Time

	cmd    *exec.Cmd
	stdout *Capture
	stderr *Capture

	// exitCode and exitErr are written before exited is closed.
	exited   chan struct{}
	exitCode int
	exitErr  error
}

func (s *Session) PID() int {
	return s.cmd.Process.Pid
}

// Exited reports whether the child has exited and been reaped.
func (s *Session) Exited() bool {
	select {
	case <-s.exited:
		return true
	default:
		return false
	}
}

// ExitCode returns the child's exit code, or -1 if it has not exited or was killed by a signal.
func (s *Session) ExitCode() int {
	if !s.Exited() {
		return -1
	}
	return s.exitCode
}

func (s *Session) capture(stream Stream) *Capture {
	if stream == Stderr {
		return s.stderr
	}
	return s.stdout
}

// reap waits for both captures to reach end of stream before calling Wait,
// since Wait closes the pipes and would otherwise race the readers.
func (s *Session) reap(log *zap.SugaredLogger) {
	<-s.stdout.Done()
	<-s.stderr.Done()
	err := s.cmd.Wait()
	s.exitCode = -1
	if s.cmd.ProcessState != nil {
		s.exitCode = s.cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		s.exitErr = err
	}
	log.Infow("process exited", "SessionID", s.ID, "PID", s.cmd.Process.Pid, "ExitCode", s.exitCode, "Error", err)
	close(s.exited)
}

// Status is a point-in-time view of the supervisor.
type Status struct {
	State     State  `json:"state"`
	Name      string `json:"name,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	PID       int    `json:"pid,omitempty"`
	StartedAt string `json:"started_at,omitempty"`
	Exited    bool   `json:"exited"`
	ExitCode  *int   `json:"exit_code,omitempty"`
	// Error is set when the child could not be waited on, as opposed to exiting with a non-zero code.
	Error string `json:"error,omitempty"`
}

// Supervisor owns at most one Session.
// All methods are safe for concurrent use; Start and Stop are serialized.
type Supervisor struct {
	log *zap.SugaredLogger

	mu      sync.Mutex
	session *Session
	closed  bool

	lockPath    string
	lock        *flock.Flock
	reapTimeout time.Duration
}

type Option func(s *Supervisor)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Supervisor) {
		s.log = l.Named("supervisor")
	}
}

// WithLockFile makes Start take an exclusive file lock, so that only one host on the machine supervises the process.
func WithLockFile(path string) Option {
	return func(s *Supervisor) {
		s.lockPath = path
	}
}

// WithReapTimeout bounds how long Stop waits for a killed child to be reaped.
func WithReapTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		s.reapTimeout = d
	}
}

func NewSupervisor(opts ...Option) *Supervisor {
	s := &Supervisor{
		log:         zap.NewNop().Sugar(),
		reapTimeout: 5 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	if s.lockPath != "" {
		s.lock = flock.New(s.lockPath)
	}
	return s
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return StateIdle
	}
	return StateRunning
}

// Start validates cfg and spawns the process, unless a session is already running.
// A session whose child has already exited is replaced.
func (s *Supervisor) Start(cfg LaunchConfig) (StartStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrClosed
	}
	if err := cfg.validate(); err != nil {
		return "", err
	}

	if s.session != nil {
		if !s.session.Exited() {
			return StartRedundant, nil
		}
		s.log.Infow("previous session exited, replacing it", "SessionID", s.session.ID, "ExitCode", s.session.exitCode)
		s.teardown(s.session)
		s.session = nil
	}

	if err := s.acquireLock(cfg); err != nil {
		return "", err
	}

	sess, err := s.spawn(cfg)
	if err != nil {
		s.releaseLock()
		return "", err
	}
	s.session = sess
	return StartSuccess, nil
}

func (s *Supervisor) spawn(cfg LaunchConfig) (*Session, error) {
	argv := cfg.argv()
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = cfg.Dir
	setProcessGroup(cmd)
	if len(cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), cfg.Env...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdout.Close()
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", cfg.displayName(), err)
	}

	sess := &Session{
		ID:      uuid.New().String(),
		Config:  cfg,
		Started: time.Now(),
		cmd:     cmd,
		exited:  make(chan struct{}),
	}
	log := s.log.With("SessionID", sess.ID)
	sess.stdout = NewCapture(log, string(Stdout), stdout)
	sess.stderr = NewCapture(log, string(Stderr), stderr)
	go sess.reap(s.log)

	s.log.Infow("process started", "SessionID", sess.ID, "PID", cmd.Process.Pid, "Argv", argv, "Dir", cfg.Dir)
	return sess, nil
}

// Stop kills the running process and discards its session, including any output not yet read.
func (s *Supervisor) Stop() StopStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		return StopNotRunning
	}
	s.teardown(s.session)
	s.session = nil
	return StopSuccess
}

// Close stops any running session and makes later calls to Start fail with ErrClosed.
// It is called when the host shuts down.
func (s *Supervisor) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	if s.session == nil {
		return
	}
	s.teardown(s.session)
	s.session = nil
	s.log.Info("killed supervised process on shutdown")
}

// teardown kills the child and anything it spawned without a grace period,
// closes both captures and waits for the reaper.
func (s *Supervisor) teardown(sess *Session) {
	if !sess.Exited() {
		s.log.Debugw("killing process group", "SessionID", sess.ID, "PID", sess.PID())
		if err := killProcessGroup(sess.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
			s.log.Debugf("error killing process %d: %s", sess.PID(), err)
		}
	}
	sess.stdout.Stop()
	sess.stderr.Stop()

	select {
	case <-sess.exited:
	case <-time.After(s.reapTimeout):
		s.log.Warnw("timed out waiting for process to be reaped", "SessionID", sess.ID, "PID", sess.PID())
	}
	s.releaseLock()
}

func (s *Supervisor) acquireLock(cfg LaunchConfig) error {
	if s.lock == nil {
		return nil
	}
	locked, err := s.lock.TryLock()
	if err != nil {
		return &PreconditionError{Msg: fmt.Sprintf("Unable to lock '%s': %s", s.lockPath, err)}
	}
	if !locked {
		return &PreconditionError{Msg: fmt.Sprintf("%s is controlled by another host ('%s' is locked)", cfg.displayName(), s.lockPath)}
	}
	return nil
}

func (s *Supervisor) releaseLock() {
	if s.lock == nil || !s.lock.Locked() {
		return
	}
	if err := s.lock.Unlock(); err != nil {
		s.log.Debugf("error releasing lock %s: %s", s.lockPath, err)
	}
}

func (s *Supervisor) capture(stream Stream) (*Capture, error) {
	if stream != Stdout && stream != Stderr {
		return nil, fmt.Errorf("unknown stream %q", stream)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil, ErrNotRunning
	}
	return s.session.capture(stream), nil
}

// Read returns and clears the output captured on stream since the previous Read.
func (s *Supervisor) Read(stream Stream) (string, error) {
	c, err := s.capture(stream)
	if err != nil {
		return "", err
	}
	return c.Flush(), nil
}

// Peek returns the output captured on stream without clearing it.
func (s *Supervisor) Peek(stream Stream) (string, error) {
	c, err := s.capture(stream)
	if err != nil {
		return "", err
	}
	return c.Peek(), nil
}

func (s *Supervisor) ReadStdout() (string, error) { return s.Read(Stdout) }

func (s *Supervisor) ReadStderr() (string, error) { return s.Read(Stderr) }

// Subscribe writes the unread output of stream to w and then forwards new output as it is captured,
// until the returned func is called. The returned channel is closed when the stream ends.
func (s *Supervisor) Subscribe(stream Stream, w io.Writer) (func(), <-chan struct{}, error) {
	c, err := s.capture(stream)
	if err != nil {
		return nil, nil, err
	}
	return c.Subscribe(w), c.Done(), nil
}

func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		return Status{State: StateIdle}
	}
	sess := s.session
	st := Status{
		State:     StateRunning,
		Name:      sess.Config.displayName(),
		SessionID: sess.ID,
		PID:       sess.PID(),
		StartedAt: sess.Started.UTC().Format(time.RFC3339),
		Exited:    sess.Exited(),
	}
	if st.Exited {
		code := sess.exitCode
		st.ExitCode = &code
		if sess.exitErr != nil {
			st.Error = sess.exitErr.Error()
		}
	}
	return st
}
