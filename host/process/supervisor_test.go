package process

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// writeScript creates a shell script in a fresh directory and returns a launch config that runs it with sh.
func writeScript(t *testing.T, body string) LaunchConfig {
	if runtime.GOOS == "windows" {
		t.Skip("test requires a POSIX shell")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "app.sh")
	require.NoError(t, os.WriteFile(script, []byte(body), 0o644))
	return LaunchConfig{
		Name:        "app",
		Dir:         dir,
		Executable:  script,
		Interpreter: []string{"sh"},
	}
}

func newTestSupervisor(t *testing.T, opts ...Option) *Supervisor {
	opts = append([]Option{WithLogger(zaptest.NewLogger(t).Sugar())}, opts...)
	s := NewSupervisor(opts...)
	t.Cleanup(s.Close)
	return s
}

func TestStartPreconditions(t *testing.T) {
	dir := t.TempDir()
	exe := filepath.Join(dir, "app.py")
	require.NoError(t, os.WriteFile(exe, []byte("print('hi')\n"), 0o644))
	missingDir := filepath.Join(dir, "missing")
	missingExe := filepath.Join(dir, "missing.py")

	cases := []struct {
		name   string
		cfg    LaunchConfig
		expMsg string
	}{
		{
			name:   "no directory configured",
			cfg:    LaunchConfig{Name: "zeronet", Executable: exe},
			expMsg: "Must specify zeronet directory.",
		},
		{
			name:   "directory does not exist",
			cfg:    LaunchConfig{Name: "zeronet", Dir: missingDir, Executable: exe},
			expMsg: "Must specify valid zeronet directory ('" + missingDir + "' does not exist)",
		},
		{
			name:   "directory is a file",
			cfg:    LaunchConfig{Name: "zeronet", Dir: exe, Executable: exe},
			expMsg: "Must specify valid zeronet directory ('" + exe + "' does not exist)",
		},
		{
			name:   "no executable configured",
			cfg:    LaunchConfig{Name: "zeronet", Dir: dir},
			expMsg: "Must specify location of zeronet executable.",
		},
		{
			name:   "executable does not exist",
			cfg:    LaunchConfig{Name: "zeronet", Dir: dir, Executable: missingExe},
			expMsg: "Must specify valid location of missing.py ('" + missingExe + "' does not exist)",
		},
		{
			name:   "executable is a directory",
			cfg:    LaunchConfig{Name: "zeronet", Dir: dir, Executable: dir},
			expMsg: "Must specify valid location of " + filepath.Base(dir) + " ('" + dir + "' does not exist)",
		},
		{
			name:   "directory checked before executable",
			cfg:    LaunchConfig{Name: "zeronet", Dir: missingDir, Executable: missingExe},
			expMsg: "Must specify valid zeronet directory ('" + missingDir + "' does not exist)",
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			s := newTestSupervisor(t)
			status, err := s.Start(c.cfg)
			assert.Equal(t, StartStatus(""), status)

			var precondErr *PreconditionError
			require.True(t, errors.As(err, &precondErr), "expected precondition error, got %v", err)
			assert.Equal(t, c.expMsg, precondErr.Msg)
			assert.Equal(t, StateIdle, s.State())
		})
	}
}

func TestStartTwiceIsRedundant(t *testing.T) {
	cfg := writeScript(t, "echo started\nexec sleep 60\n")
	s := newTestSupervisor(t)

	status, err := s.Start(cfg)
	require.NoError(t, err)
	assert.Equal(t, StartSuccess, status)
	first := s.Status()

	status, err = s.Start(cfg)
	require.NoError(t, err)
	assert.Equal(t, StartRedundant, status)

	second := s.Status()
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, first.PID, second.PID)
	assert.Equal(t, StateRunning, second.State)
	assert.False(t, second.Exited)
}

func TestStop(t *testing.T) {
	cfg := writeScript(t, "exec sleep 60\n")
	s := newTestSupervisor(t)

	assert.Equal(t, StopNotRunning, s.Stop())

	_, err := s.Start(cfg)
	require.NoError(t, err)
	pid := s.Status().PID

	assert.Equal(t, StopSuccess, s.Stop())
	assert.Equal(t, StateIdle, s.State())
	assert.Equal(t, Status{State: StateIdle}, s.Status())
	assert.Equal(t, StopNotRunning, s.Stop())

	// the child is gone: signalling its pid fails once it has been reaped
	proc, err := os.FindProcess(pid)
	require.NoError(t, err)
	assert.Error(t, proc.Signal(syscall.Signal(0)))
}

// A grandchild holding the pipes open must not keep Stop from returning, and is killed along with the child.
func TestStopWithGrandchildHoldingPipes(t *testing.T) {
	cfg := writeScript(t, "(sleep 1; touch marker) &\necho started\nsleep 60\n")
	s := newTestSupervisor(t)

	_, err := s.Start(cfg)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		out, err := s.Peek(Stdout)
		return err == nil && out == "started\n"
	}, waitFor, tick)

	assert.Equal(t, StopSuccess, s.Stop())

	marker := filepath.Join(cfg.Dir, "marker")
	assert.Never(t, func() bool {
		_, err := os.Stat(marker)
		return err == nil
	}, 2*time.Second, 100*time.Millisecond, "grandchild outlived Stop")
}

func TestStartAfterClose(t *testing.T) {
	cfg := writeScript(t, "exec sleep 60\n")
	s := newTestSupervisor(t)

	_, err := s.Start(cfg)
	require.NoError(t, err)
	s.Close()
	assert.Equal(t, StateIdle, s.State())

	_, err = s.Start(cfg)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, StateIdle, s.State())
	assert.Equal(t, StopNotRunning, s.Stop())
}

func TestReadOutput(t *testing.T) {
	cfg := writeScript(t, "echo hello\necho oops 1>&2\nexec sleep 60\n")
	s := newTestSupervisor(t)

	_, err := s.ReadStdout()
	assert.ErrorIs(t, err, ErrNotRunning)
	_, err = s.Peek(Stderr)
	assert.ErrorIs(t, err, ErrNotRunning)

	_, err = s.Start(cfg)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		out, _ := s.Peek(Stdout)
		errOut, _ := s.Peek(Stderr)
		return out == "hello\n" && errOut == "oops\n"
	}, waitFor, tick)

	out, err := s.ReadStdout()
	require.NoError(t, err)
	assert.Equal(t, "hello\n", out)

	out, err = s.ReadStdout()
	require.NoError(t, err)
	assert.Equal(t, "", out)

	errOut, err := s.ReadStderr()
	require.NoError(t, err)
	assert.Equal(t, "oops\n", errOut)

	_, err = s.Read(Stream("stdin"))
	assert.Error(t, err)

	s.Stop()
	_, err = s.ReadStderr()
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestExitedSessionKeepsOutputAndIsReplaced(t *testing.T) {
	cfg := writeScript(t, "echo done\nexit 3\n")
	s := newTestSupervisor(t)

	_, err := s.Start(cfg)
	require.NoError(t, err)
	first := s.Status()

	require.Eventually(t, func() bool { return s.Status().Exited }, waitFor, tick)
	st := s.Status()
	require.NotNil(t, st.ExitCode)
	assert.Equal(t, 3, *st.ExitCode)
	assert.Equal(t, StateRunning, st.State)

	out, err := s.ReadStdout()
	require.NoError(t, err)
	assert.Equal(t, "done\n", out)

	status, err := s.Start(cfg)
	require.NoError(t, err)
	assert.Equal(t, StartSuccess, status)
	assert.NotEqual(t, first.SessionID, s.Status().SessionID)
}

func TestEnvAndArgs(t *testing.T) {
	cfg := writeScript(t, "echo \"$GREETING $1\"\nexec sleep 60\n")
	cfg.Env = []string{"GREETING=hello"}
	cfg.Args = []string{"world"}
	s := newTestSupervisor(t)

	_, err := s.Start(cfg)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		out, _ := s.Peek(Stdout)
		return out == "hello world\n"
	}, waitFor, tick)
}

func TestLockFileExcludesOtherSupervisors(t *testing.T) {
	cfg := writeScript(t, "exec sleep 60\n")
	lockPath := filepath.Join(t.TempDir(), "app.lock")

	a := newTestSupervisor(t, WithLockFile(lockPath))
	b := newTestSupervisor(t, WithLockFile(lockPath))

	status, err := a.Start(cfg)
	require.NoError(t, err)
	assert.Equal(t, StartSuccess, status)

	_, err = b.Start(cfg)
	var precondErr *PreconditionError
	require.True(t, errors.As(err, &precondErr), "expected precondition error, got %v", err)
	assert.Equal(t, "app is controlled by another host ('"+lockPath+"' is locked)", precondErr.Msg)
	assert.Equal(t, StateIdle, b.State())

	require.Equal(t, StopSuccess, a.Stop())

	status, err = b.Start(cfg)
	require.NoError(t, err)
	assert.Equal(t, StartSuccess, status)
}

func TestSpawnFailure(t *testing.T) {
	cfg := writeScript(t, "exit 0\n")
	cfg.Interpreter = []string{filepath.Join(t.TempDir(), "no-such-interpreter")}
	s := newTestSupervisor(t)

	_, err := s.Start(cfg)
	require.Error(t, err)
	var precondErr *PreconditionError
	assert.False(t, errors.As(err, &precondErr))
	assert.Equal(t, StateIdle, s.State())
}
