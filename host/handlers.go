package host

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"unicode"
	"unicode/utf8"

	"github.com/guseggert/nativehost/host/dispatch"
	"github.com/guseggert/nativehost/host/process"
	"github.com/tidwall/gjson"
)

const (
	CmdPing     = "ping"
	CmdWhereIs  = "whereiszeronet"
	CmdStart    = "start"
	CmdStop     = "stop"
	CmdStdout   = "stdout"
	CmdStderr   = "stderr"
	CmdStatus   = "status"
	MagicPhrase = "Magic mirror in my hand, who is the fairest in the land?"
)

const (
	pingReplyMatch   = "My Queen, you are the fairest in the land."
	pingReplyNoMatch = "My Queen, you are the fairest here so true. But Snow White is a thousand times more beautiful than you."
)

func (h *Host) commandTable() map[string]dispatch.Handler {
	return map[string]dispatch.Handler{
		CmdPing:    h.ping,
		CmdWhereIs: h.whereIs,
		CmdStart:   h.start,
		CmdStop:    h.stop,
		CmdStdout:  h.output(process.Stdout),
		CmdStderr:  h.output(process.Stderr),
		CmdStatus:  h.status,
	}
}

// ping answers ["ping", {"message": <phrase>}], so the extension can check the host is installed.
func (h *Host) ping(ctx context.Context, req dispatch.Request) dispatch.Response {
	if req.Get("1.message").String() == MagicPhrase {
		return dispatch.Result(CmdPing, pingReplyMatch)
	}
	return dispatch.Result(CmdPing, pingReplyNoMatch)
}

// whereIs sets the working directory, and the entry script inside it, used by the next start.
func (h *Host) whereIs(ctx context.Context, req dispatch.Request) dispatch.Response {
	dir := req.Arg(0)
	if dir.Type != gjson.String {
		return dispatch.Error("Expected string.")
	}
	h.launch.Dir = dir.String()
	h.launch.Executable = filepath.Join(h.launch.Dir, h.entry)
	h.logger.Infow("configured working directory", "Dir", h.launch.Dir, "Executable", h.launch.Executable)
	return nil
}

func (h *Host) start(ctx context.Context, req dispatch.Request) dispatch.Response {
	status, err := h.supervisor.Start(h.launch)
	if err != nil {
		var precondErr *process.PreconditionError
		if errors.As(err, &precondErr) {
			return dispatch.Result(CmdStart, precondErr.Msg)
		}
		h.logger.Errorw("unable to start process", "Error", err)
		return dispatch.Error(fmt.Sprintf("Unable to start %s: %s", h.appName(), err))
	}
	return dispatch.Result(CmdStart, string(status))
}

func (h *Host) stop(ctx context.Context, req dispatch.Request) dispatch.Response {
	return dispatch.Result(CmdStop, string(h.supervisor.Stop()))
}

// output reads a captured stream. ["stdout"] drains what it returns; ["stdout", {"peek": true}] does not.
func (h *Host) output(stream process.Stream) dispatch.Handler {
	return func(ctx context.Context, req dispatch.Request) dispatch.Response {
		read := h.supervisor.Read
		if req.Get("1.peek").Bool() {
			read = h.supervisor.Peek
		}
		out, err := read(stream)
		if errors.Is(err, process.ErrNotRunning) {
			return dispatch.Error(fmt.Sprintf("%s not running.", capitalize(h.appName())))
		}
		if err != nil {
			return dispatch.Error(err.Error())
		}
		return dispatch.Result(string(stream), out)
	}
}

func (h *Host) status(ctx context.Context, req dispatch.Request) dispatch.Response {
	return dispatch.Result(CmdStatus, h.supervisor.Status())
}

func (h *Host) appName() string {
	if h.launch.Name == "" {
		return "process"
	}
	return h.launch.Name
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(r)) + s[size:]
}
