// Package dispatch validates request frames and routes them to command handlers.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/tidwall/gjson"
)

// ErrorName is the command name used in error responses.
const ErrorName = "ERROR"

// RequestError reports a request frame that is not a valid request.
// Msg is sent back to the peer verbatim.
type RequestError struct {
	Msg string
}

func (e *RequestError) Error() string { return e.Msg }

var (
	ErrInvalidJSON   = &RequestError{Msg: "Invalid JSON in request."}
	ErrNotList       = &RequestError{Msg: "Expected list object as request."}
	ErrEmptyList     = &RequestError{Msg: "Expected non-empty list as request."}
	ErrNameNotString = &RequestError{Msg: "Expected first element of request to be a string."}
)

// Request is a validated request: a non-empty JSON array whose first element is the command name.
type Request struct {
	raw  gjson.Result
	name string
}

// ParseRequest validates a request payload. Checks run in order and the first failure is returned.
func ParseRequest(b []byte) (Request, error) {
	if !gjson.ValidBytes(b) {
		return Request{}, ErrInvalidJSON
	}
	raw := gjson.ParseBytes(b)
	if !raw.IsArray() {
		return Request{}, ErrNotList
	}
	first := raw.Get("0")
	if !first.Exists() {
		return Request{}, ErrEmptyList
	}
	if first.Type != gjson.String {
		return Request{}, ErrNameNotString
	}
	return Request{raw: raw, name: first.String()}, nil
}

// NewRequest builds a request from a command name and arguments, as a peer would send it.
func NewRequest(name string, args ...any) (Request, error) {
	b, err := json.Marshal(append([]any{name}, args...))
	if err != nil {
		return Request{}, fmt.Errorf("marshaling request: %w", err)
	}
	return ParseRequest(b)
}

func (r Request) Name() string { return r.name }

// NumArgs is the number of elements after the command name.
func (r Request) NumArgs() int {
	return len(r.raw.Array()) - 1
}

// Arg returns argument i, counting from zero after the command name.
// A missing argument is a zero gjson.Result, for which Exists reports false.
func (r Request) Arg(i int) gjson.Result {
	return r.raw.Get(strconv.Itoa(i + 1))
}

// Get looks up a gjson path against the whole request array, e.g. "1.message".
func (r Request) Get(path string) gjson.Result {
	return r.raw.Get(path)
}

// Raw returns the request exactly as received.
func (r Request) Raw() string {
	return r.raw.Raw
}

// Response is a JSON array of the command name and its result, or ERROR and a message.
type Response []any

func Result(name string, v any) Response {
	return Response{name, v}
}

func Error(msg string) Response {
	return Response{ErrorName, msg}
}

// IsError reports whether r is an error response.
func (r Response) IsError() bool {
	return len(r) > 0 && r[0] == ErrorName
}

// Handler handles one command. Returning nil means the command has no result,
// and the dispatcher responds with the command name and null.
type Handler func(ctx context.Context, req Request) Response

// Dispatcher maps command names to handlers. It is immutable once built.
type Dispatcher struct {
	handlers map[string]Handler
}

func New(handlers map[string]Handler) *Dispatcher {
	d := &Dispatcher{handlers: make(map[string]Handler, len(handlers))}
	for name, h := range handlers {
		d.handlers[name] = h
	}
	return d
}

func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Response {
	h, ok := d.handlers[req.Name()]
	if !ok {
		return Error(fmt.Sprintf("Unimplemented request, '%s'", req.Name()))
	}
	resp := h(ctx, req)
	if resp == nil {
		return Result(req.Name(), nil)
	}
	return resp
}

// Commands returns the registered command names in sorted order.
func (d *Dispatcher) Commands() []string {
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
