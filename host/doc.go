/*
Package host implements a native messaging host: a process launched by a browser extension that exchanges
length-prefixed JSON frames with it over stdin and stdout.

Each request is a JSON array whose first element names a command. The host answers every non-empty request with
exactly one response, either [command, result] or ["ERROR", message], in the order requests arrived. Malformed
requests and unknown commands produce error responses and the host keeps serving; only a truncated or oversized
frame, or a failure to write a response, ends the session.

The commands start, stop and read the output of a single supervised process (see package process). Run also
serves an optional read-only debug API over HTTP, which DebugClient consumes, and Peer speaks the protocol from
the browser's side for tests and the CLI.
*/
package host
