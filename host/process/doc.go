/*
Package process supervises a single long-running child process and captures its output.

A Supervisor owns at most one Session. Starting a session spawns the child with its stdout and stderr connected to
pipes, and wraps each pipe in a Capture, which drains the pipe on its own goroutine into a buffer. Callers retrieve
output with Read, which returns everything captured since the previous Read and clears it, so output is never
delivered twice. Peek returns the same data without clearing it.

Stopping a session kills the child immediately, without a grace period, and closes both pipes so the capture
goroutines exit even if the child left a grandchild holding the write end open. A reaper goroutine waits for both
captures to finish before calling Wait on the child, which ties the lifetime of the readers to the process.

If the child exits on its own, its session stays in place until it is stopped or replaced by the next Start, so any
output it printed before exiting can still be read.
*/
package process
