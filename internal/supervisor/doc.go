// Package supervisor launches worker processes and turns their stdout
// update streams into run results.
//
// A supervisor runs one session at a time. Launch spawns the worker with
// its work order on the command line, closes the child's stdin, and then
// drains both pipes on a fixed polling cadence without ever blocking on
// the child. The session ends when the worker reports a terminal status
// envelope, exits on its own, exceeds the wall-clock ceiling, or the
// caller cancels the context. Launch always comes back with a Result that
// says which of those happened.
//
// Termination is escalated: SIGTERM first, then SIGKILL after the grace
// period. The worker process is reaped on every path out of Launch, so no
// session leaves a zombie behind.
package supervisor
