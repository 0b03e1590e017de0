/*
Package dispatch turns validated wire frames into tool executions.

A call_tool frame is validated structurally and against the tool's argument
schema before anything else happens; failures produce an error frame without
an ack and without touching any permit. An accepted call is acked
immediately, then runs in its own worker under a deadline computed from the
client's requested timeout, the tool default for the given arguments, and
the daemon ceiling.

The worker acquires the session permit, joins the single-flight group, and,
if it leads, takes the global and provider permits before executing. On
deadline expiry or cancel the tool's context is cancelled and the tool gets
a short grace to return; a tool that does not observe cancellation is
detached and the terminal frame goes out without it. Every accepted call
emits exactly one terminal frame, panics included.
*/
package dispatch
