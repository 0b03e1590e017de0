/*
Package flow implements the daemon's call-admission machinery: the global and
per-provider permit layers and single-flight deduplication of identical
concurrent calls.

Permits nest strictly. A call holds its session permit (pkg/session) before
entering the single-flight group; only the group leader then acquires a
global permit followed by the target provider's permit. Waiters sharing a
leader's result hold no permits at all, so duplicate fan-in cannot consume
upstream capacity.

A call's fingerprint is the SHA-256 of the tool name, its canonicalized
arguments (object keys sorted, volatile fields such as request_id removed),
the continuation id, and the session scope. Two calls with the same
fingerprint inflight at once execute upstream exactly once; once the leader
finishes, the entry is forgotten and a later identical call runs fresh.
*/
package flow
