/*
Package session tracks authenticated client sessions and their per-session
concurrency permits.

Each session owns a weighted semaphore sized by SESSION_INFLIGHT_MAX. A call
acquires its session permit before competing for the coarser global and
provider permits, so one chatty client cannot starve the daemon. Blocking
past the caller's deadline while queued surfaces as Overloaded, which is
retryable.

The manager reaps sessions that have been idle past SESSION_IDLE_TTL_S,
skipping any session with inflight work. Session activity is mirrored to the
repository on a best-effort basis so sessions can be resumed across daemon
restarts; persistence failures are logged and never fail the call path.
*/
package session
