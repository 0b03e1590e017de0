/*
Package conversation manages continuations: the persisted threads that link
successive tool calls into one multi-turn exchange.

Loading a continuation returns its history trimmed to a token budget. Whole
turns are dropped from the oldest end; a turn is never split. A continuation
idle past the TTL expires lazily on next load: its history is discarded but
the id remains valid and starts a fresh thread.

Appending a completed call's turns is resilient to storage trouble. Each
message append retries a few times and then lands in the dead-letter buffer;
a background drain loop writes buffered turns through once the store
recovers. The call result returned to the client never waits on durability.

The package also owns uploaded-file identity: files deduplicate by SHA-256
of their content, and each file's per-provider external ids are recorded so
content is pushed to a given provider at most once.
*/
package conversation
