/*
Package storage provides the typed repository gateway for moonbridge's
persistent state: conversations, messages, file references, and session
activity, plus a KV cache for short-lived coordination state.

# Backends

Three Store implementations share one contract (exercised by a common test
suite): MemoryStore (mutex-guarded maps, the degraded fallback), BoltStore
(local BoltDB file, the default durable backend), and PostgresStore
(pgx connection pool against Postgres/Supabase). Two Cache implementations:
MemoryCache and RedisCache.

Open selects backends from configuration and degrades gracefully: an
unreachable Postgres falls back to BoltDB, an unreachable Redis falls back
to the memory cache. The daemon starts either way; readers always prefer
in-memory state and writers write through best-effort.

# Error policy

Every method returns an error and never panics. ErrNotFound is the only
sentinel; callers treat all other failures as RepositoryUnavailable and
degrade rather than surface them to clients.

# Dead letter

The DeadLetter interface buffers conversation turns whose durable append
failed so the main call flow never blocks on durability. MemoryDeadLetter is
a bounded drop-oldest buffer; BoltStore persists entries across restarts in
a dedicated bucket. The conversation service drains it in the background.
*/
package storage
