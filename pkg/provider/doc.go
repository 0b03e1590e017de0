/*
Package provider abstracts the upstream AI services behind a capability-typed
Provider interface and maintains the registry that resolves model aliases to
providers.

Both in-scope providers (Kimi/Moonshot and GLM/ZhipuAI) expose
OpenAI-compatible chat-completions endpoints, so a single Client covers both;
they differ only in base URL, model list, and capability flags supplied via
Options. The client honors context cancellation, classifies HTTP failures
into the shared error taxonomy (429 and 5xx are retryable so the router can
fall back; 401/403 are not), and parks rate-limited API keys in the KeyPool
for a cool-down before they rejoin the round-robin rotation.

Model alias resolution across providers is first-match-wins in registration
order, matching the invariant that a model name claimed by two providers
routes deterministically.
*/
package provider
