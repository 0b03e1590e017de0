/*
Package router selects the provider and model for a tool call.

A concrete model request resolves through the provider registry and is used
as-is. An "auto" request walks the configured preference lists in order,
filters out providers whose capabilities do not cover the call's needs, and
tie-breaks by cost tier. The resulting candidate order is deterministic for
identical inputs and configuration.

Generate attempts candidates in order. A retryable upstream failure (rate
limit or transient 5xx) demotes that provider for the current call only and
moves on to the next candidate, recording the fallback in metrics and on the
caller's progress sink. Non-retryable failures and context cancellation stop
the walk immediately.
*/
package router
