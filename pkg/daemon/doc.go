/*
Package daemon is the WebSocket front of the service: one listener serving
/ws for clients, /healthz for probes, and /metrics for Prometheus.

Each connection runs a read loop and a serialized write loop. The first
frame must be a hello carrying a valid auth token; success binds a session
(fresh or resumed by id) and answers hello_ack with the daemon's tool and
model catalog, failure answers hello_nak and closes with a policy-violation
code. Frames above the configured size limit close the connection with 1009.

Outbound traffic has two lanes: ack/terminal frames flow through the send
channel in order, while progress updates drain from a bounded queue that
drops its oldest entries under backpressure. Terminal frames are never
dropped.

Shutdown stops accepting, waits up to the grace period for inflight calls to
drain, then cancels whatever remains and closes every connection.
*/
package daemon
