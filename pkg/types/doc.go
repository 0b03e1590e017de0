/*
Package types defines the shared data model for moonbridge: wire frames,
the error taxonomy, persisted rows (conversations, messages, file refs),
and provider capability snapshots.

The package has no dependencies on other moonbridge packages so that every
component can exchange values through it without import cycles. Wire frames
use a single flat Frame struct; fields are populated according to the Op
value and unknown JSON fields are ignored on decode.

Errors cross component boundaries as *CallError values carrying an ErrorKind
from the taxonomy. The dispatcher converts them to error frames with
ErrorFrame; KindOf classifies arbitrary error chains, mapping context
cancellation and deadline expiry onto Cancelled and TimedOut.
*/
package types
