/*
Package notify is the fleet's notification transport.

Every interaction between nodes, and between a node and its sage, is an
addressed Envelope delivered to the target's admin endpoint and dispatched
there by type to exactly one registered Handler.

# Sending

  - Notify delivers fire-and-forget and returns a Receipt. Failures (no
    identity, no key for the target, transport errors, handler errors) are
    logged and reported in the receipt; they are never returned as errors
    and never panic.
  - NotifyAccount delivers to the running node that currently represents an
    account.
  - NotifySync embeds a fresh correlation id, delivers, and waits up to
    Config.SyncTimeout for a sync_reply carrying that id. Identical
    concurrent requests of a cacheable type share one round trip.

A node may only be notified while an unexpired NodeKey for it is known.
Self-addressed envelopes are dispatched inline without touching the Dialer.

# Receiving

Receive drops envelopes whose sender is not in the object store, learns the
sender's advertised key, and dispatches:

  - sync_reply envelopes resolve the matching pending NotifySync call; a
    reply that matches nothing is logged and dropped
  - synchronous requests are acknowledged immediately; the handler runs in
    the background and its result (or failure) is sent back as a Reply
  - everything else runs inline and the handler's error becomes the receipt

Handler panics are recovered. A handler returning an abort error rejects the
notification but never stops the receiving process.
*/
package notify
