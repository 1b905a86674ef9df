/*
Package events provides an in-memory event broker for package-lifecycle
notifications.

The events package implements a lightweight, topic-agnostic pub/sub bus:
every Event is broadcast to every current subscriber over a buffered
channel, non-blocking on the publish side. It is used by the transaction
engine to report changeset progress (opened, applied, rolled back), by
the repository sync loop to report per-repository outcomes, and by the
hook executor to report individual hook results.

	┌──────────────── EVENT BROKER ────────────────┐
	│  Publisher → Event Channel (buffer: 100)      │
	│       │                                       │
	│  Broadcast Loop                               │
	│       │                                       │
	│  Subscriber Channels (buffer: 50 each)         │
	└────────────────────────────────────────────────┘

A subscriber whose buffer is full silently drops the event rather than
blocking the broadcaster; events are a best-effort progress stream, not
a durable log. The transaction journal (pkg/txn) is the durable record
of what happened.
*/
package events
