/*
Package changelog provides the durable change log shared by the sync
workers and the stream consumer.

The log lives in the sink's integration/changes collection. Workers
append change messages to it; the consumer tails it and flips item
statuses as it processes them. The log is the only coordination point
between the two daemons.

# Deduplication

Every item carries a content addressed ordinal: a sha224 over the
entity kind, entity id, sequence ordinal and tenant id. The collection
enforces uniqueness on it, so re-ingesting an overlapping time window
is idempotent. Append surfaces the duplicate as eve.ErrConflict and
callers treat it as already seen.

# Status Transitions

Items move through a small state machine:

	ready ──► pending ──► finished
	             │
	             ▼
	           error ──► pending (retry via Recover)

UpdateStatus performs an optimistic concurrency dance: PATCH with the
item's etag, and on a precondition failure re-read the item. When the
fresh copy already carries the target status another consumer won the
race and the update counts as done. Otherwise the patch is retried a
bounded number of times before giving up with ErrStatusConflict.

# Tailing

Watch returns a Watcher polling the log beyond a resume token, which
is simply the log id of the last processed item. An empty token starts
at the live tail; a token that no longer resolves to a log entry
yields ErrStaleToken so the caller can reset its position.

# See Also

  - pkg/syncworker for the append side
  - pkg/stream for the consuming side
  - pkg/eve for the underlying REST client
*/
package changelog
