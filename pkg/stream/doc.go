/*
Package stream provides the change stream consumer projecting change
messages into entity collections.

The consumer tails the integration/changes log, fetches the full
entity for each change from the federation SOAP api, and writes it to
the matching sink collection. It is the single writer for persons,
functions, organizations, licenses, competences and payments.

# Pipeline

	integration/changes ──► tail ──► realm filter ──► process
	                                                     │
	                                   ┌─────────────────┤
	                                   │                 │
	                                   ▼                 ▼
	                            status: pending    fetch entity
	                                   │                 │
	                                   │        ┌────────┴────────┐
	                                   │        │                 │
	                                   │     not in sink       in sink
	                                   │        │                 │
	                                   │        ▼                 ▼
	                                   │    geocode + POST   PUT replace
	                                   │        │          (clubs: PATCH
	                                   │        │           without the
	                                   │        │           activity fields)
	                                   │        └────────┬────────┘
	                                   ▼                 ▼
	                            status: error     status: finished
	                           (fetch or write          │
	                            failure, issues         ▼
	                            recorded)         resume token written

Each change walks the ready -> pending -> finished status path in the
log, or ready -> pending -> error on failure. Errored items stay in
the log and are swept by Recover.

# Resume Token

The consumer remembers its position as the log id of the last change
it fully processed, persisted to a local file with an atomic rename.
The token is written only after the entity write succeeded, so a crash
replays at most the change in flight. A token pointing at a purged log
entry is stale; the consumer resets it once and falls back to the live
tail. Repeated restart storms beyond MaxRestarts reset the token the
same way, and only a second storm after that stops the consumer.

# Merged Persons

A person change may carry merge results. The consumer back references
every merged source person to the surviving person, patching the
existing document or creating a stub carrying only the id and the
back reference when the source person was never materialised.

# Recovery

Recover sweeps the log for items left in ready state (or pending and
error states when asked) and processes them in log order. Token writes
are suspended for the duration so a recovery pass cannot move the live
tail position backwards or forwards.

# See Also

  - pkg/changelog for the tail and status primitives
  - pkg/geocode for the location enrichment on insert
  - pkg/syncworker for the producing side
*/
package stream
