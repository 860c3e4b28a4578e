/*
Package syncworker provides the per tenant change ingestion worker.

A worker owns exactly one (tenant, sync type) pair. It pulls change
messages from the federation SOAP api in bounded time windows and
appends them to the integration/changes log in the sink, where the
stream consumer picks them up. Workers are built and supervised by the
coordinator; each one runs a single goroutine for its whole life.

# Lifecycle

	┌─────────────────────── WORKER LIFECYCLE ───────────────────────┐
	│                                                                  │
	│   New() ──► Start(ctx) ──► check                                │
	│                              │                                   │
	│              ┌───────────────┴───────────────┐                  │
	│              │                               │                  │
	│         no history                     recent history           │
	│              │                               │                  │
	│              ▼                               ▼                  │
	│          populate ─────────────────────► sync loop              │
	│       (fixed windows                 (interval schedule,        │
	│        from creation                  one window per tick,      │
	│        date to now)                   overlap with the last     │
	│                                       ingested ordinal)         │
	│              │                               │                  │
	│              ▼                               ▼                  │
	│        ctx cancelled, or error streak ──► terminated            │
	│                                                                  │
	└──────────────────────────────────────────────────────────────────┘

On startup the worker reads the newest change it ever wrote for its
tenant. With no history it populates from the tenant's creation date;
with history older than one populate window it populates from the last
ordinal; otherwise it goes straight to the sync schedule. Populate
walks fixed size windows up to the present, the final window clamped
to now. The first scheduled sync re-covers the final populate window;
the content addressed ordinal makes the overlap harmless.

# Error Handling

Transport errors back off linearly (3 s times the consecutive error
count) and retry the same window in place. The window is not advanced
past a failure, so no changes are lost to a flaky source. After
MaxErrors consecutive failures the worker terminates itself and
reports through the OnSelfTerminate callback so the coordinator can
record the tenant as failed.

Duplicate appends are not errors. The sink rejects a change whose
ordinal already exists; the worker treats that as already seen and
moves on without counting a message or an error.

# Concurrency

An optional semaphore shared across the fleet throttles concurrent
source calls. All snapshot state (mode, window, counters) is guarded
by the worker's mutex and exposed read only through Snapshot().

# Usage

	w, err := syncworker.New(syncworker.Config{
		TenantID: 376,
		SyncType: types.SyncChanges,
		Created:  clubCreated,
		Source:   nifClient,
		Store:    changeStore,
	})
	if err != nil {
		return err
	}
	w.Start(ctx)
	...
	cancel()
	<-w.Done()

# See Also

  - pkg/coordinator for fleet supervision
  - pkg/changelog for the append side of the change log
  - pkg/nif for the source client
*/
package syncworker
