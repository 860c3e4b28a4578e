/*
Package coordinator provides supervision for the sync worker fleet.

The coordinator turns configuration and sink state into a running
fleet: one changes worker per active club plus the federation level
license, competence, payments and organisation feed workers. It owns
worker lifecycles end to end and backs the control api's registry.

# Startup

	Start(ctx)
	  │
	  ├─► list active clubs from the sink
	  ├─► apply tenant exclusions and group-as-club mappings
	  ├─► provision or resolve one integration user per club
	  ├─► verify each user authenticates (fresh users are polled
	  │   until the source accepts them)
	  ├─► launch one changes worker per club, staggered 1 s apart
	  └─► launch the federation feed workers under the federation
	      credential

Tenants that cannot be provisioned or authenticated are recorded as
failed and skipped; the rest of the fleet starts regardless. The
federation feeds run under pseudo tenant ids partitioning the change
log per feed.

Source concurrency is bounded by a single weighted semaphore shared
by every worker, sized by the connection pool setting.

# Supervision

Each worker gets its own cancel inside the fleet context, so a single
dead worker can be replaced from the control api without touching its
neighbours; restarting a worker that is still alive is a no-op. A worker that terminates itself after an error streak is
reported through its callback and recorded as a failed tenant; the
fleet keeps running. Shutdown cancels the fleet context and joins
every worker before returning.

# See Also

  - pkg/syncworker for the worker itself
  - pkg/integration for user provisioning
  - pkg/api for the control surface
*/
package coordinator
