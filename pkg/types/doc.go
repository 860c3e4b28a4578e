/*
Package types defines the domain types shared across the service:
entity kinds, sync types, change log work items and their status
machine, plus the records exposed over the control api.

The status machine is the contract between the sync workers and the
stream consumer. Allowed transitions:

	ready ──► pending ──► finished
	             │
	             ▼
	           error ──► pending

Everything else is rejected by the change log.
*/
package types
