/*
Package api provides the daemon's control surface and its client.

The server exposes the worker fleet over a small JSON api bound to
localhost; the ctl subcommands reach it through the Client in this
package. Nothing here is meant to face the public network.

# Endpoints

	GET   /status                    daemon liveness, fleet state
	POST  /shutdown                  stop the daemon
	GET   /workers                   fleet state records
	POST  /workers/start             start the fleet
	POST  /workers/shutdown          stop the fleet, keep the daemon
	POST  /workers/reboot            stop and re-provision the fleet
	GET   /workers/logs              retained error records, whole fleet
	GET   /workers/failed            tenants whose workers never started
	GET   /workers/{index}           one worker's state record
	POST  /workers/{index}/restart   restart one worker
	GET   /workers/{index}/log       one worker's retained errors

Errors come back as {"error": "..."} with a matching http status; the
client folds them into plain Go errors.
*/
package api
