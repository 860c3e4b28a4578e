/*
Package daemon provides process level plumbing for the long running
commands: signal handling and the pid file run lock.

Context returns a context cancelled on any of the usual shutdown
signals plus a channel firing on SIGUSR1, which the sync daemon maps
to a worker fleet reboot. CreatePIDFile claims an exclusive run lock,
taking over files left behind by dead processes.
*/
package daemon
