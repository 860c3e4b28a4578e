/*
Package log provides structured logging on top of zerolog.

Init configures the global logger once at startup: level, JSON or
console output. WithComponent derives a child logger tagged with the
component name; every package logs through one of those.

The package also provides Tail, a bounded in-memory ring retaining
recent error level records per worker. The control api serves these
rings so an operator can see why a worker is unhappy without grepping
the daemon's output.
*/
package log
