/*
Package identity persists the worker's durable state in a local BoltDB
database: the controller-assigned identity, the current session credential,
and operator-tunable limits.

Persistence is the source of truth for credentials. The session manager
persists a registration response before swapping it into memory; an
in-memory-only credential that cannot survive a restart is treated as no
credential at all.
*/
package identity
