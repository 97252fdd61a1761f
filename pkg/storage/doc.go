/*
Package storage provides BoltDB-backed persistence for sagenet's object store.

The Store interface is the narrow collaborator every orchestrator consumes:
find, create, update and delete for nodes, networks, backups and node keys.
BoltStore implements it on a single bbolt file, one bucket per record kind,
JSON-encoded values keyed by uuid.

# Buckets

	nodes      Node keyed by uuid (transient fields stripped)
	networks   Network keyed by uuid
	backups    Backup keyed by uuid
	node_keys  NodeKey keyed by uuid

Secondary lookups (fqdn, ip4, network, key hash) scan the bucket. Fleets are
small and these lookups run on daemon cycles, not on hot paths.

# Concurrency

There is no row-level locking. Callers rely on idempotent reconciliation to
tolerate races. The one exception is Backup, whose Version field gives
UpdateBackup an optimistic check: a writer holding a stale copy gets
ErrVersionConflict instead of silently overwriting a concurrent transition.

# Errors

Lookups wrap ErrNotFound; creates wrap ErrAlreadyExists. IgnoreNotFound
turns a miss into a nil error for callers that treat absence as normal.
*/
package storage
