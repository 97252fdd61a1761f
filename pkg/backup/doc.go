/*
Package backup takes periodic backups of a node's network and prunes old
ones.

The Orchestrator daemon wakes hourly, takes the network state lock and asks
ShouldBackup whether a backup is due. A backup writes, in order, the config
snapshot, a zstd compressed database dump, the identity files, the node's
key records and the locally hosted content to

	sagenet_backups/<network fqdn>_<YYYYMMDD>[_<label>]/

Any failing step marks the record backup_error and skips the rest. A
completed backup is registered with the sage.

The Cleaner daemon keeps the newest MaxBackups successful backups and
removes unfinished ones older than MinStuckAge. CleanNow runs a cycle on
demand.
*/
package backup
