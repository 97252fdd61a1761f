/*
Package restore brings a network back from a backup.

A restore starts with RegisterRestore, which keeps the storage credentials
needed to read the backup under a restore key for a limited window. The
node asks its sage for a backup with RequestBackup; the sage answers with
backup_response and Restore downloads the backup into the staging
directory under the network state lock, then writes the restore marker.

On the next boot Apply installs the staged files before the object store
opens. NodeIdentity then sees the restored identity and sends
restore_complete to the sage, whose handler moves the network from
restoring to running.
*/
package restore
