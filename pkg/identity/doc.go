/*
Package identity resolves who this node is and who its sage is.

The local node is described by self_node.json in the home directory. On
first use the file is reconciled against the object store: a missing record
is created, disagreeing duplicates are replaced, and the record is promoted
to running. A node without the file has no identity yet and ThisNode
returns nil without an error.

The sage comes from sage_node.json when present, else from the record the
local node points at. A sage advertising a local address is replaced by the
node itself. Keys for the sage are kept fresh from the store, then
sage_key.json, then a KeyFetcher.

A node booted from a restored backup tells its sage with a synchronous
restore_complete notification before ThisNode returns. Being unable to do
so is fatal.
*/
package identity
