/*
Package types defines the records shared by every sagenet component.

Node, Network, Backup and NodeKey are persisted by package storage. Node also
carries transient fields (Peers, WasRestored, RestoreKey, Backup, Key) that
only travel inside notifications and the local identity file; Persistent
strips them before a node is written.

RestoreKeyBundle is never persisted to the object store. It lives in the
coordination key-value store under a TTL.
*/
package types
