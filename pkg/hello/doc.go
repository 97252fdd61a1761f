/*
Package hello keeps each node's view of its peers current.

Every node periodically sends hello_to_sage to its sage and gets back the
running nodes of its network. The list is processed by ProcessPeers: each
valid peer is stored and greeted with peer_hello, and when fewer nodes are
seen than the network's plan includes, a new_node request goes to the sage.

peer_hello is terminal. Receiving one stores the sender and nothing else,
so two peers can never keep greeting each other.
*/
package hello
