/*
Package client dials other nodes' admin endpoints.

Client implements notify.Dialer: it resolves a node's admin address (fqdn,
falling back to ip4, on the node's advertised port or DefaultAdminPort),
reuses one gRPC connection per address, and invokes
sagenet.admin.v1.Admin/Notify with the JSON envelope wrapped in a
BytesValue.

	c := client.NewClient(client.DefaultAdminPort)
	defer c.Close()
	receipt, err := c.Deliver(ctx, peer, env)
*/
package client
