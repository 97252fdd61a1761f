/*
Package events provides in-process publish/subscribe for control plane
events.

Orchestrators publish lifecycle events (backup completed or failed, peer
added, autoscale requested, restore staged, network running) to a Broker.
Subscribers receive them on buffered channels. Delivery is best effort: a
full subscriber buffer or a full broker queue drops the event rather than
blocking the publisher.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	go func() {
		for ev := range sub {
			logger.Debug().Str("type", string(ev.Type)).Msg(ev.Message)
		}
	}()

	broker.Publish(events.New(events.EventBackupCompleted, "backup done", "path", b.Path))

A nil *Broker is valid and discards everything, so components can take an
optional broker without nil checks.
*/
package events
