/*
Package log provides structured logging for sagenet using zerolog.

A single package-level Logger is configured once by Init from the process
entry point. Every daemon, notification handler and orchestrator derives a
child logger carrying its own context fields, so log lines can be filtered by
component, node, network or notification.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	logger := log.WithComponent("backup")
	logger.Info().Str("path", backup.Path).Msg("backup completed")

	nlog := log.WithNotification(env.ID, string(env.Type), env.FromNode)
	nlog.Warn().Msg("dropping reply for unknown correlation id")

# Fields

  - component: the subsystem emitting the line (notify, hello, backup, ...)
  - node_id / network_id: the node or network being operated on
  - notification_id, notification_type, from_node: inbound notification context

Fatal logging is reserved for the process boundary. Library code reports
irrecoverable conditions through package abort instead of calling Fatal
directly.
*/
package log
