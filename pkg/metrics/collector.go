package metrics

import (
	"context"

	"github.com/cuemby/sagenet/pkg/storage"
	"github.com/cuemby/sagenet/pkg/types"
)

// NetworkFunc returns the network whose backups should be counted, or ""
// when the local node has no network yet.
type NetworkFunc func(ctx context.Context) string

// Collector refreshes the object store gauges. Collect is meant to run as a
// periodic task.
type Collector struct {
	store   storage.Store
	network NetworkFunc
}

// NewCollector creates a new metrics collector
func NewCollector(store storage.Store, network NetworkFunc) *Collector {
	return &Collector{store: store, network: network}
}

// Collect reads the store once and updates every gauge.
func (c *Collector) Collect(ctx context.Context) error {
	if err := c.collectNodeMetrics(); err != nil {
		return err
	}
	if err := c.collectNetworkMetrics(); err != nil {
		return err
	}
	return c.collectBackupMetrics(ctx)
}

func (c *Collector) collectNodeMetrics() error {
	nodes, err := c.store.ListNodes()
	if err != nil {
		return err
	}

	NodesTotal.Reset()
	counts := make(map[types.NodeState]int)
	for _, node := range nodes {
		counts[node.State]++
	}
	for state, count := range counts {
		NodesTotal.WithLabelValues(string(state)).Set(float64(count))
	}
	return nil
}

func (c *Collector) collectNetworkMetrics() error {
	networks, err := c.store.ListNetworks()
	if err != nil {
		return err
	}

	NetworksTotal.Reset()
	counts := make(map[types.NetworkState]int)
	for _, network := range networks {
		counts[network.State]++
	}
	for state, count := range counts {
		NetworksTotal.WithLabelValues(string(state)).Set(float64(count))
	}
	return nil
}

func (c *Collector) collectBackupMetrics(ctx context.Context) error {
	if c.network == nil {
		return nil
	}
	networkID := c.network(ctx)
	if networkID == "" {
		return nil
	}
	backups, err := c.store.ListBackupsByNetwork(networkID)
	if err != nil {
		return err
	}

	BackupRecords.Reset()
	counts := make(map[types.BackupStatus]int)
	for _, backup := range backups {
		counts[backup.Status]++
	}
	for status, count := range counts {
		BackupRecords.WithLabelValues(string(status)).Set(float64(count))
	}
	return nil
}
