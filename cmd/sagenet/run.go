package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cuemby/sagenet/pkg/abort"
	"github.com/cuemby/sagenet/pkg/api"
	"github.com/cuemby/sagenet/pkg/backup"
	"github.com/cuemby/sagenet/pkg/blobstore"
	"github.com/cuemby/sagenet/pkg/client"
	"github.com/cuemby/sagenet/pkg/config"
	"github.com/cuemby/sagenet/pkg/daemon"
	"github.com/cuemby/sagenet/pkg/events"
	"github.com/cuemby/sagenet/pkg/health"
	"github.com/cuemby/sagenet/pkg/hello"
	"github.com/cuemby/sagenet/pkg/identity"
	"github.com/cuemby/sagenet/pkg/kv"
	"github.com/cuemby/sagenet/pkg/lock"
	"github.com/cuemby/sagenet/pkg/log"
	"github.com/cuemby/sagenet/pkg/metrics"
	"github.com/cuemby/sagenet/pkg/notify"
	"github.com/cuemby/sagenet/pkg/restore"
	"github.com/cuemby/sagenet/pkg/storage"
	"github.com/cuemby/sagenet/pkg/types"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/grpc"
)

func newRunCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the node daemons",
		Long: `Run the admin endpoint and every background daemon of this node:
hello gossip, backups, backup cleanup and the coordination sweeper.

A staged restore is installed before the stores are opened. To start a
restore, pass --restore-key together with --restore-bundle, a JSON file
holding the storage location and credentials of the backup.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			key, _ := cmd.Flags().GetString("restore-key")
			bundle, _ := cmd.Flags().GetString("restore-bundle")
			if (key == "") != (bundle == "") {
				return errors.New("--restore-key and --restore-bundle go together")
			}
			return runNode(cmd.Context(), cfg, key, bundle)
		},
	}
	cmd.Flags().String("restore-key", "", "Restore key to register and request a backup with")
	cmd.Flags().String("restore-bundle", "", "JSON file with the storage config and credentials for --restore-key")
	return cmd
}

// node holds everything runNode starts so it can be stopped in order.
type node struct {
	cfg          *config.Config
	store        *storage.BoltStore
	coordination *kv.BoltStore
	broker       *events.Broker
	dialer       *client.Client
	identity     *identity.Service
	watcher      *identity.Watcher
	notify       *notify.Service
	hello        *hello.Service
	backups      *backup.Orchestrator
	cleaner      *backup.Cleaner
	restore      *restore.Service
	daemons      []*daemon.Runner
	admin        *api.Server
	health       *api.HealthServer
}

func runNode(ctx context.Context, cfg *config.Config, restoreKey, bundlePath string) error {
	log.Init(cfg.LogSettings(os.Stderr))
	metrics.SetVersion(Version)
	logger := log.WithComponent("main")
	logger.Info().Str("version", Version).Str("home", cfg.HomeDir).Msg("Starting sagenet")

	applied, err := restore.Apply(cfg.RestoreTargets())
	if err != nil {
		return fmt.Errorf("apply staged restore: %w", err)
	}
	if applied {
		logger.Info().Msg("Installed staged restore")
	}

	n, err := openNode(cfg)
	if err != nil {
		return err
	}
	defer n.close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go func() {
		if err := n.admin.Start(cfg.Admin.Listen); err != nil {
			errCh <- fmt.Errorf("admin server: %w", err)
		}
	}()
	go func() {
		if err := n.health.Start(cfg.Health.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("health server: %w", err)
		}
	}()

	n.hello.Start(ctx)
	n.backups.Start(ctx)
	n.cleaner.Start(ctx)
	for _, d := range n.daemons {
		d.Start(ctx)
	}

	if restoreKey != "" {
		if err := n.startRestore(ctx, restoreKey, bundlePath); err != nil {
			logger.Error().Err(err).Msg("Restore request failed")
		} else {
			logger.Info().Msg("Backup requested from sage, staging runs in the background")
		}
	}

	logger.Info().Msg("Node running")
	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutting down")
	case err := <-errCh:
		abort.Handle(abort.Wrap("serve", err))
	}

	n.cleaner.Stop()
	n.backups.Stop()
	n.hello.Stop()
	for _, d := range n.daemons {
		d.Stop()
	}
	n.admin.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.health.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Health server shutdown")
	}
	logger.Info().Msg("Shutdown complete")
	return nil
}

func openNode(cfg *config.Config) (*node, error) {
	n := &node{cfg: cfg}
	opened := false
	defer func() {
		if !opened {
			n.close()
		}
	}()

	var err error

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if n.store, err = storage.NewBoltStore(cfg.DataDir); err != nil {
		return nil, err
	}
	if n.coordination, err = kv.NewBoltStore(cfg.DataDir); err != nil {
		return nil, err
	}

	n.broker = events.NewBroker()
	n.broker.Start()
	go logEvents(n.broker)

	limit, err := cfg.Admin.MessageLimit()
	if err != nil {
		return nil, err
	}
	n.dialer = client.NewClient(cfg.Admin.Port,
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(limit), grpc.MaxCallSendMsgSize(limit)))

	n.identity = identity.NewService(n.store, cfg.IdentitySettings(),
		identity.WithKeyFetcher(identity.NewHTTPKeyFetcher(cfg.Health.KeyPort)),
		identity.WithEvents(n.broker))
	n.notify = notify.NewService(n.store, n.identity.Local(), n.dialer, cfg.NotifySettings())
	n.identity.SetNotifier(n.notify)
	if n.watcher, err = identity.NewWatcher(n.identity); err != nil {
		return nil, err
	}

	driver, err := blobstore.New(cfg.Backup.Storage, cfg.Backup.Credentials())
	if err != nil {
		return nil, fmt.Errorf("backup storage: %w", err)
	}
	locker := lock.NewLocker(n.coordination)

	n.hello = hello.NewService(n.store, n.identity, n.notify, cfg.Hello,
		hello.WithEvents(n.broker),
		hello.WithProvisioner(&hello.LogProvisioner{Events: n.broker}))
	n.hello.Register(n.notify)

	n.backups = backup.NewOrchestrator(n.store, n.identity, n.notify, locker, driver, n.store,
		cfg.Backup.Config, backup.WithEvents(n.broker))
	n.backups.Register(n.notify)
	n.cleaner = backup.NewCleaner(n.store, n.identity, driver, cfg.Cleaner,
		backup.WithCleanerEvents(n.broker))

	n.restore = restore.NewService(n.store, n.coordination, locker, n.identity, n.notify, cfg.Restore,
		restore.WithEvents(n.broker))
	n.restore.Register(n.notify)

	coordination := n.coordination
	n.daemons = append(n.daemons,
		daemon.New(daemon.Config{Name: "kv-sweeper", Interval: cfg.Coordination.SweepInterval},
			func(ctx context.Context) error {
				swept, err := coordination.SweepExpired()
				if swept > 0 {
					logger := log.WithComponent("kv")
					logger.Debug().Int("swept", swept).Msg("Removed expired keys")
				}
				return err
			}),
		daemon.New(daemon.Config{Name: "metrics-collector", Interval: cfg.Coordination.CollectInterval},
			metrics.NewCollector(n.store, n.networkID).Collect),
	)

	n.admin = api.NewServer(n.notify, grpc.MaxRecvMsgSize(limit), grpc.MaxSendMsgSize(limit))
	n.health = api.NewHealthServer(api.WithKeyProvider(n.identity.SelfKey))
	n.daemons = append(n.daemons, n.monitor().Runner())
	opened = true
	return n, nil
}

// monitor checks the stores, the local admin listener and the sage.
func (n *node) monitor() *health.Monitor {
	cfg := n.cfg
	m := health.NewMonitor(health.Config{
		Interval: cfg.Health.CheckInterval,
		Timeout:  cfg.Health.CheckTimeout,
		Retries:  cfg.Health.Retries,
	})
	m.Add("store", health.FuncChecker(func(ctx context.Context) error {
		_, err := n.store.ListNetworks()
		return err
	}))
	m.Add("coordination", health.FuncChecker(func(ctx context.Context) error {
		_, err := n.coordination.Exists("health.check")
		return err
	}))
	m.Add("admin", health.NewTCPChecker(loopback(cfg.Admin.Listen)))

	sageHost := func(ctx context.Context) (*types.Node, error) {
		sage, err := n.identity.SageNode(ctx)
		if err != nil {
			return nil, err
		}
		if sage == nil {
			return nil, errors.New("no sage known")
		}
		return sage, nil
	}
	m.Add("sage", health.NewTCPCheckerFunc(func(ctx context.Context) (string, error) {
		sage, err := sageHost(ctx)
		if err != nil {
			return "", err
		}
		return sage.AdminAddress(cfg.Admin.Port), nil
	}))
	m.Add("sage-http", health.NewHTTPCheckerFunc(func(ctx context.Context) (string, error) {
		sage, err := sageHost(ctx)
		if err != nil {
			return "", err
		}
		host := sage.FQDN
		if host == "" {
			host = sage.IP4
		}
		return "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Health.KeyPort)) + "/live", nil
	}).
		WithMethod(http.MethodHead).
		WithHeader("User-Agent", "sagenet/"+Version).
		WithStatusRange(http.StatusOK, http.StatusNoContent))
	return m
}

// loopback turns a wildcard listen address into one that can be dialed.
func loopback(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func (n *node) networkID(ctx context.Context) string {
	self, err := n.identity.ThisNode(ctx)
	if err != nil || self == nil {
		return ""
	}
	return self.Network
}

// startRestore registers the restore key from the bundle file and asks the
// sage for the newest backup.
func (n *node) startRestore(ctx context.Context, key, bundlePath string) error {
	data, err := os.ReadFile(bundlePath)
	if err != nil {
		return fmt.Errorf("read restore bundle: %w", err)
	}
	var bundle types.RestoreKeyBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return fmt.Errorf("decode restore bundle: %w", err)
	}
	if err := n.restore.RegisterRestore(ctx, key, &bundle); err != nil {
		return err
	}
	return n.restore.RequestBackup(ctx, key)
}

func (n *node) close() {
	if n.restore != nil {
		n.restore.Close()
	}
	if n.watcher != nil {
		n.watcher.Close()
	}
	if n.notify != nil {
		n.notify.Close()
	}
	if n.dialer != nil {
		n.dialer.Close()
	}
	if n.broker != nil {
		n.broker.Stop()
	}
	if n.coordination != nil {
		n.coordination.Close()
	}
	if n.store != nil {
		n.store.Close()
	}
}

// logEvents writes every control plane event to the debug log.
func logEvents(broker *events.Broker) {
	logger := log.WithComponent("events")
	sub := broker.Subscribe()
	for event := range sub {
		e := logger.Debug().Str("type", string(event.Type)).Str("id", event.ID)
		for k, val := range event.Metadata {
			e = e.Str(k, val)
		}
		e.Msg(event.Message)
	}
}
