package hello

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/sagenet/pkg/daemon"
	"github.com/cuemby/sagenet/pkg/events"
	"github.com/cuemby/sagenet/pkg/log"
	"github.com/cuemby/sagenet/pkg/metrics"
	"github.com/cuemby/sagenet/pkg/notify"
	"github.com/cuemby/sagenet/pkg/storage"
	"github.com/cuemby/sagenet/pkg/types"
	"github.com/rs/zerolog"
)

// ErrNoSage is returned by SayHello when there is no sage to greet
var ErrNoSage = errors.New("no sage to greet")

// Identity resolves the local node and its sage
type Identity interface {
	ThisNode(ctx context.Context) (*types.Node, error)
	SageNode(ctx context.Context) (*types.Node, error)
}

// Registrar installs notification handlers
type Registrar interface {
	Register(t notify.Type, h notify.Handler)
}

// Config tunes the hello daemon
type Config struct {
	StartupDelay time.Duration `mapstructure:"startup_delay"`
	Interval     time.Duration `mapstructure:"interval"`
	Jitter       time.Duration `mapstructure:"jitter"`

	// Fanout bounds concurrent peer_hello deliveries.
	Fanout int `mapstructure:"fanout"`
}

// DefaultConfig returns production settings
func DefaultConfig() Config {
	return Config{
		StartupDelay: 10 * time.Second,
		Interval:     6 * time.Hour,
		Jitter:       5 * time.Minute,
		Fanout:       8,
	}
}

// Option configures a Service
type Option func(*Service)

// WithValidator replaces DefaultPeerValidator.
func WithValidator(v PeerValidator) Option {
	return func(s *Service) { s.validate = v }
}

// WithEvents publishes peer and autoscale events to broker.
func WithEvents(broker *events.Broker) Option {
	return func(s *Service) { s.events = broker }
}

// WithProvisioner makes this node act on new_node requests.
func WithProvisioner(p Provisioner) Option {
	return func(s *Service) { s.provisioner = p }
}

// Service exchanges hellos with the sage and gossips with peers
type Service struct {
	store       storage.Store
	identity    Identity
	notifier    notify.Notifier
	validate    PeerValidator
	provisioner Provisioner
	events      *events.Broker
	cfg         Config
	runner      *daemon.Runner
	logger      zerolog.Logger
}

// NewService creates a hello service
func NewService(store storage.Store, identity Identity, notifier notify.Notifier, cfg Config, opts ...Option) *Service {
	s := &Service{
		store:    store,
		identity: identity,
		notifier: notifier,
		validate: DefaultPeerValidator,
		cfg:      cfg,
		logger:   log.WithComponent("hello"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.Fanout <= 0 {
		s.cfg.Fanout = 1
	}
	s.runner = daemon.New(daemon.Config{
		Name:          "hello",
		StartupDelay:  cfg.StartupDelay,
		Interval:      cfg.Interval,
		Jitter:        cfg.Jitter,
		Interruptible: true,
	}, s.cycle)
	return s
}

// Register installs the hello handlers. new_node is only handled when a
// Provisioner is configured.
func (s *Service) Register(r Registrar) {
	r.Register(notify.TypeHelloToSage, notify.HandlerFunc(s.handleHelloToSage))
	r.Register(notify.TypeHelloFromSage, notify.HandlerFunc(s.handleHelloFromSage))
	r.Register(notify.TypePeerHello, notify.HandlerFunc(s.handlePeerHello))
	if s.provisioner != nil {
		r.Register(notify.TypeNewNode, notify.HandlerFunc(s.handleNewNode))
	}
}

// Start runs the hello daemon until ctx is done or Stop is called
func (s *Service) Start(ctx context.Context) {
	s.runner.Start(ctx)
}

// Stop halts the daemon
func (s *Service) Stop() {
	s.runner.Stop()
}

// Wake makes the daemon say hello now instead of at its next interval.
func (s *Service) Wake() {
	s.runner.Interrupt()
}

// Runner exposes the daemon for status reporting.
func (s *Service) Runner() *daemon.Runner {
	return s.runner
}

func (s *Service) cycle(ctx context.Context) error {
	_, err := s.SayHello(ctx)
	if errors.Is(err, ErrNoSage) {
		return nil
	}
	return err
}

// SayHello greets the sage synchronously and processes the peer list it
// answers with.
func (s *Service) SayHello(ctx context.Context) (*Result, error) {
	self, err := s.identity.ThisNode(ctx)
	if err != nil {
		return nil, err
	}
	if self == nil || !self.HasSageNode() || self.IsSelfSage() {
		metrics.HelloRounds.WithLabelValues("skipped").Inc()
		return nil, ErrNoSage
	}
	sage, err := s.identity.SageNode(ctx)
	if err != nil {
		return nil, err
	}
	if sage == nil || sage.UUID == self.UUID {
		metrics.HelloRounds.WithLabelValues("skipped").Inc()
		return nil, ErrNoSage
	}

	s.logger.Info().Str("sage", sage.UUID).Msg("Sending hello to sage")
	raw, err := s.notifier.NotifySync(ctx, sage, notify.TypeHelloToSage, self.Persistent())
	if err != nil {
		metrics.HelloRounds.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("hello to sage %s: %w", sage.UUID, err)
	}
	reply, err := decodeNode(raw)
	if err != nil {
		metrics.HelloRounds.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("hello reply from sage %s: %w", sage.UUID, err)
	}
	if reply.UUID != "" && reply.UUID != sage.UUID {
		s.logger.Warn().Str("sage", sage.UUID).Str("replied", reply.UUID).Msg("Hello answered by another node")
	}
	res, err := s.ProcessPeers(ctx, reply.Peers)
	if err != nil {
		metrics.HelloRounds.WithLabelValues("failed").Inc()
		return nil, err
	}
	metrics.HelloRounds.WithLabelValues("ok").Inc()
	return res, nil
}
