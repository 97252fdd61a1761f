package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/sagenet/pkg/abort"
	"github.com/cuemby/sagenet/pkg/log"
	"github.com/cuemby/sagenet/pkg/metrics"
	"github.com/cuemby/sagenet/pkg/storage"
	"github.com/cuemby/sagenet/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// SelfProvider resolves the local node. A nil node with a nil error means
// the node has no identity yet.
type SelfProvider interface {
	ThisNode(ctx context.Context) (*types.Node, error)
}

// Dialer performs the administrative call that hands an envelope to a
// remote node.
type Dialer interface {
	Deliver(ctx context.Context, target *types.Node, env *Envelope) (*Receipt, error)
}

// Notifier is the sending half of the transport
type Notifier interface {
	Notify(ctx context.Context, target *types.Node, t Type, payload any) *Receipt
	NotifyAccount(ctx context.Context, accountID string, t Type, payload any) *Receipt
	NotifySync(ctx context.Context, target *types.Node, t Type, payload any) (json.RawMessage, error)
}

// Config tunes delivery
type Config struct {
	// SyncTimeout bounds how long NotifySync waits for a reply.
	SyncTimeout time.Duration
	// DeliveryTimeout bounds a single administrative call.
	DeliveryTimeout time.Duration
	// CacheableTypes are sync types whose identical concurrent requests share
	// one round trip.
	CacheableTypes []Type
	// IntroductionTypes are accepted from senders missing from the store.
	// Their handlers validate the sender before storing it.
	IntroductionTypes []Type
}

// DefaultConfig returns production settings
func DefaultConfig() Config {
	return Config{
		SyncTimeout:     10 * time.Minute,
		DeliveryTimeout: 30 * time.Second,
		CacheableTypes:    []Type{TypeHelloToSage},
		IntroductionTypes: []Type{TypePeerHello, TypeHelloToSage},
	}
}

// Service sends notifications and dispatches inbound ones to handlers
type Service struct {
	store  storage.Store
	self   SelfProvider
	dialer Dialer
	cfg    Config
	logger zerolog.Logger

	mu       sync.RWMutex
	handlers map[Type]Handler

	pendingMu sync.Mutex
	pending   map[string]pendingReply

	group singleflight.Group

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// pendingReply waits for the sync_reply of one request. Only the node the
// request went to may answer it.
type pendingReply struct {
	target string
	ch     chan *Reply
}

// NewService creates a notification service
func NewService(store storage.Store, self SelfProvider, dialer Dialer, cfg Config) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		store:    store,
		self:     self,
		dialer:   dialer,
		cfg:      cfg,
		logger:   log.WithComponent("notify"),
		handlers: make(map[Type]Handler),
		pending:  make(map[string]pendingReply),
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// Register installs the handler for t, replacing any previous one.
func (s *Service) Register(t Type, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[t] = h
}

func (s *Service) handler(t Type) Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handlers[t]
}

// Close stops accepting work and waits for in-flight synchronous handlers.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}

// Notify delivers a fire-and-forget notification. Failures are logged and
// reported in the receipt.
func (s *Service) Notify(ctx context.Context, target *types.Node, t Type, payload any) *Receipt {
	self, env, err := s.prepare(ctx, target, t, payload)
	if err != nil {
		return s.failSend(t, "", err)
	}
	return s.deliver(ctx, self, target, env)
}

// NotifyAccount delivers to the running node that currently represents
// accountID.
func (s *Service) NotifyAccount(ctx context.Context, accountID string, t Type, payload any) *Receipt {
	target, err := s.accountNode(accountID)
	if err != nil {
		return s.failSend(t, "", err)
	}
	self, env, err := s.prepare(ctx, target, t, payload)
	if err != nil {
		return s.failSend(t, "", err)
	}
	env.ToAccount = accountID
	return s.deliver(ctx, self, target, env)
}

func (s *Service) accountNode(accountID string) (*types.Node, error) {
	nodes, err := s.store.ListNodesByAccount(accountID)
	if err != nil {
		return nil, fmt.Errorf("list nodes for account %s: %w", accountID, err)
	}
	sort.SliceStable(nodes, func(i, j int) bool {
		return nodes[i].UpdatedAt.After(nodes[j].UpdatedAt)
	})
	for _, n := range nodes {
		if n.State == types.NodeStateRunning {
			return n, nil
		}
	}
	return nil, fmt.Errorf("account %s: %w", accountID, ErrNoAccountNode)
}

// NotifySync delivers a notification and waits for the correlated reply.
// Identical concurrent requests of a cacheable type share one round trip.
func (s *Service) NotifySync(ctx context.Context, target *types.Node, t Type, payload any) (json.RawMessage, error) {
	if !s.cacheable(t) {
		return s.notifySync(ctx, target, t, payload)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", t, err)
	}
	key := target.UUID + "|" + string(t) + "|" + types.HashPublicKey(string(raw))
	// The shared request must not die with whichever caller started it.
	ch := s.group.DoChan(key, func() (any, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.DeliveryTimeout+s.cfg.SyncTimeout)
		defer cancel()
		return s.notifySync(sctx, target, t, json.RawMessage(raw))
	})
	select {
	case res := <-ch:
		if res.Shared {
			s.logger.Debug().Str("type", string(t)).Str("target", target.UUID).Msg("Shared in-flight sync request")
		}
		resp, _ := res.Val.(json.RawMessage)
		return resp, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Service) cacheable(t Type) bool {
	for _, c := range s.cfg.CacheableTypes {
		if c == t {
			return true
		}
	}
	return false
}

func (s *Service) notifySync(ctx context.Context, target *types.Node, t Type, payload any) (json.RawMessage, error) {
	timer := metrics.NewTimer()
	self, env, err := s.prepare(ctx, target, t, payload)
	if err != nil {
		s.failSend(t, "", err)
		return nil, err
	}
	env.CorrelationID = xid.New().String()

	ch := make(chan *Reply, 1)
	s.pendingMu.Lock()
	s.pending[env.CorrelationID] = pendingReply{target: target.UUID, ch: ch}
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, env.CorrelationID)
		s.pendingMu.Unlock()
	}()

	receipt := s.deliver(ctx, self, target, env)
	if !receipt.Success {
		return nil, fmt.Errorf("%s to %s: %w: %s", t, target.UUID, ErrDeliveryFailed, receipt.Error)
	}

	wait := time.NewTimer(s.cfg.SyncTimeout)
	defer wait.Stop()
	select {
	case reply := <-ch:
		timer.ObserveDurationVec(metrics.NotificationSyncDuration, string(t))
		if reply.Exception != "" {
			return nil, &RemoteError{Type: t, Message: reply.Exception}
		}
		return reply.Response, nil
	case <-wait.C:
		s.logger.Warn().
			Str("type", string(t)).
			Str("target", target.UUID).
			Dur("timeout", s.cfg.SyncTimeout).
			Msg("Sync notification timed out")
		return nil, fmt.Errorf("%s to %s: %w", t, target.UUID, ErrSyncTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Service) prepare(ctx context.Context, target *types.Node, t Type, payload any) (*types.Node, *Envelope, error) {
	if target == nil || target.UUID == "" {
		return nil, nil, fmt.Errorf("%s: no target node", t)
	}
	self, err := s.self.ThisNode(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve local node: %w", err)
	}
	if self == nil {
		return nil, nil, ErrNoIdentity
	}
	env, err := newEnvelope(self, t, payload)
	if err != nil {
		return nil, nil, err
	}
	env.ToNode = target.UUID
	return self, env, nil
}

func (s *Service) deliver(ctx context.Context, self, target *types.Node, env *Envelope) *Receipt {
	if target.UUID == self.UUID {
		receipt := s.Receive(ctx, env)
		s.countSend(env.Type, receipt)
		return receipt
	}

	// A reply goes back to a node that just reached us, so it does not need
	// a stored key.
	if env.Type != TypeSyncReply {
		if err := s.requireKey(target); err != nil {
			return s.failSend(env.Type, env.ID, err)
		}
	}

	dctx, cancel := context.WithTimeout(ctx, s.cfg.DeliveryTimeout)
	defer cancel()
	receipt, err := s.dialer.Deliver(dctx, target, env)
	if err != nil {
		return s.failSend(env.Type, env.ID, fmt.Errorf("deliver to %s: %w", target.UUID, err))
	}
	if receipt == nil {
		return s.failSend(env.Type, env.ID, fmt.Errorf("deliver to %s: empty receipt", target.UUID))
	}
	s.countSend(env.Type, receipt)
	if !receipt.Success {
		s.logger.Warn().
			Str("type", string(env.Type)).
			Str("target", target.UUID).
			Str("error", receipt.Error).
			Msg("Notification rejected by target")
	}
	return receipt
}

func (s *Service) requireKey(target *types.Node) error {
	now := time.Now()
	if target.Key != nil && !target.Key.Expired(now) {
		return nil
	}
	keys, err := s.store.ListNodeKeysByNode(target.UUID)
	if err != nil {
		return fmt.Errorf("keys for %s: %w", target.UUID, err)
	}
	for _, k := range keys {
		if !k.Expired(now) {
			return nil
		}
	}
	return fmt.Errorf("%s: %w", target.UUID, ErrNoKey)
}

func (s *Service) failSend(t Type, id string, err error) *Receipt {
	s.logger.Warn().Err(err).Str("type", string(t)).Msg("Notification not delivered")
	metrics.NotificationsSent.WithLabelValues(string(t), "failed").Inc()
	return failedReceipt(id, err)
}

func (s *Service) countSend(t Type, r *Receipt) {
	result := "ok"
	if !r.Success {
		result = "failed"
	}
	metrics.NotificationsSent.WithLabelValues(string(t), result).Inc()
}

// Receive is the inbound entry point. Envelopes from unknown senders are
// dropped unless their type is an introduction. Synchronous envelopes are
// acknowledged immediately and answered with a sync_reply once their
// handler finishes.
func (s *Service) Receive(ctx context.Context, env *Envelope) *Receipt {
	if env == nil || env.ID == "" || env.Type == "" {
		metrics.NotificationsReceived.WithLabelValues("invalid", "dropped").Inc()
		return &Receipt{Error: "invalid envelope"}
	}
	logger := log.WithNotification(env.ID, string(env.Type), env.FromNode)

	_, err := s.store.GetNode(env.FromNode)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if !s.introduction(env.Type) {
			logger.Warn().Msg("Dropping notification from unknown sender")
			metrics.NotificationsReceived.WithLabelValues(string(env.Type), "dropped").Inc()
			return failedReceipt(env.ID, ErrUnknownSender)
		}
		logger.Debug().Msg("Introduction from unknown sender")
	case err != nil:
		return failedReceipt(env.ID, err)
	}
	s.learnKey(env, logger)

	if env.Type == TypeSyncReply {
		return s.resolve(env, logger)
	}

	h := s.handler(env.Type)
	if h == nil {
		logger.Warn().Msg("No handler for notification type")
		metrics.NotificationsReceived.WithLabelValues(string(env.Type), "dropped").Inc()
		return failedReceipt(env.ID, fmt.Errorf("%s: %w", env.Type, ErrNoHandler))
	}

	if env.IsSync() {
		s.wg.Add(1)
		go s.answer(env, h, logger)
		metrics.NotificationsReceived.WithLabelValues(string(env.Type), "accepted").Inc()
		return okReceipt(env.ID)
	}

	if _, err := s.dispatch(ctx, env, h, logger); err != nil {
		metrics.NotificationsReceived.WithLabelValues(string(env.Type), "error").Inc()
		return failedReceipt(env.ID, err)
	}
	metrics.NotificationsReceived.WithLabelValues(string(env.Type), "ok").Inc()
	return okReceipt(env.ID)
}

// dispatch runs h, converting panics into errors. A fatal condition raised
// by a handler is reported to the sender; it never stops the receiving
// process.
func (s *Service) dispatch(ctx context.Context, env *Envelope, h Handler, logger zerolog.Logger) (resp any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
		if err == nil {
			return
		}
		if abort.Is(err) {
			logger.Error().Err(err).Msg("Handler rejected notification with fatal condition")
		} else {
			logger.Warn().Err(err).Msg("Handler failed")
		}
	}()
	return h.HandleNotification(ctx, env)
}

func (s *Service) introduction(t Type) bool {
	for _, it := range s.cfg.IntroductionTypes {
		if it == t {
			return true
		}
	}
	return false
}

// answer runs a synchronous handler and sends its outcome back. The sender
// is looked up afterwards since an introduction handler may have just
// stored it.
func (s *Service) answer(env *Envelope, h Handler, logger zerolog.Logger) {
	defer s.wg.Done()
	ctx, cancel := context.WithTimeout(s.baseCtx, s.cfg.SyncTimeout)
	defer cancel()

	reply := &Reply{NotificationID: env.CorrelationID}
	resp, err := s.dispatch(ctx, env, h, logger)
	if err != nil {
		reply.Exception = err.Error()
		metrics.NotificationsReceived.WithLabelValues(string(env.Type), "error").Inc()
	} else if resp != nil {
		raw, merr := json.Marshal(resp)
		if merr != nil {
			reply.Exception = "encode response: " + merr.Error()
		} else {
			reply.Response = raw
		}
	}

	self, err := s.self.ThisNode(ctx)
	if err != nil || self == nil {
		logger.Error().Err(err).Msg("Cannot reply without local identity")
		return
	}
	sender, err := s.store.GetNode(env.FromNode)
	if err != nil {
		logger.Warn().Err(err).Msg("Cannot reply to unknown sender")
		return
	}
	out, err := newEnvelope(self, TypeSyncReply, reply)
	if err != nil {
		logger.Error().Err(err).Msg("Cannot encode reply")
		return
	}
	out.ToNode = sender.UUID
	out.CorrelationID = env.CorrelationID
	if receipt := s.deliver(ctx, self, sender, out); !receipt.Success {
		logger.Warn().Str("error", receipt.Error).Msg("Reply not delivered")
	}
}

func (s *Service) resolve(env *Envelope, logger zerolog.Logger) *Receipt {
	var reply Reply
	if err := env.Decode(&reply); err != nil {
		return failedReceipt(env.ID, err)
	}
	s.pendingMu.Lock()
	p, ok := s.pending[reply.NotificationID]
	if ok && p.target == env.FromNode {
		delete(s.pending, reply.NotificationID)
	}
	s.pendingMu.Unlock()

	if !ok || p.target != env.FromNode {
		logger.Warn().Str("correlation_id", reply.NotificationID).Msg("Dropping reply for nonexistent sync request")
		metrics.NotificationsReceived.WithLabelValues(string(env.Type), "dropped").Inc()
		return failedReceipt(env.ID, errors.New("no pending request"))
	}
	p.ch <- &reply
	metrics.NotificationsReceived.WithLabelValues(string(env.Type), "ok").Inc()
	return okReceipt(env.ID)
}

// learnKey stores the sender's advertised key when it is new, unexpired and
// actually belongs to the sender.
func (s *Service) learnKey(env *Envelope, logger zerolog.Logger) {
	k := env.FromKey
	if k == nil || k.Node != env.FromNode || k.Expired(time.Now()) {
		return
	}
	hash := types.HashPublicKey(k.PublicKey)
	if k.PublicKeyHash != "" && k.PublicKeyHash != hash {
		logger.Warn().Msg("Ignoring sender key with mismatched hash")
		return
	}
	if _, err := s.store.FindNodeKeyByHash(hash); err == nil {
		return
	}
	key := *k
	key.PublicKeyHash = hash
	if key.UUID == "" {
		key.UUID = uuid.NewString()
	}
	if err := s.store.CreateNodeKey(&key); err != nil && !errors.Is(err, storage.ErrAlreadyExists) {
		logger.Warn().Err(err).Msg("Failed to store sender key")
		return
	}
	logger.Debug().Str("key", key.UUID).Msg("Learned sender key")
}
