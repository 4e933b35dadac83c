package connection

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/supportdesk-live/internal/auth"
)

// StatusSink receives connectivity transitions. The manager publishes from
// its control goroutine only, so calls are ordered.
type StatusSink interface {
	PublishStatus(connected bool)
}

// Hooks wires the manager to the rest of the process.
type Hooks struct {
	Inbound func(Frame) // Called from the transport's read goroutine; must not block
	Status  StatusSink
	Events  EventSink
}

// Mailbox events. Epoch and generation tags let the control loop drop
// results that belong to a connection or timer it has already abandoned.
type (
	credentialsChanged struct {
		creds auth.Credentials
		ok    bool
	}
	connectRequest    struct{}
	disconnectRequest struct{ done chan struct{} }
	dialResult        struct {
		epoch     uint64
		transport Transport
		err       error
	}
	transportLost struct {
		epoch uint64
		err   error
	}
	retryDue struct{ gen uint64 }
)

// Manager owns the single transport of the process, the desired-room
// registry and the reconnect timer. Connection transitions run on one
// control goroutine fed by a mailbox; room operations are synchronous and
// serialized with it by mu.
type Manager struct {
	cfg    ManagerConfig
	dial   Dialer
	hooks  Hooks
	logger *slog.Logger

	mailbox chan any
	ctx     context.Context
	cancel  context.CancelFunc
	stopCtx func() bool
	wg      sync.WaitGroup
	started atomic.Bool

	// subMu serializes subscription work, which writes to the socket. It is
	// taken before mu and never held by the teardown paths, so a stalled
	// write blocks only other subscription changes.
	subMu sync.Mutex

	mu         sync.Mutex
	state      State
	creds      auth.Credentials
	hasCreds   bool
	transport  Transport
	notify     TopicSubscription
	registry   *registry
	cancelDial context.CancelFunc
	watchStop  chan struct{}
	timer      *time.Timer
	timerGen   uint64
	wait       time.Duration
	replayed   uint64 // epoch whose subscription replay has finished

	epoch    atomic.Uint64
	connects atomic.Int64
	drops    atomic.Int64
}

// NewManager creates a manager in the Disconnected state. It does nothing
// until Start is called and credentials arrive.
func NewManager(cfg ManagerConfig, dial Dialer, hooks Hooks, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultManagerConfig()
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.ReconnectMaxDelay < cfg.ReconnectDelay {
		cfg.ReconnectMaxDelay = cfg.ReconnectDelay
	}
	if cfg.MailboxSize < 1 {
		cfg.MailboxSize = def.MailboxSize
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		cfg:      cfg,
		dial:     dial,
		hooks:    hooks,
		logger:   logger,
		mailbox:  make(chan any, cfg.MailboxSize),
		ctx:      ctx,
		cancel:   cancel,
		registry: newRegistry(),
		wait:     cfg.ReconnectDelay,
	}
}

// Start runs the control loop until ctx is cancelled or Stop is called.
func (m *Manager) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return errors.New("connection manager already started")
	}
	if m.ctx.Err() != nil {
		return ErrAlreadyClosed
	}

	m.stopCtx = context.AfterFunc(ctx, m.cancel)

	m.wg.Add(1)
	go m.run()

	m.logger.Info("connection manager started",
		"reconnect_delay", m.cfg.ReconnectDelay,
		"reconnect_max_delay", m.cfg.ReconnectMaxDelay,
	)
	return nil
}

// Stop disconnects and waits for the manager's goroutines.
func (m *Manager) Stop(ctx context.Context) error {
	m.logger.Info("stopping connection manager")

	m.cancel()
	if m.stopCtx != nil {
		m.stopCtx()
	}

	// Wait for goroutines with timeout
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("shutdown timeout, forcing close")
		return ctx.Err()
	}

	m.logger.Info("connection manager stopped")
	return nil
}

// SetCredentials hands the manager a credential. If it is not connected it
// connects; the credential is also used for every later reconnect.
func (m *Manager) SetCredentials(creds auth.Credentials) {
	m.post(credentialsChanged{creds: creds, ok: true})
}

// ClearCredentials disconnects and forgets the credential and desired rooms.
func (m *Manager) ClearCredentials() {
	m.post(credentialsChanged{})
}

// CredentialsChanged adapts the manager to auth.Gate listeners.
func (m *Manager) CredentialsChanged(creds auth.Credentials, ok bool) {
	m.post(credentialsChanged{creds: creds, ok: ok})
}

// Connect asks for a connection attempt. It is a no-op without credentials
// or when already connecting or connected.
func (m *Manager) Connect() {
	m.post(connectRequest{})
}

// Disconnect closes the transport and keeps desired rooms pending. Held
// credentials stay, but no reconnect is scheduled until Connect or new
// credentials.
func (m *Manager) Disconnect(ctx context.Context) error {
	done := make(chan struct{})
	if !m.post(disconnectRequest{done: done}) {
		return ErrAlreadyClosed
	}
	select {
	case <-done:
		return nil
	case <-m.ctx.Done():
		return ErrAlreadyClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe adds a room to desired state. When connected, any live
// subscription for the room is torn down and a new one opened; otherwise
// the room waits for the next connect.
func (m *Manager) Subscribe(room string) {
	if room == "" {
		m.logger.Warn("ignoring subscribe with empty room")
		return
	}

	m.subMu.Lock()
	defer m.subMu.Unlock()

	m.mu.Lock()
	added := m.registry.add(room)
	t, epoch := m.transport, m.epoch.Load()
	connected := m.state == StateConnected && t != nil
	m.mu.Unlock()

	if !connected {
		if added {
			m.logger.Debug("room pending until connected", "room", room)
		}
		return
	}
	m.subscribeRoom(t, room, epoch)
}

// Unsubscribe tears down a room's subscription and drops it from desired state.
func (m *Manager) Unsubscribe(room string) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	m.mu.Lock()
	sub, ok := m.registry.remove(room)
	epoch := m.epoch.Load()
	m.mu.Unlock()

	if !ok {
		return
	}
	if sub != nil {
		m.teardown(room, epoch, sub)
	}
	m.emit(Event{Kind: EventUnsubscribed, Epoch: epoch, Room: room})
	m.logger.Debug("room unsubscribed", "room", room)
}

// Publish sends a body to a room's outbound destination. It returns
// ErrNotConnected without touching the transport when disconnected.
func (m *Manager) Publish(room string, body []byte) error {
	m.mu.Lock()
	t := m.transport
	connected := m.state == StateConnected && t != nil
	m.mu.Unlock()

	epoch := m.epoch.Load()
	if !connected {
		m.emit(Event{Kind: EventSendRejected, Epoch: epoch, Room: room, Err: ErrNotConnected})
		return ErrNotConnected
	}

	if err := t.Publish(m.cfg.Topics.Send(room), body); err != nil {
		m.emit(Event{Kind: EventSendFailed, Epoch: epoch, Room: room, Err: err})
		return err
	}
	return nil
}

// Rooms returns the desired rooms in subscription order.
func (m *Manager) Rooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registry.list()
}

// Live reports whether a room has a live transport subscription.
func (m *Manager) Live(room string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registry.handle(room) != nil
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether the manager holds a live transport.
func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

// Stats returns current connection and subscription statistics.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ManagerStats{
		State:        m.state,
		Epoch:        m.epoch.Load(),
		DesiredRooms: m.registry.len(),
		LiveRooms:    m.registry.live(),
		Connects:     m.connects.Load(),
		Drops:        m.drops.Load(),
	}
}

// run is the control loop.
func (m *Manager) run() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			m.disconnect()
			return

		case ev := <-m.mailbox:
			m.handle(ev)
		}
	}
}

func (m *Manager) handle(ev any) {
	switch ev := ev.(type) {
	case credentialsChanged:
		if !ev.ok {
			m.clearCredentials()
			return
		}
		m.mu.Lock()
		m.creds = ev.creds
		m.hasCreds = true
		m.mu.Unlock()
		m.logger.Info("credentials set", "identity", ev.creds.Identity)
		m.connect()

	case connectRequest:
		m.connect()

	case disconnectRequest:
		m.disconnect()
		close(ev.done)

	case dialResult:
		m.handleDial(ev)

	case transportLost:
		m.handleLost(ev)

	case retryDue:
		m.mu.Lock()
		due := ev.gen == m.timerGen && m.timer != nil
		if due {
			m.timer = nil
		}
		m.mu.Unlock()
		if due {
			m.connect()
		}
	}
}

// connect starts a handshake when credentials are held and no connection
// exists or is in progress.
func (m *Manager) connect() {
	m.mu.Lock()
	if !m.hasCreds || m.state != StateDisconnected || m.ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	m.stopTimerLocked()
	m.state = StateConnecting
	epoch := m.epoch.Add(1)
	creds := m.creds
	dialCtx, cancel := context.WithCancel(m.ctx)
	m.cancelDial = cancel
	m.mu.Unlock()

	m.emit(Event{Kind: EventConnecting, Epoch: epoch})
	m.logger.Info("connecting", "epoch", epoch, "identity", creds.Identity)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()

		t, err := m.dial(dialCtx, creds)
		if !m.post(dialResult{epoch: epoch, transport: t, err: err}) && t != nil {
			t.Close()
		}
	}()
}

func (m *Manager) handleDial(ev dialResult) {
	m.mu.Lock()
	if ev.epoch != m.epoch.Load() || m.state != StateConnecting {
		m.mu.Unlock()
		if ev.transport != nil {
			ev.transport.Close()
		}
		m.logger.Debug("discarding abandoned handshake", "epoch", ev.epoch)
		return
	}
	m.cancelDial = nil

	if ev.err != nil {
		m.state = StateDisconnected
		m.mu.Unlock()

		m.emit(Event{Kind: EventHandshakeFailed, Epoch: ev.epoch, Err: ev.err})
		m.logger.Warn("handshake failed", "epoch", ev.epoch, "error", ev.err)
		m.publishStatus(false)
		m.scheduleReconnect()
		return
	}

	t := ev.transport
	m.transport = t
	m.state = StateConnected
	m.stopTimerLocked()
	m.wait = m.cfg.ReconnectDelay
	stop := make(chan struct{})
	m.watchStop = stop
	m.mu.Unlock()

	m.connects.Add(1)
	m.emit(Event{Kind: EventConnected, Epoch: ev.epoch})
	m.logger.Info("connected", "epoch", ev.epoch)

	m.wg.Add(1)
	go m.watch(ev.epoch, t, stop)

	m.publishStatus(true)
	m.replay(t, ev.epoch)
}

// replay opens the notification channel and every desired room on a fresh
// connection. Socket writes happen outside mu.
func (m *Manager) replay(t Transport, epoch uint64) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	m.subscribeNotifications(t, epoch)

	m.mu.Lock()
	rooms := m.registry.list()
	m.mu.Unlock()

	for _, room := range rooms {
		if m.epoch.Load() != epoch {
			return
		}
		m.subscribeRoom(t, room, epoch)
	}
	if len(rooms) > 0 {
		m.logger.Info("replayed room subscriptions", "rooms", len(rooms), "epoch", epoch)
	}

	m.mu.Lock()
	if m.epoch.Load() == epoch {
		m.replayed = epoch
	}
	m.mu.Unlock()
}

// watch reports the transport's terminal error to the control loop.
func (m *Manager) watch(epoch uint64, t Transport, stop <-chan struct{}) {
	defer m.wg.Done()

	select {
	case err := <-t.Errors():
		m.post(transportLost{epoch: epoch, err: err})
	case <-stop:
	case <-m.ctx.Done():
	}
}

func (m *Manager) handleLost(ev transportLost) {
	m.mu.Lock()
	if ev.epoch != m.epoch.Load() || m.transport == nil {
		m.mu.Unlock()
		return
	}
	t := m.transport
	m.transport = nil
	m.notify = nil
	m.watchStop = nil
	m.registry.detachAll() // handles died with the transport
	m.state = StateDisconnected
	m.epoch.Add(1)
	m.mu.Unlock()

	t.Close()
	m.drops.Add(1)

	m.emit(Event{Kind: EventTransportLost, Epoch: ev.epoch, Err: ev.err})
	m.logger.Warn("connection lost", "epoch", ev.epoch, "error", ev.err)
	m.publishStatus(false)
	m.scheduleReconnect()
}

// disconnect abandons any handshake, tears down live subscriptions
// best-effort, and closes the transport. Desired rooms stay.
func (m *Manager) disconnect() {
	m.mu.Lock()
	epoch := m.epoch.Add(1)
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	m.stopTimerLocked()
	if m.watchStop != nil {
		close(m.watchStop)
		m.watchStop = nil
	}
	t := m.transport
	m.transport = nil
	notify := m.notify
	m.notify = nil
	handles := m.registry.detachAll()
	was := m.state
	m.state = StateDisconnected
	m.mu.Unlock()

	for _, h := range handles {
		m.teardown(h.room, epoch, h.sub)
	}
	if notify != nil {
		m.teardown("", epoch, notify)
	}
	if t != nil {
		if err := t.Close(); err != nil {
			m.logger.Debug("transport close failed", "error", err)
		}
	}

	if was != StateDisconnected {
		m.emit(Event{Kind: EventDisconnected, Epoch: epoch})
		m.logger.Info("disconnected", "was", was.String(), "rooms_released", len(handles))
	}
	m.publishStatus(false)
}

func (m *Manager) clearCredentials() {
	m.mu.Lock()
	m.creds = auth.Credentials{}
	m.hasCreds = false
	m.mu.Unlock()

	m.disconnect()

	m.mu.Lock()
	dropped := m.registry.len()
	m.registry.clear()
	m.mu.Unlock()

	m.logger.Info("credentials cleared", "rooms_dropped", dropped)
}

// scheduleReconnect arms the single reconnect timer, replacing any pending one.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if !m.hasCreds || m.ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	m.stopTimerLocked()

	delay := m.wait
	m.wait = min(delay*2, m.cfg.ReconnectMaxDelay)

	gen := m.timerGen
	m.timer = time.AfterFunc(delay, func() {
		m.post(retryDue{gen: gen})
	})
	epoch := m.epoch.Load()
	m.mu.Unlock()

	m.emit(Event{Kind: EventReconnectScheduled, Epoch: epoch, Delay: delay})
	m.logger.Info("reconnect scheduled", "delay", delay)
}

// stopTimerLocked cancels the pending timer. Bumping the generation also
// voids a retryDue that already fired but is still in the mailbox.
func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.timerGen++
}

// currentLocked reports whether t is still the live transport of epoch.
// Caller holds mu.
func (m *Manager) currentLocked(t Transport, epoch uint64) bool {
	return m.epoch.Load() == epoch && m.transport == t
}

func (m *Manager) subscribeNotifications(t Transport, epoch uint64) {
	topic := m.cfg.Topics.Notifications
	if topic == "" {
		return
	}
	sub, err := t.Subscribe(topic, m.deliverer(FrameNotification, "", epoch))
	if err != nil {
		m.subscribeFailed("", epoch, err)
		return
	}

	m.mu.Lock()
	current := m.currentLocked(t, epoch)
	if current {
		m.notify = sub
	}
	m.mu.Unlock()

	if !current {
		sub.Unsubscribe()
	}
}

// subscribeRoom opens the room's subscription, tearing down a live one first
// so a room never has two delivery paths. Caller holds subMu.
func (m *Manager) subscribeRoom(t Transport, room string, epoch uint64) {
	m.mu.Lock()
	old := m.registry.handle(room)
	if old != nil {
		m.registry.setHandle(room, nil)
	}
	m.mu.Unlock()

	if old != nil {
		m.teardown(room, epoch, old)
	}

	sub, err := t.Subscribe(m.cfg.Topics.Room(room), m.deliverer(FrameMessage, room, epoch))
	if err != nil {
		m.subscribeFailed(room, epoch, err)
		return
	}

	// The connection may have dropped or the rooms been cleared meanwhile
	m.mu.Lock()
	current := m.currentLocked(t, epoch) && m.registry.has(room)
	if current {
		m.registry.setHandle(room, sub)
	}
	m.mu.Unlock()

	if !current {
		sub.Unsubscribe()
		m.logger.Debug("discarding subscription for replaced connection", "room", room, "epoch", epoch)
		return
	}
	m.emit(Event{Kind: EventSubscribed, Epoch: epoch, Room: room})
	m.logger.Debug("room subscribed", "room", room, "sub_id", sub.ID())
}

func (m *Manager) subscribeFailed(room string, epoch uint64, err error) {
	if m.epoch.Load() != epoch {
		// The transport was closed under us; the next connect replays
		m.logger.Debug("subscribe on replaced connection failed", "room", room, "error", err)
		return
	}
	m.emit(Event{Kind: EventSubscribeFailed, Epoch: epoch, Room: room, Err: err})
	if room == "" {
		m.logger.Warn("notification subscribe failed", "topic", m.cfg.Topics.Notifications, "error", err)
		return
	}
	m.logger.Warn("room subscribe failed", "room", room, "error", err)
}

// teardown unsubscribes a handle. Failures are logged and emitted only.
func (m *Manager) teardown(room string, epoch uint64, sub TopicSubscription) {
	if err := sub.Unsubscribe(); err != nil {
		m.emit(Event{Kind: EventTeardownFailed, Epoch: epoch, Room: room, Err: err})
		m.logger.Warn("unsubscribe failed", "room", room, "topic", sub.Topic(), "error", err)
	}
}

// deliverer tags deliveries with their room and epoch. Late frames from a
// replaced transport are dropped.
func (m *Manager) deliverer(kind FrameKind, room string, epoch uint64) DeliverFunc {
	return func(d Delivery) {
		if m.epoch.Load() != epoch || m.hooks.Inbound == nil {
			return
		}
		m.hooks.Inbound(Frame{Kind: kind, Room: room, Epoch: epoch, Delivery: d})
	}
}

func (m *Manager) post(ev any) bool {
	if m.ctx.Err() != nil {
		return false
	}
	select {
	case m.mailbox <- ev:
		return true
	case <-m.ctx.Done():
		return false
	}
}

func (m *Manager) emit(e Event) {
	if m.hooks.Events == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	m.hooks.Events.Record(e)
}

func (m *Manager) publishStatus(connected bool) {
	if m.hooks.Status != nil {
		m.hooks.Status.PublishStatus(connected)
	}
}
