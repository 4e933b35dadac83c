package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rickgao/supportdesk-live/internal/auth"
)

// fakeTransport is an in-memory Transport.
type fakeTransport struct {
	id   int
	errs chan error

	mu             sync.Mutex
	subs           []*fakeSub
	subscribes     map[string]int
	published      map[string][][]byte
	closed         bool
	unsubscribeErr error
	block          chan struct{} // when set, Subscribe waits for it
}

type fakeSub struct {
	t       *fakeTransport
	id      string
	topic   string
	deliver DeliverFunc
	active  bool
}

func newFakeTransport(id int) *fakeTransport {
	return &fakeTransport{
		id:         id,
		errs:       make(chan error, 1),
		subscribes: make(map[string]int),
		published:  make(map[string][][]byte),
	}
}

func (f *fakeTransport) Subscribe(topic string, deliver DeliverFunc) (TopicSubscription, error) {
	f.mu.Lock()
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrAlreadyClosed
	}
	sub := &fakeSub{t: f, id: fmt.Sprintf("sub-%d-%d", f.id, len(f.subs)), topic: topic, deliver: deliver, active: true}
	f.subs = append(f.subs, sub)
	f.subscribes[topic]++
	return sub, nil
}

func (f *fakeTransport) Publish(destination string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrAlreadyClosed
	}
	f.published[destination] = append(f.published[destination], body)
	return nil
}

func (f *fakeTransport) Errors() <-chan error { return f.errs }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (s *fakeSub) ID() string    { return s.id }
func (s *fakeSub) Topic() string { return s.topic }

func (s *fakeSub) Unsubscribe() error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	s.active = false
	return s.t.unsubscribeErr
}

// deliver sends a body to every active subscription on topic.
func (f *fakeTransport) deliver(topic, body string) {
	f.mu.Lock()
	var targets []DeliverFunc
	for _, s := range f.subs {
		if s.active && s.topic == topic {
			targets = append(targets, s.deliver)
		}
	}
	f.mu.Unlock()

	for _, fn := range targets {
		fn(Delivery{Topic: topic, Body: []byte(body), ReceivedAt: time.Now()})
	}
}

// active counts live subscriptions on a topic.
func (f *fakeTransport) active(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.subs {
		if s.active && s.topic == topic {
			n++
		}
	}
	return n
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) publishedTo(dest string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published[dest])
}

// fakeDialer hands out fakeTransports.
type fakeDialer struct {
	mu         sync.Mutex
	dials      int
	failNext   int
	block      chan struct{} // when set, dials wait for it and ignore ctx
	transports []*fakeTransport
	creds      []auth.Credentials
}

func (d *fakeDialer) dial(ctx context.Context, creds auth.Credentials) (Transport, error) {
	d.mu.Lock()
	d.dials++
	d.creds = append(d.creds, creds)
	block := d.block
	fail := d.failNext > 0
	if fail {
		d.failNext--
	}
	d.mu.Unlock()

	if block != nil {
		<-block
	}
	if fail {
		return nil, fmt.Errorf("%w: refused", ErrHandshake)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	t := newFakeTransport(len(d.transports) + 1)
	d.transports = append(d.transports, t)
	return t, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

// recorder captures everything the manager publishes.
type recorder struct {
	mu     sync.Mutex
	status []bool
	events []Event
	frames []Frame
}

func (r *recorder) PublishStatus(connected bool) {
	r.mu.Lock()
	r.status = append(r.status, connected)
	r.mu.Unlock()
}

func (r *recorder) Record(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) inbound(f Frame) {
	r.mu.Lock()
	r.frames = append(r.frames, f)
	r.mu.Unlock()
}

func (r *recorder) framesFor(room string) []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Frame
	for _, f := range r.frames {
		if f.Room == room {
			out = append(out, f)
		}
	}
	return out
}

func (r *recorder) countEvents(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recorder) delays() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []time.Duration
	for _, e := range r.events {
		if e.Kind == EventReconnectScheduled {
			out = append(out, e.Delay)
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func testManagerConfig() ManagerConfig {
	cfg := DefaultManagerConfig()
	cfg.ReconnectDelay = 20 * time.Millisecond
	cfg.ReconnectMaxDelay = 20 * time.Millisecond
	return cfg
}

func newTestManager(t *testing.T, cfg ManagerConfig, d *fakeDialer) (*Manager, *recorder) {
	t.Helper()
	rec := &recorder{}
	m := NewManager(cfg, d.dial, Hooks{Inbound: rec.inbound, Status: rec, Events: rec}, nil)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		m.Stop(ctx)
	})
	return m, rec
}

var creds = auth.Credentials{Token: "tok", Identity: "agent"}

// ready reports whether the manager is connected and has finished
// replaying subscriptions for the current connection.
func ready(m *Manager) func() bool {
	return func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.state == StateConnected && m.replayed == m.epoch.Load()
	}
}

func TestManager_NoConnectWithoutCredentials(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(t, testManagerConfig(), d)

	m.Connect()
	m.Subscribe("room-1")
	time.Sleep(50 * time.Millisecond)

	if d.count() != 0 {
		t.Errorf("dials = %d, want 0", d.count())
	}
	if m.State() != StateDisconnected {
		t.Errorf("State = %s, want disconnected", m.State())
	}
	if rooms := m.Rooms(); len(rooms) != 1 || rooms[0] != "room-1" {
		t.Errorf("Rooms = %v, want [room-1]", rooms)
	}
}

func TestManager_ConnectOnCredentials(t *testing.T) {
	d := &fakeDialer{}
	m, rec := newTestManager(t, testManagerConfig(), d)

	m.SetCredentials(creds)
	waitFor(t, "connected", ready(m))

	// Setting credentials again while connected is a no-op
	m.SetCredentials(creds)
	time.Sleep(30 * time.Millisecond)
	if d.count() != 1 {
		t.Errorf("dials = %d, want 1", d.count())
	}

	tr := d.last()
	if tr.active("/user/queue/notifications") != 1 {
		t.Error("notification channel not subscribed")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.status) == 0 || !rec.status[len(rec.status)-1] {
		t.Errorf("status = %v, want trailing true", rec.status)
	}
	if d.creds[0] != creds {
		t.Errorf("dialed with %v, want %v", d.creds[0], creds)
	}
}

func TestManager_SubscribeTwiceSingleSubscription(t *testing.T) {
	d := &fakeDialer{}
	m, rec := newTestManager(t, testManagerConfig(), d)

	m.SetCredentials(creds)
	waitFor(t, "connected", ready(m))

	m.Subscribe("room-1")
	m.Subscribe("room-1")

	tr := d.last()
	if n := tr.active("/topic/rooms/room-1"); n != 1 {
		t.Fatalf("active subscriptions = %d, want 1", n)
	}

	tr.deliver("/topic/rooms/room-1", `{"content":"x"}`)
	if n := len(rec.framesFor("room-1")); n != 1 {
		t.Errorf("frames = %d, want 1", n)
	}
	if rooms := m.Rooms(); len(rooms) != 1 {
		t.Errorf("Rooms = %v, want one room", rooms)
	}
}

func TestManager_ReplayAfterTransportError(t *testing.T) {
	d := &fakeDialer{}
	m, rec := newTestManager(t, testManagerConfig(), d)

	m.Subscribe("room-1")
	m.Subscribe("room-2")
	m.SetCredentials(creds)
	waitFor(t, "connected", ready(m))

	first := d.last()
	if first.active("/topic/rooms/room-1") != 1 || first.active("/topic/rooms/room-2") != 1 {
		t.Fatal("rooms not replayed on first connect")
	}

	first.errs <- errors.New("connection reset")
	waitFor(t, "reconnect", func() bool { return d.count() == 2 && ready(m)() })

	if !first.isClosed() {
		t.Error("dropped transport was not closed")
	}

	second := d.last()
	for _, room := range []string{"room-1", "room-2"} {
		if n := second.active("/topic/rooms/" + room); n != 1 {
			t.Errorf("%s: active subscriptions = %d, want 1", room, n)
		}
		if !m.Live(room) {
			t.Errorf("%s: not live", room)
		}
	}

	second.deliver("/topic/rooms/room-1", `{"content":"after"}`)
	frames := rec.framesFor("room-1")
	if len(frames) != 1 || string(frames[0].Body) != `{"content":"after"}` {
		t.Fatalf("frames = %+v", frames)
	}

	// Frames from the replaced transport never reach the router
	first.mu.Lock()
	for _, s := range first.subs {
		s.active = true
	}
	first.mu.Unlock()
	first.deliver("/topic/rooms/room-1", `{"content":"stale"}`)
	if n := len(rec.framesFor("room-1")); n != 1 {
		t.Errorf("frames = %d after stale delivery, want 1", n)
	}

	if rec.countEvents(EventTransportLost) != 1 {
		t.Errorf("transport_lost events = %d, want 1", rec.countEvents(EventTransportLost))
	}
	if s := m.Stats(); s.Connects != 2 || s.Drops != 1 || s.LiveRooms != 2 || s.DesiredRooms != 2 {
		t.Errorf("Stats = %+v", s)
	}
}

func TestManager_ReplayAfterDisconnectConnect(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(t, testManagerConfig(), d)

	m.SetCredentials(creds)
	waitFor(t, "connected", ready(m))
	m.Subscribe("room-1")

	first := d.last()
	if err := m.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if m.IsConnected() {
		t.Fatal("still connected after Disconnect")
	}
	if first.active("/topic/rooms/room-1") != 0 {
		t.Error("room handle not torn down on disconnect")
	}
	if m.Live("room-1") {
		t.Error("room still live after disconnect")
	}

	// No automatic reconnect after an explicit disconnect
	time.Sleep(60 * time.Millisecond)
	if d.count() != 1 {
		t.Fatalf("dials = %d, want 1", d.count())
	}

	m.Connect()
	waitFor(t, "reconnected", ready(m))

	second := d.last()
	if second == first {
		t.Fatal("transport reused")
	}
	if n := second.active("/topic/rooms/room-1"); n != 1 {
		t.Errorf("active subscriptions = %d, want 1", n)
	}
}

func TestManager_StalledSubscribeDoesNotBlockState(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(t, testManagerConfig(), d)

	m.SetCredentials(creds)
	waitFor(t, "connected", ready(m))

	tr := d.last()
	release := make(chan struct{})
	tr.mu.Lock()
	tr.block = release
	tr.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.Subscribe("room-2")
		close(done)
	}()

	queried := make(chan struct{})
	go func() {
		m.IsConnected()
		m.State()
		m.Rooms()
		m.Live("room-2")
		m.Stats()
		close(queried)
	}()

	select {
	case <-queried:
	case <-time.After(time.Second):
		t.Fatal("state queries blocked behind a stalled subscribe")
	}
	select {
	case <-done:
		t.Fatal("Subscribe returned before the transport accepted it")
	default:
	}

	close(release)
	<-done
	if !m.Live("room-2") {
		t.Error("room-2 not live after subscribe completed")
	}
	if n := tr.active("/topic/rooms/room-2"); n != 1 {
		t.Errorf("active room-2 subscriptions = %d, want 1", n)
	}
}

func TestManager_SubscribeAfterDropDiscarded(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(t, testManagerConfig(), d)

	m.SetCredentials(creds)
	waitFor(t, "connected", ready(m))

	first := d.last()
	release := make(chan struct{})
	first.mu.Lock()
	first.block = release
	first.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.Subscribe("room-3")
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)

	// The connection drops while the subscribe is in flight
	first.errs <- errors.New("reset")
	waitFor(t, "drop", func() bool { return first.isClosed() })
	close(release)
	<-done

	waitFor(t, "reconnect", func() bool { return d.count() == 2 && ready(m)() })
	second := d.last()
	if n := second.active("/topic/rooms/room-3"); n != 1 {
		t.Errorf("room-3 on new transport = %d, want 1", n)
	}
	if !m.Live("room-3") {
		t.Error("room-3 not live after reconnect")
	}
}

func TestManager_UnsubscribeNotReplayed(t *testing.T) {
	d := &fakeDialer{}
	m, rec := newTestManager(t, testManagerConfig(), d)

	m.SetCredentials(creds)
	waitFor(t, "connected", ready(m))
	m.Subscribe("room-1")
	m.Subscribe("room-2")
	m.Unsubscribe("room-1")
	m.Unsubscribe("room-unknown")

	first := d.last()
	if first.active("/topic/rooms/room-1") != 0 {
		t.Error("room-1 still subscribed")
	}

	first.errs <- errors.New("drop")
	waitFor(t, "reconnect", func() bool { return d.count() == 2 && ready(m)() })

	second := d.last()
	second.mu.Lock()
	n := second.subscribes["/topic/rooms/room-1"]
	second.mu.Unlock()
	if n != 0 {
		t.Errorf("room-1 re-established %d times after unsubscribe", n)
	}
	if second.active("/topic/rooms/room-2") != 1 {
		t.Error("room-2 not replayed")
	}
	if rec.countEvents(EventUnsubscribed) != 1 {
		t.Errorf("unsubscribed events = %d, want 1", rec.countEvents(EventUnsubscribed))
	}
}

func TestManager_PublishWhileDisconnected(t *testing.T) {
	d := &fakeDialer{}
	m, rec := newTestManager(t, testManagerConfig(), d)

	if err := m.Publish("room-1", []byte(`{}`)); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if d.count() != 0 {
		t.Error("publish triggered a dial")
	}
	if rec.countEvents(EventSendRejected) != 1 {
		t.Error("send_rejected not emitted")
	}

	m.SetCredentials(creds)
	waitFor(t, "connected", ready(m))

	if err := m.Publish("room-1", []byte(`{}`)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if d.last().publishedTo("/app/rooms/room-1/send") != 1 {
		t.Error("message not published to the room destination")
	}
}

func TestManager_HandshakeFailureRetries(t *testing.T) {
	d := &fakeDialer{failNext: 2}
	m, rec := newTestManager(t, testManagerConfig(), d)

	m.SetCredentials(creds)
	waitFor(t, "connected after retries", ready(m))

	if d.count() != 3 {
		t.Errorf("dials = %d, want 3", d.count())
	}
	if n := rec.countEvents(EventHandshakeFailed); n != 2 {
		t.Errorf("handshake_failed events = %d, want 2", n)
	}
	if n := rec.countEvents(EventReconnectScheduled); n != 2 {
		t.Errorf("reconnect_scheduled events = %d, want 2", n)
	}
}

func TestManager_BackoffGrowth(t *testing.T) {
	d := &fakeDialer{failNext: 4}
	cfg := testManagerConfig()
	cfg.ReconnectDelay = 5 * time.Millisecond
	cfg.ReconnectMaxDelay = 20 * time.Millisecond
	m, rec := newTestManager(t, cfg, d)

	m.SetCredentials(creds)
	waitFor(t, "connected", ready(m))

	want := []time.Duration{5 * time.Millisecond, 10 * time.Millisecond, 20 * time.Millisecond, 20 * time.Millisecond}
	got := rec.delays()
	if len(got) != len(want) {
		t.Fatalf("delays = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	// Backoff resets once connected
	d.last().errs <- errors.New("drop")
	waitFor(t, "rescheduled", func() bool { return len(rec.delays()) == 5 })
	if got := rec.delays()[4]; got != 5*time.Millisecond {
		t.Errorf("delay after reset = %v, want 5ms", got)
	}
}

func TestManager_SingleReconnectTimer(t *testing.T) {
	d := &fakeDialer{}
	cfg := testManagerConfig()
	cfg.ReconnectDelay = time.Hour
	cfg.ReconnectMaxDelay = time.Hour
	m := NewManager(cfg, d.dial, Hooks{}, nil)
	defer m.Stop(context.Background())

	m.mu.Lock()
	m.hasCreds = true
	m.mu.Unlock()

	m.scheduleReconnect()
	m.mu.Lock()
	first := m.timer
	m.mu.Unlock()

	m.scheduleReconnect()
	m.scheduleReconnect()

	m.mu.Lock()
	defer m.mu.Unlock()
	if first.Stop() {
		t.Error("first timer was still armed after rescheduling")
	}
	if m.timer == nil || m.timer == first {
		t.Error("expected exactly one fresh timer")
	}
}

func TestManager_StaleRetryIgnored(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(t, testManagerConfig(), d)

	m.mailbox <- retryDue{gen: 12345}
	time.Sleep(30 * time.Millisecond)
	if d.count() != 0 {
		t.Errorf("dials = %d, want 0", d.count())
	}
}

func TestManager_ClearCredentials(t *testing.T) {
	d := &fakeDialer{}
	m, rec := newTestManager(t, testManagerConfig(), d)

	m.SetCredentials(creds)
	waitFor(t, "connected", ready(m))
	m.Subscribe("room-1")
	tr := d.last()

	m.ClearCredentials()
	waitFor(t, "disconnected", func() bool { return !m.IsConnected() })
	waitFor(t, "rooms cleared", func() bool { return len(m.Rooms()) == 0 })

	if !tr.isClosed() {
		t.Error("transport not closed")
	}

	time.Sleep(60 * time.Millisecond)
	if d.count() != 1 {
		t.Errorf("dials = %d after clear, want 1", d.count())
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.status[len(rec.status)-1] {
		t.Errorf("status = %v, want trailing false", rec.status)
	}
}

func TestManager_DisconnectAbandonsHandshake(t *testing.T) {
	d := &fakeDialer{block: make(chan struct{})}
	m, _ := newTestManager(t, testManagerConfig(), d)

	m.SetCredentials(creds)
	waitFor(t, "connecting", func() bool { return m.State() == StateConnecting })

	if err := m.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	close(d.block)

	waitFor(t, "abandoned transport closed", func() bool {
		tr := d.last()
		return tr != nil && tr.isClosed()
	})
	if m.State() != StateDisconnected {
		t.Errorf("State = %s, want disconnected", m.State())
	}
}

func TestManager_TeardownFailureSwallowed(t *testing.T) {
	d := &fakeDialer{}
	m, rec := newTestManager(t, testManagerConfig(), d)

	m.SetCredentials(creds)
	waitFor(t, "connected", ready(m))
	m.Subscribe("room-1")

	tr := d.last()
	tr.mu.Lock()
	tr.unsubscribeErr = errors.New("receipt lost")
	tr.mu.Unlock()

	m.Unsubscribe("room-1")

	if len(m.Rooms()) != 0 {
		t.Error("room not removed after failed teardown")
	}
	if n := rec.countEvents(EventTeardownFailed); n != 1 {
		t.Errorf("teardown_failed events = %d, want 1", n)
	}
}

func TestManager_StartTwice(t *testing.T) {
	m, _ := newTestManager(t, testManagerConfig(), &fakeDialer{})
	if err := m.Start(context.Background()); err == nil {
		t.Error("expected error on second Start")
	}
}

func TestManager_StopClosesTransport(t *testing.T) {
	d := &fakeDialer{}
	rec := &recorder{}
	m := NewManager(testManagerConfig(), d.dial, Hooks{Status: rec}, nil)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	m.SetCredentials(creds)
	waitFor(t, "connected", ready(m))

	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if !d.last().isClosed() {
		t.Error("transport not closed on Stop")
	}
	if err := m.Disconnect(context.Background()); !errors.Is(err, ErrAlreadyClosed) {
		t.Errorf("Disconnect after Stop: expected ErrAlreadyClosed, got %v", err)
	}
}

func TestRegistry(t *testing.T) {
	r := newRegistry()

	if !r.add("a") || !r.add("b") || r.add("a") {
		t.Fatal("add should report only new rooms")
	}
	r.add("c")

	sub := &fakeSub{id: "s1", topic: "/topic/rooms/b"}
	r.setHandle("b", sub)
	r.setHandle("zzz", sub)

	if r.live() != 1 || r.len() != 3 {
		t.Errorf("live = %d, len = %d", r.live(), r.len())
	}
	if r.has("zzz") {
		t.Error("setHandle must not add rooms")
	}

	got, ok := r.remove("a")
	if !ok || got != nil {
		t.Errorf("remove(a) = %v, %v", got, ok)
	}
	if list := r.list(); len(list) != 2 || list[0] != "b" || list[1] != "c" {
		t.Errorf("list = %v, want [b c]", list)
	}

	live := r.detachAll()
	if len(live) != 1 || live[0].room != "b" || live[0].sub != sub {
		t.Errorf("detachAll = %+v", live)
	}
	if r.handle("b") != nil || !r.has("b") {
		t.Error("detachAll must keep rooms pending")
	}

	r.clear()
	if r.len() != 0 {
		t.Errorf("len after clear = %d", r.len())
	}
}
