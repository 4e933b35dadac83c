// Package dispatch holds the handler sets UI code registers and delivers
// inbound chat frames and connectivity transitions to them.
//
// Handlers are compared by identity: a consumer removes exactly the value it
// added. Plain funcs are not comparable in Go, so OnMessage, OnNotification
// and OnStatus wrap them in pointer-identity handlers.
package dispatch

import (
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/rickgao/supportdesk-live/internal/model"
)

// MessageHandler receives messages for the room it was registered on.
type MessageHandler interface {
	HandleMessage(msg model.Message)
}

// NotificationHandler receives every notification.
type NotificationHandler interface {
	HandleNotification(n model.Notification)
}

// StatusHandler receives connectivity transitions.
type StatusHandler interface {
	HandleStatus(connected bool)
}

type messageFunc struct{ fn func(model.Message) }

func (f *messageFunc) HandleMessage(msg model.Message) { f.fn(msg) }

type notificationFunc struct{ fn func(model.Notification) }

func (f *notificationFunc) HandleNotification(n model.Notification) { f.fn(n) }

type statusFunc struct{ fn func(bool) }

func (f *statusFunc) HandleStatus(connected bool) { f.fn(connected) }

// OnMessage wraps fn. Keep the returned value to remove it later.
func OnMessage(fn func(model.Message)) MessageHandler { return &messageFunc{fn: fn} }

// OnNotification wraps fn. Keep the returned value to remove it later.
func OnNotification(fn func(model.Notification)) NotificationHandler {
	return &notificationFunc{fn: fn}
}

// OnStatus wraps fn. Keep the returned value to remove it later.
func OnStatus(fn func(connected bool)) StatusHandler { return &statusFunc{fn: fn} }

// entry is one registration. removed is checked before every invocation so
// a removed handler sees nothing after Remove returns, even from a snapshot
// taken earlier.
type entry[H any] struct {
	h       H
	removed atomic.Bool

	// Status handlers only: serializes the initial call with later
	// transitions and remembers the last version delivered.
	mu      sync.Mutex
	version uint64
}

// handlerSet is a copy-on-write list in registration order. Snapshots
// handed to dispatch are never mutated.
type handlerSet[H any] struct {
	entries []*entry[H]
}

func (s *handlerSet[H]) find(h H) int {
	for i, e := range s.entries {
		if any(e.h) == any(h) {
			return i
		}
	}
	return -1
}

// add appends h unless present. Returns the new entry, or nil for a duplicate.
func (s *handlerSet[H]) add(h H) *entry[H] {
	if s.find(h) >= 0 {
		return nil
	}
	e := &entry[H]{h: h}
	next := make([]*entry[H], len(s.entries), len(s.entries)+1)
	copy(next, s.entries)
	s.entries = append(next, e)
	return e
}

func (s *handlerSet[H]) remove(h H) bool {
	i := s.find(h)
	if i < 0 {
		return false
	}
	s.entries[i].removed.Store(true)
	next := make([]*entry[H], 0, len(s.entries)-1)
	next = append(next, s.entries[:i]...)
	s.entries = append(next, s.entries[i+1:]...)
	return true
}

// Dispatcher owns the message, notification and status handler sets.
type Dispatcher struct {
	logger *slog.Logger

	mu            sync.Mutex
	rooms         map[string]*handlerSet[MessageHandler]
	notifications handlerSet[NotificationHandler]
	status        handlerSet[StatusHandler]
	connected     bool
	version       uint64 // bumped on every status transition

	delivered atomic.Int64
	panics    atomic.Int64
}

// Stats is a snapshot of dispatch counters.
type Stats struct {
	Rooms                int   // Rooms with at least one message handler
	MessageHandlers      int   // Across all rooms
	NotificationHandlers int
	StatusHandlers       int
	Delivered            int64 // Handler invocations
	Panics               int64 // Recovered handler panics
}

// New creates an empty dispatcher in the disconnected state.
func New(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		logger: logger,
		rooms:  make(map[string]*handlerSet[MessageHandler]),
	}
}

// AddMessageHandler registers h for room. Adding the same handler twice
// has no further effect.
func (d *Dispatcher) AddMessageHandler(room string, h MessageHandler) {
	if !d.identifiable("message", h) {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	set := d.rooms[room]
	if set == nil {
		set = &handlerSet[MessageHandler]{}
		d.rooms[room] = set
	}
	set.add(h)
}

// RemoveMessageHandler unregisters h from room. Unknown handlers are ignored.
func (d *Dispatcher) RemoveMessageHandler(room string, h MessageHandler) {
	if !d.identifiable("message", h) {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	set := d.rooms[room]
	if set == nil {
		return
	}
	set.remove(h)
	if len(set.entries) == 0 {
		delete(d.rooms, room)
	}
}

// HasMessageHandlers reports whether anything is registered for room.
func (d *Dispatcher) HasMessageHandlers(room string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rooms[room] != nil
}

// AddNotificationHandler registers h for all notifications.
func (d *Dispatcher) AddNotificationHandler(h NotificationHandler) {
	if !d.identifiable("notification", h) {
		return
	}
	d.mu.Lock()
	d.notifications.add(h)
	d.mu.Unlock()
}

// RemoveNotificationHandler unregisters h.
func (d *Dispatcher) RemoveNotificationHandler(h NotificationHandler) {
	if !d.identifiable("notification", h) {
		return
	}
	d.mu.Lock()
	d.notifications.remove(h)
	d.mu.Unlock()
}

// AddStatusHandler registers h and calls it once, before returning, with
// the current connectivity. Later transitions are delivered after that
// initial call, never before it.
func (d *Dispatcher) AddStatusHandler(h StatusHandler) {
	if !d.identifiable("status", h) {
		return
	}

	d.mu.Lock()
	e := d.status.add(h)
	if e == nil {
		d.mu.Unlock()
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.version = d.version
	connected := d.connected
	d.mu.Unlock()

	if e.removed.Load() {
		return
	}
	d.invoke("status", func() { h.HandleStatus(connected) })
}

// RemoveStatusHandler unregisters h.
func (d *Dispatcher) RemoveStatusHandler(h StatusHandler) {
	if !d.identifiable("status", h) {
		return
	}
	d.mu.Lock()
	d.status.remove(h)
	d.mu.Unlock()
}

// PublishStatus announces a connectivity transition. Repeating the current
// value is not a transition.
func (d *Dispatcher) PublishStatus(connected bool) {
	d.mu.Lock()
	if connected == d.connected {
		d.mu.Unlock()
		return
	}
	d.connected = connected
	d.version++
	version := d.version
	entries := d.status.entries
	d.mu.Unlock()

	d.logger.Debug("connection status changed", "connected", connected, "handlers", len(entries))

	for _, e := range entries {
		e.mu.Lock()
		if e.version < version && !e.removed.Load() {
			e.version = version
			d.invoke("status", func() { e.h.HandleStatus(connected) })
		}
		e.mu.Unlock()
	}
}

// Connected returns the last published connectivity.
func (d *Dispatcher) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// DispatchMessage delivers msg to every handler registered for exactly
// room, in registration order. Returns the number of handlers invoked.
func (d *Dispatcher) DispatchMessage(room string, msg model.Message) int {
	d.mu.Lock()
	var entries []*entry[MessageHandler]
	if set := d.rooms[room]; set != nil {
		entries = set.entries
	}
	d.mu.Unlock()

	n := 0
	for _, e := range entries {
		if e.removed.Load() {
			continue
		}
		d.invoke("message", func() { e.h.HandleMessage(msg) })
		n++
	}
	return n
}

// DispatchNotification broadcasts n to every notification handler. Viewed
// is set when the room currently has message handlers.
func (d *Dispatcher) DispatchNotification(n model.Notification) int {
	d.mu.Lock()
	n.Viewed = d.rooms[n.RoomID] != nil
	entries := d.notifications.entries
	d.mu.Unlock()

	count := 0
	for _, e := range entries {
		if e.removed.Load() {
			continue
		}
		d.invoke("notification", func() { e.h.HandleNotification(n) })
		count++
	}
	return count
}

// Stats returns current handler counts and counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := Stats{
		Rooms:                len(d.rooms),
		NotificationHandlers: len(d.notifications.entries),
		StatusHandlers:       len(d.status.entries),
		Delivered:            d.delivered.Load(),
		Panics:               d.panics.Load(),
	}
	for _, set := range d.rooms {
		s.MessageHandlers += len(set.entries)
	}
	return s
}

// invoke runs one handler call. A panicking handler is logged and counted;
// it never unwinds into the transport.
func (d *Dispatcher) invoke(kind string, call func()) {
	defer func() {
		if r := recover(); r != nil {
			d.panics.Add(1)
			d.logger.Error("handler panicked", "kind", kind, "panic", r)
		}
	}()
	d.delivered.Add(1)
	call()
}

// identifiable rejects handlers that cannot be matched by identity.
func (d *Dispatcher) identifiable(kind string, h any) bool {
	t := reflect.TypeOf(h)
	if t == nil {
		d.logger.Warn("ignoring nil handler", "kind", kind)
		return false
	}
	// Interface fields can hold funcs even when the type is comparable
	if !t.Comparable() || !reflect.ValueOf(h).Comparable() {
		d.logger.Warn("ignoring handler that cannot be compared by identity",
			"kind", kind,
			"type", t.String(),
		)
		return false
	}
	return true
}
