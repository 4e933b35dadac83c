package connection

// roomHandle pairs a room with its live subscription.
type roomHandle struct {
	room string
	sub  TopicSubscription
}

// registry is the desired-room set, in subscription order, with the live
// handle for each room. A nil handle marks the room pending. The manager
// guards it with its mutex.
type registry struct {
	order []string
	rooms map[string]TopicSubscription
}

func newRegistry() *registry {
	return &registry{rooms: make(map[string]TopicSubscription)}
}

// add records a room as desired. Returns false if it already was.
func (r *registry) add(room string) bool {
	if _, ok := r.rooms[room]; ok {
		return false
	}
	r.rooms[room] = nil
	r.order = append(r.order, room)
	return true
}

// remove drops a room from desired state and returns its live handle, if any.
func (r *registry) remove(room string) (TopicSubscription, bool) {
	sub, ok := r.rooms[room]
	if !ok {
		return nil, false
	}
	delete(r.rooms, room)
	for i, name := range r.order {
		if name == room {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	return sub, true
}

func (r *registry) has(room string) bool {
	_, ok := r.rooms[room]
	return ok
}

func (r *registry) handle(room string) TopicSubscription {
	return r.rooms[room]
}

// setHandle installs a handle for a desired room. Unknown rooms are ignored.
func (r *registry) setHandle(room string, sub TopicSubscription) {
	if _, ok := r.rooms[room]; ok {
		r.rooms[room] = sub
	}
}

// list returns the desired rooms in subscription order.
func (r *registry) list() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// detachAll resets every room to pending and returns the handles that were live.
func (r *registry) detachAll() []roomHandle {
	var live []roomHandle
	for _, room := range r.order {
		if sub := r.rooms[room]; sub != nil {
			live = append(live, roomHandle{room: room, sub: sub})
			r.rooms[room] = nil
		}
	}
	return live
}

// clear drops all desired rooms and returns the handles that were live.
func (r *registry) clear() []roomHandle {
	live := r.detachAll()
	r.order = nil
	r.rooms = make(map[string]TopicSubscription)
	return live
}

func (r *registry) len() int { return len(r.order) }

func (r *registry) live() int {
	n := 0
	for _, sub := range r.rooms {
		if sub != nil {
			n++
		}
	}
	return n
}
