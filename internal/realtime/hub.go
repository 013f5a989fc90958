package realtime

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/isaquesgti/sinistro-simplify/internal/messages"
	"github.com/isaquesgti/sinistro-simplify/internal/obs"
)

// TableMessages names the message table subscription space.
const TableMessages = "messages"

var (
	ErrHubClosed     = errors.New("realtime: hub closed")
	ErrInvalidKey    = errors.New("realtime: subscription key requires table and claim id")
	ErrTooManyPerKey = errors.New("realtime: too many subscriptions for this claim")
)

// Key identifies a filtered insert stream.
type Key struct {
	Table   string
	ClaimID string
}

// MessagesKey is the key for inserts into the messages table of claimID.
func MessagesKey(claimID string) Key {
	return Key{Table: TableMessages, ClaimID: strings.TrimSpace(claimID)}
}

func (k Key) valid() bool { return k.Table != "" && k.ClaimID != "" }

// Handle is one live subscription. Close is idempotent; events published
// after it returns are dropped.
type Handle struct {
	hub   *Hub
	key   Key
	id    uint64
	fn     func(messages.Message)
	alive  atomic.Bool
	resync atomic.Pointer[func()]
}

// Key returns the subscription key.
func (h *Handle) Key() Key { return h.key }

// Live reports whether the handle still receives events.
func (h *Handle) Live() bool { return h.alive.Load() }

// OnResync sets fn to run when the hub asks subscribers to reload because
// published inserts may have been missed. fn must not block.
func (h *Handle) OnResync(fn func()) {
	if fn == nil {
		h.resync.Store(nil)
		return
	}
	h.resync.Store(&fn)
}

func (h *Handle) Close() {
	if !h.alive.CompareAndSwap(true, false) {
		return
	}
	h.hub.remove(h)
}

func (h *Handle) deliver(m messages.Message) {
	if !h.alive.Load() {
		obs.RealtimeEvents.WithLabelValues("dropped").Inc()
		return
	}
	h.fn(m)
}

// Hub fans inserted messages out to the handles subscribed to their claim.
type Hub struct {
	mu     sync.RWMutex
	subs   map[Key]map[uint64]*Handle
	next   uint64
	limit  int
	closed bool
}

// NewHub creates a hub. limit bounds subscriptions per key; 0 means unbounded.
func NewHub(limit int) *Hub {
	return &Hub{subs: make(map[Key]map[uint64]*Handle), limit: limit}
}

// Subscribe registers fn for inserts matching key.
func (h *Hub) Subscribe(key Key, fn func(messages.Message)) (*Handle, error) {
	if !key.valid() || fn == nil {
		return nil, ErrInvalidKey
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	set := h.subs[key]
	if h.limit > 0 && len(set) >= h.limit {
		return nil, ErrTooManyPerKey
	}
	if set == nil {
		set = make(map[uint64]*Handle)
		h.subs[key] = set
	}
	h.next++
	handle := &Handle{hub: h, key: key, id: h.next, fn: fn}
	handle.alive.Store(true)
	set[handle.id] = handle
	obs.RealtimeSubscriptions.Inc()
	return handle, nil
}

// Publish delivers m to every handle subscribed to its claim, in the calling
// goroutine. Callers publish in commit order.
func (h *Hub) Publish(m messages.Message) int {
	key := MessagesKey(m.ClaimID)
	h.mu.RLock()
	targets := make([]*Handle, 0, len(h.subs[key]))
	for _, handle := range h.subs[key] {
		targets = append(targets, handle)
	}
	h.mu.RUnlock()

	for _, handle := range targets {
		handle.deliver(m)
	}
	return len(targets)
}

// Resync runs the resync callback of every live handle and returns the
// number of keys that had one.
func (h *Hub) Resync() int {
	h.mu.RLock()
	var targets []*Handle
	for _, set := range h.subs {
		for _, handle := range set {
			targets = append(targets, handle)
		}
	}
	h.mu.RUnlock()

	keys := make(map[Key]struct{})
	for _, handle := range targets {
		if !handle.Live() {
			continue
		}
		fn := handle.resync.Load()
		if fn == nil {
			continue
		}
		keys[handle.Key()] = struct{}{}
		(*fn)()
	}
	return len(keys)
}

// Subscribers reports the number of live handles for key.
func (h *Hub) Subscribers(key Key) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[key])
}

// Close detaches every handle and refuses new subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var all []*Handle
	for _, set := range h.subs {
		for _, handle := range set {
			all = append(all, handle)
		}
	}
	h.mu.Unlock()
	for _, handle := range all {
		handle.Close()
	}
}

func (h *Hub) remove(handle *Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[handle.key]
	if _, ok := set[handle.id]; !ok {
		return
	}
	delete(set, handle.id)
	if len(set) == 0 {
		delete(h.subs, handle.key)
	}
	obs.RealtimeSubscriptions.Dec()
}
