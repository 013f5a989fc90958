package realtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/isaquesgti/sinistro-simplify/internal/messages"
	"github.com/isaquesgti/sinistro-simplify/internal/obs"
)

// storeTimeout bounds store calls made outside a caller's context.
const storeTimeout = 10 * time.Second

var (
	ErrAlreadyOpen = errors.New("realtime: channel already open")
	ErrNotOpen     = errors.New("realtime: channel not open")
)

// Phase is the lifecycle position of a Channel.
type Phase int

const (
	Closed Phase = iota
	Opening
	Open
)

func (p Phase) String() string {
	switch p {
	case Closed:
		return "closed"
	case Opening:
		return "opening"
	case Open:
		return "open"
	default:
		return "unknown"
	}
}

// Entry is a message as seen by the channel's user.
type Entry struct {
	messages.Message
	Self bool `json:"self"`
}

// Subscriber is the part of Hub a Channel needs.
type Subscriber interface {
	Subscribe(key Key, fn func(messages.Message)) (*Handle, error)
}

// Channel keeps one claim conversation as an ordered, de-duplicated list fed
// by a bulk fetch and the live insert stream.
type Channel struct {
	hub   Subscriber
	store messages.Store
	log   *logrus.Entry

	// notify serializes merge and listener delivery so listeners observe
	// snapshots in order.
	notify sync.Mutex

	mu        sync.Mutex
	phase     Phase
	epoch     uint64
	claimID   string
	userID    string
	handle    *Handle
	seen      map[string]struct{}
	list      []messages.Message
	listeners map[int]func([]Entry)
	nextL     int
}

// NewChannel returns a closed channel.
func NewChannel(hub Subscriber, store messages.Store) *Channel {
	return &Channel{
		hub:       hub,
		store:     store,
		log:       obs.Component("realtime.channel"),
		listeners: make(map[int]func([]Entry)),
	}
}

// Open subscribes to the claim's inserts and then loads its history. Events
// arriving before the history are merged the same way, so nothing inserted in
// between is lost. A failed subscription leaves the channel open but not live.
func (c *Channel) Open(ctx context.Context, claimID, userID string) error {
	claimID = strings.TrimSpace(claimID)
	if claimID == "" {
		return messages.ErrInvalidClaim
	}
	c.mu.Lock()
	if c.phase != Closed {
		c.mu.Unlock()
		return ErrAlreadyOpen
	}
	c.epoch++
	epoch := c.epoch
	c.phase = Opening
	c.claimID = claimID
	c.userID = userID
	c.seen = make(map[string]struct{})
	c.list = nil
	c.mu.Unlock()

	handle, err := c.hub.Subscribe(MessagesKey(claimID), func(m messages.Message) {
		c.apply(epoch, []messages.Message{m}, false)
	})
	if err != nil {
		c.log.WithError(err).WithField("claim_id", claimID).Warn("live subscription failed; channel is not live")
	} else {
		handle.OnResync(func() { go c.reload(epoch) })
	}

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		if handle != nil {
			handle.Close()
		}
		return ErrNotOpen
	}
	c.handle = handle
	c.mu.Unlock()

	history, err := c.store.List(ctx, claimID)
	if err != nil {
		c.Close()
		return fmt.Errorf("realtime: load history: %w", err)
	}
	if !c.apply(epoch, history, true) {
		return ErrNotOpen
	}

	if userID != "" {
		go c.markRead(epoch, claimID, userID, unreadFrom(history, userID))
	}
	return nil
}

// reload merges the stored history into the list again. Inserts the live
// stream missed show up; everything else is already seen.
func (c *Channel) reload(epoch uint64) {
	c.mu.Lock()
	if c.epoch != epoch || c.phase == Closed {
		c.mu.Unlock()
		return
	}
	claimID := c.claimID
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	history, err := c.store.List(ctx, claimID)
	if err != nil {
		c.log.WithError(err).WithField("claim_id", claimID).Warn("resync history failed")
		return
	}
	c.apply(epoch, history, true)
}

// Send writes text to the store. The message appears in the list only when
// the live stream delivers it back.
func (c *Channel) Send(ctx context.Context, text string) (messages.Message, error) {
	text, err := messages.NormalizeText(text)
	if err != nil {
		return messages.Message{}, err
	}
	c.mu.Lock()
	if c.phase == Closed {
		c.mu.Unlock()
		return messages.Message{}, ErrNotOpen
	}
	claimID, userID := c.claimID, c.userID
	c.mu.Unlock()
	return c.store.Insert(ctx, messages.Message{ClaimID: claimID, SenderID: userID, Text: text})
}

// Messages returns the current ordered list.
func (c *Channel) Messages() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entriesLocked()
}

// Phase reports the lifecycle position.
func (c *Channel) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Live reports whether inserts are being received.
func (c *Channel) Live() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase != Closed && c.handle != nil && c.handle.Live()
}

// ClaimID returns the claim the channel is bound to, or "" when closed.
func (c *Channel) ClaimID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase == Closed {
		return ""
	}
	return c.claimID
}

// OnChange registers fn to receive a snapshot after every visible change.
// fn runs on the publishing goroutine and must not call Send.
func (c *Channel) OnChange(fn func([]Entry)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextL
	c.nextL++
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// Close tears the subscription down. Events already in flight are ignored.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.phase == Closed {
		c.mu.Unlock()
		return
	}
	c.phase = Closed
	c.epoch++
	handle := c.handle
	c.handle = nil
	c.list = nil
	c.seen = nil
	c.mu.Unlock()

	if handle != nil {
		handle.Close()
	}
}

// apply merges batch into the list and reports whether epoch was still current.
func (c *Channel) apply(epoch uint64, batch []messages.Message, bulk bool) bool {
	c.notify.Lock()
	defer c.notify.Unlock()

	c.mu.Lock()
	if c.epoch != epoch || c.phase == Closed {
		c.mu.Unlock()
		obs.RealtimeEvents.WithLabelValues("dropped").Add(float64(len(batch)))
		return false
	}
	changed := false
	for _, m := range batch {
		if m.ClaimID != c.claimID {
			obs.RealtimeEvents.WithLabelValues("dropped").Inc()
			continue
		}
		if c.insertLocked(m) {
			changed = true
			if !bulk {
				obs.RealtimeEvents.WithLabelValues("applied").Inc()
			}
		} else if !bulk {
			obs.RealtimeEvents.WithLabelValues("duplicate").Inc()
		}
	}
	if bulk && c.phase == Opening {
		c.phase = Open
		changed = true
	}
	if !changed {
		c.mu.Unlock()
		return true
	}
	snapshot := c.entriesLocked()
	fns := c.listenersLocked()
	c.mu.Unlock()

	for _, fn := range fns {
		fn(snapshot)
	}
	return true
}

// insertLocked appends m if its id is new, keeping timestamp order with the
// id as tie-breaker.
func (c *Channel) insertLocked(m messages.Message) bool {
	if _, dup := c.seen[m.ID]; dup {
		return false
	}
	c.seen[m.ID] = struct{}{}
	i := sort.Search(len(c.list), func(i int) bool {
		return less(m, c.list[i])
	})
	c.list = append(c.list, messages.Message{})
	copy(c.list[i+1:], c.list[i:])
	c.list[i] = m
	return true
}

func less(a, b messages.Message) bool {
	if a.Timestamp.Equal(b.Timestamp) {
		return a.ID < b.ID
	}
	return a.Timestamp.Before(b.Timestamp)
}

func (c *Channel) listenersLocked() []func([]Entry) {
	fns := make([]func([]Entry), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	return fns
}

func (c *Channel) entriesLocked() []Entry {
	out := make([]Entry, len(c.list))
	for i, m := range c.list {
		out[i] = Entry{Message: m, Self: m.SenderID == c.userID}
	}
	return out
}

// markRead marks the claim read for userID and reflects it in the list for
// the messages of the loaded history that were unread.
func (c *Channel) markRead(epoch uint64, claimID, userID string, unread []string) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	n, err := c.store.MarkRead(ctx, claimID, userID)
	if err != nil {
		c.log.WithError(err).WithField("claim_id", claimID).Warn("mark read failed")
		return
	}
	if n == 0 || len(unread) == 0 {
		return
	}
	c.log.WithFields(logrus.Fields{"claim_id": claimID, "marked": n}).Debug("messages marked read")

	c.notify.Lock()
	defer c.notify.Unlock()
	c.mu.Lock()
	if c.epoch != epoch || c.phase == Closed {
		c.mu.Unlock()
		return
	}
	want := make(map[string]struct{}, len(unread))
	for _, id := range unread {
		want[id] = struct{}{}
	}
	changed := false
	for i := range c.list {
		if _, ok := want[c.list[i].ID]; ok && !c.list[i].Read {
			c.list[i].Read = true
			changed = true
		}
	}
	if !changed {
		c.mu.Unlock()
		return
	}
	snapshot := c.entriesLocked()
	fns := c.listenersLocked()
	c.mu.Unlock()

	for _, fn := range fns {
		fn(snapshot)
	}
}

func unreadFrom(history []messages.Message, userID string) []string {
	var out []string
	for _, m := range history {
		if !m.Read && m.SenderID != userID {
			out = append(out, m.ID)
		}
	}
	return out
}
