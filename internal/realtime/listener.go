package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/isaquesgti/sinistro-simplify/internal/messages"
	"github.com/isaquesgti/sinistro-simplify/internal/obs"
)

// DefaultNotifyChannel is the NOTIFY channel the messages insert trigger uses.
const DefaultNotifyChannel = "messages_insert"

// Publisher receives loaded inserts. Resync asks every open subscription to
// reload, for when inserts may have been missed.
type Publisher interface {
	Publish(m messages.Message) int
	Resync() int
}

// MessageLoader fetches a message row by id.
type MessageLoader interface {
	Message(ctx context.Context, id string) (messages.Message, error)
}

// Notification is the payload of the messages insert trigger. It carries
// only the row's keys because NOTIFY payloads are capped at 8000 bytes.
type Notification struct {
	ID      string `json:"id"`
	ClaimID string `json:"claim_id"`
}

// Listener bridges Postgres LISTEN/NOTIFY into a Publisher. Each notification
// is resolved to the full row through the loader before publishing.
type Listener struct {
	dsn     string
	channel string
	loader  MessageLoader
	pub     Publisher
	log     *logrus.Entry

	minReconnect time.Duration
	maxReconnect time.Duration
	pingEvery    time.Duration
	loadTimeout  time.Duration
}

func NewListener(dsn, channel string, loader MessageLoader, pub Publisher) *Listener {
	if channel == "" {
		channel = DefaultNotifyChannel
	}
	return &Listener{
		dsn:          dsn,
		channel:      channel,
		loader:       loader,
		pub:          pub,
		log:          obs.Component("realtime.listener").WithField("channel", channel),
		minReconnect: 2 * time.Second,
		maxReconnect: time.Minute,
		pingEvery:    90 * time.Second,
		loadTimeout:  5 * time.Second,
	}
}

// Run listens until ctx ends.
func (l *Listener) Run(ctx context.Context) error {
	if l.dsn == "" {
		return errors.New("realtime: database url is required")
	}
	if l.loader == nil || l.pub == nil {
		return errors.New("realtime: listener needs a loader and a publisher")
	}
	pl := pq.NewListener(l.dsn, l.minReconnect, l.maxReconnect, l.onEvent)
	defer pl.Close()

	if err := pl.Listen(l.channel); err != nil {
		return fmt.Errorf("realtime: listen %s: %w", l.channel, err)
	}
	l.log.Info("listening for message inserts")

	ticker := time.NewTicker(l.pingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-pl.Notify:
			if n == nil {
				// pq sends nil after re-establishing the connection.
				continue
			}
			l.handle(ctx, n.Extra)
		case <-ticker.C:
			go func() {
				if err := pl.Ping(); err != nil {
					l.log.WithError(err).Warn("notify ping failed")
				}
			}()
		}
	}
}

func (l *Listener) onEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnectionAttemptFailed, pq.ListenerEventDisconnected:
		l.log.WithError(err).Warn("notify connection lost")
	case pq.ListenerEventReconnected:
		// Notifications sent while disconnected are gone; open channels
		// reload their history and merge whatever they missed.
		n := l.pub.Resync()
		l.log.WithField("subscriptions", n).Info("notify connection re-established, resyncing")
	}
}

func (l *Listener) handle(ctx context.Context, payload string) {
	ref, err := DecodeNotification(payload)
	if err != nil {
		obs.RealtimeEvents.WithLabelValues("dropped").Inc()
		l.log.WithError(err).Warn("undecodable notification")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, l.loadTimeout)
	defer cancel()
	m, err := l.loader.Message(ctx, ref.ID)
	if err != nil {
		obs.RealtimeEvents.WithLabelValues("dropped").Inc()
		l.log.WithError(err).WithField("message_id", ref.ID).Warn("load notified message")
		return
	}
	if m.ClaimID != ref.ClaimID {
		obs.RealtimeEvents.WithLabelValues("dropped").Inc()
		l.log.WithField("message_id", ref.ID).Warn("notified claim does not match stored row")
		return
	}
	l.pub.Publish(m)
}

// DecodeNotification parses the insert trigger payload.
func DecodeNotification(payload string) (Notification, error) {
	var n Notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return Notification{}, fmt.Errorf("realtime: decode notification: %w", err)
	}
	if n.ID == "" || n.ClaimID == "" {
		return Notification{}, errors.New("realtime: notification missing id or claim_id")
	}
	return n, nil
}
