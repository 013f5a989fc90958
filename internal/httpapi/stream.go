package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/isaquesgti/sinistro-simplify/internal/audit"
	"github.com/isaquesgti/sinistro-simplify/internal/auth"
	"github.com/isaquesgti/sinistro-simplify/internal/messages"
	"github.com/isaquesgti/sinistro-simplify/internal/obs"
	"github.com/isaquesgti/sinistro-simplify/internal/realtime"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 * 1024
	sseKeepAlive   = 25 * time.Second
)

// streamFrame is what the SSE and WebSocket streams push to the browser.
type streamFrame struct {
	Type     string           `json:"type"`
	Live     bool             `json:"live"`
	Messages []realtime.Entry `json:"messages,omitempty"`
	Message  *realtime.Entry  `json:"message,omitempty"`
	Error    string           `json:"error,omitempty"`
}

const sessionEndedReason = "session ended"

// conversation is one open claim view: the channel plus a latest-snapshot
// mailbox drained by the writer. It lives only as long as the session that
// opened it; ended is closed once that session signs out or changes user.
type conversation struct {
	ch      *realtime.Channel
	updates chan []realtime.Entry
	unsub   func()

	session *auth.Store
	viewer  messages.Viewer
	ended   chan struct{}
	endOnce sync.Once
}

// openConversation authorizes the viewer and opens a realtime channel on the
// claim. The conversation ends when ctx does or when the session stops
// matching the viewer.
func (a *API) openConversation(ctx context.Context, r *http.Request) (*conversation, error) {
	viewer := viewerFromRequest(r)
	claimID := claimIDParam(r)
	v := visitorFromContext(r.Context())
	if v == nil {
		return nil, messages.ErrForbidden
	}
	if err := a.messages.Authorize(ctx, claimID, viewer); err != nil {
		return nil, err
	}

	c := &conversation{
		ch:      realtime.NewChannel(a.hub, a.messages.Store()),
		updates: make(chan []realtime.Entry, 1),
		session: v.Session,
		viewer:  viewer,
		ended:   make(chan struct{}),
	}
	c.unsub = c.ch.OnChange(func(entries []realtime.Entry) {
		for {
			select {
			case c.updates <- entries:
				return
			default:
			}
			select {
			case <-c.updates:
			default:
			}
		}
	})
	if err := c.ch.Open(ctx, claimID, viewer.UserID); err != nil {
		c.close()
		return nil, err
	}
	go c.watchSession(ctx)
	return c, nil
}

// watchSession ends the conversation on the first state that no longer
// belongs to the viewer, or when the session store goes away.
func (c *conversation) watchSession(ctx context.Context) {
	for st := range c.session.Watch(ctx) {
		if !c.belongsToViewer(st) {
			c.end()
			return
		}
	}
	if ctx.Err() == nil {
		c.end()
	}
}

func (c *conversation) belongsToViewer(st auth.State) bool {
	return st.IsAuthenticated() && st.UserID() == c.viewer.UserID && st.Role == c.viewer.Role
}

// permitted re-checks the session before anything reaches or leaves the
// browser, so a sign-out takes effect without waiting for the watcher.
func (c *conversation) permitted() bool {
	if !c.belongsToViewer(c.session.State()) {
		c.end()
		return false
	}
	return true
}

// end stops live delivery and wakes the writer. Idempotent.
func (c *conversation) end() {
	c.endOnce.Do(func() {
		c.ch.Close()
		close(c.ended)
	})
}

func (c *conversation) close() {
	c.unsub()
	c.end()
}

func (c *conversation) snapshot(entries []realtime.Entry) streamFrame {
	return streamFrame{Type: "snapshot", Live: c.ch.Live(), Messages: entries}
}

// handleMessageStream serves the claim conversation as Server-Sent Events.
// Every event carries the full ordered list.
func (a *API) handleMessageStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conv, err := a.openConversation(ctx, r)
	if err != nil {
		handleMessageError(w, r, err)
		return
	}
	defer conv.close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Send an initial comment to establish the stream
	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	writeEnded := func() {
		payload, _ := json.Marshal(streamFrame{Type: "closed", Error: sessionEndedReason})
		_, _ = w.Write([]byte("event: closed\ndata: "))
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-conv.ended:
			writeEnded()
			return
		case <-keepAlive.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case entries := <-conv.updates:
			if !conv.permitted() {
				writeEnded()
				return
			}
			payload, err := json.Marshal(conv.snapshot(entries))
			if err != nil {
				continue
			}
			_, _ = w.Write([]byte("event: snapshot\ndata: "))
			_, _ = w.Write(payload)
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (a *API) upgrader() websocket.Upgrader {
	origins := a.origins
	if len(origins) == 0 {
		origins = DefaultCORSOrigins
	}
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || slices.Contains(origins, origin)
		},
	}
}

// handleMessageSocket serves the claim conversation over a WebSocket.
// Outbound frames are snapshots; inbound {text} frames are sends whose result
// shows up through the live stream like any other insert.
func (a *API) handleMessageSocket(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	conv, err := a.openConversation(ctx, r)
	if err != nil {
		handleMessageError(w, r, err)
		return
	}
	defer conv.close()

	up := a.upgrader()
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied.
		return
	}
	defer conn.Close()

	log := obs.Component("ws").WithFields(logrus.Fields{
		"claim_id":   conv.ch.ClaimID(),
		"request_id": RequestIDFromContext(r.Context()),
	})
	replies := make(chan streamFrame, 8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.writePump(ctx, conn, conv, replies, log)
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var in sendMessageRequest
		if err := conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithError(err).Debug("websocket read ended")
			}
			break
		}
		if !conv.permitted() {
			break
		}
		frame := streamFrame{Type: "sent", Live: conv.ch.Live()}
		msg, err := conv.ch.Send(ctx, in.Text)
		if err != nil {
			frame = streamFrame{Type: "error", Live: conv.ch.Live(), Error: err.Error()}
		} else {
			entry := realtime.Entry{Message: msg, Self: true}
			frame.Message = &entry
			_ = audit.LogEvent(ctx, "message.sent", map[string]any{
				"claim_id":   msg.ClaimID,
				"message_id": msg.ID,
				"transport":  "websocket",
			})
		}
		select {
		case replies <- frame:
		case <-done:
			return
		}
	}
	cancel()
	<-done
}

func (a *API) writePump(ctx context.Context, conn *websocket.Conn, conv *conversation, replies <-chan streamFrame, log *logrus.Entry) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	write := func(frame streamFrame) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(frame); err != nil {
			log.WithError(err).Debug("websocket write failed")
			return false
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-conv.ended:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, sessionEndedReason))
			// Unblocks the read loop.
			_ = conn.Close()
			return
		case entries := <-conv.updates:
			if !conv.permitted() {
				continue
			}
			if !write(conv.snapshot(entries)) {
				_ = conn.Close()
				return
			}
		case frame := <-replies:
			if !write(frame) {
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}
