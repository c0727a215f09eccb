package hub

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/Riotolondon/fleet-sub000/internal/event"
	"github.com/Riotolondon/fleet-sub000/internal/live"
	"github.com/Riotolondon/fleet-sub000/internal/model"
	"github.com/Riotolondon/fleet-sub000/internal/presence"
	"github.com/Riotolondon/fleet-sub000/internal/typing"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	// tuning parameters
	writeWait         = 10 * time.Second       // time allowed to write a message to the peer
	pongWait          = 60 * time.Second       // time allowed to read the next pong message from the peer
	pingInterval      = (pongWait * 9) / 10    // send pings to peer with this period
	maxMessageSize    = 64 * 1024              // max inbound message size (64KB)
	sendTimeout       = 2 * time.Second        // timeout for enqueuing outbound messages
	registerTimeout   = 5 * time.Second        // timeout for client registration
	unregisterTimeout = 5 * time.Second        // timeout for client unregistration
	inboundTimeout    = 500 * time.Millisecond // timeout for handing an event to the workers
	requestTimeout    = 10 * time.Second       // upper bound for one inbound event
	notifyTimeout     = 200 * time.Millisecond // notifications are dropped rather than queued
)

// Client is one websocket session of a user. Each session owns its own
// presence tracker, typing composers and live subscriptions; all of them
// are released when the session goes away.
type Client struct {
	ID       string
	userID   string
	userName string
	conn     *websocket.Conn
	manager  *Hub
	egress   chan event.WsEvent
	limiter  *rate.Limiter
	logger   *zap.Logger

	mu        sync.Mutex
	tracker   *presence.Tracker
	subs      []*live.Subscription
	open      string
	openSubs  []*live.Subscription
	composers map[string]*typing.Composer
	released  bool

	// cancel or stop goroutine
	ctx        context.Context
	cancel     context.CancelFunc
	once       sync.Once
	connClosed chan struct{}
	closeOnce  sync.Once
}

func newClient(userID, userName string, conn *websocket.Conn, h *Hub) *Client {
	ctx, cancel := context.WithCancel(h.ctx)
	id := uuid.New().String()
	return &Client{
		ID:         id,
		userID:     userID,
		userName:   userName,
		conn:       conn,
		manager:    h,
		egress:     make(chan event.WsEvent, h.cfg.SendBuffer),
		limiter:    rate.NewLimiter(rate.Limit(h.cfg.InboundRate), h.cfg.InboundBurst),
		logger:     h.logger.With(zap.String("client_id", id), zap.String("user_id", userID)),
		composers:  make(map[string]*typing.Composer),
		ctx:        ctx,
		cancel:     cancel,
		connClosed: make(chan struct{}),
	}
}

// RegisterClient creates the session for conn, starts its presence and
// subscriptions and its read/write pumps.
func RegisterClient(userID, userName string, conn *websocket.Conn, h *Hub) *Client {
	client := newClient(userID, userName, conn, h)

	select {
	case h.register <- client:
	case <-time.After(registerTimeout):
		client.logger.Warn("failed to register client: timeout")
		client.cancel()
		_ = conn.Close()
		return nil
	case <-h.ctx.Done():
		client.cancel()
		_ = conn.Close()
		return nil
	}

	client.start()
	go client.ReadMessages()
	go client.WriteMessages()
	client.logger.Info("client registered")
	return client
}

func (c *Client) start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return
	}

	chat := c.manager.chat
	c.tracker = chat.StartPresence(c.userID, c.userName)
	c.subs = append(c.subs,
		chat.SubscribeConversationsForUser(c.ctx, c.userID, func(cs []model.Conversation) {
			c.Send(event.New(event.EventConversationsList, "", cs))
		}),
		chat.SubscribeOnlineUsers(c.ctx, c.userID, func(rs []model.PresenceRecord) {
			c.Send(event.New(event.EventPresenceOnline, "", rs))
		}),
	)
}

// release tears the session down: subscriptions disposed, pending typing
// cleared, presence stopped. Runs once, after the socket is closed.
func (c *Client) release() {
	c.Close()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return
	}
	c.released = true

	c.closeConversationLocked()
	for _, s := range c.subs {
		s.Dispose()
	}
	c.subs = nil

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	for id, comp := range c.composers {
		comp.Close(ctx)
		delete(c.composers, id)
	}

	c.manager.chat.StopPresence(c.tracker)
	c.tracker = nil
	c.logger.Info("client released")
}

// openConversation replaces the session's open thread. The message window
// and the other participant's typing state are pushed while it stays open.
func (c *Client) openConversation(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return
	}
	c.closeConversationLocked()

	chat := c.manager.chat
	c.open = conversationID
	c.openSubs = []*live.Subscription{
		chat.SubscribeMessages(c.ctx, conversationID, func(msgs []model.Message) {
			c.Send(event.New(event.EventMessagesWindow, conversationID, event.MessagesWindow{
				ConversationID: conversationID,
				Messages:       msgs,
			}))
		}),
		chat.SubscribeTyping(c.ctx, conversationID, c.userID, func(signals []model.TypingSignal) {
			c.Send(event.New(event.EventTypingList, conversationID, event.TypingList{
				ConversationID: conversationID,
				Typing:         signals,
			}))
		}),
	}
}

func (c *Client) closeConversation(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open == conversationID {
		c.closeConversationLocked()
	}
}

func (c *Client) closeConversationLocked() {
	for _, s := range c.openSubs {
		s.Dispose()
	}
	c.openSubs = nil
	if comp, ok := c.composers[c.open]; ok {
		comp.Close(context.Background())
		delete(c.composers, c.open)
	}
	c.open = ""
}

// OpenConversation returns the conversation the session is viewing, if any.
func (c *Client) OpenConversation() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *Client) composer(conversationID string) *typing.Composer {
	c.mu.Lock()
	defer c.mu.Unlock()
	comp, ok := c.composers[conversationID]
	if !ok {
		comp = c.manager.chat.Composer(conversationID, c.userID, c.userName)
		c.composers[conversationID] = comp
	}
	return comp
}

func (c *Client) presenceTracker() *presence.Tracker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tracker
}

// Status reports the presence status of this session.
func (c *Client) Status() model.PresenceStatus {
	if t := c.presenceTracker(); t != nil {
		return t.Status()
	}
	return model.StatusOffline
}

func (c *Client) UserID() string {
	return c.userID
}

func (c *Client) ReadMessages() {
	defer func() {
		select {
		case c.manager.unregister <- c:
		case <-time.After(unregisterTimeout):
			c.logger.Warn("failed to unregister client: timeout")
		case <-c.manager.ctx.Done():
		}
		c.Close()
	}()

	c.conn.SetReadLimit(int64(maxMessageSize))
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(c.pongHandler)

	for {
		var ev event.WsEvent
		if err := c.conn.ReadJSON(&ev); err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
			) {
				c.logger.Debug("client disconnected")
				return
			}

			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				c.logger.Info("client timed out, closing connection")
				return
			}

			if isDecodeError(err) {
				c.Send(event.Error("", event.CodeBadRequest, "malformed frame"))
				continue
			}

			if c.ctx.Err() == nil {
				c.logger.Warn("error reading from client", zap.Error(err))
			}
			return
		}

		if !c.limiter.Allow() {
			c.Send(event.Error(ev.RequestID, event.CodeRateLimited, "too many events, slow down"))
			continue
		}

		// hand off so a slow store call never blocks the reader
		select {
		case c.manager.inbound <- inboundMessage{client: c, event: ev}:
		case <-time.After(inboundTimeout):
			c.logger.Warn("inbound queue full, dropping client")
			return
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Client) WriteMessages() {
	ticker := time.NewTicker(pingInterval)

	defer func() {
		ticker.Stop()
		c.Close()
		_ = c.conn.Close()
		c.closeOnce.Do(func() {
			close(c.connClosed)
		})
		c.logger.Debug("write pump exiting")
	}()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case ev := <-c.egress:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				c.logger.Warn("write failed", zap.String("event", ev.Event), zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.Debug("ping failed", zap.Error(err))
				return
			}
		}
	}
}

func (c *Client) pongHandler(string) error {
	return c.conn.SetReadDeadline(time.Now().Add(pongWait))
}

// Send queues ev for the socket. A session whose queue stays full for
// sendTimeout is disconnected when the hub kicks on full queues, and the
// event is dropped otherwise.
func (c *Client) Send(ev event.WsEvent) {
	select {
	case c.egress <- ev:
	case <-c.ctx.Done():
	case <-time.After(sendTimeout):
		c.logger.Warn("egress full", zap.String("event", ev.Event))
		if c.manager.cfg.KickOnFull {
			c.kick()
		}
	}
}

// SafeSend queues ev without blocking longer than timeout.
func (c *Client) SafeSend(ev event.WsEvent, timeout time.Duration) bool {
	if c.IsClosed() {
		return false
	}
	select {
	case <-c.ctx.Done():
		return false
	case c.egress <- ev:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (c *Client) kick() {
	select {
	case c.manager.unregister <- c:
	case <-time.After(unregisterTimeout):
		c.logger.Warn("failed to unregister client: timeout")
	case <-c.manager.ctx.Done():
	}
	c.Close()
}

// Close stops both pumps. The connection is force closed if the writer
// does not get to it.
func (c *Client) Close() {
	c.once.Do(func() {
		c.cancel()
		go func() {
			select {
			case <-c.connClosed:
			case <-time.After(5 * time.Second):
				_ = c.conn.Close()
				c.logger.Warn("safety timeout: force closed connection")
			}
		}()
	})
}

// IsClosed returns true if the client has been closed
func (c *Client) IsClosed() bool {
	return c.ctx.Err() != nil
}
