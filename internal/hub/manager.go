package hub

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"net/http"
	"sync"

	"github.com/Riotolondon/fleet-sub000/internal/event"
	"github.com/Riotolondon/fleet-sub000/internal/model"
	"github.com/Riotolondon/fleet-sub000/internal/service"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	shardCount = 64 // tune: 16/64/128 depending on load
)

// Config tunes the hub. Zero fields take the defaults.
type Config struct {
	AllowedOrigins []string
	// InboundRate is the sustained events per second one session may send.
	InboundRate    float64
	InboundBurst   int
	WorkerPoolSize int
	SendBuffer     int
	// KickOnFull disconnects a session whose outbound queue stays full.
	KickOnFull bool
}

func DefaultConfig() Config {
	return Config{
		InboundRate:    10,
		InboundBurst:   20,
		WorkerPoolSize: 16,
		SendBuffer:     256,
		KickOnFull:     true,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.InboundRate <= 0 {
		c.InboundRate = d.InboundRate
	}
	if c.InboundBurst <= 0 {
		c.InboundBurst = d.InboundBurst
	}
	if c.WorkerPoolSize <= 0 {
		c.WorkerPoolSize = d.WorkerPoolSize
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	return c
}

type inboundMessage struct {
	event  event.WsEvent
	client *Client
}

// clientBucket holds the sessions of the users hashed onto it.
type clientBucket struct {
	sync.RWMutex
	users map[string]map[string]*Client
}

// Hub owns every websocket session of the process. Inbound events are
// processed by a fixed worker pool; outbound traffic comes from each
// session's live subscriptions and from notification dispatch.
type Hub struct {
	shards     [shardCount]*clientBucket
	chat       service.ChatService
	cfg        Config
	logger     *zap.Logger
	upgrader   websocket.Upgrader
	register   chan *Client
	unregister chan *Client
	inbound    chan inboundMessage
	workers    sync.WaitGroup
	releases   sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	stopOnce   sync.Once
}

func NewHub(chat service.ChatService, cfg Config, logger *zap.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		chat:       chat,
		cfg:        cfg.withDefaults(),
		logger:     logger.Named("hub"),
		register:   make(chan *Client, 1024),
		unregister: make(chan *Client, 1024),
		inbound:    make(chan inboundMessage, 4096), // buffer for burst handling
		ctx:        ctx,
		cancel:     cancel,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}

	for i := 0; i < shardCount; i++ {
		h.shards[i] = &clientBucket{
			users: make(map[string]map[string]*Client),
		}
	}

	go h.run()

	for i := 0; i < h.cfg.WorkerPoolSize; i++ {
		h.workers.Add(1)
		go func() {
			defer h.workers.Done()
			for {
				select {
				case <-h.ctx.Done():
					return
				case in := <-h.inbound:
					h.handleEvent(in.event, in.client)
				}
			}
		}()
	}

	return h
}

func getShard(userID string) uint32 {
	if userID == "" {
		return 0
	}

	h := sha1.Sum([]byte(userID))
	return binary.BigEndian.Uint32(h[:4]) % shardCount
}

func (h *Hub) run() {
	for {
		select {
		case <-h.ctx.Done():
			return
		case c := <-h.register:
			h.addClient(c)
		case c := <-h.unregister:
			if h.removeClient(c) {
				h.releases.Add(1)
				go func() {
					defer h.releases.Done()
					c.release()
				}()
			}
		}
	}
}

func (h *Hub) addClient(c *Client) {
	b := h.shards[getShard(c.userID)]
	b.Lock()
	defer b.Unlock()

	sessions, ok := b.users[c.userID]
	if !ok {
		sessions = make(map[string]*Client)
		b.users[c.userID] = sessions
	}
	sessions[c.ID] = c
	h.logger.Debug("session added", zap.String("user_id", c.userID), zap.String("client_id", c.ID), zap.Int("sessions", len(sessions)))
}

func (h *Hub) removeClient(c *Client) bool {
	b := h.shards[getShard(c.userID)]
	b.Lock()
	defer b.Unlock()

	sessions, ok := b.users[c.userID]
	if !ok {
		return false
	}
	if _, exists := sessions[c.ID]; !exists {
		return false
	}
	delete(sessions, c.ID)
	if len(sessions) == 0 {
		delete(b.users, c.userID)
	}
	h.logger.Debug("session removed", zap.String("user_id", c.userID), zap.String("client_id", c.ID))
	return true
}

// sessionsOf returns a snapshot of userID's open sessions.
func (h *Hub) sessionsOf(userID string) []*Client {
	b := h.shards[getShard(userID)]
	b.RLock()
	defer b.RUnlock()

	out := make([]*Client, 0, len(b.users[userID]))
	for _, c := range b.users[userID] {
		out = append(out, c)
	}
	return out
}

// Clients returns a snapshot of every open session.
func (h *Hub) Clients() []*Client {
	var out []*Client
	for _, b := range h.shards {
		b.RLock()
		for _, sessions := range b.users {
			for _, c := range sessions {
				out = append(out, c)
			}
		}
		b.RUnlock()
	}
	return out
}

// Dispatch pushes n to every open session of its recipient. A recipient
// without a session is not an error; the other dispatchers cover them.
func (h *Hub) Dispatch(_ context.Context, n model.Notification) error {
	sessions := h.sessionsOf(n.RecipientID)
	if len(sessions) == 0 {
		return nil
	}
	ev := event.New(event.EventNotification, n.Metadata["conversationId"], n)
	delivered := 0
	for _, c := range sessions {
		if c.SafeSend(ev, notifyTimeout) {
			delivered++
		}
	}
	h.logger.Debug("notification pushed",
		zap.String("recipient_id", n.RecipientID),
		zap.Int("sessions", len(sessions)),
		zap.Int("delivered", delivered),
	)
	return nil
}

// Stop closes every session, releases their presence and subscriptions
// and waits for the workers.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		h.cancel()

		for _, c := range h.Clients() {
			if h.removeClient(c) {
				c.release()
			}
		}
		h.releases.Wait()
		h.workers.Wait()
		h.logger.Info("hub stopped")
	})
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// not a browser
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	h.logger.Warn("websocket origin rejected", zap.String("origin", origin))
	return false
}

// ServeWS upgrades the request and starts a session for an already
// authenticated user.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID, userName string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("user_id", userID), zap.Error(err))
		return
	}

	RegisterClient(userID, userName, conn, h)
}
