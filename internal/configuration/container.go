package configuration

import (
	"context"
	"fmt"
	"time"

	"github.com/Riotolondon/fleet-sub000/internal/db"
	"github.com/Riotolondon/fleet-sub000/internal/handler"
	"github.com/Riotolondon/fleet-sub000/internal/hub"
	"github.com/Riotolondon/fleet-sub000/internal/live"
	"github.com/Riotolondon/fleet-sub000/internal/model"
	"github.com/Riotolondon/fleet-sub000/internal/notify"
	"github.com/Riotolondon/fleet-sub000/internal/presence"
	"github.com/Riotolondon/fleet-sub000/internal/repo"
	"github.com/Riotolondon/fleet-sub000/internal/service"
	"github.com/Riotolondon/fleet-sub000/internal/typing"
	"github.com/benbjohnson/clock"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

type Container struct {
	ChatHandler    handler.ChatHandler
	SocketHandler  handler.SocketHandler
	MonitorHandler handler.MonitorHandler
	Chat           service.ChatService
	Hub            *hub.Hub
	Registry       *live.Registry
	Config         Config
	Logger         *zap.Logger

	// private - for cleanup
	mongoClient *mongo.Database
}

func BuildContainer(configPath string) (*Container, error) {
	config, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(config.Server.Debug)
	if err != nil {
		return nil, err
	}
	logger.Info("config loaded",
		zap.String("store", config.Store),
		zap.Int("app_port", config.Server.AppPort),
		zap.Int("socket_port", config.Server.SocketPort),
		zap.Bool("email", config.Email.ResendApiKey != ""))

	clk := clock.New()
	store, con, err := openStore(config, clk, logger)
	if err != nil {
		return nil, err
	}

	conversations := repo.NewConversationRepository(store, config.Mongo.ConversationsCollection, logger)
	messages := repo.NewMessageRepository(store, config.Mongo.MessagesCollection, logger)
	presenceRepo := repo.NewPresenceRepository(store, config.Mongo.PresenceCollection, logger)
	users := repo.NewUserRepository(store, config.Mongo.UsersCollection)

	registry := live.NewRegistry(logger)
	typingService := typing.NewService(
		repo.NewTypingRepository(store, config.Mongo.TypingCollection, logger),
		registry, clk,
		typing.Config{Idle: config.Chat.TypingIdle.Std(), Stale: config.Chat.TypingStale.Std()},
		logger)

	// The hub is both a dispatcher for the service and a consumer of it,
	// so the service reaches it through this variable once it exists.
	var h *hub.Hub
	dispatchers := notify.Multi{
		notify.NewLogDispatcher(logger),
		notify.DispatcherFunc(func(ctx context.Context, n model.Notification) error {
			if h == nil {
				return nil
			}
			return h.Dispatch(ctx, n)
		}),
	}
	if config.Email.ResendApiKey != "" {
		dispatchers = append(dispatchers, notify.NewEmailDispatcher(
			config.Email.ResendApiKey, config.Email.From, config.Email.AppURL, users, logger))
	}

	chat := service.NewChatService(service.Deps{
		Conversations: conversations,
		Messages:      messages,
		Presence:      presenceRepo,
		Typing:        typingService,
		Registry:      registry,
		Dispatcher:    dispatchers,
		Clock:         clk,
	}, service.Config{
		MessageWindow: config.Chat.MessageWindow,
		SearchLimit:   config.Chat.SearchLimit,
		NotifyTimeout: config.Chat.NotifyTimeout.Std(),
	}, presence.Config{
		Heartbeat:   config.Presence.Heartbeat.Std(),
		AwayGrace:   config.Presence.AwayGrace.Std(),
		StaleFactor: config.Presence.StaleFactor,
	}, logger)

	hubCfg := hub.DefaultConfig()
	hubCfg.AllowedOrigins = config.Server.AllowedOrigins
	hubCfg.InboundRate = config.Hub.InboundRate
	hubCfg.InboundBurst = config.Hub.InboundBurst
	hubCfg.WorkerPoolSize = config.Hub.WorkerPoolSize
	hubCfg.SendBuffer = config.Hub.SendBuffer
	h = hub.NewHub(chat, hubCfg, logger)

	return &Container{
		ChatHandler:    handler.NewChatHandler(chat, logger),
		SocketHandler:  handler.NewSocketHandler(h),
		MonitorHandler: handler.NewMonitorHandler(hub.NewMonitorService(h, registry)),
		Chat:           chat,
		Hub:            h,
		Registry:       registry,
		Config:         *config,
		Logger:         logger,
		mongoClient:    con,
	}, nil
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// openStore returns the configured backend. The database handle is nil for
// the in-memory store.
func openStore(config *Config, clk clock.Clock, logger *zap.Logger) (db.Store, *mongo.Database, error) {
	if config.Store == StoreMemory {
		logger.Warn("using in-memory store; data is lost on restart")
		return db.NewMemoryStore(clk), nil, nil
	}

	con, err := db.OpenConnection(config.Mongo.Uri, config.Mongo.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to mongo: %w", err)
	}
	store := db.NewMongoStore(con, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	indexes := []struct {
		collection string
		keys       []db.SortField
	}{
		{config.Mongo.MessagesCollection, []db.SortField{{Field: "conversationId"}, {Field: "timestamp", Desc: true}}},
		{config.Mongo.ConversationsCollection, []db.SortField{{Field: "participantIds"}, {Field: "updatedAt", Desc: true}}},
		{config.Mongo.TypingCollection, []db.SortField{{Field: "conversationId"}}},
	}
	for _, idx := range indexes {
		if err := store.EnsureIndex(ctx, idx.collection, idx.keys...); err != nil {
			logger.Warn("index not created", zap.String("collection", idx.collection), zap.Error(err))
		}
	}
	return store, con, nil
}

// Close gracefully shuts down all connections
func (c *Container) Close() error {
	// Stop the hub first (closes all WebSocket connections)
	if c.Hub != nil {
		c.Hub.Stop()
	}
	if c.Chat != nil {
		c.Chat.Close()
	}
	if c.Registry != nil {
		c.Registry.DisposeAll()
	}

	if c.Logger != nil {
		_ = c.Logger.Sync()
	}

	if c.mongoClient != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.mongoClient.Client().Disconnect(ctx); err != nil {
			return fmt.Errorf("failed to close MongoDB connection: %w", err)
		}
	}

	return nil
}
