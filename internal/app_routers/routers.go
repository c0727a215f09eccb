package approuters

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Riotolondon/fleet-sub000/internal/auth"
	"github.com/Riotolondon/fleet-sub000/internal/configuration"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// StartServer runs the application server and, when a distinct socket port
// is configured, a dedicated websocket server. It blocks until a signal or a
// listener error, then shuts everything down.
func StartServer(container *configuration.Container) {
	logger := container.Logger
	cfg := container.Config.Server

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	servers := map[string]*http.Server{"app": createAppServer(container)}
	if separateSocketServer(cfg) {
		servers["socket"] = createSocketServer(container)
	}

	// Channel to listen for errors from servers
	serverErrors := make(chan error, len(servers))
	for name, srv := range servers {
		go func(name string, srv *http.Server) {
			logger.Info("server starting", zap.String("server", name), zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErrors <- fmt.Errorf("%s server error: %w", name, err)
			}
		}(name, srv)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server failed", zap.Error(err))
	case sig := <-quit:
		logger.Info("initiating graceful shutdown", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Sessions hold hijacked connections that Shutdown does not wait for.
	logger.Info("stopping hub and closing all websocket sessions")
	container.Hub.Stop()

	for name, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("server shutdown error", zap.String("server", name), zap.Error(err))
		}
	}

	logger.Info("graceful shutdown complete")
}

func separateSocketServer(cfg configuration.ServerConfig) bool {
	return cfg.SocketPort != 0 && cfg.SocketPort != cfg.AppPort
}

func createAppServer(container *configuration.Container) *http.Server {
	cfg := container.Config.Server
	router := NewRouter(container)

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.AppPort),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func createSocketServer(container *configuration.Container) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(container.Logger))
	SocketRouters(router, container)

	// No write timeout: sessions are long lived and manage their own deadlines.
	return &http.Server{
		Addr:        fmt.Sprintf(":%d", container.Config.Server.SocketPort),
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
}

// NewRouter builds the application router with every REST route. The
// websocket route is mounted here too unless it has its own server.
func NewRouter(container *configuration.Container) *gin.Engine {
	cfg := container.Config.Server
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(container.Logger))
	router.Use(cors.New(corsConfig(cfg.AllowedOrigins)))

	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "Welcome to the fleet chat server!",
		})
	})
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	ChatRouters(router, container)
	MonitorRouters(router, container)
	if !separateSocketServer(cfg) {
		SocketRouters(router, container)
	}
	return router
}

func corsConfig(origins []string) cors.Config {
	config := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-User-ID", "X-User-Name", "X-User-Role"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	for _, o := range origins {
		if o == "*" {
			config.AllowOriginFunc = func(string) bool { return true }
			return config
		}
	}
	if len(origins) == 0 {
		origins = []string{"http://localhost:4200"}
	}
	config.AllowOrigins = origins
	return config
}

func authMiddleware(container *configuration.Container) gin.HandlerFunc {
	cfg := container.Config.Auth
	return auth.Middleware(cfg.JwtSecret, cfg.AllowHeaderIdentity, container.Logger)
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
		}
		if status >= http.StatusInternalServerError {
			logger.Error("request", fields...)
			return
		}
		logger.Debug("request", fields...)
	}
}
