package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"estatechat/internal/config"
	"estatechat/internal/db"
	"estatechat/internal/handlers"
	"estatechat/internal/middleware"
	"estatechat/internal/observability"
	"estatechat/internal/rabbitmq"
	"estatechat/internal/realtimetoken"
	"estatechat/internal/repositories"
	"estatechat/internal/telemetry"
	"estatechat/internal/ws"
)

const serviceName = "estatechat"

func main() {
	cfg, err := config.Load(os.Getenv("ESTATECHAT_CONFIG"))
	if err != nil {
		panic(err)
	}

	log, err := buildLogger(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx := context.Background()
	shutdownTracing, err := observability.InitTracing(ctx, serviceName, cfg.Environment, cfg.OTLPEndpoint)
	if err != nil {
		log.Fatal("init tracing", zap.Error(err))
	}
	defer shutdownTracing(ctx)

	database, err := db.Connect(cfg.DBDSN)
	if err != nil {
		log.Fatal("connect database", zap.Error(err))
	}
	defer database.Close()

	events := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, log)
	defer events.Close()
	audit := telemetry.NewAuditEmitter(events, "audit.chat", serviceName, cfg.Environment, log)

	convRepo := repositories.NewConversationRepo(database)
	msgRepo := repositories.NewMessageRepo(database)

	tokens := realtimetoken.NewIssuer(cfg.RealtimeSecret, cfg.RealtimeTokenTTL)
	broker := ws.NewBroker(log)
	realtimeHandler := ws.NewHandler(broker, convRepo, tokens, events, log)

	chatHandler := handlers.NewChatHandler(convRepo, msgRepo, broker, events, tokens, audit, log)

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	router.Use(observability.HTTPMetricsMiddleware())

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	authMiddleware := middleware.AuthMiddleware(cfg.JWTSecret)

	chat := router.Group("/chat", authMiddleware)
	chat.GET("/conversations", chatHandler.ListConversations)
	chat.POST("/conversations", chatHandler.StartConversation)
	chat.GET("/conversations/:conversation_id/messages", chatHandler.GetMessages)
	chat.POST("/conversations/:conversation_id/messages", chatHandler.PostMessage)
	chat.GET("/realtime-token", chatHandler.RealtimeToken)

	router.GET("/realtime", realtimeHandler.Handle)

	handlers.RegisterDebugRoutes(router, audit, broker, cfg.Debug)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Info("server listening", zap.String("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
	}
}

func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.Environment == "development" || cfg.Debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
