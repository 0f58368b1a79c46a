package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"pairchat/internal/api"
	"pairchat/internal/auth"
	"pairchat/internal/config"
	"pairchat/internal/redis"
	"pairchat/internal/service/ai"
	"pairchat/internal/service/conversation"
	"pairchat/internal/storage"
	"pairchat/internal/worker"
)

func main() {
	cfgPath := os.Getenv("PAIRCHAT_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dbType := os.Getenv("PAIRCHAT_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	log.Printf("dbType: %s\n", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	rdb, err := redis.NewRedisClient(cfg)
	if err != nil {
		log.Printf("redis unavailable, history cache disabled: %v", err)
		rdb = nil
	} else {
		defer rdb.Close()
	}

	tokenTTL := time.Duration(cfg.BasicConfig.TokenTTLHours) * time.Hour
	authService := auth.NewService(db, tokenTTL)
	conversationService := conversation.NewService(db, conversation.NewHistoryCache(rdb))

	ctx := context.Background()
	partnerServices := make(map[string]*ai.Service, len(cfg.Partners))
	for _, partner := range cfg.Partners {
		svc, err := ai.NewService(ctx, cfg, partner)
		if err != nil {
			log.Fatalf("init ai service for partner %s: %v", partner.ID, err)
		}
		partnerServices[partner.ID] = svc
	}

	manager := worker.NewManager(conversationService, partnerServices)
	dispatcher := worker.NewDispatcher(
		cfg.BasicConfig.MinWorkers,
		cfg.BasicConfig.MaxWorkers,
		cfg.BasicConfig.QueueSize,
		manager,
		time.Duration(cfg.BasicConfig.WorkerIdleTimeout)*time.Minute,
	)

	handlers := api.NewHandler(conversationService, authService, dispatcher, cfg.Partners)

	router := gin.Default()
	handlers.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8090"
	}

	if err := router.Run(addr); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}
