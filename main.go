package main

import (
	"fmt"
	"log"
	"os"

	"github.com/gin-gonic/gin"

	"finchatgo/internal/api"
	"finchatgo/internal/auth"
	"finchatgo/internal/config"
	"finchatgo/internal/orchestrator"
	"finchatgo/internal/redis"
	"finchatgo/internal/report"
	"finchatgo/internal/service/assistant"
	"finchatgo/internal/service/tools"
	"finchatgo/internal/storage"
	"finchatgo/internal/worker"
)

func main() {
	cfgPath := os.Getenv("FINCHATGO_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dbType := os.Getenv("FINCHATGO_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	log.Printf("dbType: %s\n", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	// Create necessary tables: sessions, messages, charts, csvs
	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	// Redis backs the artifact and report caches; the service degrades to
	// uncached reads without it.
	rdb, err := redis.NewRedisClient(cfg)
	if err != nil {
		log.Printf("redis unavailable, caching disabled: %v", err)
		rdb = nil
	} else {
		defer rdb.Close()
	}

	assistantService := assistant.NewService(db)
	registry := tools.NewRegistry(tools.Deps{
		Artifacts:  assistantService,
		CodeRunner: cfg.CodeRunner,
	})
	log.Printf("%d tools registered", registry.Len())

	orch := orchestrator.New(cfg, assistantService, registry)

	pageBase := os.Getenv("FINCHATGO_PAGE_BASE")
	if pageBase == "" {
		pageBase = fmt.Sprintf("http://127.0.0.1%s", serverAddr(cfg))
	}
	pageTokens := auth.NewPageTokens()
	browser := report.NewBrowserRasterizer(cfg.Rasterizer, pageBase, pageTokens)
	var rasterizer report.Rasterizer
	if browser != nil {
		rasterizer = browser
	}
	renderer := report.NewRenderer(assistantService, rdb, rasterizer, cfg.Report.BudgetSeconds)

	minWorkers := cfg.BasicConfig.MinWorkers
	if minWorkers <= 0 {
		minWorkers = 1
	}
	maxWorkers := cfg.BasicConfig.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	reports := worker.NewDispatcher(renderer, minWorkers, maxWorkers, cfg.BasicConfig.QueueSize)

	handlers := api.NewHandler(assistantService, orch, reports, rdb, pageTokens)

	router := gin.Default()
	handlers.RegisterRoutes(router, cfg.BasicConfig.AllowAnonymous)

	if err := router.Run(serverAddr(cfg)); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}

func serverAddr(cfg *config.Config) string {
	if cfg.BasicConfig.ServerAddress != "" {
		return cfg.BasicConfig.ServerAddress
	}
	return ":8090"
}
