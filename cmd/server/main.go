package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cardbatch/internal/config"
	"cardbatch/internal/gateway"
	"cardbatch/internal/handler"
	"cardbatch/internal/infrastructure/cache"
	"cardbatch/internal/infrastructure/database"
	"cardbatch/internal/infrastructure/lock"
	"cardbatch/internal/infrastructure/mq"
	"cardbatch/internal/job"
	"cardbatch/internal/service"
	"cardbatch/pkg/idgen"
)

func main() {
	// 加载配置
	cfg := config.LoadConfig("config/config.yaml")

	// 初始化 ID 生成器
	idgen.Init(1)

	// 初始化 MySQL
	db := database.InitMySQL(&cfg.MySQL)

	// 初始化 Redis（未启用时退化为进程内锁，单节点部署足够）
	var locker lock.Locker
	if cfg.Redis.Enabled {
		redisClient := cache.InitRedis(&cfg.Redis)
		locker = lock.NewRedisLocker(redisClient)
	} else {
		log.Println("[Main] Redis 未启用，使用进程内锁")
		locker = lock.NewLocalLocker()
	}

	// 初始化 Kafka（未启用时发件箱消息保持 PENDING）
	if cfg.Kafka.Enabled {
		mq.InitKafka(&cfg.Kafka)
		defer mq.CloseKafka()
	} else {
		log.Println("[Main] Kafka 未启用，批次结果不对外投递")
	}

	// 组装服务
	tiers := service.NewTierPolicy(cfg.Tiers)
	health := service.NewHealthTracker(cfg.Health)
	creditService := service.NewCreditService(db, cfg, locker, tiers)
	validator := gateway.NewHTTPValidator(&cfg.Validator, "default")
	orchestrator := service.NewOrchestrator(db, cfg, creditService, health, tiers, validator)

	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 启动后台任务
	outboxSender := job.NewOutboxSender(db, cfg)
	go outboxSender.Start(ctx)

	staleBatchChecker := job.NewStaleBatchChecker(db, cfg)
	go staleBatchChecker.Start(ctx)

	// 设置路由
	router := handler.SetupRouter(creditService, orchestrator, health)

	// 启动 HTTP 服务
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// 在 goroutine 中启动服务器
	go func() {
		log.Printf("服务启动，监听端口: %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("服务启动失败: %v", err)
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("正在关闭服务...")

	// 取消上下文，停止后台任务
	cancel()

	// 关闭 HTTP 服务（等待最多5秒）
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("服务关闭异常: %v", err)
	}

	log.Println("服务已关闭")
}
