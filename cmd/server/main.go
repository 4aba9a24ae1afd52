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

	"shopwallet/internal/audit"
	"shopwallet/internal/config"
	"shopwallet/internal/handler"
	"shopwallet/internal/infrastructure/cache"
	"shopwallet/internal/infrastructure/database"
	"shopwallet/internal/infrastructure/lock"
	"shopwallet/internal/infrastructure/mq"
	"shopwallet/internal/job"
	"shopwallet/internal/ledger"
	"shopwallet/internal/service"
	"shopwallet/pkg/idgen"
)

func main() {
	// 加载配置
	cfg := config.LoadConfig("config/config.yaml")

	// 初始化 ID 生成器
	idgen.Init(1)

	// 初始化 MySQL
	db := database.InitMySQL(&cfg.MySQL)

	// 初始化 Redis
	redisClient := cache.InitRedis(&cfg.Redis)

	// 初始化 Kafka
	producer := mq.InitKafka(&cfg.Kafka)
	defer producer.Close()

	// 组装余额管理器：缓存和锁显式注入
	balanceCache := cache.NewRedisBalanceCache(redisClient, time.Duration(cfg.Business.CacheTTLSeconds)*time.Second)
	lockFactory := lock.NewRedisLockFactory(redisClient)
	manager := ledger.NewBalanceManager(db, balanceCache, lockFactory, cfg)

	purchaseService := service.NewPurchaseService(db, manager, cfg)
	refundService := service.NewRefundService(db, manager, cfg)

	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 启动后台任务
	outboxSender := job.NewOutboxSender(db, producer, cfg)
	go outboxSender.Start(ctx)

	orderTimeoutJob := job.NewOrderTimeoutJob(db, cfg)
	go orderTimeoutJob.Start(ctx)

	compensateJob := job.NewPayingOrderCompensateJob(db, cfg)
	go compensateJob.Start(ctx)

	reporter := audit.NewReporter(db, manager, cfg)
	go reporter.Start(ctx)

	// 设置路由
	h := handler.NewHandler(manager, purchaseService, refundService, reporter)
	router := handler.SetupRouter(h)

	// 启动 HTTP 服务
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

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
