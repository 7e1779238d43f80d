// 文件: cmd/server/main.go
// 拍卖清算服务入口
//
// 启动顺序: 配置 -> MySQL -> 迁移 -> 事件/缓存/回执 -> 调度器 -> HTTP。
// SIGINT/SIGTERM 优雅退出: 先停 HTTP，再停调度器，最后关事件出口。

package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Vladus-CPU/dbauc2/pkg/auction"
	"github.com/Vladus-CPU/dbauc2/pkg/auth"
	"github.com/Vladus-CPU/dbauc2/pkg/book"
	"github.com/Vladus-CPU/dbauc2/pkg/config"
	"github.com/Vladus-CPU/dbauc2/pkg/docs"
	"github.com/Vladus-CPU/dbauc2/pkg/events"
	"github.com/Vladus-CPU/dbauc2/pkg/httpapi"
	"github.com/Vladus-CPU/dbauc2/pkg/migrate"
	"github.com/Vladus-CPU/dbauc2/pkg/scheduler"
	"github.com/Vladus-CPU/dbauc2/pkg/settle"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[SERVER] load config: %v", err)
	}

	db, err := gorm.Open(mysql.Open(cfg.DSN()), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		log.Fatalf("[SERVER] connect database: %v", err)
	}
	if err := migrate.Run(db); err != nil {
		log.Fatalf("[SERVER] migrate: %v", err)
	}
	if err := auction.InitSnowflake(0); err != nil {
		log.Fatalf("[SERVER] init snowflake: %v", err)
	}

	writer := docs.NewWriter(cfg.GeneratedDocsRoot, cfg.JWTSecret)
	sink := events.NewSink(cfg.KafkaBrokers, cfg.NATSURL)
	cache := book.NewCache(cfg.RedisAddr)
	pipeline := settle.NewPipeline(db, writer, sink, cache)

	sched := scheduler.New(db, pipeline, cfg.ClearingInterval)
	sched.Start()

	verifier := auth.NewVerifier(cfg.JWTSecret)
	api := httpapi.NewServer(db, verifier, pipeline, writer, cache, sink, cfg.AdaptiveKEpsilon)
	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: api.Handler(),
	}

	go func() {
		log.Printf("[SERVER] listening on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[SERVER] http: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Printf("[SERVER] shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("[SERVER] http shutdown: %v", err)
	}
	sched.Stop()
	if err := sink.Close(); err != nil {
		log.Printf("[SERVER] close event sink: %v", err)
	}
	log.Printf("[SERVER] bye")
}
