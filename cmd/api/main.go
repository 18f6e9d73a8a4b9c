package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/z-wentao/livecaption/pkg/config"
	"github.com/z-wentao/livecaption/pkg/httpapi"
	"github.com/z-wentao/livecaption/pkg/jobapi"
	"github.com/z-wentao/livecaption/pkg/jobstore"
	"github.com/z-wentao/livecaption/pkg/retry"
	"github.com/z-wentao/livecaption/pkg/session"
	"github.com/z-wentao/livecaption/pkg/storage"
	"github.com/z-wentao/livecaption/pkg/timeline"
	"github.com/z-wentao/livecaption/pkg/vocabulary"
)

// App 应用上下文
type App struct {
	config    *config.Config
	backend   *jobapi.Client
	snapshots storage.SnapshotStore
	registry  *session.Registry
	extractor *vocabulary.Extractor
}

func main() {
	configPath := flag.String("config", "config/config.yaml", "配置文件路径")
	flag.Parse()

	// 1. 加载 .env 和配置
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("⚠️  加载 .env 失败: %v", err)
	}
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("❌ 加载配置失败: %v", err)
	}
	log.Println("✓ 配置加载成功")

	app := &App{config: cfg}

	// 2. 任务后端客户端
	retryCfg := retry.DefaultConfig()
	retryCfg.MaxRetries = cfg.Backend.MaxRetries
	app.backend = jobapi.New(jobapi.Config{
		BaseURL: cfg.Backend.BaseURL,
		Token:   cfg.Backend.Token,
		Timeout: cfg.Backend.Timeout,
		Retry:   retryCfg,
	})
	log.Printf("✓ 任务后端: %s", app.backend.BaseURL())

	// 3. 快照存储
	app.snapshots, err = newSnapshotStore(cfg.Storage)
	if err != nil {
		log.Fatalf("❌ 初始化快照存储失败: %v", err)
	}
	log.Printf("✓ 使用 %s 快照存储", cfg.Storage.Type)

	// 4. 事件源
	var open session.Opener
	switch cfg.Stream.Transport {
	case "rabbitmq":
		open = session.RabbitMQOpener(cfg.Queue.RabbitMQ.URL, cfg.Queue.RabbitMQ.Exchange)
		log.Printf("✓ 实时事件来自 RabbitMQ exchange %s", cfg.Queue.RabbitMQ.Exchange)
	default:
		open = session.SSEOpener(app.backend)
		log.Println("✓ 实时事件来自 SSE")
	}

	// 5. 订阅注册表
	storeOpts := jobstore.Options{
		AuditCap: cfg.Stream.AuditCap,
		Timeline: timeline.Options{
			Mode:              timeline.Mode(cfg.Timeline.CaptionMode),
			DefaultTargetLang: cfg.Timeline.DefaultTargetLang,
		},
	}
	app.registry = session.NewRegistry(func(jobID string) *session.Follower {
		return session.New(jobID, app.backend, session.Options{
			Open:         open,
			Snapshots:    app.snapshots,
			PollInterval: cfg.Stream.PollInterval,
			Store:        storeOpts,
		})
	})

	// 6. 单词提取器（可选）
	if cfg.OpenAI.APIKey != "" {
		app.extractor = vocabulary.NewExtractor(cfg.OpenAI.APIKey)
		log.Println("✓ 单词提取器初始化成功")
	} else {
		log.Println("⚠️  未配置 OpenAI API Key，单词提取不可用")
	}

	// 7. 启动 HTTP 服务器
	api := httpapi.New(httpapi.Deps{
		Registry:  app.registry,
		Backend:   app.backend,
		Snapshots: app.snapshots,
		Extractor: app.extractor,
	})
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: api.Router(),
	}

	log.Printf("🚀 livecaption 服务器启动在 http://localhost:%d", cfg.Server.Port)
	log.Printf("📝 配置信息:")
	log.Printf("   - 事件传输: %s", cfg.Stream.Transport)
	log.Printf("   - 轮询间隔: %s", cfg.Stream.PollInterval)
	log.Printf("   - 字幕模式: %s", cfg.Timeline.CaptionMode)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("❌ 服务器启动失败: %v", err)
		}
	}()

	// 8. 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("🛑 正在关闭服务器...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("⚠️  关闭 HTTP 服务器失败: %v", err)
	}
	app.registry.Close()
	if err := app.snapshots.Close(); err != nil {
		log.Printf("⚠️  关闭快照存储失败: %v", err)
	}
	log.Println("✓ 服务器已关闭")
}

// newSnapshotStore 根据配置创建快照存储
func newSnapshotStore(cfg config.StorageConfig) (storage.SnapshotStore, error) {
	switch cfg.Type {
	case "memory":
		return storage.NewMemoryStore(), nil
	case "redis":
		store, err := storage.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.TTL)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "postgres":
		store, err := storage.NewPostgresStore(cfg.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "hybrid":
		hot, err := storage.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.TTL)
		if err != nil {
			return nil, err
		}
		cold, err := storage.NewPostgresStore(cfg.Postgres.DSN)
		if err != nil {
			hot.Close()
			return nil, err
		}
		return storage.NewHybridStore(hot, cold, storage.HybridOptions{}), nil
	default:
		return nil, fmt.Errorf("不支持的存储类型: %s", cfg.Type)
	}
}
