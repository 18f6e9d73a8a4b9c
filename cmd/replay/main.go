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

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/z-wentao/livecaption/pkg/queue"
	"github.com/z-wentao/livecaption/pkg/replay"
)

func main() {
	_ = godotenv.Load()

	fixturePath := flag.String("fixture", "pkg/replay/testdata/lecture.yaml", "回放文件")
	port := flag.Int("port", 5000, "假后端监听端口，0 表示不启动 HTTP")
	speed := flag.Float64("speed", 1, "回放倍速")
	delay := flag.Duration("delay", 2*time.Second, "启动后等待多久开始回放")
	rabbitURL := flag.String("rabbitmq", os.Getenv("LIVECAPTION_RABBITMQ_URL"), "同时把事件发布到 RabbitMQ")
	exchange := flag.String("exchange", queue.DefaultExchange, "RabbitMQ exchange")
	flag.Parse()

	fixture, err := replay.LoadFixture(*fixturePath)
	if err != nil {
		log.Fatalf("❌ %v", err)
	}
	log.Printf("✓ 回放任务 %s，共 %d 条事件", fixture.Job.ID, len(fixture.Events))

	var publisher queue.Publisher
	if *rabbitURL != "" {
		p, err := queue.NewRabbitMQPublisher(*rabbitURL, *exchange)
		if err != nil {
			log.Fatalf("❌ 连接 RabbitMQ 失败: %v", err)
		}
		defer p.Close()
		publisher = p
		log.Printf("✓ 事件将发布到 exchange %s（routing key %s）", *exchange, queue.RoutingKey(fixture.Job.ID))
	}

	srv, err := replay.NewServer(fixture, publisher)
	if err != nil {
		log.Fatalf("❌ %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var httpSrv *http.Server
	if *port > 0 {
		gin.SetMode(gin.ReleaseMode)
		httpSrv = &http.Server{Addr: fmt.Sprintf(":%d", *port), Handler: srv.Router()}
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatalf("❌ 服务器启动失败: %v", err)
			}
		}()
		log.Printf("🚀 假任务后端启动在 http://localhost:%d", *port)
	}

	select {
	case <-time.After(*delay):
	case <-ctx.Done():
		return
	}
	if err := srv.Play(ctx, *speed); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("❌ 回放失败: %v", err)
	}

	if httpSrv == nil {
		return
	}
	// 回放结束后继续提供查询，直到收到退出信号
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️  关闭服务器失败: %v", err)
	}
	log.Println("✓ 已退出")
}
