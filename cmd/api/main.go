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

	"pathology-platform/internal/app"
	"pathology-platform/internal/app/api"
	"pathology-platform/pkg/config"
	"pathology-platform/pkg/utils"
)

func main() {
	cfg, err := config.LoadAPIConfig()
	if err != nil {
		log.Fatalf("加载配置failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("配置校验failed: %v", err)
	}
	if err := cfg.EnsureDirs(); err != nil {
		log.Fatalf("创建存储目录failed: %v", err)
	}

	bootstrap, err := app.NewBootstrap(cfg)
	if err != nil {
		log.Fatalf("初始化failed: %v", err)
	}

	application, err := api.NewApp(bootstrap)
	if err != nil {
		log.Fatalf("创建 API 应用failed: %v", err)
	}

	addr := fmt.Sprintf(":%d", utils.DefaultInt(cfg.API.Port, 8080))

	go func() {
		if err := application.Run(addr); err != nil && err != http.ErrServerClosed {
			log.Printf("API 服务异常退出: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := application.Shutdown(ctx); err != nil {
		log.Printf("关闭failed: %v", err)
	}
	log.Println("API 服务已关闭")
}
