// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pathology-platform/internal/app/worker"
	"pathology-platform/pkg/config"
)

func main() {
	cfg, err := config.LoadAPIConfig()
	if err != nil {
		log.Fatalf("加载配置failed: %v", err)
	}
	if err := cfg.EnsureDirs(); err != nil {
		log.Fatalf("创建存储目录failed: %v", err)
	}

	app, err := worker.NewApp(cfg)
	if err != nil {
		log.Fatalf("初始化应用failed: %v", err)
	}

	if err := app.Start(); err != nil {
		log.Fatalf("启动应用failed: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.Shutdown(ctx); err != nil {
		log.Printf("关闭应用failed: %v", err)
	}

	fmt.Println("应用已关闭")
}
