package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/mesh-runtime/internal/admin"
	"github.com/hewenyu/mesh-runtime/internal/core/config"
	"github.com/hewenyu/mesh-runtime/internal/dnsserver"
	"github.com/hewenyu/mesh-runtime/internal/mesh"
	"github.com/hewenyu/mesh-runtime/internal/mesh/invoker"
	"github.com/hewenyu/mesh-runtime/internal/store/etcd"
)

var configFile string

func init() {
	// 解析命令行参数
	flag.StringVar(&configFile, "config", "", "配置文件路径")
}

func main() {
	flag.Parse()

	// 加载配置
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logger, err := config.NewLogger(&cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}

	logger.Info("Mesh Runtime Starting...",
		zap.String("strategy", cfg.Registry.Strategy),
		zap.Bool("etcd_enabled", cfg.Etcd.Enabled),
		zap.Int("admin_port", cfg.Admin.Port),
		zap.Bool("dns_enabled", cfg.DNS.Enabled),
	)

	// 初始化可选的etcd存储，连接失败时降级为纯内存模式
	var store *etcd.Client
	if cfg.Etcd.Enabled {
		store, err = etcd.NewClient(&cfg.Etcd)
		if err != nil {
			logger.Error("创建etcd客户端失败，降级为纯内存模式", zap.Error(err))
			store = nil
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := store.Ping(ctx); err != nil {
				logger.Error("etcd健康检查失败，降级为纯内存模式", zap.Error(err))
				store.Close()
				store = nil
			} else {
				logger.Info("etcd连接成功并通过健康检查")
				defer store.Close()
			}
			cancel()
		}
	}

	// 创建服务网格，后台循环随构造启动
	m, err := mesh.New(cfg, store, invoker.NewHTTPInvoker(), logger)
	if err != nil {
		logger.Fatal("创建服务网格失败", zap.Error(err))
	}

	// 启动管理API服务
	adminServer := admin.NewServer(m, &cfg.Admin, logger)
	if err := adminServer.Start(); err != nil {
		logger.Fatal("启动管理API服务失败", zap.Error(err))
	}

	// 如果启用，启动DNS发现服务
	var dnsServer *dnsserver.Server
	if cfg.DNS.Enabled {
		dnsServer = dnsserver.NewServer(&cfg.DNS, m.Registry(), logger)
		if err := dnsServer.Start(); err != nil {
			logger.Fatal("启动DNS发现服务失败", zap.Error(err))
		}
	}

	// 等待信号以优雅关闭
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("接收到关闭信号，正在优雅关闭...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if dnsServer != nil {
		if err := dnsServer.Stop(); err != nil {
			logger.Error("关闭DNS发现服务失败", zap.Error(err))
		}
	}
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("关闭管理API服务失败", zap.Error(err))
	}
	m.Stop()

	logger.Info("Mesh Runtime已退出")
}
