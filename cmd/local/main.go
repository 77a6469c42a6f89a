package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"netmix/internal/app"
	"netmix/internal/shared/config"
	"netmix/internal/shared/logger"
)

func main() {
	configPath := flag.String("config", "configs/netmix.ini", "Path to config file")
	flag.Parse()

	// 1. 加载行为配置 (缺失的文件不致命, 使用默认值)
	cfg := config.Default()
	if err := config.LoadIni(cfg, *configPath); err != nil {
		if !os.IsNotExist(err) {
			// Use standard fmt before logger is initialized.
			fmt.Fprintf(os.Stderr, "Fatal: Failed to load config file '%s': %v\n", *configPath, err)
			os.Exit(1)
		}
	}

	// 1.1 初始化日志系统
	if err := logger.Init(cfg.LogConf); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	// 2. 创建并运行服务器
	appServer := app.New(cfg)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info().Msg("Signal received, shutting down.")
		appServer.Stop()
	}()

	if err := appServer.Run(); err != nil {
		logger.Fatal().Err(err).Msg("AppServer exited with error")
	}
}
