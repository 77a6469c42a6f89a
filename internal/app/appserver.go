package app

import (
	"sync"

	"netmix/internal/core/gateway"
	"netmix/internal/core/health"
	"netmix/internal/core/ranker"
	"netmix/internal/core/registry"
	"netmix/internal/core/router"
	"netmix/internal/service/web"
	"netmix/internal/shared/logger"
	"netmix/internal/shared/types"
	"netmix/internal/trainlog"
)

// AppServer 组装并运行全部组件: 注册表、健康监视、排序器、路由器、
// SOCKS5 网关与仪表盘数据服务。组件之间只通过显式注入的句柄交互,
// 没有环境全局可变单例。
type AppServer struct {
	cfg *types.Config

	registry *registry.Registry
	monitor  *health.Monitor
	router   *router.Router
	gateway  *gateway.Gateway
	hub      *web.Hub
	trainLog *trainlog.Writer // nil when export is disabled

	events <-chan registry.Event

	waitGroup sync.WaitGroup
	stopOnce  sync.Once
}

var _ types.SnapshotProvider = (*health.Monitor)(nil)

// New 构建应用。所有依赖在此处完成注入。
func New(cfg *types.Config) *AppServer {
	s := &AppServer{cfg: cfg}

	s.hub = web.NewHub()
	s.registry = registry.New(cfg.HealthConf.RescanInterval())
	// 订阅必须先于 Discover, 否则初始 Add 事件会丢失。
	s.events = s.registry.Subscribe()

	s.monitor = health.New(cfg.HealthConf, cfg.ProbeTargets)
	s.monitor.SetOnChange(func() {
		s.hub.BroadcastStatus(s.monitor.Snapshots())
	})

	rk := ranker.New(s.monitor)
	if cfg.RouterConf.PredictorURL != "" {
		rk.WithPredictor(ranker.NewHTTPPredictor(cfg.RouterConf.PredictorURL), cfg.RouterConf.PredictorBudget())
		logger.Info().Str("url", cfg.RouterConf.PredictorURL).Msg("AppServer: external predictor enabled.")
	}

	var sink trainlog.Sink = trainlog.Nop{}
	if cfg.TrainConf.SamplePath != "" {
		writer, err := trainlog.NewWriter(cfg.TrainConf.SamplePath)
		if err != nil {
			logger.Warn().Err(err).Str("path", cfg.TrainConf.SamplePath).Msg("AppServer: training export disabled, could not open sample file.")
		} else {
			s.trainLog = writer
			sink = writer
		}
	}

	s.router = router.New(rk, s.monitor, sink, cfg.RouterConf.ConnectTimeout())
	s.gateway = gateway.New(cfg.LocalConf.ListenAddr, cfg.LocalConf.ListenPort, s.router, s.monitor, s.hub)

	return s
}

// Run 启动所有后台组件并阻塞在网关的 accept 循环上。
func (s *AppServer) Run() error {
	go s.hub.Run()

	s.monitor.Run(s.events)

	ifaces, err := s.registry.Discover()
	if err != nil {
		return err
	}
	if len(ifaces) == 0 {
		// 没有接口不是致命错误: 每个新连接立即失败, 重扫发现接口后自愈。
		logger.Warn().Msg("AppServer: no usable interfaces found at startup, new connections will fail until one appears.")
	}
	s.registry.Start()

	web.StartServer(&s.waitGroup, s.cfg, s.monitor, s.hub)

	if _, err := s.gateway.InitializeListener(); err != nil {
		return err
	}
	s.gateway.Serve()
	return nil
}

// Stop 有序关闭: 先停网关 (取消在途会话), 再停重扫与探测。
func (s *AppServer) Stop() {
	s.stopOnce.Do(func() {
		s.gateway.Close()
		s.registry.Stop()
		s.monitor.Stop()
		if s.trainLog != nil {
			_ = s.trainLog.Close()
		}
		logger.Info().Msg("AppServer: shutdown complete.")
	})
}
