package types

import "time"

// LocalConf 包含监听器与 Web 服务的配置。
type LocalConf struct {
	ListenAddr  string `ini:"listen_addr"`
	ListenPort  int    `ini:"listen_port"`
	WebPort     int    `ini:"web_port"`
	WebUser     string `ini:"web_user"`
	WebPassword string `ini:"web_password"`
}

// HealthConf 包含健康探测子系统的配置。
type HealthConf struct {
	ProbeIntervalS  int    `ini:"probe_interval_s"`
	ProbeTimeoutS   int    `ini:"probe_timeout_s"`
	GoodLatencyMs   int64  `ini:"good_latency_ms"`
	FailThreshold   int    `ini:"fail_threshold"`
	HistorySize     int    `ini:"history_size"`
	GoodWindow      int    `ini:"good_window"`
	ProbeTarget     string `ini:"probe_target"`
	RescanIntervalS int    `ini:"rescan_interval_s"`
}

func (c HealthConf) ProbeInterval() time.Duration {
	return time.Duration(c.ProbeIntervalS) * time.Second
}

func (c HealthConf) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutS) * time.Second
}

func (c HealthConf) RescanInterval() time.Duration {
	return time.Duration(c.RescanIntervalS) * time.Second
}

// RouterConf 包含连接路由的配置。
type RouterConf struct {
	ConnectTimeoutS   int    `ini:"connect_timeout_s"`
	PredictorURL      string `ini:"predictor_url"`
	PredictorBudgetMs int    `ini:"predictor_budget_ms"`
}

func (c RouterConf) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutS) * time.Second
}

func (c RouterConf) PredictorBudget() time.Duration {
	return time.Duration(c.PredictorBudgetMs) * time.Millisecond
}

// TrainConf 包含训练数据导出的配置。sample_path 为空时禁用导出。
type TrainConf struct {
	SamplePath string `ini:"sample_path"`
}

// LogConf contains logging specific configuration
type LogConf struct {
	Level string `ini:"level"`
}

// Config 是统一配置结构体。ProbeTargets 来自 [probe_targets] 小节,
// 按接口名覆盖默认探测目标 (例如私有 overlay 网络指向其网关)。
type Config struct {
	LocalConf  `ini:"local"`
	HealthConf `ini:"health"`
	RouterConf `ini:"router"`
	TrainConf  `ini:"train"`
	LogConf    `ini:"log"`

	ProbeTargets map[string]string `ini:"-"`
}
