package config

import (
	"os"
	"strconv"

	"gopkg.in/ini.v1"

	"netmix/internal/shared/types"
)

// Default 返回一份带有合理默认值的配置。
// 数值阈值是调优参数而非正确性参数, 全部可被 ini 覆盖。
func Default() *types.Config {
	return &types.Config{
		LocalConf: types.LocalConf{
			ListenAddr: "127.0.0.1",
			ListenPort: 1080,
		},
		HealthConf: types.HealthConf{
			ProbeIntervalS:  10,
			ProbeTimeoutS:   3,
			GoodLatencyMs:   200,
			FailThreshold:   3,
			HistorySize:     20,
			GoodWindow:      5,
			ProbeTarget:     "www.google.com:80",
			RescanIntervalS: 30,
		},
		RouterConf: types.RouterConf{
			ConnectTimeoutS:   5,
			PredictorBudgetMs: 200,
		},
		LogConf: types.LogConf{
			Level: "info",
		},
		ProbeTargets: make(map[string]string),
	}
}

// LoadIni 将 ini 行为配置文件合并到 cfg 之上。
// [probe_targets] 小节按接口名覆盖默认探测目标。
func LoadIni(cfg *types.Config, fileName string) error {
	iniFile, err := ini.Load(fileName)
	if err != nil {
		return err
	}
	if err := iniFile.MapTo(cfg); err != nil {
		return err
	}

	if cfg.ProbeTargets == nil {
		cfg.ProbeTargets = make(map[string]string)
	}
	if section, err := iniFile.GetSection("probe_targets"); err == nil {
		for _, key := range section.Keys() {
			cfg.ProbeTargets[key.Name()] = key.Value()
		}
	}

	overrideFromEnvInt(&cfg.LocalConf.ListenPort, "NETMIX_LISTEN_PORT")
	overrideFromEnvStr(&cfg.TrainConf.SamplePath, "NETMIX_SAMPLE_PATH")
	return nil
}

func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}

func overrideFromEnvStr(target *string, envName string) {
	if envValue := os.Getenv(envName); envValue != "" {
		*target = envValue
	}
}
