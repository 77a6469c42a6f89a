package trainlog

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"netmix/internal/shared/logger"
	"netmix/internal/shared/types"
)

// Sample 是一条训练数据记录: 决策时的接口特征加上真实连接的结果。
// 核心只负责产出, 如何持久化/训练是 ML 协作者的事。
type Sample struct {
	Timestamp         time.Time          `json:"timestamp"`
	Interface         string             `json:"interface"`
	Virtual           bool               `json:"virtual"`
	Status            types.HealthStatus `json:"status"`
	AvgLatencyMs      int64              `json:"avgLatencyMs"`
	SuccessRate       float64            `json:"successRate"`
	ActiveConnections int64              `json:"activeConnections"`
	Score             float64            `json:"score"`
	Target            string             `json:"target"`
	Success           bool               `json:"success"`
	ConnectMs         int64              `json:"connectMs"` // -1 on failure
}

// Sink 接收每次真实连接尝试的样本。
type Sink interface {
	Record(sample Sample)
}

// Nop 丢弃所有样本, 是未配置导出时的默认 Sink。
type Nop struct{}

func (Nop) Record(Sample) {}

// Writer 将样本以 JSON Lines 追加到文件。写失败只记日志, 绝不影响路由。
type Writer struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// NewWriter 打开 (或创建) 样本文件用于追加。
func NewWriter(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return &Writer{file: f, path: path}, nil
}

func (w *Writer) Record(sample Sample) {
	l := logger.WithComponent("TrainLog")

	data, err := json.Marshal(sample)
	if err != nil {
		l.Warn().Err(err).Msg("Failed to marshal training sample, dropping.")
		return
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.file.Write(data); err != nil {
		l.Warn().Err(err).Str("path", w.path).Msg("Failed to append training sample.")
	}
}

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
