package types

import (
	"context"
	"fmt"
	"net"
	"time"
)

// HealthStatus 表示一个接口的派生健康状态。
// 数值顺序即偏好顺序: Good 优于 Degraded 优于 Down。
type HealthStatus int

const (
	StatusGood HealthStatus = iota
	StatusDegraded
	StatusDown
)

func (s HealthStatus) String() string {
	switch s {
	case StatusGood:
		return "GOOD"
	case StatusDegraded:
		return "DEGRADED"
	case StatusDown:
		return "DOWN"
	default:
		return "UNKNOWN"
	}
}

// MarshalJSON renders the status as its symbolic name for the web feed.
func (s HealthStatus) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON accepts the symbolic name, so exported training samples
// round-trip.
func (s *HealthStatus) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case `"GOOD"`:
		*s = StatusGood
	case `"DEGRADED"`:
		*s = StatusDegraded
	case `"DOWN"`:
		*s = StatusDown
	default:
		return fmt.Errorf("unknown health status %s", data)
	}
	return nil
}

// Interface 描述一条可独立用于出站绑定的网络路径。
// Name 在进程生命周期内唯一。Address 可能在运行中被更新
// (例如 overlay 网络 join 完成之后)。
type Interface struct {
	Name    string
	Address net.IP
	Virtual bool
}

// HasAddress reports whether the interface currently has a usable
// local address to bind to.
func (i Interface) HasAddress() bool {
	return len(i.Address) > 0 && !i.Address.IsUnspecified()
}

// InterfaceSnapshot is a read-only view of one interface's health record,
// consumed by the ranker, the web feed and the training sink.
type InterfaceSnapshot struct {
	Name              string       `json:"name"`
	Address           string       `json:"address"`
	Virtual           bool         `json:"virtual"`
	Status            HealthStatus `json:"status"`
	LatestLatencyMs   int64        `json:"latestLatencyMs"` // -1 when no sample yet
	AvgLatencyMs      int64        `json:"avgLatencyMs"`    // -1 when no sample yet
	SuccessRate       float64      `json:"successRate"`
	ActiveConnections int64        `json:"activeConnections"`
	LastProbe         time.Time    `json:"lastProbe"`
}

// SnapshotProvider 定义了一个提供实时接口状态的查询器。
// HealthMonitor 实现此接口，并被注入 Ranker 和 Web 服务。
type SnapshotProvider interface {
	Snapshots() []InterfaceSnapshot
}

// ConnTracker hands out and takes back per-interface connection slots.
// The session handler releases a slot exactly once, whichever way the
// relay ends.
type ConnTracker interface {
	ReleaseConn(name string)
}

// ConnectionRouter obtains an established outbound connection for a
// target, bound to the interface it judged best, failing over internally.
type ConnectionRouter interface {
	Obtain(ctx context.Context, host string, port int) (net.Conn, InterfaceSnapshot, error)
}
