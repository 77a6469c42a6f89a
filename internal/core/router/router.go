package router

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"netmix/internal/core/health"
	"netmix/internal/core/ranker"
	"netmix/internal/shared/logger"
	"netmix/internal/shared/types"
	"netmix/internal/trainlog"
)

// ErrAllInterfacesExhausted 表示本次连接的每个候选接口都失败了。
// 它只影响这一个会话, 健康探测会继续运行, 服务在任一接口恢复后自愈。
var ErrAllInterfacesExhausted = errors.New("router: all interfaces exhausted")

// DialFunc 执行一次绑定到 local 地址的出站拨号。测试注入假实现。
type DialFunc func(ctx context.Context, local net.IP, addr string) (net.Conn, error)

// Router 为新的出站请求选择接口并在失败时顺序切换到下一候选。
// 同一会话内的切换严格串行, 最坏延迟有界: 尝试数 × 连接超时。
type Router struct {
	ranker  *ranker.Ranker
	monitor *health.Monitor
	sink    trainlog.Sink

	connectTimeout time.Duration
	dial           DialFunc
}

// New 创建一个 Router。sink 为 nil 时训练数据导出被禁用。
func New(rk *ranker.Ranker, monitor *health.Monitor, sink trainlog.Sink, connectTimeout time.Duration) *Router {
	if sink == nil {
		sink = trainlog.Nop{}
	}
	rt := &Router{
		ranker:         rk,
		monitor:        monitor,
		sink:           sink,
		connectTimeout: connectTimeout,
	}
	rt.dial = rt.boundDial
	return rt
}

// SetDialFunc 替换拨号实现, 仅用于测试。
func (rt *Router) SetDialFunc(fn DialFunc) {
	rt.dial = fn
}

var _ types.ConnectionRouter = (*Router)(nil)

// boundDial 将出站连接的本地端点绑定到所选接口的地址。
// 绑定失败 (接口在排序和拨号之间消失) 与连接失败同等对待。
func (rt *Router) boundDial(ctx context.Context, local net.IP, addr string) (net.Conn, error) {
	d := net.Dialer{LocalAddr: &net.TCPAddr{IP: local}}
	return d.DialContext(ctx, "tcp", addr)
}

// Obtain 为 (host, port) 建立一条绑定到最优可用接口的出站连接。
// 每次尝试恰好产生一条健康回报和一条训练样本; 成功的接口占用一个
// 连接槽位, 由会话结束路径归还。
func (rt *Router) Obtain(ctx context.Context, host string, port int) (net.Conn, types.InterfaceSnapshot, error) {
	target := net.JoinHostPort(host, strconv.Itoa(port))

	candidates := rt.ranker.Rank(nil)
	if len(candidates) == 0 {
		return nil, types.InterfaceSnapshot{}, fmt.Errorf("router: no interfaces registered: %w", ErrAllInterfacesExhausted)
	}

	for _, cand := range candidates {
		snap := cand.Snapshot
		if ctx.Err() != nil {
			return nil, types.InterfaceSnapshot{}, ctx.Err()
		}

		local := net.ParseIP(snap.Address)
		if local == nil {
			// 失去地址的接口无从绑定, 等同一次绑定失败。
			rt.monitor.ReportOutcome(snap.Name, false, 0)
			rt.recordSample(cand, target, false, -1)
			continue
		}

		dialCtx, cancel := context.WithTimeout(ctx, rt.connectTimeout)
		start := time.Now()
		conn, err := rt.dial(dialCtx, local, target)
		elapsed := time.Since(start)
		cancel()

		if err != nil {
			logger.Warn().
				Str("iface", snap.Name).
				Str("target", target).
				Err(err).
				Msg("Router: connect attempt failed, advancing to next candidate.")
			rt.monitor.ReportOutcome(snap.Name, false, 0)
			rt.recordSample(cand, target, false, -1)
			continue
		}

		rt.monitor.ReportOutcome(snap.Name, true, elapsed)
		rt.monitor.AcquireConn(snap.Name)
		rt.recordSample(cand, target, true, elapsed.Milliseconds())
		logger.Debug().
			Str("iface", snap.Name).
			Str("target", target).
			Dur("connect", elapsed).
			Msg("Router: outbound connection established.")
		return conn, snap, nil
	}

	return nil, types.InterfaceSnapshot{}, fmt.Errorf("router: %d candidate(s) failed for %s: %w",
		len(candidates), target, ErrAllInterfacesExhausted)
}

func (rt *Router) recordSample(cand ranker.Candidate, target string, success bool, connectMs int64) {
	rt.sink.Record(trainlog.Sample{
		Timestamp:         time.Now().UTC(),
		Interface:         cand.Snapshot.Name,
		Virtual:           cand.Snapshot.Virtual,
		Status:            cand.Snapshot.Status,
		AvgLatencyMs:      cand.Snapshot.AvgLatencyMs,
		SuccessRate:       cand.Snapshot.SuccessRate,
		ActiveConnections: cand.Snapshot.ActiveConnections,
		Score:             cand.Score,
		Target:            target,
		Success:           success,
		ConnectMs:         connectMs,
	})
}
