package health

import (
	"context"
	"net"
	"sort"
	"sync"
	"time"

	"netmix/internal/core/registry"
	"netmix/internal/shared/logger"
	"netmix/internal/shared/types"
)

// ProbeFunc 执行一次绑定到 local 地址的探测, 返回建立连接耗时。
// 默认实现是一次真实的 TCP 拨号; 测试注入假实现。
type ProbeFunc func(ctx context.Context, local net.IP, target string) (time.Duration, error)

// TCPProbe 是默认探测: 绑定 local 地址向 target 建立 TCP 连接并立即关闭。
func TCPProbe(ctx context.Context, local net.IP, target string) (time.Duration, error) {
	d := net.Dialer{LocalAddr: &net.TCPAddr{IP: local}}
	start := time.Now()
	conn, err := d.DialContext(ctx, "tcp", target)
	if err != nil {
		return 0, err
	}
	elapsed := time.Since(start)
	_ = conn.Close()
	return elapsed, nil
}

// Monitor 为每个注册的接口维护一条自治的探测循环, 并派生其状态。
// 它是 HealthRecord 的唯一属主: 所有变更都经由探测循环或
// ReportOutcome / AcquireConn / ReleaseConn 进入。
type Monitor struct {
	cfg     types.HealthConf
	targets map[string]string // per-interface probe target overrides
	probe   ProbeFunc

	mu      sync.RWMutex
	records map[string]*Record
	cancels map[string]context.CancelFunc

	onChange func() // notified after every state-affecting update, may be nil

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New 创建一个 Monitor。targets 按接口名覆盖默认探测目标。
func New(cfg types.HealthConf, targets map[string]string) *Monitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		cfg:     cfg,
		targets: targets,
		probe:   TCPProbe,
		records: make(map[string]*Record),
		cancels: make(map[string]context.CancelFunc),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// SetProbeFunc 替换探测实现, 仅用于测试。
func (m *Monitor) SetProbeFunc(fn ProbeFunc) {
	m.probe = fn
}

// SetOnChange 注册一个状态变更回调 (Web Hub 的推送钩子)。
func (m *Monitor) SetOnChange(fn func()) {
	m.onChange = fn
}

func (m *Monitor) notify() {
	if m.onChange != nil {
		m.onChange()
	}
}

func (m *Monitor) thresholds() thresholds {
	return thresholds{
		goodLatencyMs: m.cfg.GoodLatencyMs,
		failThreshold: m.cfg.FailThreshold,
		goodWindow:    m.cfg.GoodWindow,
	}
}

// Track 为接口建立记录并启动其探测循环。重复 Track 同名接口是幂等的。
func (m *Monitor) Track(iface types.Interface) {
	m.mu.Lock()
	if _, exists := m.records[iface.Name]; exists {
		m.records[iface.Name].setAddress(iface)
		m.mu.Unlock()
		return
	}
	rec := newRecord(iface, m.cfg.HistorySize, m.thresholds())
	m.records[iface.Name] = rec

	probeCtx, cancel := context.WithCancel(m.baseCtx)
	m.cancels[iface.Name] = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go m.probeLoop(probeCtx, iface.Name)

	logger.Info().Str("iface", iface.Name).Msg("HealthMonitor: tracking interface.")
}

// Forget 停止接口的探测循环并销毁其记录。
func (m *Monitor) Forget(name string) {
	m.mu.Lock()
	cancel, ok := m.cancels[name]
	delete(m.records, name)
	delete(m.cancels, name)
	m.mu.Unlock()
	if ok {
		cancel()
		logger.Info().Str("iface", name).Msg("HealthMonitor: interface forgotten.")
	}
	m.notify()
}

// Run 消费注册表事件流, 使探测循环与注册表保持一致。
func (m *Monitor) Run(events <-chan registry.Event) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-m.baseCtx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				switch ev.Kind {
				case registry.EventAdd:
					m.Track(ev.Iface)
				case registry.EventUpdate:
					m.updateAddress(ev.Iface)
				case registry.EventRemove:
					m.Forget(ev.Iface.Name)
				}
			}
		}
	}()
}

func (m *Monitor) updateAddress(iface types.Interface) {
	m.mu.RLock()
	rec, ok := m.records[iface.Name]
	m.mu.RUnlock()
	if !ok {
		m.Track(iface)
		return
	}
	rec.setAddress(iface)
	m.notify()
}

// probeLoop 是单个接口的自治探测循环。一个接口上缓慢或挂起的探测
// 只会占住它自己的 goroutine, 绝不拖延其他接口或路由决策。
func (m *Monitor) probeLoop(ctx context.Context, name string) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.ProbeInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probeOnce(ctx, name)
		}
	}
}

func (m *Monitor) probeOnce(ctx context.Context, name string) {
	m.mu.RLock()
	rec, ok := m.records[name]
	m.mu.RUnlock()
	if !ok {
		return
	}

	rec.mu.Lock()
	iface := rec.iface
	rec.mu.Unlock()

	if !iface.HasAddress() {
		// 没有地址时状态派生已是 DOWN, 空拨一次毫无意义。
		return
	}

	target := m.cfg.ProbeTarget
	if override, ok := m.targets[name]; ok && override != "" {
		target = override
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout())
	latency, err := m.probe(probeCtx, iface.Address, target)
	cancel()

	if ctx.Err() != nil {
		// Cancelled by shutdown: not evidence of an unhealthy interface.
		return
	}

	if err != nil {
		rec.addFailure(probeFailWeight, true)
		logger.Debug().Str("iface", name).Str("target", target).Err(err).Msg("HealthMonitor: probe failed.")
	} else {
		rec.addSuccess(latency, true)
		logger.Debug().Str("iface", name).Str("target", target).Dur("latency", latency).Msg("HealthMonitor: probe ok.")
	}
	m.notify()
}

// ReportOutcome 是 Router 在一次真实连接尝试后的回报入口。
// 真实失败以更高权重计入 DOWN 连败, 因为它是比探测更强的证据。
func (m *Monitor) ReportOutcome(name string, success bool, latency time.Duration) {
	m.mu.RLock()
	rec, ok := m.records[name]
	m.mu.RUnlock()
	if !ok {
		return
	}
	if success {
		rec.addSuccess(latency, false)
	} else {
		rec.addFailure(realFailWeight, false)
	}
	m.notify()
}

// AcquireConn 为接口占用一个连接槽位。
func (m *Monitor) AcquireConn(name string) {
	m.mu.RLock()
	rec, ok := m.records[name]
	m.mu.RUnlock()
	if ok {
		rec.acquire()
		m.notify()
	}
}

// ReleaseConn 归还连接槽位。会话结束路径保证恰好调用一次。
func (m *Monitor) ReleaseConn(name string) {
	m.mu.RLock()
	rec, ok := m.records[name]
	m.mu.RUnlock()
	if ok {
		rec.release()
		m.notify()
	}
}

// Snapshot 返回单个接口的只读视图。
func (m *Monitor) Snapshot(name string) (types.InterfaceSnapshot, bool) {
	m.mu.RLock()
	rec, ok := m.records[name]
	m.mu.RUnlock()
	if !ok {
		return types.InterfaceSnapshot{}, false
	}
	return rec.snapshot(), true
}

// Snapshots 返回全部接口的只读视图, 按名称排序。
func (m *Monitor) Snapshots() []types.InterfaceSnapshot {
	m.mu.RLock()
	recs := make([]*Record, 0, len(m.records))
	for _, rec := range m.records {
		recs = append(recs, rec)
	}
	m.mu.RUnlock()

	out := make([]types.InterfaceSnapshot, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stop 终止全部探测循环并等待它们退出。
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
}
