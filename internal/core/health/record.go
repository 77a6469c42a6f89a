package health

import (
	"sync"
	"time"

	"netmix/internal/shared/types"
)

// Failure weights toward the DOWN streak. A failed real connection is
// stronger evidence than an idle probe miss, so it advances the streak
// faster and triggers the instant-failover behavior.
const (
	probeFailWeight = 1
	realFailWeight  = 2
)

// latencyRing 是一个固定容量的延迟样本环。溢出时淘汰最旧样本,
// 内存因此是 O(接口数 × 容量) 而非无界增长。
type latencyRing struct {
	buf   []int64
	next  int
	count int
}

func newLatencyRing(capacity int) *latencyRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &latencyRing{buf: make([]int64, capacity)}
}

func (r *latencyRing) push(v int64) {
	r.buf[r.next] = v
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// latest 返回最近一次样本。没有样本时第二个返回值为 false。
func (r *latencyRing) latest() (int64, bool) {
	if r.count == 0 {
		return 0, false
	}
	idx := (r.next - 1 + len(r.buf)) % len(r.buf)
	return r.buf[idx], true
}

// avg 返回最近 window 个样本的平均值。window <= 0 时取全部样本。
func (r *latencyRing) avg(window int) (int64, bool) {
	if r.count == 0 {
		return 0, false
	}
	if window <= 0 || window > r.count {
		window = r.count
	}
	var sum int64
	idx := (r.next - 1 + len(r.buf)) % len(r.buf)
	for i := 0; i < window; i++ {
		sum += r.buf[idx]
		idx = (idx - 1 + len(r.buf)) % len(r.buf)
	}
	return sum / int64(window), true
}

// thresholds 是状态派生所需的全部调优参数。
type thresholds struct {
	goodLatencyMs int64
	failThreshold int
	goodWindow    int
}

// Record 持有单个接口的健康观测数据。
// 每个 Record 有自己的锁: 对同一接口的并发更新 (探测 + 路由反馈)
// 彼此串行, 不同接口的更新互不阻塞。
type Record struct {
	mu sync.Mutex

	iface     types.Interface
	latencies *latencyRing

	successes  uint64
	failures   uint64
	failStreak int // weighted consecutive failures, reset by any success

	active    int64
	lastProbe time.Time

	thr thresholds
}

func newRecord(iface types.Interface, historySize int, thr thresholds) *Record {
	return &Record{
		iface:     iface,
		latencies: newLatencyRing(historySize),
		thr:       thr,
	}
}

// setAddress 就地更新接口地址 (注册表 Update 事件)。
func (rec *Record) setAddress(iface types.Interface) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.iface = iface
}

// addSuccess 记录一次成功观测及其延迟。探测和真实连接共用此入口,
// 任何成功都会清零失败计数。
func (rec *Record) addSuccess(latency time.Duration, probed bool) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.latencies.push(latency.Milliseconds())
	rec.successes++
	rec.failStreak = 0
	if probed {
		rec.lastProbe = time.Now()
	}
}

// addFailure 记录一次失败观测。失败的探测不产生延迟样本。
func (rec *Record) addFailure(weight int, probed bool) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.failures++
	rec.failStreak += weight
	if probed {
		rec.lastProbe = time.Now()
	}
}

func (rec *Record) acquire() {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.active++
}

func (rec *Record) release() {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.active--
}

// Status 返回当前派生状态。状态永远是历史/惩罚状态的纯函数,
// 从不独立存储, 避免两份事实来源漂移。
func (rec *Record) Status() types.HealthStatus {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.statusLocked()
}

func (rec *Record) statusLocked() types.HealthStatus {
	return deriveStatus(rec.iface.HasAddress(), rec.failStreak, rec.latencies, rec.thr)
}

// deriveStatus 是状态派生的唯一实现:
//   - DOWN: 加权连续失败达到阈值, 或接口没有地址。
//   - GOOD: 非 DOWN 且最近 goodWindow 个样本的均值低于 good 阈值。
//   - DEGRADED: 其余情况 (延迟偏高, 或尚无足够成功样本)。
func deriveStatus(hasAddr bool, failStreak int, latencies *latencyRing, thr thresholds) types.HealthStatus {
	if !hasAddr {
		return types.StatusDown
	}
	if thr.failThreshold > 0 && failStreak >= thr.failThreshold {
		return types.StatusDown
	}
	avg, ok := latencies.avg(thr.goodWindow)
	if !ok {
		return types.StatusDegraded
	}
	if avg < thr.goodLatencyMs {
		return types.StatusGood
	}
	return types.StatusDegraded
}

// snapshot 在一次加锁内拍下完整的只读视图。
func (rec *Record) snapshot() types.InterfaceSnapshot {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	latest := int64(-1)
	if v, ok := rec.latencies.latest(); ok {
		latest = v
	}
	avg := int64(-1)
	if v, ok := rec.latencies.avg(rec.thr.goodWindow); ok {
		avg = v
	}

	rate := 0.0
	if total := rec.successes + rec.failures; total > 0 {
		rate = float64(rec.successes) / float64(total)
	}

	addr := ""
	if rec.iface.HasAddress() {
		addr = rec.iface.Address.String()
	}

	return types.InterfaceSnapshot{
		Name:              rec.iface.Name,
		Address:           addr,
		Virtual:           rec.iface.Virtual,
		Status:            rec.statusLocked(),
		LatestLatencyMs:   latest,
		AvgLatencyMs:      avg,
		SuccessRate:       rate,
		ActiveConnections: rec.active,
		LastProbe:         rec.lastProbe,
	}
}
