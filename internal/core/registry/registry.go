package registry

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"netmix/internal/shared/logger"
	"netmix/internal/shared/types"
)

// EventKind 标识一次注册表变更的类型。
type EventKind int

const (
	EventAdd EventKind = iota
	EventUpdate
	EventRemove
)

// Event 描述一次注册表变更, 由订阅者 (HealthMonitor) 消费,
// 以便探测循环与注册表保持同步。
type Event struct {
	Kind  EventKind
	Iface types.Interface
}

const eventBuffer = 16

// Registry 维护候选网络接口的集合。
// 所有变更 (发现、外部更新、移除、后台重扫) 都经由它并广播给订阅者。
type Registry struct {
	mu     sync.RWMutex
	ifaces map[string]types.Interface
	subs   []chan Event

	rescanInterval time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New 创建一个空的 Registry。rescanInterval <= 0 时禁用后台重扫。
func New(rescanInterval time.Duration) *Registry {
	return &Registry{
		ifaces:         make(map[string]types.Interface),
		rescanInterval: rescanInterval,
		stop:           make(chan struct{}),
	}
}

// Subscribe 返回一个接收后续注册表变更的通道。
// 必须在 Discover/Start 之前调用, 否则会错过初始事件。
func (r *Registry) Subscribe() <-chan Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan Event, eventBuffer)
	r.subs = append(r.subs, ch)
	return ch
}

func (r *Registry) broadcast(ev Event) {
	for _, ch := range r.subs {
		select {
		case ch <- ev:
		default:
			logger.Warn().Str("iface", ev.Iface.Name).Msg("Registry: subscriber channel full, dropping event.")
		}
	}
}

// Discover 枚举当前活跃的非回环接口并将其装入注册表。
// 返回本次发现的接口列表 (按名称排序, 便于确定性测试)。
func (r *Registry) Discover() ([]types.Interface, error) {
	found, err := enumerate()
	if err != nil {
		return nil, fmt.Errorf("registry: interface enumeration failed: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, iface := range found {
		if _, exists := r.ifaces[iface.Name]; exists {
			continue
		}
		r.ifaces[iface.Name] = iface
		r.broadcast(Event{Kind: EventAdd, Iface: iface})
		logger.Info().
			Str("iface", iface.Name).
			Str("address", iface.Address.String()).
			Bool("virtual", iface.Virtual).
			Msg("Registry: interface discovered.")
	}
	return r.listLocked(), nil
}

// Add 装入一个外部协作者提供的接口 (例如 overlay 网络适配器)。
// 名称已存在时返回错误, 名称在进程生命周期内必须唯一。
func (r *Registry) Add(iface types.Interface) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.ifaces[iface.Name]; exists {
		return fmt.Errorf("registry: interface %q already registered", iface.Name)
	}
	r.ifaces[iface.Name] = iface
	r.broadcast(Event{Kind: EventAdd, Iface: iface})
	return nil
}

// Update 就地更新一个接口的本地地址 (例如 overlay join 完成后)。
func (r *Registry) Update(name string, addr net.IP) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	iface, ok := r.ifaces[name]
	if !ok {
		return fmt.Errorf("registry: unknown interface %q", name)
	}
	if iface.Address.Equal(addr) {
		return nil
	}
	iface.Address = addr
	r.ifaces[name] = iface
	r.broadcast(Event{Kind: EventUpdate, Iface: iface})
	logger.Info().Str("iface", name).Str("address", addr.String()).Msg("Registry: interface address updated.")
	return nil
}

// Remove 将接口从注册表中移除。正在使用其出站套接字的会话不受影响,
// 接口只是不再参与后续的排序。
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	iface, ok := r.ifaces[name]
	if !ok {
		return
	}
	delete(r.ifaces, name)
	r.broadcast(Event{Kind: EventRemove, Iface: iface})
	logger.Info().Str("iface", name).Msg("Registry: interface removed.")
}

// Get 按名称查询接口。
func (r *Registry) Get(name string) (types.Interface, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	iface, ok := r.ifaces[name]
	return iface, ok
}

// List 返回当前注册的接口, 按名称排序。
func (r *Registry) List() []types.Interface {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listLocked()
}

func (r *Registry) listLocked() []types.Interface {
	out := make([]types.Interface, 0, len(r.ifaces))
	for _, iface := range r.ifaces {
		out = append(out, iface)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start 启动后台重扫循环, 将 OS 层面的接口增删同步进注册表。
func (r *Registry) Start() {
	if r.rescanInterval <= 0 {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.rescanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
				r.rescan()
			}
		}
	}()
}

// Stop 停止后台重扫。
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
	r.wg.Wait()
}

// rescan 将 OS 当前的接口状态与注册表做差分。
func (r *Registry) rescan() {
	found, err := enumerate()
	if err != nil {
		logger.Warn().Err(err).Msg("Registry: rescan enumeration failed, keeping current view.")
		return
	}

	current := make(map[string]types.Interface, len(found))
	for _, iface := range found {
		current[iface.Name] = iface
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for name, iface := range current {
		known, exists := r.ifaces[name]
		if !exists {
			r.ifaces[name] = iface
			r.broadcast(Event{Kind: EventAdd, Iface: iface})
			logger.Info().Str("iface", name).Str("address", iface.Address.String()).Msg("Registry: interface appeared.")
			continue
		}
		if !known.Address.Equal(iface.Address) {
			known.Address = iface.Address
			r.ifaces[name] = known
			r.broadcast(Event{Kind: EventUpdate, Iface: known})
			logger.Info().Str("iface", name).Str("address", iface.Address.String()).Msg("Registry: interface address changed.")
		}
	}

	for name, iface := range r.ifaces {
		if _, stillThere := current[name]; !stillThere {
			delete(r.ifaces, name)
			r.broadcast(Event{Kind: EventRemove, Iface: iface})
			logger.Warn().Str("iface", name).Msg("Registry: interface disappeared from the OS.")
		}
	}
}

// enumerate 列出活跃的、非回环的、持有可用单播地址的接口。
func enumerate() ([]types.Interface, error) {
	osIfaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var out []types.Interface
	for _, osIface := range osIfaces {
		if osIface.Flags&net.FlagUp == 0 || osIface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := osIface.Addrs()
		if err != nil {
			continue
		}
		ip := pickAddress(addrs)
		if ip == nil {
			continue
		}
		out = append(out, types.Interface{
			Name:    osIface.Name,
			Address: ip,
			Virtual: looksVirtual(osIface.Name),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// pickAddress 选取一个可用作出站绑定的单播地址, IPv4 优先。
func pickAddress(addrs []net.Addr) net.IP {
	var v6 net.IP
	for _, a := range addrs {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		default:
			continue
		}
		if !usableIP(ip) {
			continue
		}
		if ip4 := ip.To4(); ip4 != nil {
			return ip4
		}
		if v6 == nil {
			v6 = ip
		}
	}
	return v6
}

func usableIP(ip net.IP) bool {
	// Exclude loopback + link-local; RFC1918 / ULA are fine.
	if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
		return false
	}
	return ip.IsGlobalUnicast()
}

var virtualPrefixes = []string{"tun", "tap", "wg", "zt", "utun", "tailscale"}

func looksVirtual(name string) bool {
	lower := strings.ToLower(name)
	for _, p := range virtualPrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}
