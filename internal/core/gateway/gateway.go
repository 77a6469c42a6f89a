package gateway

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"netmix/internal/core/router"
	"netmix/internal/service/web"
	"netmix/internal/shared/logger"
	"netmix/internal/shared/types"
)

// Gateway 是 SOCKS5 监听器: 每个被接受的客户端连接由一个独立的
// goroutine 走完问候、请求、路由、中继四个阶段。
type Gateway struct {
	listener     net.Listener
	listenerInfo *net.TCPAddr

	router  types.ConnectionRouter
	tracker types.ConnTracker
	hub     *web.Hub // may be nil (tests)

	listenAddr string
	listenPort int

	baseCtx   context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	waitGroup sync.WaitGroup
}

func New(listenAddr string, listenPort int, rt types.ConnectionRouter, tracker types.ConnTracker, hub *web.Hub) *Gateway {
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		router:     rt,
		tracker:    tracker,
		hub:        hub,
		listenAddr: listenAddr,
		listenPort: listenPort,
		baseCtx:    ctx,
		cancel:     cancel,
	}
}

// InitializeListener 负责监听端口并准备服务, 但不阻塞。
// 它返回实际监听的端口号 (listenPort 为 0 时由系统分配)。
func (g *Gateway) InitializeListener() (int, error) {
	addr := fmt.Sprintf("%s:%d", g.listenAddr, g.listenPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("gateway failed to listen on %s: %w", addr, err)
	}
	g.listener = listener
	g.listenerInfo = listener.Addr().(*net.TCPAddr)

	logger.Info().Str("listen_addr", listener.Addr().String()).Msg(">>> SOCKS5 gateway is listening.")
	return g.listenerInfo.Port, nil
}

// Serve 启动阻塞的 accept 循环。必须在 InitializeListener 之后调用。
func (g *Gateway) Serve() {
	if g.listener == nil {
		logger.Error().Msg("Gateway.Serve() called before InitializeListener()")
		return
	}
	g.waitGroup.Add(1)
	g.acceptLoop()
}

// Start 封装 InitializeListener + Serve。
func (g *Gateway) Start() error {
	if _, err := g.InitializeListener(); err != nil {
		return err
	}
	go g.Serve()
	return nil
}

// Addr 返回监听地址, 仅在 InitializeListener 之后有效。
func (g *Gateway) Addr() *net.TCPAddr {
	return g.listenerInfo
}

func (g *Gateway) acceptLoop() {
	defer g.waitGroup.Done()
	for {
		conn, err := g.listener.Accept()
		if err != nil {
			if opErr, ok := err.(*net.OpError); ok && strings.Contains(opErr.Err.Error(), "use of closed network connection") {
				logger.Info().Msg("Gateway listener is closing.")
				return
			}
			logger.Warn().Err(err).Msg("Gateway failed to accept connection")
			continue
		}
		g.waitGroup.Add(1)
		go g.handleConnection(conn)
	}
}

// handleConnection 驱动一个会话的完整状态机。
func (g *Gateway) handleConnection(clientConn net.Conn) {
	defer g.waitGroup.Done()
	defer clientConn.Close()

	traceID := uuid.NewString()
	l := log.With().Str("trace_id", traceID).Logger()
	ctx, cancelSession := context.WithCancel(l.WithContext(g.baseCtx))
	defer cancelSession()

	clientIP := clientConn.RemoteAddr().String()
	reader := bufio.NewReader(clientConn)

	// 1. Greeting
	if err := negotiate(clientConn, reader); err != nil {
		l.Warn().Err(err).Str("client_ip", clientIP).Msg("Gateway: SOCKS5 negotiation failed")
		return
	}

	// 2. Request
	req, err := readRequest(reader)
	if err != nil {
		var atypErr *unsupportedAtypError
		if errors.As(err, &atypErr) {
			_ = writeReply(clientConn, repAddrTypeNotSupported, nil)
		}
		l.Warn().Err(err).Str("client_ip", clientIP).Msg("Gateway: malformed SOCKS5 request")
		return
	}
	if req.cmd != cmdConnect {
		_ = writeReply(clientConn, repCommandNotSupported, nil)
		l.Warn().Int("cmd", int(req.cmd)).Str("client_ip", clientIP).Msg("Gateway: unsupported SOCKS5 command")
		return
	}

	target := net.JoinHostPort(req.host, fmt.Sprintf("%d", req.port))
	g.broadcastTraffic(clientIP, target, "Intercepted", "")

	// 域名在路由前解析一次, 解析本身不做多路径。
	host := req.host
	if net.ParseIP(host) == nil {
		addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
		if err != nil || len(addrs) == 0 {
			_ = writeReply(clientConn, repHostUnreachable, nil)
			l.Warn().Err(err).Str("host", host).Msg("Gateway: DNS resolution failed")
			return
		}
		host = addrs[0].IP.String()
	}

	// 3. Routing
	outboundConn, chosen, err := g.router.Obtain(ctx, host, req.port)
	if err != nil {
		_ = writeReply(clientConn, replyForRoutingError(err), nil)
		l.Warn().Err(err).Str("target", target).Msg("Gateway: routing failed")
		return
	}

	g.broadcastTraffic(clientIP, target, "Decided", chosen.Name)
	l.Debug().Str("iface", chosen.Name).Str("target", target).Msg("Gateway: session routed")

	if err := writeReply(clientConn, repSuccess, outboundConn.LocalAddr()); err != nil {
		outboundConn.Close()
		g.tracker.ReleaseConn(chosen.Name)
		l.Warn().Err(err).Msg("Gateway: failed to write success reply")
		return
	}

	// 4. Relay — 连接槽位恰好归还一次, 无论哪条路径结束会话。
	// 进程关闭时关掉两端套接字, 让阻塞中的拷贝立即返回。
	go func() {
		<-ctx.Done()
		clientConn.Close()
		outboundConn.Close()
	}()

	up, down := relay(clientConn, reader, outboundConn)
	g.tracker.ReleaseConn(chosen.Name)

	l.Debug().
		Str("iface", chosen.Name).
		Str("target", target).
		Int64("uplink_bytes", int64(up)).
		Int64("downlink_bytes", int64(down)).
		Msg("Gateway: session finished")
}

// replyForRoutingError 将路由错误映射到 SOCKS5 应答码。
func replyForRoutingError(err error) byte {
	switch {
	case errors.Is(err, router.ErrAllInterfacesExhausted):
		return repHostUnreachable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return repGeneralFailure
	default:
		return repGeneralFailure
	}
}

func (g *Gateway) broadcastTraffic(clientIP, target, action, iface string) {
	if g.hub == nil {
		return
	}
	g.hub.BroadcastTrafficLog(&web.TrafficLogEntry{
		Timestamp:   time.Now(),
		ClientIP:    clientIP,
		Destination: target,
		Action:      action,
		Interface:   iface,
	})
}

// Close 停止监听并等待所有在途会话结束。
func (g *Gateway) Close() {
	g.closeOnce.Do(func() {
		g.cancel()
		if g.listener != nil {
			g.listener.Close()
		}
		g.waitGroup.Wait()
		log.Info().Msg("Gateway has been shut down")
	})
}
