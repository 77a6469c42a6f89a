package web

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"

	"netmix/internal/shared/logger"
	"netmix/internal/shared/types"
)

// basicAuthMiddleware 检查 web_user 和 web_password 是否已配置。
// 如果配置了, 它将强制执行 HTTP Basic Authentication。
func basicAuthMiddleware(next http.Handler, user, pass string) http.Handler {
	// 如果用户名或密码未设置, 则不启用认证, 直接返回原始处理器
	if user == "" || pass == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized.\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// StartServer 启动仪表盘数据服务: /api/status 按需拉取快照,
// /ws 在状态变化时推送。实际的 UI 是外部协作者的事。
func StartServer(
	wg *sync.WaitGroup,
	cfg *types.Config,
	provider types.SnapshotProvider,
	hub *Hub,
) {
	if cfg.LocalConf.WebPort <= 0 {
		logger.Info().Msg("[WebServer] Web API is disabled (web_port is 0 or not set).")
		return
	}

	mux := http.NewServeMux()

	statusHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(provider.Snapshots()); err != nil {
			logger.Warn().Err(err).Msg("WebServer: failed to encode status snapshot")
		}
	})
	mux.Handle("/api/status", basicAuthMiddleware(statusHandler, cfg.LocalConf.WebUser, cfg.LocalConf.WebPassword))

	// --- WebSocket Endpoint ---
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.LocalConf.WebPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error().Err(err).Str("addr", addr).Msg("FAILED to start web API")
		return
	}

	logger.Info().Msgf("SUCCESS: Web API is listening on http://%s", addr)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := http.Serve(listener, mux); err != nil && err != http.ErrServerClosed {
			logger.Warn().Err(err).Msg("Web server error")
		}
		logger.Info().Msg("Web server stopped.")
	}()
}
