package gateway

import (
	"bufio"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"netmix/internal/shared"
)

// relay 在客户端与出站连接之间双向拷贝, 直到任一方向到达流结束。
// 返回 (上行, 下行) 字节数。中继阶段的 I/O 错误是正常的会话终止,
// 不构成接口不健康的证据。
func relay(clientConn net.Conn, clientReader *bufio.Reader, outboundConn net.Conn) (uint64, uint64) {
	var uplink, downlink atomic.Uint64
	counted := shared.NewCountedConn(outboundConn, &uplink, &downlink)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		_, _ = io.Copy(counted, clientReader)
		_ = counted.CloseWrite()
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(clientConn, counted)
		if tcp, ok := clientConn.(*net.TCPConn); ok {
			_ = tcp.CloseWrite()
		}
	}()
	wg.Wait()

	outboundConn.Close()
	return uplink.Load(), downlink.Load()
}
