package gateway

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// RFC 1928 subset: NOAUTH only, CONNECT only.
const (
	socksVersion = 0x05

	methodNoAuth       = 0x00
	methodNoAcceptable = 0xFF

	cmdConnect      = 0x01
	cmdBind         = 0x02
	cmdUDPAssociate = 0x03

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	repSuccess              = 0x00
	repGeneralFailure       = 0x01
	repNetworkUnreachable   = 0x03
	repHostUnreachable      = 0x04
	repConnectionRefused    = 0x05
	repCommandNotSupported  = 0x07
	repAddrTypeNotSupported = 0x08
)

// negotiate 处理问候阶段: 校验版本并协商认证方法。
// 客户端没有提供 NOAUTH 时回复 0xFF 并返回错误, 会话不进入路由。
func negotiate(conn net.Conn, reader *bufio.Reader) error {
	header := make([]byte, 2)
	if _, err := io.ReadFull(reader, header); err != nil {
		return fmt.Errorf("socks5: read greeting: %w", err)
	}
	if header[0] != socksVersion {
		return fmt.Errorf("socks5: unsupported version: %d", header[0])
	}

	methods := make([]byte, int(header[1]))
	if _, err := io.ReadFull(reader, methods); err != nil {
		return fmt.Errorf("socks5: read methods: %w", err)
	}

	for _, m := range methods {
		if m == methodNoAuth {
			if _, err := conn.Write([]byte{socksVersion, methodNoAuth}); err != nil {
				return fmt.Errorf("socks5: write method selection: %w", err)
			}
			return nil
		}
	}

	// 不选择任何方法, 通知后关闭。
	_, _ = conn.Write([]byte{socksVersion, methodNoAcceptable})
	return fmt.Errorf("socks5: no acceptable auth method offered")
}

// request 是解析后的客户端请求。
type request struct {
	cmd  byte
	host string // IP literal or domain name
	port int
}

// readRequest 解析请求阶段: 命令、地址类型、目标地址与端口。
func readRequest(reader *bufio.Reader) (*request, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(reader, header); err != nil {
		return nil, fmt.Errorf("socks5: read request header: %w", err)
	}
	if header[0] != socksVersion {
		return nil, fmt.Errorf("socks5: unsupported version in request: %d", header[0])
	}

	req := &request{cmd: header[1]}

	switch header[3] {
	case atypIPv4:
		buf := make([]byte, 4)
		if _, err := io.ReadFull(reader, buf); err != nil {
			return nil, fmt.Errorf("socks5: read IPv4 address: %w", err)
		}
		req.host = net.IP(buf).String()
	case atypDomain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(reader, lenBuf); err != nil {
			return nil, fmt.Errorf("socks5: read domain length: %w", err)
		}
		buf := make([]byte, lenBuf[0])
		if _, err := io.ReadFull(reader, buf); err != nil {
			return nil, fmt.Errorf("socks5: read domain: %w", err)
		}
		req.host = string(buf)
	case atypIPv6:
		buf := make([]byte, 16)
		if _, err := io.ReadFull(reader, buf); err != nil {
			return nil, fmt.Errorf("socks5: read IPv6 address: %w", err)
		}
		req.host = net.IP(buf).String()
	default:
		return nil, &unsupportedAtypError{atyp: header[3]}
	}

	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(reader, portBuf); err != nil {
		return nil, fmt.Errorf("socks5: read port: %w", err)
	}
	req.port = int(binary.BigEndian.Uint16(portBuf))
	return req, nil
}

type unsupportedAtypError struct {
	atyp byte
}

func (e *unsupportedAtypError) Error() string {
	return fmt.Sprintf("socks5: unsupported address type: %d", e.atyp)
}

// writeReply 发送应答。bind 是成功时出站套接字的本地端点;
// 失败应答携带全零地址。
func writeReply(conn net.Conn, rep byte, bind net.Addr) error {
	ip := net.IPv4zero
	port := 0
	if tcpAddr, ok := bind.(*net.TCPAddr); ok && tcpAddr != nil {
		ip = tcpAddr.IP
		port = tcpAddr.Port
	}

	reply := []byte{socksVersion, rep, 0x00}
	if ip4 := ip.To4(); ip4 != nil {
		reply = append(reply, atypIPv4)
		reply = append(reply, ip4...)
	} else {
		reply = append(reply, atypIPv6)
		reply = append(reply, ip.To16()...)
	}

	portBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(portBytes, uint16(port))
	reply = append(reply, portBytes...)

	_, err := conn.Write(reply)
	return err
}
