package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"golang.org/x/net/proxy"

	"netmix/internal/core/health"
	"netmix/internal/core/ranker"
	"netmix/internal/core/router"
	"netmix/internal/shared/types"
)

func newEchoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func newTestMonitor(t *testing.T, ifaces ...types.Interface) *health.Monitor {
	t.Helper()
	m := health.New(types.HealthConf{
		ProbeIntervalS: 3600,
		ProbeTimeoutS:  1,
		GoodLatencyMs:  200,
		FailThreshold:  3,
		HistorySize:    20,
		GoodWindow:     5,
		ProbeTarget:    "example.invalid:80",
	}, nil)
	t.Cleanup(m.Stop)
	for _, iface := range ifaces {
		m.Track(iface)
	}
	return m
}

func startGateway(t *testing.T, rt *router.Router, monitor *health.Monitor) string {
	t.Helper()
	gw := New("127.0.0.1", 0, rt, monitor, nil)
	port, err := gw.InitializeListener()
	if err != nil {
		t.Fatal(err)
	}
	go gw.Serve()
	t.Cleanup(gw.Close)
	return fmt.Sprintf("127.0.0.1:%d", port)
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestGateway_EndToEndEcho(t *testing.T) {
	echoAddr := newEchoServer(t)
	monitor := newTestMonitor(t, types.Interface{Name: "lo", Address: net.ParseIP("127.0.0.1")})
	monitor.ReportOutcome("lo", true, 10*time.Millisecond)

	rt := router.New(ranker.New(monitor), monitor, nil, time.Second)
	gwAddr := startGateway(t, rt, monitor)

	dialer, err := proxy.SOCKS5("tcp", gwAddr, nil, proxy.Direct)
	if err != nil {
		t.Fatal(err)
	}
	conn, err := dialer.Dial("tcp", echoAddr)
	if err != nil {
		t.Fatalf("SOCKS5 dial through gateway failed: %v", err)
	}

	waitFor(t, func() bool {
		snap, ok := monitor.Snapshot("lo")
		return ok && snap.ActiveConnections == 1
	}, "connection slot to be held during the session")

	conn.SetDeadline(time.Now().Add(2 * time.Second))
	payload := []byte("hello through the mixer")
	if _, err := conn.Write(payload); err != nil {
		t.Fatal(err)
	}
	echoed := make([]byte, len(payload))
	if _, err := io.ReadFull(conn, echoed); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(echoed, payload) {
		t.Errorf("expected echo %q, got %q", payload, echoed)
	}

	conn.Close()
	waitFor(t, func() bool {
		snap, ok := monitor.Snapshot("lo")
		return ok && snap.ActiveConnections == 0
	}, "connection slot to be released after the session")
}

// socksHandshake performs the NOAUTH greeting and sends a request,
// returning the raw 10-byte reply.
func socksHandshake(t *testing.T, conn net.Conn, cmd byte) []byte {
	t.Helper()
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatal(err)
	}
	sel := make([]byte, 2)
	if _, err := io.ReadFull(conn, sel); err != nil {
		t.Fatal(err)
	}
	if sel[0] != 0x05 || sel[1] != 0x00 {
		t.Fatalf("expected NOAUTH selection, got %x", sel)
	}
	req := []byte{0x05, cmd, 0x00, 0x01, 127, 0, 0, 1, 0x00, 0x50}
	if _, err := conn.Write(req); err != nil {
		t.Fatal(err)
	}
	reply := make([]byte, 10)
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatal(err)
	}
	return reply
}

func TestGateway_AllInterfacesDownRepliesHostUnreachable(t *testing.T) {
	monitor := newTestMonitor(t, types.Interface{Name: "wwan0", Address: net.ParseIP("192.0.2.1")})
	monitor.ReportOutcome("wwan0", false, 0)
	monitor.ReportOutcome("wwan0", false, 0)
	if snap, _ := monitor.Snapshot("wwan0"); snap.Status != types.StatusDown {
		t.Fatalf("precondition: interface should be DOWN, got %v", snap.Status)
	}

	rt := router.New(ranker.New(monitor), monitor, nil, time.Second)
	dials := 0
	rt.SetDialFunc(func(ctx context.Context, local net.IP, addr string) (net.Conn, error) {
		dials++
		return nil, errors.New("connect: network is unreachable")
	})
	gwAddr := startGateway(t, rt, monitor)

	conn, err := net.Dial("tcp", gwAddr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	reply := socksHandshake(t, conn, 0x01)
	if reply[1] != repHostUnreachable {
		t.Errorf("expected host-unreachable reply 0x04, got 0x%02x", reply[1])
	}
	if dials != 1 {
		t.Errorf("expected exactly one dial attempt against the DOWN interface, got %d", dials)
	}
	if snap, _ := monitor.Snapshot("wwan0"); snap.ActiveConnections != 0 {
		t.Error("failed routing must not leave a connection slot held")
	}
}

func TestGateway_UnsupportedCommandRejected(t *testing.T) {
	monitor := newTestMonitor(t, types.Interface{Name: "lo", Address: net.ParseIP("127.0.0.1")})
	rt := router.New(ranker.New(monitor), monitor, nil, time.Second)
	rt.SetDialFunc(func(ctx context.Context, local net.IP, addr string) (net.Conn, error) {
		t.Error("routing must not run for a rejected command")
		return nil, errors.New("unreachable")
	})
	gwAddr := startGateway(t, rt, monitor)

	conn, err := net.Dial("tcp", gwAddr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// BIND is not supported.
	reply := socksHandshake(t, conn, 0x02)
	if reply[1] != repCommandNotSupported {
		t.Errorf("expected command-not-supported reply 0x07, got 0x%02x", reply[1])
	}
}

func TestGateway_GreetingWithoutNoAuthClosesSession(t *testing.T) {
	monitor := newTestMonitor(t, types.Interface{Name: "lo", Address: net.ParseIP("127.0.0.1")})
	rt := router.New(ranker.New(monitor), monitor, nil, time.Second)
	rt.SetDialFunc(func(ctx context.Context, local net.IP, addr string) (net.Conn, error) {
		t.Error("routing must not run for a failed negotiation")
		return nil, errors.New("unreachable")
	})
	gwAddr := startGateway(t, rt, monitor)

	conn, err := net.Dial("tcp", gwAddr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	if _, err := conn.Write([]byte{0x05, 0x01, 0x02}); err != nil {
		t.Fatal(err)
	}
	sel := make([]byte, 2)
	if _, err := io.ReadFull(conn, sel); err != nil {
		t.Fatal(err)
	}
	if sel[0] != 0x05 || sel[1] != 0xFF {
		t.Errorf("expected rejection 05 FF, got %x", sel)
	}
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("expected the gateway to close the connection after rejecting authentication")
	}
}
