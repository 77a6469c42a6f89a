package registry

import (
	"net"
	"testing"

	"netmix/internal/shared/types"
)

func zt(name, addr string) types.Interface {
	return types.Interface{Name: name, Address: net.ParseIP(addr), Virtual: true}
}

func TestAdd_RejectsDuplicateName(t *testing.T) {
	r := New(0)
	if err := r.Add(zt("zt0", "10.147.17.3")); err != nil {
		t.Fatal(err)
	}
	if err := r.Add(zt("zt0", "10.147.17.4")); err == nil {
		t.Error("expected duplicate name to be rejected")
	}
	if got := len(r.List()); got != 1 {
		t.Errorf("expected 1 registered interface, got %d", got)
	}
}

func TestUpdate_UnknownNameFails(t *testing.T) {
	r := New(0)
	if err := r.Update("ghost", net.ParseIP("10.0.0.1")); err == nil {
		t.Error("expected error updating an unregistered interface")
	}
}

func TestRemove_UnknownNameIsNoOp(t *testing.T) {
	r := New(0)
	r.Remove("ghost")
	if got := len(r.List()); got != 0 {
		t.Errorf("expected empty registry, got %d entries", got)
	}
}

func TestSubscribe_ReceivesLifecycleEvents(t *testing.T) {
	r := New(0)
	events := r.Subscribe()

	if err := r.Add(zt("zt0", "10.147.17.3")); err != nil {
		t.Fatal(err)
	}
	if err := r.Update("zt0", net.ParseIP("10.147.17.4")); err != nil {
		t.Fatal(err)
	}
	r.Remove("zt0")

	want := []EventKind{EventAdd, EventUpdate, EventRemove}
	for i, kind := range want {
		ev := <-events
		if ev.Kind != kind {
			t.Fatalf("event %d: expected kind %v, got %v", i, kind, ev.Kind)
		}
		if ev.Iface.Name != "zt0" {
			t.Fatalf("event %d: expected iface zt0, got %s", i, ev.Iface.Name)
		}
	}

	select {
	case ev := <-events:
		t.Errorf("unexpected extra event: %+v", ev)
	default:
	}
}

func TestUpdate_SameAddressEmitsNoEvent(t *testing.T) {
	r := New(0)
	events := r.Subscribe()
	if err := r.Add(zt("zt0", "10.147.17.3")); err != nil {
		t.Fatal(err)
	}
	<-events // consume the add

	if err := r.Update("zt0", net.ParseIP("10.147.17.3")); err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-events:
		t.Errorf("no-op update must not broadcast, got %+v", ev)
	default:
	}
}

func TestList_SortedByName(t *testing.T) {
	r := New(0)
	for _, name := range []string{"wwan0", "eth0", "wlan0"} {
		if err := r.Add(types.Interface{Name: name, Address: net.ParseIP("192.168.1.10")}); err != nil {
			t.Fatal(err)
		}
	}
	got := r.List()
	want := []string{"eth0", "wlan0", "wwan0"}
	for i := range want {
		if got[i].Name != want[i] {
			t.Fatalf("expected sorted order %v, got %+v", want, got)
		}
	}
}

func TestLooksVirtual(t *testing.T) {
	virtual := []string{"tun0", "tap1", "wg0", "zt3jnu2qxp", "utun4", "tailscale0"}
	for _, name := range virtual {
		if !looksVirtual(name) {
			t.Errorf("%s should be flagged virtual", name)
		}
	}
	physical := []string{"eth0", "wlan0", "wwan0", "enp3s0", "en0"}
	for _, name := range physical {
		if looksVirtual(name) {
			t.Errorf("%s should not be flagged virtual", name)
		}
	}
}

func TestPickAddress_PrefersIPv4OverIPv6(t *testing.T) {
	addrs := []net.Addr{
		&net.IPNet{IP: net.ParseIP("fe80::1"), Mask: net.CIDRMask(64, 128)},
		&net.IPNet{IP: net.ParseIP("2001:db8::10"), Mask: net.CIDRMask(64, 128)},
		&net.IPNet{IP: net.ParseIP("192.168.1.10"), Mask: net.CIDRMask(24, 32)},
	}
	if ip := pickAddress(addrs); ip.String() != "192.168.1.10" {
		t.Errorf("expected IPv4 address preferred, got %v", ip)
	}
}

func TestPickAddress_FallsBackToGlobalIPv6(t *testing.T) {
	addrs := []net.Addr{
		&net.IPNet{IP: net.ParseIP("fe80::1"), Mask: net.CIDRMask(64, 128)},
		&net.IPNet{IP: net.ParseIP("2001:db8::10"), Mask: net.CIDRMask(64, 128)},
	}
	if ip := pickAddress(addrs); ip.String() != "2001:db8::10" {
		t.Errorf("expected global IPv6 fallback, got %v", ip)
	}
	if ip := pickAddress([]net.Addr{
		&net.IPNet{IP: net.ParseIP("127.0.0.1"), Mask: net.CIDRMask(8, 32)},
	}); ip != nil {
		t.Errorf("loopback must not be usable, got %v", ip)
	}
}
