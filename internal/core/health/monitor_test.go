package health

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"netmix/internal/core/registry"
	"netmix/internal/shared/types"
)

func testConf() types.HealthConf {
	return types.HealthConf{
		ProbeIntervalS: 3600, // probes never tick during tests unless driven manually
		ProbeTimeoutS:  1,
		GoodLatencyMs:  200,
		FailThreshold:  3,
		HistorySize:    20,
		GoodWindow:     5,
		ProbeTarget:    "example.invalid:80",
	}
}

func TestReportOutcome_UpdatesSnapshot(t *testing.T) {
	m := New(testConf(), nil)
	defer m.Stop()
	m.Track(testIface("wlan0"))

	m.ReportOutcome("wlan0", true, 42*time.Millisecond)
	snap, ok := m.Snapshot("wlan0")
	if !ok {
		t.Fatal("expected snapshot for tracked interface")
	}
	if snap.LatestLatencyMs != 42 {
		t.Errorf("expected latest latency 42, got %d", snap.LatestLatencyMs)
	}
	if snap.Status != types.StatusGood {
		t.Errorf("expected GOOD, got %v", snap.Status)
	}
}

func TestAcquireRelease_Balance(t *testing.T) {
	m := New(testConf(), nil)
	defer m.Stop()
	m.Track(testIface("wlan0"))

	const sessions = 50
	var wg sync.WaitGroup
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.AcquireConn("wlan0")
			m.ReleaseConn("wlan0")
		}()
	}
	wg.Wait()

	snap, _ := m.Snapshot("wlan0")
	if snap.ActiveConnections != 0 {
		t.Errorf("expected balanced active count 0, got %d", snap.ActiveConnections)
	}
}

func TestConcurrentProbesAndOutcomes_NoLostUpdates(t *testing.T) {
	m := New(testConf(), nil)
	defer m.Stop()
	m.Track(testIface("wlan0"))

	// A probe timing out while a real connection succeeds moments later:
	// both observations must land without races or lost updates.
	var wg sync.WaitGroup
	const rounds = 200
	for i := 0; i < rounds; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			m.ReportOutcome("wlan0", true, 30*time.Millisecond)
		}()
		go func() {
			defer wg.Done()
			m.mu.RLock()
			rec := m.records["wlan0"]
			m.mu.RUnlock()
			rec.addFailure(probeFailWeight, true)
		}()
	}
	wg.Wait()

	m.mu.RLock()
	rec := m.records["wlan0"]
	m.mu.RUnlock()
	rec.mu.Lock()
	total := rec.successes + rec.failures
	rec.mu.Unlock()
	if total != 2*rounds {
		t.Errorf("expected %d observations, got %d (lost updates)", 2*rounds, total)
	}
}

func TestProbeOnce_SuccessAndFailure(t *testing.T) {
	m := New(testConf(), nil)
	defer m.Stop()
	m.SetProbeFunc(func(ctx context.Context, local net.IP, target string) (time.Duration, error) {
		return 25 * time.Millisecond, nil
	})
	m.Track(testIface("wlan0"))

	m.probeOnce(context.Background(), "wlan0")
	snap, _ := m.Snapshot("wlan0")
	if snap.LatestLatencyMs != 25 {
		t.Fatalf("expected probe latency 25, got %d", snap.LatestLatencyMs)
	}
	if snap.LastProbe.IsZero() {
		t.Error("expected last-probe timestamp to be set")
	}

	m.SetProbeFunc(func(ctx context.Context, local net.IP, target string) (time.Duration, error) {
		return 0, errors.New("connect timeout")
	})
	m.probeOnce(context.Background(), "wlan0")
	snap, _ = m.Snapshot("wlan0")
	if snap.LatestLatencyMs != 25 {
		t.Errorf("failed probe must not add a latency sample, got %d", snap.LatestLatencyMs)
	}
}

func TestProbeOnce_CancelledProbeRecordsNothing(t *testing.T) {
	m := New(testConf(), nil)
	defer m.Stop()
	m.SetProbeFunc(func(ctx context.Context, local net.IP, target string) (time.Duration, error) {
		return 0, context.Canceled
	})
	m.Track(testIface("wlan0"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m.probeOnce(ctx, "wlan0")

	snap, _ := m.Snapshot("wlan0")
	if snap.SuccessRate != 0 {
		t.Error("cancelled probe must not record an outcome")
	}
	if snap.Status == types.StatusDown {
		t.Error("cancelled probe must not push the interface toward DOWN")
	}
}

func TestMonitor_FollowsRegistryEvents(t *testing.T) {
	reg := registry.New(0)
	events := reg.Subscribe()

	m := New(testConf(), nil)
	defer m.Stop()
	m.Run(events)

	if err := reg.Add(testIface("zt1")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		_, ok := m.Snapshot("zt1")
		return ok
	}, "monitor to track added interface")

	if err := reg.Update("zt1", net.ParseIP("10.147.17.5")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		snap, ok := m.Snapshot("zt1")
		return ok && snap.Address == "10.147.17.5"
	}, "monitor to apply address update")

	reg.Remove("zt1")
	waitFor(t, func() bool {
		_, ok := m.Snapshot("zt1")
		return !ok
	}, "monitor to forget removed interface")
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
