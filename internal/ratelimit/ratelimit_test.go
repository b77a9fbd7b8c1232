package ratelimit

import "testing"

func TestNewDisabled(t *testing.T) {
	if l := New(0, 10); l != nil {
		t.Error("perSec=0 should disable the limiter")
	}
	if l := New(-1, 10); l != nil {
		t.Error("negative perSec should disable the limiter")
	}
}

func TestNilLimiterAllows(t *testing.T) {
	var l *Limiter
	if !l.Allow("10.0.0.1") {
		t.Error("nil limiter must allow")
	}
	l.Cleanup()
	if l.Len() != 0 {
		t.Error("nil limiter must track no peers")
	}
}

func TestAllowBurstThenReject(t *testing.T) {
	l := New(0.001, 2)

	for i := 0; i < 2; i++ {
		if !l.Allow("10.0.0.1") {
			t.Fatalf("connection %d within burst was rejected", i)
		}
	}
	if l.Allow("10.0.0.1") {
		t.Error("connection beyond burst was allowed")
	}
}

func TestPeersAreIndependent(t *testing.T) {
	l := New(0.001, 1)

	if !l.Allow("10.0.0.1") {
		t.Fatal("first peer rejected")
	}
	if l.Allow("10.0.0.1") {
		t.Error("first peer allowed beyond burst")
	}
	if !l.Allow("10.0.0.2") {
		t.Error("second peer rejected by first peer's bucket")
	}
	if l.Len() != 2 {
		t.Errorf("tracked peers = %d, want 2", l.Len())
	}
}

func TestCleanupDropsIdlePeers(t *testing.T) {
	l := New(1, 1)
	l.Allow("10.0.0.1")
	l.Allow("10.0.0.2")

	// Recent peers survive a cleanup pass.
	l.Cleanup()
	if l.Len() != 2 {
		t.Fatalf("tracked peers = %d, want 2", l.Len())
	}

	// Age one peer past the retention window.
	l.mu.Lock()
	l.peers["10.0.0.1"].lastSeen = l.peers["10.0.0.1"].lastSeen.Add(-2 * l.maxIdle)
	l.mu.Unlock()

	l.Cleanup()
	if l.Len() != 1 {
		t.Errorf("tracked peers after cleanup = %d, want 1", l.Len())
	}
}
