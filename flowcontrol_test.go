package tunnel

import (
	"testing"
	"time"
)

func TestFlowControllerStartsInSlowStart(t *testing.T) {
	fc := NewFlowController(65536)
	snap := fc.Snapshot()
	if snap.CongestionWindow != defaultMinWindow {
		t.Fatalf("got initial cwnd %d, want %d", snap.CongestionWindow, defaultMinWindow)
	}
	if snap.SlowStartThresh != 65536/2 {
		t.Fatalf("got initial ssthresh %d, want %d", snap.SlowStartThresh, 65536/2)
	}
}

func TestFlowControllerCanSendRespectsWindow(t *testing.T) {
	fc := NewFlowController(65536)
	if !fc.CanSend(100) {
		t.Fatal("expected to be able to send within an empty window")
	}
	fc.OnPacketSent(defaultMinWindow)
	if fc.CanSend(1) {
		t.Fatal("expected window to be full after sending cwnd bytes")
	}
}

func TestFlowControllerGrowsInSlowStart(t *testing.T) {
	fc := NewFlowController(65536)
	before := fc.Snapshot().CongestionWindow
	fc.OnPacketSent(1024)
	fc.OnAckReceived(1024, 50*time.Millisecond)
	after := fc.Snapshot().CongestionWindow
	if after <= before {
		t.Fatalf("expected cwnd to grow in slow start: before=%d after=%d", before, after)
	}
}

func TestFlowControllerPacketLossHalvesWindow(t *testing.T) {
	fc := NewFlowController(65536)
	fc.OnPacketSent(defaultMinWindow)
	fc.OnAckReceived(defaultMinWindow, 50*time.Millisecond)
	before := fc.Snapshot().CongestionWindow

	fc.OnPacketLoss()
	after := fc.Snapshot()
	if after.CongestionWindow >= before {
		t.Fatalf("expected cwnd to shrink after loss: before=%d after=%d", before, after.CongestionWindow)
	}
	if after.CongestionWindow != after.SlowStartThresh {
		t.Fatal("expected cwnd to equal ssthresh immediately after a loss event")
	}
}

func TestFlowControllerTimeoutCollapsesToMinWindow(t *testing.T) {
	fc := NewFlowController(65536)
	fc.OnPacketSent(500000)
	fc.OnAckReceived(500000, 50*time.Millisecond)

	fc.OnTimeout()
	snap := fc.Snapshot()
	if snap.CongestionWindow != defaultMinWindow {
		t.Fatalf("got cwnd %d after timeout, want %d", snap.CongestionWindow, defaultMinWindow)
	}
}

func TestFlowControllerRTOClampedToBounds(t *testing.T) {
	fc := NewFlowController(65536)
	fc.OnPacketSent(100)
	fc.OnAckReceived(100, time.Microsecond) // absurdly small sample
	if fc.GetTimeout() < rtoMin {
		t.Fatalf("RTO %v below minimum %v", fc.GetTimeout(), rtoMin)
	}

	fc.OnPacketSent(100)
	fc.OnAckReceived(100, 5*time.Minute) // absurdly large sample
	if fc.GetTimeout() > rtoMax {
		t.Fatalf("RTO %v above maximum %v", fc.GetTimeout(), rtoMax)
	}
}

func TestFlowControllerWindowNeverExceedsMax(t *testing.T) {
	fc := NewFlowController(65536)
	for i := 0; i < 100; i++ {
		fc.OnPacketSent(defaultMaxWindow)
		fc.OnAckReceived(defaultMaxWindow, 10*time.Millisecond)
	}
	if fc.Snapshot().CongestionWindow > defaultMaxWindow {
		t.Fatalf("cwnd exceeded maxWindow: %d", fc.Snapshot().CongestionWindow)
	}
}
