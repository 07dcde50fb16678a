package orchestrator

import (
	"fmt"
	"testing"
	"time"

	"github.com/concordkit/concord/internal/protocol/session"
	"github.com/concordkit/concord/internal/testutil/testlog"
)

func testRegistration(id string) session.Registration {
	return session.Registration{
		ComponentID:   id,
		ComponentType: "parser",
		Version:       "0.1.0",
		PeerIdentity:  id,
		Capabilities: []session.CapabilityInfo{
			{ID: "parse_code", Name: "Parse Code", Description: "Tokenizes input text."},
		},
	}
}

func testBeat(componentID, beatID string) session.Heartbeat {
	return session.Heartbeat{
		HeartbeatID: beatID,
		ComponentID: componentID,
		Status:      "ready",
		TimestampMS: uint64(time.Now().UnixMilli()),
	}
}

func TestUpsertRegistration(t *testing.T) {
	testlog.Start(t)

	reg := NewRegistry()
	ack := reg.UpsertRegistration("127.0.0.1:4000", testRegistration("component.alpha"))
	if ack.Status != session.AckStatusAccepted || ack.Code != 0 {
		t.Fatalf("registration rejected: %+v", ack)
	}

	got, ok := reg.Component("component.alpha")
	if !ok || !got.Connected || got.RemoteAddr != "127.0.0.1:4000" {
		t.Fatalf("component state: %+v ok=%v", got, ok)
	}
	if got.RegisteredAt.IsZero() {
		t.Fatalf("registered_at not set")
	}
}

func TestUpsertRegistrationInvalidPayload(t *testing.T) {
	testlog.Start(t)

	reg := NewRegistry()
	bad := testRegistration("component.alpha")
	bad.Capabilities = nil
	ack := reg.UpsertRegistration("127.0.0.1:4000", bad)
	if ack.Status != session.AckStatusRejected || ack.Code != rejectCodeInvalidPayload {
		t.Fatalf("expected invalid payload rejection, got %+v", ack)
	}
	if _, ok := reg.Component("component.alpha"); ok {
		t.Fatalf("rejected registration must not be recorded")
	}
}

func TestReRegistrationPreservesHistory(t *testing.T) {
	testlog.Start(t)

	reg := NewRegistry()
	reg.UpsertRegistration("127.0.0.1:4000", testRegistration("component.alpha"))
	first, _ := reg.Component("component.alpha")

	reg.AcceptHeartbeat("component.alpha", testBeat("component.alpha", "hb.1"))
	reg.AcceptHeartbeat("component.alpha", testBeat("component.alpha", "hb.2"))

	time.Sleep(5 * time.Millisecond)
	reg.UpsertRegistration("127.0.0.1:5000", testRegistration("component.alpha"))
	second, _ := reg.Component("component.alpha")

	if !second.RegisteredAt.Equal(first.RegisteredAt) {
		t.Fatalf("re-registration reset registered_at: %v vs %v", second.RegisteredAt, first.RegisteredAt)
	}
	if second.HeartbeatCount != 2 {
		t.Fatalf("re-registration reset heartbeat count: %d", second.HeartbeatCount)
	}
	if second.RemoteAddr != "127.0.0.1:5000" {
		t.Fatalf("remote addr not updated: %q", second.RemoteAddr)
	}
}

func TestAcceptHeartbeatIdempotent(t *testing.T) {
	testlog.Start(t)

	reg := NewRegistry()
	reg.UpsertRegistration("127.0.0.1:4000", testRegistration("component.alpha"))

	first := reg.AcceptHeartbeat("component.alpha", testBeat("component.alpha", "hb.1"))
	if first.Status != session.AckStatusAccepted {
		t.Fatalf("heartbeat rejected: %+v", first)
	}
	// Redelivery returns the original ack verbatim and does not double count.
	second := reg.AcceptHeartbeat("component.alpha", testBeat("component.alpha", "hb.1"))
	if second != first {
		t.Fatalf("redelivered heartbeat produced a different ack: %+v vs %+v", second, first)
	}

	got, _ := reg.Component("component.alpha")
	if got.HeartbeatCount != 1 {
		t.Fatalf("redelivery double-counted: %d", got.HeartbeatCount)
	}
}

func TestAcceptHeartbeatInvalid(t *testing.T) {
	testlog.Start(t)

	reg := NewRegistry()
	ack := reg.AcceptHeartbeat("component.alpha", session.Heartbeat{HeartbeatID: "hb.1"})
	if ack.Status != session.AckStatusRejected || ack.Code != rejectCodeInvalidHeartbeat {
		t.Fatalf("expected invalid heartbeat rejection, got %+v", ack)
	}
}

func TestAckRetentionBounded(t *testing.T) {
	testlog.Start(t)

	reg := NewRegistry()
	reg.UpsertRegistration("127.0.0.1:4000", testRegistration("component.alpha"))

	total := 64 + 8
	for i := 0; i < total; i++ {
		reg.AcceptHeartbeat("component.alpha", testBeat("component.alpha", fmt.Sprintf("hb.%d", i)))
	}

	// The oldest ack was evicted, so redelivering hb.0 counts as new.
	reg.AcceptHeartbeat("component.alpha", testBeat("component.alpha", "hb.0"))
	got, _ := reg.Component("component.alpha")
	if got.HeartbeatCount != uint64(total+1) {
		t.Fatalf("evicted heartbeat not recounted: %d", got.HeartbeatCount)
	}

	// A recent ack is still replayed idempotently.
	reg.AcceptHeartbeat("component.alpha", testBeat("component.alpha", fmt.Sprintf("hb.%d", total-1)))
	got, _ = reg.Component("component.alpha")
	if got.HeartbeatCount != uint64(total+1) {
		t.Fatalf("retained heartbeat double-counted: %d", got.HeartbeatCount)
	}
}

func TestMarkDisconnected(t *testing.T) {
	testlog.Start(t)

	reg := NewRegistry()
	reg.UpsertRegistration("127.0.0.1:4000", testRegistration("component.alpha"))
	reg.AcceptHeartbeat("component.alpha", testBeat("component.alpha", "hb.1"))

	reg.MarkDisconnected("component.alpha")
	got, ok := reg.Component("component.alpha")
	if !ok {
		t.Fatalf("disconnect must keep history")
	}
	if got.Connected || got.RemoteAddr != "" {
		t.Fatalf("disconnect state: %+v", got)
	}
	if got.HeartbeatCount != 1 {
		t.Fatalf("disconnect lost counters: %d", got.HeartbeatCount)
	}
}

func TestStaleComponents(t *testing.T) {
	testlog.Start(t)

	reg := NewRegistry()
	reg.UpsertRegistration("127.0.0.1:4000", testRegistration("component.alpha"))
	reg.UpsertRegistration("127.0.0.1:4001", testRegistration("component.beta"))
	reg.AcceptHeartbeat("component.beta", testBeat("component.beta", "hb.1"))

	time.Sleep(10 * time.Millisecond)
	cutoff := time.Now()
	stale := reg.StaleComponents(cutoff)
	if len(stale) != 2 {
		t.Fatalf("expected both components stale: %v", stale)
	}

	reg.AcceptHeartbeat("component.alpha", testBeat("component.alpha", "hb.2"))
	stale = reg.StaleComponents(cutoff)
	if len(stale) != 1 || stale[0] != "component.beta" {
		t.Fatalf("expected only component.beta stale: %v", stale)
	}

	// Disconnected components are not reported.
	reg.MarkDisconnected("component.beta")
	if stale := reg.StaleComponents(cutoff); len(stale) != 0 {
		t.Fatalf("disconnected component reported stale: %v", stale)
	}
}
