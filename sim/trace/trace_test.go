package trace

import (
	"testing"
)

func TestFederationTrace_RecordGrant_AppendsRecord(t *testing.T) {
	// GIVEN a trace configured for grants
	ft := NewFederationTrace(LevelGrants)

	// WHEN a grant record is recorded
	ft.RecordGrant(GrantRecord{Federate: "fedA", Time: 1.5, Result: "next_step"})

	// THEN the trace contains one grant with correct data
	grants := ft.Grants()
	if len(grants) != 1 {
		t.Fatalf("expected 1 grant, got %d", len(grants))
	}
	if grants[0].Federate != "fedA" {
		t.Errorf("expected federate fedA, got %s", grants[0].Federate)
	}
	if grants[0].Time != 1.5 {
		t.Errorf("expected time 1.5, got %v", grants[0].Time)
	}
}

func TestFederationTrace_GrantsLevel_SkipsDeliveries(t *testing.T) {
	// GIVEN a trace at the grants level
	ft := NewFederationTrace(LevelGrants)

	// WHEN deliveries and drops are recorded
	ft.RecordDelivery(DeliveryRecord{Kind: DeliveryValue, Source: "a/pub", Dest: "b/in"})
	ft.RecordDrop(DropRecord{Source: "a/ep", Dest: "nowhere", Reason: "unknown destination"})

	// THEN neither is kept
	if len(ft.Deliveries()) != 0 {
		t.Errorf("expected no deliveries, got %d", len(ft.Deliveries()))
	}
	if len(ft.Drops()) != 0 {
		t.Errorf("expected no drops, got %d", len(ft.Drops()))
	}
}

func TestFederationTrace_NoneLevel_RecordsNothing(t *testing.T) {
	ft := NewFederationTrace(LevelNone)
	ft.RecordGrant(GrantRecord{Federate: "fedA"})
	if len(ft.Grants()) != 0 {
		t.Error("expected no grants at level none")
	}
}

func TestFederationTrace_Nil_IsSafe(t *testing.T) {
	var ft *FederationTrace
	ft.RecordGrant(GrantRecord{Federate: "fedA"})
	ft.RecordDelivery(DeliveryRecord{})
	if ft.Grants() != nil || ft.Level() != LevelNone {
		t.Error("expected nil trace to record nothing")
	}
}

func TestFederationTrace_FullLevel_PreservesOrder(t *testing.T) {
	// GIVEN a full trace
	ft := NewFederationTrace(LevelFull)

	// WHEN multiple records are added
	ft.RecordDelivery(DeliveryRecord{Kind: DeliveryValue, Source: "a/pub", Dest: "b/in", Time: 1})
	ft.RecordDelivery(DeliveryRecord{Kind: DeliveryMessage, Source: "a/ep", Dest: "b/ep", Time: 2})
	ft.RecordGrant(GrantRecord{Federate: "b", Time: 2})

	// THEN records keep insertion order per kind
	deliveries := ft.Deliveries()
	if len(deliveries) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(deliveries))
	}
	if deliveries[0].Kind != DeliveryValue || deliveries[1].Kind != DeliveryMessage {
		t.Errorf("unexpected delivery order: %+v", deliveries)
	}
	if len(ft.Grants()) != 1 {
		t.Errorf("expected 1 grant, got %d", len(ft.Grants()))
	}
}

func TestIsValidLevel(t *testing.T) {
	tests := []struct {
		level string
		want  bool
	}{
		{"", true},
		{"none", true},
		{"grants", true},
		{"full", true},
		{"decisions", false},
		{"FULL", false},
	}
	for _, tc := range tests {
		if got := IsValidLevel(tc.level); got != tc.want {
			t.Errorf("IsValidLevel(%q) = %v, want %v", tc.level, got, tc.want)
		}
	}
}
