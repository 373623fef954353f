package trace

import "testing"

func TestSummarize_EmptyTrace_ZeroValues(t *testing.T) {
	// GIVEN an empty trace
	ft := NewFederationTrace(LevelFull)

	// WHEN summarized
	summary := Summarize(ft)

	// THEN all counts are zero
	if summary.TotalGrants != 0 || summary.ExecGrants != 0 {
		t.Errorf("expected 0 grants, got %d/%d", summary.TotalGrants, summary.ExecGrants)
	}
	if summary.ValueDeliveries != 0 || summary.MessageDeliveries != 0 || summary.Drops != 0 {
		t.Error("expected 0 deliveries and drops")
	}
	if len(summary.GrantsByFederate) != 0 {
		t.Error("expected empty grant distribution")
	}
}

func TestSummarize_PopulatedTrace_CorrectCounts(t *testing.T) {
	// GIVEN a trace with grants, deliveries and drops
	ft := NewFederationTrace(LevelFull)
	ft.RecordGrant(GrantRecord{Federate: "a", Exec: true, Result: "next_step"})
	ft.RecordGrant(GrantRecord{Federate: "a", Time: 1, Result: "next_step"})
	ft.RecordGrant(GrantRecord{Federate: "b", Time: 1, Result: "iterating"})
	ft.RecordGrant(GrantRecord{Federate: "b", Time: 3, Result: "next_step"})
	ft.RecordDelivery(DeliveryRecord{Kind: DeliveryValue})
	ft.RecordDelivery(DeliveryRecord{Kind: DeliveryMessage})
	ft.RecordDelivery(DeliveryRecord{Kind: DeliveryMessage})
	ft.RecordDrop(DropRecord{Reason: "filter"})

	// WHEN summarized
	summary := Summarize(ft)

	// THEN the counts match the records
	if summary.TotalGrants != 4 {
		t.Errorf("expected 4 grants, got %d", summary.TotalGrants)
	}
	if summary.ExecGrants != 1 {
		t.Errorf("expected 1 exec grant, got %d", summary.ExecGrants)
	}
	if summary.IterationGrants != 1 {
		t.Errorf("expected 1 iteration grant, got %d", summary.IterationGrants)
	}
	if summary.MaxGrantTime != 3 {
		t.Errorf("expected max grant time 3, got %v", summary.MaxGrantTime)
	}
	if summary.ValueDeliveries != 1 || summary.MessageDeliveries != 2 {
		t.Errorf("expected 1 value and 2 message deliveries, got %d/%d", summary.ValueDeliveries, summary.MessageDeliveries)
	}
	if summary.GrantsByFederate["b"] != 2 {
		t.Errorf("expected 2 grants for b, got %d", summary.GrantsByFederate["b"])
	}
	if summary.DropsByReason["filter"] != 1 {
		t.Errorf("expected 1 filter drop, got %d", summary.DropsByReason["filter"])
	}
}

func TestSummarize_NilTrace_ReturnsZeroValues(t *testing.T) {
	summary := Summarize(nil)
	if summary == nil {
		t.Fatal("expected non-nil summary")
	}
	if summary.TotalGrants != 0 {
		t.Errorf("expected 0 grants, got %d", summary.TotalGrants)
	}
}
