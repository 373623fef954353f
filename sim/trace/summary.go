package trace

// Summary aggregates statistics from a FederationTrace.
type Summary struct {
	TotalGrants       int
	ExecGrants        int
	IterationGrants   int // grants whose result was "iterating"
	MaxGrantTime      float64
	ValueDeliveries   int
	MessageDeliveries int
	Drops             int
	GrantsByFederate  map[string]int // federate name → count of grants
	DropsByReason     map[string]int
}

// Summarize computes aggregate statistics from a FederationTrace.
// Safe for nil or empty traces (returns zero-value fields).
func Summarize(ft *FederationTrace) *Summary {
	summary := &Summary{
		GrantsByFederate: make(map[string]int),
		DropsByReason:    make(map[string]int),
	}
	if ft == nil {
		return summary
	}

	grants := ft.Grants()
	summary.TotalGrants = len(grants)
	for _, g := range grants {
		summary.GrantsByFederate[g.Federate]++
		if g.Exec {
			summary.ExecGrants++
		}
		if g.Result == "iterating" {
			summary.IterationGrants++
		}
		if !g.Exec && g.Time > summary.MaxGrantTime {
			summary.MaxGrantTime = g.Time
		}
	}

	for _, d := range ft.Deliveries() {
		switch d.Kind {
		case DeliveryValue:
			summary.ValueDeliveries++
		case DeliveryMessage:
			summary.MessageDeliveries++
		}
	}

	drops := ft.Drops()
	summary.Drops = len(drops)
	for _, d := range drops {
		summary.DropsByReason[d.Reason]++
	}

	return summary
}
